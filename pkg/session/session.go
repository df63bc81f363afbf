// Package session drives one operator request per team through
// select, preview/edit, confirm and the background publication that ends it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"breakglass/pkg/failure"
	"breakglass/pkg/metrics"
	"breakglass/pkg/policydoc"
	"breakglass/pkg/publish"
	"breakglass/pkg/reconcile"
	"breakglass/pkg/telemetry"
	"breakglass/pkg/tickets"
)

// DesiredStore holds each team's working email list. It is a cache: a miss
// means "re-read the policy file", never an error.
type DesiredStore interface {
	Get(ctx context.Context, team string) ([]string, bool, error)
	Put(ctx context.Context, team string, emails []string) error
	Delete(ctx context.Context, team string) error
}

// Locker guards the confirm step so a team has at most one publication in
// flight, across processes when backed by Redis. Unlock takes the token
// TryLock returned.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// Records shares each team's latest request between replicas and across
// restarts. It is the authority on whether a request may still publish.
type Records interface {
	Load(ctx context.Context, team string) (Session, bool, error)
	Save(ctx context.Context, s Session) error
}

type Publisher interface {
	Publish(ctx context.Context, team string, desired []string) publish.Outcome
	AttachTickets(ctx context.Context, number int, links []publish.TicketLink) error
	CurrentEmails(ctx context.Context, team string) ([]string, error)
}

type Issuer interface {
	Issue(ctx context.Context, team string, emails []string, pr tickets.PullRequest) tickets.Result
}

// Transport is the chat side of a session.
type Transport interface {
	// PresentList shows the list for confirmation. requestID must come back
	// with the operator's answer.
	PresentList(ctx context.Context, team, requestID string, emails []string) error
	OpenEditor(ctx context.Context, trigger, team, requestID string, emails []string) error
	// Acknowledge tells the operator a confirmed request is being processed.
	Acknowledge(ctx context.Context, team string) error
	ReportOutcome(ctx context.Context, r Report) error
	ReportApproval(ctx context.Context, ev ApprovalEvent) error
	Notify(ctx context.Context, text string) error
}

// Sink receives session updates. Emit must not block for long.
type Sink interface {
	Emit(ctx context.Context, u Update)
}

// Report is the final result of a confirmed request.
type Report struct {
	Team      string
	RequestID string
	Emails    []string
	Outcome   publish.Outcome
	Tickets   tickets.Result
	// AttachErr is set when the ticket links could not be written back to
	// the pull request.
	AttachErr error
	// Err is the first error that ended the request, or the partial
	// ticket error when publication itself succeeded.
	Err error
}

func (r Report) Message() string {
	return failure.Message(r.Team, r.Err)
}

type ApprovalEvent struct {
	Number   int
	Title    string
	URL      string
	Approver string
	Repo     string
}

const (
	UpdateState    = "state"
	UpdateOutcome  = "outcome"
	UpdateApproval = "approval"
)

// Update is what sinks see: state changes, final outcomes and approvals.
type Update struct {
	Type           string    `json:"type"`
	Team           string    `json:"team,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	State          State     `json:"state,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	PullRequest    int       `json:"pull_request,omitempty"`
	PullRequestURL string    `json:"pull_request_url,omitempty"`
	Changed        []string  `json:"changed,omitempty"`
	Tickets        []string  `json:"tickets,omitempty"`
	Skipped        []string  `json:"skipped,omitempty"`
	At             time.Time `json:"at"`
}

// Session is a snapshot of one team's request.
type Session struct {
	Team           string    `json:"team"`
	RequestID      string    `json:"request_id"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastError      string    `json:"last_error,omitempty"`
	PullRequestURL string    `json:"pull_request_url,omitempty"`
}

type Config struct {
	Store     DesiredStore
	Records   Records
	Locker    Locker
	Transport Transport
	Publisher Publisher
	Issuer    Issuer
	Sinks     []Sink
	Metrics   *metrics.Registry
	Logger    zerolog.Logger
	// LockTTL bounds how long a crashed publication can block its team.
	LockTTL time.Duration
	Now     func() time.Time
	NewID   func() string
}

const DefaultLockTTL = 10 * time.Minute

type Manager struct {
	store     DesiredStore
	records   Records
	locker    Locker
	transport Transport
	publisher Publisher
	issuer    Issuer
	sinks     []Sink
	metrics   *metrics.Registry
	log       zerolog.Logger
	lockTTL   time.Duration
	now       func() time.Time
	newID     func() string

	mu       sync.Mutex
	sessions map[string]*Session
	runner   Runner
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:     cfg.Store,
		records:   cfg.Records,
		locker:    cfg.Locker,
		transport: cfg.Transport,
		publisher: cfg.Publisher,
		issuer:    cfg.Issuer,
		sinks:     cfg.Sinks,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With().Str("component", "session").Logger(),
		lockTTL:   cfg.LockTTL,
		now:       cfg.Now,
		newID:     cfg.NewID,
		sessions:  map[string]*Session{},
	}
	if m.lockTTL <= 0 {
		m.lockTTL = DefaultLockTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.records == nil {
		m.records = &memoryRecords{items: map[string]Session{}}
	}
	m.runner.Log = m.log
	return m
}

func LockKey(team string) string {
	return "breakglass:confirm:" + team
}

// Start opens a fresh request for team and presents its current list. On a
// failed read the session stays in SELECTING and the operator is told why.
func (m *Manager) Start(ctx context.Context, team string) error {
	if err := policydoc.ValidateTeam(team); err != nil {
		return m.surface(ctx, team, err)
	}
	cur, ok, err := m.lookup(ctx, team)
	if err != nil {
		return m.surface(ctx, team, err)
	}
	if ok && cur.State == Publishing {
		return m.surface(ctx, team, failure.ErrInProgress)
	}
	now := m.now()
	s := &Session{Team: team, RequestID: m.newID(), State: Selecting, StartedAt: now, UpdatedAt: now}
	m.mu.Lock()
	m.sessions[team] = s
	m.mu.Unlock()
	m.persist(ctx, *s)
	m.log.Info().Str("team", team).Str("request_id", s.RequestID).Msg("request started")

	emails, err := m.publisher.CurrentEmails(ctx, team)
	if err != nil {
		m.recordError(ctx, team, s.RequestID, err)
		return m.surface(ctx, team, err)
	}
	if err := m.store.Put(ctx, team, emails); err != nil {
		m.log.Warn().Err(err).Str("team", team).Msg("storing desired list failed")
	}
	if err := m.advance(ctx, team, s.RequestID, EventSelect); err != nil {
		return err
	}
	return m.present(ctx, team, s.RequestID, emails)
}

// OpenEditor shows the working list in an editor. A cache miss re-reads the
// list from the policy file. An empty requestID means the team's current
// request.
func (m *Manager) OpenEditor(ctx context.Context, team, requestID, trigger string) error {
	s, err := m.previewing(ctx, team, requestID)
	if errors.Is(err, errNoSession) {
		return m.restart(ctx, team)
	}
	if err != nil {
		return m.surface(ctx, team, err)
	}
	emails, err := m.desired(ctx, team)
	if err != nil {
		return m.surface(ctx, team, err)
	}
	if err := m.transport.OpenEditor(ctx, trigger, team, s.RequestID, emails); err != nil {
		m.log.Error().Err(err).Str("team", team).Msg("opening editor failed")
		return err
	}
	return nil
}

// Edit replaces the working list and shows the new preview.
func (m *Manager) Edit(ctx context.Context, team, requestID string, emails []string) error {
	s, err := m.previewing(ctx, team, requestID)
	if errors.Is(err, errNoSession) {
		return m.restart(ctx, team)
	}
	if err != nil {
		return m.surface(ctx, team, err)
	}
	emails = reconcile.Normalize(emails)
	if err := m.store.Put(ctx, team, emails); err != nil {
		m.log.Warn().Err(err).Str("team", team).Msg("storing desired list failed")
	}
	if err := m.advance(ctx, team, s.RequestID, EventEdit); err != nil {
		return m.surface(ctx, team, err)
	}
	return m.present(ctx, team, s.RequestID, emails)
}

// Confirm starts publication of the working list in the background and
// returns at once. A second confirm while one is in flight gets
// failure.ErrInProgress; a confirm on a finished, cancelled or superseded
// request gets failure.ErrSessionClosed. A team with no known request is
// sent back to selection instead of publishing.
func (m *Manager) Confirm(ctx context.Context, team, requestID string) error {
	if err := policydoc.ValidateTeam(team); err != nil {
		return m.surface(ctx, team, err)
	}
	key := LockKey(team)
	token, ok, err := m.locker.TryLock(ctx, key, m.lockTTL)
	if err != nil {
		return m.surface(ctx, team, failure.Transport("lock.acquire", err))
	}
	if !ok {
		return m.surface(ctx, team, failure.ErrInProgress)
	}
	release := func() {
		if err := m.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			m.log.Warn().Err(err).Str("team", team).Msg("releasing confirm lock failed")
		}
	}

	s, err := m.previewing(ctx, team, requestID)
	if errors.Is(err, errNoSession) {
		release()
		return m.restart(ctx, team)
	}
	if err != nil {
		release()
		return m.surface(ctx, team, err)
	}
	if err := m.advance(ctx, team, s.RequestID, EventConfirm); err != nil {
		release()
		return m.surface(ctx, team, err)
	}

	desired, err := m.desired(ctx, team)
	if err != nil {
		m.finish(ctx, Report{Team: team, RequestID: s.RequestID, Err: err}, release)
		return nil
	}
	if err := m.transport.Acknowledge(ctx, team); err != nil {
		m.log.Warn().Err(err).Str("team", team).Msg("acknowledging confirm failed")
	}
	if m.metrics != nil {
		m.metrics.InFlight.Inc()
	}
	bg := context.WithoutCancel(ctx)
	var report Report
	m.runner.Go(bg, func(ctx context.Context) error {
		report = m.publishAndTicket(ctx, team, s.RequestID, desired)
		return nil
	}, func(taskErr error) {
		if m.metrics != nil {
			m.metrics.InFlight.Dec()
		}
		if taskErr != nil {
			report = Report{Team: team, RequestID: s.RequestID, Emails: desired, Err: taskErr}
		}
		m.finish(bg, report, release)
	})
	return nil
}

func (m *Manager) publishAndTicket(ctx context.Context, team, requestID string, desired []string) (r Report) {
	ctx, span := telemetry.StartSpan(ctx, "breakglass.publish", team)
	defer func() { telemetry.EndSpan(span, r.Err) }()
	r = Report{Team: team, RequestID: requestID, Emails: desired}
	r.Outcome = m.publisher.Publish(ctx, team, desired)
	if !r.Outcome.Success {
		r.Err = r.Outcome.Err
		if r.Err == nil {
			r.Err = errors.New("publication failed")
		}
		return r
	}
	if r.Outcome.NoChange || len(r.Outcome.Changed) == 0 {
		return r
	}
	pr := r.Outcome.PullRequest
	r.Tickets = m.issuer.Issue(ctx, team, r.Outcome.Changed, tickets.PullRequest{Number: pr.Number, URL: pr.URL})
	if len(r.Tickets.Tickets) > 0 {
		links := make([]publish.TicketLink, 0, len(r.Tickets.Tickets))
		for _, t := range r.Tickets.Tickets {
			links = append(links, publish.TicketLink{Key: t.Key, URL: t.URL, Email: t.Email})
		}
		if err := m.publisher.AttachTickets(ctx, pr.Number, links); err != nil {
			r.AttachErr = err
			m.log.Error().Err(err).Int("pr", pr.Number).Msg("attaching ticket links failed")
		}
	}
	if err := r.Tickets.Err(); err != nil {
		r.Err = err
	}
	return r
}

// finish is the completion path of every confirmed request: move to DONE,
// release the lock, drop the working list and report.
func (m *Manager) finish(ctx context.Context, r Report, release func()) {
	ev := EventComplete
	if r.Err != nil && !errors.Is(r.Err, failure.ErrPartialPublication) {
		ev = EventFail
	}
	m.mu.Lock()
	s, ok := m.sessions[r.Team]
	if !ok || s.RequestID != r.RequestID {
		s = &Session{Team: r.Team, RequestID: r.RequestID, StartedAt: m.now()}
		m.sessions[r.Team] = s
	}
	if next, err := Next(s.State, ev); err == nil {
		s.State = next
	} else {
		s.State = Done
	}
	s.UpdatedAt = m.now()
	s.PullRequestURL = r.Outcome.PullRequest.URL
	if r.Err != nil {
		s.LastError = r.Err.Error()
	}
	snap := *s
	m.mu.Unlock()
	// DONE must be visible to every replica before the lock is free.
	m.persist(ctx, snap)
	release()
	if err := m.store.Delete(ctx, r.Team); err != nil {
		m.log.Warn().Err(err).Str("team", r.Team).Msg("clearing desired list failed")
	}

	kind := failure.Kind(r.Err)
	logEv := m.log.Info()
	if r.Err != nil {
		logEv = m.log.Error().Err(r.Err)
	}
	logEv.Str("team", r.Team).Str("request_id", r.RequestID).Str("kind", kind).
		Bool("no_change", r.Outcome.NoChange).Int("tickets", len(r.Tickets.Tickets)).
		Int("skipped", len(r.Tickets.Skipped)).Msg("request finished")
	if m.metrics != nil {
		m.metrics.Publications.WithLabelValues(kind).Inc()
		m.metrics.TicketsCreated.Add(float64(len(r.Tickets.Tickets)))
		m.metrics.TicketsSkipped.Add(float64(len(r.Tickets.Skipped)))
		m.metrics.SessionTransition.WithLabelValues(string(Done)).Inc()
	}

	out := Update{
		Type:           UpdateOutcome,
		Team:           r.Team,
		RequestID:      r.RequestID,
		State:          Done,
		Kind:           kind,
		PullRequest:    r.Outcome.PullRequest.Number,
		PullRequestURL: r.Outcome.PullRequest.URL,
		Changed:        r.Outcome.Changed,
		At:             m.now(),
	}
	for _, t := range r.Tickets.Tickets {
		out.Tickets = append(out.Tickets, t.Key)
	}
	for _, s := range r.Tickets.Skipped {
		out.Skipped = append(out.Skipped, s.Email)
	}
	m.emit(ctx, out)

	if err := m.transport.ReportOutcome(ctx, r); err != nil {
		m.log.Error().Err(err).Str("team", r.Team).Msg("reporting outcome failed")
	}
}

// Cancel ends a request that has not been confirmed. Cancelling a team
// with no known request is a no-op.
func (m *Manager) Cancel(ctx context.Context, team, requestID string) error {
	s, ok, err := m.lookup(ctx, team)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if requestID != "" && s.RequestID != requestID {
		return failure.ErrSessionClosed
	}
	if err := m.advance(ctx, team, s.RequestID, EventCancel); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return stateError(s)
		}
		return err
	}
	if err := m.store.Delete(ctx, team); err != nil {
		m.log.Warn().Err(err).Str("team", team).Msg("clearing desired list failed")
	}
	return nil
}

// State returns a snapshot of team's current request.
func (m *Manager) State(team string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[team]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns snapshots of all known requests.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// Wait blocks until background publications finish.
func (m *Manager) Wait() {
	m.runner.Wait()
}

// NotifyApproved announces an approved break-glass pull request. It is
// independent of any session.
func (m *Manager) NotifyApproved(ctx context.Context, ev ApprovalEvent) error {
	if m.metrics != nil {
		m.metrics.ApprovalsNotified.Inc()
	}
	m.emit(ctx, Update{Type: UpdateApproval, PullRequest: ev.Number, PullRequestURL: ev.URL, At: m.now()})
	m.log.Info().Int("pr", ev.Number).Str("approver", ev.Approver).Msg("pull request approved")
	return m.transport.ReportApproval(ctx, ev)
}

var errNoSession = errors.New("no session")

// previewing returns the team's request when it accepts edits or a
// confirm. A requestID other than the team's latest request is stale.
func (m *Manager) previewing(ctx context.Context, team, requestID string) (Session, error) {
	if err := policydoc.ValidateTeam(team); err != nil {
		return Session{}, err
	}
	s, ok, err := m.lookup(ctx, team)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, errNoSession
	}
	if requestID != "" && s.RequestID != requestID {
		return s, failure.ErrSessionClosed
	}
	if s.State != Previewing {
		return s, stateError(s)
	}
	return s, nil
}

func stateError(s Session) error {
	switch s.State {
	case Publishing:
		return failure.ErrInProgress
	case Done:
		return failure.ErrSessionClosed
	default:
		return fmt.Errorf("%w: request for %s is %s", ErrInvalidTransition, s.Team, s.State)
	}
}

// restart sends a team without a known request back to selection: its
// current list is shown again and needs a fresh confirm.
func (m *Manager) restart(ctx context.Context, team string) error {
	m.log.Info().Str("team", team).Msg("no request on record, starting over")
	return m.Start(ctx, team)
}

// lookup reads the team's latest request from the shared records and
// refreshes the local view with it.
func (m *Manager) lookup(ctx context.Context, team string) (Session, bool, error) {
	rec, ok, err := m.records.Load(ctx, team)
	if err != nil {
		return Session{}, false, failure.Transport("sessions.load", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		delete(m.sessions, team)
		return Session{}, false, nil
	}
	cp := rec
	m.sessions[team] = &cp
	return rec, true, nil
}

func (m *Manager) persist(ctx context.Context, s Session) {
	if err := m.records.Save(ctx, s); err != nil {
		m.log.Error().Err(err).Str("team", s.Team).Str("request_id", s.RequestID).
			Str("state", string(s.State)).Msg("saving session record failed")
	}
}

// advance applies ev to the team's session if it still belongs to
// requestID.
func (m *Manager) advance(ctx context.Context, team, requestID string, ev Event) error {
	m.mu.Lock()
	s, ok := m.sessions[team]
	if !ok || s.RequestID != requestID {
		m.mu.Unlock()
		return failure.ErrSessionClosed
	}
	next, err := Next(s.State, ev)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	from := s.State
	s.State = next
	s.UpdatedAt = m.now()
	s.LastError = ""
	snap := *s
	m.mu.Unlock()
	m.persist(ctx, snap)

	m.log.Info().Str("team", team).Str("request_id", requestID).Str("event", string(ev)).
		Str("from", string(from)).Str("to", string(next)).Msg("session transition")
	if m.metrics != nil {
		m.metrics.SessionTransition.WithLabelValues(string(next)).Inc()
	}
	m.emit(ctx, Update{Type: UpdateState, Team: team, RequestID: requestID, State: next, At: m.now()})
	return nil
}

func (m *Manager) recordError(ctx context.Context, team, requestID string, err error) {
	m.mu.Lock()
	s, ok := m.sessions[team]
	if !ok || s.RequestID != requestID {
		m.mu.Unlock()
		return
	}
	s.LastError = err.Error()
	s.UpdatedAt = m.now()
	snap := *s
	m.mu.Unlock()
	m.persist(ctx, snap)
}

func (m *Manager) desired(ctx context.Context, team string) ([]string, error) {
	emails, ok, err := m.store.Get(ctx, team)
	if err != nil {
		m.log.Warn().Err(err).Str("team", team).Msg("reading desired list failed, re-reading policy")
	}
	if ok && err == nil {
		return emails, nil
	}
	emails, err = m.publisher.CurrentEmails(ctx, team)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, team, emails); err != nil {
		m.log.Warn().Err(err).Str("team", team).Msg("storing desired list failed")
	}
	return emails, nil
}

func (m *Manager) present(ctx context.Context, team, requestID string, emails []string) error {
	if err := m.transport.PresentList(ctx, team, requestID, emails); err != nil {
		m.log.Error().Err(err).Str("team", team).Msg("presenting list failed")
		return err
	}
	return nil
}

// surface tells the operator about err and returns it.
func (m *Manager) surface(ctx context.Context, team string, err error) error {
	m.log.Warn().Err(err).Str("team", team).Str("kind", failure.Kind(err)).Msg("request rejected")
	if msg := failure.Message(team, err); msg != "" {
		if nerr := m.transport.Notify(ctx, msg); nerr != nil {
			m.log.Error().Err(nerr).Str("team", team).Msg("notifying operator failed")
		}
	}
	return err
}

func (m *Manager) emit(ctx context.Context, u Update) {
	for _, s := range m.sinks {
		s.Emit(ctx, u)
	}
}

// memoryRecords keeps session records in process when no shared store is
// configured.
type memoryRecords struct {
	mu    sync.Mutex
	items map[string]Session
}

func (r *memoryRecords) Load(_ context.Context, team string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[team]
	return s, ok, nil
}

func (r *memoryRecords) Save(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[s.Team] = s
	return nil
}
