// Package publish turns a confirmed desired list into a pull request against
// the policy repository: read the team file, reconcile, branch, commit with
// the read revision as precondition, open a labelled pull request.
package publish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"breakglass/pkg/failure"
	"breakglass/pkg/policydoc"
	"breakglass/pkg/reconcile"
)

// ErrBranchExists is returned by SourceControl.CreateBranch when the ref is
// already taken.
var ErrBranchExists = errors.New("branch already exists")

// File is a file read at a revision. SHA is the blob revision used as the
// commit precondition.
type File struct {
	Path    string
	Content []byte
	SHA     string
}

type FileCommit struct {
	Path    string
	Branch  string
	Message string
	Content []byte
	// SHA of the blob being replaced. The write fails with
	// failure.ErrConflict when the file moved on since it was read.
	SHA string
}

type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

type PullRequest struct {
	Number int
	URL    string
	Title  string
	Body   string
	Labels []string
}

// SourceControl is the subset of the GitHub API the publisher needs.
type SourceControl interface {
	GetFile(ctx context.Context, path, ref string) (File, error)
	BranchHead(ctx context.Context, branch string) (string, error)
	CreateBranch(ctx context.Context, name, sha string) error
	CommitFile(ctx context.Context, c FileCommit) error
	OpenPullRequest(ctx context.Context, pr NewPullRequest) (PullRequest, error)
	AddLabels(ctx context.Context, number int, labels []string) error
	RequestReviewers(ctx context.Context, number int, reviewers []string) error
	GetPullRequest(ctx context.Context, number int) (PullRequest, error)
	EditPullRequestBody(ctx context.Context, number int, body string) error
	ListSubdirectories(ctx context.Context, path, ref string) ([]string, error)
}

// Outcome reports one Publish call.
type Outcome struct {
	Team        string
	Success     bool
	NoChange    bool
	Branch      string
	PullRequest PullRequest
	// Changed lists the desired emails whose entry was added or refreshed;
	// tickets are issued for exactly these.
	Changed     []string
	Added       []string
	Refreshed   []string
	Diagnostics []string
	Err         error
}

// TicketLink is what AttachTickets writes into the pull request body.
type TicketLink struct {
	Key   string
	URL   string
	Email string
}

type Config struct {
	BaseBranch string
	Label      string
	Reviewers  []string
	Logger     zerolog.Logger
	Now        func() time.Time
}

type Publisher struct {
	scm       SourceControl
	base      string
	label     string
	reviewers []string
	log       zerolog.Logger
	now       func() time.Time
	suffix    func() string
}

const (
	DefaultBaseBranch = "main"
	DefaultLabel      = "breakglass"
	branchTimeLayout  = "20060102150405"
	ticketsHeading    = "### Tickets"
)

func New(scm SourceControl, cfg Config) *Publisher {
	p := &Publisher{
		scm:       scm,
		base:      cfg.BaseBranch,
		label:     cfg.Label,
		reviewers: cfg.Reviewers,
		log:       cfg.Logger.With().Str("component", "publish").Logger(),
		now:       cfg.Now,
		suffix:    func() string { return uuid.NewString()[:8] },
	}
	if p.base == "" {
		p.base = DefaultBaseBranch
	}
	if p.label == "" {
		p.label = DefaultLabel
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func BranchName(team string, at time.Time) string {
	return fmt.Sprintf("update-breakglass-%s-%s", team, at.UTC().Format(branchTimeLayout))
}

func Title(team string) string {
	return "Update BreakGlass emails for " + team
}

// Publish reconciles the team's policy file against desired and, when the
// file changes, opens one pull request carrying the whole change. A branch
// left behind by a failed later step is not removed.
func (p *Publisher) Publish(ctx context.Context, team string, desired []string) Outcome {
	out := Outcome{Team: team}
	fail := func(err error) Outcome {
		out.Err = err
		p.log.Error().Err(err).Str("team", team).Str("kind", failure.Kind(err)).Msg("publication failed")
		return out
	}

	path, err := policydoc.Path(team)
	if err != nil {
		return fail(err)
	}
	file, err := p.scm.GetFile(ctx, path, p.base)
	if err != nil {
		return fail(err)
	}
	doc, err := policydoc.Parse(file.Content)
	if err != nil {
		return fail(err)
	}
	now := p.now()
	res, err := reconcile.Reconcile(doc, desired, now)
	if err != nil {
		return fail(err)
	}
	out.Diagnostics = res.Diagnostics
	if !res.Changed {
		if slices.Contains(res.Diagnostics, reconcile.DiagNoProductionAccount) {
			return fail(fmt.Errorf("%w: %s", failure.ErrNoProductionAccount, path))
		}
		out.Success = true
		out.NoChange = true
		p.log.Info().Str("team", team).Msg("policy already up to date")
		return out
	}
	out.Added = res.Added
	out.Refreshed = res.Refreshed
	out.Changed = res.ChangedEmails(desired)

	head, err := p.scm.BranchHead(ctx, p.base)
	if err != nil {
		return fail(err)
	}
	branch := BranchName(team, now)
	err = p.scm.CreateBranch(ctx, branch, head)
	if errors.Is(err, ErrBranchExists) {
		branch = branch + "-" + p.suffix()
		err = p.scm.CreateBranch(ctx, branch, head)
	}
	if err != nil {
		return fail(err)
	}
	out.Branch = branch

	err = p.scm.CommitFile(ctx, FileCommit{
		Path:    path,
		Branch:  branch,
		Message: Title(team),
		Content: res.Output,
		SHA:     file.SHA,
	})
	if err != nil {
		return fail(err)
	}

	pr, err := p.scm.OpenPullRequest(ctx, NewPullRequest{
		Title: Title(team),
		Body:  pullRequestBody(team, res),
		Head:  branch,
		Base:  p.base,
	})
	if err != nil {
		return fail(err)
	}
	out.PullRequest = pr

	if err := p.scm.AddLabels(ctx, pr.Number, []string{p.label}); err != nil {
		return fail(err)
	}
	out.PullRequest.Labels = append(out.PullRequest.Labels, p.label)
	if len(p.reviewers) > 0 {
		if err := p.scm.RequestReviewers(ctx, pr.Number, p.reviewers); err != nil {
			p.log.Warn().Err(err).Int("pr", pr.Number).Msg("requesting reviewers failed")
		}
	}
	out.Success = true
	p.log.Info().Str("team", team).Int("pr", pr.Number).Str("branch", branch).
		Strs("added", res.Added).Strs("refreshed", res.Refreshed).Msg("pull request opened")
	return out
}

func pullRequestBody(team string, res reconcile.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automatically generated PR to update BreakGlass emails for %s.\n", team)
	if len(res.Added) > 0 {
		b.WriteString("\nAdded:\n")
		for _, e := range res.Added {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if len(res.Refreshed) > 0 {
		b.WriteString("\nExpiry refreshed:\n")
		for _, e := range res.Refreshed {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

// AttachTickets appends ticket links to the pull request body. Links already
// present are skipped, so calling it twice with the same tickets leaves the
// body unchanged.
func (p *Publisher) AttachTickets(ctx context.Context, number int, tickets []TicketLink) error {
	if len(tickets) == 0 {
		return nil
	}
	pr, err := p.scm.GetPullRequest(ctx, number)
	if err != nil {
		return err
	}
	body, changed := withTickets(pr.Body, tickets)
	if !changed {
		return nil
	}
	return p.scm.EditPullRequestBody(ctx, number, body)
}

func withTickets(body string, tickets []TicketLink) (string, bool) {
	var lines []string
	for _, t := range tickets {
		if t.URL == "" || strings.Contains(body, t.URL) {
			continue
		}
		line := fmt.Sprintf("- [%s](%s)", t.Key, t.URL)
		if t.Email != "" {
			line += " " + t.Email
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return body, false
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(body, "\n"))
	if !strings.Contains(body, ticketsHeading) {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(ticketsHeading)
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n")
	return b.String(), true
}

// Teams lists the team directories under teams/ on the base branch, sorted.
func (p *Publisher) Teams(ctx context.Context) ([]string, error) {
	dirs, err := p.scm.ListSubdirectories(ctx, "teams", p.base)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if policydoc.ValidateTeam(d) == nil {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CurrentEmails returns the break-glass emails of the team's production
// accounts as stored on the base branch.
func (p *Publisher) CurrentEmails(ctx context.Context, team string) ([]string, error) {
	entries, err := p.CurrentEntries(ctx, team)
	if err != nil {
		return nil, err
	}
	return policydoc.Emails(entries), nil
}

func (p *Publisher) CurrentEntries(ctx context.Context, team string) ([]policydoc.Entry, error) {
	path, err := policydoc.Path(team)
	if err != nil {
		return nil, err
	}
	file, err := p.scm.GetFile(ctx, path, p.base)
	if err != nil {
		return nil, err
	}
	doc, err := policydoc.Parse(file.Content)
	if err != nil {
		return nil, err
	}
	return doc.EntriesFor()
}
