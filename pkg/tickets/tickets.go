// Package tickets opens one tracker issue per granted email, linked to the
// pull request that carries the grant.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"breakglass/pkg/failure"
)

type IssueRequest struct {
	Email       string
	Team        string
	Summary     string
	Description string
	// ReporterID is the requester's directory identifier.
	ReporterID string
}

type Issue struct {
	Key string
	URL string
}

// Tracker is the issue-tracker collaborator. FindUser returns "" with a nil
// error when the directory has no match.
type Tracker interface {
	CreateIssue(ctx context.Context, req IssueRequest) (Issue, error)
	Assign(ctx context.Context, key, accountID string) error
	FindUser(ctx context.Context, email string) (string, error)
}

// PullRequest identifies the change a ticket refers to. A zero value means
// no pull request is known.
type PullRequest struct {
	Number int
	URL    string
}

type Ref struct {
	Key               string
	URL               string
	PullRequestNumber int
	Email             string
}

type Skip struct {
	Email  string
	Reason error
}

type Result struct {
	Tickets []Ref
	Skipped []Skip
}

// ErrNoTickets is returned by Result.Err when emails were requested and not
// a single ticket was created.
var ErrNoTickets = errors.New("no tickets created")

// Err is nil when every email got a ticket, wraps
// failure.ErrPartialPublication when some were skipped, and wraps
// ErrNoTickets when all were.
func (r Result) Err() error {
	if len(r.Skipped) == 0 {
		return nil
	}
	reasons := make([]error, 0, len(r.Skipped))
	for _, s := range r.Skipped {
		reasons = append(reasons, fmt.Errorf("%s: %w", s.Email, s.Reason))
	}
	if len(r.Tickets) == 0 {
		return fmt.Errorf("%w: %w", ErrNoTickets, errors.Join(reasons...))
	}
	return fmt.Errorf("%w: %d of %d skipped: %w", failure.ErrPartialPublication,
		len(r.Skipped), len(r.Skipped)+len(r.Tickets), errors.Join(reasons...))
}

type Config struct {
	ManagerEmail string
	Logger       zerolog.Logger
}

type Issuer struct {
	tracker      Tracker
	managerEmail string
	log          zerolog.Logger
}

func New(tracker Tracker, cfg Config) *Issuer {
	return &Issuer{
		tracker:      tracker,
		managerEmail: strings.TrimSpace(cfg.ManagerEmail),
		log:          cfg.Logger.With().Str("component", "tickets").Logger(),
	}
}

func Summary(email, team string) string {
	return fmt.Sprintf("Grant production access for %s - %s", email, team)
}

func Description(email, team string, pr PullRequest) string {
	d := fmt.Sprintf("Please grant production access for %s for the %s team.", email, team)
	if pr.URL != "" {
		d += fmt.Sprintf("\n\nPull request: %s", pr.URL)
	}
	return d
}

// Issue creates one ticket per email. Directory misses and per-email
// tracker failures become Skips; the batch always runs to the end.
func (i *Issuer) Issue(ctx context.Context, team string, emails []string, pr PullRequest) Result {
	var res Result
	if len(emails) == 0 {
		return res
	}

	managerID, managerErr := i.lookup(ctx, i.managerEmail)
	if managerErr != nil {
		i.log.Error().Err(managerErr).Str("manager", i.managerEmail).Msg("manager lookup failed")
		managerErr = fmt.Errorf("%w: %w", failure.ErrManagerLookup, managerErr)
	}

	for _, email := range emails {
		if managerErr != nil {
			res.Skipped = append(res.Skipped, Skip{Email: email, Reason: managerErr})
			continue
		}
		requesterID, err := i.lookup(ctx, email)
		if err != nil {
			i.log.Warn().Err(err).Str("email", email).Msg("requester lookup failed, skipping ticket")
			res.Skipped = append(res.Skipped, Skip{Email: email, Reason: err})
			continue
		}
		issue, err := i.tracker.CreateIssue(ctx, IssueRequest{
			Email:       email,
			Team:        team,
			Summary:     Summary(email, team),
			Description: Description(email, team, pr),
			ReporterID:  requesterID,
		})
		if err != nil {
			i.log.Error().Err(err).Str("email", email).Msg("creating ticket failed")
			res.Skipped = append(res.Skipped, Skip{Email: email, Reason: err})
			continue
		}
		if err := i.tracker.Assign(ctx, issue.Key, managerID); err != nil {
			i.log.Warn().Err(err).Str("key", issue.Key).Msg("could not assign ticket to manager")
		}
		i.log.Info().Str("key", issue.Key).Str("email", email).Str("team", team).Msg("ticket created")
		res.Tickets = append(res.Tickets, Ref{Key: issue.Key, URL: issue.URL, PullRequestNumber: pr.Number, Email: email})
	}
	return res
}

func (i *Issuer) lookup(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", fmt.Errorf("%w: no email configured", failure.ErrDirectoryLookup)
	}
	id, err := i.tracker.FindUser(ctx, email)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", failure.ErrDirectoryLookup, email, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s not found", failure.ErrDirectoryLookup, email)
	}
	return id, nil
}
