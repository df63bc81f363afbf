// Package audit keeps a side record of every finished break-glass request in
// Postgres. Nothing reads it back for correctness.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"breakglass/pkg/session"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	// Redact replaces emails with salted hashes before they are stored.
	Redact bool
	Logger zerolog.Logger
}

type Record struct {
	RequestID      string
	Team           string
	Kind           string
	PullRequest    int
	PullRequestURL string
	Changed        []string
	Tickets        []string
	Skipped        []string
	CreatedAt      time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS breakglass_requests (
	request_id       TEXT PRIMARY KEY,
	team             TEXT NOT NULL,
	kind             TEXT NOT NULL,
	pull_request     INTEGER NOT NULL DEFAULT 0,
	pull_request_url TEXT NOT NULL DEFAULT '',
	changed          JSONB NOT NULL DEFAULT '[]',
	tickets          JSONB NOT NULL DEFAULT '[]',
	skipped          JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS breakglass_requests_team_idx ON breakglass_requests (team, created_at DESC);
`

func (w *Writer) Migrate(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, schema)
	return err
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	changed, err := encodeList(rec.Changed)
	if err != nil {
		return err
	}
	tickets, err := encodeList(rec.Tickets)
	if err != nil {
		return err
	}
	skipped, err := encodeList(rec.Skipped)
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO breakglass_requests
		(request_id, team, kind, pull_request, pull_request_url, changed, tickets, skipped, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (request_id) DO NOTHING
	`, rec.RequestID, rec.Team, rec.Kind, rec.PullRequest, rec.PullRequestURL, changed, tickets, skipped, rec.CreatedAt)
	return err
}

const selectColumns = `request_id, team, kind, pull_request, pull_request_url, changed, tickets, skipped, created_at`

func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	row := w.DB.QueryRow(ctx, `SELECT `+selectColumns+` FROM breakglass_requests WHERE request_id=$1`, requestID)
	return scanRecord(row)
}

// Recent lists the team's latest records, newest first.
func (w *Writer) Recent(ctx context.Context, team string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := w.DB.Query(ctx, `SELECT `+selectColumns+` FROM breakglass_requests WHERE team=$1 ORDER BY created_at DESC LIMIT $2`, team, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Emit records outcome updates. It satisfies session.Sink.
func (w *Writer) Emit(ctx context.Context, u session.Update) {
	if u.Type != session.UpdateOutcome {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	rec := Record{
		RequestID:      u.RequestID,
		Team:           u.Team,
		Kind:           u.Kind,
		PullRequest:    u.PullRequest,
		PullRequestURL: u.PullRequestURL,
		Changed:        u.Changed,
		Tickets:        u.Tickets,
		Skipped:        u.Skipped,
		CreatedAt:      u.At,
	}
	if err := w.Append(ctx, rec); err != nil {
		w.Logger.Error().Err(err).Str("request_id", u.RequestID).Msg("audit append failed")
	}
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var changed, tickets, skipped []byte
	if err := row.Scan(&rec.RequestID, &rec.Team, &rec.Kind, &rec.PullRequest, &rec.PullRequestURL, &changed, &tickets, &skipped, &rec.CreatedAt); err != nil {
		return rec, err
	}
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{{changed, &rec.Changed}, {tickets, &rec.Tickets}, {skipped, &rec.Skipped}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return rec, fmt.Errorf("decode audit record %s: %w", rec.RequestID, err)
		}
	}
	return rec, nil
}

func encodeList(v []string) ([]byte, error) {
	if v == nil {
		v = []string{}
	}
	return json.Marshal(v)
}
