package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"breakglass/pkg/session"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execSQL   string
	execArgs  []any
	queryArgs []any
	execs     int
}

func (f *fakeAuditDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs++
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

func (f *fakeAuditDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by fake")
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *int:
			*d = r.values[i].(int)
		case *[]byte:
			*d = []byte(r.values[i].(string))
		case *time.Time:
			*d = r.values[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func argString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func TestWriterAppendAndGet(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	db := &fakeAuditDB{
		rowValues: []any{"r-1", "payments", "none", 7, "https://github.example/pr/7", `["a@x.com"]`, `["OPS-1"]`, `[]`, now},
	}
	w := &Writer{DB: db}

	rec := Record{RequestID: "r-1", Team: "payments", Kind: "none", PullRequest: 7, Changed: []string{"a@x.com"}, Tickets: []string{"OPS-1"}, CreatedAt: now}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 9 {
		t.Fatalf("expected 9 exec args, got %d", len(db.execArgs))
	}
	if got := argString(db.execArgs[5]); got != `["a@x.com"]` {
		t.Fatalf("unexpected changed arg: %s", got)
	}
	if got := argString(db.execArgs[7]); got != `[]` {
		t.Fatalf("expected empty skipped list, got %s", got)
	}

	got, err := w.Get(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Team != "payments" || got.PullRequest != 7 || len(got.Changed) != 1 || got.Tickets[0] != "OPS-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestWriterRedactsEmails(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt-1"), Redact: true}
	rec := Record{RequestID: "r-1", Team: "payments", Changed: []string{"A@x.com"}, Skipped: []string{"b@x.com"}, CreatedAt: time.Now()}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	changed := argString(db.execArgs[5])
	if strings.Contains(changed, "x.com") || !strings.Contains(changed, "sha256:") {
		t.Fatalf("email leaked into audit record: %s", changed)
	}
	if hashString("a@x.com", []byte("salt-1")) != hashEmails([]string{" A@X.com "}, []byte("salt-1"))[0] {
		t.Fatal("expected hashes to ignore case and spacing")
	}
	if hashString("a@x.com", []byte("salt-1")) == hashString("a@x.com", []byte("salt-2")) {
		t.Fatal("expected salt to change the hash")
	}
}

func TestWriterErrors(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("exec failed"), rowErr: errors.New("no rows")}
	w := &Writer{DB: db}
	if err := w.Append(context.Background(), Record{RequestID: "r"}); err == nil {
		t.Fatal("expected append error")
	}
	if _, err := w.Get(context.Background(), "r"); err == nil {
		t.Fatal("expected get error")
	}
	if _, err := w.Recent(context.Background(), "payments", 5); err == nil {
		t.Fatal("expected recent error")
	}
}

func TestEmitRecordsOutcomesOnly(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, Logger: zerolog.Nop()}
	ctx := context.Background()
	w.Emit(ctx, session.Update{Type: session.UpdateState, Team: "payments", State: session.Previewing})
	if db.execs != 0 {
		t.Fatal("state update written to audit")
	}
	w.Emit(ctx, session.Update{Type: session.UpdateOutcome, Team: "payments", RequestID: "r-2", Kind: "conflict", At: time.Now()})
	if db.execs != 1 || db.execArgs[0] != "r-2" || db.execArgs[2] != "conflict" {
		t.Fatalf("unexpected audit write: %d %v", db.execs, db.execArgs)
	}
	db.execErr = errors.New("down")
	w.Emit(ctx, session.Update{Type: session.UpdateOutcome, RequestID: "r-3"})
}

func TestMigrate(t *testing.T) {
	db := &fakeAuditDB{}
	if err := (&Writer{DB: db}).Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(db.execSQL, "CREATE TABLE IF NOT EXISTS breakglass_requests") {
		t.Fatalf("unexpected schema: %s", db.execSQL)
	}
}
