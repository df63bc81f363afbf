package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "verify_full_allowed", url: "postgres://u:p@db:5432/x?sslmode=verify-full"},
		{name: "require_allowed", url: "postgres://u:p@db:5432/x?sslmode=require"},
		{name: "prefer_denied", url: "postgres://u:p@db:5432/x?sslmode=prefer", wantErr: true},
		{name: "missing_sslmode_denied", url: "postgres://u:p@db:5432/x", wantErr: true},
		{name: "invalid_url_denied", url: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validatePostgresTLS(tt.url)
			if tt.wantErr != (err != nil) {
				t.Fatalf("validatePostgresTLS(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestNewPostgresPoolRejectsInvalidInputs(t *testing.T) {
	ctx := context.Background()
	if _, err := NewPostgresPool(ctx, PostgresConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewPostgresPool(ctx, PostgresConfig{URL: "://bad"}); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}
	_, err := NewPostgresPool(ctx, PostgresConfig{URL: "postgres://u:p@db:5432/x?sslmode=disable", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("expected insecure transport error, got %v", err)
	}
}

func TestNewPostgresPoolRetriesExhausted(t *testing.T) {
	origRetries, origSleep, origNew := postgresConnectRetries, postgresSleep, pgxPoolNewWithConfig
	defer func() {
		postgresConnectRetries, postgresSleep, pgxPoolNewWithConfig = origRetries, origSleep, origNew
	}()

	var attempts int
	var maxConns int32
	postgresConnectRetries = 3
	postgresSleep = func(time.Duration) {}
	pgxPoolNewWithConfig = func(_ context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		maxConns = cfg.MaxConns
		return nil, errors.New("boom")
	}

	_, err := NewPostgresPool(context.Background(), PostgresConfig{URL: "postgres://u:p@127.0.0.1:5432/x?sslmode=disable", MaxConns: 7})
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected retry exhausted error, got %v", err)
	}
	if attempts != 3 || maxConns != 7 {
		t.Fatalf("expected 3 attempts with 7 conns, got %d and %d", attempts, maxConns)
	}
}
