package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"breakglass/pkg/audit"
	"breakglass/pkg/config"
	"breakglass/pkg/events"
	"breakglass/pkg/failure"
	"breakglass/pkg/metrics"
	"breakglass/pkg/policydoc"
	"breakglass/pkg/ratelimit"
	"breakglass/pkg/session"
	"breakglass/pkg/store"
	"breakglass/pkg/stream"
	"breakglass/pkg/telemetry"
)

type fakeSessions struct {
	sessions map[string]session.Session
}

func (f fakeSessions) State(team string) (session.Session, bool) {
	s, ok := f.sessions[team]
	return s, ok
}

func (f fakeSessions) Sessions() []session.Session {
	out := make([]session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (fakeSessions) Wait() {}

type fakePolicies struct {
	teams   []string
	entries []policydoc.Entry
	err     error
}

func (f fakePolicies) Teams(context.Context) ([]string, error) { return f.teams, f.err }

func (f fakePolicies) CurrentEntries(_ context.Context, team string) ([]policydoc.Entry, error) {
	if _, err := policydoc.Path(team); err != nil {
		return nil, err
	}
	return f.entries, f.err
}

type fakeHistory struct {
	team  string
	limit int
}

func (f *fakeHistory) Recent(_ context.Context, team string, limit int) ([]audit.Record, error) {
	f.team, f.limit = team, limit
	return []audit.Record{{RequestID: "r1", Team: team, Kind: "none"}}, nil
}

type fakeChat struct{}

func (fakeChat) Commands() http.Handler { return okHandler("commands") }
func (fakeChat) Actions() http.Handler  { return okHandler("actions") }
func (fakeChat) Wait()                  {}

func okHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(name))
	})
}

func newTestServer(cfg config.Config) *Server {
	if cfg.Operator.AuthMode == "" {
		cfg.Operator.AuthMode = "off"
	}
	if cfg.MaxRequestBodyBytes == 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	return &Server{
		cfg:     cfg,
		log:     zerolog.Nop(),
		metrics: metrics.NewRegistry(),
		sessions: fakeSessions{sessions: map[string]session.Session{
			"payments": {Team: "payments", RequestID: "req-1", State: session.Previewing},
		}},
		policies: fakePolicies{
			teams: []string{"billing", "payments"},
			entries: []policydoc.Entry{
				{Email: "a@x.com", RawExpiry: "2020-01-01T00:00:00Z", Expiry: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
				{Email: "b@x.com", RawExpiry: "2999-01-01T00:00:00Z", Expiry: time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC)},
			},
		},
		hub:     stream.NewHub(),
		slack:   fakeChat{},
		webhook: okHandler("webhook"),
	}
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(config.Config{}).routes()
	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected healthz: %d %s", rec.Code, rec.Body.String())
	}
	rec := get(t, h, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/healthz") {
		t.Fatalf("expected healthz request in metrics, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
}

func TestInboundRoutes(t *testing.T) {
	h := newTestServer(config.Config{}).routes()
	for path, want := range map[string]string{
		"/slack/commands": "commands",
		"/slack/actions":  "actions",
		"/github/webhook": "webhook",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader("x")))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("%s: unexpected response %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func TestInboundRateLimit(t *testing.T) {
	srv := newTestServer(config.Config{RateLimit: config.RateLimit{Enabled: true, PerMinute: 2}})
	srv.limiter = ratelimit.NewInMemory(time.Minute)
	h := srv.routes()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/slack/actions", strings.NewReader("x")))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/teams", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("operator api must have its own window, got %d", rec.Code)
	}
}

func TestTeamsAndEntries(t *testing.T) {
	h := newTestServer(config.Config{}).routes()
	rec := get(t, h, "/v1/teams", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"billing","payments"`) {
		t.Fatalf("unexpected teams: %d %s", rec.Code, rec.Body.String())
	}

	rec = get(t, h, "/v1/teams/payments/entries", nil)
	var body struct {
		Entries []entryView `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 2 || body.Entries[0].Active || !body.Entries[1].Active {
		t.Fatalf("unexpected entries: %+v", body.Entries)
	}

	if rec := get(t, h, "/v1/teams/..%2Fetc/entries", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid team, got %d", rec.Code)
	}
}

func TestOperatorErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{failure.ErrMalformedDocument, http.StatusUnprocessableEntity},
		{failure.Transport("github.get_file", errors.New("x")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		s := newTestServer(config.Config{})
		s.policies = fakePolicies{err: tc.err}
		if rec := get(t, s.routes(), "/v1/teams", nil); rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestSessions(t *testing.T) {
	h := newTestServer(config.Config{}).routes()
	rec := get(t, h, "/v1/sessions/payments", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"PREVIEWING"`) {
		t.Fatalf("unexpected session: %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/v1/sessions/billing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := get(t, h, "/v1/sessions", nil); !strings.Contains(rec.Body.String(), "req-1") {
		t.Fatalf("unexpected session list: %s", rec.Body.String())
	}
}

func TestHistory(t *testing.T) {
	s := newTestServer(config.Config{})
	if rec := get(t, s.routes(), "/v1/teams/payments/history", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with audit disabled, got %d", rec.Code)
	}
	hist := &fakeHistory{}
	s.history = hist
	rec := get(t, s.routes(), "/v1/teams/payments/history?limit=5", nil)
	if rec.Code != http.StatusOK || hist.team != "payments" || hist.limit != 5 {
		t.Fatalf("unexpected history call: %d %+v", rec.Code, hist)
	}
}

func signToken(claims map[string]any, secret string) string {
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, _ := json.Marshal(claims)
	h := base64.RawURLEncoding.EncodeToString(header)
	p := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(h + "." + p))
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestOperatorAuth(t *testing.T) {
	h := newTestServer(config.Config{Operator: config.Operator{AuthMode: "hs256", JWTSecret: "jwt"}}).routes()
	if rec := get(t, h, "/v1/teams", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	exp := time.Now().Add(time.Hour).Unix()
	viewer := signToken(map[string]any{"sub": "u1", "roles": []string{"viewer"}, "exp": exp}, "jwt")
	if rec := get(t, h, "/v1/teams", map[string]string{"Authorization": "Bearer " + viewer}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without operator role, got %d", rec.Code)
	}
	operator := signToken(map[string]any{"sub": "u2", "roles": []string{"operator"}, "exp": exp}, "jwt")
	if rec := get(t, h, "/v1/teams", map[string]string{"Authorization": "Bearer " + operator}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for operator, got %d", rec.Code)
	}
	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}
}

func validConfig() config.Config {
	cfg, _ := config.LoadFrom(func(k string) string {
		return map[string]string{
			"ADDR":             "127.0.0.1:0",
			"GITHUB_TOKEN":     "ghp_x",
			"GITHUB_REPO":      "acme/policies",
			"JIRA_SERVER":      "https://acme.atlassian.net",
			"JIRA_PROJECT_KEY": "OPS",
			"MANAGER_EMAIL":    "mgr@acme.com",
			"SLACK_TOKEN":      "xoxb-1",
			"SLACK_CHANNEL":    "C1",
			"AUDIT_ENABLED":    "true",
			"DATABASE_URL":     "postgres://db/audit",
			"KAFKA_ENABLED":    "true",
			"KAFKA_BROKERS":    "k:9092",
		}[k]
	})
	return cfg
}

func testDeps(listen listenFunc) (deps, *[]string) {
	var calls []string
	return deps{
		loadConfig: func() (config.Config, error) { return validConfig(), nil },
		initTelemetry: func(context.Context, telemetry.Config, zerolog.Logger) (func(context.Context) error, error) {
			calls = append(calls, "telemetry")
			return func(context.Context) error { return nil }, nil
		},
		openRedis: func(context.Context, store.RedisConfig) (*redis.Client, error) {
			calls = append(calls, "redis")
			return nil, errors.New("redis down")
		},
		openAudit: func(context.Context, config.Audit, zerolog.Logger) (*audit.Writer, func(), error) {
			calls = append(calls, "audit")
			return &audit.Writer{}, func() { calls = append(calls, "audit-closed") }, nil
		},
		openEvents: func(config.Kafka, zerolog.Logger) (*events.Producer, error) {
			calls = append(calls, "kafka")
			return nil, errors.New("no brokers reachable")
		},
		listen: listen,
	}, &calls
}

func TestRunWiresServer(t *testing.T) {
	var health int
	d, calls := testDeps(func(_ context.Context, server *http.Server) error {
		rec := httptest.NewRecorder()
		server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		health = rec.Code
		return nil
	})
	if err := run(context.Background(), d); err != nil {
		t.Fatalf("run: %v", err)
	}
	if health != http.StatusOK {
		t.Fatalf("expected healthy server, got %d", health)
	}
	if got := strings.Join(*calls, ","); got != "telemetry,redis,audit,kafka,audit-closed" {
		t.Fatalf("unexpected wiring order: %s", got)
	}
}

func TestRunErrors(t *testing.T) {
	d, _ := testDeps(nil)
	if err := run(context.Background(), d); err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("expected listen error, got %v", err)
	}

	d, _ = testDeps(func(context.Context, *http.Server) error { return nil })
	d.loadConfig = func() (config.Config, error) { return config.Config{}, nil }
	if err := run(context.Background(), d); err == nil {
		t.Fatal("expected validation error")
	}

	d, _ = testDeps(func(context.Context, *http.Server) error { return nil })
	d.initTelemetry = func(context.Context, telemetry.Config, zerolog.Logger) (func(context.Context) error, error) {
		return nil, errors.New("collector down")
	}
	if err := run(context.Background(), d); err == nil || !strings.Contains(err.Error(), "otel") {
		t.Fatalf("expected otel error, got %v", err)
	}

	d, _ = testDeps(func(context.Context, *http.Server) error { return nil })
	d.openAudit = func(context.Context, config.Audit, zerolog.Logger) (*audit.Writer, func(), error) {
		return nil, nil, errors.New("db down")
	}
	if err := run(context.Background(), d); err == nil || !strings.Contains(err.Error(), "audit") {
		t.Fatalf("expected audit error, got %v", err)
	}
}
