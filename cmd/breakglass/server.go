package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"breakglass/pkg/audit"
	"breakglass/pkg/auth"
	"breakglass/pkg/config"
	"breakglass/pkg/failure"
	"breakglass/pkg/github"
	"breakglass/pkg/httpx"
	"breakglass/pkg/metrics"
	"breakglass/pkg/policydoc"
	"breakglass/pkg/ratelimit"
	"breakglass/pkg/session"
	"breakglass/pkg/stream"
)

// operatorRoles may read the operator API when auth is on.
var operatorRoles = []string{"operator", "securityadmin"}

type sessionView interface {
	State(team string) (session.Session, bool)
	Sessions() []session.Session
	Wait()
}

type policyReader interface {
	Teams(ctx context.Context) ([]string, error)
	CurrentEntries(ctx context.Context, team string) ([]policydoc.Entry, error)
}

type historyReader interface {
	Recent(ctx context.Context, team string, limit int) ([]audit.Record, error)
}

type chatHandler interface {
	Commands() http.Handler
	Actions() http.Handler
	Wait()
}

type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	metrics  *metrics.Registry
	sessions sessionView
	policies policyReader
	history  historyReader
	hub      *stream.Hub
	limiter  ratelimit.Limiter
	slack    chatHandler
	webhook  http.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metrics.Middleware(routePattern))
	r.Use(httpx.LimitBody(s.cfg.MaxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "breakglass"})
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(traced)
		r.Use(ratelimit.Middleware(s.limiter, s.cfg.RateLimit.PerMinute, inboundKey))
		r.Method(http.MethodPost, "/slack/commands", s.slack.Commands())
		r.Method(http.MethodPost, "/slack/actions", s.slack.Actions())
		r.Method(http.MethodPost, "/github/webhook", s.webhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.cfg.Operator.AuthMode, s.cfg.Operator.JWTSecret,
			auth.WithIssuer(s.cfg.Operator.Issuer),
			auth.WithAudience(s.cfg.Operator.Audience),
		))
		r.Use(auth.RequireRole(operatorRoles...))
		r.Use(ratelimit.Middleware(s.limiter, s.cfg.RateLimit.PerMinute, operatorKey))
		r.Get("/stream", stream.Handler(s.hub, s.cfg.WSAllowedOrigins))
		r.Group(func(r chi.Router) {
			r.Use(traced)
			r.Get("/teams", s.listTeams)
			r.Get("/teams/{team}/entries", s.teamEntries)
			r.Get("/teams/{team}/history", s.teamHistory)
			r.Get("/sessions", s.listSessions)
			r.Get("/sessions/{team}", s.getSession)
		})
	})
	return r
}

func inboundKey(r *http.Request) string {
	return "inbound:" + ratelimit.ClientIP(r)
}

// operatorKey buckets by token subject so operators behind one proxy do not
// share a window.
func operatorKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" {
		return "operator:" + p.Subject
	}
	return "operator:" + ratelimit.ClientIP(r)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.policies.Teams(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

type entryView struct {
	Email  string `json:"email"`
	Expiry string `json:"expiry"`
	Active bool   `json:"active"`
}

func (s *Server) teamEntries(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	entries, err := s.policies.CurrentEntries(r.Context(), team)
	if err != nil {
		s.fail(w, err)
		return
	}
	now := timeNow()
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{Email: e.Email, Expiry: e.RawExpiry, Active: !e.Expiry.IsZero() && e.Expiry.After(now)})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"team": team, "entries": out})
}

func (s *Server) teamHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httpx.Error(w, http.StatusNotFound, "audit trail disabled")
		return
	}
	team := chi.URLParam(r, "team")
	if err := policydoc.ValidateTeam(team); err != nil {
		s.fail(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.history.Recent(r.Context(), team, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"team": team, "requests": records})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Sessions()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	sess, ok := s.sessions.State(team)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "no request for team")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, failure.ErrInvalidTeam):
		status = http.StatusBadRequest
	case github.IsNotFound(err), errors.Is(err, pgx.ErrNoRows):
		status = http.StatusNotFound
	case errors.Is(err, failure.ErrMalformedDocument), errors.Is(err, failure.ErrNoProductionAccount):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, failure.ErrTransport):
		status = http.StatusBadGateway
	}
	s.log.Warn().Err(err).Str("kind", failure.Kind(err)).Int("status", status).Msg("operator request failed")
	httpx.Error(w, status, failure.Kind(err))
}
