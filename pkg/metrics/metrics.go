package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's Prometheus collectors. Each Registry owns its
// own prometheus.Registry so tests can build as many as they like.
type Registry struct {
	reg *prometheus.Registry

	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	OutboundCalls     *prometheus.CounterVec
	OutboundDuration  *prometheus.HistogramVec
	Publications      *prometheus.CounterVec
	TicketsCreated    prometheus.Counter
	TicketsSkipped    prometheus.Counter
	SessionTransition *prometheus.CounterVec
	ApprovalsNotified prometheus.Counter
	InFlight          prometheus.Gauge
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breakglass_http_requests_total",
			Help: "Inbound HTTP requests by route and status.",
		}, []string{"route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "breakglass_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		OutboundCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breakglass_outbound_calls_total",
			Help: "Calls to GitHub, Jira and Slack by operation and result.",
		}, []string{"service", "op", "result"}),
		OutboundDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "breakglass_outbound_call_duration_seconds",
			Help:    "Latency of calls to external services.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"service", "op"}),
		Publications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breakglass_publications_total",
			Help: "Confirmed requests by outcome kind.",
		}, []string{"kind"}),
		TicketsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "breakglass_tickets_created_total",
			Help: "Jira tickets created.",
		}),
		TicketsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "breakglass_tickets_skipped_total",
			Help: "Emails for which no ticket could be created.",
		}),
		SessionTransition: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breakglass_session_transitions_total",
			Help: "Session state transitions by target state.",
		}, []string{"state"}),
		ApprovalsNotified: f.NewCounter(prometheus.CounterOpts{
			Name: "breakglass_approvals_notified_total",
			Help: "Pull request approvals announced in chat.",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "breakglass_publications_in_flight",
			Help: "Background publication tasks currently running.",
		}),
	}
}

// Observe records one inbound request.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	r.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveOutbound records one call to an external service.
func (r *Registry) ObserveOutbound(service, op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.OutboundCalls.WithLabelValues(service, op, result).Inc()
	r.OutboundDuration.WithLabelValues(service, op).Observe(d.Seconds())
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware observes every request under the route name returned by
// routeOf, which lets the caller collapse path parameters.
func (r *Registry) Middleware(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)
			route := req.URL.Path
			if routeOf != nil {
				if name := routeOf(req); name != "" {
					route = name
				}
			}
			r.Observe(req.Method+" "+route, rec.status, time.Since(start))
		})
	}
}
