// Package metrics exposes Prometheus instruments for authorization
// decisions, throttling and the audit alarm.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	decisionTime  prometheus.Histogram
	throttled     prometheus.Counter
	auditFailures prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_decisions_total",
			Help: "Authorization decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		decisionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tollgate_decision_duration_seconds",
			Help:    "Time spent in the authorization pipeline before the handler runs.",
			Buckets: prometheus.DefBuckets,
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_throttled_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_audit_sink_failures_total",
			Help: "Audit entries dropped after all retries. Any increase needs attention.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.decisions, m.decisionTime, m.throttled, m.auditFailures, m.httpRequests, m.httpDuration)
	return m
}

// Decision counts one terminal pipeline decision.
func (m *Metrics) Decision(outcome, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome, reason).Inc()
	m.decisionTime.Observe(took.Seconds())
}

// Throttled counts one rate-limited request.
func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

// AuditSinkFailed implements audit.Alarm.
func (m *Metrics) AuditSinkFailed() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

// Instrument records request counts and latencies labelled by the matched
// chi route pattern, keeping label cardinality bounded.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
