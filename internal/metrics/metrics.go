// Package metrics exposes Prometheus collectors for the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered by the server.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	AttemptsStarted   prometheus.Counter
	AttemptsSubmitted prometheus.Counter
	AttemptsCompleted prometheus.Counter
	AttemptScore      prometheus.Histogram
	AnswersGraded     *prometheus.CounterVec // source: manual, llm
	PushDeliveries    *prometheus.CounterVec // result: delivered, expired, failed
	Uploads           *prometheus.CounterVec // result: stored, rejected
	Logins            *prometheus.CounterVec // method: google, local; result: ok, failed
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cikgu_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cikgu_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		AttemptsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cikgu_attempts_started_total",
			Help: "Assessment attempts started.",
		}),
		AttemptsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cikgu_attempts_submitted_total",
			Help: "Assessment attempts submitted.",
		}),
		AttemptsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cikgu_attempts_completed_total",
			Help: "Assessment attempts completed.",
		}),
		AttemptScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cikgu_attempt_percentage",
			Help:    "Percentage of completed attempts.",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		AnswersGraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cikgu_answers_graded_total",
			Help: "Subjective answers graded, by source.",
		}, []string{"source"}),
		PushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cikgu_push_deliveries_total",
			Help: "Web Push deliveries by result.",
		}, []string{"result"}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cikgu_uploads_total",
			Help: "File uploads by result.",
		}, []string{"result"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cikgu_logins_total",
			Help: "Login attempts by method and result.",
		}, []string{"method", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.AttemptsStarted, m.AttemptsSubmitted, m.AttemptsCompleted, m.AttemptScore,
		m.AnswersGraded, m.PushDeliveries, m.Uploads, m.Logins,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// PushDelivered counts one Web Push delivery outcome.
func (m *Metrics) PushDelivered(result string) {
	m.PushDeliveries.WithLabelValues(result).Inc()
}
