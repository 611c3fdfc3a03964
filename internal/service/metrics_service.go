package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auth outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic and auth flows.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	authEvents      *prometheus.CounterVec
	emailsSent      *prometheus.CounterVec
	familiesRevoked prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	authEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_events_total",
		Help: "Authentication operations by event and outcome",
	}, []string{"event", "outcome"})

	emailsSent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verification_emails_total",
		Help: "Verification emails handed to the mail sender",
	}, []string{"outcome"})

	familiesRevoked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_tokens_revoked_total",
		Help: "Refresh tokens revoked through family revocation",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, authEvents, emailsSent, familiesRevoked, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		authEvents:      authEvents,
		emailsSent:      emailsSent,
		familiesRevoked: familiesRevoked,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordAuthEvent counts an auth operation outcome.
func (m *MetricsService) RecordAuthEvent(event string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.authEvents.WithLabelValues(event, outcome).Inc()
}

// RecordVerificationEmail counts a verification email hand-off.
func (m *MetricsService) RecordVerificationEmail(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.emailsSent.WithLabelValues(outcome).Inc()
}

// RecordRevokedTokens adds n revoked refresh tokens.
func (m *MetricsService) RecordRevokedTokens(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.familiesRevoked.Add(float64(n))
}
