// Package metrics provides Prometheus metrics for the concierge service
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// gRPC health listener
	GrpcRequestsTotal *prometheus.CounterVec

	// Governance
	QuotaDecisionsTotal *prometheus.CounterVec
	TrialRejections     prometheus.Counter
	AuthFailuresTotal   *prometheus.CounterVec
	AuthorizationsTotal *prometheus.CounterVec

	// Pipeline
	StageDuration          *prometheus.HistogramVec
	CorpusLookupsTotal     *prometheus.CounterVec
	CollaboratorErrors     *prometheus.CounterVec
	RecommendationsServed  prometheus.Counter
	ClarificationsReturned prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics on the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics on the given registerer; tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not collide
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.HTTPRequestsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.GrpcRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_grpc_requests_total",
			Help: "Total number of gRPC requests on the health listener",
		},
		[]string{"method", "status"},
	)

	m.QuotaDecisionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_quota_decisions_total",
			Help: "Rate limiter decisions by outcome",
		},
		[]string{"outcome"},
	)

	m.TrialRejections = f.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_trial_rejections_total",
			Help: "Turns rejected because the trial allowance was exhausted",
		},
	)

	m.AuthFailuresTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_auth_failures_total",
			Help: "Credential verification failures by kind",
		},
		[]string{"kind"},
	)

	m.AuthorizationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_conversation_authorizations_total",
			Help: "Conversation authorization outcomes",
		},
		[]string{"outcome"},
	)

	m.StageDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)

	m.CorpusLookupsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_corpus_lookups_total",
			Help: "Corpus acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	m.CollaboratorErrors = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_collaborator_errors_total",
			Help: "Errors returned by external collaborators",
		},
		[]string{"collaborator"},
	)

	m.RecommendationsServed = f.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_recommendations_served_total",
			Help: "Total number of recommendations returned to callers",
		},
	)

	m.ClarificationsReturned = f.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_location_clarifications_total",
			Help: "Initial turns answered with a location clarifying question",
		},
	)

	m.ServerUptimeSeconds = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime periodically updates the uptime gauge until stop is closed
func (m *Metrics) RunUptime(stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		}
	}
}

// RecordHTTPRequest records an HTTP request with its status
func (m *Metrics) RecordHTTPRequest(route string, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordQuotaDecision records a rate limiter outcome
func (m *Metrics) RecordQuotaDecision(allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "throttled"
	}
	m.QuotaDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a pipeline stage took
func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// CollaboratorFailed counts a failed or timed out collaborator call
func (m *Metrics) CollaboratorFailed(collaborator string) {
	m.CollaboratorErrors.WithLabelValues(collaborator).Inc()
}

// CorpusLookup counts a corpus acquisition by outcome: cached, realtime or error
func (m *Metrics) CorpusLookup(outcome string) {
	m.CorpusLookupsTotal.WithLabelValues(outcome).Inc()
}

// Recommended counts recommendations returned to callers
func (m *Metrics) Recommended(n int) {
	m.RecommendationsServed.Add(float64(n))
}

// Clarified counts turns answered with a location question
func (m *Metrics) Clarified() {
	m.ClarificationsReturned.Inc()
}

// TrialRejected counts turns refused because the trial allowance is spent
func (m *Metrics) TrialRejected() {
	m.TrialRejections.Inc()
}

// Authorization counts conversation authorization outcomes
func (m *Metrics) Authorization(outcome string) {
	m.AuthorizationsTotal.WithLabelValues(outcome).Inc()
}

// AuthFailure counts rejected credentials by failure kind
func (m *Metrics) AuthFailure(kind string) {
	m.AuthFailuresTotal.WithLabelValues(kind).Inc()
}
