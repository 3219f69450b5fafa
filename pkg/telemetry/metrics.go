package telemetry

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the decision core.
type Metrics struct {
	JudgmentsTotal   *prometheus.CounterVec
	JudgmentDuration *prometheus.HistogramVec
	CacheRequests    *prometheus.CounterVec

	CanaryChecksTotal    *prometheus.CounterVec
	CanaryRollbacksTotal *prometheus.CounterVec
	DeploymentsTotal     *prometheus.CounterVec
	TrustTransitions     *prometheus.CounterVec

	SchedulerRuns *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics registers and returns the collectors. Repeated calls
// return the same instance since collectors register globally.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			JudgmentsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "decision_judgments_total",
					Help: "Total judgments executed",
				},
				[]string{"tenant_id", "decision", "method", "risk_level"},
			),

			JudgmentDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "decision_judgment_duration_seconds",
					Help:    "Judgment pipeline latency",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tenant_id", "method"},
			),

			CacheRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "decision_cache_requests_total",
					Help: "Judgment cache lookups",
				},
				[]string{"result"}, // result: hit, miss
			),

			CanaryChecksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "decision_canary_checks_total",
					Help: "Canary circuit evaluations by resulting state",
				},
				[]string{"state"}, // state: HEALTHY, WARNING, CRITICAL
			),

			CanaryRollbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "decision_canary_rollbacks_total",
					Help: "Canary rollbacks by trigger",
				},
				[]string{"trigger"}, // trigger: auto, manual
			),

			DeploymentsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "decision_deployment_transitions_total",
					Help: "Deployment lifecycle transitions",
				},
				[]string{"from", "to"},
			),

			TrustTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "decision_trust_transitions_total",
					Help: "Trust level transitions",
				},
				[]string{"direction"}, // direction: promote, demote
			),

			SchedulerRuns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "decision_scheduler_runs_total",
					Help: "Background driver iterations",
				},
				[]string{"driver", "status"}, // status: ok, error, skipped
			),

			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "decision_http_requests_total",
					Help: "HTTP requests served",
				},
				[]string{"method", "route", "status"},
			),

			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "decision_http_request_duration_seconds",
					Help:    "HTTP request latency by route",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "route"},
			),
		}
	})
	return metrics
}

// RecordJudgment records a finished judgment.
func (m *Metrics) RecordJudgment(tenantID, decision, method, riskLevel string, seconds float64) {
	m.JudgmentsTotal.WithLabelValues(tenantID, decision, method, riskLevel).Inc()
	m.JudgmentDuration.WithLabelValues(tenantID, method).Observe(seconds)
}

// RecordCacheLookup records a judgment cache lookup outcome.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// RecordCanaryCheck records a circuit evaluation.
func (m *Metrics) RecordCanaryCheck(state string) {
	m.CanaryChecksTotal.WithLabelValues(state).Inc()
}

// RecordCanaryRollback records a rollback and its trigger.
func (m *Metrics) RecordCanaryRollback(auto bool) {
	trigger := "manual"
	if auto {
		trigger = "auto"
	}
	m.CanaryRollbacksTotal.WithLabelValues(trigger).Inc()
}

// RecordDeploymentTransition records a lifecycle transition.
func (m *Metrics) RecordDeploymentTransition(from, to string) {
	m.DeploymentsTotal.WithLabelValues(from, to).Inc()
}

// RecordTrustTransition records a trust level change.
func (m *Metrics) RecordTrustTransition(promoted bool) {
	direction := "demote"
	if promoted {
		direction = "promote"
	}
	m.TrustTransitions.WithLabelValues(direction).Inc()
}

// RecordSchedulerRun records a driver iteration outcome.
func (m *Metrics) RecordSchedulerRun(driver, status string) {
	m.SchedulerRuns.WithLabelValues(driver, status).Inc()
}

// RecordHTTPRequest records a served request against its route pattern.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}
