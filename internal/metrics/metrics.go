// Package metrics exposes Prometheus collectors for the gatekeeper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "personagate"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	classifications      *prometheus.CounterVec
	quotaBlocks          *prometheus.CounterVec
	extensionRequests    *prometheus.CounterVec
	notificationFailures prometheus.Counter
	llmTokens            *prometheus.CounterVec
	llmErrors            *prometheus.CounterVec
	logWriteErrors       *prometheus.CounterVec
	prunedPartitions     prometheus.Counter
}

// New registers all collectors on reg. A nil registerer leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scope",
			Name:      "classifications_total",
			Help:      "Scope decisions by stage and label.",
		}, []string{"stage", "scope"}),
		quotaBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "blocked_turns_total",
			Help:      "Turns rejected by a session limit.",
		}, []string{"limit"}),
		extensionRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reset",
			Name:      "extension_requests_total",
			Help:      "Extension request transitions by resulting status.",
		}, []string{"status"}),
		notificationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reset",
			Name:      "notification_failures_total",
			Help:      "Owner notifications that could not be delivered.",
		}),
		llmTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by purpose and model.",
		}, []string{"purpose", "model"}),
		llmErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Failed LLM calls by purpose.",
		}, []string{"purpose"}),
		logWriteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logstore",
			Name:      "write_errors_total",
			Help:      "Swallowed log append failures by record kind.",
		}, []string{"kind"}),
		prunedPartitions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logstore",
			Name:      "pruned_partitions_total",
			Help:      "Partitions removed by retention.",
		}),
	}
}

// Classification counts one scope decision.
func (m *Metrics) Classification(stage, scope string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(stage, scope).Inc()
}

// QuotaBlocked counts one rejected turn.
func (m *Metrics) QuotaBlocked(limit string) {
	if m == nil {
		return
	}
	m.quotaBlocks.WithLabelValues(limit).Inc()
}

// ExtensionRequest counts a request reaching status.
func (m *Metrics) ExtensionRequest(status string) {
	if m == nil {
		return
	}
	m.extensionRequests.WithLabelValues(status).Inc()
}

// NotificationFailed counts one undelivered notification.
func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notificationFailures.Inc()
}

// Tokens adds consumed tokens.
func (m *Metrics) Tokens(purpose, model string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.llmTokens.WithLabelValues(purpose, model).Add(float64(n))
}

// LLMError counts one failed call.
func (m *Metrics) LLMError(purpose string) {
	if m == nil {
		return
	}
	m.llmErrors.WithLabelValues(purpose).Inc()
}

// LogWriteError counts one swallowed append failure.
func (m *Metrics) LogWriteError(kind string) {
	if m == nil {
		return
	}
	m.logWriteErrors.WithLabelValues(kind).Inc()
}

// PartitionsPruned adds removed partitions.
func (m *Metrics) PartitionsPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.prunedPartitions.Add(float64(n))
}
