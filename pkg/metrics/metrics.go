package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TurnsProcessed           *prometheus.CounterVec
	TurnDuration             prometheus.Histogram
	SessionConflicts         prometheus.Counter
	CaseDecisions            *prometheus.CounterVec
	ClassifierFallbacks      *prometheus.CounterVec
	PolicyGaps               prometheus.Counter
	PolicyDecisions          *prometheus.CounterVec
	StoreOperationDuration   *prometheus.HistogramVec
	ToolCallDuration         *prometheus.HistogramVec
	ActionLogFailures        prometheus.Counter
	HandoffMessagesProcessed *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. The service passes its own
// registry, which /metrics serves; tests pass a fresh one each.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wismo_turns_processed_total",
			Help: "Total number of conversation turns by terminal outcome",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wismo_turn_duration_seconds",
			Help:    "Time taken to process one conversation turn including retries",
			Buckets: prometheus.DefBuckets,
		}),
		SessionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "wismo_session_version_conflicts_total",
			Help: "Total number of lost compare-and-swap session writes",
		}),
		CaseDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wismo_case_decisions_total",
			Help: "Total number of escalations by case result",
		}, []string{"result"}),
		ClassifierFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wismo_classifier_fallbacks_total",
			Help: "Total number of classifier outputs replaced by the safe default",
		}, []string{"reason"}),
		PolicyGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "wismo_policy_gaps_total",
			Help: "Total number of intent/status pairs without a policy rule",
		}),
		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wismo_policy_decisions_total",
			Help: "Total number of policy decisions by action",
		}, []string{"action"}),
		StoreOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wismo_store_operation_duration_seconds",
			Help:    "Time taken for session, case and action log operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wismo_tool_call_duration_seconds",
			Help:    "Time taken for collaborator calls including boundary retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		ActionLogFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "wismo_action_log_failures_total",
			Help: "Total number of audit entries that failed to append after a non-atomic session commit",
		}),
		HandoffMessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wismo_handoff_messages_processed_total",
			Help: "Total number of action log stream messages processed by the handoff consumer",
		}, []string{"status"}),
	}
}
