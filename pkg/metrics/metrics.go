package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TurnsProcessed          *prometheus.CounterVec
	TurnDuration            prometheus.Histogram
	GuardrailRejections     *prometheus.CounterVec
	StoreOperationDuration  *prometheus.HistogramVec
	StoreFailures           *prometheus.CounterVec
	HandoffsTriggered       *prometheus.CounterVec
	MentionsExtracted       *prometheus.CounterVec
	MentionParseFailures    *prometheus.CounterVec
	UnknownCases            prometheus.Counter
	VerificationAttempts    *prometheus.CounterVec
	PresentationDecisions   *prometheus.CounterVec
	HandlerDispatchDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turns_processed_total",
			Help: "Total number of conversation turns processed",
		}, []string{"intent", "outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turn_duration_seconds",
			Help:    "Time taken to process a full conversation turn",
			Buckets: prometheus.DefBuckets,
		}),
		GuardrailRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardrail_rejections_total",
			Help: "Total number of turns rejected by a guardrail check",
		}, []string{"direction", "check"}),
		StoreOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Time taken for conversation store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		StoreFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_failures_total",
			Help: "Total number of swallowed conversation store failures",
		}, []string{"operation"}),
		HandoffsTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "handoffs_triggered_total",
			Help: "Total number of human handoffs triggered",
		}, []string{"reason"}),
		MentionsExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mentions_extracted_total",
			Help: "Total number of mentions extracted from tool invocations",
		}, []string{"kind"}),
		MentionParseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mention_parse_failures_total",
			Help: "Total number of tool outputs skipped during mention extraction",
		}, []string{"tool"}),
		UnknownCases: factory.NewCounter(prometheus.CounterOpts{
			Name: "unknown_cases_total",
			Help: "Total number of turns flagged as unknown cases",
		}),
		VerificationAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verification_attempts_total",
			Help: "Total number of customer verification attempts",
		}, []string{"result"}),
		PresentationDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "presentation_decisions_total",
			Help: "Total number of presentation mode decisions",
		}, []string{"mode"}),
		HandlerDispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handler_dispatch_duration_seconds",
			Help:    "Time taken by specialist capabilities",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability"}),
	}
}
