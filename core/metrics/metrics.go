package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "audit",
		Name:      "entries_total",
		Help:      "Audit entries recorded by action",
	}, []string{"action"})

	evidencePuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "evidence",
		Name:      "puts_total",
		Help:      "Evidence submissions by outcome (stored, duplicate, error)",
	}, []string{"outcome"})

	evidenceAnchors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "evidence",
		Name:      "anchors_total",
		Help:      "Anchor callbacks by outcome (anchored, replay, conflict, error)",
	}, []string{"outcome"})

	riskAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "risk",
		Name:      "appends_total",
		Help:      "Risk ledger appends by breach flag",
	}, []string{"breached"})

	riskScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "risk",
		Name:      "score",
		Help:      "Distribution of appended risk scores",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "incidents",
		Name:      "transitions_total",
		Help:      "Incident status transitions by outcome",
	}, []string{"from", "to", "outcome"})

	eventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "events",
		Name:      "publish_failures_total",
		Help:      "State-changed events that could not be delivered",
	})

	analyticsRefresh = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "analytics",
		Name:      "refresh_duration_seconds",
		Help:      "Analytics refresh duration by status",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})
)

func AuditRecorded(action string) {
	auditEntries.WithLabelValues(action).Inc()
}

func EvidencePut(outcome string) {
	evidencePuts.WithLabelValues(outcome).Inc()
}

func EvidenceAnchor(outcome string) {
	evidenceAnchors.WithLabelValues(outcome).Inc()
}

func RiskAppended(score float64, breached bool) {
	label := "false"
	if breached {
		label = "true"
	}
	riskAppends.WithLabelValues(label).Inc()
	riskScores.Observe(score)
}

func Transition(from, to, outcome string) {
	transitions.WithLabelValues(from, to, outcome).Inc()
}

func EventPublishFailed() {
	eventPublishFailures.Inc()
}

func AnalyticsRefreshed(seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	analyticsRefresh.WithLabelValues(status).Observe(seconds)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
