package envsync

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for sync outcomes.
const (
	outcomeSkipped = "skipped"
	outcomeBuilt   = "built"
	outcomeFailed  = "failed"
)

var syncOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alto_envsync_outcomes_total",
		Help: "Environment synchronization outcomes.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(syncOutcomes)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	syncOutcomes.WithLabelValues(outcomeSkipped)
	syncOutcomes.WithLabelValues(outcomeBuilt)
	syncOutcomes.WithLabelValues(outcomeFailed)
}
