package provision

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runprism/alto/internal/model"
)

var (
	provisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alto_provision_seconds",
			Help:    "Duration of compute resource creation, excluding the readiness poll, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	pollAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alto_provision_poll_attempts_total",
			Help: "Total readiness poll attempts across all provisions.",
		},
	)

	teardownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alto_teardown_seconds",
			Help:    "Duration of full resource teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	teardownOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alto_teardown_outcomes_total",
			Help: "Teardown outcomes by resource kind.",
		},
		[]string{"resource", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(provisionDuration)
	prometheus.MustRegister(pollAttempts)
	prometheus.MustRegister(teardownDuration)
	prometheus.MustRegister(teardownOutcomes)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, res := range []string{"instance", "security_group", "key_pair", "key_file"} {
		for _, outcome := range []string{model.TeardownDeleted, model.TeardownAbsent, model.TeardownFailed} {
			teardownOutcomes.WithLabelValues(res, outcome)
		}
	}
}
