package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runprism/alto/internal/model"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alto_jobs_total",
			Help: "Matrix jobs by final status.",
		},
		[]string{"status"},
	)

	runningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alto_running_jobs",
			Help: "Matrix jobs currently executing.",
		},
	)

	deployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alto_deploy_seconds",
			Help:    "Duration of a full deployment (connect through collection), in seconds.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(runningJobs)
	prometheus.MustRegister(deployDuration)

	// Pre-initialize statuses so they appear in /metrics with value 0 from
	// startup, rather than only after first observation.
	for _, status := range []string{model.JobSucceeded, model.JobFailed, model.JobCancelled} {
		jobsTotal.WithLabelValues(status)
	}
}
