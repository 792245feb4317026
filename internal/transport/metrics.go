package transport

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for connect outcomes.
const (
	resultConnected = "connected"
	resultRetried   = "retried"
	resultFatal     = "fatal"
)

var connectAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alto_connect_attempts_total",
		Help: "Total connection attempts to compute targets by outcome.",
	},
	[]string{"result"},
)

var bytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "alto_upload_bytes_total",
	Help: "Total bytes uploaded to compute targets.",
})

var bytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "alto_download_bytes_total",
	Help: "Total bytes downloaded from compute targets.",
})

func init() {
	prometheus.MustRegister(connectAttempts, bytesUploaded, bytesDownloaded)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	connectAttempts.WithLabelValues(resultConnected)
	connectAttempts.WithLabelValues(resultRetried)
	connectAttempts.WithLabelValues(resultFatal)
}
