// Package metrics provides Prometheus metrics for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdsync_items_total",
			Help: "Items handled by the reconciliation engine",
		},
		[]string{"action", "outcome"},
	)

	bytesTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gdsync_bytes_transferred_total",
			Help: "Bytes written to the local tree by downloads and exports",
		},
	)

	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdsync_remote_calls_total",
			Help: "Calls made to the remote store",
		},
		[]string{"operation", "status"},
	)

	remoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gdsync_remote_call_duration_seconds",
			Help:    "Remote store call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gdsync_run_duration_seconds",
			Help:    "Duration of complete sync runs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordItem counts one item decision or transfer outcome.
func RecordItem(action string, success bool) {
	itemsTotal.WithLabelValues(action, status(success)).Inc()
}

// RecordTransfer adds written bytes.
func RecordTransfer(bytes int64) {
	if bytes > 0 {
		bytesTransferred.Add(float64(bytes))
	}
}

// RecordRemoteCall records one remote store call.
func RecordRemoteCall(operation string, duration time.Duration, success bool) {
	remoteCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	remoteCallsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordRun records a finished run.
func RecordRun(duration time.Duration, success bool) {
	runDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
