package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_operations_processed_total",
		Help: "Operation attempts by kind and result (succeeded, retried, failed, deferred).",
	}, []string{"kind", "result"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_sync_pass_duration_seconds",
		Help:    "Wall time of a drain pass.",
		Buckets: prometheus.DefBuckets,
	})

	pendingOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_pending_operations",
		Help: "Operations queued and not yet confirmed by the backend.",
	})

	networkOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_network_online",
		Help: "1 when the backend is considered reachable.",
	})

	breakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_circuit_breaker_open",
		Help: "1 while the remote circuit breaker rejects calls.",
	})
)

// Result labels.
const (
	resultSucceeded = "succeeded"
	resultRetried   = "retried"
	resultFailed    = "failed"
	resultDeferred  = "deferred"
)

func boolGauge(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
