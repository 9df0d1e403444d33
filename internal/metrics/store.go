package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StoreOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xglive_store_op_duration_seconds",
		Help:    "Segment store operation latency by backend and operation",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"backend", "op"})

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_store_errors_total",
		Help: "Segment store errors by backend and operation",
	}, []string{"backend", "op"})

	CacheResultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xglive_cache_result_total",
		Help: "Hot cache lookups by result (hit, miss)",
	}, []string{"result"})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xglive_cache_bytes",
		Help: "Bytes held by the hot segment cache",
	})
)

// ObserveStoreOp records latency and, when err is non-nil, an error.
func ObserveStoreOp(backend, op string, start time.Time, err error) {
	StoreOpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreErrorsTotal.WithLabelValues(backend, op).Inc()
	}
}
