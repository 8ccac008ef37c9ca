package repoctx

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for repository access.
type Metrics struct {
	Calls       *prometheus.CounterVec
	RateLimited *prometheus.CounterVec
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheSize   prometheus.Gauge
}

// NewMetrics registers the metrics once per process:
//
//   - readyd_repoctx_calls_total{op,outcome}
//   - readyd_repoctx_rate_limited_total{op}
//   - readyd_repoctx_cache_hits_total
//   - readyd_repoctx_cache_misses_total
//   - readyd_repoctx_cache_size
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Calls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "readyd_repoctx_calls_total",
				Help: "Repository host calls by operation and outcome",
			}, []string{"op", "outcome"}),
			RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "readyd_repoctx_rate_limited_total",
				Help: "Repository calls refused by the local token bucket",
			}, []string{"op"}),
			CacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "readyd_repoctx_cache_hits_total",
				Help: "Repository structure cache hits",
			}),
			CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "readyd_repoctx_cache_misses_total",
				Help: "Repository structure cache misses",
			}),
			CacheSize: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "readyd_repoctx_cache_size",
				Help: "Repository structures currently cached",
			}),
		}
	})
	return globalMetrics
}
