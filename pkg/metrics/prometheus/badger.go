package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/fetchflow/pkg/metrics"
)

func init() {
	metrics.RegisterIndexMetricsConstructor(newIndexMetrics)
}

// indexMetrics is the Prometheus implementation for the disk cache's
// BadgerDB index.
type indexMetrics struct {
	hitRatio prometheus.Gauge
}

func newIndexMetrics() metrics.IndexMetrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}

	return &indexMetrics{
		hitRatio: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchflow_badger_block_cache_hit_ratio",
				Help: "BadgerDB block cache hit ratio (0.0 to 1.0) of the disk cache index",
			},
		),
	}
}

// RecordIndexHitRatio records the hit ratio.
// ratio should be between 0.0 and 1.0
func (m *indexMetrics) RecordIndexHitRatio(ratio float64) {
	if m == nil {
		return
	}
	m.hitRatio.Set(ratio)
}
