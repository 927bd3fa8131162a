package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/metrics"
)

func init() {
	metrics.RegisterCacheMetricsConstructor(newCacheMetrics)
}

// cacheVectors are shared by every backend on a registry; the backend is a
// label.
type cacheVectors struct {
	lookups        *prometheus.CounterVec
	lookupDuration *prometheus.HistogramVec
	commits        *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	commitBytes    *prometheus.HistogramVec
	entries        *prometheus.GaugeVec
	sizeBytes      *prometheus.GaugeVec
}

var (
	cacheVecMu sync.Mutex
	cacheVecs  = map[*prometheus.Registry]*cacheVectors{}
)

func cacheVectorsFor(reg *prometheus.Registry) *cacheVectors {
	cacheVecMu.Lock()
	defer cacheVecMu.Unlock()

	if v, ok := cacheVecs[reg]; ok {
		return v
	}

	v := &cacheVectors{
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchflow_cache_lookups_total",
				Help: "Total number of cache lookups by backend and result",
			},
			[]string{"backend", "result"}, // result: "hit", "miss"
		),
		lookupDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fetchflow_cache_lookup_duration_milliseconds",
				Help: "Duration of cache lookups in milliseconds",
				Buckets: []float64{
					0.01, // 10us - memory hits
					0.1,  // 100us
					0.5,  // 500us
					1,    // 1ms - disk index hits
					5,    // 5ms
					10,   // 10ms
					50,   // 50ms
					100,  // 100ms
				},
			},
			[]string{"backend"},
		),
		commits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchflow_cache_commits_total",
				Help: "Total number of artifacts committed to the cache",
			},
			[]string{"backend"},
		),
		commitDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fetchflow_cache_commit_duration_milliseconds",
				Help: "Time from writer creation to commit in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					500,   // 500ms
					1000,  // 1s
					5000,  // 5s
					30000, // 30s - large downloads
				},
			},
			[]string{"backend"},
		),
		commitBytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fetchflow_cache_commit_bytes",
				Help: "Distribution of committed artifact sizes",
				Buckets: []float64{
					4096,      // 4KB
					65536,     // 64KB
					1048576,   // 1MB
					4194304,   // 4MB
					16777216,  // 16MB
					104857600, // 100MB
				},
			},
			[]string{"backend"},
		),
		entries: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetchflow_cache_entries",
				Help: "Current number of cached artifacts",
			},
			[]string{"backend"},
		),
		sizeBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetchflow_cache_size_bytes",
				Help: "Current total size of cached artifacts",
			},
			[]string{"backend"},
		),
	}
	cacheVecs[reg] = v
	return v
}

// cacheMetrics is the Prometheus implementation of cache.CacheMetrics.
type cacheMetrics struct {
	backend string
	v       *cacheVectors
}

func newCacheMetrics(backend string) cache.CacheMetrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}
	return &cacheMetrics{backend: backend, v: cacheVectorsFor(reg)}
}

func (m *cacheMetrics) ObserveLookup(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.v.lookups.WithLabelValues(m.backend, result).Inc()
	m.v.lookupDuration.WithLabelValues(m.backend).Observe(duration.Seconds() * 1000)
}

func (m *cacheMetrics) ObserveCommit(bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.v.commits.WithLabelValues(m.backend).Inc()
	m.v.commitDuration.WithLabelValues(m.backend).Observe(duration.Seconds() * 1000)
	if bytes > 0 {
		m.v.commitBytes.WithLabelValues(m.backend).Observe(float64(bytes))
	}
}

func (m *cacheMetrics) RecordOccupancy(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.v.entries.WithLabelValues(m.backend).Set(float64(entries))
	m.v.sizeBytes.WithLabelValues(m.backend).Set(float64(bytes))
}
