package metrics

import "github.com/marmos91/fetchflow/pkg/cache"

// NewCacheMetrics creates a CacheMetrics for the given backend ("memory",
// "disk").
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// When nil is returned, callers should pass nil to cache stores,
// which results in zero overhead.
//
// Example usage:
//
//	metrics.InitRegistry()
//	store := memory.New(maxSize, metrics.NewCacheMetrics("memory"))
func NewCacheMetrics(backend string) cache.CacheMetrics {
	if !IsEnabled() || newPrometheusCacheMetrics == nil {
		return nil
	}
	return newPrometheusCacheMetrics(backend)
}

// newPrometheusCacheMetrics is implemented in pkg/metrics/prometheus/cache.go
// This indirection avoids import cycles while keeping the API clean
var newPrometheusCacheMetrics func(backend string) cache.CacheMetrics

// RegisterCacheMetricsConstructor registers the Prometheus cache metrics constructor.
// Called by pkg/metrics/prometheus/cache.go during package initialization.
func RegisterCacheMetricsConstructor(constructor func(backend string) cache.CacheMetrics) {
	newPrometheusCacheMetrics = constructor
}

// IndexMetrics observes the disk cache's badger index.
type IndexMetrics interface {
	// RecordIndexHitRatio records badger's block cache hit ratio (0.0 to 1.0).
	RecordIndexHitRatio(ratio float64)
}

// NewIndexMetrics returns nil if metrics are not enabled.
func NewIndexMetrics() IndexMetrics {
	if !IsEnabled() || newPrometheusIndexMetrics == nil {
		return nil
	}
	return newPrometheusIndexMetrics()
}

var newPrometheusIndexMetrics func() IndexMetrics

// RegisterIndexMetricsConstructor is called by pkg/metrics/prometheus/badger.go.
func RegisterIndexMetricsConstructor(constructor func() IndexMetrics) {
	newPrometheusIndexMetrics = constructor
}
