package metrics

import (
	"github.com/marmos91/fetchflow/pkg/dispatch"
	"github.com/marmos91/fetchflow/pkg/request"
)

// NewRequestMetrics creates a request.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewRequestMetrics() request.Metrics {
	if !IsEnabled() || newPrometheusRequestMetrics == nil {
		return nil
	}
	return newPrometheusRequestMetrics()
}

// newPrometheusRequestMetrics is implemented in pkg/metrics/prometheus/request.go
var newPrometheusRequestMetrics func() request.Metrics

// RegisterRequestMetricsConstructor registers the Prometheus request metrics constructor.
func RegisterRequestMetricsConstructor(constructor func() request.Metrics) {
	newPrometheusRequestMetrics = constructor
}

// RegisterDispatcher exposes a dispatcher's load as gauges read at scrape
// time. No-op if metrics are not enabled.
func RegisterDispatcher(stats func() dispatch.Stats) {
	if !IsEnabled() || registerDispatcherGauges == nil {
		return
	}
	registerDispatcherGauges(stats)
}

var registerDispatcherGauges func(stats func() dispatch.Stats)

// RegisterDispatcherGaugesConstructor is called by pkg/metrics/prometheus/dispatch.go.
func RegisterDispatcherGaugesConstructor(fn func(stats func() dispatch.Stats)) {
	registerDispatcherGauges = fn
}
