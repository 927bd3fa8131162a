package metrics

import "github.com/marmos91/fetchflow/pkg/transport"

// NewTransportMetrics creates a transport.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// When nil is returned, callers should pass nil to transports,
// which results in zero overhead.
func NewTransportMetrics() transport.Metrics {
	if !IsEnabled() || newPrometheusTransportMetrics == nil {
		return nil
	}
	return newPrometheusTransportMetrics()
}

// newPrometheusTransportMetrics is implemented in pkg/metrics/prometheus/transport.go
var newPrometheusTransportMetrics func() transport.Metrics

// RegisterTransportMetricsConstructor registers the Prometheus transport metrics constructor.
func RegisterTransportMetricsConstructor(constructor func() transport.Metrics) {
	newPrometheusTransportMetrics = constructor
}
