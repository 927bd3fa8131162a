package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/fetchflow/pkg/metrics"
	"github.com/marmos91/fetchflow/pkg/transport"
)

func init() {
	metrics.RegisterTransportMetricsConstructor(newTransportMetrics)
}

// transportMetrics is the Prometheus implementation of transport.Metrics.
type transportMetrics struct {
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	bytes         *prometheus.CounterVec
	retries       *prometheus.CounterVec
}

func newTransportMetrics() transport.Metrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}

	return &transportMetrics{
		fetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchflow_transport_fetches_total",
				Help: "Total number of fetches by scheme and status",
			},
			[]string{"scheme", "status"}, // status: "success", "error"
		),
		fetchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fetchflow_transport_fetch_duration_milliseconds",
				Help: "Duration of fetches in milliseconds, retries included",
				Buckets: []float64{
					1,      // 1ms - local files
					10,     // 10ms
					50,     // 50ms
					100,    // 100ms - typical remote latency
					500,    // 500ms
					1000,   // 1s
					5000,   // 5s
					30000,  // 30s
					120000, // 2m - large objects
				},
			},
			[]string{"scheme"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchflow_transport_bytes_total",
				Help: "Total bytes fetched by scheme",
			},
			[]string{"scheme"},
		),
		retries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchflow_transport_retries_total",
				Help: "Total number of retried fetch attempts by scheme",
			},
			[]string{"scheme"},
		),
	}
}

func (m *transportMetrics) ObserveFetch(scheme string, bytes int64, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.fetches.WithLabelValues(scheme, status).Inc()
	m.fetchDuration.WithLabelValues(scheme).Observe(d.Seconds() * 1000)
	if bytes > 0 {
		m.bytes.WithLabelValues(scheme).Add(float64(bytes))
	}
}

func (m *transportMetrics) RecordRetry(scheme string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(scheme).Inc()
}
