package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/fetchflow/pkg/metrics"
	"github.com/marmos91/fetchflow/pkg/request"
)

func init() {
	metrics.RegisterRequestMetricsConstructor(newRequestMetrics)
}

// requestMetrics is the Prometheus implementation of request.Metrics.
type requestMetrics struct {
	stageDuration   *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	progressDropped prometheus.Counter
}

func newRequestMetrics() request.Metrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}

	return &requestMetrics{
		stageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fetchflow_request_stage_duration_milliseconds",
				Help: "Duration of request stages in milliseconds",
				Buckets: []float64{
					0.1,   // 100us - dispatch with memory hit
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					500,   // 500ms
					1000,  // 1s
					5000,  // 5s
					30000, // 30s - slow downloads
					120000,
				},
			},
			[]string{"stage"}, // "dispatch", "download", "load"
		),
		outcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchflow_requests_total",
				Help: "Total number of finished requests by terminal status and cause",
			},
			[]string{"status", "cause"},
		),
		cacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchflow_request_cache_lookups_total",
				Help: "Dispatch-time cache lookups by result",
			},
			[]string{"result"},
		),
		progressDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "fetchflow_request_progress_dropped_total",
				Help: "Progress updates dropped because the request had already finished",
			},
		),
	}
}

func (m *requestMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds() * 1000)
}

func (m *requestMetrics) RecordOutcome(status request.Status, cause string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status.String(), cause).Inc()
}

func (m *requestMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *requestMetrics) RecordProgressDropped() {
	if m == nil {
		return
	}
	m.progressDropped.Inc()
}
