package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/fetchflow/pkg/dispatch"
	"github.com/marmos91/fetchflow/pkg/metrics"
)

func init() {
	metrics.RegisterDispatcherGaugesConstructor(registerDispatcherGauges)
}

// registerDispatcherGauges exposes dispatcher stats through GaugeFuncs so
// values are read at scrape time.
func registerDispatcherGauges(stats func() dispatch.Stats) {
	reg := metrics.GetRegistry()
	if reg == nil {
		return
	}
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fetchflow_dispatch_workers",
		Help: "Number of worker goroutines",
	}, func() float64 { return float64(stats().Workers) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fetchflow_dispatch_pending_tasks",
		Help: "Tasks queued for the worker pool",
	}, func() float64 { return float64(stats().PendingTasks) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fetchflow_dispatch_pending_deliveries",
		Help: "Callbacks queued on the delivery lane",
	}, func() float64 { return float64(stats().PendingDeliver) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "fetchflow_dispatch_completed_tasks_total",
		Help: "Worker tasks run to completion",
	}, func() float64 { return float64(stats().CompletedTasks) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "fetchflow_dispatch_panicked_tasks_total",
		Help: "Worker tasks that panicked",
	}, func() float64 { return float64(stats().PanickedTasks) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "fetchflow_dispatch_delivered_total",
		Help: "Callbacks run on the delivery lane",
	}, func() float64 { return float64(stats().Delivered) })
}
