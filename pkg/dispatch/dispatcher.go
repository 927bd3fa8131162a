// Package dispatch provides the execution contexts fetch requests run on: a
// bounded worker pool for blocking stage work and a single delivery lane on
// which every listener callback runs, in posting order.
package dispatch

import (
	"time"

	"github.com/marmos91/fetchflow/internal/logger"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLane routes deliveries to a host-supplied lane instead of the built-in
// one. The host owns that lane's lifecycle.
func WithLane(lane DeliveryLane) Option {
	return func(d *Dispatcher) {
		d.lane = lane
		d.ownLane = nil
	}
}

// Stats is a point-in-time view of dispatcher load.
type Stats struct {
	Workers        int    `json:"workers"`
	PendingTasks   int    `json:"pending_tasks"`
	CompletedTasks int    `json:"completed_tasks"`
	PanickedTasks  int    `json:"panicked_tasks"`
	PendingDeliver int    `json:"pending_deliveries"`
	Delivered      uint64 `json:"delivered"`
}

// Dispatcher pairs a worker pool with a delivery lane.
type Dispatcher struct {
	pool    *Pool
	lane    DeliveryLane
	ownLane *Lane
}

// New creates a dispatcher. Call Start before submitting work.
func New(cfg Config, opts ...Option) *Dispatcher {
	own := NewLane()
	d := &Dispatcher{
		pool:    NewPool(cfg),
		lane:    own,
		ownLane: own,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers and, if owned, the delivery lane.
func (d *Dispatcher) Start() {
	if d.ownLane != nil {
		d.ownLane.Start()
	}
	d.pool.Start()
}

// Stop drains the pool first so deliveries posted by in-flight stages still
// reach the lane, then drains the lane. The timeout applies to each phase.
func (d *Dispatcher) Stop(timeout time.Duration) bool {
	ok := d.pool.Stop(timeout)
	if d.ownLane != nil {
		ok = d.ownLane.Stop(timeout) && ok
	}
	return ok
}

// RunOnWorker schedules fn on the worker pool. Returns false if the pool
// refused it.
func (d *Dispatcher) RunOnWorker(fn func()) bool {
	return d.pool.Submit(fn)
}

// RunOnDeliveryLane schedules fn on the delivery lane. Closures posted to a
// stopped lane are dropped.
func (d *Dispatcher) RunOnDeliveryLane(fn func()) {
	if !d.lane.Post(fn) {
		logger.Warn("Delivery lane closed, dropping callback")
	}
}

// Stats returns current load.
func (d *Dispatcher) Stats() Stats {
	pending, completed, panicked := d.pool.Stats()
	s := Stats{
		Workers:        d.pool.Workers(),
		PendingTasks:   pending,
		CompletedTasks: completed,
		PanickedTasks:  panicked,
	}
	if d.ownLane != nil {
		s.PendingDeliver = d.ownLane.Pending()
		s.Delivered, _ = d.ownLane.Stats()
	}
	return s
}
