package dispatch

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/marmos91/fetchflow/internal/logger"
)

// DeliveryLane executes posted closures one at a time in posting order.
// Hosts with their own event loop (a UI thread, a single-threaded runtime)
// implement it to receive request callbacks there.
type DeliveryLane interface {
	// Post enqueues fn. It must not block and must not run fn inline.
	// Returns false if the lane no longer accepts work.
	Post(fn func()) bool
}

// Lane is a DeliveryLane backed by one goroutine and an unbounded FIFO.
//
// The queue is unbounded so that workers posting results never block on a
// slow listener.
type Lane struct {
	mu      sync.Mutex
	queue   []func()
	started bool
	stopped bool

	notify    chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}

	delivered uint64
	panicked  uint64
}

// NewLane creates a lane. Closures posted before Start run once it starts.
func NewLane() *Lane {
	return &Lane{
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the lane goroutine. Calling Start twice is a no-op.
func (l *Lane) Start() {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.loop()
}

// Post appends fn to the lane.
func (l *Lane) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Stop rejects further posts, runs what is already queued and waits up to
// timeout for the lane goroutine to exit. Returns false on timeout.
func (l *Lane) Stop(timeout time.Duration) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return true
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()

	if !started {
		return true
	}
	close(l.stopCh)

	select {
	case <-l.stoppedCh:
		return true
	case <-time.After(timeout):
		logger.Warn("Delivery lane stop timed out", logger.KeyPending, l.Pending())
		return false
	}
}

func (l *Lane) loop() {
	defer close(l.stoppedCh)

	for {
		select {
		case <-l.notify:
			l.runQueued()
		case <-l.stopCh:
			l.runQueued()
			return
		}
	}
}

// runQueued executes everything queued, including closures posted while it
// runs, before returning.
func (l *Lane) runQueued() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			l.run(fn)
		}
	}
}

func (l *Lane) run(fn func()) {
	defer func() {
		r := recover()

		l.mu.Lock()
		defer l.mu.Unlock()
		if r != nil {
			l.panicked++
			logger.Error("Delivery callback panicked",
				logger.KeyError, fmt.Errorf("callback panic: %v", r),
				"stack", string(debug.Stack()))
			return
		}
		l.delivered++
	}()
	fn()
}

// Pending returns the number of queued closures.
func (l *Lane) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stats returns delivery counters.
func (l *Lane) Stats() (delivered, panicked uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered, l.panicked
}
