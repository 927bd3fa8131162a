package dispatch

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/marmos91/fetchflow/internal/logger"
)

// Config configures the worker pool.
type Config struct {
	// Workers is the number of worker goroutines.
	Workers int `mapstructure:"workers" yaml:"workers" validate:"omitempty,gte=1"`

	// QueueSize bounds the number of tasks waiting for a worker.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" validate:"omitempty,gte=1"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Pool runs submitted tasks on a fixed set of worker goroutines.
//
// Submission never blocks: a full queue or a stopped pool rejects the task.
// Tasks queued before Stop are drained before the workers exit. A panicking
// task is recovered and logged; the worker keeps running.
type Pool struct {
	tasks chan func()

	workers   int
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	// stateMu orders Submit against Stop so nothing is enqueued after the
	// workers have drained.
	stateMu sync.RWMutex
	started bool
	stopped bool

	mu          sync.Mutex
	pending     int
	completed   int
	panicked    int
	lastPanic   error
	lastPanicAt time.Time
}

// NewPool creates a pool. Zero config fields take defaults.
func NewPool(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		tasks:     make(chan func(), cfg.QueueSize),
		workers:   cfg.Workers,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.stateMu.Lock()
	if p.started || p.stopped {
		p.stateMu.Unlock()
		return
	}
	p.started = true
	p.stateMu.Unlock()

	logger.Debug("Starting worker pool", logger.KeyWorkers, p.workers, logger.KeyQueueCap, cap(p.tasks))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	go func() {
		p.wg.Wait()
		close(p.stoppedCh)
	}()
}

// Stop rejects further submissions, lets workers drain the queue and waits
// up to timeout for them to exit. Returns false on timeout.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.stateMu.Lock()
	if p.stopped {
		p.stateMu.Unlock()
		return true
	}
	p.stopped = true
	started := p.started
	p.stateMu.Unlock()

	if !started {
		return true
	}

	logger.Debug("Stopping worker pool", logger.KeyPending, p.Pending())
	close(p.stopCh)

	select {
	case <-p.stoppedCh:
		return true
	case <-time.After(timeout):
		logger.Warn("Worker pool stop timed out", logger.KeyPending, p.Pending())
		return false
	}
}

// Submit enqueues fn. Returns false if the queue is full or the pool is
// stopped.
func (p *Pool) Submit(fn func()) bool {
	if fn == nil {
		return false
	}

	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.stopped {
		return false
	}

	// Count before sending so a fast worker never observes a negative count.
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	select {
	case p.tasks <- fn:
		return true
	default:
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		logger.Warn("Worker queue full, rejecting task", logger.KeyQueueCap, cap(p.tasks))
		return false
	}
}

// worker runs tasks until stopCh closes, then drains what is left.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case fn := <-p.tasks:
			p.run(fn)
		case <-p.stopCh:
			p.drain()
			logger.Debug("Worker stopped", "workerID", id)
			return
		}
	}
}

func (p *Pool) drain() {
	for {
		select {
		case fn := <-p.tasks:
			p.run(fn)
		default:
			return
		}
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		r := recover()

		p.mu.Lock()
		defer p.mu.Unlock()
		p.pending--
		if r != nil {
			p.panicked++
			p.lastPanic = fmt.Errorf("task panic: %v", r)
			p.lastPanicAt = time.Now()
			logger.Error("Worker task panicked", logger.KeyError, p.lastPanic, "stack", string(debug.Stack()))
			return
		}
		p.completed++
	}()
	fn()
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Pending returns the number of submitted tasks not yet finished.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Stats returns task counters.
func (p *Pool) Stats() (pending, completed, panicked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending, p.completed, p.panicked
}

// LastPanic returns when the last task panic occurred and its error.
func (p *Pool) LastPanic() (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPanicAt, p.lastPanic
}
