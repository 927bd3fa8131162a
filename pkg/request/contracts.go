package request

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/internal/telemetry"
	"github.com/marmos91/fetchflow/pkg/cache"
)

// Listener receives the single terminal notification of a request. Methods
// are only ever invoked on the delivery lane.
type Listener interface {
	OnCompleted(result *Result)
	OnCanceled(cause CancelCause)
	OnFailed(cause FailedCause)
}

// ProgressListener receives advisory progress updates on the delivery lane.
type ProgressListener interface {
	OnProgress(total, completed int64)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Completed func(result *Result)
	Canceled  func(cause CancelCause)
	Failed    func(cause FailedCause)
}

func (l ListenerFuncs) OnCompleted(result *Result) {
	if l.Completed != nil {
		l.Completed(result)
	}
}

func (l ListenerFuncs) OnCanceled(cause CancelCause) {
	if l.Canceled != nil {
		l.Canceled(cause)
	}
}

func (l ListenerFuncs) OnFailed(cause FailedCause) {
	if l.Failed != nil {
		l.Failed(cause)
	}
}

// ProgressFunc adapts a function to ProgressListener.
type ProgressFunc func(total, completed int64)

func (f ProgressFunc) OnProgress(total, completed int64) { f(total, completed) }

// ProgressHook is handed to the transport. A total of zero or less means the
// length is unknown.
type ProgressHook func(total, completed int64)

// CacheLookup resolves cache keys. It must be safe to call from worker
// goroutines. A miss is reported as cache.ErrNotFound.
type CacheLookup interface {
	Get(ctx context.Context, key string) (cache.Entry, error)
}

// Transport performs the actual fetch.
//
// Fetch blocks until the artifact is available or the fetch failed. It may
// call progress any number of times before returning. The context is
// canceled when the request is, but the state machine does not rely on the
// transport noticing: a result that arrives after cancellation is released
// and dropped.
type Transport interface {
	Fetch(ctx context.Context, attrs Attrs, opts Options, progress ProgressHook) (*Result, error)
}

// Policy makes the final policy decision at dispatch time.
type Policy interface {
	Decide(attrs Attrs, opts Options) Options
}

// StaticPolicy returns the request's options untouched.
type StaticPolicy struct{}

func (StaticPolicy) Decide(_ Attrs, opts Options) Options { return opts }

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(attrs Attrs, opts Options) Options

func (f PolicyFunc) Decide(attrs Attrs, opts Options) Options { return f(attrs, opts) }

// Processor post-processes a fetched result in the load stage. Returning a
// different *Result hands ownership of the input to the request, which
// releases it.
type Processor interface {
	Process(ctx context.Context, attrs Attrs, result *Result) (*Result, error)
}

// Dispatcher provides the two execution contexts of a request.
type Dispatcher interface {
	// RunOnWorker schedules fn on the worker pool. Returns false if refused.
	RunOnWorker(fn func()) bool

	// RunOnDeliveryLane schedules fn on the single delivery lane, in FIFO
	// order relative to every other delivery.
	RunOnDeliveryLane(fn func())
}

// Metrics records request-level observations. A nil Metrics costs nothing.
type Metrics interface {
	// ObserveStage records how long a stage body ran.
	ObserveStage(stage string, d time.Duration)

	// RecordOutcome counts a terminal transition. cause is "" for completions.
	RecordOutcome(status Status, cause string)

	// RecordCacheLookup counts a dispatch-time cache lookup.
	RecordCacheLookup(hit bool)

	// RecordProgressDropped counts a progress update that was not delivered.
	RecordProgressDropped()
}

func observeStage(m Metrics, stage string, start time.Time) {
	if m != nil {
		m.ObserveStage(stage, time.Since(start))
	}
}

func recordOutcome(m Metrics, status Status, cause string) {
	if m != nil {
		m.RecordOutcome(status, cause)
	}
}

func recordCacheLookup(m Metrics, hit bool) {
	if m != nil {
		m.RecordCacheLookup(hit)
	}
}

func recordProgressDropped(m Metrics) {
	if m != nil {
		m.RecordProgressDropped()
	}
}

// Capabilities bundles the collaborators a request runs against.
//
// Transport and Dispatcher are required. Cache may be nil, in which case
// every lookup misses. Processor may be nil, in which case the load stage is
// skipped. Logger and Tracer default to the process-wide ones.
type Capabilities struct {
	Cache      CacheLookup
	Transport  Transport
	Policy     Policy
	Processor  Processor
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    Metrics
}

var errMissingCapability = errors.New("request: transport and dispatcher are required")

func (c Capabilities) validate() error {
	if c.Transport == nil || c.Dispatcher == nil {
		return errMissingCapability
	}
	return nil
}

func (c Capabilities) withDefaults() Capabilities {
	if c.Policy == nil {
		c.Policy = StaticPolicy{}
	}
	if c.Logger == nil {
		c.Logger = logger.Logger()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.Tracer()
	}
	return c
}
