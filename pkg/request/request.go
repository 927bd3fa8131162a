// Package request implements the lifecycle of a single fetch request:
// dispatch, cache lookup, download, optional load, and exactly one terminal
// notification delivered on the dispatcher's delivery lane.
//
// Cancellation is cooperative. Cancel flips the request's state word and
// returns; stage bodies check that word on entry and again after every
// blocking call into a collaborator.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/internal/telemetry"
	"github.com/marmos91/fetchflow/pkg/cache"
)

var (
	// ErrAlreadySubmitted is returned by a second Submit.
	ErrAlreadySubmitted = errors.New("request already submitted")

	// ErrCanceled is returned by Submit on a canceled request and wrapped
	// by Err once a request is canceled.
	ErrCanceled = errors.New("request canceled")

	// ErrRejected is returned when the worker pool refuses a stage.
	ErrRejected = errors.New("dispatch rejected")

	// ErrEmptyResult is recorded when a stage produced neither an entry nor
	// a payload.
	ErrEmptyResult = errors.New("empty result")
)

// Request is one fetch through the pipeline.
type Request struct {
	id       string
	attrs    Attrs
	opts     Options
	caps     Capabilities
	listener Listener
	progress ProgressListener
	log      *slog.Logger

	st        state
	submitted atomic.Bool

	ctx       context.Context
	cancelCtx context.CancelFunc
	span      trace.Span

	// decided is written by the dispatch stage and read by later stages,
	// which are scheduled from it.
	decided Options

	result atomic.Pointer[Result]

	total     atomic.Int64
	completed atomic.Int64

	mu         sync.Mutex
	err        error
	createdAt  time.Time
	finishedAt time.Time

	done       chan struct{}
	finishOnce sync.Once
}

// New creates a request. Nothing runs until Submit.
//
// ctx carries trace parentage and values only: canceling it does not cancel
// the request. listener and progress may be nil.
func New(ctx context.Context, attrs Attrs, opts Options, caps Capabilities, listener Listener, progress ProgressListener) (*Request, error) {
	if err := caps.validate(); err != nil {
		return nil, err
	}
	caps = caps.withDefaults()

	id := uuid.NewString()
	if attrs.Name == "" || attrs.CacheKey == "" {
		attrs = NewAttrs(attrs.URI, attrs.Name, attrs.CacheKey)
	}

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	base = logger.WithContext(base, logger.NewLogContext(id, attrs.Name, attrs.CacheKey))
	base, span := telemetry.StartRequestSpan(base, caps.Tracer, id, attrs.Name, attrs.CacheKey,
		telemetry.URI(attrs.URI),
		telemetry.Level(opts.Level.String()),
	)

	return &Request{
		id:        id,
		attrs:     attrs,
		opts:      opts,
		caps:      caps,
		listener:  listener,
		progress:  progress,
		log:       caps.Logger.With(logger.KeyRequestID, id, logger.KeyName, attrs.Name),
		ctx:       base,
		cancelCtx: cancel,
		span:      span,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}, nil
}

// Submit schedules the dispatch stage. A request may be submitted once.
func (r *Request) Submit() error {
	if r.IsCanceled() {
		r.log.Debug("Submit on canceled request ignored")
		return ErrCanceled
	}
	if !r.submitted.CompareAndSwap(false, true) {
		r.log.Warn("Request submitted twice")
		return ErrAlreadySubmitted
	}
	if !r.st.advance(StatusWaitDispatch) {
		return ErrCanceled
	}

	r.log.Debug("Request submitted", logger.KeyURI, r.attrs.URI)
	if !r.caps.Dispatcher.RunOnWorker(r.dispatch) {
		r.reject(StageDispatch)
		return ErrRejected
	}
	return nil
}

// Cancel moves the request to CANCELED with cause. It is safe from any
// goroutine and returns true only for the call that actually canceled. The
// listener hears about it only if the request was submitted.
func (r *Request) Cancel(cause CancelCause) bool {
	if cause == CancelNone {
		cause = CancelUserCanceled
	}
	if !r.st.terminate(StatusCanceled, uint8(cause)) {
		return false
	}
	r.cancelCtx()
	r.finish()

	if r.submitted.Load() && r.listener != nil {
		r.caps.Dispatcher.RunOnDeliveryLane(func() {
			r.listener.OnCanceled(cause)
		})
	}
	return true
}

// IsCanceled reports whether the request was canceled.
func (r *Request) IsCanceled() bool {
	return r.st.status() == StatusCanceled
}

// IsFinished reports whether the request reached a terminal status.
func (r *Request) IsFinished() bool {
	return r.st.status().IsTerminal()
}

// Status returns the current status.
func (r *Request) Status() Status {
	return r.st.status()
}

// CancelCause returns the cancel cause, or CancelNone.
func (r *Request) CancelCause() CancelCause {
	s, c := r.st.load()
	if s != StatusCanceled {
		return CancelNone
	}
	return CancelCause(c)
}

// FailedCause returns the failure cause, or FailedNone.
func (r *Request) FailedCause() FailedCause {
	s, c := r.st.load()
	if s != StatusFailed {
		return FailedNone
	}
	return FailedCause(c)
}

// Err describes why the request did not complete. It is nil while the
// request runs and after completion.
func (r *Request) Err() error {
	s, c := r.st.load()
	switch s {
	case StatusCanceled:
		return fmt.Errorf("%w: %s", ErrCanceled, CancelCause(c))
	case StatusFailed:
		r.mu.Lock()
		err := r.err
		r.mu.Unlock()
		if err == nil {
			return errors.New(FailedCause(c).String())
		}
		return fmt.Errorf("%s: %w", FailedCause(c), err)
	default:
		return nil
	}
}

// Result returns the result of a completed request, or nil.
func (r *Request) Result() *Result {
	if r.st.status() != StatusCompleted {
		return nil
	}
	return r.result.Load()
}

// Close releases the result of a completed request. Results obtained
// earlier must not be used afterwards. No-op unless COMPLETED.
func (r *Request) Close() error {
	if r.st.status() != StatusCompleted {
		return nil
	}
	if err := r.result.Swap(nil).Release(); err != nil && !errors.Is(err, cache.ErrReleased) {
		return err
	}
	return nil
}

// ID returns the request's unique identifier.
func (r *Request) ID() string { return r.id }

// Attrs returns the request's identity.
func (r *Request) Attrs() Attrs { return r.attrs }

// Options returns the options the request was created with.
func (r *Request) Options() Options { return r.opts }

// Done is closed when the request reaches a terminal status.
func (r *Request) Done() <-chan struct{} { return r.done }

// Progress returns the last observed (total, completed) byte counts.
func (r *Request) Progress() (total, completed int64) {
	return r.total.Load(), r.completed.Load()
}

// Wait blocks until the request finishes or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreatedAt returns when New built the request.
func (r *Request) CreatedAt() time.Time { return r.createdAt }

// FinishedAt returns when the request reached a terminal status, or the
// zero time.
func (r *Request) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

// Info is a point-in-time view of a request for reporting.
type Info struct {
	ID          string     `json:"id"`
	URI         string     `json:"uri"`
	Name        string     `json:"name"`
	CacheKey    string     `json:"cache_key"`
	Level       Level      `json:"level"`
	Status      Status     `json:"status"`
	Cause       string     `json:"cause,omitempty"`
	Error       string     `json:"error,omitempty"`
	Total       int64      `json:"total"`
	Completed   int64      `json:"completed"`
	FromNetwork bool       `json:"from_network"`
	Size        int64      `json:"size,omitempty"`
	Path        string     `json:"path,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Snapshot returns the current Info.
func (r *Request) Snapshot() Info {
	info := Info{
		ID:        r.id,
		URI:       r.attrs.URI,
		Name:      r.attrs.Name,
		CacheKey:  r.attrs.CacheKey,
		Level:     r.opts.Level,
		Status:    r.Status(),
		CreatedAt: r.createdAt,
	}
	info.Total, info.Completed = r.Progress()
	info.Cause = r.causeString()
	if err := r.Err(); err != nil {
		info.Error = err.Error()
	}
	if res := r.Result(); res != nil {
		info.FromNetwork = res.FromNetwork()
		info.Size = res.Size()
		info.Path = res.Path()
	}
	if at := r.FinishedAt(); !at.IsZero() {
		info.FinishedAt = &at
	}
	return info
}

func (r *Request) causeString() string {
	s, c := r.st.load()
	switch s {
	case StatusCanceled:
		return CancelCause(c).String()
	case StatusFailed:
		return FailedCause(c).String()
	default:
		return ""
	}
}

// finish runs once, right after the terminal commit.
func (r *Request) finish() {
	r.finishOnce.Do(func() {
		status := r.Status()
		cause := r.causeString()

		r.mu.Lock()
		r.finishedAt = time.Now()
		elapsed := r.finishedAt.Sub(r.createdAt)
		r.mu.Unlock()

		recordOutcome(r.caps.Metrics, status, cause)

		r.span.SetAttributes(telemetry.Status(status.String()))
		if cause != "" {
			r.span.SetAttributes(telemetry.Cause(cause))
		}
		if status == StatusFailed {
			r.span.SetStatus(codes.Error, cause)
		}
		r.span.End()
		r.cancelCtx()

		r.log.Debug("Request finished",
			logger.KeyStatus, status.String(),
			logger.KeyCause, cause,
			logger.KeyDurationMs, float64(elapsed.Microseconds())/1000.0)

		close(r.done)
	})
}
