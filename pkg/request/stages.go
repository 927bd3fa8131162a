package request

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/internal/telemetry"
	"github.com/marmos91/fetchflow/pkg/cache"
)

// Stage names, as used in logs, spans and metrics.
const (
	StageDispatch = "dispatch"
	StageDownload = "download"
	StageLoad     = "load"
)

var stageSpans = map[string]string{
	StageDispatch: telemetry.SpanDispatch,
	StageDownload: telemetry.SpanDownload,
	StageLoad:     telemetry.SpanLoad,
}

// stageRun is the bookkeeping around one stage body.
type stageRun struct {
	r     *Request
	name  string
	ctx   context.Context
	span  trace.Span
	start time.Time
}

func (r *Request) beginStage(name string) *stageRun {
	ctx := logger.WithContext(r.ctx, logger.FromContext(r.ctx).WithStage(name))
	ctx, span := r.caps.Tracer.Start(ctx, stageSpans[name], trace.WithAttributes(telemetry.Stage(name)))
	return &stageRun{r: r, name: name, ctx: ctx, span: span, start: time.Now()}
}

// end closes the stage span. A panic in the stage body is recovered here and
// fails the request with cause.
func (s *stageRun) end(cause FailedCause) {
	if p := recover(); p != nil {
		err := fmt.Errorf("%s stage panic: %v", s.name, p)
		s.r.log.Error("Stage panicked", logger.KeyStage, s.name, logger.KeyError, err, "stack", string(debug.Stack()))
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		s.r.fail(cause, err)
	}
	s.span.End()
	observeStage(s.r.caps.Metrics, s.name, s.start)
}

// dispatch is the first stage: policy decision and cache lookup.
func (r *Request) dispatch() {
	if r.IsCanceled() {
		return
	}
	if !r.st.advance(StatusDispatching) {
		return
	}
	s := r.beginStage(StageDispatch)
	defer s.end(FailedFetch)

	opts := r.caps.Policy.Decide(r.attrs, r.opts)
	r.decided = opts
	s.span.SetAttributes(
		attribute.Bool("fetch.cache_in_disk", opts.CacheInDisk),
		telemetry.Level(opts.Level.String()),
	)

	if opts.CacheInDisk {
		if entry := r.lookup(s.ctx); entry != nil {
			r.log.Debug("Cache hit, skipping download", logger.KeyCacheKey, r.attrs.CacheKey)
			r.produced(FromEntry(entry, false))
			return
		}
	}

	if opts.Level == LevelLocal {
		cause := opts.localCancelCause()
		r.log.Debug("Cache miss on local-only request", logger.KeyCause, cause.String())
		r.Cancel(cause)
		return
	}

	if !r.st.advance(StatusWaitDownload) {
		return
	}
	if !r.caps.Dispatcher.RunOnWorker(r.download) {
		r.reject(StageDownload)
	}
}

// lookup returns a held entry on a hit and nil otherwise. Lookup errors
// other than a miss are logged and treated as a miss.
func (r *Request) lookup(ctx context.Context) cache.Entry {
	if r.caps.Cache == nil {
		recordCacheLookup(r.caps.Metrics, false)
		return nil
	}

	ctx, span := r.caps.Tracer.Start(ctx, telemetry.SpanCacheLookup, trace.WithAttributes(telemetry.CacheKey(r.attrs.CacheKey)))
	defer span.End()

	entry, err := r.caps.Cache.Get(ctx, r.attrs.CacheKey)
	if err != nil && !cache.IsMiss(err) {
		r.log.Warn("Cache lookup failed, treating as miss", logger.KeyCacheKey, r.attrs.CacheKey, logger.KeyError, err)
		span.RecordError(err)
	}
	hit := err == nil && entry != nil
	span.SetAttributes(telemetry.CacheHit(hit))
	recordCacheLookup(r.caps.Metrics, hit)
	if !hit {
		return nil
	}

	// The lookup may have blocked; a cancel that raced it wins.
	if r.IsCanceled() {
		release(r, FromEntry(entry, false))
		return nil
	}
	return entry
}

// download invokes the transport.
func (r *Request) download() {
	if r.IsCanceled() {
		return
	}
	if !r.st.advance(StatusDownloading) {
		return
	}
	s := r.beginStage(StageDownload)
	defer s.end(FailedFetch)

	res, err := r.caps.Transport.Fetch(s.ctx, r.attrs, r.decided, r.relayProgress)

	if r.IsCanceled() {
		r.log.Debug("Canceled during transport, dropping result")
		release(r, res)
		return
	}
	if err != nil {
		s.span.RecordError(err)
		release(r, res)
		r.fail(FailedFetch, err)
		return
	}
	if res.Empty() {
		r.fail(FailedFetch, ErrEmptyResult)
		return
	}

	s.span.SetAttributes(telemetry.Bytes(res.Size()), telemetry.FromNetwork(res.FromNetwork()))
	r.produced(res)
}

// produced routes a stage result to the load stage, or straight to
// completion when no processor is configured.
func (r *Request) produced(res *Result) {
	if r.caps.Processor == nil {
		r.complete(res)
		return
	}
	if !r.st.advance(StatusWaitLoad) {
		release(r, res)
		return
	}
	if !r.caps.Dispatcher.RunOnWorker(func() { r.load(res) }) {
		release(r, res)
		r.reject(StageLoad)
	}
}

// load runs the processor over a fetched result.
func (r *Request) load(in *Result) {
	if r.IsCanceled() {
		release(r, in)
		return
	}
	if !r.st.advance(StatusLoading) {
		release(r, in)
		return
	}
	s := r.beginStage(StageLoad)
	defer s.end(FailedDecode)

	out, err := r.caps.Processor.Process(s.ctx, r.attrs, in)
	replaced := out != in && !sameEntry(out, in)

	if r.IsCanceled() {
		release(r, in)
		if replaced {
			release(r, out)
		}
		return
	}
	if err == nil && out.Empty() {
		err = ErrEmptyResult
	}
	if err != nil {
		s.span.RecordError(err)
		release(r, in)
		if replaced {
			release(r, out)
		}
		r.fail(FailedDecode, err)
		return
	}

	if replaced {
		release(r, in)
	}
	r.complete(out)
}

// complete stages res and hands the terminal commit to the delivery lane.
// If a cancel wins in the meantime, res is released and nothing is
// delivered.
func (r *Request) complete(res *Result) {
	r.result.Store(res)
	r.caps.Dispatcher.RunOnDeliveryLane(func() {
		if !r.st.terminate(StatusCompleted, 0) {
			release(r, res)
			return
		}
		r.finish()
		if r.listener != nil {
			r.listener.OnCompleted(res)
		}
	})
}

// fail records err and hands the terminal commit to the delivery lane.
func (r *Request) fail(cause FailedCause, err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()

	r.log.Debug("Stage failed", logger.KeyCause, cause.String(), logger.KeyError, err)
	r.caps.Dispatcher.RunOnDeliveryLane(func() {
		if !r.st.terminate(StatusFailed, uint8(cause)) {
			return
		}
		r.finish()
		if r.listener != nil {
			r.listener.OnFailed(cause)
		}
	})
}

// reject fails the request right away: the worker pool refused the next
// stage, so there is no worker left to carry it.
func (r *Request) reject(stage string) {
	r.mu.Lock()
	r.err = fmt.Errorf("%w: %s stage", ErrRejected, stage)
	r.mu.Unlock()

	if !r.st.terminate(StatusFailed, uint8(FailedDispatchRejected)) {
		return
	}
	r.log.Warn("Worker pool rejected stage", logger.KeyStage, stage)
	r.finish()
	if r.listener != nil {
		r.caps.Dispatcher.RunOnDeliveryLane(func() {
			r.listener.OnFailed(FailedDispatchRejected)
		})
	}
}

// relayProgress is the hook handed to the transport. Updates are clamped to
// [0, total] when total is known and dropped once the request finished,
// both here and again at delivery time.
func (r *Request) relayProgress(total, completed int64) {
	if completed < 0 {
		completed = 0
	}
	if total > 0 && completed > total {
		completed = total
	}
	r.total.Store(total)
	r.completed.Store(completed)

	if r.progress == nil {
		return
	}
	if r.IsFinished() {
		recordProgressDropped(r.caps.Metrics)
		return
	}
	r.caps.Dispatcher.RunOnDeliveryLane(func() {
		if r.IsFinished() {
			recordProgressDropped(r.caps.Metrics)
			return
		}
		r.progress.OnProgress(total, completed)
	})
}

func release(r *Request, res *Result) {
	if err := res.Release(); err != nil && !errors.Is(err, cache.ErrReleased) {
		r.log.Warn("Failed to release result", logger.KeyError, err)
	}
}
