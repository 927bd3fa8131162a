package transport

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/request"
)

// ProgressInterval is how many bytes pass between progress reports.
const ProgressInterval = 64 << 10

const copyBufferSize = 32 << 10

// NewLimiter returns a byte-rate limiter for bytesPerSec, or nil for
// unlimited. The burst is one second's worth of bytes.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}

// Copy streams src into dst, reporting progress to hook (which may be nil)
// every ProgressInterval bytes and once at the end. total is the expected
// length, or zero or less when unknown. limiter may be nil.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, total int64, hook request.ProgressHook, limiter *rate.Limiter) (int64, error) {
	r := &progressReader{
		ctx:     ctx,
		src:     src,
		total:   total,
		hook:    hook,
		limiter: limiter,
	}
	if hook != nil {
		hook(total, 0)
	}
	n, err := io.CopyBuffer(dst, r, make([]byte, copyBufferSize))
	if err != nil {
		return n, err
	}
	r.report()
	return n, nil
}

// progressReader throttles reads, stops on context cancellation and
// coalesces progress reports.
type progressReader struct {
	ctx     context.Context
	src     io.Reader
	total   int64
	read    int64
	last    int64
	hook    request.ProgressHook
	limiter *rate.Limiter
}

func (r *progressReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.limiter != nil && len(p) > r.limiter.Burst() {
		p = p[:r.limiter.Burst()]
	}

	n, err := r.src.Read(p)
	if n > 0 {
		r.read += int64(n)
		if r.limiter != nil {
			if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
				return n, werr
			}
		}
		if r.read-r.last >= ProgressInterval {
			r.report()
		}
	}
	return n, err
}

func (r *progressReader) report() {
	if r.hook == nil || r.read == r.last {
		return
	}
	r.last = r.read
	r.hook(r.total, r.read)
}

// Stream copies src into a new Sink and commits it. On any error the sink
// is discarded and no result is returned.
func Stream(ctx context.Context, store cache.Store, attrs request.Attrs, opts request.Options, src io.Reader, total int64, hook request.ProgressHook, limiter *rate.Limiter) (*request.Result, error) {
	sink, err := NewSink(ctx, store, attrs, opts)
	if err != nil {
		return nil, err
	}
	if _, err := Copy(ctx, sink, src, total, hook, limiter); err != nil {
		_ = sink.Discard()
		return nil, err
	}
	res, err := sink.Commit()
	if err != nil {
		_ = sink.Discard()
		return nil, err
	}
	return res, nil
}
