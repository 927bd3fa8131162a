package request

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/cache/memory"
)

// ============================================================================
// Test doubles
// ============================================================================

// stepDispatcher queues work and runs it only when the test says so, which
// makes every interleaving of stages, cancels and deliveries reproducible.
type stepDispatcher struct {
	mu      sync.Mutex
	workers []func()
	lane    []func()
	accept  int // worker submissions still accepted; negative = unlimited
}

func newStepDispatcher() *stepDispatcher {
	return &stepDispatcher{accept: -1}
}

func (d *stepDispatcher) RunOnWorker(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.accept == 0 {
		return false
	}
	if d.accept > 0 {
		d.accept--
	}
	d.workers = append(d.workers, fn)
	return true
}

func (d *stepDispatcher) RunOnDeliveryLane(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lane = append(d.lane, fn)
}

func (d *stepDispatcher) pop(lane bool) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := &d.workers
	if lane {
		q = &d.lane
	}
	if len(*q) == 0 {
		return nil
	}
	fn := (*q)[0]
	*q = (*q)[1:]
	return fn
}

func (d *stepDispatcher) runWorkers() {
	for fn := d.pop(false); fn != nil; fn = d.pop(false) {
		fn()
	}
}

func (d *stepDispatcher) runLane() {
	for fn := d.pop(true); fn != nil; fn = d.pop(true) {
		fn()
	}
}

func (d *stepDispatcher) pending() (workers, lane int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers), len(d.lane)
}

func (d *stepDispatcher) drain() {
	for {
		d.runWorkers()
		d.runLane()
		if w, l := d.pending(); w == 0 && l == 0 {
			return
		}
	}
}

type fetchFunc func(ctx context.Context, attrs Attrs, opts Options, progress ProgressHook) (*Result, error)

type fakeTransport struct {
	calls atomic.Int32
	fn    fetchFunc
}

func (f *fakeTransport) Fetch(ctx context.Context, attrs Attrs, opts Options, progress ProgressHook) (*Result, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return FromPayload([]byte("payload"), true), nil
	}
	return f.fn(ctx, attrs, opts, progress)
}

func payloadTransport(p []byte) *fakeTransport {
	return &fakeTransport{fn: func(context.Context, Attrs, Options, ProgressHook) (*Result, error) {
		return FromPayload(p, true), nil
	}}
}

type recorder struct {
	mu        sync.Mutex
	completed []*Result
	canceled  []CancelCause
	failed    []FailedCause
	progress  [][2]int64
	statuses  []Status
	req       *Request
}

func (r *recorder) OnCompleted(res *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, res)
	r.observe()
}

func (r *recorder) OnCanceled(cause CancelCause) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, cause)
	r.observe()
}

func (r *recorder) OnFailed(cause FailedCause) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, cause)
	r.observe()
}

func (r *recorder) OnProgress(total, completed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, [2]int64{total, completed})
}

func (r *recorder) observe() {
	if r.req != nil {
		r.statuses = append(r.statuses, r.req.Status())
	}
}

func (r *recorder) terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed) + len(r.canceled) + len(r.failed)
}

type fakeMetrics struct {
	mu       sync.Mutex
	stages   map[string]int
	outcomes map[string]int
	hits     int
	misses   int
	dropped  int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{stages: map[string]int{}, outcomes: map[string]int{}}
}

func (m *fakeMetrics) ObserveStage(stage string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage]++
}

func (m *fakeMetrics) RecordOutcome(status Status, cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[status.String()+"/"+cause]++
}

func (m *fakeMetrics) RecordCacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *fakeMetrics) RecordProgressDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

type failingLookup struct{}

func (failingLookup) Get(context.Context, string) (cache.Entry, error) {
	return nil, errors.New("index corrupted")
}

// ============================================================================
// Helpers
// ============================================================================

type harness struct {
	d     *stepDispatcher
	store *memory.Store
	tr    *fakeTransport
	rec   *recorder
	caps  Capabilities
}

func newHarness(t *testing.T, tr *fakeTransport) *harness {
	t.Helper()
	if tr == nil {
		tr = &fakeTransport{}
	}
	h := &harness{
		d:     newStepDispatcher(),
		store: memory.New(0, nil),
		tr:    tr,
		rec:   &recorder{},
	}
	t.Cleanup(func() { _ = h.store.Close() })
	h.caps = Capabilities{
		Cache:      h.store,
		Transport:  tr,
		Dispatcher: h.d,
		Logger:     logger.Discard(),
	}
	return h
}

func (h *harness) newRequest(t *testing.T, key string, opts Options) *Request {
	t.Helper()
	r, err := New(context.Background(), NewAttrs("mem://"+key, "", key), opts, h.caps, h.rec, h.rec)
	require.NoError(t, err)
	h.rec.req = r
	return r
}

func put(t *testing.T, s cache.Store, key, data string) {
	t.Helper()
	w, err := s.Create(context.Background(), key)
	require.NoError(t, err)
	_, err = io.WriteString(w, data)
	require.NoError(t, err)
	e, err := w.Commit()
	require.NoError(t, err)
	require.NoError(t, e.Release())
}

func refs(t *testing.T, s cache.Store, key string) int {
	t.Helper()
	infos, err := s.List(context.Background())
	require.NoError(t, err)
	for _, info := range infos {
		if info.Key == key {
			return info.Refs
		}
	}
	t.Fatalf("key %q not in store", key)
	return 0
}

func readAll(t *testing.T, res *Result) string {
	t.Helper()
	rc, err := res.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

// ============================================================================
// Scenarios
// ============================================================================

func TestRequest_CacheHitSkipsTransport(t *testing.T) {
	h := newHarness(t, nil)
	put(t, h.store, "K", "cached bytes")

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Zero(t, h.tr.calls.Load(), "transport must not run on a cache hit")
	require.Len(t, h.rec.completed, 1)
	assert.Empty(t, h.rec.canceled)
	assert.Empty(t, h.rec.failed)

	res := h.rec.completed[0]
	assert.False(t, res.FromNetwork())
	require.NotNil(t, res.Entry())
	assert.Equal(t, "K", res.Entry().Key())
	assert.Equal(t, "cached bytes", readAll(t, res))

	assert.Equal(t, StatusCompleted, r.Status())
	assert.Same(t, res, r.Result())
	assert.NoError(t, r.Err())
	assert.Equal(t, 1, refs(t, h.store, "K"), "completed result holds the entry")

	require.NoError(t, res.Release())
	assert.Equal(t, 0, refs(t, h.store, "K"))
}

func TestRequest_CloseReleasesResult(t *testing.T) {
	h := newHarness(t, nil)
	put(t, h.store, "K", "cached bytes")

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Close(), "Close before completion is a no-op")
	require.NoError(t, r.Submit())
	h.d.drain()
	require.Equal(t, 1, refs(t, h.store, "K"))

	require.NoError(t, r.Close())
	assert.Equal(t, 0, refs(t, h.store, "K"))
	assert.Nil(t, r.Result())
	assert.NoError(t, r.Close(), "second Close is a no-op")
}

func TestRequest_CacheMissDownloadsPayload(t *testing.T) {
	h := newHarness(t, payloadTransport([]byte("P")))

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.EqualValues(t, 1, h.tr.calls.Load())
	require.Len(t, h.rec.completed, 1)
	res := h.rec.completed[0]
	assert.True(t, res.FromNetwork())
	assert.Nil(t, res.Entry())
	assert.Equal(t, []byte("P"), res.Payload())
	assert.Equal(t, StatusCompleted, r.Status())
}

func TestRequest_CacheReadDisallowedSkipsLookup(t *testing.T) {
	h := newHarness(t, payloadTransport([]byte("fresh")))
	put(t, h.store, "K", "stale")

	r := h.newRequest(t, "K", Options{CacheInDisk: false, Level: LevelNetwork})
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.EqualValues(t, 1, h.tr.calls.Load())
	require.Len(t, h.rec.completed, 1)
	assert.Equal(t, "fresh", readAll(t, h.rec.completed[0]))
}

func TestRequest_LocalOnlyMiss(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want CancelCause
	}{
		{
			name: "hard restriction",
			opts: Options{CacheInDisk: true, Level: LevelLocal},
			want: CancelLevelRestricted,
		},
		{
			name: "paused downloads",
			opts: Options{CacheInDisk: true, Level: LevelLocal, LevelFrom: LevelFromPauseDownload},
			want: CancelPauseDownload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			r := h.newRequest(t, "missing", tt.opts)
			require.NoError(t, r.Submit())
			h.d.drain()

			assert.Zero(t, h.tr.calls.Load())
			assert.Equal(t, []CancelCause{tt.want}, h.rec.canceled)
			assert.Empty(t, h.rec.completed)
			assert.Empty(t, h.rec.failed)
			assert.Equal(t, StatusCanceled, r.Status())
			assert.Equal(t, tt.want, r.CancelCause())
			assert.ErrorIs(t, r.Err(), ErrCanceled)
		})
	}
}

func TestRequest_LocalOnlyHit(t *testing.T) {
	h := newHarness(t, nil)
	put(t, h.store, "K", "local")

	r := h.newRequest(t, "K", Options{CacheInDisk: true, Level: LevelLocal})
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Zero(t, h.tr.calls.Load())
	require.Len(t, h.rec.completed, 1)
	assert.False(t, h.rec.completed[0].FromNetwork())
}

func TestRequest_PolicyDecidesAtDispatch(t *testing.T) {
	h := newHarness(t, nil)
	var paused atomic.Bool
	h.caps.Policy = PolicyFunc(func(_ Attrs, opts Options) Options {
		if paused.Load() && opts.Level == LevelNetwork {
			opts.Level = LevelLocal
			opts.LevelFrom = LevelFromPauseDownload
		}
		return opts
	})

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	paused.Store(true) // flipped after submit, before the dispatch stage runs
	h.d.drain()

	assert.Zero(t, h.tr.calls.Load())
	assert.Equal(t, []CancelCause{CancelPauseDownload}, h.rec.canceled)
}

func TestRequest_EmptyResultFails(t *testing.T) {
	tests := []struct {
		name string
		fn   fetchFunc
	}{
		{
			name: "nil result",
			fn: func(context.Context, Attrs, Options, ProgressHook) (*Result, error) {
				return nil, nil
			},
		},
		{
			name: "neither entry nor payload",
			fn: func(context.Context, Attrs, Options, ProgressHook) (*Result, error) {
				return &Result{fromNetwork: true}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeTransport{fn: tt.fn})
			r := h.newRequest(t, "K", DefaultOptions())
			require.NoError(t, r.Submit())
			h.d.drain()

			assert.Equal(t, []FailedCause{FailedFetch}, h.rec.failed)
			assert.Empty(t, h.rec.completed)
			assert.Equal(t, FailedFetch, r.FailedCause())
			assert.ErrorIs(t, r.Err(), ErrEmptyResult)
			assert.Nil(t, r.Result())
		})
	}
}

func TestRequest_ZeroLengthPayloadCompletes(t *testing.T) {
	h := newHarness(t, payloadTransport([]byte{}))
	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	require.Len(t, h.rec.completed, 1)
	assert.EqualValues(t, 0, h.rec.completed[0].Size())
}

func TestRequest_TransportErrorFails(t *testing.T) {
	boom := errors.New("connection reset")
	h := newHarness(t, &fakeTransport{fn: func(context.Context, Attrs, Options, ProgressHook) (*Result, error) {
		return nil, boom
	}})

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Equal(t, []FailedCause{FailedFetch}, h.rec.failed)
	assert.ErrorIs(t, r.Err(), boom)
	assert.Contains(t, r.Err().Error(), "FETCH_FAILED")
}

func TestRequest_TransportPanicFails(t *testing.T) {
	h := newHarness(t, &fakeTransport{fn: func(context.Context, Attrs, Options, ProgressHook) (*Result, error) {
		panic("transport bug")
	}})

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Equal(t, []FailedCause{FailedFetch}, h.rec.failed)
	assert.Contains(t, r.Err().Error(), "transport bug")
}

func TestRequest_CacheErrorTreatedAsMiss(t *testing.T) {
	h := newHarness(t, payloadTransport([]byte("net")))
	h.caps.Cache = failingLookup{}
	m := newFakeMetrics()
	h.caps.Metrics = m

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.EqualValues(t, 1, h.tr.calls.Load())
	require.Len(t, h.rec.completed, 1)
	assert.Equal(t, 1, m.misses)
}

func TestRequest_NilCacheMisses(t *testing.T) {
	h := newHarness(t, nil)
	h.caps.Cache = nil

	r := h.newRequest(t, "K", Options{CacheInDisk: true, Level: LevelLocal})
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Equal(t, []CancelCause{CancelLevelRestricted}, h.rec.canceled)
}

// ============================================================================
// Submission
// ============================================================================

func TestRequest_SubmitTwice(t *testing.T) {
	h := newHarness(t, nil)
	r := h.newRequest(t, "K", DefaultOptions())

	require.NoError(t, r.Submit())
	assert.ErrorIs(t, r.Submit(), ErrAlreadySubmitted)
	h.d.drain()

	assert.EqualValues(t, 1, h.tr.calls.Load())
	assert.Equal(t, 1, h.rec.terminals())
}

func TestRequest_CancelBeforeSubmit(t *testing.T) {
	h := newHarness(t, nil)
	r := h.newRequest(t, "K", DefaultOptions())

	assert.True(t, r.Cancel(CancelUserCanceled))
	assert.ErrorIs(t, r.Submit(), ErrCanceled)
	h.d.drain()

	assert.Zero(t, h.tr.calls.Load())
	assert.Zero(t, h.rec.terminals(), "no callback without submit")
	assert.Equal(t, StatusCanceled, r.Status())
	select {
	case <-r.Done():
	default:
		t.Error("Done() not closed after cancel")
	}
}

func TestRequest_CancelBeforeDispatchRuns(t *testing.T) {
	h := newHarness(t, nil)
	put(t, h.store, "K", "cached")
	r := h.newRequest(t, "K", DefaultOptions())

	require.NoError(t, r.Submit())
	assert.True(t, r.Cancel(CancelUserCanceled))
	h.d.drain()

	assert.Zero(t, h.tr.calls.Load())
	assert.Equal(t, []CancelCause{CancelUserCanceled}, h.rec.canceled)
	assert.Empty(t, h.rec.completed)
	assert.Empty(t, h.rec.failed)
	assert.Equal(t, 0, refs(t, h.store, "K"))
}

func TestRequest_CancelWhileDownloadQueued(t *testing.T) {
	h := newHarness(t, nil)
	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())

	// Run only the dispatch stage; download is now queued.
	h.d.pop(false)()
	assert.Equal(t, StatusWaitDownload, r.Status())

	r.Cancel(CancelUserCanceled)
	h.d.drain()

	assert.Zero(t, h.tr.calls.Load(), "canceled while queued: no transport call")
	assert.Equal(t, []CancelCause{CancelUserCanceled}, h.rec.canceled)
}

func TestRequest_CancelDuringTransport(t *testing.T) {
	h := newHarness(t, nil)
	put(t, h.store, "net", "x")

	var r *Request
	h.tr.fn = func(ctx context.Context, _ Attrs, _ Options, _ ProgressHook) (*Result, error) {
		r.Cancel(CancelUserCanceled)
		assert.Error(t, ctx.Err(), "transport context canceled with the request")
		e, err := h.store.Get(context.Background(), "net")
		require.NoError(t, err)
		return FromEntry(e, true), nil
	}
	r = h.newRequest(t, "K", Options{CacheInDisk: false})
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Equal(t, []CancelCause{CancelUserCanceled}, h.rec.canceled)
	assert.Empty(t, h.rec.completed)
	assert.Equal(t, 0, refs(t, h.store, "net"), "late result released")
}

func TestRequest_CancelAfterFetchBeforeDelivery(t *testing.T) {
	h := newHarness(t, nil)
	put(t, h.store, "net", "x")
	h.tr.fn = func(ctx context.Context, _ Attrs, _ Options, _ ProgressHook) (*Result, error) {
		e, err := h.store.Get(context.Background(), "net")
		require.NoError(t, err)
		return FromEntry(e, true), nil
	}

	r := h.newRequest(t, "K", Options{CacheInDisk: false})
	require.NoError(t, r.Submit())
	h.d.runWorkers()

	// Fetch returned and the completion is queued on the lane.
	_, lane := h.d.pending()
	require.Equal(t, 1, lane)
	assert.False(t, r.IsFinished())

	assert.True(t, r.Cancel(CancelUserCanceled))
	h.d.runLane()

	assert.Equal(t, []CancelCause{CancelUserCanceled}, h.rec.canceled)
	assert.Empty(t, h.rec.completed, "cancel observed before delivery wins")
	assert.Nil(t, r.Result())
	assert.Equal(t, 0, refs(t, h.store, "net"))
}

func TestRequest_CancelAfterFailureQueued(t *testing.T) {
	h := newHarness(t, &fakeTransport{fn: func(context.Context, Attrs, Options, ProgressHook) (*Result, error) {
		return nil, errors.New("nope")
	}})
	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.runWorkers()

	r.Cancel(CancelShutdown)
	h.d.runLane()

	assert.Empty(t, h.rec.failed)
	assert.Equal(t, []CancelCause{CancelShutdown}, h.rec.canceled)
}

func TestRequest_CancelIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())

	assert.True(t, r.Cancel(CancelUserCanceled))
	assert.False(t, r.Cancel(CancelShutdown))
	assert.False(t, r.Cancel(CancelUserCanceled))
	h.d.drain()

	assert.Equal(t, CancelUserCanceled, r.CancelCause())
	assert.Equal(t, []CancelCause{CancelUserCanceled}, h.rec.canceled)
}

func TestRequest_CancelAfterCompletion(t *testing.T) {
	h := newHarness(t, nil)
	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.False(t, r.Cancel(CancelUserCanceled))
	h.d.drain()

	assert.Len(t, h.rec.completed, 1)
	assert.Empty(t, h.rec.canceled)
	assert.Equal(t, StatusCompleted, r.Status())
}

func TestRequest_CancelNoneMeansUser(t *testing.T) {
	h := newHarness(t, nil)
	r := h.newRequest(t, "K", DefaultOptions())
	r.Cancel(CancelNone)
	assert.Equal(t, CancelUserCanceled, r.CancelCause())
}

func TestRequest_NoListener(t *testing.T) {
	h := newHarness(t, nil)
	r, err := New(context.Background(), NewAttrs("mem://K", "", ""), DefaultOptions(), h.caps, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.Submit())
	r.Cancel(CancelUserCanceled)
	h.d.drain()

	assert.Equal(t, StatusCanceled, r.Status())
	_, lane := h.d.pending()
	assert.Zero(t, lane)
}

func TestRequest_DispatchRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.d.accept = 0
	r := h.newRequest(t, "K", DefaultOptions())

	assert.ErrorIs(t, r.Submit(), ErrRejected)
	assert.Equal(t, StatusFailed, r.Status())
	h.d.drain()

	assert.Equal(t, []FailedCause{FailedDispatchRejected}, h.rec.failed)
	assert.ErrorIs(t, r.Err(), ErrRejected)
}

func TestRequest_DownloadRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.d.accept = 1 // dispatch only
	r := h.newRequest(t, "K", DefaultOptions())

	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Zero(t, h.tr.calls.Load())
	assert.Equal(t, []FailedCause{FailedDispatchRejected}, h.rec.failed)
}

func TestNew_RequiresCapabilities(t *testing.T) {
	_, err := New(context.Background(), NewAttrs("x", "", ""), DefaultOptions(), Capabilities{}, nil, nil)
	assert.Error(t, err)
}

// ============================================================================
// Lifecycle ordering
// ============================================================================

func TestRequest_StatusProgression(t *testing.T) {
	h := newHarness(t, nil)
	var seen []Status
	var r *Request
	h.tr.fn = func(context.Context, Attrs, Options, ProgressHook) (*Result, error) {
		seen = append(seen, r.Status())
		return FromPayload([]byte("x"), true), nil
	}
	h.caps.Processor = processorFunc(func(_ context.Context, _ Attrs, in *Result) (*Result, error) {
		seen = append(seen, r.Status())
		return in, nil
	})

	r = h.newRequest(t, "K", DefaultOptions())
	assert.Equal(t, StatusNew, r.Status())
	require.NoError(t, r.Submit())
	assert.Equal(t, StatusWaitDispatch, r.Status())

	h.d.pop(false)()
	assert.Equal(t, StatusWaitDownload, r.Status())
	h.d.pop(false)()
	assert.Equal(t, StatusWaitLoad, r.Status())
	h.d.pop(false)()
	assert.Equal(t, StatusLoading, r.Status(), "terminal commit waits for the lane")
	h.d.runLane()

	assert.Equal(t, []Status{StatusDownloading, StatusLoading}, seen)
	assert.Equal(t, []Status{StatusCompleted}, h.rec.statuses, "listener observes the final status")
}

func TestRequest_DoneAndWait(t *testing.T) {
	h := newHarness(t, nil)
	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)

	h.d.drain()
	assert.NoError(t, r.Wait(context.Background()))
	assert.False(t, r.FinishedAt().IsZero())

	info := r.Snapshot()
	assert.Equal(t, StatusCompleted, info.Status)
	assert.True(t, info.FromNetwork)
	assert.EqualValues(t, len("payload"), info.Size)
	require.NotNil(t, info.FinishedAt)
}

// ============================================================================
// Progress
// ============================================================================

func TestRequest_ProgressClamped(t *testing.T) {
	h := newHarness(t, &fakeTransport{fn: func(_ context.Context, _ Attrs, _ Options, progress ProgressHook) (*Result, error) {
		progress(100, 10)
		progress(100, 150)
		progress(100, -5)
		progress(0, 4096) // unknown total
		return FromPayload(make([]byte, 100), true), nil
	}})

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Equal(t, [][2]int64{{100, 10}, {100, 100}, {100, 0}, {0, 4096}}, h.rec.progress)
	for _, p := range h.rec.progress {
		if p[0] > 0 {
			assert.GreaterOrEqual(t, p[1], int64(0))
			assert.LessOrEqual(t, p[1], p[0])
		}
	}
	require.Len(t, h.rec.completed, 1)
}

func TestRequest_ProgressBeforeTerminal(t *testing.T) {
	h := newHarness(t, &fakeTransport{fn: func(_ context.Context, _ Attrs, _ Options, progress ProgressHook) (*Result, error) {
		progress(2, 1)
		progress(2, 2)
		return FromPayload([]byte("ab"), true), nil
	}})

	var order []string
	var mu sync.Mutex
	rec := ListenerFuncs{Completed: func(*Result) {
		mu.Lock()
		order = append(order, "completed")
		mu.Unlock()
	}}
	prog := ProgressFunc(func(_, c int64) {
		mu.Lock()
		order = append(order, "progress")
		mu.Unlock()
	})

	r, err := New(context.Background(), NewAttrs("mem://K", "", ""), DefaultOptions(), h.caps, rec, prog)
	require.NoError(t, err)
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Equal(t, []string{"progress", "progress", "completed"}, order)
}

func TestRequest_StaleProgressDropped(t *testing.T) {
	m := newFakeMetrics()
	h := newHarness(t, &fakeTransport{fn: func(_ context.Context, _ Attrs, _ Options, progress ProgressHook) (*Result, error) {
		progress(10, 5)
		return FromPayload([]byte("0123456789"), true), nil
	}})
	h.caps.Metrics = m

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.runWorkers()

	// Progress and completion are queued; a cancel lands before either runs.
	r.Cancel(CancelUserCanceled)
	h.d.runLane()

	assert.Empty(t, h.rec.progress)
	assert.Empty(t, h.rec.completed)
	assert.Equal(t, []CancelCause{CancelUserCanceled}, h.rec.canceled)
	assert.Equal(t, 1, m.dropped)

	total, completed := r.Progress()
	assert.EqualValues(t, 10, total)
	assert.EqualValues(t, 5, completed)
}

// ============================================================================
// Load stage
// ============================================================================

type processorFunc func(ctx context.Context, attrs Attrs, in *Result) (*Result, error)

func (f processorFunc) Process(ctx context.Context, attrs Attrs, in *Result) (*Result, error) {
	return f(ctx, attrs, in)
}

func TestRequest_LoadTransformsResult(t *testing.T) {
	h := newHarness(t, nil)
	put(t, h.store, "K", "raw")
	h.caps.Processor = processorFunc(func(_ context.Context, _ Attrs, in *Result) (*Result, error) {
		rc, err := in.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		b, _ := io.ReadAll(rc)
		return FromPayload([]byte("decoded:"+string(b)), in.FromNetwork()), nil
	})

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	require.Len(t, h.rec.completed, 1)
	assert.Equal(t, "decoded:raw", string(h.rec.completed[0].Payload()))
	assert.Equal(t, 0, refs(t, h.store, "K"), "replaced input entry released")
}

func TestRequest_LoadErrorFailsDecode(t *testing.T) {
	h := newHarness(t, nil)
	put(t, h.store, "K", "garbage")
	h.caps.Processor = processorFunc(func(context.Context, Attrs, *Result) (*Result, error) {
		return nil, errors.New("bad magic")
	})

	r := h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Equal(t, []FailedCause{FailedDecode}, h.rec.failed)
	assert.Equal(t, FailedDecode, r.FailedCause())
	assert.Equal(t, 0, refs(t, h.store, "K"))
}

func TestRequest_CancelDuringLoad(t *testing.T) {
	h := newHarness(t, nil)
	put(t, h.store, "K", "raw")
	var r *Request
	h.caps.Processor = processorFunc(func(_ context.Context, _ Attrs, in *Result) (*Result, error) {
		r.Cancel(CancelUserCanceled)
		return in, nil
	})

	r = h.newRequest(t, "K", DefaultOptions())
	require.NoError(t, r.Submit())
	h.d.drain()

	assert.Equal(t, []CancelCause{CancelUserCanceled}, h.rec.canceled)
	assert.Empty(t, h.rec.completed)
	assert.Equal(t, 0, refs(t, h.store, "K"))
}

// ============================================================================
// Metrics
// ============================================================================

func TestRequest_Metrics(t *testing.T) {
	m := newFakeMetrics()
	h := newHarness(t, nil)
	h.caps.Metrics = m
	put(t, h.store, "hit", "x")

	hit := h.newRequest(t, "hit", DefaultOptions())
	require.NoError(t, hit.Submit())
	miss := h.newRequest(t, "miss", DefaultOptions())
	require.NoError(t, miss.Submit())
	local := h.newRequest(t, "local", Options{CacheInDisk: true, Level: LevelLocal})
	require.NoError(t, local.Submit())
	h.d.drain()

	assert.Equal(t, 1, m.hits)
	assert.Equal(t, 2, m.misses)
	assert.Equal(t, 3, m.stages[StageDispatch])
	assert.Equal(t, 1, m.stages[StageDownload])
	assert.Equal(t, 2, m.outcomes["COMPLETED/"])
	assert.Equal(t, 1, m.outcomes["CANCELED/LEVEL_RESTRICTED"])
}

// ============================================================================
// Concurrency
// ============================================================================

// laneDispatcher runs stages on goroutines and deliveries on one goroutine,
// close to the production dispatcher.
type laneDispatcher struct {
	lane      chan func()
	delivered sync.WaitGroup
	workers   sync.WaitGroup
}

func newLaneDispatcher() *laneDispatcher {
	d := &laneDispatcher{lane: make(chan func(), 4096)}
	go func() {
		for fn := range d.lane {
			fn()
			d.delivered.Done()
		}
	}()
	return d
}

func (d *laneDispatcher) RunOnWorker(fn func()) bool {
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		fn()
	}()
	return true
}

func (d *laneDispatcher) RunOnDeliveryLane(fn func()) {
	d.delivered.Add(1)
	d.lane <- fn
}

// quiesce waits for every stage and then every delivery.
func (d *laneDispatcher) quiesce() {
	d.workers.Wait()
	d.delivered.Wait()
	close(d.lane)
}

func TestRequest_ConcurrentCancelExactlyOneTerminal(t *testing.T) {
	const n = 200

	d := newLaneDispatcher()
	store := memory.New(0, nil)
	defer store.Close()
	put(t, store, "shared", "x")

	tr := &fakeTransport{fn: func(_ context.Context, _ Attrs, _ Options, progress ProgressHook) (*Result, error) {
		progress(3, 1)
		time.Sleep(time.Millisecond)
		progress(3, 3)
		return FromPayload([]byte("abc"), true), nil
	}}
	caps := Capabilities{Cache: store, Transport: tr, Dispatcher: d, Logger: logger.Discard()}

	recs := make([]*recorder, n)
	reqs := make([]*Request, n)
	for i := range reqs {
		key := "miss"
		if i%4 == 0 {
			key = "shared"
		}
		recs[i] = &recorder{}
		r, err := New(context.Background(), NewAttrs("mem://"+key, "", key), DefaultOptions(), caps, recs[i], recs[i])
		require.NoError(t, err)
		reqs[i] = r
	}

	var wg sync.WaitGroup
	for i, r := range reqs {
		require.NoError(t, r.Submit())
		if i%2 == 1 {
			wg.Add(1)
			go func(r *Request) {
				defer wg.Done()
				r.Cancel(CancelUserCanceled)
			}(r)
		}
	}
	wg.Wait()

	for _, r := range reqs {
		select {
		case <-r.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("request %s never finished (status %s)", r.ID(), r.Status())
		}
	}
	d.quiesce()

	for i, rec := range recs {
		if got := rec.terminals(); got != 1 {
			t.Errorf("request %d: %d terminal callbacks, want 1", i, got)
		}
		rec.mu.Lock()
		for _, p := range rec.progress {
			if p[1] > p[0] {
				t.Errorf("request %d: progress %v exceeds total", i, p)
			}
		}
		rec.mu.Unlock()
	}
	// Cache-hit results still held by completed requests.
	for i, r := range reqs {
		if res := r.Result(); res != nil && i%4 == 0 {
			require.NoError(t, res.Release())
		}
	}
	assert.Equal(t, 0, refs(t, store, "shared"))
}
