package fetcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/cache/disk"
	"github.com/marmos91/fetchflow/pkg/cache/memory"
	"github.com/marmos91/fetchflow/pkg/request"
	"github.com/marmos91/fetchflow/pkg/transport/file"
)

const waitFor = 5 * time.Second

// transportFunc adapts a function to request.Transport.
type transportFunc func(ctx context.Context, attrs request.Attrs, opts request.Options, progress request.ProgressHook) (*request.Result, error)

func (f transportFunc) Fetch(ctx context.Context, attrs request.Attrs, opts request.Options, progress request.ProgressHook) (*request.Result, error) {
	return f(ctx, attrs, opts, progress)
}

func payload(calls *atomic.Int32, data string) request.Transport {
	return transportFunc(func(context.Context, request.Attrs, request.Options, request.ProgressHook) (*request.Result, error) {
		calls.Add(1)
		return request.FromPayload([]byte(data), true), nil
	})
}

// blocking waits for the request context, as a stalled network would.
func blocking() request.Transport {
	return transportFunc(func(ctx context.Context, _ request.Attrs, _ request.Options, _ request.ProgressHook) (*request.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

type outcome struct {
	completed *request.Result
	canceled  request.CancelCause
	failed    request.FailedCause
}

func listen() (request.Listener, <-chan outcome) {
	ch := make(chan outcome, 1)
	return request.ListenerFuncs{
		Completed: func(res *request.Result) { ch <- outcome{completed: res} },
		Canceled:  func(c request.CancelCause) { ch <- outcome{canceled: c} },
		Failed:    func(c request.FailedCause) { ch <- outcome{failed: c} },
	}, ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for terminal callback")
		return outcome{}
	}
}

func newFetcher(t *testing.T, store cache.Store, tr request.Transport, opts ...Option) *Fetcher {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dispatcher.Workers = 2
	f, err := New(cfg, store, tr, append([]Option{WithLogger(logger.Discard())}, opts...)...)
	require.NoError(t, err)
	f.Start(context.Background())
	t.Cleanup(func() { f.Stop(waitFor) })
	return f
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

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err, "transport is required")

	cfg := DefaultConfig()
	cfg.Level = "satellite"
	_, err = New(cfg, nil, blocking())
	assert.Error(t, err)
}

func TestDownload_FromNetwork(t *testing.T) {
	var calls atomic.Int32
	f := newFetcher(t, nil, payload(&calls, "remote"))

	l, ch := listen()
	r, err := f.Download(context.Background(), "https://example.com/a", DownloadSpec{Name: "a", Listener: l})
	require.NoError(t, err)

	o := await(t, ch)
	require.NotNil(t, o.completed)
	assert.Equal(t, []byte("remote"), o.completed.Payload())
	assert.True(t, o.completed.FromNetwork())
	assert.EqualValues(t, 1, calls.Load())

	got, err := f.Get(r.ID())
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.Equal(t, "a", got.Attrs().Name)
	assert.Equal(t, "https://example.com/a", got.Attrs().CacheKey)
}

func TestDownload_CacheHit(t *testing.T) {
	store := memory.New(0, nil)
	defer store.Close()
	put(t, store, "K", "cached")

	var calls atomic.Int32
	f := newFetcher(t, store, payload(&calls, "remote"))

	l, ch := listen()
	_, err := f.Download(context.Background(), "https://example.com/k", DownloadSpec{CacheKey: "K", Listener: l})
	require.NoError(t, err)

	o := await(t, ch)
	require.NotNil(t, o.completed)
	assert.False(t, o.completed.FromNetwork())
	assert.Zero(t, calls.Load())
}

func TestDownload_OptionsOverrideDefaults(t *testing.T) {
	store := memory.New(0, nil)
	defer store.Close()
	put(t, store, "K", "cached")

	var calls atomic.Int32
	f := newFetcher(t, store, payload(&calls, "remote"))

	l, ch := listen()
	_, err := f.Download(context.Background(), "https://example.com/k", DownloadSpec{
		CacheKey: "K",
		Options:  &request.Options{CacheInDisk: false, Level: request.LevelNetwork},
		Listener: l,
	})
	require.NoError(t, err)

	o := await(t, ch)
	require.NotNil(t, o.completed)
	assert.True(t, o.completed.FromNetwork(), "cache read disallowed")
	assert.EqualValues(t, 1, calls.Load())
}

func TestPauseDownload(t *testing.T) {
	store := memory.New(0, nil)
	defer store.Close()
	put(t, store, "cached", "bytes")

	var calls atomic.Int32
	f := newFetcher(t, store, payload(&calls, "remote"))

	assert.False(t, f.PauseDownload())
	f.SetPauseDownload(true)
	assert.True(t, f.PauseDownload())

	t.Run("miss cancels with pause cause", func(t *testing.T) {
		l, ch := listen()
		r, err := f.Download(context.Background(), "https://example.com/miss", DownloadSpec{Listener: l})
		require.NoError(t, err)

		o := await(t, ch)
		assert.Equal(t, request.CancelPauseDownload, o.canceled)
		assert.Equal(t, request.StatusCanceled, r.Status())
		assert.Zero(t, calls.Load())
	})

	t.Run("hit completes", func(t *testing.T) {
		l, ch := listen()
		_, err := f.Download(context.Background(), "https://example.com/hit", DownloadSpec{CacheKey: "cached", Listener: l})
		require.NoError(t, err)
		assert.NotNil(t, await(t, ch).completed)
	})

	t.Run("resume", func(t *testing.T) {
		f.SetPauseDownload(false)
		l, ch := listen()
		_, err := f.Download(context.Background(), "https://example.com/miss", DownloadSpec{Listener: l})
		require.NoError(t, err)
		assert.NotNil(t, await(t, ch).completed)
		assert.EqualValues(t, 1, calls.Load())
	})
}

func TestPolicyRunsBeforePause(t *testing.T) {
	var seen atomic.Bool
	policy := request.PolicyFunc(func(_ request.Attrs, opts request.Options) request.Options {
		seen.Store(true)
		opts.Level = request.LevelLocal
		return opts
	})
	f := newFetcher(t, nil, blocking(), WithPolicy(policy))

	l, ch := listen()
	_, err := f.Download(context.Background(), "https://example.com/x", DownloadSpec{Listener: l})
	require.NoError(t, err)

	assert.Equal(t, request.CancelLevelRestricted, await(t, ch).canceled)
	assert.True(t, seen.Load())
}

func TestCancel(t *testing.T) {
	f := newFetcher(t, nil, blocking())

	l, ch := listen()
	r, err := f.Download(context.Background(), "https://example.com/slow", DownloadSpec{Listener: l})
	require.NoError(t, err)

	ok, err := f.Cancel(r.ID(), request.CancelUserCanceled)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, request.CancelUserCanceled, await(t, ch).canceled)
	assert.ErrorIs(t, r.Err(), request.ErrCanceled)

	ok, err = f.Cancel(r.ID(), request.CancelUserCanceled)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel loses")

	_, err = f.Cancel("nope", request.CancelUserCanceled)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	var calls atomic.Int32
	f := newFetcher(t, nil, payload(&calls, "x"))

	var ids []string
	for _, uri := range []string{"https://a", "https://b", "https://c"} {
		r, err := f.Download(context.Background(), uri, DownloadSpec{})
		require.NoError(t, err)
		require.NoError(t, r.Wait(context.Background()))
		ids = append(ids, r.ID())
	}

	infos := f.List()
	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, ids[len(ids)-1-i], info.ID, "newest first")
		assert.Equal(t, request.StatusCompleted, info.Status)
	}

	st := f.Stats()
	assert.Equal(t, 3, st.Finished)
	assert.Zero(t, st.Live)
	assert.Equal(t, 2, st.Dispatcher.Workers)
}

func TestLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	f, err := New(cfg, nil, blocking(), WithLogger(logger.Discard()))
	require.NoError(t, err)

	_, err = f.Download(context.Background(), "https://x", DownloadSpec{})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.False(t, f.Running())

	f.Start(context.Background())
	assert.True(t, f.Running())

	_, err = f.Download(context.Background(), "", DownloadSpec{})
	assert.ErrorIs(t, err, ErrEmptyURI)

	l, ch := listen()
	r, err := f.Download(context.Background(), "https://x", DownloadSpec{Listener: l})
	require.NoError(t, err)

	assert.True(t, f.Stop(waitFor))
	assert.False(t, f.Running())
	assert.Equal(t, request.CancelShutdown, await(t, ch).canceled)
	assert.Equal(t, request.CancelShutdown, r.CancelCause())

	_, err = f.Download(context.Background(), "https://x", DownloadSpec{})
	assert.ErrorIs(t, err, ErrStopped)
	assert.True(t, f.Stop(waitFor), "Stop is idempotent")
}

func TestPrune(t *testing.T) {
	store := memory.New(0, nil)
	defer store.Close()
	put(t, store, "K", "cached")

	f := newFetcher(t, store, blocking())

	done, err := f.Download(context.Background(), "https://k", DownloadSpec{CacheKey: "K"})
	require.NoError(t, err)
	require.NoError(t, done.Wait(context.Background()))
	require.Equal(t, 1, refs(t, store, "K"), "retained result holds the entry")

	live, err := f.Download(context.Background(), "https://slow", DownloadSpec{Options: &request.Options{}})
	require.NoError(t, err)

	assert.Zero(t, f.Prune(time.Now()), "nothing older than retention")
	assert.Equal(t, 1, f.Prune(time.Now().Add(f.cfg.Retention+time.Second)))

	_, err = f.Get(done.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.Get(live.ID())
	assert.NoError(t, err, "live requests are never pruned")
	assert.Equal(t, 0, refs(t, store, "K"))
}

type fakeIndex struct{ ratio atomic.Value }

func (f *fakeIndex) RecordIndexHitRatio(r float64) { f.ratio.Store(r) }

func TestSampleIndex(t *testing.T) {
	store, err := disk.Open(disk.Config{Path: t.TempDir(), Logger: logger.Discard()})
	require.NoError(t, err)
	defer store.Close()

	idx := &fakeIndex{}
	f := newFetcher(t, store, blocking(), WithIndexObserver(idx))
	f.sampleIndex()

	ratio, ok := idx.ratio.Load().(float64)
	require.True(t, ok, "ratio recorded for a disk store")
	assert.GreaterOrEqual(t, ratio, 0.0)
	assert.LessOrEqual(t, ratio, 1.0)
}

func TestDownload_RejectedReturnsRequest(t *testing.T) {
	f, err := New(DefaultConfig(), nil, blocking(),
		WithLogger(logger.Discard()),
		WithDispatcher(refusing{}))
	require.NoError(t, err)
	f.Start(context.Background())
	defer f.Stop(waitFor)

	r, err := f.Download(context.Background(), "https://x", DownloadSpec{})
	assert.ErrorIs(t, err, request.ErrRejected)
	require.NotNil(t, r)
	assert.Equal(t, request.StatusFailed, r.Status())
	assert.Equal(t, request.FailedDispatchRejected, r.FailedCause())
	assert.ErrorIs(t, r.Err(), request.ErrRejected)
}

// refusing rejects all work and runs deliveries inline.
type refusing struct{}

func (refusing) RunOnWorker(func()) bool     { return false }
func (refusing) RunOnDeliveryLane(fn func()) { fn() }

func TestDownload_EmptySourceCompletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	f := newFetcher(t, memory.New(0, nil), file.New(file.Config{}, nil))
	listener, ch := listen()
	r, err := f.Download(context.Background(), path, DownloadSpec{
		Options:  &request.Options{CacheInDisk: false},
		Listener: listener,
	})
	require.NoError(t, err)

	o := await(t, ch)
	require.NotNil(t, o.completed, "zero-byte source must complete, got failed=%v canceled=%v", o.failed, o.canceled)
	assert.Zero(t, o.completed.Size())
	assert.Equal(t, request.StatusCompleted, r.Status())
}
