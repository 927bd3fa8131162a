// Package memory implements an in-process cache.Store. Artifacts live in
// byte slices and vanish with the process; it backs tests, one-shot CLI runs
// and deployments that only need request-level dedupe.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/fetchflow/pkg/cache"
)

// Store is a map-backed cache.Store.
type Store struct {
	mu      sync.RWMutex
	blobs   map[string]*blob
	size    int64
	maxSize int64
	closed  bool

	refs    *cache.RefCounter // keyed by cache key
	metrics cache.CacheMetrics
}

type blob struct {
	key      string
	data     []byte
	storedAt time.Time
}

// New creates a memory store. maxSize <= 0 means unlimited.
func New(maxSize int64, metrics cache.CacheMetrics) *Store {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Store{
		blobs:   make(map[string]*blob),
		maxSize: maxSize,
		refs:    cache.NewRefCounter(),
		metrics: metrics,
	}
}

// Get returns a held handle on key.
func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, cache.ErrStoreClosed
	}
	b, ok := s.blobs[key]
	cache.ObserveLookup(s.metrics, ok, start)
	if !ok {
		return nil, cache.ErrNotFound
	}
	return s.acquire(b), nil
}

func (s *Store) acquire(b *blob) cache.Entry {
	s.refs.Acquire(b.key)
	return &entry{store: s, blob: b}
}

// Create opens a writer for key.
func (s *Store) Create(ctx context.Context, key string) (cache.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, cache.ErrStoreClosed
	}
	return &writer{store: s, key: key, started: time.Now()}, nil
}

func (s *Store) commit(key string, data []byte, started time.Time) (cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, cache.ErrStoreClosed
	}

	newSize := s.size + int64(len(data))
	old, replacing := s.blobs[key]
	if replacing {
		newSize -= int64(len(old.data))
	}
	if s.maxSize > 0 && newSize > s.maxSize {
		return nil, cache.ErrCacheFull
	}

	b := &blob{key: key, data: data, storedAt: time.Now()}
	s.blobs[key] = b
	s.size = newSize

	cache.ObserveCommit(s.metrics, int64(len(data)), started)
	cache.RecordOccupancy(s.metrics, s.statsLocked())
	return s.acquire(b), nil
}

// Remove deletes key unless handles to it are held.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrStoreClosed
	}
	b, ok := s.blobs[key]
	if !ok {
		return cache.ErrNotFound
	}
	if s.refs.Count(key) > 0 {
		return cache.ErrEntryInUse
	}
	delete(s.blobs, key)
	s.size -= int64(len(b.data))
	cache.RecordOccupancy(s.metrics, s.statsLocked())
	return nil
}

// List returns all entries ordered by key.
func (s *Store) List(ctx context.Context) ([]cache.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, cache.ErrStoreClosed
	}
	infos := make([]cache.Info, 0, len(s.blobs))
	for _, b := range s.blobs {
		infos = append(infos, cache.Info{
			Key:      b.key,
			Size:     int64(len(b.data)),
			StoredAt: b.storedAt,
			Refs:     s.refs.Count(b.key),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Stats returns current occupancy.
func (s *Store) Stats() cache.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() cache.Stats {
	return cache.Stats{Entries: len(s.blobs), Size: s.size, MaxSize: s.maxSize}
}

// Close drops all entries. Held handles stay readable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.blobs = make(map[string]*blob)
	s.size = 0
	return nil
}

type entry struct {
	store    *Store
	blob     *blob
	released atomic.Bool
}

func (e *entry) Key() string         { return e.blob.key }
func (e *entry) Size() int64         { return int64(len(e.blob.data)) }
func (e *entry) StoredAt() time.Time { return e.blob.storedAt }
func (e *entry) Path() string        { return "" }

func (e *entry) Open() (io.ReadCloser, error) {
	if e.released.Load() {
		return nil, cache.ErrReleased
	}
	return io.NopCloser(bytes.NewReader(e.blob.data)), nil
}

func (e *entry) Release() error {
	if e.released.CompareAndSwap(false, true) {
		e.store.refs.Release(e.blob.key)
	}
	return nil
}

func (e *entry) String() string {
	return "memory:" + e.blob.key + "(" + strconv.Itoa(len(e.blob.data)) + "B)"
}

type writer struct {
	store   *Store
	key     string
	buf     bytes.Buffer
	started time.Time
	done    bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, cache.ErrWriterDone
	}
	return w.buf.Write(p)
}

func (w *writer) Commit() (cache.Entry, error) {
	if w.done {
		return nil, cache.ErrWriterDone
	}
	w.done = true
	data := bytes.Clone(w.buf.Bytes())
	w.buf.Reset()
	return w.store.commit(w.key, data, w.started)
}

func (w *writer) Discard() error {
	w.done = true
	w.buf.Reset()
	return nil
}

var _ cache.Store = (*Store)(nil)
