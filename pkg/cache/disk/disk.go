// Package disk implements a persistent cache.Store.
//
// Artifacts are stored as immutable blob files; a BadgerDB index maps each
// cache key to its current blob. Layout under the configured root:
//
//	<root>/index/   BadgerDB index
//	<root>/blobs/   committed artifacts, one file per commit
//	<root>/tmp/     in-flight writers, cleared on open
//
// Index Key Namespace:
//
//	Data Type   Prefix   Key Format     Value Type
//	================================================
//	Entry       "e:"     e:<cacheKey>   record (JSON)
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/cache"
)

const (
	prefixEntry = "e:"

	indexDir = "index"
	blobsDir = "blobs"
	tmpDir   = "tmp"
)

// Config configures a disk store.
type Config struct {
	// Path is the root directory. Created if missing.
	Path string

	// MaxSize caps the total committed bytes. 0 = unlimited.
	MaxSize int64

	// Metrics is optional.
	Metrics cache.CacheMetrics

	// Logger is optional; defaults to the process logger.
	Logger *slog.Logger
}

// record is the index value for one key.
type record struct {
	File     string    `json:"file"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// Store is a filesystem cache with a BadgerDB index.
type Store struct {
	root    string
	db      *badgerdb.DB
	maxSize int64
	metrics cache.CacheMetrics
	log     *slog.Logger

	// mu serializes index mutations so size accounting and doomed-blob
	// bookkeeping stay consistent with the index.
	mu      sync.Mutex
	size    int64
	entries int
	closed  bool

	refs   *cache.RefCounter // keyed by blob file name
	doomed map[string]bool   // replaced/removed blobs awaiting last release
}

// Open opens or creates a disk store at cfg.Path and rebuilds occupancy
// counters from the index.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("disk cache: path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Logger()
	}

	for _, dir := range []string{blobsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Path, dir), 0o755); err != nil {
			return nil, fmt.Errorf("disk cache: create %s dir: %w", dir, err)
		}
	}
	if err := clearDir(filepath.Join(cfg.Path, tmpDir)); err != nil {
		return nil, fmt.Errorf("disk cache: clear tmp: %w", err)
	}

	opts := badgerdb.DefaultOptions(filepath.Join(cfg.Path, indexDir)).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("disk cache: open index: %w", err)
	}

	s := &Store{
		root:    cfg.Path,
		db:      db,
		maxSize: cfg.MaxSize,
		metrics: cfg.Metrics,
		log:     log.With(logger.KeyComponent, "cache.disk"),
		refs:    cache.NewRefCounter(),
		doomed:  make(map[string]bool),
	}

	if err := s.scan(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug("disk cache opened",
		logger.KeyPath, cfg.Path,
		logger.KeyCacheSize, s.size,
		"entries", s.entries)
	cache.RecordOccupancy(s.metrics, s.Stats())
	return s, nil
}

func (s *Store) scan() error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEntry)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				s.size += rec.Size
				s.entries++
				return nil
			})
			if err != nil {
				return fmt.Errorf("disk cache: scan index: %w", err)
			}
		}
		return nil
	})
}

func keyEntry(key string) []byte {
	return []byte(prefixEntry + key)
}

func decodeRecord(val []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return rec, fmt.Errorf("decode index record: %w", err)
	}
	return rec, nil
}

func (s *Store) blobPath(file string) string {
	return filepath.Join(s.root, blobsDir, file)
}

// blobName derives a unique blob file name for key. The key hash keeps names
// filesystem-safe; the suffix keeps successive commits of one key distinct.
func blobName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16]) + "-" + uuid.NewString()[:8]
}

func (s *Store) lookup(key string) (record, error) {
	var rec record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyEntry(key))
		if err == badgerdb.ErrKeyNotFound {
			return cache.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeRecord(val)
			return err
		})
	})
	return rec, err
}

// Get returns a held handle on key. An index row whose blob has vanished is
// dropped and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, cache.ErrStoreClosed
	}

	rec, err := s.lookup(key)
	if errors.Is(err, cache.ErrNotFound) {
		cache.ObserveLookup(s.metrics, false, start)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("disk cache: get %q: %w", key, err)
	}

	if _, statErr := os.Stat(s.blobPath(rec.File)); statErr != nil {
		s.log.Warn("dropping stale index entry", logger.KeyCacheKey, key, logger.KeyError, statErr)
		if delErr := s.deleteIndex(key); delErr == nil {
			s.size -= rec.Size
			s.entries--
		}
		cache.ObserveLookup(s.metrics, false, start)
		return nil, cache.ErrNotFound
	}

	cache.ObserveLookup(s.metrics, true, start)
	return s.acquire(key, rec), nil
}

func (s *Store) acquire(key string, rec record) cache.Entry {
	s.refs.Acquire(rec.File)
	return &entry{store: s, key: key, rec: rec}
}

func (s *Store) deleteIndex(key string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyEntry(key))
	})
}

// Create opens a writer backed by a temp file.
func (s *Store) Create(ctx context.Context, key string) (cache.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, cache.ErrStoreClosed
	}

	f, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "w-*")
	if err != nil {
		return nil, fmt.Errorf("disk cache: create temp file: %w", err)
	}
	return &writer{store: s, key: key, f: f, started: time.Now()}, nil
}

func (s *Store) commit(key string, tmp string, size int64, started time.Time) (cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		_ = os.Remove(tmp)
		return nil, cache.ErrStoreClosed
	}

	old, err := s.lookup(key)
	replacing := err == nil
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("disk cache: commit %q: %w", key, err)
	}

	newSize := s.size + size
	if replacing {
		newSize -= old.Size
	}
	if s.maxSize > 0 && newSize > s.maxSize {
		_ = os.Remove(tmp)
		return nil, cache.ErrCacheFull
	}

	rec := record{File: blobName(key), Size: size, StoredAt: time.Now().UTC()}
	if err := os.Rename(tmp, s.blobPath(rec.File)); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("disk cache: publish blob: %w", err)
	}

	val, err := json.Marshal(rec)
	if err != nil {
		_ = os.Remove(s.blobPath(rec.File))
		return nil, err
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyEntry(key), val)
	})
	if err != nil {
		_ = os.Remove(s.blobPath(rec.File))
		return nil, fmt.Errorf("disk cache: index %q: %w", key, err)
	}

	s.size = newSize
	if replacing {
		s.reclaimLocked(old.File)
	} else {
		s.entries++
	}

	cache.ObserveCommit(s.metrics, size, started)
	cache.RecordOccupancy(s.metrics, s.statsLocked())
	return s.acquire(key, rec), nil
}

// reclaimLocked deletes a blob no longer referenced by the index, or defers
// the deletion until its last handle is released.
func (s *Store) reclaimLocked(file string) {
	if s.refs.Count(file) > 0 {
		s.doomed[file] = true
		return
	}
	if err := os.Remove(s.blobPath(file)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove blob", logger.KeyPath, file, logger.KeyError, err)
	}
}

func (s *Store) release(file string) {
	if s.refs.Release(file) > 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doomed[file] && s.refs.Count(file) == 0 {
		delete(s.doomed, file)
		_ = os.Remove(s.blobPath(file))
	}
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
	rec, err := s.lookup(key)
	if err != nil {
		return err
	}
	if s.refs.Count(rec.File) > 0 {
		return cache.ErrEntryInUse
	}
	if err := s.deleteIndex(key); err != nil {
		return fmt.Errorf("disk cache: remove %q: %w", key, err)
	}
	s.size -= rec.Size
	s.entries--
	s.reclaimLocked(rec.File)
	cache.RecordOccupancy(s.metrics, s.statsLocked())
	return nil
}

// List returns all entries ordered by key.
func (s *Store) List(ctx context.Context) ([]cache.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cache.ErrStoreClosed
	}

	var infos []cache.Info
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEntry)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefixEntry):])
			err := item.Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				infos = append(infos, cache.Info{
					Key:      key,
					Size:     rec.Size,
					StoredAt: rec.StoredAt,
					Path:     s.blobPath(rec.File),
					Refs:     s.refs.Count(rec.File),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk cache: list: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Stats returns current occupancy.
func (s *Store) Stats() cache.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() cache.Stats {
	return cache.Stats{Entries: s.entries, Size: s.size, MaxSize: s.maxSize}
}

// IndexCacheHitRatio reports the BadgerDB block cache hit ratio, or 0 when
// the block cache is disabled.
func (s *Store) IndexCacheHitRatio() float64 {
	m := s.db.BlockCacheMetrics()
	if m == nil {
		return 0
	}
	return m.Ratio()
}

// Close closes the index. Held handles keep their open blob files readable
// but cannot be reopened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

type entry struct {
	store    *Store
	key      string
	rec      record
	mu       sync.Mutex
	released bool
}

func (e *entry) Key() string         { return e.key }
func (e *entry) Size() int64         { return e.rec.Size }
func (e *entry) StoredAt() time.Time { return e.rec.StoredAt }
func (e *entry) Path() string        { return e.store.blobPath(e.rec.File) }

func (e *entry) Open() (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, cache.ErrReleased
	}
	return os.Open(e.Path())
}

func (e *entry) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.mu.Unlock()

	e.store.release(e.rec.File)
	return nil
}

type writer struct {
	store   *Store
	key     string
	f       *os.File
	n       int64
	started time.Time
	done    bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, cache.ErrWriterDone
	}
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *writer) Commit() (cache.Entry, error) {
	if w.done {
		return nil, cache.ErrWriterDone
	}
	w.done = true

	name := w.f.Name()
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(name)
		return nil, fmt.Errorf("disk cache: sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(name)
		return nil, fmt.Errorf("disk cache: close: %w", err)
	}
	return w.store.commit(w.key, name, w.n, w.started)
}

func (w *writer) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	name := w.f.Name()
	_ = w.f.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var _ cache.Store = (*Store)(nil)
