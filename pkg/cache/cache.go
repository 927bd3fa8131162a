// Package cache defines the persistent result cache consulted before a
// request goes to the network, and the store contract its backends share.
//
// An Entry is a handle on one cached artifact. Handles are reference counted:
// every Entry returned by Get or Commit must be released exactly once, and a
// store refuses to Remove an entry while handles to it are outstanding.
package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key has no cached entry.
	ErrNotFound = errors.New("cache entry not found")

	// ErrEntryInUse is returned by Remove while handles to the entry are held.
	ErrEntryInUse = errors.New("cache entry in use")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("cache store is closed")

	// ErrCacheFull is returned by Commit when the entry would push the store
	// past its configured capacity.
	ErrCacheFull = errors.New("cache full")

	// ErrWriterDone is returned when a writer is used after Commit or Discard.
	ErrWriterDone = errors.New("cache writer already committed or discarded")

	// ErrReleased is returned by Entry.Open after the handle was released.
	ErrReleased = errors.New("cache entry handle released")
)

// Entry is a held handle on a cached artifact.
type Entry interface {
	// Key returns the canonical cache key.
	Key() string

	// Size returns the artifact size in bytes.
	Size() int64

	// StoredAt returns when the artifact was committed.
	StoredAt() time.Time

	// Path returns the on-disk location, or "" for stores without one.
	Path() string

	// Open returns a reader over the artifact content. It may be called
	// repeatedly while the handle is held.
	Open() (io.ReadCloser, error)

	// Release drops the handle. Calling it more than once is a no-op.
	Release() error
}

// Lookup is the read side of a cache.
//
// Implementations must be safe to call from any goroutine. A miss is reported
// as ErrNotFound; any other error is a store failure.
type Lookup interface {
	Get(ctx context.Context, key string) (Entry, error)
}

// Writer streams an artifact into the cache. Nothing becomes visible to
// Lookup until Commit succeeds.
type Writer interface {
	io.Writer

	// Commit publishes the written bytes under the writer's key and returns a
	// held handle on the new entry. A previous entry under the same key is
	// replaced; handles already held on it stay readable until released.
	Commit() (Entry, error)

	// Discard abandons the write. Safe to call after Commit (no-op).
	Discard() error
}

// Info describes a stored entry without holding it.
type Info struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
	Path     string    `json:"path,omitempty"`
	Refs     int       `json:"refs"`
}

// Stats summarizes store occupancy.
type Stats struct {
	Entries int   `json:"entries"`
	Size    int64 `json:"size"`
	MaxSize int64 `json:"max_size"` // 0 = unlimited
}

// Store is a complete cache backend.
type Store interface {
	Lookup

	// Create opens a Writer for key.
	Create(ctx context.Context, key string) (Writer, error)

	// Remove deletes key. Returns ErrNotFound if absent and ErrEntryInUse if
	// handles are outstanding.
	Remove(ctx context.Context, key string) error

	// List returns all entries ordered by key.
	List(ctx context.Context) ([]Info, error)

	// Stats returns current occupancy.
	Stats() Stats

	// Close releases store resources. Outstanding handles remain readable
	// where the backend allows it.
	Close() error
}

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotFound)
}
