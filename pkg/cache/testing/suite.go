// Package testing provides a conformance suite every cache.Store backend
// must pass.
package testing

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/marmos91/fetchflow/pkg/cache"
)

// CacheTestSuite runs the shared store behaviour tests.
type CacheTestSuite struct {
	// NewStore returns a fresh, empty store. The suite closes it.
	NewStore func(t *testing.T) cache.Store

	// NewBoundedStore returns a fresh store capped at maxSize bytes.
	// Optional; capacity tests are skipped when nil.
	NewBoundedStore func(t *testing.T, maxSize int64) cache.Store
}

// Run executes all conformance tests.
func (suite *CacheTestSuite) Run(t *testing.T) {
	t.Run("Lookup", suite.RunLookupTests)
	t.Run("Write", suite.RunWriteTests)
	t.Run("Handles", suite.RunHandleTests)
	t.Run("Management", suite.RunManagementTests)
	if suite.NewBoundedStore != nil {
		t.Run("Capacity", suite.RunCapacityTests)
	}
}

func (suite *CacheTestSuite) open(t *testing.T) cache.Store {
	t.Helper()
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Put writes data under key and releases the returned handle.
func Put(t *testing.T, s cache.Store, key string, data []byte) {
	t.Helper()
	w, err := s.Create(context.Background(), key)
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", key, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write(%q) failed: %v", key, err)
	}
	e, err := w.Commit()
	if err != nil {
		t.Fatalf("Commit(%q) failed: %v", key, err)
	}
	_ = e.Release()
}

// ReadAll reads the full content behind an entry.
func ReadAll(t *testing.T, e cache.Entry) []byte {
	t.Helper()
	rc, err := e.Open()
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	return data
}

// RunLookupTests covers Get hits and misses.
func (suite *CacheTestSuite) RunLookupTests(t *testing.T) {
	ctx := context.Background()

	t.Run("MissReturnsErrNotFound", func(t *testing.T) {
		s := suite.open(t)
		_, err := s.Get(ctx, "absent")
		if !errors.Is(err, cache.ErrNotFound) {
			t.Fatalf("Get() error = %v, want ErrNotFound", err)
		}
		if !cache.IsMiss(err) {
			t.Error("IsMiss() = false for ErrNotFound")
		}
	})

	t.Run("HitReturnsContent", func(t *testing.T) {
		s := suite.open(t)
		Put(t, s, "k", []byte("payload"))

		e, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		defer func() { _ = e.Release() }()

		if e.Key() != "k" {
			t.Errorf("Key() = %q, want %q", e.Key(), "k")
		}
		if e.Size() != 7 {
			t.Errorf("Size() = %d, want 7", e.Size())
		}
		if e.StoredAt().IsZero() {
			t.Error("StoredAt() is zero")
		}
		if got := string(ReadAll(t, e)); got != "payload" {
			t.Errorf("content = %q, want %q", got, "payload")
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		s := suite.open(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := s.Get(cctx, "k"); !errors.Is(err, context.Canceled) {
			t.Errorf("Get() error = %v, want context.Canceled", err)
		}
	})

	t.Run("ClosedStore", func(t *testing.T) {
		s := suite.NewStore(t)
		_ = s.Close()
		if _, err := s.Get(ctx, "k"); !errors.Is(err, cache.ErrStoreClosed) {
			t.Errorf("Get() error = %v, want ErrStoreClosed", err)
		}
	})
}

// RunWriteTests covers writer semantics.
func (suite *CacheTestSuite) RunWriteTests(t *testing.T) {
	ctx := context.Background()

	t.Run("NotVisibleBeforeCommit", func(t *testing.T) {
		s := suite.open(t)
		w, err := s.Create(ctx, "pending")
		if err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
		_, _ = w.Write([]byte("half"))

		if _, err := s.Get(ctx, "pending"); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("Get() before commit error = %v, want ErrNotFound", err)
		}
		_ = w.Discard()
	})

	t.Run("DiscardLeavesNothing", func(t *testing.T) {
		s := suite.open(t)
		w, _ := s.Create(ctx, "gone")
		_, _ = w.Write([]byte("data"))
		if err := w.Discard(); err != nil {
			t.Fatalf("Discard() failed: %v", err)
		}
		if _, err := s.Get(ctx, "gone"); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("Get() after discard error = %v, want ErrNotFound", err)
		}
		if _, err := w.Commit(); !errors.Is(err, cache.ErrWriterDone) {
			t.Errorf("Commit() after discard error = %v, want ErrWriterDone", err)
		}
	})

	t.Run("CommitReturnsHeldEntry", func(t *testing.T) {
		s := suite.open(t)
		w, _ := s.Create(ctx, "k")
		_, _ = w.Write([]byte("abc"))
		e, err := w.Commit()
		if err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
		if err := s.Remove(ctx, "k"); !errors.Is(err, cache.ErrEntryInUse) {
			t.Errorf("Remove() while held error = %v, want ErrEntryInUse", err)
		}
		_ = e.Release()
		if err := w.Discard(); err != nil {
			t.Errorf("Discard() after commit = %v, want nil", err)
		}
		if _, err := w.Write([]byte("x")); !errors.Is(err, cache.ErrWriterDone) {
			t.Errorf("Write() after commit error = %v, want ErrWriterDone", err)
		}
	})

	t.Run("ReplaceKeepsHeldContent", func(t *testing.T) {
		s := suite.open(t)
		Put(t, s, "k", []byte("first"))

		held, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		rc, err := held.Open()
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}

		Put(t, s, "k", []byte("second"))

		old, _ := io.ReadAll(rc)
		_ = rc.Close()
		_ = held.Release()
		if string(old) != "first" {
			t.Errorf("held content = %q, want %q", old, "first")
		}

		cur, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() after replace failed: %v", err)
		}
		defer func() { _ = cur.Release() }()
		if got := string(ReadAll(t, cur)); got != "second" {
			t.Errorf("current content = %q, want %q", got, "second")
		}
		if st := s.Stats(); st.Entries != 1 || st.Size != 6 {
			t.Errorf("Stats() = %+v, want 1 entry of 6 bytes", st)
		}
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		s := suite.open(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				w, err := s.Create(ctx, "shared")
				if err != nil {
					t.Errorf("Create() failed: %v", err)
					return
				}
				_, _ = w.Write([]byte{byte('a' + n)})
				e, err := w.Commit()
				if err != nil {
					t.Errorf("Commit() failed: %v", err)
					return
				}
				_ = e.Release()
			}(i)
		}
		wg.Wait()

		if st := s.Stats(); st.Entries != 1 || st.Size != 1 {
			t.Errorf("Stats() = %+v, want 1 entry of 1 byte", st)
		}
	})
}

// RunHandleTests covers reference counting.
func (suite *CacheTestSuite) RunHandleTests(t *testing.T) {
	ctx := context.Background()

	t.Run("ReleaseIsIdempotent", func(t *testing.T) {
		s := suite.open(t)
		Put(t, s, "k", []byte("v"))

		a, _ := s.Get(ctx, "k")
		b, _ := s.Get(ctx, "k")

		_ = a.Release()
		_ = a.Release()
		if err := s.Remove(ctx, "k"); !errors.Is(err, cache.ErrEntryInUse) {
			t.Errorf("Remove() with one handle left error = %v, want ErrEntryInUse", err)
		}

		_ = b.Release()
		if err := s.Remove(ctx, "k"); err != nil {
			t.Errorf("Remove() after all releases failed: %v", err)
		}
	})

	t.Run("OpenAfterRelease", func(t *testing.T) {
		s := suite.open(t)
		Put(t, s, "k", []byte("v"))
		e, _ := s.Get(ctx, "k")
		_ = e.Release()
		if _, err := e.Open(); !errors.Is(err, cache.ErrReleased) {
			t.Errorf("Open() after release error = %v, want ErrReleased", err)
		}
	})
}

// RunManagementTests covers List, Remove and Stats.
func (suite *CacheTestSuite) RunManagementTests(t *testing.T) {
	ctx := context.Background()

	t.Run("ListSortedByKey", func(t *testing.T) {
		s := suite.open(t)
		Put(t, s, "b", []byte("22"))
		Put(t, s, "a", []byte("1"))
		Put(t, s, "c", []byte("333"))

		infos, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		if len(infos) != 3 {
			t.Fatalf("List() returned %d entries, want 3", len(infos))
		}
		for i, want := range []string{"a", "b", "c"} {
			if infos[i].Key != want {
				t.Errorf("infos[%d].Key = %q, want %q", i, infos[i].Key, want)
			}
			if infos[i].Size != int64(i+1) {
				t.Errorf("infos[%d].Size = %d, want %d", i, infos[i].Size, i+1)
			}
		}
	})

	t.Run("ListReportsRefs", func(t *testing.T) {
		s := suite.open(t)
		Put(t, s, "k", []byte("v"))
		e, _ := s.Get(ctx, "k")
		defer func() { _ = e.Release() }()

		infos, _ := s.List(ctx)
		if len(infos) != 1 || infos[0].Refs != 1 {
			t.Errorf("List() = %+v, want one entry with 1 ref", infos)
		}
	})

	t.Run("RemoveMissing", func(t *testing.T) {
		s := suite.open(t)
		if err := s.Remove(ctx, "nope"); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("Remove() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("StatsTrackRemovals", func(t *testing.T) {
		s := suite.open(t)
		Put(t, s, "a", []byte("1234"))
		Put(t, s, "b", []byte("56"))
		if st := s.Stats(); st.Entries != 2 || st.Size != 6 {
			t.Fatalf("Stats() = %+v, want 2 entries of 6 bytes", st)
		}
		if err := s.Remove(ctx, "a"); err != nil {
			t.Fatalf("Remove() failed: %v", err)
		}
		if st := s.Stats(); st.Entries != 1 || st.Size != 2 {
			t.Errorf("Stats() = %+v, want 1 entry of 2 bytes", st)
		}
	})
}

// RunCapacityTests covers MaxSize enforcement.
func (suite *CacheTestSuite) RunCapacityTests(t *testing.T) {
	ctx := context.Background()

	t.Run("CommitPastCapacityFails", func(t *testing.T) {
		s := suite.NewBoundedStore(t, 8)
		t.Cleanup(func() { _ = s.Close() })

		Put(t, s, "a", []byte("12345"))

		w, _ := s.Create(ctx, "b")
		_, _ = w.Write([]byte("6789"))
		if _, err := w.Commit(); !errors.Is(err, cache.ErrCacheFull) {
			t.Errorf("Commit() error = %v, want ErrCacheFull", err)
		}
		if _, err := s.Get(ctx, "b"); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("Get() of rejected entry error = %v, want ErrNotFound", err)
		}
		if st := s.Stats(); st.MaxSize != 8 || st.Size != 5 {
			t.Errorf("Stats() = %+v, want size 5 of 8", st)
		}
	})

	t.Run("ReplaceCountsNetGrowth", func(t *testing.T) {
		s := suite.NewBoundedStore(t, 8)
		t.Cleanup(func() { _ = s.Close() })

		Put(t, s, "a", []byte("12345678"))
		Put(t, s, "a", []byte("87654321"))
		if st := s.Stats(); st.Size != 8 {
			t.Errorf("Stats().Size = %d, want 8", st.Size)
		}
	})
}
