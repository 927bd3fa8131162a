package transport

import (
	"bytes"
	"context"
	"fmt"

	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/request"
)

// Sink is where a transfer lands: a cache writer when the request allows
// writing to the cache and a store is configured, otherwise memory.
type Sink struct {
	w    cache.Writer
	buf  *bytes.Buffer
	n    int64
	done bool
}

// NewSink opens a sink for attrs. store may be nil.
func NewSink(ctx context.Context, store cache.Store, attrs request.Attrs, opts request.Options) (*Sink, error) {
	if store == nil || !opts.CacheInDisk {
		return &Sink{buf: new(bytes.Buffer)}, nil
	}
	w, err := store.Create(ctx, attrs.CacheKey)
	if err != nil {
		return nil, fmt.Errorf("open cache writer: %w", err)
	}
	return &Sink{w: w}, nil
}

// Cached reports whether the sink writes into the cache.
func (s *Sink) Cached() bool { return s.w != nil }

// Written returns the number of bytes written so far.
func (s *Sink) Written() int64 { return s.n }

func (s *Sink) Write(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	if s.w != nil {
		n, err = s.w.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}
	s.n += int64(n)
	return n, err
}

// Commit turns the written bytes into a network-origin result.
func (s *Sink) Commit() (*request.Result, error) {
	s.done = true
	if s.w == nil {
		// A zero-byte source is a valid payload, not an empty result.
		payload := s.buf.Bytes()
		if payload == nil {
			payload = []byte{}
		}
		return request.FromPayload(payload, true), nil
	}
	entry, err := s.w.Commit()
	if err != nil {
		return nil, fmt.Errorf("commit cache entry: %w", err)
	}
	return request.FromEntry(entry, true), nil
}

// Discard abandons the transfer. Safe after Commit.
func (s *Sink) Discard() error {
	if s.w == nil {
		if !s.done {
			s.buf.Reset()
		}
		return nil
	}
	return s.w.Discard()
}
