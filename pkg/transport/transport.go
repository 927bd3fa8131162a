// Package transport moves bytes from a source into a request result.
//
// Scheme-specific transports (http, s3, file) live in subpackages and share
// the streaming path defined here: a Sink that writes either into the cache
// or into memory, and Copy, which throttles the transfer and reports
// coalesced progress.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/request"
)

var (
	// ErrUnsupportedScheme is returned by Mux for a scheme with no transport.
	ErrUnsupportedScheme = errors.New("unsupported scheme")

	// ErrNotFound is returned when the source does not exist.
	ErrNotFound = errors.New("source not found")
)

// Metrics observes transport activity. A nil Metrics costs nothing.
type Metrics interface {
	// ObserveFetch records one Fetch call.
	ObserveFetch(scheme string, bytes int64, d time.Duration, err error)

	// RecordRetry counts a retried attempt.
	RecordRetry(scheme string)
}

// ObserveFetch records a fetch on m if m is non-nil.
func ObserveFetch(m Metrics, scheme string, bytes int64, start time.Time, err error) {
	if m != nil {
		m.ObserveFetch(scheme, bytes, time.Since(start), err)
	}
}

// RecordRetry counts a retry on m if m is non-nil.
func RecordRetry(m Metrics, scheme string) {
	if m != nil {
		m.RecordRetry(scheme)
	}
}

// Scheme returns the lowercased scheme of uri. Bare paths are "file".
func Scheme(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return "file"
	}
	// A Windows drive letter parses as a one-letter scheme.
	if len(u.Scheme) == 1 {
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// Mux routes fetches to a transport by URI scheme.
type Mux struct {
	mu      sync.RWMutex
	routes  map[string]request.Transport
	metrics Metrics
}

// NewMux creates an empty mux. metrics may be nil.
func NewMux(metrics Metrics) *Mux {
	return &Mux{
		routes:  make(map[string]request.Transport),
		metrics: metrics,
	}
}

// Handle registers t for each scheme, replacing earlier registrations.
func (m *Mux) Handle(t request.Transport, schemes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schemes {
		m.routes[strings.ToLower(s)] = t
	}
}

// Schemes returns the registered schemes, sorted.
func (m *Mux) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.routes))
	for s := range m.routes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Fetch implements request.Transport.
func (m *Mux) Fetch(ctx context.Context, attrs request.Attrs, opts request.Options, progress request.ProgressHook) (*request.Result, error) {
	scheme := Scheme(attrs.URI)

	m.mu.RLock()
	t, ok := m.routes[scheme]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	start := time.Now()
	res, err := t.Fetch(ctx, attrs, opts, progress)
	ObserveFetch(m.metrics, scheme, res.Size(), start, err)
	if err != nil {
		logger.DebugCtx(ctx, "Fetch failed", logger.KeyScheme, scheme, logger.KeyError, err)
	}
	return res, err
}
