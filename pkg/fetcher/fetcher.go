// Package fetcher is the service facade over the request state machine.
//
// A Fetcher owns the capability bundle every request shares (cache,
// transport, dispatcher, logger, tracer, metrics), keeps a registry of
// requests so they can be looked up and canceled by ID, carries the global
// pause-download switch and prunes finished requests in the background.
//
// Example usage:
//
//	f := fetcher.New(cfg, store, mux)
//	f.Start(ctx)
//	defer f.Stop(30 * time.Second)
//
//	r, err := f.Download(ctx, "https://example.com/a.bin", fetcher.DownloadSpec{})
//	if err != nil {
//	    return err
//	}
//	<-r.Done()
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/dispatch"
	"github.com/marmos91/fetchflow/pkg/request"
)

var (
	// ErrStopped is returned by Download after Stop.
	ErrStopped = errors.New("fetcher stopped")

	// ErrNotStarted is returned by Download before Start.
	ErrNotStarted = errors.New("fetcher not started")

	// ErrNotFound is returned for an unknown request ID.
	ErrNotFound = errors.New("request not found")

	// ErrEmptyURI is returned by Download for an empty URI.
	ErrEmptyURI = errors.New("empty uri")
)

// Config configures a Fetcher.
type Config struct {
	// CacheInDisk is the default for requests that carry no options.
	CacheInDisk bool `mapstructure:"cache_in_disk" yaml:"cache_in_disk"`

	// Level is the default request level: "network" or "local".
	Level string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=network local"`

	// Retention is how long finished requests stay queryable.
	// Default: 10m
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`

	// JanitorInterval is how often finished requests are pruned.
	// Default: 1m
	JanitorInterval time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`

	// Dispatcher sizes the built-in dispatcher. Ignored with WithDispatcher.
	Dispatcher dispatch.Config `mapstructure:"dispatcher" yaml:"dispatcher"`
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		CacheInDisk:     true,
		Level:           "network",
		Retention:       10 * time.Minute,
		JanitorInterval: time.Minute,
		Dispatcher:      dispatch.DefaultConfig(),
	}
}

// IndexObserver receives the cache index hit ratio on every janitor tick.
type IndexObserver interface {
	RecordIndexHitRatio(ratio float64)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithDispatcher runs requests on a host-supplied dispatcher. The host owns
// its lifecycle.
func WithDispatcher(d request.Dispatcher) Option {
	return func(f *Fetcher) {
		f.dispatcher = d
		f.ownDispatcher = nil
	}
}

// WithProcessor enables the load stage.
func WithProcessor(p request.Processor) Option {
	return func(f *Fetcher) { f.processor = p }
}

// WithPolicy adds a policy that runs before the pause switch is applied.
func WithPolicy(p request.Policy) Option {
	return func(f *Fetcher) { f.policy = p }
}

// WithMetrics sets the request metrics.
func WithMetrics(m request.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithIndexObserver reports the cache index hit ratio periodically.
func WithIndexObserver(o IndexObserver) Option {
	return func(f *Fetcher) { f.index = o }
}

// WithLogger sets the logger handed to requests.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.log = l }
}

// WithTracer sets the tracer handed to requests.
func WithTracer(t trace.Tracer) Option {
	return func(f *Fetcher) { f.tracer = t }
}

// DownloadSpec describes one download.
type DownloadSpec struct {
	// Name labels the request in logs and listings. Defaults to the URI.
	Name string

	// CacheKey identifies the cached artifact. Defaults to the URI.
	CacheKey string

	// Options overrides the fetcher defaults when set.
	Options *request.Options

	Listener request.Listener
	Progress request.ProgressListener
}

// Stats is a point-in-time view of the fetcher.
type Stats struct {
	Live       int            `json:"live"`
	Finished   int            `json:"finished"`
	Paused     bool           `json:"paused"`
	Dispatcher dispatch.Stats `json:"dispatcher"`
}

// Fetcher creates, tracks and cancels requests. Safe for concurrent use.
type Fetcher struct {
	cfg       Config
	defaults  request.Options
	store     cache.Store
	transport request.Transport
	processor request.Processor
	policy    request.Policy
	metrics   request.Metrics
	index     IndexObserver
	log       *slog.Logger
	tracer    trace.Tracer

	dispatcher    request.Dispatcher
	ownDispatcher *dispatch.Dispatcher

	registry *registry
	paused   atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a fetcher. store may be nil, in which case requests never
// read a cache and transports buffer in memory.
func New(cfg Config, store cache.Store, transport request.Transport, opts ...Option) (*Fetcher, error) {
	if transport == nil {
		return nil, errors.New("fetcher: transport is required")
	}
	cfg = cfg.withDefaults()

	level, err := request.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}

	own := dispatch.New(cfg.Dispatcher)
	f := &Fetcher{
		cfg:           cfg,
		defaults:      request.Options{CacheInDisk: cfg.CacheInDisk, Level: level},
		store:         store,
		transport:     transport,
		log:           logger.Logger(),
		dispatcher:    own,
		ownDispatcher: own,
		registry:      newRegistry(),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Level == "" {
		c.Level = d.Level
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	return c
}

// capabilities builds the bundle shared by every request.
func (f *Fetcher) capabilities() request.Capabilities {
	return request.Capabilities{
		Cache:      f.store,
		Transport:  f.transport,
		Policy:     request.PolicyFunc(f.decide),
		Processor:  f.processor,
		Dispatcher: f.dispatcher,
		Logger:     f.log,
		Tracer:     f.tracer,
		Metrics:    f.metrics,
	}
}

// decide is the dispatch-time policy: the configured policy first, then the
// pause switch downgrades network requests to local.
func (f *Fetcher) decide(attrs request.Attrs, opts request.Options) request.Options {
	if f.policy != nil {
		opts = f.policy.Decide(attrs, opts)
	}
	if f.paused.Load() && opts.Level == request.LevelNetwork {
		opts.Level = request.LevelLocal
		opts.LevelFrom = request.LevelFromPauseDownload
	}
	return opts
}

// Start starts the built-in dispatcher and the janitor.
func (f *Fetcher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.stopped {
		return
	}
	f.started = true

	if f.ownDispatcher != nil {
		f.ownDispatcher.Start()
	}

	f.wg.Add(1)
	go f.janitor(ctx)

	logger.Info("Fetcher started",
		"retention", f.cfg.Retention,
		"cache", f.store != nil,
		"level", f.defaults.Level.String())
}

// Running reports whether Download accepts requests.
func (f *Fetcher) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.stopped
}

// Stop cancels every live request with CancelShutdown, stops the janitor
// and drains the built-in dispatcher. Returns false if draining timed out.
func (f *Fetcher) Stop(timeout time.Duration) bool {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return true
	}
	f.stopped = true
	started := f.started
	f.mu.Unlock()

	canceled := 0
	for _, r := range f.registry.list() {
		if r.Cancel(request.CancelShutdown) {
			canceled++
		}
	}
	logger.Info("Stopping fetcher", "canceled", canceled)

	if !started {
		return true
	}

	close(f.stopCh)
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("Fetcher janitor stop timed out")
	}

	ok := true
	if f.ownDispatcher != nil && !f.ownDispatcher.Stop(timeout) {
		logger.Warn("Dispatcher stop timed out", logger.KeyPending, f.ownDispatcher.Stats().PendingTasks)
		ok = false
	}
	f.registry.closeAll()
	return ok
}

// Download creates, registers and submits a request for uri.
//
// If the dispatcher refuses the request it is returned alongside the error
// so the caller can still observe its FAILED state.
func (f *Fetcher) Download(ctx context.Context, uri string, spec DownloadSpec) (*request.Request, error) {
	if uri == "" {
		return nil, ErrEmptyURI
	}

	opts := f.defaults
	if spec.Options != nil {
		opts = *spec.Options
	}
	attrs := request.NewAttrs(uri, spec.Name, spec.CacheKey)

	f.mu.Lock()
	switch {
	case f.stopped:
		f.mu.Unlock()
		return nil, ErrStopped
	case !f.started:
		f.mu.Unlock()
		return nil, ErrNotStarted
	}
	r, err := request.New(ctx, attrs, opts, f.capabilities(), spec.Listener, spec.Progress)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.registry.add(r)
	f.mu.Unlock()

	logger.DebugCtx(ctx, "Download requested",
		logger.KeyRequestID, r.ID(),
		logger.KeyURI, uri,
		logger.KeyCacheKey, attrs.CacheKey)

	if err := r.Submit(); err != nil {
		return r, err
	}
	return r, nil
}

// SetPauseDownload turns the global pause switch on or off. It applies to
// requests dispatched after the call.
func (f *Fetcher) SetPauseDownload(paused bool) {
	if f.paused.Swap(paused) != paused {
		logger.Info("Pause download changed", "paused", paused)
	}
}

// PauseDownload reports the pause switch.
func (f *Fetcher) PauseDownload() bool {
	return f.paused.Load()
}

// Get returns a tracked request.
func (f *Fetcher) Get(id string) (*request.Request, error) {
	r, ok := f.registry.get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, nil
}

// Cancel cancels a tracked request. It reports whether this call moved the
// request to CANCELED.
func (f *Fetcher) Cancel(id string, cause request.CancelCause) (bool, error) {
	r, err := f.Get(id)
	if err != nil {
		return false, err
	}
	return r.Cancel(cause), nil
}

// List returns snapshots of every tracked request, newest first.
func (f *Fetcher) List() []request.Info {
	reqs := f.registry.list()
	out := make([]request.Info, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Snapshot())
	}
	return out
}

// Stats returns current counts and dispatcher load.
func (f *Fetcher) Stats() Stats {
	live, finished := f.registry.counts()
	s := Stats{
		Live:     live,
		Finished: finished,
		Paused:   f.paused.Load(),
	}
	if f.ownDispatcher != nil {
		s.Dispatcher = f.ownDispatcher.Stats()
	}
	return s
}

// DispatcherStats returns the built-in dispatcher's load, or zero stats with
// a host-supplied dispatcher.
func (f *Fetcher) DispatcherStats() dispatch.Stats {
	if f.ownDispatcher == nil {
		return dispatch.Stats{}
	}
	return f.ownDispatcher.Stats()
}

// Store returns the cache store, which may be nil.
func (f *Fetcher) Store() cache.Store {
	return f.store
}
