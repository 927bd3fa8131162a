package config

import (
	"context"
	"fmt"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/cache/disk"
	"github.com/marmos91/fetchflow/pkg/cache/memory"
	"github.com/marmos91/fetchflow/pkg/fetcher"
	"github.com/marmos91/fetchflow/pkg/metrics"
	"github.com/marmos91/fetchflow/pkg/transport"
	filetransport "github.com/marmos91/fetchflow/pkg/transport/file"
	httptransport "github.com/marmos91/fetchflow/pkg/transport/http"
	s3transport "github.com/marmos91/fetchflow/pkg/transport/s3"

	// Registers the Prometheus constructors used by pkg/metrics.
	_ "github.com/marmos91/fetchflow/pkg/metrics/prometheus"
)

// LoggerConfig maps the logging section to the logger's configuration.
func (c LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Level,
		Format: c.Format,
		Output: c.Output,
	}
}

// InitializeMetrics creates the metrics registry when enabled. Must run
// before any component is built so constructors see the registry.
func InitializeMetrics(cfg MetricsConfig) {
	if !cfg.Enabled {
		return
	}
	metrics.InitRegistry()
	logger.Info("Metrics enabled")
}

// CreateCacheStore creates the cache store. Returns nil, nil for the "none"
// backend.
func CreateCacheStore(cfg CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "memory":
		return memory.New(cfg.MaxSize.Int64(), metrics.NewCacheMetrics("memory")), nil
	case "disk", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("disk cache requires path to be set")
		}
		store, err := disk.Open(disk.Config{
			Path:    cfg.Path,
			MaxSize: cfg.MaxSize.Int64(),
			Metrics: metrics.NewCacheMetrics("disk"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open disk cache: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.Backend)
	}
}

// CreateTransport builds the scheme router: http and https always, file
// always, s3 when enabled. store may be nil.
func CreateTransport(ctx context.Context, cfg TransportConfig, store cache.Store) (*transport.Mux, error) {
	tm := metrics.NewTransportMetrics()
	mux := transport.NewMux(tm)

	h, err := httptransport.New(cfg.HTTP, store, tm)
	if err != nil {
		return nil, fmt.Errorf("failed to create http transport: %w", err)
	}
	mux.Handle(h, "http", "https")

	mux.Handle(filetransport.New(cfg.File, store), "file")

	if cfg.S3.Enabled {
		s, err := s3transport.NewFromConfig(ctx, cfg.S3.Config, store, tm)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 transport: %w", err)
		}
		mux.Handle(s, "s3")
	}

	logger.Debug("Transports registered", "schemes", mux.Schemes())
	return mux, nil
}

// CreateFetcher builds the cache store, the transports and the fetcher.
// The caller starts the fetcher and closes the store after stopping it.
func CreateFetcher(ctx context.Context, cfg *Config, opts ...fetcher.Option) (*fetcher.Fetcher, error) {
	store, err := CreateCacheStore(cfg.Cache)
	if err != nil {
		return nil, err
	}

	mux, err := CreateTransport(ctx, cfg.Transport, store)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	base := []fetcher.Option{fetcher.WithMetrics(metrics.NewRequestMetrics())}
	if im := metrics.NewIndexMetrics(); im != nil {
		base = append(base, fetcher.WithIndexObserver(im))
	}

	f, err := fetcher.New(cfg.FetcherConfig(), store, mux, append(base, opts...)...)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	metrics.RegisterDispatcher(f.DispatcherStats)
	return f, nil
}

func closeStore(store cache.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Warn("Failed to close cache store", logger.KeyError, err)
	}
}
