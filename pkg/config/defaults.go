package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/fetchflow/internal/bytesize"
	"github.com/marmos91/fetchflow/internal/telemetry"
	"github.com/marmos91/fetchflow/pkg/dispatch"
	"github.com/marmos91/fetchflow/pkg/fetcher"
	httptransport "github.com/marmos91/fetchflow/pkg/transport/http"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Booleans are left alone; see setupViper for the ones defaulting to true
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyCacheDefaults(&cfg.Cache)
	applyDispatcherDefaults(&cfg.Dispatcher)
	applyTransportDefaults(&cfg.Transport)
	applyRequestsDefaults(&cfg.Requests)
	cfg.API.ApplyDefaults()
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyCacheDefaults sets cache defaults. An empty backend means disk.
func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "disk"
	}
	if cfg.Backend == "disk" && cfg.Path == "" {
		cfg.Path = defaultCachePath()
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = bytesize.GiB
	}
}

func applyDispatcherDefaults(cfg *dispatch.Config) {
	d := dispatch.DefaultConfig()
	if cfg.Workers == 0 {
		cfg.Workers = d.Workers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = d.QueueSize
	}
}

func applyTransportDefaults(cfg *TransportConfig) {
	d := httptransport.DefaultConfig()
	h := &cfg.HTTP
	if h.Timeout == 0 {
		h.Timeout = d.Timeout
	}
	if h.MaxRetries == 0 {
		h.MaxRetries = d.MaxRetries
	}
	if h.InitialBackoff == 0 {
		h.InitialBackoff = d.InitialBackoff
	}
	if h.MaxBackoff == 0 {
		h.MaxBackoff = d.MaxBackoff
	}
	if h.UserAgent == "" {
		h.UserAgent = d.UserAgent
	}

	if cfg.S3.MaxRetries == 0 {
		cfg.S3.MaxRetries = 3
	}
}

func applyRequestsDefaults(cfg *RequestsConfig) {
	d := fetcher.DefaultConfig()
	if cfg.Level == "" {
		cfg.Level = d.Level
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Retention == 0 {
		cfg.Retention = d.Retention
	}
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = d.JanitorInterval
	}
}

// defaultCachePath returns $XDG_CACHE_HOME/fetchflow, falling back to the
// temp directory.
func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "fetchflow")
	}
	return filepath.Join(os.TempDir(), "fetchflow-cache")
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Requests: RequestsConfig{
			CacheInDisk: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

// TracingConfig maps the telemetry section to the tracer's configuration.
func (c TelemetryConfig) TracingConfig(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Enabled,
		ServiceName:    "fetchflow",
		ServiceVersion: version,
		Endpoint:       c.Endpoint,
		Insecure:       c.Insecure,
		SampleRate:     c.SampleRate,
	}
}

// ProfilerConfig maps the profiling section to the profiler's configuration.
func (c TelemetryConfig) ProfilerConfig(version string) telemetry.ProfilingConfig {
	return telemetry.ProfilingConfig{
		Enabled:        c.Profiling.Enabled,
		ServiceName:    "fetchflow",
		ServiceVersion: version,
		Endpoint:       c.Profiling.Endpoint,
		ProfileTypes:   c.Profiling.ProfileTypes,
	}
}

// FetcherConfig maps the requests and dispatcher sections to the fetcher's
// configuration.
func (c *Config) FetcherConfig() fetcher.Config {
	return fetcher.Config{
		CacheInDisk:     c.Requests.CacheInDisk,
		Level:           c.Requests.Level,
		Retention:       c.Requests.Retention,
		JanitorInterval: c.Requests.JanitorInterval,
		Dispatcher:      c.Dispatcher,
	}
}
