package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/internal/telemetry"
	"github.com/marmos91/fetchflow/pkg/api"
	"github.com/marmos91/fetchflow/pkg/config"
	"github.com/marmos91/fetchflow/pkg/fetcher"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fetch service with its REST API",
	Long: `Run the fetch service in the foreground.

The REST API accepts downloads, lists and cancels requests, and toggles the
pause-download switch. When metrics are enabled, /metrics serves Prometheus
metrics on the same port.

Examples:
  # Serve with the default configuration file
  fetchflow serve

  # Override the API port
  fetchflow serve --port 9090

  # Override settings with environment variables
  FETCHFLOW_LOGGING_LEVEL=DEBUG FETCHFLOW_DISPATCHER_WORKERS=16 fetchflow serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "API port (overrides api.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownObservability, err := initObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownObservability()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	config.InitializeMetrics(cfg.Metrics)

	f, err := config.CreateFetcher(ctx, cfg, fetcher.WithTracer(telemetry.Tracer()))
	if err != nil {
		return err
	}
	f.Start(ctx)

	server := api.NewServer(cfg.API, f)
	logger.Info("Server is running. Press Ctrl+C to stop.", "port", server.Port())
	serveErr := server.Start(ctx)

	logger.Info("Shutting down fetcher", "timeout", cfg.ShutdownTimeout)
	if !f.Stop(cfg.ShutdownTimeout) {
		logger.Warn("Fetcher did not drain before the shutdown timeout")
	}
	if store := f.Store(); store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close cache store", logger.KeyError, err)
		}
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	logger.Info("Server stopped gracefully")
	return nil
}
