package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/internal/cli/output"
	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/config"
	"github.com/marmos91/fetchflow/pkg/fetcher"
	"github.com/marmos91/fetchflow/pkg/request"
)

var (
	fetchLocalOnly     bool
	fetchPauseDownload bool
	fetchNoCache       bool
	fetchName          string
	fetchKey           string
	fetchSaveDir       string
	fetchOutput        string
	fetchTimeout       time.Duration
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <uri>...",
	Short: "Fetch one or more resources through the cache",
	Long: `Fetch resources concurrently and print a summary of each request.

A cached artifact is served without touching the network. With --local-only
or --pause-download, a cache miss cancels the request instead of downloading.

Examples:
  # Fetch two resources
  fetchflow fetch https://example.com/a.png s3://assets/b.bin

  # Only use what is already cached
  fetchflow fetch --local-only https://example.com/a.png

  # Bypass the cache and save the result
  fetchflow fetch --no-cache --save ./out https://example.com/a.png

  # Machine-readable summary
  fetchflow fetch -o json file:///var/data/blob`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchLocalOnly, "local-only", false, "Never download; cancel on cache miss")
	fetchCmd.Flags().BoolVar(&fetchPauseDownload, "pause-download", false, "Start with downloads paused")
	fetchCmd.Flags().BoolVar(&fetchNoCache, "no-cache", false, "Skip the cache lookup and do not store results")
	fetchCmd.Flags().StringVar(&fetchName, "name", "", "Request name (single URI only)")
	fetchCmd.Flags().StringVar(&fetchKey, "key", "", "Cache key (single URI only)")
	fetchCmd.Flags().StringVar(&fetchSaveDir, "save", "", "Directory to write fetched content to")
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "table", "Output format (table|json|yaml)")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 0, "Cancel requests still running after this long (0 = no limit)")
}

func runFetch(cmd *cobra.Command, args []string) error {
	if len(args) > 1 && (fetchName != "" || fetchKey != "") {
		return errors.New("--name and --key require a single URI")
	}
	printer, err := output.NewPrinterFromFlag(fetchOutput)
	if err != nil {
		return err
	}

	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	// Keep stdout for the summary.
	if cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}
	opts, err := fetchOptions(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
	}

	f, err := config.CreateFetcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		f.Stop(cfg.ShutdownTimeout)
		if store := f.Store(); store != nil {
			_ = store.Close()
		}
	}()
	f.SetPauseDownload(fetchPauseDownload)
	f.Start(ctx)

	reqs := make([]*request.Request, 0, len(args))
	for _, uri := range args {
		r, err := f.Download(ctx, uri, fetcher.DownloadSpec{
			Name:     fetchName,
			CacheKey: fetchKey,
			Options:  &opts,
			Progress: progressLogger(uri),
		})
		if r == nil {
			return fmt.Errorf("%s: %w", uri, err)
		}
		reqs = append(reqs, r)
	}

	infos := make([]request.Info, 0, len(reqs))
	failed := 0
	for _, r := range reqs {
		if err := r.Wait(ctx); err != nil && !r.IsFinished() {
			r.Cancel(request.CancelUserCanceled)
			<-r.Done()
		}
		if r.Status() == request.StatusCompleted && fetchSaveDir != "" {
			if err := save(r, fetchSaveDir); err != nil {
				logger.Error("Failed to save result", logger.KeyURI, r.Attrs().URI, logger.KeyError, err)
				failed++
			}
		}
		if r.Status() != request.StatusCompleted {
			failed++
		}
		infos = append(infos, r.Snapshot())
	}

	if err := printer.Print(output.RequestTable(infos)); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests did not complete", failed, len(reqs))
	}
	return nil
}

// fetchOptions applies the command flags on top of the configured defaults.
func fetchOptions(cfg *config.Config) (request.Options, error) {
	level, err := request.ParseLevel(cfg.Requests.Level)
	if err != nil {
		return request.Options{}, fmt.Errorf("requests.level: %w", err)
	}
	opts := request.Options{CacheInDisk: cfg.Requests.CacheInDisk, Level: level}
	if fetchLocalOnly {
		opts.Level = request.LevelLocal
	}
	if fetchNoCache {
		opts.CacheInDisk = false
	}
	return opts, nil
}

func progressLogger(uri string) request.ProgressListener {
	return request.ProgressFunc(func(total, completed int64) {
		logger.Debug("Download progress", logger.KeyURI, uri, logger.KeyTotal, total, logger.KeyBytes, completed)
	})
}

// save copies a completed request's content into dir, named after the last
// URI path element.
func save(r *request.Request, dir string) error {
	res := r.Result()
	if res == nil {
		return errors.New("no result")
	}
	src, err := res.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	name := path.Base(r.Attrs().URI)
	if name == "." || name == "/" || name == "" {
		name = r.ID()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
