// Package file fetches local files.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/marmos91/fetchflow/internal/bytesize"
	"github.com/marmos91/fetchflow/internal/telemetry"
	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/request"
	"github.com/marmos91/fetchflow/pkg/transport"
)

// Config configures the file transport.
type Config struct {
	// Root resolves relative paths. Empty uses the working directory.
	Root string `mapstructure:"root" yaml:"root"`

	// RateLimit caps the read rate per request. Zero is unlimited.
	RateLimit bytesize.ByteSize `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// Transport reads files from the local filesystem.
type Transport struct {
	root    string
	store   cache.Store
	limiter *rate.Limiter
}

// New creates a file transport writing into store (which may be nil).
func New(cfg Config, store cache.Store) *Transport {
	return &Transport{
		root:    cfg.Root,
		store:   store,
		limiter: transport.NewLimiter(cfg.RateLimit.Int64()),
	}
}

// Path resolves uri (file:// URI or plain path) to a filesystem path.
func (t *Transport) Path(uri string) (string, error) {
	p := uri
	if strings.HasPrefix(strings.ToLower(uri), "file:") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("invalid file URI %q: %w", uri, err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return "", fmt.Errorf("invalid file URI %q: remote host %q", uri, u.Host)
		}
		p = u.Path
		if p == "" {
			p = u.Opaque
		}
	}
	if p == "" {
		return "", fmt.Errorf("invalid file URI %q: empty path", uri)
	}
	p = filepath.FromSlash(p)
	if !filepath.IsAbs(p) && t.root != "" {
		p = filepath.Join(t.root, p)
	}
	return filepath.Clean(p), nil
}

// Fetch implements request.Transport.
func (t *Transport) Fetch(ctx context.Context, attrs request.Attrs, opts request.Options, progress request.ProgressHook) (*request.Result, error) {
	path, err := t.Path(attrs.URI)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartTransportSpan(ctx, telemetry.SpanTransportFile, attrs.URI)
	defer span.End()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, transport.ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: is a directory", path)
	}

	res, err := transport.Stream(ctx, t.store, attrs, opts, f, info.Size(), progress, t.limiter)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(telemetry.Bytes(res.Size()))
	return res, nil
}
