// Package http fetches http and https sources.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/marmos91/fetchflow/internal/bytesize"
	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/internal/telemetry"
	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/request"
	"github.com/marmos91/fetchflow/pkg/transport"
)

// Config configures the HTTP transport.
type Config struct {
	// Timeout bounds a single attempt, headers and body included.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// RateLimit caps the transfer rate per request. Zero is unlimited.
	RateLimit bytesize.ByteSize `mapstructure:"rate_limit" yaml:"rate_limit"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`

	// UserAgent is sent with every request.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`

	// Proxy is an explicit proxy URL. Empty uses the environment.
	Proxy string `mapstructure:"proxy" yaml:"proxy" validate:"omitempty,url"`
}

// DefaultConfig returns the default HTTP transport configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:        5 * time.Minute,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		UserAgent:      "fetchflow",
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

var errInvalidRequest = errors.New("invalid request")

// Transport fetches over HTTP. Safe for concurrent use.
type Transport struct {
	cfg     Config
	client  *http.Client
	store   cache.Store
	limiter *rate.Limiter
	metrics transport.Metrics
}

// New creates an HTTP transport writing into store (which may be nil).
func New(cfg Config, store cache.Store, metrics transport.Metrics) (*Transport, error) {
	d := DefaultConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = d.UserAgent
	}

	rt := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		rt.Proxy = http.ProxyURL(proxyURL)
	}

	return &Transport{
		cfg:     cfg,
		client:  &http.Client{Transport: rt},
		store:   store,
		limiter: transport.NewLimiter(cfg.RateLimit.Int64()),
		metrics: metrics,
	}, nil
}

// Fetch implements request.Transport.
func (t *Transport) Fetch(ctx context.Context, attrs request.Attrs, opts request.Options, progress request.ProgressHook) (*request.Result, error) {
	ctx, span := telemetry.StartTransportSpan(ctx, telemetry.SpanTransportHTTP, attrs.URI)
	defer span.End()

	scheme := transport.Scheme(attrs.URI)
	attempt := 0

	var res *request.Result
	op := func() error {
		attempt++
		r, err := t.attempt(ctx, attrs, opts, progress)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		transport.RecordRetry(t.metrics, scheme)
		logger.DebugCtx(ctx, "Retrying HTTP fetch",
			logger.KeyAttempt, attempt,
			logger.KeyMaxRetries, t.cfg.MaxRetries,
			"backoff", wait,
			logger.KeyError, err)
	}

	err := backoff.RetryNotify(op, t.policy(ctx), notify)
	span.SetAttributes(telemetry.Attempt(attempt))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(telemetry.Bytes(res.Size()))
	return res, nil
}

func (t *Transport) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.cfg.InitialBackoff
	exp.MaxInterval = t.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	retries := t.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

func (t *Transport) attempt(ctx context.Context, attrs request.Attrs, opts request.Options, progress request.ProgressHook) (*request.Result, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attrs.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	telemetry.SetAttributes(ctx, telemetry.HTTPStatus(resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		serr := &StatusError{Code: resp.StatusCode, URL: attrs.URI}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, fmt.Errorf("%w: %w", transport.ErrNotFound, serr)
		}
		return nil, serr
	}

	return transport.Stream(ctx, t.store, attrs, opts, resp.Body, resp.ContentLength, progress, t.limiter)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Retryable()
	}
	if errors.Is(err, errInvalidRequest) ||
		errors.Is(err, transport.ErrNotFound) ||
		errors.Is(err, cache.ErrCacheFull) ||
		errors.Is(err, cache.ErrStoreClosed) {
		return false
	}
	// Transport-level failures (resets, timeouts, truncated bodies).
	return true
}
