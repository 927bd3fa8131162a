// Package s3 fetches objects from S3 and S3-compatible stores.
//
// URIs take the form s3://bucket/key. An empty bucket (s3:///key) falls back
// to the configured default bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/marmos91/fetchflow/internal/bytesize"
	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/internal/telemetry"
	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/request"
	"github.com/marmos91/fetchflow/pkg/transport"
)

// Config holds configuration for the S3 transport.
type Config struct {
	// Bucket is used when the URI names no bucket.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" validate:"omitempty,url"`

	// KeyPrefix is prepended to every object key.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// AccessKeyID and SecretAccessKey set static credentials. When empty the
	// SDK's default credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`

	// RateLimit caps the transfer rate per request. Zero is unlimited.
	RateLimit bytesize.ByteSize `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// Transport reads S3 objects. Safe for concurrent use.
type Transport struct {
	client  *s3.Client
	cfg     Config
	store   cache.Store
	limiter *rate.Limiter
	metrics transport.Metrics
}

// New creates a transport around an existing client.
func New(client *s3.Client, cfg Config, store cache.Store, metrics transport.Metrics) *Transport {
	return &Transport{
		client:  client,
		cfg:     cfg,
		store:   store,
		limiter: transport.NewLimiter(cfg.RateLimit.Int64()),
		metrics: metrics,
	}
}

// NewFromConfig builds the S3 client from cfg.
func NewFromConfig(ctx context.Context, cfg Config, store cache.Store, metrics transport.Metrics) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), cfg, store, metrics), nil
}

// ParseURI splits an s3:// URI into bucket and key. The configured default
// bucket and key prefix are applied.
func (t *Transport) ParseURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 URI %q: %w", uri, err)
	}
	if !strings.EqualFold(u.Scheme, "s3") {
		return "", "", fmt.Errorf("invalid s3 URI %q: scheme %q", uri, u.Scheme)
	}
	bucket = u.Host
	if bucket == "" {
		bucket = t.cfg.Bucket
	}
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 URI %q: bucket and key are required", uri)
	}
	return bucket, t.cfg.KeyPrefix + key, nil
}

// Fetch implements request.Transport.
func (t *Transport) Fetch(ctx context.Context, attrs request.Attrs, opts request.Options, progress request.ProgressHook) (*request.Result, error) {
	bucket, key, err := t.ParseURI(attrs.URI)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartTransportSpan(ctx, telemetry.SpanTransportS3, attrs.URI,
		telemetry.Bucket(bucket), telemetry.StorageKey(key))
	defer span.End()

	var res *request.Result
	attempt := 0
	op := func() error {
		attempt++
		r, err := t.get(ctx, bucket, key, attrs, opts, progress)
		if err != nil {
			if !isRetryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		transport.RecordRetry(t.metrics, "s3")
		logger.DebugCtx(ctx, "Retrying S3 fetch",
			logger.KeyBucket, bucket,
			logger.KeyKey, key,
			logger.KeyAttempt, attempt,
			"backoff", wait,
			logger.KeyError, err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	exp.MaxElapsedTime = 0
	retries := t.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(telemetry.Bytes(res.Size()), telemetry.Attempt(attempt))
	return res, nil
}

func (t *Transport) get(ctx context.Context, bucket, key string, attrs request.Attrs, opts request.Options, progress request.ProgressHook) (*request.Result, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, transport.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	total := aws.ToInt64(out.ContentLength)
	return transport.Stream(ctx, t.store, attrs, opts, out.Body, total, progress, t.limiter)
}

// isNotFoundError checks if an error is an S3 not found error.
func isNotFoundError(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "NoSuchBucket"
	}
	return false
}

// isRetryableError reports whether a failed attempt is worth repeating.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, transport.ErrNotFound) ||
		errors.Is(err, cache.ErrCacheFull) ||
		errors.Is(err, cache.ErrStoreClosed) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"InternalError", "ServiceUnavailable", "RequestTimeout":
			return true
		}
		return false
	}

	// Truncated bodies and connection resets surface as plain errors.
	return true
}
