package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for fetch spans.
const (
	// ========================================================================
	// Request attributes
	// ========================================================================
	AttrRequestID   = "fetch.request_id"
	AttrRequestName = "fetch.name"
	AttrURI         = "fetch.uri"
	AttrScheme      = "fetch.scheme"
	AttrStage       = "fetch.stage"
	AttrStatus      = "fetch.status"
	AttrCause       = "fetch.cause"
	AttrLevel       = "fetch.level"
	AttrFromNetwork = "fetch.from_network"

	// ========================================================================
	// Cache attributes
	// ========================================================================
	AttrCacheKey     = "cache.key"
	AttrCacheHit     = "cache.hit"
	AttrCacheBackend = "cache.backend"

	// ========================================================================
	// Transfer attributes
	// ========================================================================
	AttrBytes      = "transfer.bytes"
	AttrTotal      = "transfer.total"
	AttrAttempt    = "transfer.attempt"
	AttrHTTPStatus = "http.response.status_code"
	AttrBucket     = "storage.bucket"
	AttrKey        = "storage.key"
)

// Span names.
// Format: <component>.<operation>
const (
	SpanRequest  = "fetch.request"
	SpanDispatch = "fetch.dispatch"
	SpanDownload = "fetch.download"
	SpanLoad     = "fetch.load"

	SpanCacheLookup = "cache.lookup"
	SpanCacheCommit = "cache.commit"

	SpanTransportHTTP = "transport.http"
	SpanTransportS3   = "transport.s3"
	SpanTransportFile = "transport.file"
)

// RequestID returns an attribute for the request identifier
func RequestID(id string) attribute.KeyValue {
	return attribute.String(AttrRequestID, id)
}

// RequestName returns an attribute for the human-readable request name
func RequestName(name string) attribute.KeyValue {
	return attribute.String(AttrRequestName, name)
}

// URI returns an attribute for the source URI
func URI(uri string) attribute.KeyValue {
	return attribute.String(AttrURI, uri)
}

// Scheme returns an attribute for the URI scheme
func Scheme(scheme string) attribute.KeyValue {
	return attribute.String(AttrScheme, scheme)
}

// Stage returns an attribute for the lifecycle stage
func Stage(stage string) attribute.KeyValue {
	return attribute.String(AttrStage, stage)
}

// Status returns an attribute for the request status
func Status(status string) attribute.KeyValue {
	return attribute.String(AttrStatus, status)
}

// Cause returns an attribute for a cancel or failure cause
func Cause(cause string) attribute.KeyValue {
	return attribute.String(AttrCause, cause)
}

// Level returns an attribute for the request level
func Level(level string) attribute.KeyValue {
	return attribute.String(AttrLevel, level)
}

// FromNetwork returns an attribute for the result origin
func FromNetwork(v bool) attribute.KeyValue {
	return attribute.Bool(AttrFromNetwork, v)
}

// CacheKey returns an attribute for the cache key
func CacheKey(key string) attribute.KeyValue {
	return attribute.String(AttrCacheKey, key)
}

// CacheHit returns an attribute for cache hit indicator
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// CacheBackend returns an attribute for the cache backend
func CacheBackend(name string) attribute.KeyValue {
	return attribute.String(AttrCacheBackend, name)
}

// Bytes returns an attribute for transferred bytes
func Bytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrBytes, n)
}

// Total returns an attribute for the expected total length
func Total(n int64) attribute.KeyValue {
	return attribute.Int64(AttrTotal, n)
}

// Attempt returns an attribute for a retry attempt
func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// HTTPStatus returns an attribute for an HTTP response status
func HTTPStatus(code int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, code)
}

// Bucket returns an attribute for an S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for an object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// StartRequestSpan starts the root span of a fetch request on tr.
func StartRequestSpan(ctx context.Context, tr trace.Tracer, id, name, cacheKey string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{RequestID(id), RequestName(name), CacheKey(cacheKey)}, attrs...)
	return tr.Start(ctx, SpanRequest, trace.WithAttributes(all...))
}

// StartTransportSpan starts a client span for a transport fetch.
func StartTransportSpan(ctx context.Context, name string, uri string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{URI(uri)}, attrs...)
	return StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(all...))
}
