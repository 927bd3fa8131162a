package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Request Lifecycle
	// ========================================================================
	KeyRequestID = "request_id" // Fetch request identifier (uuid)
	KeyName      = "name"       // Human-readable request name
	KeyURI       = "uri"        // Source URI
	KeyScheme    = "scheme"     // URI scheme: http, https, s3, file
	KeyStage     = "stage"      // dispatch, download, load
	KeyStatus    = "status"     // Request status (NEW, DOWNLOADING, ...)
	KeyCause     = "cause"      // Cancel or failure cause
	KeyLevel     = "level"      // Request level: network, local

	// ========================================================================
	// Cache Layer
	// ========================================================================
	KeyCacheKey      = "cache_key"      // Canonical cache key
	KeyCacheHit      = "cache_hit"      // Cache hit indicator
	KeyCacheBackend  = "cache_backend"  // memory, disk
	KeyCacheSize     = "cache_size"     // Current cache size
	KeyCacheCapacity = "cache_capacity" // Maximum cache capacity
	KeyPath          = "path"           // Filesystem path

	// ========================================================================
	// Transfer
	// ========================================================================
	KeyBytes      = "bytes"       // Bytes transferred
	KeyTotal      = "total"       // Expected total bytes (-1 if unknown)
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts
	KeyBucket     = "bucket"      // S3 bucket
	KeyKey        = "key"         // Object key
	KeyHTTPStatus = "http_status" // HTTP response status

	// ========================================================================
	// Dispatcher
	// ========================================================================
	KeyWorkers  = "workers"   // Worker count
	KeyPending  = "pending"   // Queued tasks
	KeyQueueCap = "queue_cap" // Queue capacity

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyComponent  = "component"   // Emitting component
)

// RequestID returns a slog.Attr for the request identifier
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}

// Stage returns a slog.Attr for the lifecycle stage
func Stage(stage string) slog.Attr {
	return slog.String(KeyStage, stage)
}

// Status returns a slog.Attr for a request status
func Status(s string) slog.Attr {
	return slog.String(KeyStatus, s)
}

// Cause returns a slog.Attr for a cancel or failure cause
func Cause(c string) slog.Attr {
	return slog.String(KeyCause, c)
}

// CacheKey returns a slog.Attr for the cache key
func CacheKey(k string) slog.Attr {
	return slog.String(KeyCacheKey, k)
}

// CacheHit returns a slog.Attr for cache hit indicator
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// URI returns a slog.Attr for the source URI
func URI(u string) slog.Attr {
	return slog.String(KeyURI, u)
}

// Bytes returns a slog.Attr for a transferred byte count
func Bytes(n int64) slog.Attr {
	return slog.Int64(KeyBytes, n)
}

// Attempt returns a slog.Attr for retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Component returns a slog.Attr naming the emitting component
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// DurationMs returns a slog.Attr with the elapsed time since start
func DurationMs(start time.Time) slog.Attr {
	return slog.Float64(KeyDurationMs, Duration(start))
}

// Err returns a slog.Attr for an error. A nil error yields an empty attr,
// which handlers skip.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
