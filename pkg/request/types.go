package request

import (
	"fmt"
	"strings"
)

// Attrs is the immutable identity of a request.
type Attrs struct {
	// URI identifies the source the transport fetches from.
	URI string `json:"uri"`

	// Name is a human-readable identifier used in logs and traces.
	Name string `json:"name"`

	// CacheKey is the canonical key into the persistent cache.
	CacheKey string `json:"cache_key"`
}

// NewAttrs builds Attrs. An empty name or cache key falls back to the URI.
func NewAttrs(uri, name, cacheKey string) Attrs {
	if name == "" {
		name = uri
	}
	if cacheKey == "" {
		cacheKey = uri
	}
	return Attrs{URI: uri, Name: name, CacheKey: cacheKey}
}

// Status is the lifecycle position of a request. Values are ordered: a
// request only moves to a larger value, and the three terminal values end
// the lifecycle.
type Status uint8

const (
	StatusNew Status = iota
	StatusWaitDispatch
	StatusDispatching
	StatusWaitDownload
	StatusDownloading
	StatusWaitLoad
	StatusLoading
	StatusCompleted
	StatusCanceled
	StatusFailed
)

var statusNames = [...]string{
	StatusNew:          "NEW",
	StatusWaitDispatch: "WAIT_DISPATCH",
	StatusDispatching:  "DISPATCHING",
	StatusWaitDownload: "WAIT_DOWNLOAD",
	StatusDownloading:  "DOWNLOADING",
	StatusWaitLoad:     "WAIT_LOAD",
	StatusLoading:      "LOADING",
	StatusCompleted:    "COMPLETED",
	StatusCanceled:     "CANCELED",
	StatusFailed:       "FAILED",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether s ends the lifecycle.
func (s Status) IsTerminal() bool {
	return s >= StatusCompleted
}

// CancelCause records why a request was canceled.
type CancelCause uint8

const (
	CancelNone CancelCause = iota

	// CancelPauseDownload: network access is paused and the cache missed.
	CancelPauseDownload

	// CancelLevelRestricted: the request is limited to local sources and the
	// cache missed.
	CancelLevelRestricted

	// CancelUserCanceled: the caller asked for it.
	CancelUserCanceled

	// CancelShutdown: the service stopped before the request finished.
	CancelShutdown
)

var cancelNames = [...]string{
	CancelNone:            "NONE",
	CancelPauseDownload:   "PAUSE_DOWNLOAD",
	CancelLevelRestricted: "LEVEL_RESTRICTED",
	CancelUserCanceled:    "USER_CANCELED",
	CancelShutdown:        "SHUTDOWN",
}

func (c CancelCause) String() string {
	if int(c) < len(cancelNames) {
		return cancelNames[c]
	}
	return fmt.Sprintf("CancelCause(%d)", uint8(c))
}

// MarshalText renders the cause name.
func (c CancelCause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// FailedCause records why a request failed.
type FailedCause uint8

const (
	FailedNone FailedCause = iota

	// FailedFetch: the transport errored or produced nothing.
	FailedFetch

	// FailedDecode: post-processing rejected the fetched result.
	FailedDecode

	// FailedDispatchRejected: the worker pool refused a stage.
	FailedDispatchRejected
)

var failedNames = [...]string{
	FailedNone:             "NONE",
	FailedFetch:            "FETCH_FAILED",
	FailedDecode:           "DECODE_FAILED",
	FailedDispatchRejected: "DISPATCH_REJECTED",
}

func (f FailedCause) String() string {
	if int(f) < len(failedNames) {
		return failedNames[f]
	}
	return fmt.Sprintf("FailedCause(%d)", uint8(f))
}

// MarshalText renders the cause name.
func (f FailedCause) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Level is how far a request may reach for its data.
type Level uint8

const (
	// LevelNetwork allows the transport to be used on a cache miss.
	LevelNetwork Level = iota

	// LevelLocal restricts the request to the cache.
	LevelLocal
)

func (l Level) String() string {
	if l == LevelLocal {
		return "local"
	}
	return "network"
}

// MarshalText renders the level name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses "network" or "local".
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses a level name. The empty string is LevelNetwork.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "network":
		return LevelNetwork, nil
	case "local":
		return LevelLocal, nil
	default:
		return LevelNetwork, fmt.Errorf("unknown request level %q", s)
	}
}

// LevelFrom qualifies why a request is LevelLocal.
type LevelFrom uint8

const (
	LevelFromNone LevelFrom = iota

	// LevelFromPauseDownload: restricted because downloads are paused, as
	// opposed to a hard restriction.
	LevelFromPauseDownload
)

// Options are the policy inputs read at dispatch time.
type Options struct {
	// CacheInDisk allows the dispatch stage to read the cache, and lets
	// transports write fetched artifacts into it.
	CacheInDisk bool `json:"cache_in_disk"`

	// Level limits where data may come from.
	Level Level `json:"level"`

	// LevelFrom explains a LevelLocal restriction.
	LevelFrom LevelFrom `json:"-"`
}

// DefaultOptions allows cache reads and network access.
func DefaultOptions() Options {
	return Options{CacheInDisk: true, Level: LevelNetwork}
}

// localCancelCause maps a local-only restriction to its cancel cause.
func (o Options) localCancelCause() CancelCause {
	if o.LevelFrom == LevelFromPauseDownload {
		return CancelPauseDownload
	}
	return CancelLevelRestricted
}
