package request

import (
	"bytes"
	"errors"
	"io"

	"github.com/marmos91/fetchflow/pkg/cache"
)

// errEmptyResult is returned by Result.Open on an empty result.
var errEmptyResult = errors.New("empty result")

// Result is the outcome of a fetch: either a held cache entry or an
// in-memory payload, never both.
//
// The request owns its Result. Listeners receive it by reference and must
// not keep the cache entry past the callback without acquiring their own
// handle through the cache.
type Result struct {
	entry       cache.Entry
	payload     []byte
	fromNetwork bool
}

// FromEntry wraps a held cache entry. Ownership of the handle moves to the
// result.
func FromEntry(entry cache.Entry, fromNetwork bool) *Result {
	return &Result{entry: entry, fromNetwork: fromNetwork}
}

// FromPayload wraps an in-memory payload.
func FromPayload(payload []byte, fromNetwork bool) *Result {
	return &Result{payload: payload, fromNetwork: fromNetwork}
}

// Entry returns the cache entry, or nil for payload results.
func (r *Result) Entry() cache.Entry {
	if r == nil {
		return nil
	}
	return r.entry
}

// Payload returns the in-memory payload, or nil for entry results.
func (r *Result) Payload() []byte {
	if r == nil {
		return nil
	}
	return r.payload
}

// FromNetwork reports whether the result was fetched rather than served
// from the cache.
func (r *Result) FromNetwork() bool {
	return r != nil && r.fromNetwork
}

// Empty reports whether the result holds neither an entry nor a payload.
func (r *Result) Empty() bool {
	return r == nil || (r.entry == nil && r.payload == nil)
}

// Size returns the artifact size in bytes.
func (r *Result) Size() int64 {
	switch {
	case r == nil:
		return 0
	case r.entry != nil:
		return r.entry.Size()
	default:
		return int64(len(r.payload))
	}
}

// Path returns the on-disk location of an entry result, or "".
func (r *Result) Path() string {
	if r == nil || r.entry == nil {
		return ""
	}
	return r.entry.Path()
}

// Open returns a reader over the artifact.
func (r *Result) Open() (io.ReadCloser, error) {
	switch {
	case r.Empty():
		return nil, errEmptyResult
	case r.entry != nil:
		return r.entry.Open()
	default:
		return io.NopCloser(bytes.NewReader(r.payload)), nil
	}
}

// Release drops the held cache entry, if any.
func (r *Result) Release() error {
	if r == nil || r.entry == nil {
		return nil
	}
	return r.entry.Release()
}

// sameEntry reports whether a and b hold the same cache handle.
func sameEntry(a, b *Result) bool {
	return a != nil && b != nil && a.entry != nil && a.entry == b.entry
}
