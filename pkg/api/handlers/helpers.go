package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/marmos91/fetchflow/pkg/fetcher"
)

// decodeJSONBody decodes a JSON request body into the provided pointer.
// Returns true if successful, false if decoding fails (error response is written automatically).
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// queryBool parses a boolean query parameter. Missing or malformed values
// read as false.
func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// writeFetcherError maps fetcher errors to problem responses.
func writeFetcherError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fetcher.ErrNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, fetcher.ErrEmptyURI):
		BadRequest(w, err.Error())
	case errors.Is(err, fetcher.ErrStopped), errors.Is(err, fetcher.ErrNotStarted):
		ServiceUnavailable(w, err.Error())
	default:
		InternalServerError(w, err.Error())
	}
}
