package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/fetcher"
	"github.com/marmos91/fetchflow/pkg/request"
)

// Fetcher is the part of *fetcher.Fetcher the API drives.
type Fetcher interface {
	Download(ctx context.Context, uri string, spec fetcher.DownloadSpec) (*request.Request, error)
	Get(id string) (*request.Request, error)
	Cancel(id string, cause request.CancelCause) (bool, error)
	List() []request.Info
	Stats() fetcher.Stats
	SetPauseDownload(paused bool)
	PauseDownload() bool
	Running() bool
}

// RequestHandler serves /api/v1/requests and /api/v1/pause.
type RequestHandler struct {
	fetcher Fetcher
}

// NewRequestHandler creates a request handler.
func NewRequestHandler(f Fetcher) *RequestHandler {
	return &RequestHandler{fetcher: f}
}

// CreateRequest is the body of POST /api/v1/requests.
type CreateRequest struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	CacheKey string `json:"cache_key,omitempty"`

	// CacheInDisk and Level override the server defaults when set.
	CacheInDisk *bool  `json:"cache_in_disk,omitempty"`
	Level       string `json:"level,omitempty"`
}

// PauseRequest is the body of PUT /api/v1/pause.
type PauseRequest struct {
	Paused bool `json:"paused"`
}

// Create handles POST /api/v1/requests.
//
// The request runs in the background and 202 Accepted is returned with its
// first snapshot. With ?wait=true the handler blocks until the request
// finishes and returns 200 with the final snapshot, whatever the outcome.
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body CreateRequest
	if !decodeJSONBody(w, r, &body) {
		return
	}

	spec := fetcher.DownloadSpec{Name: body.Name, CacheKey: body.CacheKey}
	if body.CacheInDisk != nil || body.Level != "" {
		level, err := request.ParseLevel(body.Level)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		opts := request.Options{CacheInDisk: true, Level: level}
		if body.CacheInDisk != nil {
			opts.CacheInDisk = *body.CacheInDisk
		}
		spec.Options = &opts
	}

	req, err := h.fetcher.Download(r.Context(), body.URI, spec)
	if err != nil {
		if req == nil {
			writeFetcherError(w, err)
			return
		}
		// Refused by the dispatcher: the request exists and is FAILED.
		WriteJSON(w, http.StatusServiceUnavailable, req.Snapshot())
		return
	}

	if !queryBool(r, "wait") {
		WriteJSON(w, http.StatusAccepted, req.Snapshot())
		return
	}
	if err := req.Wait(r.Context()); err != nil && !req.IsFinished() {
		logger.DebugCtx(r.Context(), "API wait abandoned", logger.KeyRequestID, req.ID(), logger.KeyError, err)
		return
	}
	WriteJSONOK(w, req.Snapshot())
}

// List handles GET /api/v1/requests.
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, h.fetcher.List())
}

// Get handles GET /api/v1/requests/{id}.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.fetcher.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeFetcherError(w, err)
		return
	}
	WriteJSONOK(w, req.Snapshot())
}

// Cancel handles DELETE /api/v1/requests/{id}.
//
// Returns 200 with the snapshot when this call canceled the request and
// 409 when it had already finished.
func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	canceled, err := h.fetcher.Cancel(id, request.CancelUserCanceled)
	if err != nil {
		writeFetcherError(w, err)
		return
	}
	if !canceled {
		Conflict(w, "request already finished")
		return
	}
	req, err := h.fetcher.Get(id)
	if err != nil {
		writeFetcherError(w, err)
		return
	}
	WriteJSONOK(w, req.Snapshot())
}

// GetPause handles GET /api/v1/pause.
func (h *RequestHandler) GetPause(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, PauseRequest{Paused: h.fetcher.PauseDownload()})
}

// SetPause handles PUT /api/v1/pause.
func (h *RequestHandler) SetPause(w http.ResponseWriter, r *http.Request) {
	var body PauseRequest
	if !decodeJSONBody(w, r, &body) {
		return
	}
	h.fetcher.SetPauseDownload(body.Paused)
	WriteJSONOK(w, body)
}
