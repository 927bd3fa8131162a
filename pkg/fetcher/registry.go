package fetcher

import (
	"sort"
	"sync"
	"time"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/request"
)

// registry tracks requests by ID.
type registry struct {
	mu       sync.RWMutex
	requests map[string]*tracked
	seq      uint64
}

// tracked orders requests by registration; creation times can tie.
type tracked struct {
	*request.Request
	seq uint64
}

func newRegistry() *registry {
	return &registry{requests: make(map[string]*tracked)}
}

func (g *registry) add(r *request.Request) {
	g.mu.Lock()
	g.seq++
	g.requests[r.ID()] = &tracked{Request: r, seq: g.seq}
	g.mu.Unlock()
}

func (g *registry) get(id string) (*request.Request, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.requests[id]
	if !ok {
		return nil, false
	}
	return t.Request, true
}

// list returns the tracked requests, newest first.
func (g *registry) list() []*request.Request {
	g.mu.RLock()
	all := make([]*tracked, 0, len(g.requests))
	for _, t := range g.requests {
		all = append(all, t)
	}
	g.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	out := make([]*request.Request, len(all))
	for i, t := range all {
		out[i] = t.Request
	}
	return out
}

func (g *registry) counts() (live, finished int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.requests {
		if r.IsFinished() {
			finished++
		} else {
			live++
		}
	}
	return live, finished
}

// prune drops requests that finished before cutoff and releases their
// results.
func (g *registry) prune(cutoff time.Time) int {
	var dropped []*request.Request

	g.mu.Lock()
	for id, r := range g.requests {
		if !r.IsFinished() {
			continue
		}
		if at := r.FinishedAt(); !at.IsZero() && at.Before(cutoff) {
			delete(g.requests, id)
			dropped = append(dropped, r.Request)
		}
	}
	g.mu.Unlock()

	for _, r := range dropped {
		closeRequest(r)
	}
	return len(dropped)
}

// closeAll releases the results of every finished request.
func (g *registry) closeAll() {
	for _, r := range g.list() {
		if r.IsFinished() {
			closeRequest(r)
		}
	}
}

func closeRequest(r *request.Request) {
	if err := r.Close(); err != nil {
		logger.Warn("Failed to release request result",
			logger.KeyRequestID, r.ID(),
			logger.KeyError, err)
	}
}
