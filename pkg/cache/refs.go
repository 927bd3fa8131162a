package cache

import "sync"

// RefCounter tracks outstanding handles per identifier. Backends key it by
// whatever unit they reclaim (a key, a blob file).
type RefCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRefCounter returns an empty RefCounter.
func NewRefCounter() *RefCounter {
	return &RefCounter{counts: make(map[string]int)}
}

// Acquire adds one handle for id.
func (r *RefCounter) Acquire(id string) {
	r.mu.Lock()
	r.counts[id]++
	r.mu.Unlock()
}

// Release drops one handle for id and returns the remaining count.
func (r *RefCounter) Release(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.counts[id] - 1
	if n <= 0 {
		delete(r.counts, id)
		return 0
	}
	r.counts[id] = n
	return n
}

// Count returns the outstanding handles for id.
func (r *RefCounter) Count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}
