package orchestrator

import (
	"sync"

	"github.com/loomworks/loom/internal/agent/worker"
)

// handleRegistry maps thread ids to their live worker handle. At most one
// handle per thread; replacing or removing returns the previous handle so
// the caller can kill it.
type handleRegistry struct {
	mu      sync.Mutex
	handles map[string]worker.Handle
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{handles: make(map[string]worker.Handle)}
}

func (r *handleRegistry) get(threadID string) worker.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[threadID]
}

func (r *handleRegistry) put(threadID string, h worker.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[threadID] = h
}

// remove detaches and returns the thread's handle, or nil.
func (r *handleRegistry) remove(threadID string) worker.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[threadID]
	delete(r.handles, threadID)
	return h
}

// removeIf detaches the handle only if it is still the registered one, so a
// stale pump cannot evict its successor.
func (r *handleRegistry) removeIf(threadID string, h worker.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[threadID] == h {
		delete(r.handles, threadID)
	}
}

func (r *handleRegistry) isCurrent(threadID string, h worker.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[threadID] == h
}
