package orchestrator

import (
	"sync"

	"github.com/loomworks/loom/internal/thread/models"
)

// runScope is the bookkeeping that lives for exactly one run. It is replaced
// wholesale on every start, which is what makes the per-run reset contract
// structural instead of field-by-field.
type runScope struct {
	// assistantMsgIDs maps worker message ids to durable message ids for
	// the current streaming turn.
	assistantMsgIDs map[string]string
	// resultReceived guards against a duplicate terminal result replaying
	// completion side effects.
	resultReceived bool
	// pendingReason is set when the agent asks a question, proposes a plan,
	// or hits a permission wall. It converts the eventual result into a
	// waiting status.
	pendingReason models.WaitingReason
	// manuallyStopped suppresses exit and error signals from a process the
	// user already stopped.
	manuallyStopped bool
}

func newRunScope() *runScope {
	return &runScope{assistantMsgIDs: make(map[string]string)}
}

// threadScope survives across runs of the same thread, until the thread is
// archived or deleted.
type threadScope struct {
	// processedToolUse maps worker tool-use ids to durable tool-call ids.
	// A resumed session replays earlier tool uses; this map is why the
	// replay does not duplicate rows.
	processedToolUse map[string]string
	// pendingPermission records the tool that was denied permission, if any.
	pendingPermission string
}

// threadState is one thread's in-memory state, split into the part reset per
// run and the part kept for the thread's lifetime.
type threadState struct {
	run    *runScope
	thread *threadScope
}

// stateRegistry holds per-thread state for all live threads. All access goes
// through its methods; the registry lock covers the maps inside each entry
// as well, since per-thread operations are already serialized by the
// orchestrator.
type stateRegistry struct {
	mu      sync.Mutex
	threads map[string]*threadState
}

func newStateRegistry() *stateRegistry {
	return &stateRegistry{threads: make(map[string]*threadState)}
}

func (r *stateRegistry) get(threadID string) *threadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(threadID)
}

func (r *stateRegistry) ensureLocked(threadID string) *threadState {
	st, ok := r.threads[threadID]
	if !ok {
		st = &threadState{
			run:    newRunScope(),
			thread: &threadScope{processedToolUse: make(map[string]string)},
		}
		r.threads[threadID] = st
	}
	return st
}

// clearRun resets the per-run scope. Thread-lifetime state, including the
// tool-use dedup map and any pending permission request, is untouched.
func (r *stateRegistry) clearRun(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ensureLocked(threadID)
	st.run = newRunScope()
}

// cleanup drops all state for the thread. Idempotent.
func (r *stateRegistry) cleanup(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, threadID)
}

// withState runs fn with the thread's state under the registry lock.
func (r *stateRegistry) withState(threadID string, fn func(*threadState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.ensureLocked(threadID))
}
