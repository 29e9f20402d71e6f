package orchestrator

import "sync"

// threadLocks serializes the compound operations on one thread id. Start,
// stop, and cleanup each touch the handle registry, run state, and store as
// a unit; interleaving two of them would let a stop's manual flag be wiped
// by a concurrent start mid-sequence.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the thread's mutex and returns its unlock function. Locks
// are created on first use and kept for the life of the process.
func (l *threadLocks) lock(threadID string) func() {
	l.mu.Lock()
	m, ok := l.locks[threadID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[threadID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
