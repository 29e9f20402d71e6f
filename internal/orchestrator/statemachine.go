package orchestrator

import "github.com/loomworks/loom/internal/thread/models"

// StatusEvent is an occurrence that may move a thread's status.
type StatusEvent int

const (
	// EventStart is a new prompt being submitted.
	EventStart StatusEvent = iota
	// EventResultSuccess is a terminal worker result without error.
	EventResultSuccess
	// EventResultError is a terminal worker result with is_error set.
	EventResultError
	// EventStop is an explicit stop request from the user or API.
	EventStop
	// EventWorkerExit is the worker process terminating.
	EventWorkerExit
	// EventWorkerError is a stream-level worker failure.
	EventWorkerError
)

// Guards carries the run-state flags that condition a transition.
type Guards struct {
	// ResultReceived is true once a terminal result resolved this run.
	ResultReceived bool
	// ManuallyStopped is true after an explicit stop during this run.
	ManuallyStopped bool
	// PendingReason is the waiting reason flagged during this run, if any.
	PendingReason models.WaitingReason
}

// NextStatus computes the status a thread moves to when ev occurs. It is a
// pure function; callers persist the result and emit notifications. The
// second return is false when the event must be ignored, which covers
// duplicate results, exits after the run already resolved, and any late
// signal, result included, from a process the user already stopped.
func NextStatus(current models.ThreadStatus, ev StatusEvent, g Guards) (models.ThreadStatus, bool) {
	switch ev {
	case EventStart:
		return models.StatusRunning, true

	case EventResultSuccess:
		// A stopped worker may still flush a final result on interrupt.
		if g.ResultReceived || g.ManuallyStopped {
			return current, false
		}
		if g.PendingReason != models.WaitingNone {
			return models.StatusWaiting, true
		}
		return models.StatusCompleted, true

	case EventResultError:
		if g.ResultReceived || g.ManuallyStopped {
			return current, false
		}
		if g.PendingReason != models.WaitingNone {
			return models.StatusWaiting, true
		}
		return models.StatusFailed, true

	case EventStop:
		// Unconditional, even with no worker attached.
		return models.StatusStopped, true

	case EventWorkerExit, EventWorkerError:
		if g.ResultReceived || g.ManuallyStopped {
			return current, false
		}
		return models.StatusFailed, true
	}

	return current, false
}
