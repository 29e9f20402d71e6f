// Package worker manages the external CLI processes that execute agent runs.
// Each run gets a fresh process; the handle surfaces the process's protocol
// messages and its termination as a single event stream.
package worker

import (
	"context"
	"errors"

	"github.com/loomworks/loom/pkg/claudecode"
)

// ErrAgentUnavailable indicates the worker binary could not be found or
// spawned. This is a configuration problem, not a run failure, and callers
// surface it synchronously.
var ErrAgentUnavailable = errors.New("agent binary unavailable")

// EventKind discriminates worker events.
type EventKind int

const (
	// EventMessage carries a protocol message from the worker's stdout.
	EventMessage EventKind = iota
	// EventExit reports process termination with its exit code.
	EventExit
	// EventError reports a stream-level failure (unreadable stdout).
	EventError
)

// Event is a single occurrence on a worker's event stream. Exactly one of
// Message, ExitCode, or Err is meaningful, per Kind.
type Event struct {
	Kind     EventKind
	Message  *claudecode.CLIMessage
	ExitCode int
	Err      error
}

// Options configures one worker run.
type Options struct {
	ThreadID       string
	Prompt         string
	WorkingDir     string
	Model          string
	PermissionMode string
	ResumeToken    string

	AllowedTools    []string
	DisallowedTools []string
}

// Handle controls a single worker process.
type Handle interface {
	// Start spawns the process, begins the protocol read loop, and submits
	// the prompt. A spawn failure wraps ErrAgentUnavailable.
	Start(ctx context.Context) error

	// Kill requests termination: an interrupt control request first, then a
	// hard kill if the process lingers. Fire-and-forget and idempotent.
	Kill()

	// Exited reports whether the process has terminated.
	Exited() bool

	// Events returns the worker's event stream. The channel is closed after
	// the exit event is delivered.
	Events() <-chan Event

	// Ready is closed when the worker's init handshake message arrives.
	Ready() <-chan struct{}
}

// Factory creates worker handles. The CLI implementation spawns real
// processes; tests substitute fakes.
type Factory interface {
	Create(opts Options) (Handle, error)
}
