package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/pkg/claudecode"
)

// killGrace is how long Kill waits after the interrupt control request
// before hard-killing the process.
const killGrace = 2 * time.Second

// CLIFactoryConfig configures the CLI worker factory.
type CLIFactoryConfig struct {
	// Binary is the CLI executable name or path.
	Binary string

	// DefaultModel is applied when Options.Model is empty.
	DefaultModel string

	// DefaultPermissionMode is applied when Options.PermissionMode is empty.
	DefaultPermissionMode string

	// Profile supplies default allowed/disallowed tool sets when the run
	// options carry none.
	Profile *ToolProfile
}

// CLIFactory creates handles that spawn the Claude Code CLI in stream-json
// mode.
type CLIFactory struct {
	cfg    CLIFactoryConfig
	logger *logger.Logger
}

// NewCLIFactory creates a CLI worker factory.
func NewCLIFactory(cfg CLIFactoryConfig, log *logger.Logger) *CLIFactory {
	return &CLIFactory{cfg: cfg, logger: log}
}

// Create resolves the binary and prepares a handle. The process is not
// spawned until Start.
func (f *CLIFactory) Create(opts Options) (Handle, error) {
	path, err := exec.LookPath(f.cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %q not found in PATH: %v", ErrAgentUnavailable, f.cfg.Binary, err)
	}

	return &procHandle{
		binary: path,
		args:   buildArgs(opts, f.cfg),
		opts:   opts,
		logger: f.logger.WithThreadID(opts.ThreadID),
		events: make(chan Event, 128),
		ready:  make(chan struct{}),
	}, nil
}

// buildArgs assembles the CLI argument list for one run.
func buildArgs(opts Options, cfg CLIFactoryConfig) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	model := opts.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	permissionMode := opts.PermissionMode
	if permissionMode == "" {
		permissionMode = cfg.DefaultPermissionMode
	}
	if permissionMode != "" {
		args = append(args, "--permission-mode", permissionMode)
	}

	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}

	allowed := opts.AllowedTools
	disallowed := opts.DisallowedTools
	if len(allowed) == 0 && len(disallowed) == 0 && cfg.Profile != nil {
		allowed = cfg.Profile.Allowed
		disallowed = cfg.Profile.Disallowed
	}
	if len(allowed) > 0 {
		args = append(args, "--allowedTools", strings.Join(allowed, ","))
	}
	if len(disallowed) > 0 {
		args = append(args, "--disallowedTools", strings.Join(disallowed, ","))
	}

	return args
}

// procHandle is the Handle implementation backed by a real CLI process.
type procHandle struct {
	binary string
	args   []string
	opts   Options
	logger *logger.Logger

	cmd    *exec.Cmd
	client *claudecode.Client
	stderr bytes.Buffer

	events    chan Event
	ready     chan struct{}
	readyOnce sync.Once
	killOnce  sync.Once
	exited    atomic.Bool
}

// Start spawns the process, wires the protocol client, and submits the prompt.
func (h *procHandle) Start(ctx context.Context) error {
	cmd := exec.Command(h.binary, h.args...)
	if h.opts.WorkingDir != "" {
		cmd.Dir = h.opts.WorkingDir
	}
	cmd.Stderr = &h.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to spawn %s: %v", ErrAgentUnavailable, h.binary, err)
	}
	h.cmd = cmd

	h.logger.Info("worker process started",
		zap.String("binary", h.binary),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("args", h.args))

	client := claudecode.NewClient(stdin, stdout, h.logger)
	client.SetMessageHandler(h.handleMessage)
	client.SetErrorHandler(h.handleStreamError)
	h.client = client

	finished := client.Start(ctx)

	if err := client.SendUserMessage(h.opts.Prompt); err != nil {
		h.Kill()
		return fmt.Errorf("failed to submit prompt: %w", err)
	}

	go h.wait(finished)
	return nil
}

// handleMessage forwards protocol messages onto the event stream and closes
// the ready channel on the init handshake.
func (h *procHandle) handleMessage(msg *claudecode.CLIMessage) {
	if msg.Type == claudecode.MessageTypeSystem && msg.Subtype == claudecode.SubtypeInit {
		h.readyOnce.Do(func() { close(h.ready) })
	}
	h.events <- Event{Kind: EventMessage, Message: msg}
}

func (h *procHandle) handleStreamError(err error) {
	h.events <- Event{Kind: EventError, Err: err}
}

// wait blocks until the read loop drains and the process exits, then emits
// the exit event and closes the stream.
func (h *procHandle) wait(finished <-chan struct{}) {
	<-finished

	code := 0
	if err := h.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			h.events <- Event{Kind: EventError, Err: err}
			code = -1
		}
	}

	h.exited.Store(true)
	h.client.Stop()

	if code != 0 {
		h.logger.Warn("worker process exited",
			zap.Int("exit_code", code),
			zap.String("stderr", tail(h.stderr.String(), 2048)))
	}

	h.events <- Event{Kind: EventExit, ExitCode: code}
	close(h.events)
}

// Kill requests termination. The interrupt gives the CLI a chance to flush
// a final result; the hard kill follows after a short grace period.
func (h *procHandle) Kill() {
	h.killOnce.Do(func() {
		go func() {
			if h.client != nil {
				if err := h.client.SendInterrupt(); err != nil {
					h.logger.Debug("interrupt request failed", zap.Error(err))
				}
			}

			deadline := time.After(killGrace)
			tick := time.NewTicker(50 * time.Millisecond)
			defer tick.Stop()
			for {
				select {
				case <-deadline:
					if h.cmd != nil && h.cmd.Process != nil {
						_ = h.cmd.Process.Kill()
					}
					return
				case <-tick.C:
					if h.exited.Load() {
						return
					}
				}
			}
		}()
	})
}

// Exited reports whether the process has terminated.
func (h *procHandle) Exited() bool {
	return h.exited.Load()
}

// Events returns the worker's event stream.
func (h *procHandle) Events() <-chan Event {
	return h.events
}

// Ready is closed when the init handshake message arrives.
func (h *procHandle) Ready() <-chan struct{} {
	return h.ready
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
