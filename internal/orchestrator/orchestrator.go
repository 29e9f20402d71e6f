// Package orchestrator supervises one external agent worker per thread,
// translating its protocol stream into durable records and notification
// events under a strict status state machine.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/agent/worker"
	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/events/bus"
	"github.com/loomworks/loom/internal/orchestrator/followup"
	"github.com/loomworks/loom/internal/thread/models"
	"github.com/loomworks/loom/internal/thread/store"
	"github.com/loomworks/loom/internal/tracing"
)

const defaultHandshakeTimeout = 30 * time.Second

func tracer() trace.Tracer { return tracing.Tracer("orchestrator") }

// StartOptions carries the caller's parameters for one agent run.
type StartOptions struct {
	Prompt         string
	WorkingDir     string
	Model          string
	PermissionMode string
	Provider       string
	Attachments    []models.Attachment

	AllowedTools    []string
	DisallowedTools []string
}

// Config tunes orchestrator behavior.
type Config struct {
	// HandshakeTimeout bounds how long StartAgent waits for the worker's
	// init message before returning control to the caller.
	HandshakeTimeout time.Duration
}

// Orchestrator is the public surface for running agents against threads. It
// owns the map of live worker handles, one per thread at most.
type Orchestrator struct {
	store      store.Store
	factory    worker.Factory
	states     *stateRegistry
	queue      *followup.Queue
	translator *translator
	notify     *notifier
	logger     *logger.Logger
	cfg        Config

	handles *handleRegistry
	locks   *threadLocks
}

// New wires an orchestrator from its collaborators.
func New(st store.Store, factory worker.Factory, eventBus bus.EventBus, log *logger.Logger, cfg Config) *Orchestrator {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	states := newStateRegistry()
	notify := &notifier{bus: eventBus}
	return &Orchestrator{
		store:   st,
		factory: factory,
		states:  states,
		queue:   followup.NewQueue(log),
		notify:  notify,
		logger:  log,
		cfg:     cfg,
		translator: &translator{
			store:  st,
			states: states,
			notify: notify,
			logger: log,
		},
		handles: newHandleRegistry(),
		locks:   newThreadLocks(),
	}
}

// StartAgent starts a new run on the thread. Any worker already attached to
// the thread is killed first; killing does not wait for the old process to
// exit. Returns an error wrapping worker.ErrAgentUnavailable when the worker
// binary cannot be spawned.
func (o *Orchestrator) StartAgent(ctx context.Context, threadID string, opts StartOptions) error {
	return o.startAgent(ctx, threadID, opts, true)
}

// StartFollowUp starts a run from a queued follow-up. The user message row
// was already persisted when the follow-up was accepted, so the replay must
// not insert it again.
func (o *Orchestrator) StartFollowUp(ctx context.Context, msg followup.QueuedMessage) error {
	return o.startAgent(ctx, msg.ThreadID, StartOptions{
		Prompt:         msg.Content,
		Model:          msg.Model,
		PermissionMode: msg.PermissionMode,
		Provider:       msg.Provider,
		Attachments:    msg.Attachments,
	}, false)
}

func (o *Orchestrator) startAgent(ctx context.Context, threadID string, opts StartOptions, persistPrompt bool) error {
	ctx, span := tracer().Start(ctx, "orchestrator.start_agent",
		trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	log := o.logger.WithThreadID(threadID)

	handle, err := o.launchWorker(ctx, threadID, opts, persistPrompt, log)
	if err != nil {
		return err
	}

	go o.pump(threadID, handle)

	select {
	case <-handle.Ready():
		log.Debug("Worker handshake complete")
	case <-time.After(o.cfg.HandshakeTimeout):
		log.Warn("Worker handshake timed out, run continues asynchronously")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// launchWorker performs the compound start sequence under the thread's lock:
// replace the old worker, reset run state, persist the prompt, transition,
// and spawn the new process.
func (o *Orchestrator) launchWorker(ctx context.Context, threadID string, opts StartOptions, persistPrompt bool, log *logger.Logger) (worker.Handle, error) {
	unlock := o.locks.lock(threadID)
	defer unlock()

	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	if old := o.handles.remove(threadID); old != nil {
		log.Info("Replacing active worker")
		old.Kill()
	}
	o.states.clearRun(threadID)

	if persistPrompt {
		if err := o.persistUserMessage(ctx, threadID, opts.Prompt, opts.Attachments); err != nil {
			return nil, err
		}
	}

	model := opts.Model
	if model == "" {
		model = thread.Model
	}
	permissionMode := opts.PermissionMode
	if permissionMode == "" {
		permissionMode = thread.PermissionMode
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = thread.WorkingDir
	}

	startUpdate := models.ThreadUpdate{
		Model:          &model,
		PermissionMode: &permissionMode,
	}
	if opts.Provider != "" {
		startUpdate.Provider = &opts.Provider
	}
	if err := o.transition(ctx, thread, EventStart, Guards{}, startUpdate); err != nil {
		return nil, err
	}

	handle, err := o.factory.Create(worker.Options{
		ThreadID:        threadID,
		Prompt:          opts.Prompt,
		WorkingDir:      workingDir,
		Model:           model,
		PermissionMode:  permissionMode,
		ResumeToken:     thread.ResumeToken,
		AllowedTools:    opts.AllowedTools,
		DisallowedTools: opts.DisallowedTools,
	})
	if err != nil {
		o.failStart(ctx, thread, log, err)
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	o.handles.put(threadID, handle)

	if err := handle.Start(ctx); err != nil {
		o.handles.removeIf(threadID, handle)
		o.failStart(ctx, thread, log, err)
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return handle, nil
}

// SendMessage delivers a prompt to a thread, honoring the owning project's
// follow-up policy. With a worker running and the project in queue mode, the
// message is persisted, queued, and a queue update is emitted; otherwise the
// message starts a run immediately, replacing any active worker. Returns
// true when the message was queued.
func (o *Orchestrator) SendMessage(ctx context.Context, threadID string, opts StartOptions) (bool, error) {
	if !o.IsAgentRunning(threadID) {
		return false, o.StartAgent(ctx, threadID, opts)
	}

	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("failed to load thread: %w", err)
	}
	project, err := o.store.GetProject(ctx, thread.ProjectID)
	if err != nil {
		return false, fmt.Errorf("failed to load project: %w", err)
	}
	if project.FollowUpMode != models.FollowUpQueue {
		return false, o.StartAgent(ctx, threadID, opts)
	}

	if err := o.persistUserMessage(ctx, threadID, opts.Prompt, opts.Attachments); err != nil {
		return false, err
	}
	_, _ = o.queue.Enqueue(followup.QueuedMessage{
		ThreadID:       threadID,
		Content:        opts.Prompt,
		Model:          opts.Model,
		PermissionMode: opts.PermissionMode,
		Provider:       opts.Provider,
		Attachments:    opts.Attachments,
	})
	return true, o.emitQueueUpdate(ctx, threadID)
}

// NextFollowUp pops the oldest queued follow-up for the thread, emitting a
// queue update when one was taken. Callers hand the message to StartFollowUp
// to begin the next run.
func (o *Orchestrator) NextFollowUp(ctx context.Context, threadID string) (followup.QueuedMessage, bool) {
	msg, ok := o.queue.Next(threadID)
	if ok {
		if err := o.emitQueueUpdate(ctx, threadID); err != nil {
			o.logger.WithThreadID(threadID).WithError(err).Error("Failed to emit queue update")
		}
	}
	return msg, ok
}

// CancelFollowUp removes one queued follow-up by id.
func (o *Orchestrator) CancelFollowUp(ctx context.Context, threadID, messageID string) bool {
	if !o.queue.Cancel(threadID, messageID) {
		return false
	}
	if err := o.emitQueueUpdate(ctx, threadID); err != nil {
		o.logger.WithThreadID(threadID).WithError(err).Error("Failed to emit queue update")
	}
	return true
}

// QueueStatus reports the thread's pending follow-ups.
func (o *Orchestrator) QueueStatus(threadID string) followup.Status {
	return o.queue.Status(threadID)
}

// StopAgent stops the thread's run. The status becomes stopped even when no
// worker is attached, and any exit or error the dying process still emits is
// suppressed.
func (o *Orchestrator) StopAgent(ctx context.Context, threadID string) error {
	ctx, span := tracer().Start(ctx, "orchestrator.stop_agent",
		trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	unlock := o.locks.lock(threadID)
	defer unlock()

	o.states.withState(threadID, func(st *threadState) {
		st.run.manuallyStopped = true
	})

	// The handle stays registered until its exit event arrives; the manual
	// stop flag suppresses that exit instead of the registry dropping it.
	if handle := o.handles.get(threadID); handle != nil {
		handle.Kill()
	}

	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}
	return o.transition(ctx, thread, EventStop, Guards{}, models.ThreadUpdate{})
}

// IsAgentRunning reports whether a live, non-exited worker is attached to
// the thread.
func (o *Orchestrator) IsAgentRunning(threadID string) bool {
	handle := o.handles.get(threadID)
	return handle != nil && !handle.Exited()
}

// CleanupThreadState tears down everything the orchestrator holds for the
// thread: the worker, run state, dedup maps, and the follow-up queue.
// Idempotent and safe on unknown thread ids.
func (o *Orchestrator) CleanupThreadState(threadID string) {
	unlock := o.locks.lock(threadID)
	defer unlock()

	if handle := o.handles.remove(threadID); handle != nil {
		handle.Kill()
	}
	o.states.cleanup(threadID)
	o.queue.Clear(threadID)
}

// ReconcileOnStartup marks threads that were mid-run when the previous
// process died. Their workers are gone, so pending and running become
// interrupted.
func (o *Orchestrator) ReconcileOnStartup(ctx context.Context) error {
	n, err := o.store.MarkActiveThreadsInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile thread statuses: %w", err)
	}
	if n > 0 {
		o.logger.Info("Marked orphaned runs as interrupted", zap.Int64("threads", n))
	}
	return nil
}

// pump drains one handle's event stream. Events from a handle that has been
// replaced or removed are dropped so a dying predecessor cannot corrupt the
// successor run's status.
func (o *Orchestrator) pump(threadID string, handle worker.Handle) {
	ctx := context.Background()
	for ev := range handle.Events() {
		if !o.handles.isCurrent(threadID, handle) {
			continue
		}
		switch ev.Kind {
		case worker.EventMessage:
			o.translator.HandleMessage(ctx, threadID, ev.Message)
		case worker.EventExit:
			o.translator.HandleExit(ctx, threadID, ev.ExitCode)
			o.handles.removeIf(threadID, handle)
		case worker.EventError:
			o.translator.HandleError(ctx, threadID, ev.Err)
		}
	}
}

// transition applies the state machine to the thread, persists the outcome
// together with extra field updates, and emits a status event.
func (o *Orchestrator) transition(ctx context.Context, thread *models.Thread, ev StatusEvent, g Guards, update models.ThreadUpdate) error {
	next, applies := NextStatus(thread.Status, ev, g)
	if !applies {
		return nil
	}

	reason := models.WaitingNone
	update.Status = &next
	update.WaitingReason = &reason
	if err := o.store.UpdateThread(ctx, thread.ID, update); err != nil {
		return fmt.Errorf("failed to update thread status: %w", err)
	}

	thread.Status = next
	thread.WaitingReason = reason
	if update.Model != nil {
		thread.Model = *update.Model
	}
	if update.PermissionMode != nil {
		thread.PermissionMode = *update.PermissionMode
	}
	return o.notify.statusChanged(ctx, thread)
}

// failStart marks the thread failed when the worker could not be spawned.
func (o *Orchestrator) failStart(ctx context.Context, thread *models.Thread, log *logger.Logger, cause error) {
	log.WithError(cause).Error("Failed to launch worker")
	failed := models.StatusFailed
	reason := models.WaitingNone
	if err := o.store.UpdateThread(ctx, thread.ID, models.ThreadUpdate{Status: &failed, WaitingReason: &reason}); err != nil {
		log.WithError(err).Error("Failed to mark thread failed")
		return
	}
	thread.Status = failed
	thread.WaitingReason = reason
	if err := o.notify.statusChanged(ctx, thread); err != nil {
		log.WithError(err).Error("Failed to emit status event")
	}
}

func (o *Orchestrator) persistUserMessage(ctx context.Context, threadID, prompt string, attachments []models.Attachment) error {
	msg := &models.Message{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		Role:        models.RoleUser,
		Content:     prompt,
		Attachments: attachments,
	}
	if err := msg.EncodeAttachments(); err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}
	return o.notify.messageUpserted(ctx, msg)
}

func (o *Orchestrator) emitQueueUpdate(ctx context.Context, threadID string) error {
	status := o.queue.Status(threadID)
	preview := ""
	if len(status.Entries) > 0 {
		preview = status.Entries[0].Preview
	}
	return o.notify.queueUpdated(ctx, threadID, status.Depth, preview)
}
