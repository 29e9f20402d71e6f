package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/thread/models"
	"github.com/loomworks/loom/internal/thread/store"
	"github.com/loomworks/loom/pkg/claudecode"
)

// permissionDeniedPattern matches the CLI's tool-result text when a tool ran
// into a permission wall, e.g. "Claude requested permissions to use Bash,
// but you haven't granted it."
var permissionDeniedPattern = regexp.MustCompile(`(?i)requested permissions to use (\w+)`)

// translator turns raw CLI protocol messages into durable records and
// notification events. One message in, one unit of writes and emits out;
// arrival order per thread is preserved by the worker's event stream.
type translator struct {
	store  store.Store
	states *stateRegistry
	notify *notifier
	logger *logger.Logger
}

// HandleMessage dispatches one protocol message for the thread.
func (t *translator) HandleMessage(ctx context.Context, threadID string, msg *claudecode.CLIMessage) {
	var err error
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.Subtype == claudecode.SubtypeInit {
			err = t.handleInit(ctx, threadID, msg)
		}
	case claudecode.MessageTypeAssistant:
		err = t.handleAssistant(ctx, threadID, msg)
	case claudecode.MessageTypeUser:
		err = t.handleUser(ctx, threadID, msg)
	case claudecode.MessageTypeResult:
		err = t.handleResult(ctx, threadID, msg)
	}
	if err != nil {
		t.logger.WithThreadID(threadID).WithError(err).Error("Failed to process agent message",
			zap.String("message_type", msg.Type))
	}
}

// handleInit stores the session id as the thread's resume token and
// announces the initialized agent.
func (t *translator) handleInit(ctx context.Context, threadID string, msg *claudecode.CLIMessage) error {
	if msg.SessionID != "" {
		token := msg.SessionID
		if err := t.store.UpdateThread(ctx, threadID, models.ThreadUpdate{ResumeToken: &token}); err != nil {
			return fmt.Errorf("failed to store resume token: %w", err)
		}
	}
	return t.notify.agentInitialized(ctx, threadID, msg.SessionID, msg.Model, msg.CWD, msg.Tools)
}

// handleAssistant upserts the streaming assistant turn and records any new
// tool uses. The CLI repeats the same worker message id with cumulative
// content, so an already-mapped id means update in place, never insert.
func (t *translator) handleAssistant(ctx context.Context, threadID string, msg *claudecode.CLIMessage) error {
	if msg.Message == nil {
		return nil
	}
	workerMsgID := msg.Message.ID

	var texts []string
	for _, block := range msg.Message.Content {
		if block.Type == claudecode.BlockTypeText && block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	content := decodeUnicodeEscapes(strings.Join(texts, "\n\n"))

	var dbMsgID string
	t.states.withState(threadID, func(st *threadState) {
		dbMsgID = st.run.assistantMsgIDs[workerMsgID]
	})

	if content != "" || dbMsgID != "" {
		if dbMsgID == "" {
			msgID, err := t.insertAssistantMessage(ctx, threadID, workerMsgID, content)
			if err != nil {
				return err
			}
			dbMsgID = msgID
		} else {
			if err := t.store.UpdateMessageContent(ctx, dbMsgID, content); err != nil {
				return fmt.Errorf("failed to update assistant message: %w", err)
			}
			if err := t.notify.messageUpserted(ctx, &models.Message{
				ID: dbMsgID, ThreadID: threadID, Role: models.RoleAssistant, Content: content,
			}); err != nil {
				return err
			}
		}
	}

	for _, block := range msg.Message.Content {
		if block.Type != claudecode.BlockTypeToolUse {
			continue
		}
		if err := t.recordToolUse(ctx, threadID, workerMsgID, &dbMsgID, &block); err != nil {
			return err
		}
	}
	return nil
}

func (t *translator) insertAssistantMessage(ctx context.Context, threadID, workerMsgID, content string) (string, error) {
	msg := &models.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Role:     models.RoleAssistant,
		Content:  content,
	}
	if err := t.store.InsertMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to insert assistant message: %w", err)
	}
	t.states.withState(threadID, func(st *threadState) {
		st.run.assistantMsgIDs[workerMsgID] = msg.ID
	})
	if err := t.notify.messageUpserted(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// recordToolUse persists one tool_use block unless its worker id was already
// processed in an earlier message or an earlier run. Duplicates are replay
// from session resumption and are dropped without a notification.
func (t *translator) recordToolUse(ctx context.Context, threadID, workerMsgID string, dbMsgID *string, block *claudecode.ContentBlock) error {
	var duplicate bool
	t.states.withState(threadID, func(st *threadState) {
		_, duplicate = st.thread.processedToolUse[block.ID]
	})
	if duplicate {
		t.logger.WithThreadID(threadID).Debug("Skipping already processed tool use",
			zap.String("tool_use_id", block.ID),
			zap.String("tool", block.Name))
		return nil
	}

	// A tool use with no preceding text still needs a parent message row.
	if *dbMsgID == "" {
		msgID, err := t.insertAssistantMessage(ctx, threadID, workerMsgID, "")
		if err != nil {
			return err
		}
		*dbMsgID = msgID
	}

	call := &models.ToolCall{
		ID:        uuid.NewString(),
		MessageID: *dbMsgID,
		ThreadID:  threadID,
		Name:      block.Name,
		Input:     block.InputJSON(),
	}
	if err := t.store.InsertToolCall(ctx, call); err != nil {
		return fmt.Errorf("failed to insert tool call: %w", err)
	}

	t.states.withState(threadID, func(st *threadState) {
		st.thread.processedToolUse[block.ID] = call.ID
		switch block.Name {
		case claudecode.ToolAskUserQuestion:
			st.run.pendingReason = models.WaitingQuestion
		case claudecode.ToolExitPlanMode:
			st.run.pendingReason = models.WaitingPlan
		}
	})

	return t.notify.toolCallCreated(ctx, call)
}

// handleUser matches tool_result blocks to their tool calls and writes the
// outputs. Results for unknown tool-use ids are skipped.
func (t *translator) handleUser(ctx context.Context, threadID string, msg *claudecode.CLIMessage) error {
	if msg.Message == nil {
		return nil
	}
	for _, block := range msg.Message.Content {
		if block.Type != claudecode.BlockTypeToolResult {
			continue
		}

		var callID string
		t.states.withState(threadID, func(st *threadState) {
			callID = st.thread.processedToolUse[block.ToolUseID]
		})
		if callID == "" {
			t.logger.WithThreadID(threadID).Debug("Tool result for unknown tool use, skipping",
				zap.String("tool_use_id", block.ToolUseID))
			continue
		}

		output := decodeUnicodeEscapes(block.ContentText())
		if err := t.store.UpdateToolCallOutput(ctx, callID, output); err != nil {
			return fmt.Errorf("failed to update tool call output: %w", err)
		}

		t.detectPermissionDenial(threadID, output)

		call, err := t.store.GetToolCall(ctx, callID)
		if err != nil {
			return fmt.Errorf("failed to load tool call: %w", err)
		}
		if err := t.notify.toolCallUpdated(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

// detectPermissionDenial flags the run as waiting on a permission grant when
// the tool output matches the CLI's denial text. A question or plan already
// pending takes precedence.
func (t *translator) detectPermissionDenial(threadID, output string) {
	match := permissionDeniedPattern.FindStringSubmatch(output)
	if match == nil {
		return
	}
	t.states.withState(threadID, func(st *threadState) {
		st.thread.pendingPermission = match[1]
		if st.run.pendingReason == models.WaitingNone {
			st.run.pendingReason = models.WaitingPermission
		}
	})
}

// handleResult resolves the run: terminal status, cost accounting, and the
// single terminal notification. A repeated result for the same run is a
// no-op.
func (t *translator) handleResult(ctx context.Context, threadID string, msg *claudecode.CLIMessage) error {
	var (
		firstResult bool
		guards      Guards
	)
	t.states.withState(threadID, func(st *threadState) {
		firstResult = !st.run.resultReceived
		guards = Guards{
			ResultReceived:  st.run.resultReceived,
			ManuallyStopped: st.run.manuallyStopped,
			PendingReason:   st.run.pendingReason,
		}
		st.run.resultReceived = true
	})
	if !firstResult {
		t.logger.WithThreadID(threadID).Debug("Duplicate result message, ignoring")
		return nil
	}

	thread, err := t.store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}

	ev := EventResultSuccess
	if msg.IsError {
		ev = EventResultError
	}
	next, applies := NextStatus(thread.Status, ev, guards)
	if !applies {
		return nil
	}

	resultText := decodeUnicodeEscapes(msg.ResultText())
	reason := models.WaitingNone
	if next == models.StatusWaiting {
		reason = guards.PendingReason
	}
	cost := thread.CostUSD + msg.CostUSD

	update := models.ThreadUpdate{
		Status:         &next,
		WaitingReason:  &reason,
		CostUSD:        &cost,
		LastDurationMS: &msg.DurationMS,
		LastResult:     &resultText,
	}
	if next == models.StatusCompleted {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if err := t.store.UpdateThread(ctx, threadID, update); err != nil {
		return fmt.Errorf("failed to resolve thread: %w", err)
	}

	thread.Status = next
	thread.WaitingReason = reason
	thread.CostUSD = cost
	thread.LastDurationMS = msg.DurationMS

	t.logger.WithThreadID(threadID).Info("Agent run resolved",
		zap.String("status", string(next)),
		zap.Float64("cost_usd", cost),
		zap.Int64("duration_ms", msg.DurationMS),
		zap.Bool("is_error", msg.IsError))

	if err := t.notify.statusChanged(ctx, thread); err != nil {
		return err
	}
	return t.notify.runResolved(ctx, thread, resultText, msg.IsError)
}

// HandleExit records a worker death. Exits after the run already resolved,
// and exits of a manually stopped worker, change nothing.
func (t *translator) HandleExit(ctx context.Context, threadID string, exitCode int) {
	t.resolveAbnormal(ctx, threadID, EventWorkerExit, zap.Int("exit_code", exitCode))
}

// HandleError records a stream-level worker failure under the same
// suppression rules as HandleExit.
func (t *translator) HandleError(ctx context.Context, threadID string, workerErr error) {
	t.resolveAbnormal(ctx, threadID, EventWorkerError, zap.NamedError("worker_error", workerErr))
}

func (t *translator) resolveAbnormal(ctx context.Context, threadID string, ev StatusEvent, fields ...zap.Field) {
	var guards Guards
	t.states.withState(threadID, func(st *threadState) {
		guards = Guards{
			ResultReceived:  st.run.resultReceived,
			ManuallyStopped: st.run.manuallyStopped,
			PendingReason:   st.run.pendingReason,
		}
	})

	log := t.logger.WithThreadID(threadID).WithFields(fields...)

	thread, err := t.store.GetThread(ctx, threadID)
	if err != nil {
		log.WithError(err).Error("Failed to load thread for worker termination")
		return
	}

	next, applies := NextStatus(thread.Status, ev, guards)
	if !applies {
		log.Debug("Worker termination after run resolution, ignoring")
		return
	}

	reason := models.WaitingNone
	update := models.ThreadUpdate{Status: &next, WaitingReason: &reason}
	if err := t.store.UpdateThread(ctx, threadID, update); err != nil {
		log.WithError(err).Error("Failed to mark thread failed")
		return
	}
	log.Warn("Worker terminated before producing a result")

	thread.Status = next
	thread.WaitingReason = reason
	if err := t.notify.statusChanged(ctx, thread); err != nil {
		log.WithError(err).Error("Failed to emit status event")
	}
}
