package orchestrator

import (
	"context"

	"github.com/loomworks/loom/internal/events/bus"
	"github.com/loomworks/loom/internal/thread/models"
)

// Event subjects published by the orchestrator. Subscribers typically use
// the "thread.>" wildcard and dispatch on the event type.
const (
	SubjectThreadStatus      = "thread.status"
	SubjectThreadInit        = "thread.init"
	SubjectThreadMessage     = "thread.message"
	SubjectThreadToolCall    = "thread.tool_call"
	SubjectThreadToolOutput  = "thread.tool_output"
	SubjectThreadResult      = "thread.result"
	SubjectThreadQueueUpdate = "thread.queue.update"
)

const eventSource = "orchestrator"

// notifier publishes thread lifecycle events on the bus. Publish failures
// are logged by the bus implementations; the orchestrator does not roll back
// persisted state on a failed emit.
type notifier struct {
	bus bus.EventBus
}

func (n *notifier) statusChanged(ctx context.Context, thread *models.Thread) error {
	data := map[string]interface{}{
		"threadId":      thread.ID,
		"projectId":     thread.ProjectID,
		"status":        string(thread.Status),
		"waitingReason": string(thread.WaitingReason),
	}
	if thread.Stage != "" {
		data["stage"] = thread.Stage
	}
	if thread.PermissionMode != "" {
		data["permissionMode"] = thread.PermissionMode
	}
	return n.bus.Publish(ctx, SubjectThreadStatus, bus.NewEvent(SubjectThreadStatus, eventSource, data))
}

func (n *notifier) agentInitialized(ctx context.Context, threadID, resumeToken, model, cwd string, tools []string) error {
	return n.bus.Publish(ctx, SubjectThreadInit, bus.NewEvent(SubjectThreadInit, eventSource, map[string]interface{}{
		"threadId":    threadID,
		"resumeToken": resumeToken,
		"model":       model,
		"cwd":         cwd,
		"tools":       tools,
	}))
}

func (n *notifier) messageUpserted(ctx context.Context, msg *models.Message) error {
	return n.bus.Publish(ctx, SubjectThreadMessage, bus.NewEvent(SubjectThreadMessage, eventSource, map[string]interface{}{
		"threadId":  msg.ThreadID,
		"messageId": msg.ID,
		"role":      string(msg.Role),
		"content":   msg.Content,
	}))
}

func (n *notifier) toolCallCreated(ctx context.Context, call *models.ToolCall) error {
	return n.bus.Publish(ctx, SubjectThreadToolCall, bus.NewEvent(SubjectThreadToolCall, eventSource, map[string]interface{}{
		"threadId":   call.ThreadID,
		"toolCallId": call.ID,
		"messageId":  call.MessageID,
		"name":       call.Name,
		"input":      call.Input,
	}))
}

func (n *notifier) toolCallUpdated(ctx context.Context, call *models.ToolCall) error {
	data := map[string]interface{}{
		"threadId":   call.ThreadID,
		"toolCallId": call.ID,
		"messageId":  call.MessageID,
		"name":       call.Name,
	}
	if call.Output != nil {
		data["output"] = *call.Output
	}
	return n.bus.Publish(ctx, SubjectThreadToolOutput, bus.NewEvent(SubjectThreadToolOutput, eventSource, data))
}

func (n *notifier) runResolved(ctx context.Context, thread *models.Thread, resultText string, isError bool) error {
	return n.bus.Publish(ctx, SubjectThreadResult, bus.NewEvent(SubjectThreadResult, eventSource, map[string]interface{}{
		"threadId":      thread.ID,
		"status":        string(thread.Status),
		"waitingReason": string(thread.WaitingReason),
		"result":        resultText,
		"isError":       isError,
		"costUsd":       thread.CostUSD,
		"durationMs":    thread.LastDurationMS,
	}))
}

func (n *notifier) queueUpdated(ctx context.Context, threadID string, depth int, nextPreview string) error {
	return n.bus.Publish(ctx, SubjectThreadQueueUpdate, bus.NewEvent(SubjectThreadQueueUpdate, eventSource, map[string]interface{}{
		"threadId":    threadID,
		"depth":       depth,
		"nextPreview": nextPreview,
	}))
}
