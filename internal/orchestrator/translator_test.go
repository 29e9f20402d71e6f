package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/thread/models"
	"github.com/loomworks/loom/pkg/claudecode"
)

// The translator tests drive HandleMessage directly, without a worker, so
// every write and emit happens synchronously.

func TestTranslatorCumulativeAssistantContent(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	env.orch.translator.HandleMessage(ctx, thread.ID, assistantText("msg_1", "Hel"))
	env.orch.translator.HandleMessage(ctx, thread.ID, assistantText("msg_1", "Hello world"))

	messages, err := env.store.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Hello world", messages[0].Content)
	assert.Equal(t, models.RoleAssistant, messages[0].Role)
}

func TestTranslatorMultipleTextBlocksJoined(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	env.orch.translator.HandleMessage(ctx, thread.ID, &claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.MessageBody{
			ID:   "msg_1",
			Role: "assistant",
			Content: []claudecode.ContentBlock{
				{Type: claudecode.BlockTypeText, Text: "First paragraph"},
				{Type: claudecode.BlockTypeThinking, Thinking: "hidden"},
				{Type: claudecode.BlockTypeText, Text: "Second paragraph"},
			},
		},
	})

	messages, err := env.store.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "First paragraph\n\nSecond paragraph", messages[0].Content)
}

func TestTranslatorDecodesUnicodeBeforeStorageAndEmit(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	env.orch.translator.HandleMessage(ctx, thread.ID, assistantText("msg_1", `Updated caf\u00e9.go`))

	messages, err := env.store.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Updated café.go", messages[0].Content)

	env.rec.mu.Lock()
	defer env.rec.mu.Unlock()
	var emitted string
	for _, ev := range env.rec.events {
		if ev.Type == SubjectThreadMessage {
			emitted, _ = ev.Data["content"].(string)
		}
	}
	assert.Equal(t, "Updated café.go", emitted)
}

func TestTranslatorToolUseDedupAcrossRuns(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	msg := assistantTextAndTool("msg_1", "Reading", "toolu_1", "Read", map[string]any{"file_path": "a.go"})
	env.orch.translator.HandleMessage(ctx, thread.ID, msg)

	// New run: per-run state resets, the dedup map must not.
	env.orch.states.clearRun(thread.ID)

	replay := assistantTextAndTool("msg_9", "Reading", "toolu_1", "Read", map[string]any{"file_path": "a.go"})
	env.orch.translator.HandleMessage(ctx, thread.ID, replay)

	messages, err := env.store.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	var total int
	for _, m := range messages {
		calls, err := env.store.ListToolCalls(ctx, m.ID)
		require.NoError(t, err)
		total += len(calls)
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, env.rec.countType(SubjectThreadToolCall))
}

func TestTranslatorToolUseWithoutTextCreatesParentMessage(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	env.orch.translator.HandleMessage(ctx, thread.ID, &claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.MessageBody{
			ID:   "msg_1",
			Role: "assistant",
			Content: []claudecode.ContentBlock{
				{Type: claudecode.BlockTypeToolUse, ID: "toolu_1", Name: "Glob", Input: map[string]any{"pattern": "*.go"}},
			},
		},
	})

	messages, err := env.store.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "", messages[0].Content)

	calls, err := env.store.ListToolCalls(ctx, messages[0].ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "Glob", calls[0].Name)

	var input map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].Input), &input))
	assert.Equal(t, "*.go", input["pattern"])
}

func TestTranslatorUnmatchedToolResultSkipped(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	env.orch.translator.HandleMessage(ctx, thread.ID, toolResult("toolu_unknown", "output"))

	assert.Equal(t, 0, env.rec.countType(SubjectThreadToolOutput))
}

func TestTranslatorQuestionTakesPrecedenceOverPermission(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	env.orch.translator.HandleMessage(ctx, thread.ID,
		assistantTextAndTool("msg_1", "", "toolu_q", claudecode.ToolAskUserQuestion, nil))
	env.orch.translator.HandleMessage(ctx, thread.ID,
		assistantTextAndTool("msg_2", "", "toolu_b", "Bash", map[string]any{"command": "ls"}))
	env.orch.translator.HandleMessage(ctx, thread.ID,
		toolResult("toolu_b", "Claude requested permissions to use Bash, but you have not granted it."))
	env.orch.translator.HandleMessage(ctx, thread.ID, resultMsg(false, 0.01, 100, ""))

	got, err := env.store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)
	assert.Equal(t, models.WaitingQuestion, got.WaitingReason)
}

func TestTranslatorResultErrorFailsThread(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	env.orch.translator.HandleMessage(ctx, thread.ID, resultMsg(true, 0.03, 700, "context limit exceeded"))

	got, err := env.store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "context limit exceeded", got.LastResult)
	assert.InDelta(t, 0.03, got.CostUSD, 1e-9)
}

func TestTranslatorCostAccumulatesAcrossRuns(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	env.orch.translator.HandleMessage(ctx, thread.ID, resultMsg(false, 0.05, 100, "one"))
	env.orch.states.clearRun(thread.ID)
	env.orch.translator.HandleMessage(ctx, thread.ID, resultMsg(false, 0.03, 100, "two"))

	got, err := env.store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.08, got.CostUSD, 1e-9)
}

func TestTranslatorInitStoresResumeToken(t *testing.T) {
	env := newTestEnv(t)
	thread := env.createThread(t, models.FollowUpInterrupt)
	ctx := context.Background()

	env.orch.translator.HandleMessage(ctx, thread.ID, initMsg("sess_xyz"))

	got, err := env.store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess_xyz", got.ResumeToken)
	assert.Equal(t, 1, env.rec.countType(SubjectThreadInit))
}
