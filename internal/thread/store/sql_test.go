package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loomdb "github.com/loomworks/loom/internal/db"
	"github.com/loomworks/loom/internal/thread/models"
)

func setupStore(t *testing.T) *SQLStore {
	t.Helper()

	raw, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(raw, "sqlite3")
	// A single connection keeps the :memory: database alive for the test.
	sqlxDB.SetMaxOpenConns(1)

	s, err := NewSQLStore(loomdb.NewPool(sqlxDB, sqlxDB))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestThread(t *testing.T, s Store) *models.Thread {
	t.Helper()
	ctx := context.Background()

	project := &models.Project{Name: "test project", FollowUpMode: models.FollowUpQueue}
	require.NoError(t, s.CreateProject(ctx, project))

	thread := &models.Thread{ProjectID: project.ID, OwnerID: "user-1", Title: "fix the build"}
	require.NoError(t, s.CreateThread(ctx, thread))
	return thread
}

func TestSQLStore_Projects(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		project := &models.Project{Name: "alpha"}
		require.NoError(t, s.CreateProject(ctx, project))
		require.NotEmpty(t, project.ID)

		got, err := s.GetProject(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Name)
		// Follow-up mode defaults to interrupt
		assert.Equal(t, models.FollowUpInterrupt, got.FollowUpMode)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.GetProject(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLStore_Threads(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	t.Run("create defaults to idle", func(t *testing.T) {
		thread := createTestThread(t, s)

		got, err := s.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusIdle, got.Status)
		assert.Equal(t, models.WaitingNone, got.WaitingReason)
		assert.Empty(t, got.ResumeToken)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("partial update", func(t *testing.T) {
		thread := createTestThread(t, s)

		status := models.StatusRunning
		token := "sess-abc123"
		require.NoError(t, s.UpdateThread(ctx, thread.ID, models.ThreadUpdate{
			Status:      &status,
			ResumeToken: &token,
		}))

		got, err := s.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status)
		assert.Equal(t, "sess-abc123", got.ResumeToken)
		// Untouched fields survive
		assert.Equal(t, "fix the build", got.Title)
	})

	t.Run("terminal update with cost and completion", func(t *testing.T) {
		thread := createTestThread(t, s)

		status := models.StatusCompleted
		cost := 0.08
		duration := int64(12500)
		completedAt := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.UpdateThread(ctx, thread.ID, models.ThreadUpdate{
			Status:         &status,
			CostUSD:        &cost,
			LastDurationMS: &duration,
			CompletedAt:    &completedAt,
		}))

		got, err := s.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.InDelta(t, 0.08, got.CostUSD, 1e-9)
		assert.Equal(t, int64(12500), got.LastDurationMS)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("update unknown thread", func(t *testing.T) {
		status := models.StatusRunning
		err := s.UpdateThread(ctx, "missing", models.ThreadUpdate{Status: &status})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty update is a no-op", func(t *testing.T) {
		thread := createTestThread(t, s)
		require.NoError(t, s.UpdateThread(ctx, thread.ID, models.ThreadUpdate{}))
	})
}

func TestSQLStore_MarkActiveThreadsInterrupted(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	running := createTestThread(t, s)
	pending := createTestThread(t, s)
	completed := createTestThread(t, s)

	set := func(id string, status models.ThreadStatus) {
		require.NoError(t, s.UpdateThread(ctx, id, models.ThreadUpdate{Status: &status}))
	}
	set(running.ID, models.StatusRunning)
	set(pending.ID, models.StatusPending)
	set(completed.ID, models.StatusCompleted)

	count, err := s.MarkActiveThreadsInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	for _, id := range []string{running.ID, pending.ID} {
		got, err := s.GetThread(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInterrupted, got.Status)
	}

	got, err := s.GetThread(ctx, completed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestSQLStore_Messages(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	thread := createTestThread(t, s)

	t.Run("insert and update content", func(t *testing.T) {
		message := &models.Message{
			ThreadID: thread.ID,
			Role:     models.RoleAssistant,
			Content:  "Hel",
		}
		require.NoError(t, s.InsertMessage(ctx, message))
		require.NotEmpty(t, message.ID)

		require.NoError(t, s.UpdateMessageContent(ctx, message.ID, "Hello world"))

		got, err := s.GetMessage(ctx, message.ID)
		require.NoError(t, err)
		assert.Equal(t, "Hello world", got.Content)
		assert.Equal(t, models.RoleAssistant, got.Role)
	})

	t.Run("attachments round trip", func(t *testing.T) {
		message := &models.Message{
			ThreadID: thread.ID,
			Role:     models.RoleUser,
			Content:  "see attached",
			Attachments: []models.Attachment{
				{Path: "/tmp/log.txt", MimeType: "text/plain"},
			},
		}
		require.NoError(t, s.InsertMessage(ctx, message))

		got, err := s.GetMessage(ctx, message.ID)
		require.NoError(t, err)
		require.Len(t, got.Attachments, 1)
		assert.Equal(t, "/tmp/log.txt", got.Attachments[0].Path)
	})

	t.Run("list preserves order", func(t *testing.T) {
		other := createTestThread(t, s)
		for _, content := range []string{"first", "second", "third"} {
			require.NoError(t, s.InsertMessage(ctx, &models.Message{
				ThreadID: other.ID,
				Role:     models.RoleUser,
				Content:  content,
			}))
		}

		messages, err := s.ListMessages(ctx, other.ID)
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.Equal(t, "first", messages[0].Content)
		assert.Equal(t, "third", messages[2].Content)
	})

	t.Run("update unknown message", func(t *testing.T) {
		err := s.UpdateMessageContent(ctx, "missing", "content")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLStore_ToolCalls(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	thread := createTestThread(t, s)

	message := &models.Message{ThreadID: thread.ID, Role: models.RoleAssistant, Content: "let me check"}
	require.NoError(t, s.InsertMessage(ctx, message))

	t.Run("insert and attach output", func(t *testing.T) {
		call := &models.ToolCall{
			MessageID: message.ID,
			ThreadID:  thread.ID,
			Name:      "Bash",
			Input:     `{"command":"ls"}`,
		}
		require.NoError(t, s.InsertToolCall(ctx, call))
		require.NotEmpty(t, call.ID)

		got, err := s.GetToolCall(ctx, call.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Output)

		require.NoError(t, s.UpdateToolCallOutput(ctx, call.ID, "main.go\ngo.mod"))

		got, err = s.GetToolCall(ctx, call.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Output)
		assert.Equal(t, "main.go\ngo.mod", *got.Output)
	})

	t.Run("find by message name and input", func(t *testing.T) {
		call := &models.ToolCall{
			MessageID: message.ID,
			ThreadID:  thread.ID,
			Name:      "Read",
			Input:     `{"file_path":"main.go"}`,
		}
		require.NoError(t, s.InsertToolCall(ctx, call))

		found, err := s.FindToolCall(ctx, message.ID, "Read", `{"file_path":"main.go"}`)
		require.NoError(t, err)
		assert.Equal(t, call.ID, found.ID)

		_, err = s.FindToolCall(ctx, message.ID, "Read", `{"file_path":"other.go"}`)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list preserves order", func(t *testing.T) {
		listMsg := &models.Message{ThreadID: thread.ID, Role: models.RoleAssistant, Content: "multi"}
		require.NoError(t, s.InsertMessage(ctx, listMsg))

		for _, name := range []string{"Glob", "Grep", "Edit"} {
			require.NoError(t, s.InsertToolCall(ctx, &models.ToolCall{
				MessageID: listMsg.ID,
				ThreadID:  thread.ID,
				Name:      name,
				Input:     "{}",
			}))
		}

		calls, err := s.ListToolCalls(ctx, listMsg.ID)
		require.NoError(t, err)
		require.Len(t, calls, 3)
		assert.Equal(t, "Glob", calls[0].Name)
		assert.Equal(t, "Edit", calls[2].Name)
	})
}
