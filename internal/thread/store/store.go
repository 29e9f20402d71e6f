// Package store provides durable storage for projects, threads, messages,
// and tool calls.
package store

import (
	"context"
	"errors"

	"github.com/loomworks/loom/internal/thread/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface the orchestrator works against.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)

	// Threads
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	UpdateThread(ctx context.Context, id string, update models.ThreadUpdate) error
	ListThreads(ctx context.Context, projectID string) ([]*models.Thread, error)

	// MarkActiveThreadsInterrupted transitions all pending/running threads to
	// interrupted. Called once at startup: any thread still marked active had
	// its worker die with the previous process.
	MarkActiveThreadsInterrupted(ctx context.Context) (int64, error)

	// Messages
	InsertMessage(ctx context.Context, message *models.Message) error
	UpdateMessageContent(ctx context.Context, id, content string) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, threadID string) ([]*models.Message, error)

	// Tool calls
	InsertToolCall(ctx context.Context, call *models.ToolCall) error
	UpdateToolCallOutput(ctx context.Context, id, output string) error
	GetToolCall(ctx context.Context, id string) (*models.ToolCall, error)
	FindToolCall(ctx context.Context, messageID, name, input string) (*models.ToolCall, error)
	ListToolCalls(ctx context.Context, messageID string) ([]*models.ToolCall, error)

	Close() error
}
