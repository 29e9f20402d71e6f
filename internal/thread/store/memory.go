package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/thread/models"
)

// MemoryStore is an in-memory Store used in tests and for ephemeral setups.
type MemoryStore struct {
	mu        sync.RWMutex
	projects  map[string]*models.Project
	threads   map[string]*models.Thread
	messages  map[string]*models.Message
	toolCalls map[string]*models.ToolCall
	seq       int64
	order     map[string]int64 // insertion order for stable listings
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:  make(map[string]*models.Project),
		threads:   make(map[string]*models.Thread),
		messages:  make(map[string]*models.Message),
		toolCalls: make(map[string]*models.ToolCall),
		order:     make(map[string]int64),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) nextSeq(id string) {
	s.seq++
	s.order[id] = s.seq
}

func copyProject(p *models.Project) *models.Project {
	c := *p
	return &c
}

func copyThread(t *models.Thread) *models.Thread {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func copyMessage(m *models.Message) *models.Message {
	c := *m
	c.Attachments = append([]models.Attachment(nil), m.Attachments...)
	return &c
}

func copyToolCall(tc *models.ToolCall) *models.ToolCall {
	c := *tc
	if tc.Output != nil {
		out := *tc.Output
		c.Output = &out
	}
	return &c
}

// CreateProject stores a new project.
func (s *MemoryStore) CreateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.FollowUpMode == "" {
		project.FollowUpMode = models.FollowUpInterrupt
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	s.projects[project.ID] = copyProject(project)
	return nil
}

// GetProject retrieves a project by ID.
func (s *MemoryStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	project, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProject(project), nil
}

// CreateThread stores a new thread.
func (s *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if thread.Status == "" {
		thread.Status = models.StatusIdle
	}
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now

	s.threads[thread.ID] = copyThread(thread)
	return nil
}

// GetThread retrieves a thread by ID.
func (s *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyThread(thread), nil
}

// UpdateThread applies a partial update to a thread.
func (s *MemoryStore) UpdateThread(ctx context.Context, id string, update models.ThreadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}

	if update.Status != nil {
		thread.Status = *update.Status
	}
	if update.WaitingReason != nil {
		thread.WaitingReason = *update.WaitingReason
	}
	if update.Stage != nil {
		thread.Stage = *update.Stage
	}
	if update.ResumeToken != nil {
		thread.ResumeToken = *update.ResumeToken
	}
	if update.Model != nil {
		thread.Model = *update.Model
	}
	if update.PermissionMode != nil {
		thread.PermissionMode = *update.PermissionMode
	}
	if update.Provider != nil {
		thread.Provider = *update.Provider
	}
	if update.CostUSD != nil {
		thread.CostUSD = *update.CostUSD
	}
	if update.LastDurationMS != nil {
		thread.LastDurationMS = *update.LastDurationMS
	}
	if update.LastResult != nil {
		thread.LastResult = *update.LastResult
	}
	if update.CompletedAt != nil {
		at := *update.CompletedAt
		thread.CompletedAt = &at
	}
	if update.Title != nil {
		thread.Title = *update.Title
	}
	thread.UpdatedAt = time.Now().UTC()
	return nil
}

// ListThreads returns all threads in a project, newest first.
func (s *MemoryStore) ListThreads(ctx context.Context, projectID string) ([]*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Thread
	for _, thread := range s.threads {
		if thread.ProjectID == projectID {
			result = append(result, copyThread(thread))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// MarkActiveThreadsInterrupted transitions pending/running threads to interrupted.
func (s *MemoryStore) MarkActiveThreadsInterrupted(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	now := time.Now().UTC()
	for _, thread := range s.threads {
		if thread.Status.IsActive() {
			thread.Status = models.StatusInterrupted
			thread.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// InsertMessage stores a new message.
func (s *MemoryStore) InsertMessage(ctx context.Context, message *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now

	s.messages[message.ID] = copyMessage(message)
	s.nextSeq(message.ID)
	return nil
}

// UpdateMessageContent replaces the content of an existing message.
func (s *MemoryStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	message.Content = content
	message.UpdatedAt = time.Now().UTC()
	return nil
}

// GetMessage retrieves a message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(message), nil
}

// ListMessages returns all messages for a thread in insertion order.
func (s *MemoryStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Message
	for _, message := range s.messages {
		if message.ThreadID == threadID {
			result = append(result, copyMessage(message))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.order[result[i].ID] < s.order[result[j].ID]
	})
	return result, nil
}

// InsertToolCall stores a new tool call.
func (s *MemoryStore) InsertToolCall(ctx context.Context, call *models.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	if call.Input == "" {
		call.Input = "{}"
	}

	s.toolCalls[call.ID] = copyToolCall(call)
	s.nextSeq(call.ID)
	return nil
}

// UpdateToolCallOutput sets the output of an existing tool call.
func (s *MemoryStore) UpdateToolCallOutput(ctx context.Context, id, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.toolCalls[id]
	if !ok {
		return ErrNotFound
	}
	call.Output = &output
	call.UpdatedAt = time.Now().UTC()
	return nil
}

// GetToolCall retrieves a tool call by ID.
func (s *MemoryStore) GetToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	call, ok := s.toolCalls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyToolCall(call), nil
}

// FindToolCall looks up a tool call by message, name, and input.
func (s *MemoryStore) FindToolCall(ctx context.Context, messageID, name, input string) (*models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.ToolCall
	for _, call := range s.toolCalls {
		if call.MessageID == messageID && call.Name == name && call.Input == input {
			if best == nil || s.order[call.ID] < s.order[best.ID] {
				best = call
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyToolCall(best), nil
}

// ListToolCalls returns all tool calls for a message in insertion order.
func (s *MemoryStore) ListToolCalls(ctx context.Context, messageID string) ([]*models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.ToolCall
	for _, call := range s.toolCalls {
		if call.MessageID == messageID {
			result = append(result, copyToolCall(call))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.order[result[i].ID] < s.order[result[j].ID]
	})
	return result, nil
}
