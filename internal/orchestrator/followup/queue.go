// Package followup holds messages sent to a thread while a run is already in
// flight. Projects in queue mode defer those messages here until the current
// run finishes; projects in interrupt mode never use the queue.
package followup

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/thread/models"
)

const previewLen = 80

// QueuedMessage is a follow-up waiting for the current run to finish. It
// carries the full set of per-run overrides so nothing is lost between
// enqueue and replay.
type QueuedMessage struct {
	ID             string              `json:"id"`
	ThreadID       string              `json:"threadId"`
	Content        string              `json:"content"`
	Model          string              `json:"model,omitempty"`
	PermissionMode string              `json:"permissionMode,omitempty"`
	Provider       string              `json:"provider,omitempty"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	QueuedAt       time.Time           `json:"queuedAt"`
}

// Entry is a queue listing item with the content truncated for display.
type Entry struct {
	ID       string    `json:"id"`
	Preview  string    `json:"preview"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Status describes one thread's queue.
type Status struct {
	ThreadID string  `json:"threadId"`
	Depth    int     `json:"depth"`
	Entries  []Entry `json:"entries"`
}

// Queue is an in-memory FIFO of follow-up messages, keyed by thread.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]QueuedMessage
	logger  *logger.Logger
}

// NewQueue creates an empty follow-up queue.
func NewQueue(log *logger.Logger) *Queue {
	return &Queue{
		pending: make(map[string][]QueuedMessage),
		logger:  log,
	}
}

// Enqueue appends a follow-up to the thread's queue, assigning it an id and
// enqueue time, and returns the stored message together with the queue depth
// after the append.
func (q *Queue) Enqueue(msg QueuedMessage) (QueuedMessage, int) {
	msg.ID = uuid.NewString()
	msg.QueuedAt = time.Now().UTC()

	q.mu.Lock()
	q.pending[msg.ThreadID] = append(q.pending[msg.ThreadID], msg)
	depth := len(q.pending[msg.ThreadID])
	q.mu.Unlock()

	q.logger.WithThreadID(msg.ThreadID).Debug("Queued follow-up message",
		zap.String("message_id", msg.ID),
		zap.Int("depth", depth))

	return msg, depth
}

// Next pops the oldest queued follow-up for the thread. Returns false when
// the queue is empty.
func (q *Queue) Next(threadID string) (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.pending[threadID]
	if len(queue) == 0 {
		return QueuedMessage{}, false
	}

	msg := queue[0]
	if len(queue) == 1 {
		delete(q.pending, threadID)
	} else {
		q.pending[threadID] = queue[1:]
	}
	return msg, true
}

// Cancel removes a single queued message by id. Returns false when the
// message is not in the thread's queue.
func (q *Queue) Cancel(threadID, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.pending[threadID]
	for i, msg := range queue {
		if msg.ID != messageID {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(q.pending, threadID)
		} else {
			q.pending[threadID] = queue
		}
		return true
	}
	return false
}

// Clear drops every queued follow-up for the thread and returns how many
// were removed.
func (q *Queue) Clear(threadID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := len(q.pending[threadID])
	delete(q.pending, threadID)
	return removed
}

// Status lists the thread's queue oldest first, with previews capped at 80
// characters.
func (q *Queue) Status(threadID string) Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.pending[threadID]
	status := Status{
		ThreadID: threadID,
		Depth:    len(queue),
		Entries:  make([]Entry, 0, len(queue)),
	}
	for _, msg := range queue {
		status.Entries = append(status.Entries, Entry{
			ID:       msg.ID,
			Preview:  preview(msg.Content),
			QueuedAt: msg.QueuedAt,
		})
	}
	return status
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen-3]) + "..."
}
