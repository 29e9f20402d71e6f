// Package models defines the persistent records for projects, threads,
// messages, and tool calls.
package models

import (
	"encoding/json"
	"time"
)

// ThreadStatus is the lifecycle state of a thread's agent run.
type ThreadStatus string

const (
	// StatusIdle means the thread has never run an agent.
	StatusIdle ThreadStatus = "idle"
	// StatusPending means a run was requested but the worker has not started.
	StatusPending ThreadStatus = "pending"
	// StatusRunning means a worker is actively processing the thread.
	StatusRunning ThreadStatus = "running"
	// StatusWaiting means the run finished but the agent needs user input.
	StatusWaiting ThreadStatus = "waiting"
	// StatusCompleted means the run finished successfully.
	StatusCompleted ThreadStatus = "completed"
	// StatusFailed means the run finished with an error or the worker died.
	StatusFailed ThreadStatus = "failed"
	// StatusStopped means the user stopped the run.
	StatusStopped ThreadStatus = "stopped"
	// StatusInterrupted means the run was cut short, e.g. by a restart.
	StatusInterrupted ThreadStatus = "interrupted"
)

// IsTerminal reports whether the status is a resting state that permits a
// new run to start.
func (s ThreadStatus) IsTerminal() bool {
	switch s {
	case StatusIdle, StatusWaiting, StatusCompleted, StatusFailed, StatusStopped, StatusInterrupted:
		return true
	}
	return false
}

// IsActive reports whether a worker is (or is about to be) attached.
func (s ThreadStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// WaitingReason qualifies StatusWaiting with why the agent paused.
type WaitingReason string

const (
	WaitingNone       WaitingReason = ""
	WaitingQuestion   WaitingReason = "question"
	WaitingPlan       WaitingReason = "plan"
	WaitingPermission WaitingReason = "permission"
)

// FollowUpMode controls what happens when a prompt arrives while a worker
// is still running on the thread.
type FollowUpMode string

const (
	// FollowUpInterrupt kills the current worker and starts a new run.
	FollowUpInterrupt FollowUpMode = "interrupt"
	// FollowUpQueue holds the prompt until the current run resolves.
	FollowUpQueue FollowUpMode = "queue"
)

// MessageRole identifies the author of a thread message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Project groups threads and carries per-project run policy.
type Project struct {
	ID           string       `json:"id" db:"id"`
	Name         string       `json:"name" db:"name"`
	FollowUpMode FollowUpMode `json:"follow_up_mode" db:"follow_up_mode"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// Thread is one conversation with the coding agent. A thread holds the
// durable run state: status, the worker's resume token, and accumulated cost.
type Thread struct {
	ID             string        `json:"id" db:"id"`
	ProjectID      string        `json:"project_id" db:"project_id"`
	OwnerID        string        `json:"owner_id" db:"owner_id"`
	Title          string        `json:"title" db:"title"`
	Status         ThreadStatus  `json:"status" db:"status"`
	WaitingReason  WaitingReason `json:"waiting_reason,omitempty" db:"waiting_reason"`
	Stage          string        `json:"stage,omitempty" db:"stage"`
	ResumeToken    string        `json:"resume_token,omitempty" db:"resume_token"`
	Model          string        `json:"model,omitempty" db:"model"`
	PermissionMode string        `json:"permission_mode,omitempty" db:"permission_mode"`
	Provider       string        `json:"provider,omitempty" db:"provider"`
	WorkingDir     string        `json:"working_dir,omitempty" db:"working_dir"`
	CostUSD        float64       `json:"cost_usd" db:"cost_usd"`
	LastDurationMS int64         `json:"last_duration_ms" db:"last_duration_ms"`
	LastResult     string        `json:"last_result,omitempty" db:"last_result"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// Attachment is a file reference included with a user message.
type Attachment struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is a single durable entry in a thread's transcript. Assistant
// messages accumulate content across streaming updates; tool calls hang off
// the message that introduced them.
type Message struct {
	ID          string       `json:"id" db:"id"`
	ThreadID    string       `json:"thread_id" db:"thread_id"`
	Role        MessageRole  `json:"role" db:"role"`
	Content     string       `json:"content" db:"content"`
	Attachments []Attachment `json:"attachments,omitempty" db:"-"`

	// AttachmentsJSON is the DB representation of Attachments.
	AttachmentsJSON []byte `json:"-" db:"attachments"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EncodeAttachments serializes Attachments into AttachmentsJSON for storage.
func (m *Message) EncodeAttachments() error {
	if len(m.Attachments) == 0 {
		m.AttachmentsJSON = nil
		return nil
	}
	data, err := json.Marshal(m.Attachments)
	if err != nil {
		return err
	}
	m.AttachmentsJSON = data
	return nil
}

// DecodeAttachments populates Attachments from AttachmentsJSON after a read.
func (m *Message) DecodeAttachments() error {
	if len(m.AttachmentsJSON) == 0 {
		m.Attachments = nil
		return nil
	}
	return json.Unmarshal(m.AttachmentsJSON, &m.Attachments)
}

// ToolCall records one tool invocation made by the agent, attached to the
// assistant message that introduced it. Output arrives later, when the
// worker reports the matching tool result.
type ToolCall struct {
	ID        string    `json:"id" db:"id"`
	MessageID string    `json:"message_id" db:"message_id"`
	ThreadID  string    `json:"thread_id" db:"thread_id"`
	Name      string    `json:"name" db:"name"`
	Input     string    `json:"input" db:"input"` // JSON-encoded tool input
	Output    *string   `json:"output,omitempty" db:"output"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ThreadUpdate is a partial update applied to a thread. Nil fields are left
// unchanged.
type ThreadUpdate struct {
	Status         *ThreadStatus
	WaitingReason  *WaitingReason
	Stage          *string
	ResumeToken    *string
	Model          *string
	PermissionMode *string
	Provider       *string
	CostUSD        *float64
	LastDurationMS *int64
	LastResult     *string
	CompletedAt    *time.Time
	Title          *string
}
