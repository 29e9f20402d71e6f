// Package claudecode provides types and a client for the Claude Code CLI
// stream-json protocol. The CLI emits newline-delimited JSON on stdout and
// accepts user messages and control requests on stdin.
package claudecode

import (
	"encoding/json"
	"strings"
)

// Message types from Claude Code CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results back through the transcript
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, interrupt)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Message subtypes
const (
	// SubtypeInit is the system handshake emitted once at session start
	SubtypeInit = "init"
	// SubtypeSuccess marks a successful result
	SubtypeSuccess = "success"
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
)

// Content block types
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// CLIMessage represents messages from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, user, result, ...)
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// SessionID identifies the CLI session; sent on the system init message
	// and echoed on subsequent messages. Persisted as the resume token.
	SessionID string `json:"session_id,omitempty"`

	// For system init messages
	Tools          []string `json:"tools,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`

	// For assistant and user messages
	Message *MessageBody `json:"message,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For result messages.
	// Result can be either a string or an object; see ResultText.
	Result     json.RawMessage `json:"result,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`

	// Raw line for advanced parsing if needed
	RawContent json.RawMessage `json:"-"`
}

// MessageBody is the inner message of assistant and user CLI messages.
type MessageBody struct {
	// ID is the provider-side message identifier. Streaming updates to the
	// same assistant turn repeat this ID with cumulative content.
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is either a plain string or an array
	// of text blocks; use ContentText to normalize.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText normalizes a tool_result content payload to a string. The CLI
// sends either a bare string or an array of {"type":"text","text":...} blocks.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type == BlockTypeText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// InputJSON returns the tool_use input as canonical JSON. Returns "{}" for
// empty input.
func (b *ContentBlock) InputJSON() string {
	if len(b.Input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(b.Input)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultText returns the result payload as a string. The CLI usually sends a
// plain string; some versions wrap it in an object with a text field.
func (m *CLIMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}

	var data struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return ""
	}
	return data.Text
}

// ControlRequest represents a control request from Claude Code CLI,
// used for permission requests (can_use_tool).
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses to can_use_tool
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// Message provides feedback to the model
	Message string `json:"message,omitempty"`
}

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// OutgoingControlRequest is a control request sent to Claude Code CLI.
type OutgoingControlRequest struct {
	Type      string                     `json:"type"` // "control_request"
	RequestID string                     `json:"request_id"`
	Request   OutgoingControlRequestBody `json:"request"`
}

// OutgoingControlRequestBody contains the body of an outgoing control request.
type OutgoingControlRequestBody struct {
	// Subtype identifies the operation (interrupt, ...)
	Subtype string `json:"subtype"`
}

// UserMessage is sent to provide a prompt to Claude Code.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Tool names with orchestration significance.
const (
	ToolBash            = "Bash"
	ToolWrite           = "Write"
	ToolEdit            = "Edit"
	ToolRead            = "Read"
	ToolGlob            = "Glob"
	ToolGrep            = "Grep"
	ToolTask            = "Task"
	ToolWebFetch        = "WebFetch"
	ToolWebSearch       = "WebSearch"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)
