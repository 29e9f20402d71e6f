package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

func TestClient_SendUserMessage(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	err := client.SendUserMessage("Hello, Claude!")
	if err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	// Parse what was written
	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if msg.Type != MessageTypeUser {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeUser)
	}
	if msg.Message.Role != "user" {
		t.Errorf("Message.Role = %q, want %q", msg.Message.Role, "user")
	}
	if msg.Message.Content != "Hello, Claude!" {
		t.Errorf("Message.Content = %q, want %q", msg.Message.Content, "Hello, Claude!")
	}
}

func TestClient_SendInterrupt(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	if err := client.SendInterrupt(); err != nil {
		t.Fatalf("SendInterrupt() error = %v", err)
	}

	var req OutgoingControlRequest
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &req); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if req.Type != MessageTypeControlRequest {
		t.Errorf("Type = %q, want %q", req.Type, MessageTypeControlRequest)
	}
	if req.Request.Subtype != SubtypeInterrupt {
		t.Errorf("Subtype = %q, want %q", req.Request.Subtype, SubtypeInterrupt)
	}
	if req.RequestID == "" {
		t.Error("RequestID should be set")
	}
}

func TestClient_SendControlResponse(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	resp := &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req123",
		Response: &ControlResponse{
			Subtype: SubtypeSuccess,
			Result: &PermissionResult{
				Behavior: BehaviorAllow,
			},
		},
	}

	if err := client.SendControlResponse(resp); err != nil {
		t.Fatalf("SendControlResponse() error = %v", err)
	}

	var parsed ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &parsed); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if parsed.RequestID != "req123" {
		t.Errorf("RequestID = %q, want %q", parsed.RequestID, "req123")
	}
}

func TestClient_ReadLoop_DispatchesMessages(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess-1","tools":["Bash","Read"],"cwd":"/work","model":"test-model"}`,
		`{"type":"assistant","message":{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"Hel"}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"done","cost_usd":0.08,"duration_ms":1200}`,
	}, "\n") + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(lines), newTestLogger())

	var mu sync.Mutex
	var received []*CLIMessage
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	finished := client.Start(context.Background())
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(received))
	}
	if received[0].Type != MessageTypeSystem || received[0].Subtype != SubtypeInit {
		t.Errorf("first message = %s/%s, want system/init", received[0].Type, received[0].Subtype)
	}
	if received[0].SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", received[0].SessionID)
	}
	if received[1].Message == nil || received[1].Message.ID != "msg_1" {
		t.Error("assistant message ID not parsed")
	}
	if received[2].CostUSD != 0.08 {
		t.Errorf("CostUSD = %v, want 0.08", received[2].CostUSD)
	}
	if received[2].ResultText() != "done" {
		t.Errorf("ResultText() = %q, want done", received[2].ResultText())
	}
}

func TestClient_ReadLoop_SkipsMalformedLines(t *testing.T) {
	lines := "not json at all\n" +
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(lines), newTestLogger())

	var mu sync.Mutex
	var count int
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	finished := client.Start(context.Background())
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 message, got %d", count)
	}
}

func TestClient_ControlRequest_AutoDeny(t *testing.T) {
	line := `{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(line), newTestLogger())
	// No request handler registered

	finished := client.Start(context.Background())
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &resp); err != nil {
		t.Fatalf("failed to parse auto-deny response: %v", err)
	}
	if resp.RequestID != "perm-1" {
		t.Errorf("RequestID = %q, want perm-1", resp.RequestID)
	}
	if resp.Response.Result == nil || resp.Response.Result.Behavior != BehaviorDeny {
		t.Error("expected deny behavior")
	}
}

func TestClient_ControlRequest_CustomHandler(t *testing.T) {
	line := `{"type":"control_request","request_id":"perm-2","request":{"subtype":"can_use_tool","tool_name":"Write"}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(line), newTestLogger())

	var mu sync.Mutex
	var gotID, gotTool string
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		mu.Lock()
		gotID = requestID
		gotTool = req.ToolName
		mu.Unlock()
	})

	finished := client.Start(context.Background())
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotID != "perm-2" {
		t.Errorf("requestID = %q, want perm-2", gotID)
	}
	if gotTool != "Write" {
		t.Errorf("toolName = %q, want Write", gotTool)
	}
}

func TestClient_ErrorHandler_OnStreamError(t *testing.T) {
	// A reader that fails mid-stream triggers the error handler.
	r := io.MultiReader(strings.NewReader(`{"type":"system","subtype":"init"}`+"\n"), errReader{})

	var buf bytes.Buffer
	client := NewClient(&buf, r, newTestLogger())

	errCh := make(chan error, 1)
	client.SetErrorHandler(func(err error) { errCh <- err })

	finished := client.Start(context.Background())
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected non-nil stream error")
		}
	default:
		t.Error("error handler was not invoked")
	}
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
