package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClient_SendUserMessage(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	err := client.SendUserMessage(
		TextContent("look at this"),
		ImageContent("image/png", "aGVsbG8="),
	)
	if err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}
	if msg.Type != FrameTypeUser || msg.Message.Role != "user" {
		t.Errorf("envelope = %+v", msg)
	}
	if len(msg.Message.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(msg.Message.Content))
	}
	if msg.Message.Content[0].Type != "text" || msg.Message.Content[0].Text != "look at this" {
		t.Errorf("text block = %+v", msg.Message.Content[0])
	}
	img := msg.Message.Content[1]
	if img.Type != "image" || img.Source == nil || img.Source.MediaType != "image/png" {
		t.Errorf("image block = %+v", img)
	}
	if img.Source.Type != "base64" || img.Source.Data != "aGVsbG8=" {
		t.Errorf("image source = %+v", img.Source)
	}
}

func TestClient_SendUserMessageEmpty(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())
	if err := client.SendUserMessage(); err == nil {
		t.Error("empty message should error")
	}
}

func TestClient_AllowDenyTool(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	if err := client.AllowTool("req-1", map[string]any{"command": "ls"}); err != nil {
		t.Fatalf("AllowTool: %v", err)
	}
	if err := client.DenyTool("req-2", "path escapes the working directory", true); err != nil {
		t.Fatalf("DenyTool: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}

	var allow struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Response  struct {
				Behavior     string         `json:"behavior"`
				UpdatedInput map[string]any `json:"updatedInput"`
			} `json:"response"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &allow); err != nil {
		t.Fatal(err)
	}
	if allow.Type != FrameTypeControlResponse || allow.Response.RequestID != "req-1" {
		t.Errorf("allow envelope = %+v", allow)
	}
	if allow.Response.Response.Behavior != BehaviorAllow {
		t.Errorf("behavior = %q", allow.Response.Response.Behavior)
	}
	if allow.Response.Response.UpdatedInput["command"] != "ls" {
		t.Errorf("updatedInput = %v", allow.Response.Response.UpdatedInput)
	}

	var deny struct {
		Response struct {
			RequestID string `json:"request_id"`
			Response  struct {
				Behavior  string `json:"behavior"`
				Message   string `json:"message"`
				Interrupt bool   `json:"interrupt"`
			} `json:"response"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &deny); err != nil {
		t.Fatal(err)
	}
	if deny.Response.Response.Behavior != BehaviorDeny || !deny.Response.Response.Interrupt {
		t.Errorf("deny = %+v", deny.Response.Response)
	}
}

func TestClient_HandleControlRequest(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var mu sync.Mutex
	var gotID string
	var gotReq *ControlRequest
	client.SetControlHandler(func(requestID string, req *ControlRequest) {
		mu.Lock()
		gotID = requestID
		gotReq = req
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotReq != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if gotID != "req123" || gotReq.Subtype != SubtypeCanUseTool || gotReq.ToolName != "Bash" {
		t.Errorf("got id=%q req=%+v", gotID, gotReq)
	}
}

func TestClient_NoHandlerAutoError(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	pr, pw := io.Pipe()
	client := NewClient(pw, strings.NewReader(input), newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	scanner := bufio.NewScanner(pr)
	if !scanner.Scan() {
		t.Fatal("no response written")
	}
	var resp ControlResponseMessage
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response.Subtype != "error" || resp.Response.RequestID != "req123" {
		t.Errorf("response = %+v", resp.Response)
	}
}

func TestClient_InitializeRoundTrip(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req OutboundControlRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if req.Request.Subtype != SubtypeInitialize {
				continue
			}
			reply := fmt.Sprintf(
				`{"type":"control_response","response":{"subtype":"success","request_id":%q,"response":{"commands":[{"name":"compact"}],"model":"m1"}}}`+"\n",
				req.RequestID)
			if _, err := stdoutW.Write([]byte(reply)); err != nil {
				return
			}
			return
		}
	}()

	result, err := client.Initialize(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if result.Model != "m1" || len(result.Commands) != 1 || result.Commands[0].Name != "compact" {
		t.Errorf("result = %+v", result)
	}
}

func TestClient_InitializeTimeout(t *testing.T) {
	var buf bytes.Buffer
	pr, _ := io.Pipe()
	client := NewClient(&buf, pr, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	_, err := client.Initialize(ctx, 50*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestClient_InterruptError(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req OutboundControlRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			reply := fmt.Sprintf(
				`{"type":"control_response","response":{"subtype":"error","request_id":%q,"error":"nothing running"}}`+"\n",
				req.RequestID)
			stdoutW.Write([]byte(reply))
			return
		}
	}()

	err := client.Interrupt(ctx, 2*time.Second)
	if err == nil || !strings.Contains(err.Error(), "nothing running") {
		t.Errorf("err = %v, want interrupt failure", err)
	}
}

func TestClient_EventDispatch(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s1","model":"m1"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","subtype":"success"}`,
	}, "\n") + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var mu sync.Mutex
	var got []Kind
	client.SetEventHandler(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Kind)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []Kind{KindMeta, KindText, KindCompletion}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
}

func TestClient_StopIdempotent(t *testing.T) {
	pr, _ := io.Pipe()
	var buf bytes.Buffer
	client := NewClient(&buf, pr, newTestLogger())
	client.Start(context.Background())
	client.Stop()
	client.Stop()
}
