package main

import (
	"bufio"
	"encoding/json"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/troupe-dev/troupe/pkg/assistant"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want options
	}{
		{name: "defaults", args: nil, want: options{model: "mock-sonnet"}},
		{name: "model flag", args: []string{"--model", "mock-fast"}, want: options{model: "mock-fast"}},
		{name: "model equals", args: []string{"--model=mock-slow"}, want: options{model: "mock-slow"}},
		{
			name: "runtime arg soup",
			args: []string{"-p", "--output-format=stream-json", "--verbose", "--model", "mock-fast"},
			want: options{model: "mock-fast"},
		},
		{
			name: "mcp config",
			args: []string{"--mcp-config", `{"mcpServers":{"troupe":{"type":"sdk"},"apps":{"type":"sdk"}}}`},
			want: options{model: "mock-sonnet", servers: []string{"apps", "troupe"}},
		},
		{
			name: "bad mcp config",
			args: []string{"--mcp-config=not-json"},
			want: options{model: "mock-sonnet"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if got.model != tt.want.model {
				t.Errorf("model = %q, want %q", got.model, tt.want.model)
			}
			if !slices.Equal(got.servers, tt.want.servers) {
				t.Errorf("servers = %v, want %v", got.servers, tt.want.servers)
			}
		})
	}
}

func TestStepDelay(t *testing.T) {
	if fast, def := stepDelay("mock-fast"), stepDelay("mock-sonnet"); fast >= def {
		t.Errorf("mock-fast delay %v not below default %v", fast, def)
	}
	if slow, def := stepDelay("mock-slow"), stepDelay("mock-sonnet"); slow <= def {
		t.Errorf("mock-slow delay %v not above default %v", slow, def)
	}
}

// harness runs a mock over in-memory pipes and hands frames back one
// line at a time.
type harness struct {
	in    *io.PipeWriter
	lines chan string
	done  chan error
}

func startMock(t *testing.T, args ...string) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	m := newMock(parseArgs(args), outW)
	h := &harness{in: inW, lines: make(chan string, 64), done: make(chan error, 1)}

	go func() {
		h.done <- m.run(inR)
		outW.Close()
	}()
	go func() {
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
		close(h.lines)
	}()
	t.Cleanup(func() {
		inW.Close()
		outR.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = h.in.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (h *harness) prompt(t *testing.T, text string) {
	t.Helper()
	h.send(t, assistant.UserMessage{
		Type: assistant.FrameTypeUser,
		Message: assistant.UserMessageBody{
			Role:    "user",
			Content: []assistant.UserContent{assistant.TextContent(text)},
		},
	})
}

func (h *harness) next(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-h.lines:
		require.True(t, ok, "output closed early")
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return ""
	}
}

// awaitEvent reads frames until one decodes to the wanted kind.
func (h *harness) awaitEvent(t *testing.T, kind assistant.Kind) assistant.Event {
	t.Helper()
	for {
		for _, ev := range assistant.DecodeLine([]byte(h.next(t))) {
			if ev.Kind == kind {
				return ev
			}
		}
	}
}

// awaitControl reads frames until the mock raises a control request.
func (h *harness) awaitControl(t *testing.T) (string, *assistant.ControlRequest) {
	t.Helper()
	for {
		var f struct {
			Type      string                    `json:"type"`
			RequestID string                    `json:"request_id"`
			Request   *assistant.ControlRequest `json:"request"`
		}
		line := h.next(t)
		if json.Unmarshal([]byte(line), &f) == nil &&
			f.Type == assistant.FrameTypeControlRequest && f.Request != nil {
			return f.RequestID, f.Request
		}
	}
}

// awaitAck reads frames until the mock answers the given control
// request, returning the reply subtype and payload.
func (h *harness) awaitAck(t *testing.T, requestID string) (string, json.RawMessage) {
	t.Helper()
	for {
		var f struct {
			Type     string `json:"type"`
			Response *struct {
				Subtype   string          `json:"subtype"`
				RequestID string          `json:"request_id"`
				Response  json.RawMessage `json:"response"`
			} `json:"response"`
		}
		line := h.next(t)
		if json.Unmarshal([]byte(line), &f) == nil &&
			f.Type == assistant.FrameTypeControlResponse &&
			f.Response != nil && f.Response.RequestID == requestID {
			return f.Response.Subtype, f.Response.Response
		}
	}
}

func TestInitFrameAndTextTurn(t *testing.T) {
	h := startMock(t, "--model=mock-fast",
		"--mcp-config", `{"mcpServers":{"troupe":{"type":"sdk","name":"troupe"}}}`)

	meta := h.awaitEvent(t, assistant.KindMeta)
	require.Equal(t, "mock-fast", meta.Model)
	require.True(t, strings.HasPrefix(meta.SessionID, "mock-"), "session id %q", meta.SessionID)
	require.Contains(t, meta.Tools, "Bash")
	require.Contains(t, meta.Tools, "mcp__troupe")

	h.prompt(t, "hello there")

	delta := h.awaitEvent(t, assistant.KindText)
	require.True(t, delta.IsPartial)

	usage := h.awaitEvent(t, assistant.KindUsage)
	require.Equal(t, "end_turn", usage.StopReason)
	require.NotNil(t, usage.Usage)

	full := h.awaitEvent(t, assistant.KindText)
	require.True(t, full.IsCumulative)
	require.Equal(t, "Handled: hello there", full.Text)

	done := h.awaitEvent(t, assistant.KindCompletion)
	require.Equal(t, "success", done.StopReason)
	require.False(t, done.IsError)
	require.Equal(t, "Handled: hello there", done.Text)
	require.Greater(t, done.CostUSD, 0.0)
}

func TestErrorTurn(t *testing.T) {
	h := startMock(t, "--model=mock-fast")
	h.awaitEvent(t, assistant.KindMeta)

	h.prompt(t, "/error disk full")

	done := h.awaitEvent(t, assistant.KindCompletion)
	require.True(t, done.IsError)
	require.Equal(t, "error_during_execution", done.StopReason)
	require.Equal(t, "disk full", done.ErrorMessage)
}

func TestStatusTurn(t *testing.T) {
	h := startMock(t, "--model=mock-fast")
	h.awaitEvent(t, assistant.KindMeta)

	h.prompt(t, "/status compacting")

	status := h.awaitEvent(t, assistant.KindStatus)
	require.Equal(t, "compacting", status.Status)
	h.awaitEvent(t, assistant.KindCompletion)
}

func TestInitializeControlRequest(t *testing.T) {
	h := startMock(t, "--model=mock-fast")
	h.awaitEvent(t, assistant.KindMeta)

	h.send(t, assistant.OutboundControlRequest{
		Type:      assistant.FrameTypeControlRequest,
		RequestID: "init-1",
		Request:   assistant.ControlRequestBody{Subtype: assistant.SubtypeInitialize},
	})

	subtype, payload := h.awaitAck(t, "init-1")
	require.Equal(t, "success", subtype)

	var result assistant.InitializeResult
	require.NoError(t, json.Unmarshal(payload, &result))
	require.Equal(t, "mock-fast", result.Model)
	require.NotEmpty(t, result.Commands)
}

func TestToolTurnPermission(t *testing.T) {
	tests := []struct {
		name        string
		result      assistant.PermissionResult
		wantErr     bool
		wantContent string
		wantReply   string
	}{
		{
			name:        "allowed",
			result:      assistant.PermissionResult{Behavior: assistant.BehaviorAllow},
			wantContent: "Bash completed",
			wantReply:   "The Bash call succeeded.",
		},
		{
			name:        "denied",
			result:      assistant.PermissionResult{Behavior: assistant.BehaviorDeny, Message: "not now"},
			wantErr:     true,
			wantContent: "denied: not now",
			wantReply:   "The Bash call was denied.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startMock(t, "--model=mock-fast")
			h.awaitEvent(t, assistant.KindMeta)

			h.prompt(t, `/tool Bash {"command":"ls"}`)

			use := h.awaitEvent(t, assistant.KindToolUse)
			require.Equal(t, "Bash", use.ToolName)
			require.Equal(t, "ls", use.ToolInput["command"])
			require.NotEmpty(t, use.ToolUseID)

			id, req := h.awaitControl(t)
			require.Equal(t, assistant.SubtypeCanUseTool, req.Subtype)
			require.Equal(t, "Bash", req.ToolName)
			require.Equal(t, use.ToolUseID, req.ToolUseID)
			require.NotEmpty(t, req.PermissionSuggestions)

			h.send(t, assistant.ControlResponseMessage{
				Type: assistant.FrameTypeControlResponse,
				Response: assistant.ControlResponse{
					Subtype:   "success",
					RequestID: id,
					Response:  tt.result,
				},
			})

			result := h.awaitEvent(t, assistant.KindToolResult)
			require.Equal(t, use.ToolUseID, result.ToolUseID)
			require.Equal(t, tt.wantErr, result.IsError)
			require.Contains(t, result.Content, tt.wantContent)

			reply := h.awaitEvent(t, assistant.KindText)
			require.Equal(t, tt.wantReply, reply.Text)

			done := h.awaitEvent(t, assistant.KindCompletion)
			require.False(t, done.IsError)
		})
	}
}

func TestMCPTurn(t *testing.T) {
	h := startMock(t, "--model=mock-fast",
		"--mcp-config", `{"mcpServers":{"troupe":{"type":"sdk","name":"troupe"}}}`)
	h.awaitEvent(t, assistant.KindMeta)

	h.prompt(t, `/mcp troupe agent_list {"network_id":"net-1"}`)

	use := h.awaitEvent(t, assistant.KindToolUse)
	require.Equal(t, "mcp__troupe__agent_list", use.ToolName)

	id, req := h.awaitControl(t)
	require.Equal(t, assistant.SubtypeMCPMessage, req.Subtype)
	require.Equal(t, "troupe", req.ServerName)

	var rpc struct {
		Method string `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(req.Message, &rpc))
	require.Equal(t, "tools/call", rpc.Method)
	require.Equal(t, "agent_list", rpc.Params.Name)
	require.Equal(t, "net-1", rpc.Params.Arguments["network_id"])

	reply := `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"[]"}]}}`
	h.send(t, assistant.ControlResponseMessage{
		Type: assistant.FrameTypeControlResponse,
		Response: assistant.ControlResponse{
			Subtype:   "success",
			RequestID: id,
			Response:  assistant.MCPResult{MCPResponse: json.RawMessage(reply)},
		},
	})

	result := h.awaitEvent(t, assistant.KindToolResult)
	require.Equal(t, use.ToolUseID, result.ToolUseID)
	require.False(t, result.IsError)
	require.JSONEq(t, reply, result.Content)

	done := h.awaitEvent(t, assistant.KindCompletion)
	require.False(t, done.IsError)
}

func TestInterruptStopsSlowTurn(t *testing.T) {
	h := startMock(t, "--model=mock-fast")
	h.awaitEvent(t, assistant.KindMeta)

	h.prompt(t, "/slow 1s")

	step := h.awaitEvent(t, assistant.KindText)
	require.Contains(t, step.Text, "step 1/5")

	h.send(t, assistant.OutboundControlRequest{
		Type:      assistant.FrameTypeControlRequest,
		RequestID: "int-1",
		Request:   assistant.ControlRequestBody{Subtype: assistant.SubtypeInterrupt},
	})
	subtype, _ := h.awaitAck(t, "int-1")
	require.Equal(t, "success", subtype)

	require.NoError(t, h.in.Close())
	for line := range h.lines {
		for _, ev := range assistant.DecodeLine([]byte(line)) {
			require.NotEqual(t, assistant.KindCompletion, ev.Kind,
				"turn completed after interrupt")
		}
	}
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mock did not exit after stdin closed")
	}
}
