package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/troupe-dev/troupe/pkg/assistant"
)

// dispatch picks a scenario from the prompt prefix. Anything without a
// recognized prefix gets the plain streaming reply.
func (m *mock) dispatch(ctx context.Context, prompt string) {
	prompt = strings.TrimSpace(prompt)
	fields := strings.Fields(prompt)
	cmd := ""
	if len(fields) > 0 {
		cmd = strings.ToLower(fields[0])
	}

	start := time.Now()
	switch cmd {
	case "/error":
		m.errorTurn(ctx, start, rest(prompt, 1))
	case "/think":
		m.thinkingTurn(ctx, start)
	case "/slow":
		m.slowTurn(ctx, start, fields)
	case "/status":
		m.statusTurn(ctx, start, fields)
	case "/tool":
		m.toolTurn(ctx, start, fields, prompt)
	case "/mcp":
		m.mcpTurn(ctx, start, fields, prompt)
	default:
		m.textTurn(ctx, start, prompt)
	}
}

// rest returns the prompt with its first n fields stripped.
func rest(prompt string, n int) string {
	fields := strings.Fields(prompt)
	if len(fields) <= n {
		return ""
	}
	return strings.Join(fields[n:], " ")
}

// jsonTail parses everything after the nth field as a JSON object.
func jsonTail(prompt string, n int) map[string]any {
	raw := rest(prompt, n)
	if !strings.HasPrefix(raw, "{") {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil
	}
	return input
}

func (m *mock) textTurn(ctx context.Context, start time.Time, prompt string) {
	reply := "Handled: " + prompt
	if prompt == "" {
		reply = "Ready."
	}
	half := len(reply) / 2
	for _, chunk := range []string{reply[:half], reply[half:]} {
		if chunk == "" {
			continue
		}
		m.emitTextDelta(chunk)
		if !m.pause(ctx) {
			return
		}
	}
	m.emitStopDelta("end_turn")
	m.emitAssistantText(reply, "end_turn")
	m.emitResult(start, false, "success", reply)
}

func (m *mock) errorTurn(ctx context.Context, start time.Time, message string) {
	if message == "" {
		message = "mock failure requested"
	}
	m.emitTextDelta("Something went wrong.")
	if !m.pause(ctx) {
		return
	}
	m.emitResult(start, true, "error_during_execution", message)
}

func (m *mock) thinkingTurn(ctx context.Context, start time.Time) {
	thought := "Considering the request carefully before answering."
	for _, chunk := range []string{thought[:20], thought[20:]} {
		m.emitThinkingDelta(chunk)
		if !m.pause(ctx) {
			return
		}
	}
	reply := "Thought it through."
	m.emitTextDelta(reply)
	if !m.pause(ctx) {
		return
	}
	m.emitStopDelta("end_turn")
	m.writeFrame(assistantFrame{
		Type: assistant.FrameTypeAssistant,
		Message: assistantBody{
			Role:       "assistant",
			Model:      m.model,
			StopReason: "end_turn",
			Content: []contentBlock{
				{Type: "thinking", Thinking: thought},
				{Type: "text", Text: reply},
			},
			Usage: m.usage(),
		},
	})
	m.emitResult(start, false, "success", reply)
}

// slowTurn stretches a reply over the requested duration, checking for
// cancellation between steps.
func (m *mock) slowTurn(ctx context.Context, start time.Time, fields []string) {
	total := 2 * time.Second
	if len(fields) > 1 {
		if d, err := time.ParseDuration(fields[1]); err == nil && d > 0 {
			total = d
		}
	}
	const steps = 5
	step := total / steps
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
		m.emitTextDelta(fmt.Sprintf("step %d/%d ", i, steps))
	}
	reply := fmt.Sprintf("Finished after %s.", total)
	m.emitStopDelta("end_turn")
	m.emitAssistantText(reply, "end_turn")
	m.emitResult(start, false, "success", reply)
}

func (m *mock) statusTurn(ctx context.Context, start time.Time, fields []string) {
	status := "compacting"
	if len(fields) > 1 {
		status = fields[1]
	}
	m.writeFrame(statusFrame{Type: assistant.FrameTypeStatus, Status: status})
	if !m.pause(ctx) {
		return
	}
	reply := "Status reported: " + status
	m.emitAssistantText(reply, "end_turn")
	m.emitResult(start, false, "success", reply)
}

// toolTurn streams a tool_use block, asks permission for it, and
// reports the outcome as a tool result.
func (m *mock) toolTurn(ctx context.Context, start time.Time, fields []string, prompt string) {
	name := "Bash"
	if len(fields) > 1 {
		name = fields[1]
	}
	input := jsonTail(prompt, 2)
	if input == nil {
		input = map[string]any{"command": "echo mock"}
	}

	toolID := m.nextToolID()
	m.emitAssistantToolUse(toolID, name, input)

	resp, err := m.roundTrip(ctx, &assistant.ControlRequest{
		Subtype:   assistant.SubtypeCanUseTool,
		ToolName:  name,
		Input:     input,
		ToolUseID: toolID,
		PermissionSuggestions: []assistant.PermissionSuggestion{
			{Tool: name},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.emitToolResult(toolID, "permission check failed: "+err.Error(), true)
		m.emitResult(start, true, "error_during_execution", err.Error())
		return
	}

	var perm assistant.PermissionResult
	if len(resp.Response) > 0 {
		_ = json.Unmarshal(resp.Response, &perm)
	}
	if perm.Behavior != assistant.BehaviorAllow {
		m.emitToolResult(toolID, "denied: "+perm.Message, true)
		if perm.Interrupt {
			return
		}
		reply := fmt.Sprintf("The %s call was denied.", name)
		m.emitAssistantText(reply, "end_turn")
		m.emitResult(start, false, "success", reply)
		return
	}
	if perm.UpdatedInput != nil {
		input = perm.UpdatedInput
	}
	m.emitToolResult(toolID, fmt.Sprintf("%s completed: %s", name, compactJSON(input)), false)
	reply := fmt.Sprintf("The %s call succeeded.", name)
	m.emitAssistantText(reply, "end_turn")
	m.emitResult(start, false, "success", reply)
}

// mcpTurn calls an in-process tool server over the control channel and
// surfaces the JSON-RPC reply as a tool result.
func (m *mock) mcpTurn(ctx context.Context, start time.Time, fields []string, prompt string) {
	if len(fields) < 3 {
		reply := "usage: /mcp <server> <tool> [json arguments]"
		m.emitAssistantText(reply, "end_turn")
		m.emitResult(start, false, "success", reply)
		return
	}
	server, tool := fields[1], fields[2]
	args := jsonTail(prompt, 3)
	if args == nil {
		args = map[string]any{}
	}
	rpc, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      m.seq + 1,
		"method":  "tools/call",
		"params":  map[string]any{"name": tool, "arguments": args},
	})

	toolID := m.nextToolID()
	m.emitAssistantToolUse(toolID, "mcp__"+server+"__"+tool, args)

	resp, err := m.roundTrip(ctx, &assistant.ControlRequest{
		Subtype:    assistant.SubtypeMCPMessage,
		ServerName: server,
		Message:    rpc,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.emitToolResult(toolID, "tool server call failed: "+err.Error(), true)
		m.emitResult(start, true, "error_during_execution", err.Error())
		return
	}

	var result assistant.MCPResult
	if len(resp.Response) > 0 {
		_ = json.Unmarshal(resp.Response, &result)
	}
	m.emitToolResult(toolID, string(result.MCPResponse), false)
	reply := fmt.Sprintf("Called %s on %s.", tool, server)
	m.emitAssistantText(reply, "end_turn")
	m.emitResult(start, false, "success", reply)
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func (m *mock) emitTextDelta(text string) {
	m.writeFrame(streamEventFrame{
		Type: assistant.FrameTypeStreamEvent,
		Event: streamBody{
			Type:  "content_block_delta",
			Delta: &deltaBody{Type: "text_delta", Text: text},
		},
	})
}

func (m *mock) emitThinkingDelta(thinking string) {
	m.writeFrame(streamEventFrame{
		Type: assistant.FrameTypeStreamEvent,
		Event: streamBody{
			Type:  "content_block_delta",
			Delta: &deltaBody{Type: "thinking_delta", Thinking: thinking},
		},
	})
}

func (m *mock) emitStopDelta(stopReason string) {
	m.writeFrame(streamEventFrame{
		Type: assistant.FrameTypeStreamEvent,
		Event: streamBody{
			Type:  "message_delta",
			Delta: &deltaBody{Type: "message_delta", StopReason: stopReason},
			Usage: m.usage(),
		},
	})
}

func (m *mock) emitAssistantText(text, stopReason string) {
	m.writeFrame(assistantFrame{
		Type: assistant.FrameTypeAssistant,
		Message: assistantBody{
			Role:       "assistant",
			Model:      m.model,
			StopReason: stopReason,
			Content:    []contentBlock{{Type: "text", Text: text}},
			Usage:      m.usage(),
		},
	})
}

func (m *mock) emitAssistantToolUse(toolID, name string, input map[string]any) {
	m.writeFrame(assistantFrame{
		Type: assistant.FrameTypeAssistant,
		Message: assistantBody{
			Role:    "assistant",
			Model:   m.model,
			Content: []contentBlock{{Type: "tool_use", ID: toolID, Name: name, Input: input}},
			Usage:   m.usage(),
		},
	})
}

func (m *mock) emitToolResult(toolID, content string, isError bool) {
	m.writeFrame(userFrame{
		Type: assistant.FrameTypeUser,
		Message: userBody{
			Role: "user",
			Content: []contentBlock{{
				Type:      "tool_result",
				ToolUseID: toolID,
				Content:   content,
				IsError:   isError,
			}},
		},
	})
}

func (m *mock) emitResult(start time.Time, isError bool, subtype, message string) {
	result, _ := json.Marshal(message)
	m.writeFrame(resultFrame{
		Type:         assistant.FrameTypeResult,
		Subtype:      subtype,
		Result:       result,
		IsError:      isError,
		TotalCostUSD: 0.0042,
		DurationMS:   time.Since(start).Milliseconds(),
		NumTurns:     1,
		Usage:        m.usage(),
	})
}

func (m *mock) usage() *assistant.Usage {
	return &assistant.Usage{
		InputTokens:          1200,
		OutputTokens:         350,
		CacheReadInputTokens: 800,
	}
}
