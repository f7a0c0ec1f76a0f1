package main

import (
	"encoding/json"

	"github.com/troupe-dev/troupe/pkg/assistant"
)

// inboundFrame probes any line arriving on stdin. The type field
// decides which of the optional bodies is present.
type inboundFrame struct {
	Type      string                             `json:"type"`
	RequestID string                             `json:"request_id,omitempty"`
	Request   *assistant.ControlRequestBody      `json:"request,omitempty"`
	Response  *assistant.IncomingControlResponse `json:"response,omitempty"`
	Message   *assistant.UserMessageBody         `json:"message,omitempty"`
}

// controlRequestFrame is a control request the mock raises toward the
// runtime: permission checks and tool-server traffic.
type controlRequestFrame struct {
	Type      string                    `json:"type"`
	RequestID string                    `json:"request_id"`
	Request   *assistant.ControlRequest `json:"request"`
}

// initFrame is the session metadata emitted once at startup.
type initFrame struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	Model     string   `json:"model"`
	Tools     []string `json:"tools,omitempty"`
	CWD       string   `json:"cwd,omitempty"`
}

// assistantFrame is a full assistant message with content blocks.
type assistantFrame struct {
	Type    string        `json:"type"`
	Message assistantBody `json:"message"`
}

type assistantBody struct {
	Role       string           `json:"role"`
	Model      string           `json:"model,omitempty"`
	StopReason string           `json:"stop_reason,omitempty"`
	Content    []contentBlock   `json:"content"`
	Usage      *assistant.Usage `json:"usage,omitempty"`
}

type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// userFrame carries tool results back on the stream.
type userFrame struct {
	Type    string   `json:"type"`
	Message userBody `json:"message"`
}

type userBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// streamEventFrame is a partial-content delta.
type streamEventFrame struct {
	Type  string     `json:"type"`
	Event streamBody `json:"event"`
}

type streamBody struct {
	Type  string           `json:"type"`
	Delta *deltaBody       `json:"delta,omitempty"`
	Usage *assistant.Usage `json:"usage,omitempty"`
}

type deltaBody struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// statusFrame reports a session status change.
type statusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// resultFrame closes a turn.
type resultFrame struct {
	Type         string           `json:"type"`
	Subtype      string           `json:"subtype"`
	Result       json.RawMessage  `json:"result,omitempty"`
	IsError      bool             `json:"is_error"`
	TotalCostUSD float64          `json:"total_cost_usd"`
	DurationMS   int64            `json:"duration_ms"`
	NumTurns     int              `json:"num_turns"`
	Usage        *assistant.Usage `json:"usage,omitempty"`
}
