// Package assistant provides the types, decoder and client for the
// assistant CLI stream-json protocol. The CLI speaks line-delimited
// JSON over stdin/stdout with control requests riding the same stream
// for permissions, hooks and tool server traffic.
package assistant

import "encoding/json"

// Frame types on the wire.
const (
	FrameTypeSystem          = "system"
	FrameTypeAssistant       = "assistant"
	FrameTypeUser            = "user"
	FrameTypeResult          = "result"
	FrameTypeStatus          = "status"
	FrameTypeText            = "text"
	FrameTypeMessage         = "message"
	FrameTypeStreamEvent     = "stream_event"
	FrameTypeControlRequest  = "control_request"
	FrameTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
	SubtypeMCPMessage   = "mcp_message"
	SubtypeInitialize   = "initialize"
	SubtypeInterrupt    = "interrupt"
)

// Permission behaviors for can_use_tool responses.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// ControlRequest is a control request read from the CLI. The subtype
// determines which fields are populated.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool
	ToolName              string                 `json:"tool_name,omitempty"`
	Input                 map[string]any         `json:"input,omitempty"`
	ToolUseID             string                 `json:"tool_use_id,omitempty"`
	PermissionSuggestions []PermissionSuggestion `json:"permission_suggestions,omitempty"`

	// hook_callback
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`

	// mcp_message carries a JSON-RPC payload for a named tool server.
	ServerName string          `json:"server_name,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// PermissionSuggestion is a rule suggestion attached to a permission
// request.
type PermissionSuggestion struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
}

// ControlResponseMessage answers a control request from the CLI.
type ControlResponseMessage struct {
	Type     string          `json:"type"`
	Response ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response. The request id
// lives here, not on the envelope.
type ControlResponse struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PermissionResult is the payload of a can_use_tool response.
type PermissionResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
	Interrupt    bool           `json:"interrupt,omitempty"`
}

// HookResult is the payload of a hook_callback response.
type HookResult struct {
	Continue bool   `json:"continue"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// MCPResult wraps a JSON-RPC reply for an mcp_message response.
type MCPResult struct {
	MCPResponse json.RawMessage `json:"mcp_response"`
}

// OutboundControlRequest is a control request sent to the CLI
// (initialize, interrupt).
type OutboundControlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the body of an outbound control request.
type ControlRequestBody struct {
	Subtype string         `json:"subtype"`
	Hooks   map[string]any `json:"hooks,omitempty"`
}

// IncomingControlResponse is the CLI's reply to an outbound control
// request, correlated by request id.
type IncomingControlResponse struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// InitializeResult is the decoded initialize response.
type InitializeResult struct {
	Commands    []CommandInfo `json:"commands,omitempty"`
	OutputStyle string        `json:"output_style,omitempty"`
	Model       string        `json:"model,omitempty"`
}

// CommandInfo describes a slash command reported by the CLI.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// UserMessage is an outbound prompt frame.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody holds the prompt content blocks.
type UserMessageBody struct {
	Role    string        `json:"role"`
	Content []UserContent `json:"content"`
}

// UserContent is one block of an outbound user message: text or a
// base64 image.
type UserContent struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is an inline base64 image.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextContent builds a text block.
func TextContent(text string) UserContent {
	return UserContent{Type: "text", Text: text}
}

// ImageContent builds a base64 image block.
func ImageContent(mediaType, data string) UserContent {
	return UserContent{
		Type:   "image",
		Source: &ImageSource{Type: "base64", MediaType: mediaType, Data: data},
	}
}

// Usage carries token counts from assistant and result frames.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ContextTokens is the context window occupancy this usage implies.
func (u Usage) ContextTokens() int64 {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}
