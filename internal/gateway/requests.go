package gateway

import (
	"time"

	"github.com/troupe-dev/troupe/internal/askuser"
	"github.com/troupe-dev/troupe/internal/network"
	"github.com/troupe-dev/troupe/internal/session"
	"github.com/troupe-dev/troupe/internal/stream"
)

// CreateNetworkRequest starts a new network around an initial prompt.
type CreateNetworkRequest struct {
	InitialMessage string `json:"initial_message" binding:"required"`
	WorkingDir     string `json:"working_dir"`
	AgentType      string `json:"agent_type,omitempty"`
}

// CreateNetworkResponse identifies the new network and its main agent.
type CreateNetworkResponse struct {
	NetworkID   string `json:"network_id"`
	MainAgentID string `json:"main_agent_id"`
}

// NetworksResponse for the network listing.
type NetworksResponse struct {
	Networks []*network.Network `json:"networks"`
	Total    int                `json:"total"`
}

// AgentsResponse for the agent listing.
type AgentsResponse struct {
	Agents []*network.Agent `json:"agents"`
	Total  int              `json:"total"`
}

// PostMessageRequest queues a message to an agent. An empty agent_id
// addresses the network's main agent.
type PostMessageRequest struct {
	AgentID string          `json:"agent_id,omitempty"`
	Text    string          `json:"text" binding:"required"`
	Images  []session.Image `json:"images,omitempty"`
}

// PostMessageResponse acknowledges a queued message.
type PostMessageResponse struct {
	MessageID string    `json:"message_id"`
	AgentID   string    `json:"agent_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// QueueResponse for the inbox listing.
type QueueResponse struct {
	Messages []session.QueuedMessage `json:"messages"`
	Total    int                     `json:"total"`
}

// HistoryResponse for the transcript archive listing.
type HistoryResponse struct {
	Events []stream.Event `json:"events"`
	Total  int            `json:"total"`
}

// PendingAsksResponse for the open ask-user request listing.
type PendingAsksResponse struct {
	Requests []*askuser.Request `json:"requests"`
	Total    int                `json:"total"`
}

// RespondAskRequest answers an open ask-user request. Empty answers
// dismiss the request.
type RespondAskRequest struct {
	Answers askuser.Answers `json:"answers"`
}

// ConversationResponse is the wire view of an agent transcript.
type ConversationResponse struct {
	Messages       []MessageView `json:"messages"`
	State          string        `json:"state"`
	StopReason     string        `json:"stop_reason,omitempty"`
	LastStatus     string        `json:"last_status,omitempty"`
	CLISessionID   string        `json:"cli_session_id,omitempty"`
	Model          string        `json:"model,omitempty"`
	Tokens         TokenView     `json:"tokens"`
	CurrentContext int64         `json:"current_context,omitempty"`
}

// TokenView carries cumulative token usage.
type TokenView struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheCreation int64 `json:"cache_creation"`
	CacheRead     int64 `json:"cache_read"`
}

// MessageView is one transcript entry on the wire.
type MessageView struct {
	ID             string           `json:"id"`
	Role           string           `json:"role"`
	Text           string           `json:"text,omitempty"`
	Thinking       string           `json:"thinking,omitempty"`
	Images         int              `json:"images,omitempty"`
	ToolCalls      []ToolCallView   `json:"tool_calls,omitempty"`
	OrphanResults  []ToolResultView `json:"orphan_results,omitempty"`
	Errored        bool             `json:"errored,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	StopReason     string           `json:"stop_reason,omitempty"`
	CompactMarker  bool             `json:"compact_marker,omitempty"`
	CompactTrigger string           `json:"compact_trigger,omitempty"`
	TranscriptOnly bool             `json:"transcript_only,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// ToolCallView is one tool invocation on the wire.
type ToolCallView struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Input   map[string]any `json:"input,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
	Done    bool           `json:"done"`
}

// ToolResultView is a tool result that never paired with a call.
type ToolResultView struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}
