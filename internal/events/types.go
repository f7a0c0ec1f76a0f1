// Package events provides event types and utilities for the Troupe event system.
package events

// Event types for networks
const (
	NetworkCreated          = "network.created"
	NetworkDeleted          = "network.deleted"
	NetworkGoalUpdated      = "network.goal_updated"
	NetworkAttentionChanged = "network.attention_changed"
)

// Event types for agents
const (
	AgentSpawned         = "agent.spawned"
	AgentStatusChanged   = "agent.status_changed"
	AgentTaskNameChanged = "agent.task_name_changed"
	AgentTerminated      = "agent.terminated"
)

// Event types for ask-user requests
const (
	AskUserRequested = "ask_user.requested"
	AskUserAnswered  = "ask_user.answered"
)

// Base subjects. Lifecycle events for a network are published on
// network.events.<networkID>; the event Type field carries the
// specific event.
const (
	NetworkEvents = "network.events"
)

// BuildNetworkSubject creates the lifecycle subject for a specific network
func BuildNetworkSubject(networkID string) string {
	return NetworkEvents + "." + networkID
}

// BuildNetworkWildcardSubject creates a wildcard subscription for all network lifecycle events
func BuildNetworkWildcardSubject() string {
	return NetworkEvents + ".*"
}

// LifecycleData is the payload carried by network and agent lifecycle events.
type LifecycleData struct {
	NetworkID      string `json:"network_id"`
	AgentID        string `json:"agent_id,omitempty"`
	ParentID       string `json:"parent_id,omitempty"`
	AgentType      string `json:"agent_type,omitempty"`
	Status         string `json:"status,omitempty"`
	NeedsAttention bool   `json:"needs_attention,omitempty"`
	Goal           string `json:"goal,omitempty"`
	TaskName       string `json:"task_name,omitempty"`
	Reason         string `json:"reason,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

// Map converts the payload to the event bus data shape.
func (d LifecycleData) Map() map[string]any {
	m := map[string]any{
		"network_id":      d.NetworkID,
		"needs_attention": d.NeedsAttention,
	}
	if d.AgentID != "" {
		m["agent_id"] = d.AgentID
	}
	if d.ParentID != "" {
		m["parent_id"] = d.ParentID
	}
	if d.AgentType != "" {
		m["agent_type"] = d.AgentType
	}
	if d.Status != "" {
		m["status"] = d.Status
	}
	if d.Goal != "" {
		m["goal"] = d.Goal
	}
	if d.TaskName != "" {
		m["task_name"] = d.TaskName
	}
	if d.Reason != "" {
		m["reason"] = d.Reason
	}
	if d.RequestID != "" {
		m["request_id"] = d.RequestID
	}
	return m
}
