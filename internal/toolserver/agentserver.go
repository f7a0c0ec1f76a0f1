package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// AgentSummary is the orchestrator's view of one agent, returned to
// tools as JSON.
type AgentSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	TaskName       string `json:"task_name,omitempty"`
	Status         string `json:"status"`
	ParentID       string `json:"parent_id,omitempty"`
	NeedsAttention bool   `json:"needs_attention"`
}

// SpawnRequest carries the spawn_agent tool arguments to the
// orchestrator.
type SpawnRequest struct {
	Type       string
	Name       string
	Prompt     string
	WorkingDir string
}

// Orchestrator is the slice of the network manager the tool servers
// need. Declared here so the manager can depend on the registry
// without a cycle.
type Orchestrator interface {
	SpawnAgent(ctx context.Context, networkID string, req SpawnRequest) (AgentSummary, error)
	SendMessage(ctx context.Context, networkID, agentID, text string) error
	TerminateAgent(ctx context.Context, networkID, agentID string) error
	ListAgents(ctx context.Context, networkID string) ([]AgentSummary, error)
	AgentStatus(ctx context.Context, networkID, agentID string) (AgentSummary, error)
	SetTaskName(ctx context.Context, networkID, agentID, name string) error
	UpdateGoal(ctx context.Context, networkID, goal string) error
	ReportStatus(ctx context.Context, networkID, agentID, status string, needsAttention bool) error
}

// AgentServer lets an agent manage the other agents in its network.
type AgentServer struct {
	orch Orchestrator
}

func NewAgentServer(orch Orchestrator) *AgentServer {
	return &AgentServer{orch: orch}
}

func (s *AgentServer) Name() string { return "troupe-agent" }

func (s *AgentServer) Instructions() string {
	return "Spawn and coordinate sub-agents in your network. Spawned agents work " +
		"independently; message them to delegate work and check their status to " +
		"collect results."
}

func (s *AgentServer) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("spawn_agent",
			mcp.WithDescription("Spawn a sub-agent in this network. Returns the new agent's ID."),
			mcp.WithString("agent_type",
				mcp.Required(),
				mcp.Description("Agent type: implementation, context, planning, or tester"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The initial task prompt for the new agent"),
			),
			mcp.WithString("name",
				mcp.Description("Display name for the agent (optional)"),
			),
			mcp.WithString("working_dir",
				mcp.Description("Working directory for the agent (optional, defaults to yours)"),
			),
		),
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to another agent in this network. The message is queued and delivered when the agent is idle."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The target agent ID"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		mcp.NewTool("terminate_agent",
			mcp.WithDescription("Terminate an agent and all of its sub-agents. Termination is permanent."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to terminate"),
			),
		),
		mcp.NewTool("list_agents",
			mcp.WithDescription("List all agents in this network with their status."),
		),
		mcp.NewTool("get_agent_status",
			mcp.WithDescription("Get one agent's current status."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to inspect"),
			),
		),
		mcp.NewTool("set_task_name",
			mcp.WithDescription("Set the short task name shown for an agent."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to rename"),
			),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("The new task name"),
			),
		),
	}
}

func (s *AgentServer) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	caller := CallerFrom(ctx)
	if caller.NetworkID == "" {
		return mcp.NewToolResultError("no network associated with this call"), nil
	}

	switch name {
	case "spawn_agent":
		return s.spawnAgent(ctx, caller, args)
	case "send_message":
		return s.sendMessage(ctx, caller, args)
	case "terminate_agent":
		return s.terminateAgent(ctx, caller, args)
	case "list_agents":
		return s.listAgents(ctx, caller)
	case "get_agent_status":
		return s.agentStatus(ctx, caller, args)
	case "set_task_name":
		return s.setTaskName(ctx, caller, args)
	default:
		return mcp.NewToolResultError("unknown tool: " + name), nil
	}
}

func (s *AgentServer) spawnAgent(ctx context.Context, caller Caller, args map[string]any) (*mcp.CallToolResult, error) {
	agentType, err := requireString(args, "agent_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := requireString(args, "prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	summary, err := s.orch.SpawnAgent(ctx, caller.NetworkID, SpawnRequest{
		Type:       agentType,
		Name:       optionalString(args, "name", ""),
		Prompt:     prompt,
		WorkingDir: optionalString(args, "working_dir", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("spawn failed: %v", err)), nil
	}
	return jsonResult(summary)
}

func (s *AgentServer) sendMessage(ctx context.Context, caller Caller, args map[string]any) (*mcp.CallToolResult, error) {
	agentID, err := requireString(args, "agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := requireString(args, "message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.orch.SendMessage(ctx, caller.NetworkID, agentID, message); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("send failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message queued for agent %s.", agentID)), nil
}

func (s *AgentServer) terminateAgent(ctx context.Context, caller Caller, args map[string]any) (*mcp.CallToolResult, error) {
	agentID, err := requireString(args, "agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.orch.TerminateAgent(ctx, caller.NetworkID, agentID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("terminate failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Agent %s terminated.", agentID)), nil
}

func (s *AgentServer) listAgents(ctx context.Context, caller Caller) (*mcp.CallToolResult, error) {
	agents, err := s.orch.ListAgents(ctx, caller.NetworkID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return jsonResult(agents)
}

func (s *AgentServer) agentStatus(ctx context.Context, caller Caller, args map[string]any) (*mcp.CallToolResult, error) {
	agentID, err := requireString(args, "agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	summary, err := s.orch.AgentStatus(ctx, caller.NetworkID, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
	}
	return jsonResult(summary)
}

func (s *AgentServer) setTaskName(ctx context.Context, caller Caller, args map[string]any) (*mcp.CallToolResult, error) {
	agentID, err := requireString(args, "agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskName, err := requireString(args, "name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.orch.SetTaskName(ctx, caller.NetworkID, agentID, taskName); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rename failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task name for %s set to %q.", agentID, taskName)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
