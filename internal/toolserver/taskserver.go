package toolserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// TaskServer exposes the calling agent's own bookkeeping: the network
// goal, its task name, and its attention flag.
type TaskServer struct {
	orch Orchestrator
}

func NewTaskServer(orch Orchestrator) *TaskServer {
	return &TaskServer{orch: orch}
}

func (s *TaskServer) Name() string { return "troupe-tasks" }

func (s *TaskServer) Instructions() string {
	return "Keep your task metadata current: update the network goal when it " +
		"shifts, name your current task, and report status when you finish or " +
		"need the user."
}

func (s *TaskServer) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("update_goal",
			mcp.WithDescription("Update the network's overall goal description."),
			mcp.WithString("goal",
				mcp.Required(),
				mcp.Description("The new goal text"),
			),
		),
		mcp.NewTool("set_task_name",
			mcp.WithDescription("Set the short task name shown for you in the agent list."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("The task name, a few words"),
			),
		),
		mcp.NewTool("report_status",
			mcp.WithDescription("Report your working status, optionally flagging that you need the user's attention."),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("A short status line"),
			),
			mcp.WithBoolean("needs_attention",
				mcp.Description("Set true when the user should look at this agent"),
			),
		),
	}
}

func (s *TaskServer) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	caller := CallerFrom(ctx)
	if caller.NetworkID == "" {
		return mcp.NewToolResultError("no network associated with this call"), nil
	}

	switch name {
	case "update_goal":
		goal, err := requireString(args, "goal")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.orch.UpdateGoal(ctx, caller.NetworkID, goal); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return mcp.NewToolResultText("Goal updated."), nil

	case "set_task_name":
		taskName, err := requireString(args, "name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.orch.SetTaskName(ctx, caller.NetworkID, caller.AgentID, taskName); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("rename failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task name set to %q.", taskName)), nil

	case "report_status":
		status, err := requireString(args, "status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		needsAttention := optionalBool(args, "needs_attention", false)
		if err := s.orch.ReportStatus(ctx, caller.NetworkID, caller.AgentID, status, needsAttention); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("report failed: %v", err)), nil
		}
		return mcp.NewToolResultText("Status recorded."), nil

	default:
		return mcp.NewToolResultError("unknown tool: " + name), nil
	}
}
