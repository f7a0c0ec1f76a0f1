package toolserver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/troupe-dev/troupe/internal/memory"
)

// MemoryServer exposes the per-project memory store. Agents share one
// namespace per project, so memory written by one agent is readable by
// the rest of the network and by later networks on the same project.
type MemoryServer struct {
	store *memory.Store
}

func NewMemoryServer(store *memory.Store) *MemoryServer {
	return &MemoryServer{store: store}
}

func (s *MemoryServer) Name() string { return "troupe-memory" }

func (s *MemoryServer) Instructions() string {
	return "Persistent key/value memory scoped to the current project. Save " +
		"durable findings other agents or future sessions should know about."
}

func (s *MemoryServer) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("memory_save",
			mcp.WithDescription("Save a value under a key in project memory, overwriting any previous value."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("The memory key"),
			),
			mcp.WithString("value",
				mcp.Required(),
				mcp.Description("The value to store"),
			),
		),
		mcp.NewTool("memory_retrieve",
			mcp.WithDescription("Retrieve the value stored under a key in project memory."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("The memory key"),
			),
		),
		mcp.NewTool("memory_delete",
			mcp.WithDescription("Delete a key from project memory."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("The memory key"),
			),
		),
		mcp.NewTool("memory_list",
			mcp.WithDescription("List all keys in project memory with a preview of each value."),
		),
	}
}

func (s *MemoryServer) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	caller := CallerFrom(ctx)
	if caller.ProjectPath == "" {
		return mcp.NewToolResultError("no project associated with this call"), nil
	}

	switch name {
	case "memory_save":
		key, err := requireString(args, "key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		value, err := requireString(args, "value")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.store.Save(caller.ProjectPath, key, value); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("save failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Saved %q.", key)), nil

	case "memory_retrieve":
		key, err := requireString(args, "key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		value, ok, err := s.store.Retrieve(caller.ProjectPath, key)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("retrieve failed: %v", err)), nil
		}
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no memory under key %q", key)), nil
		}
		return mcp.NewToolResultText(value), nil

	case "memory_delete":
		key, err := requireString(args, "key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.store.Delete(caller.ProjectPath, key); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Deleted %q.", key)), nil

	case "memory_list":
		entries, err := s.store.List(caller.ProjectPath)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcp.NewToolResultText("Project memory is empty."), nil
		}
		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		var sb strings.Builder
		for _, key := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", key, preview(entries[key], 120))
		}
		return mcp.NewToolResultText(sb.String()), nil

	default:
		return mcp.NewToolResultError("unknown tool: " + name), nil
	}
}

func preview(value string, max int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
