// Package toolserver hosts the in-process tool servers exposed to
// assistant subprocesses. The CLI reaches them with JSON-RPC carried
// inside control_request{mcp_message} frames, so there is no network
// transport: the session layer hands each payload to Dispatch and
// writes the reply back as the control response.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/telemetry"
)

const (
	protocolVersion = "2024-11-05"
	serverVersion   = "1.0.0"
)

// Server is one named tool server. Tool failures are reported through
// CallToolResult{IsError:true}; a non-nil error from Call means the
// dispatch itself broke, and the registry folds it into an error
// result anyway so the subprocess always sees a tool result.
type Server interface {
	Name() string
	Instructions() string
	Tools() []mcp.Tool
	Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Caller identifies the agent behind a tool call. The session layer
// attaches it to the context before dispatching.
type Caller struct {
	NetworkID   string
	AgentID     string
	ProjectPath string
	WorkDir     string
}

type callerKey struct{}

// WithCaller attaches caller identity to the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller identity, zero-valued when absent.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// Registry holds the named tool servers and speaks JSON-RPC on their
// behalf.
type Registry struct {
	log *logger.Logger

	mu      sync.RWMutex
	servers map[string]Server
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:     log.WithComponent("toolserver"),
		servers: make(map[string]Server),
	}
}

// Register adds a server, replacing any previous one with the same
// name.
func (r *Registry) Register(s Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.Name()] = s
}

// Get returns the named server.
func (r *Registry) Get(name string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	return s, ok
}

// Names returns the registered server names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JSON-RPC 2.0 plumbing. Notifications carry no id and get no reply.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeParse          = -32700
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
)

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type serverCapabilities struct {
	Tools struct{} `json:"tools"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []mcp.Tool `json:"tools"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Dispatch handles one JSON-RPC message addressed to the named server
// and returns the marshaled reply, or nil for notifications.
func (r *Registry) Dispatch(ctx context.Context, serverName string, raw json.RawMessage) json.RawMessage {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(rpcResponse{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error: " + err.Error()},
		})
	}

	srv, ok := r.Get(serverName)
	if !ok {
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, errCodeMethodNotFound, "unknown tool server: "+serverName)
	}

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: srv.Name(), Version: serverVersion},
			Instructions:    srv.Instructions(),
		})
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list":
		return resultResponse(req.ID, toolsListResult{Tools: srv.Tools()})
	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
		}
		result := r.call(ctx, srv, params.Name, params.Arguments)
		return resultResponse(req.ID, result)
	default:
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// call invokes one tool. Panics and handler errors both become error
// results so a broken tool never takes the subprocess bridge down.
func (r *Registry) call(ctx context.Context, srv Server, name string, args map[string]any) (result *mcp.CallToolResult) {
	caller := CallerFrom(ctx)
	ctx, span := telemetry.StartToolCall(ctx, srv.Name(), name, caller.AgentID)
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool call panicked",
				zap.String("server", srv.Name()),
				zap.String("tool", name),
				zap.Any("panic", rec))
			result = mcp.NewToolResultError(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
		telemetry.EndToolCall(span, result != nil && result.IsError, "tool error")
	}()

	r.log.Debug("tool call",
		zap.String("server", srv.Name()),
		zap.String("tool", name),
		zap.String("agent_id", caller.AgentID))

	result, err := srv.Call(ctx, name, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	if result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool %s returned no result", name))
	}
	return result
}

func resultResponse(id json.RawMessage, result any) json.RawMessage {
	return marshalResponse(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func errorResponse(id json.RawMessage, code int, message string) json.RawMessage {
	return marshalResponse(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func marshalResponse(resp rpcResponse) json.RawMessage {
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(rpcResponse{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "marshal response: " + err.Error()},
		})
	}
	return data
}

// Argument access helpers shared by the built-in servers. JSON object
// arguments arrive as map[string]any with float64 numbers.

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func optionalBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func optionalInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func optionalStringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
