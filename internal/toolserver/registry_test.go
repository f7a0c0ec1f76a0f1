package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewRegistry(log)
}

// fakeServer records calls and returns canned results.
type fakeServer struct {
	name    string
	result  *mcp.CallToolResult
	err     error
	panics  bool
	gotTool string
	gotArgs map[string]any
}

func (f *fakeServer) Name() string         { return f.name }
func (f *fakeServer) Instructions() string { return "fake instructions" }

func (f *fakeServer) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the input back"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
	}
}

func (f *fakeServer) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.gotTool = name
	f.gotArgs = args
	if f.panics {
		panic("boom")
	}
	return f.result, f.err
}

// decoded is the generic shape of a dispatched JSON-RPC reply.
type decoded struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type decodedToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func dispatch(t *testing.T, r *Registry, server, raw string) decoded {
	t.Helper()
	reply := r.Dispatch(context.Background(), server, json.RawMessage(raw))
	if reply == nil {
		t.Fatal("expected a reply")
	}
	var out decoded
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("unmarshal reply: %v (%s)", err, reply)
	}
	return out
}

func toolResult(t *testing.T, resp decoded) decodedToolResult {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	var result decodedToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v (%s)", err, resp.Result)
	}
	return result
}

func TestDispatchInitialize(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "fake"})

	resp := dispatch(t, r, "fake", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.Error != nil {
		t.Fatalf("rpc error: %v", resp.Error)
	}

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
		Instructions string `json:"instructions"`
	}
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		t.Fatalf("unmarshal initialize result: %v", err)
	}
	if init.ProtocolVersion != protocolVersion {
		t.Errorf("protocolVersion = %q, want %q", init.ProtocolVersion, protocolVersion)
	}
	if init.ServerInfo.Name != "fake" {
		t.Errorf("serverInfo.name = %q, want %q", init.ServerInfo.Name, "fake")
	}
	if init.Instructions != "fake instructions" {
		t.Errorf("instructions = %q", init.Instructions)
	}
}

func TestDispatchToolsList(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "fake"})

	resp := dispatch(t, r, "fake", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("rpc error: %v", resp.Error)
	}

	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("unmarshal tools/list result: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v, want one echo tool", list.Tools)
	}
}

func TestDispatchToolsCall(t *testing.T) {
	r := newTestRegistry(t)
	srv := &fakeServer{name: "fake", result: mcp.NewToolResultText("echoed: hi")}
	r.Register(srv)

	resp := dispatch(t, r, "fake",
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
	result := toolResult(t, resp)

	if result.IsError {
		t.Error("result should not be an error")
	}
	if len(result.Content) != 1 || result.Content[0].Text != "echoed: hi" {
		t.Errorf("content = %+v", result.Content)
	}
	if srv.gotTool != "echo" {
		t.Errorf("server saw tool %q, want echo", srv.gotTool)
	}
	if srv.gotArgs["text"] != "hi" {
		t.Errorf("server saw args %v", srv.gotArgs)
	}
}

func TestDispatchToolErrorBecomesResult(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "fake", err: errors.New("backend down")})

	resp := dispatch(t, r, "fake",
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	result := toolResult(t, resp)

	if !result.IsError {
		t.Error("handler error should surface as an isError result")
	}
	if len(result.Content) == 0 || !strings.Contains(result.Content[0].Text, "backend down") {
		t.Errorf("content = %+v", result.Content)
	}
}

func TestDispatchPanicRecovered(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "fake", panics: true})

	resp := dispatch(t, r, "fake",
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	result := toolResult(t, resp)

	if !result.IsError {
		t.Error("panic should surface as an isError result")
	}
	if len(result.Content) == 0 || !strings.Contains(result.Content[0].Text, "boom") {
		t.Errorf("content = %+v", result.Content)
	}
}

func TestDispatchNilResult(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "fake"})

	resp := dispatch(t, r, "fake",
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	result := toolResult(t, resp)

	if !result.IsError {
		t.Error("nil result should surface as an isError result")
	}
}

func TestDispatchUnknownServer(t *testing.T) {
	r := newTestRegistry(t)

	resp := dispatch(t, r, "nope", `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)
	if resp.Error == nil || resp.Error.Code != errCodeMethodNotFound {
		t.Errorf("error = %+v, want method-not-found", resp.Error)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "fake"})

	resp := dispatch(t, r, "fake", `{"jsonrpc":"2.0","id":8,"method":"resources/list"}`)
	if resp.Error == nil || resp.Error.Code != errCodeMethodNotFound {
		t.Errorf("error = %+v, want method-not-found", resp.Error)
	}
}

func TestDispatchParseError(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "fake"})

	resp := dispatch(t, r, "fake", `{not json`)
	if resp.Error == nil || resp.Error.Code != errCodeParse {
		t.Errorf("error = %+v, want parse error", resp.Error)
	}
}

func TestDispatchNotificationNoReply(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "fake"})

	reply := r.Dispatch(context.Background(), "fake",
		json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if reply != nil {
		t.Errorf("notification got a reply: %s", reply)
	}
}

func TestDispatchPing(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "fake"})

	resp := dispatch(t, r, "fake", `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	if resp.Error != nil {
		t.Errorf("ping returned error: %+v", resp.Error)
	}
}

func TestRegistryNames(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&fakeServer{name: "zeta"})
	r.Register(&fakeServer{name: "alpha"})

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("Names() = %v, want sorted [alpha zeta]", names)
	}
}

func TestCallerRoundTrip(t *testing.T) {
	caller := Caller{NetworkID: "net1", AgentID: "ag1", ProjectPath: "/p", WorkDir: "/w"}
	ctx := WithCaller(context.Background(), caller)

	if got := CallerFrom(ctx); got != caller {
		t.Errorf("CallerFrom = %+v, want %+v", got, caller)
	}
	if got := CallerFrom(context.Background()); got != (Caller{}) {
		t.Errorf("CallerFrom on empty context = %+v, want zero", got)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{
		"s":     "hello",
		"empty": "",
		"b":     true,
		"n":     float64(7),
		"list":  []any{"a", "b", 3},
	}

	if v, err := requireString(args, "s"); err != nil || v != "hello" {
		t.Errorf("requireString(s) = %q, %v", v, err)
	}
	if _, err := requireString(args, "empty"); err == nil {
		t.Error("requireString on empty string should fail")
	}
	if _, err := requireString(args, "missing"); err == nil {
		t.Error("requireString on missing key should fail")
	}
	if v := optionalString(args, "missing", "def"); v != "def" {
		t.Errorf("optionalString default = %q", v)
	}
	if v := optionalBool(args, "b", false); !v {
		t.Error("optionalBool(b) = false")
	}
	if v := optionalBool(args, "missing", true); !v {
		t.Error("optionalBool default = false")
	}
	if v := optionalInt(args, "n", 0); v != 7 {
		t.Errorf("optionalInt(n) = %d", v)
	}
	if v := optionalInt(args, "missing", 42); v != 42 {
		t.Errorf("optionalInt default = %d", v)
	}
	if v := optionalStringSlice(args, "list"); len(v) != 2 || v[0] != "a" || v[1] != "b" {
		t.Errorf("optionalStringSlice = %v, want non-strings skipped", v)
	}
	if v := optionalStringSlice(args, "missing"); v != nil {
		t.Errorf("optionalStringSlice missing = %v", v)
	}
}
