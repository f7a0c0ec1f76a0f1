package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/troupe-dev/troupe/internal/agentdef"
	"github.com/troupe-dev/troupe/internal/askuser"
	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/events/bus"
	"github.com/troupe-dev/troupe/internal/history"
	"github.com/troupe-dev/troupe/internal/network"
	"github.com/troupe-dev/troupe/internal/permission"
	"github.com/troupe-dev/troupe/internal/session"
	"github.com/troupe-dev/troupe/internal/store"
	"github.com/troupe-dev/troupe/internal/stream"
	"github.com/troupe-dev/troupe/internal/toolserver"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// fakeAssistantScript emits the init frame and then acknowledges every
// control request. User messages get no result frame, so a dispatched
// turn stays working and queue inspection is deterministic.
const fakeAssistantScript = `
printf '{"type":"system","subtype":"init","session_id":"cli-gw","model":"m"}\n'
while read -r line; do
  rid=$(printf '%s' "$line" | sed -n 's/.*"request_id":"\([^"]*\)".*/\1/p')
  if [ -n "$rid" ]; then
    printf '{"type":"control_response","response":{"subtype":"success","request_id":"%s"}}\n' "$rid"
  fi
done
`

type gatewayFixture struct {
	srv     *Server
	ts      *httptest.Server
	mgr     *network.Manager
	hub     *stream.Hub
	bus     *bus.MemoryEventBus
	askers  *askuser.Coordinator
	archive *history.Archive
	workDir string
}

func newTestGateway(t *testing.T, withHistory bool) *gatewayFixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rootDir := t.TempDir()
	workDir := t.TempDir()
	log := newTestLogger(t)

	root, err := store.Open(rootDir, log)
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	defs := agentdef.NewRegistry(filepath.Join(rootDir, "agents"), log)
	if err := defs.Load(); err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	hub := stream.NewHub(log)
	memBus := bus.NewMemoryEventBus(log)
	askers := askuser.NewCoordinator(log)
	cfg := &config.Config{
		Runtime: config.RuntimeConfig{
			RootDir:          rootDir,
			AssistantCommand: "sh",
			AssistantArgs:    []string{"-c", fakeAssistantScript},
			SpawnTimeout:     5,
			AbortGrace:       1,
			InboxSize:        8,
			FanoutBuffer:     64,
			MaxSpawnDepth:    3,
		},
	}
	tools := toolserver.NewRegistry(log)
	mgr := network.NewManager(cfg, root, defs, tools, permission.NewEngine(root, log), askers, hub, memBus, log)
	tools.Register(toolserver.NewAgentServer(mgr))
	tools.Register(toolserver.NewTaskServer(mgr))

	var archive *history.Archive
	var recorder *history.Recorder
	if withHistory {
		archive, err = history.Open(config.HistoryConfig{}, rootDir, log)
		if err != nil {
			t.Fatalf("open archive: %v", err)
		}
		recorder, err = history.NewRecorder(archive, hub, memBus, 0, log)
		if err != nil {
			t.Fatalf("start recorder: %v", err)
		}
	}

	srv, err := New(cfg, mgr, askers, hub, archive, memBus, "test", log)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		if recorder != nil {
			recorder.Close()
		}
		if archive != nil {
			archive.Close()
		}
		askers.Close()
		hub.Close()
		memBus.Close()
	})
	return &gatewayFixture{
		srv:     srv,
		ts:      ts,
		mgr:     mgr,
		hub:     hub,
		bus:     memBus,
		askers:  askers,
		archive: archive,
		workDir: workDir,
	}
}

func (fx *gatewayFixture) request(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, fx.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := fx.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func (fx *gatewayFixture) decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func (fx *gatewayFixture) createNetwork(t *testing.T, initialMessage string) CreateNetworkResponse {
	t.Helper()
	status, body := fx.request(t, http.MethodPost, "/api/v1/networks", CreateNetworkRequest{
		InitialMessage: initialMessage,
		WorkingDir:     fx.workDir,
	})
	if status != http.StatusCreated {
		t.Fatalf("create network status = %d: %s", status, body)
	}
	var out CreateNetworkResponse
	fx.decode(t, body, &out)
	return out
}

// waitWorking blocks until the initial message occupies the turn.
func (fx *gatewayFixture) waitWorking(t *testing.T, networkID string) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		net, err := fx.mgr.Get(networkID)
		return err == nil && net.Status == string(session.StatusWorking)
	})
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (fx *gatewayFixture) decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	fx.decode(t, data, &env)
	if env.Error.Code == "" {
		t.Fatalf("no error envelope in %s", data)
	}
	return env
}

func TestHealth(t *testing.T) {
	fx := newTestGateway(t, false)

	status, body := fx.request(t, http.MethodGet, "/health", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var out map[string]string
	fx.decode(t, body, &out)
	if out["status"] != "ok" {
		t.Errorf("status field = %q", out["status"])
	}
	if out["version"] != "test" {
		t.Errorf("version = %q", out["version"])
	}
}

func TestCreateAndGetNetwork(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "ship the login page")
	if created.NetworkID == "" || created.MainAgentID == "" {
		t.Fatalf("missing ids: %+v", created)
	}

	status, body := fx.request(t, http.MethodGet, "/api/v1/networks", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var list NetworksResponse
	fx.decode(t, body, &list)
	if list.Total != 1 || len(list.Networks) != 1 {
		t.Fatalf("list = %+v", list)
	}

	status, body = fx.request(t, http.MethodGet, "/api/v1/networks/"+created.NetworkID, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	var net network.Network
	fx.decode(t, body, &net)
	if net.Goal != "ship the login page" {
		t.Errorf("goal = %q", net.Goal)
	}
	if net.MainAgentID != created.MainAgentID {
		t.Errorf("main agent = %q, want %q", net.MainAgentID, created.MainAgentID)
	}
	if len(net.Agents) != 1 {
		t.Errorf("agent count = %d", len(net.Agents))
	}

	status, body = fx.request(t, http.MethodGet, "/api/v1/networks/nope", nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown network status = %d", status)
	}
	env := fx.decodeError(t, body)
	if env.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestCreateNetworkValidation(t *testing.T) {
	fx := newTestGateway(t, false)

	status, body := fx.request(t, http.MethodPost, "/api/v1/networks", map[string]string{
		"working_dir": fx.workDir,
	})
	if status != http.StatusBadRequest {
		t.Fatalf("missing message status = %d: %s", status, body)
	}
	if env := fx.decodeError(t, body); env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q", env.Error.Code)
	}

	status, body = fx.request(t, http.MethodPost, "/api/v1/networks", CreateNetworkRequest{
		InitialMessage: "go",
		WorkingDir:     fx.workDir,
		AgentType:      "daydreamer",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("unknown type status = %d: %s", status, body)
	}
	if env := fx.decodeError(t, body); env.Error.Code != "BAD_REQUEST" {
		t.Errorf("code = %q", env.Error.Code)
	}

	status, body = fx.request(t, http.MethodPost, "/api/v1/networks", CreateNetworkRequest{
		InitialMessage: "go",
		WorkingDir:     filepath.Join(fx.workDir, "missing"),
	})
	if status != http.StatusBadRequest {
		t.Fatalf("bad workdir status = %d: %s", status, body)
	}
}

func TestPostMessageAndQueue(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "first prompt")
	fx.waitWorking(t, created.NetworkID)

	base := "/api/v1/networks/" + created.NetworkID

	// No agent_id: routes to the main agent. The turn is busy with the
	// initial message, so this one stays queued.
	status, body := fx.request(t, http.MethodPost, base+"/messages", PostMessageRequest{
		Text: "second prompt",
	})
	if status != http.StatusAccepted {
		t.Fatalf("post status = %d: %s", status, body)
	}
	var posted PostMessageResponse
	fx.decode(t, body, &posted)
	if posted.AgentID != created.MainAgentID {
		t.Errorf("agent = %q, want main %q", posted.AgentID, created.MainAgentID)
	}
	if posted.MessageID == "" {
		t.Fatal("no message id")
	}

	queuePath := base + "/agents/" + created.MainAgentID + "/queue"
	status, body = fx.request(t, http.MethodGet, queuePath, nil)
	if status != http.StatusOK {
		t.Fatalf("queue status = %d", status)
	}
	var queue QueueResponse
	fx.decode(t, body, &queue)
	if queue.Total != 1 || queue.Messages[0].ID != posted.MessageID {
		t.Fatalf("queue = %+v", queue)
	}

	status, _ = fx.request(t, http.MethodDelete, queuePath+"/"+posted.MessageID, nil)
	if status != http.StatusNoContent {
		t.Fatalf("cancel status = %d", status)
	}
	status, body = fx.request(t, http.MethodGet, queuePath, nil)
	if status != http.StatusOK {
		t.Fatalf("queue status = %d", status)
	}
	queue = QueueResponse{}
	fx.decode(t, body, &queue)
	if queue.Total != 0 {
		t.Errorf("queue after cancel = %+v", queue)
	}

	status, body = fx.request(t, http.MethodDelete, queuePath+"/"+posted.MessageID, nil)
	if status != http.StatusNotFound {
		t.Fatalf("double cancel status = %d: %s", status, body)
	}
}

func TestPostMessageUnknownNetwork(t *testing.T) {
	fx := newTestGateway(t, false)

	status, body := fx.request(t, http.MethodPost, "/api/v1/networks/nope/messages", PostMessageRequest{
		Text: "hello",
	})
	if status != http.StatusNotFound {
		t.Fatalf("status = %d: %s", status, body)
	}
}

func TestAbortAgent(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "long task")
	fx.waitWorking(t, created.NetworkID)

	path := "/api/v1/networks/" + created.NetworkID + "/agents/" + created.MainAgentID + "/abort"
	status, body := fx.request(t, http.MethodPost, path, nil)
	if status != http.StatusAccepted {
		t.Fatalf("abort status = %d: %s", status, body)
	}

	waitFor(t, 5*time.Second, func() bool {
		net, err := fx.mgr.Get(created.NetworkID)
		return err == nil && net.Status != string(session.StatusWorking)
	})
}

func TestDeleteNetwork(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "short-lived")

	status, _ := fx.request(t, http.MethodDelete, "/api/v1/networks/"+created.NetworkID, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete status = %d", status)
	}
	status, _ = fx.request(t, http.MethodGet, "/api/v1/networks/"+created.NetworkID, nil)
	if status != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", status)
	}
}

func TestConversationEndpoint(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "explain the plan")
	fx.waitWorking(t, created.NetworkID)

	path := "/api/v1/networks/" + created.NetworkID + "/agents/" + created.MainAgentID + "/conversation"
	status, body := fx.request(t, http.MethodGet, path, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}
	var conv ConversationResponse
	fx.decode(t, body, &conv)
	if conv.State != "working" {
		t.Errorf("state = %q", conv.State)
	}
	if len(conv.Messages) == 0 {
		t.Fatal("no messages")
	}
	first := conv.Messages[0]
	if first.Role != "user" || first.Text != "explain the plan" {
		t.Errorf("first message = %+v", first)
	}
}

func TestHistoryDisabled(t *testing.T) {
	fx := newTestGateway(t, false)

	status, body := fx.request(t, http.MethodGet, "/api/v1/networks/x/agents/y/history", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d: %s", status, body)
	}
	if env := fx.decodeError(t, body); env.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestAgentHistory(t *testing.T) {
	fx := newTestGateway(t, true)
	created := fx.createNetwork(t, "record me")
	fx.waitWorking(t, created.NetworkID)

	path := "/api/v1/networks/" + created.NetworkID + "/agents/" + created.MainAgentID + "/history"

	var events HistoryResponse
	waitFor(t, 5*time.Second, func() bool {
		status, body := fx.request(t, http.MethodGet, path, nil)
		if status != http.StatusOK {
			return false
		}
		events = HistoryResponse{}
		fx.decode(t, body, &events)
		return events.Total >= 2
	})
	for _, ev := range events.Events {
		if ev.AgentID != created.MainAgentID {
			t.Errorf("event for %q in agent history", ev.AgentID)
		}
	}

	status, body := fx.request(t, http.MethodGet, path+"?limit=1", nil)
	if status != http.StatusOK {
		t.Fatalf("limit status = %d", status)
	}
	limited := HistoryResponse{}
	fx.decode(t, body, &limited)
	if limited.Total != 1 {
		t.Errorf("limited total = %d", limited.Total)
	}

	status, _ = fx.request(t, http.MethodGet, path+"?limit=abc", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", status)
	}

	status, _ = fx.request(t, http.MethodGet,
		"/api/v1/networks/"+created.NetworkID+"/agents/ghost/history", nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown agent status = %d", status)
	}
}

func TestSearchHistory(t *testing.T) {
	fx := newTestGateway(t, true)
	created := fx.createNetwork(t, "find the needle phrase")
	fx.waitWorking(t, created.NetworkID)

	base := "/api/v1/networks/" + created.NetworkID + "/agents/" + created.MainAgentID + "/history/search"

	var results HistoryResponse
	waitFor(t, 5*time.Second, func() bool {
		status, body := fx.request(t, http.MethodGet, base+"?q=needle", nil)
		if status != http.StatusOK {
			return false
		}
		results = HistoryResponse{}
		fx.decode(t, body, &results)
		return results.Total >= 1
	})
	for _, ev := range results.Events {
		if !strings.Contains(strings.ToLower(ev.Text), "needle") {
			t.Errorf("non-matching event in results: %+v", ev)
		}
	}

	status, body := fx.request(t, http.MethodGet, base+"?q=zzz-not-said", nil)
	if status != http.StatusOK {
		t.Fatalf("no-match status = %d: %s", status, body)
	}
	none := HistoryResponse{}
	fx.decode(t, body, &none)
	if none.Total != 0 {
		t.Errorf("no-match total = %d", none.Total)
	}

	status, _ = fx.request(t, http.MethodGet, base, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("missing query status = %d", status)
	}
}

func TestRespondAsk(t *testing.T) {
	fx := newTestGateway(t, false)

	answered := make(chan askuser.Answers, 1)
	go func() {
		got, err := fx.askers.Ask(context.Background(), "ag-1", []askuser.Question{
			{ID: "q1", Kind: askuser.KindConfirm, Prompt: "deploy?"},
		})
		if err == nil {
			answered <- got
		}
	}()

	var requestID string
	waitFor(t, 5*time.Second, func() bool {
		status, body := fx.request(t, http.MethodGet, "/api/v1/ask", nil)
		if status != http.StatusOK {
			return false
		}
		var pending PendingAsksResponse
		fx.decode(t, body, &pending)
		if pending.Total != 1 {
			return false
		}
		requestID = pending.Requests[0].ID
		return true
	})

	status, body := fx.request(t, http.MethodPost, "/api/v1/ask/"+requestID+"/respond", RespondAskRequest{
		Answers: askuser.Answers{{QuestionID: "q1", Confirmed: true}},
	})
	if status != http.StatusOK {
		t.Fatalf("respond status = %d: %s", status, body)
	}

	select {
	case got := <-answered:
		if len(got) != 1 || !got[0].Confirmed {
			t.Errorf("answers = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ask not resolved")
	}

	status, body = fx.request(t, http.MethodPost, "/api/v1/ask/"+requestID+"/respond", RespondAskRequest{})
	if status != http.StatusConflict {
		t.Fatalf("double respond status = %d: %s", status, body)
	}

	status, _ = fx.request(t, http.MethodPost, "/api/v1/ask/nope/respond", RespondAskRequest{})
	if status != http.StatusNotFound {
		t.Fatalf("unknown request status = %d", status)
	}
}
