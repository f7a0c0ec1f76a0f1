package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/troupe-dev/troupe/internal/askuser"
	"github.com/troupe-dev/troupe/internal/events"
	"github.com/troupe-dev/troupe/internal/events/bus"
	"github.com/troupe-dev/troupe/internal/stream"
)

func (fx *gatewayFixture) streamURL(networkID, agentID string) string {
	return "ws" + strings.TrimPrefix(fx.ts.URL, "http") +
		"/api/v1/networks/" + networkID + "/agents/" + agentID + "/stream"
}

func (fx *gatewayFixture) dialStream(t *testing.T, networkID, agentID string) *gorillaws.Conn {
	t.Helper()
	conn, resp, err := gorillaws.DefaultDialer.Dial(fx.streamURL(networkID, agentID), nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readRaw(t *testing.T, conn *gorillaws.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return data
}

func readEvent(t *testing.T, conn *gorillaws.Conn) stream.Event {
	t.Helper()
	data := readRaw(t, conn)
	var ev stream.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return ev
}

// scanFor reads frames until one satisfies match. Session events
// interleave freely with the frames under test.
func scanFor(t *testing.T, conn *gorillaws.Conn, match func([]byte) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if match(readRaw(t, conn)) {
			return
		}
	}
	t.Fatal("expected frame not received")
}

func TestStreamConnectedFirst(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "stream me")
	fx.waitWorking(t, created.NetworkID)

	conn := fx.dialStream(t, created.NetworkID, created.MainAgentID)
	ev := readEvent(t, conn)
	if ev.Type != stream.EventConnected {
		t.Fatalf("first frame type = %q", ev.Type)
	}
	if ev.AgentID != created.MainAgentID || ev.NetworkID != created.NetworkID {
		t.Errorf("frame routing = %+v", ev)
	}
	if ev.Seq == 0 {
		t.Error("resume seq = 0 after events were published")
	}
}

func TestStreamDeliversPublishedEvents(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "stream me")
	conn := fx.dialStream(t, created.NetworkID, created.MainAgentID)
	if ev := readEvent(t, conn); ev.Type != stream.EventConnected {
		t.Fatalf("first frame type = %q", ev.Type)
	}

	fx.hub.Publish(stream.Event{
		Type:      stream.EventStatus,
		AgentID:   created.MainAgentID,
		NetworkID: created.NetworkID,
		Status:    "reviewing",
	})

	scanFor(t, conn, func(data []byte) bool {
		var ev stream.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return false
		}
		if ev.Type != stream.EventStatus || ev.Status != "reviewing" {
			return false
		}
		if ev.Seq == 0 {
			t.Error("delivered event has no seq")
		}
		return true
	})
}

func TestStreamPingPong(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "ping me")
	conn := fx.dialStream(t, created.NetworkID, created.MainAgentID)

	// Unknown frames are ignored; only pings are answered.
	if err := conn.WriteMessage(gorillaws.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatalf("write unknown: %v", err)
	}
	if err := conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	scanFor(t, conn, func(data []byte) bool {
		var frame clientFrame
		return json.Unmarshal(data, &frame) == nil && frame.Type == "pong"
	})
}

func TestStreamRejectsUnknownAgent(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "real network")

	conn, resp, err := gorillaws.DefaultDialer.Dial(fx.streamURL(created.NetworkID, "ghost"), nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake failure")
	}
	if resp == nil {
		t.Fatal("no handshake response")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStreamBroadcastsLifecycleNotices(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "notify me")
	conn := fx.dialStream(t, created.NetworkID, created.MainAgentID)
	if ev := readEvent(t, conn); ev.Type != stream.EventConnected {
		t.Fatalf("first frame type = %q", ev.Type)
	}

	data := events.LifecycleData{
		NetworkID:      created.NetworkID,
		AgentID:        created.MainAgentID,
		Status:         "waiting",
		NeedsAttention: true,
	}
	err := fx.bus.Publish(context.Background(),
		events.BuildNetworkSubject(created.NetworkID),
		bus.NewEvent(events.NetworkAttentionChanged, "test", data.Map()))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	scanFor(t, conn, func(raw []byte) bool {
		var n notice
		if err := json.Unmarshal(raw, &n); err != nil {
			return false
		}
		if n.Type != "notification" || n.Event != events.NetworkAttentionChanged {
			return false
		}
		if n.NetworkID != created.NetworkID {
			t.Errorf("notice network = %q", n.NetworkID)
		}
		if attention, _ := n.Data["needs_attention"].(bool); !attention {
			t.Errorf("notice data = %+v", n.Data)
		}
		return true
	})
}

func TestStreamClosesWhenHubCloses(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "close me")
	conn := fx.dialStream(t, created.NetworkID, created.MainAgentID)
	if ev := readEvent(t, conn); ev.Type != stream.EventConnected {
		t.Fatalf("first frame type = %q", ev.Type)
	}

	fx.hub.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("stream did not close")
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseGoingAway) {
				t.Errorf("close error = %v", err)
			}
			return
		}
	}
}

func TestStreamCarriesAskRoundTrip(t *testing.T) {
	fx := newTestGateway(t, false)
	created := fx.createNetwork(t, "ask me")
	conn := fx.dialStream(t, created.NetworkID, created.MainAgentID)
	if ev := readEvent(t, conn); ev.Type != stream.EventConnected {
		t.Fatalf("first frame type = %q", ev.Type)
	}

	answered := make(chan askuser.Answers, 1)
	go func() {
		got, err := fx.askers.Ask(context.Background(), created.MainAgentID, []askuser.Question{
			{ID: "q1", Kind: askuser.KindConfirm, Prompt: "proceed?"},
		})
		if err == nil {
			answered <- got
		}
	}()

	var requestID string
	scanFor(t, conn, func(raw []byte) bool {
		var ev stream.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return false
		}
		if ev.Type != stream.EventAskUser {
			return false
		}
		if ev.NetworkID != created.NetworkID || ev.AgentID != created.MainAgentID {
			t.Errorf("ask frame routing = %+v", ev)
		}
		if len(ev.Questions) != 1 || ev.Questions[0].Prompt != "proceed?" {
			t.Errorf("ask frame questions = %+v", ev.Questions)
		}
		requestID = ev.RequestID
		return requestID != ""
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

	scanFor(t, conn, func(raw []byte) bool {
		var n notice
		if err := json.Unmarshal(raw, &n); err != nil {
			return false
		}
		if n.Type != "notification" || n.Event != events.AskUserAnswered {
			return false
		}
		if id, _ := n.Data["request_id"].(string); id != requestID {
			t.Errorf("answered notice data = %+v", n.Data)
		}
		return true
	})
}
