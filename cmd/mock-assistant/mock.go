package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/troupe-dev/troupe/pkg/assistant"
)

// replyTimeout bounds control round trips toward the runtime.
const replyTimeout = 30 * time.Second

// mock drives one fake assistant session over stdin/stdout. Reading
// and turn execution run on separate goroutines so an interrupt can
// land while a scenario is mid-emission.
type mock struct {
	model   string
	servers []string
	session string
	delay   time.Duration

	out io.Writer
	wmu sync.Mutex

	prompts chan string

	pendingMu sync.Mutex
	pending   map[string]chan *assistant.IncomingControlResponse

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	// seq numbers tool ids and control request ids. Only the turn
	// goroutine touches it.
	seq int
}

func newMock(opts options, out io.Writer) *mock {
	return &mock{
		model:   opts.model,
		servers: opts.servers,
		session: fmt.Sprintf("mock-%d", os.Getpid()),
		delay:   stepDelay(opts.model),
		out:     out,
		prompts: make(chan string, 16),
		pending: make(map[string]chan *assistant.IncomingControlResponse),
	}
}

// stepDelay is the pause between emitted frames. The model name picks
// the pace so tests can choose between snappy and sluggish sessions.
func stepDelay(model string) time.Duration {
	switch model {
	case "mock-fast":
		return 5 * time.Millisecond
	case "mock-slow":
		return 250 * time.Millisecond
	default:
		return 40 * time.Millisecond
	}
}

// run emits the startup metadata, then executes turns until stdin
// closes. The runtime treats the init frame as the readiness signal,
// so it goes out before anything is read.
func (m *mock) run(in io.Reader) error {
	cwd, _ := os.Getwd()
	m.writeFrame(initFrame{
		Type:      assistant.FrameTypeSystem,
		Subtype:   "init",
		SessionID: m.session,
		Model:     m.model,
		Tools:     m.toolList(),
		CWD:       cwd,
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- m.readLoop(in)
		close(m.prompts)
	}()

	for prompt := range m.prompts {
		m.runTurn(prompt)
	}
	return <-readErr
}

func (m *mock) toolList() []string {
	tools := []string{"Bash", "Read", "Edit", "Grep", "Glob", "Task"}
	for _, server := range m.servers {
		tools = append(tools, "mcp__"+server)
	}
	return tools
}

// readLoop routes stdin frames: prompts to the turn queue, control
// requests to their handlers, control responses to whoever is waiting.
func (m *mock) readLoop(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f inboundFrame
		if err := json.Unmarshal(line, &f); err != nil {
			fmt.Fprintf(os.Stderr, "mock-assistant: bad frame: %v\n", err)
			continue
		}
		switch f.Type {
		case assistant.FrameTypeControlRequest:
			m.handleControl(f)
		case assistant.FrameTypeControlResponse:
			m.routeReply(f.Response)
		case assistant.FrameTypeUser:
			if text := promptText(f.Message); text != "" {
				select {
				case m.prompts <- text:
				default:
					fmt.Fprintln(os.Stderr, "mock-assistant: prompt queue full, dropping")
				}
			}
		}
	}
	return scanner.Err()
}

// promptText joins the text blocks of a user message.
func promptText(msg *assistant.UserMessageBody) string {
	if msg == nil {
		return ""
	}
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (m *mock) handleControl(f inboundFrame) {
	if f.Request == nil || f.RequestID == "" {
		return
	}
	switch f.Request.Subtype {
	case assistant.SubtypeInitialize:
		m.ack(f.RequestID, &assistant.InitializeResult{
			Model: m.model,
			Commands: []assistant.CommandInfo{
				{Name: "error", Description: "fail the turn with an error result"},
				{Name: "think", Description: "stream thinking before the reply"},
				{Name: "slow", Description: "stretch the turn over a duration"},
				{Name: "tool", Description: "run a tool through a permission check"},
				{Name: "mcp", Description: "call an in-process tool server"},
				{Name: "status", Description: "emit a status frame"},
			},
		})
	case assistant.SubtypeInterrupt:
		m.cancelTurn()
		m.ack(f.RequestID, nil)
	default:
		m.writeFrame(assistant.ControlResponseMessage{
			Type: assistant.FrameTypeControlResponse,
			Response: assistant.ControlResponse{
				Subtype:   "error",
				RequestID: f.RequestID,
				Error:     fmt.Sprintf("unsupported control subtype %q", f.Request.Subtype),
			},
		})
	}
}

func (m *mock) ack(requestID string, payload any) {
	m.writeFrame(assistant.ControlResponseMessage{
		Type: assistant.FrameTypeControlResponse,
		Response: assistant.ControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  payload,
		},
	})
}

func (m *mock) routeReply(resp *assistant.IncomingControlResponse) {
	if resp == nil {
		return
	}
	m.pendingMu.Lock()
	ch, ok := m.pending[resp.RequestID]
	m.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// roundTrip raises a control request and waits for the correlated
// reply. An error-subtype reply surfaces as an error.
func (m *mock) roundTrip(ctx context.Context, req *assistant.ControlRequest) (*assistant.IncomingControlResponse, error) {
	m.seq++
	id := fmt.Sprintf("mockreq-%04d", m.seq)

	ch := make(chan *assistant.IncomingControlResponse, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	m.writeFrame(controlRequestFrame{
		Type:      assistant.FrameTypeControlRequest,
		RequestID: id,
		Request:   req,
	})

	select {
	case resp := <-ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("control request %s failed: %s", req.Subtype, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(replyTimeout):
		return nil, fmt.Errorf("no reply to %s after %v", req.Subtype, replyTimeout)
	}
}

// runTurn executes one prompt with a cancelable context so an
// interrupt stops emission between frames.
func (m *mock) runTurn(prompt string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.turnMu.Lock()
	m.turnCancel = cancel
	m.turnMu.Unlock()
	defer func() {
		cancel()
		m.turnMu.Lock()
		m.turnCancel = nil
		m.turnMu.Unlock()
	}()

	m.dispatch(ctx, prompt)
}

func (m *mock) cancelTurn() {
	m.turnMu.Lock()
	if m.turnCancel != nil {
		m.turnCancel()
	}
	m.turnMu.Unlock()
}

// pause sleeps one step, reporting false when the turn was canceled.
func (m *mock) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.delay):
		return true
	}
}

func (m *mock) nextToolID() string {
	m.seq++
	return fmt.Sprintf("mocktool-%04d", m.seq)
}

func (m *mock) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-assistant: marshal: %v\n", err)
		return
	}
	data = append(data, '\n')
	m.wmu.Lock()
	defer m.wmu.Unlock()
	_, _ = m.out.Write(data)
}
