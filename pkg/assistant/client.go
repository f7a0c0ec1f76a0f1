package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

// Reply timeouts for outbound control requests.
const (
	DefaultControlTimeout = 5 * time.Second
	InterruptTimeout      = 10 * time.Second
)

// ControlHandler handles control requests arriving from the CLI. The
// handler answers by calling one of the Respond methods with the
// request id.
type ControlHandler func(requestID string, req *ControlRequest)

// EventHandler receives decoded protocol events.
type EventHandler func(ev Event)

type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client speaks the stream-json protocol over a CLI subprocess's
// stdin/stdout. It decodes outbound frames into events, dispatches
// inbound control requests, and correlates replies to control
// requests it sent.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	log    *logger.Logger

	mu             sync.RWMutex
	controlHandler ControlHandler
	eventHandler   EventHandler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	done chan struct{}
}

func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		log:     log.WithComponent("assistant-client"),
		pending: make(map[string]*pendingRequest),
		done:    make(chan struct{}),
	}
}

// SetControlHandler sets the handler for inbound control requests.
func (c *Client) SetControlHandler(h ControlHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlHandler = h
}

// SetEventHandler sets the handler for decoded events.
func (c *Client) SetEventHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = h
}

// Start begins reading stdout in a goroutine. The returned channel
// closes once the read loop is running.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop terminates the read loop. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Initialize performs the initialize round trip and returns the CLI's
// session capabilities.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResult, error) {
	resp, err := c.controlRoundTrip(ctx, ControlRequestBody{Subtype: SubtypeInitialize}, timeout)
	if err != nil {
		return nil, err
	}
	result := &InitializeResult{}
	if len(resp.Response) > 0 {
		if err := json.Unmarshal(resp.Response, result); err != nil {
			return nil, fmt.Errorf("decode initialize response: %w", err)
		}
	}
	c.log.Debug("initialize complete",
		zap.Int("commands", len(result.Commands)),
		zap.String("model", result.Model))
	return result, nil
}

// Interrupt asks the CLI to stop the current turn and waits for the
// acknowledgment.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.controlRoundTrip(ctx, ControlRequestBody{Subtype: SubtypeInterrupt}, timeout)
	return err
}

func (c *Client) controlRoundTrip(ctx context.Context, body ControlRequestBody, timeout time.Duration) (*IncomingControlResponse, error) {
	requestID := uuid.New().String()
	pending := &pendingRequest{ch: make(chan *IncomingControlResponse, 1)}

	c.pendingMu.Lock()
	c.pending[requestID] = pending
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	req := &OutboundControlRequest{
		Type:      FrameTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("send %s request: %w", body.Subtype, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client stopped while awaiting %s response", body.Subtype)
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s request timed out after %v", body.Subtype, timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

// AllowTool answers a can_use_tool request positively, echoing the
// input the tool should run with.
func (c *Client) AllowTool(requestID string, updatedInput map[string]any) error {
	return c.RespondSuccess(requestID, &PermissionResult{
		Behavior:     BehaviorAllow,
		UpdatedInput: updatedInput,
	})
}

// DenyTool answers a can_use_tool request negatively.
func (c *Client) DenyTool(requestID, message string, interrupt bool) error {
	return c.RespondSuccess(requestID, &PermissionResult{
		Behavior:  BehaviorDeny,
		Message:   message,
		Interrupt: interrupt,
	})
}

// RespondSuccess answers a control request with a payload.
func (c *Client) RespondSuccess(requestID string, payload any) error {
	return c.send(&ControlResponseMessage{
		Type: FrameTypeControlResponse,
		Response: ControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  payload,
		},
	})
}

// RespondError answers a control request with an error.
func (c *Client) RespondError(requestID, message string) error {
	return c.send(&ControlResponseMessage{
		Type: FrameTypeControlResponse,
		Response: ControlResponse{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	})
}

// SendUserMessage writes a user prompt frame with the given content
// blocks.
func (c *Client) SendUserMessage(blocks ...UserContent) error {
	if len(blocks) == 0 {
		return fmt.Errorf("user message needs at least one content block")
	}
	return c.send(&UserMessage{
		Type: FrameTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: blocks,
		},
	})
}

// SendPrompt sends a plain text prompt.
func (c *Client) SendPrompt(text string) error {
	return c.SendUserMessage(TextContent(text))
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Tool results can be large; allow lines up to 10MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.log.Warn("read loop ended", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var probe struct {
		Type      string                   `json:"type"`
		RequestID string                   `json:"request_id"`
		Request   *ControlRequest          `json:"request"`
		Response  *IncomingControlResponse `json:"response"`
	}
	if err := json.Unmarshal(line, &probe); err == nil {
		if probe.Type == FrameTypeControlRequest && probe.Request != nil {
			c.handleControlRequest(probe.RequestID, probe.Request)
			return
		}
		if probe.Type == FrameTypeControlResponse && probe.Response != nil {
			c.handleControlResponse(probe.Response)
			return
		}
	}

	c.mu.RLock()
	handler := c.eventHandler
	c.mu.RUnlock()
	if handler == nil {
		return
	}
	for _, ev := range DecodeLine(line) {
		handler(ev)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.controlHandler
	c.mu.RUnlock()

	if handler == nil {
		c.log.Warn("control request without handler",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		if err := c.RespondError(requestID, "no control handler registered"); err != nil {
			c.log.Warn("error response failed", zap.Error(err))
		}
		return
	}
	handler(requestID, req)
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingMu.Lock()
	pending, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()

	if !ok {
		c.log.Warn("control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case pending.ch <- resp:
	default:
	}
}
