// Package conversation holds the append-only message model for one
// agent session and reduces decoded protocol events into it. Text
// streamed as partial deltas, cumulative assistant frames and plain
// completed frames all reconcile into a single rendered text per turn.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troupe-dev/troupe/pkg/assistant"
)

// Role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleMarker    Role = "marker"
)

// State of the turn machine.
type State string

const (
	StateIdle    State = "idle"
	StateWorking State = "working"
	StateErrored State = "errored"
)

// ToolCall is one tool invocation inside an assistant message,
// resolved once its result arrives.
type ToolCall struct {
	ID      string
	Name    string
	Input   map[string]any
	Result  string
	IsError bool
	Done    bool
}

// ToolResult is a result that arrived without a matching tool call.
// It stays rendered but never pairs.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one entry of the conversation.
type Message struct {
	ID             string
	Role           Role
	Text           string
	Thinking       string
	Images         int
	ToolCalls      []*ToolCall
	Orphans        []ToolResult
	Errored        bool
	ErrorMessage   string
	StopReason     string
	CompactMarker  bool
	CompactTrigger string
	TranscriptOnly bool
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// TokenTotals accumulate across the whole conversation.
type TokenTotals struct {
	Input         int64
	Output        int64
	CacheCreation int64
	CacheRead     int64
}

// turnAccum reconciles streamed text for one open turn. If any
// partial delta arrived the partials win; otherwise the last
// cumulative frame wins; otherwise completed events concatenate.
type turnAccum struct {
	partials   []string
	completed  []string
	cumulative string
	anyPartial bool
}

func (t *turnAccum) add(text string, partial, cumulative bool) {
	switch {
	case partial:
		t.anyPartial = true
		t.partials = append(t.partials, text)
	case cumulative:
		t.cumulative = text
	default:
		t.completed = append(t.completed, text)
	}
}

func (t *turnAccum) text() string {
	if t.anyPartial {
		return strings.Join(t.partials, "")
	}
	if t.cumulative != "" {
		return t.cumulative
	}
	return strings.Join(t.completed, "")
}

// Conversation is the per-session message history. Events are applied
// by the owning session goroutine; snapshots may be taken from any
// goroutine.
type Conversation struct {
	mu sync.RWMutex

	messages []*Message
	current  *Message
	text     *turnAccum
	thinking *turnAccum
	pending  map[string]*ToolCall

	state      State
	stopReason string
	lastStatus string

	cliSessionID string
	model        string

	totals         TokenTotals
	currentContext int64

	compactPending bool
}

func New() *Conversation {
	return &Conversation{
		state:   StateIdle,
		pending: make(map[string]*ToolCall),
	}
}

// AddUserMessage appends a user message and opens a working turn for
// the reply.
func (c *Conversation) AddUserMessage(text string, images int) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		Images:    images,
		CreatedAt: time.Now(),
	}
	c.messages = append(c.messages, msg)
	c.state = StateWorking
	return msg
}

// Apply reduces one decoded event into the conversation.
func (c *Conversation) Apply(ev assistant.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case assistant.KindText:
		msg := c.openTurn()
		c.text.add(ev.Text, ev.IsPartial, ev.IsCumulative)
		msg.Text = c.text.text()
		if ev.Model != "" {
			c.model = ev.Model
		}

	case assistant.KindThinking:
		msg := c.openTurn()
		c.thinking.add(ev.Text, ev.IsPartial, ev.IsCumulative)
		msg.Thinking = c.thinking.text()

	case assistant.KindToolUse:
		msg := c.openTurn()
		tc := &ToolCall{ID: ev.ToolUseID, Name: ev.ToolName, Input: ev.ToolInput}
		msg.ToolCalls = append(msg.ToolCalls, tc)
		if ev.ToolUseID != "" {
			c.pending[ev.ToolUseID] = tc
		}

	case assistant.KindToolResult:
		if tc, ok := c.pending[ev.ToolUseID]; ok {
			tc.Result = ev.Content
			tc.IsError = ev.IsError
			tc.Done = true
			delete(c.pending, ev.ToolUseID)
			return
		}
		msg := c.openTurn()
		msg.Orphans = append(msg.Orphans, ToolResult{
			ToolUseID: ev.ToolUseID,
			Content:   ev.Content,
			IsError:   ev.IsError,
		})

	case assistant.KindUsage:
		c.account(ev.Usage)

	case assistant.KindCompletion:
		c.account(ev.Usage)
		msg := c.openTurn()
		if msg.Text == "" && ev.Text != "" {
			msg.Text = ev.Text
		}
		msg.StopReason = ev.StopReason
		msg.CompletedAt = time.Now()
		if ev.IsError {
			msg.Errored = true
			msg.ErrorMessage = ev.ErrorMessage
			if msg.ErrorMessage == "" {
				msg.ErrorMessage = ev.Text
			}
		}
		c.stopReason = ev.StopReason
		c.state = StateIdle
		if ev.IsError {
			c.state = StateErrored
		}
		c.closeTurn()

	case assistant.KindMeta:
		if ev.SessionID != "" {
			c.cliSessionID = ev.SessionID
		}
		if ev.Model != "" {
			c.model = ev.Model
		}

	case assistant.KindStatus:
		c.lastStatus = ev.Status

	case assistant.KindCompactBoundary:
		c.closeTurn()
		c.messages = append(c.messages, &Message{
			ID:             uuid.NewString(),
			Role:           RoleMarker,
			CompactMarker:  true,
			CompactTrigger: ev.CompactTrigger,
			CreatedAt:      time.Now(),
		})
		c.compactPending = true
	}
}

// MarkError closes the open turn with an error while keeping whatever
// content already streamed in.
func (c *Conversation) MarkError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.openTurn()
	msg.Errored = true
	msg.ErrorMessage = message
	msg.CompletedAt = time.Now()
	c.state = StateErrored
	c.closeTurn()
}

// Interrupt cancels the in-flight turn: the open message is finalized
// with the given error but the conversation returns to idle, since the
// user asked for the stop. Returns false when no turn was in flight,
// which happens when the turn completed on its own before the
// interrupt landed.
func (c *Conversation) Interrupt(message string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil && c.state != StateWorking {
		return false
	}
	msg := c.openTurn()
	msg.Errored = true
	msg.ErrorMessage = message
	msg.CompletedAt = time.Now()
	c.state = StateIdle
	c.closeTurn()
	return true
}

func (c *Conversation) openTurn() *Message {
	if c.current != nil {
		return c.current
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
	if c.compactPending {
		msg.TranscriptOnly = true
		c.compactPending = false
	}
	c.messages = append(c.messages, msg)
	c.current = msg
	c.text = &turnAccum{}
	c.thinking = &turnAccum{}
	if c.state != StateErrored {
		c.state = StateWorking
	}
	return msg
}

func (c *Conversation) closeTurn() {
	c.current = nil
	c.text = nil
	c.thinking = nil
}

func (c *Conversation) account(u *assistant.Usage) {
	if u == nil {
		return
	}
	c.totals.Input += u.InputTokens
	c.totals.Output += u.OutputTokens
	c.totals.CacheCreation += u.CacheCreationInputTokens
	c.totals.CacheRead += u.CacheReadInputTokens
	c.currentContext = u.ContextTokens()
}

// State returns the turn machine state.
func (c *Conversation) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CurrentMessageID returns the id of the open assistant message, or
// empty when no turn is in flight.
func (c *Conversation) CurrentMessageID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return ""
	}
	return c.current.ID
}

// StopReason of the most recent completed turn.
func (c *Conversation) StopReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopReason
}

// Totals returns the accumulated token counts.
func (c *Conversation) Totals() TokenTotals {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totals
}

// CurrentContext returns the context occupancy from the latest usage
// frame.
func (c *Conversation) CurrentContext() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentContext
}

// CLISessionID is the session id reported by the CLI's init frame.
func (c *Conversation) CLISessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cliSessionID
}

// Model is the model name reported by the CLI.
func (c *Conversation) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// Snapshot is a point-in-time copy of the conversation for rendering.
type Snapshot struct {
	Messages       []Message
	State          State
	StopReason     string
	LastStatus     string
	CLISessionID   string
	Model          string
	Totals         TokenTotals
	CurrentContext int64
}

// Snapshot deep-copies the conversation. Tool call copies are safe to
// read while the session keeps streaming.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	messages := make([]Message, len(c.messages))
	for i, m := range c.messages {
		cp := *m
		cp.ToolCalls = make([]*ToolCall, len(m.ToolCalls))
		for j, tc := range m.ToolCalls {
			tcCopy := *tc
			cp.ToolCalls[j] = &tcCopy
		}
		cp.Orphans = append([]ToolResult(nil), m.Orphans...)
		messages[i] = cp
	}

	return Snapshot{
		Messages:       messages,
		State:          c.state,
		StopReason:     c.stopReason,
		LastStatus:     c.lastStatus,
		CLISessionID:   c.cliSessionID,
		Model:          c.model,
		Totals:         c.totals,
		CurrentContext: c.currentContext,
	}
}
