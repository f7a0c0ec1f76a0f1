// Package stream fans out agent events to any number of subscribers.
// Publishers never block: a slow subscriber loses events and gets a
// synthetic dropped marker carrying the count once it drains.
package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/askuser"
	"github.com/troupe-dev/troupe/internal/common/logger"
)

// EventType identifies the shape of a stream event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventStatus       EventType = "status"
	EventMessage      EventType = "message"
	EventMessageDelta EventType = "message_delta"
	EventToolUse      EventType = "tool_use"
	EventToolResult   EventType = "tool_result"
	EventAskUser      EventType = "ask_user"
	EventDone         EventType = "done"
	EventError        EventType = "error"
	EventDropped      EventType = "dropped"
)

// Event is the flat envelope delivered to subscribers. AgentID always
// names the originating agent, even when the event reaches a
// subscriber through an ancestor subscription.
type Event struct {
	Type       EventType          `json:"type"`
	AgentID    string             `json:"agent_id,omitempty"`
	NetworkID  string             `json:"network_id,omitempty"`
	Seq        uint64             `json:"seq,omitempty"`
	Timestamp  time.Time          `json:"ts"`
	Status     string             `json:"status,omitempty"`
	Role       string             `json:"role,omitempty"`
	MessageID  string             `json:"message_id,omitempty"`
	Text       string             `json:"text,omitempty"`
	Thinking   string             `json:"thinking,omitempty"`
	ToolUseID  string             `json:"tool_use_id,omitempty"`
	ToolName   string             `json:"tool_name,omitempty"`
	ToolInput  map[string]any     `json:"tool_input,omitempty"`
	Content    string             `json:"content,omitempty"`
	IsError    bool               `json:"is_error,omitempty"`
	StopReason string             `json:"stop_reason,omitempty"`
	RequestID  string             `json:"request_id,omitempty"`
	Questions  []askuser.Question `json:"questions,omitempty"`
	Error      string             `json:"error,omitempty"`
	Dropped    uint64             `json:"dropped,omitempty"`
}

// DefaultBuffer is the subscription channel capacity when the caller
// does not pick one.
const DefaultBuffer = 256

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	Buffer int
}

// Subscription is one reader of an agent's event stream.
type Subscription struct {
	agentID string
	hub     *Hub
	ch      chan Event

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Events returns the channel events arrive on. It is closed by
// Unsubscribe and by Hub.Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// AgentID this subscription was opened for.
func (s *Subscription) AgentID() string {
	return s.agentID
}

// Unsubscribe detaches from the hub and closes the event channel.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver hands an event to the subscriber without ever blocking the
// publisher. A full buffer increments the drop counter; the counter
// flushes as a dropped marker before the next event that fits.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.dropped > 0 {
		marker := Event{
			Type:      EventDropped,
			AgentID:   s.agentID,
			Timestamp: time.Now(),
			Dropped:   s.dropped,
		}
		select {
		case s.ch <- marker:
			s.dropped = 0
		default:
			s.dropped++
			return
		}
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped++
	}
}

type topic struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// Hub routes per-agent events to subscribers. A subscription to an
// agent also receives events from its descendants, tagged with the
// descendant's id.
type Hub struct {
	log *logger.Logger

	mu      sync.RWMutex
	topics  map[string]*topic
	parents map[string]string
	taps    map[*Subscription]struct{}
	closed  bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:     log.WithComponent("stream"),
		topics:  make(map[string]*topic),
		parents: make(map[string]string),
		taps:    make(map[*Subscription]struct{}),
	}
}

// Register declares an agent and its parent so descendant events
// reach ancestor subscriptions. Main agents register with an empty
// parent.
func (h *Hub) Register(agentID, parentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.topics[agentID]; !ok {
		h.topics[agentID] = &topic{subs: make(map[*Subscription]struct{})}
	}
	h.parents[agentID] = parentID
}

// Deregister drops an agent's topic and closes its direct
// subscriptions. Ancestor subscriptions stay open.
func (h *Hub) Deregister(agentID string) {
	h.mu.Lock()
	t, ok := h.topics[agentID]
	delete(h.topics, agentID)
	delete(h.parents, agentID)
	h.mu.Unlock()

	if !ok {
		return
	}
	for sub := range t.subs {
		sub.close()
	}
}

// Subscribe opens a stream for one agent. Subscribing before the
// agent registers is allowed.
func (h *Hub) Subscribe(agentID string, opts SubscribeOptions) *Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		agentID: agentID,
		hub:     h,
		ch:      make(chan Event, buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	t, ok := h.topics[agentID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[agentID] = t
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Tap opens a subscription that receives every event published to the
// hub, regardless of originating agent. Taps survive agent
// deregistration and follow the same non-blocking delivery rules as
// ordinary subscriptions.
func (h *Hub) Tap(opts SubscribeOptions) *Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		hub: h,
		ch:  make(chan Event, buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.taps[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[sub.agentID]; ok {
		delete(t.subs, sub)
	}
	delete(h.taps, sub)
}

// Publish stamps the event with the next sequence number of its
// originating agent and delivers it to that agent's subscribers and
// every ancestor's subscribers.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	t, ok := h.topics[ev.AgentID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[ev.AgentID] = t
	}
	t.seq++
	ev.Seq = t.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	targets := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		targets = append(targets, sub)
	}

	seen := map[string]struct{}{ev.AgentID: {}}
	for parent := h.parents[ev.AgentID]; parent != ""; parent = h.parents[parent] {
		if _, dup := seen[parent]; dup {
			break
		}
		seen[parent] = struct{}{}
		if pt, ok := h.topics[parent]; ok {
			for sub := range pt.subs {
				targets = append(targets, sub)
			}
		}
	}
	for sub := range h.taps {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

// CurrentSeq returns the latest sequence number published for an
// agent, for resume bookkeeping on connect.
func (h *Hub) CurrentSeq(agentID string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[agentID]; ok {
		return t.seq
	}
	return 0
}

// SubscriberCount reports direct subscribers of one agent.
func (h *Hub) SubscriberCount(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[agentID]; ok {
		return len(t.subs)
	}
	return 0
}

// Close terminates every subscription and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := h.topics
	taps := h.taps
	h.topics = make(map[string]*topic)
	h.parents = make(map[string]string)
	h.taps = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, t := range topics {
		for sub := range t.subs {
			sub.close()
		}
	}
	for sub := range taps {
		sub.close()
	}
	h.log.Debug("stream hub closed", zap.Int("topics", len(topics)))
}
