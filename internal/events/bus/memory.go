package bus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

// ErrClosed is returned by publish and subscribe calls after Close.
var ErrClosed = errors.New("event bus closed")

// Request replies travel over a per-request inbox subject; the inbox
// name is handed to the responder in the event data under replyKey.
const (
	inboxPrefix = "_INBOX."
	replyKey    = "_reply"
)

// MemoryEventBus dispatches events inside the process.
//
// Delivery is synchronous: Publish runs every matching handler before
// it returns, in subscription order, so subscribers observe events in
// publish order without cross-goroutine coordination. No locks are held
// while handlers run, so a handler may publish further events.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memSub    // keyed by subscription pattern
	groups map[string]*deliveryRing // keyed by queue + ":" + pattern
	closed bool
	log    *logger.Logger
}

// memSub is one registered handler. active flips to false on
// unsubscribe or bus close; matching and round-robin skip dead entries.
type memSub struct {
	bus     *MemoryEventBus
	pattern string
	re      *regexp.Regexp // nil when the pattern has no wildcards
	queue   string         // empty for plain subscriptions
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// deliveryRing rotates queue-group deliveries across members.
type deliveryRing struct {
	mu   sync.Mutex
	subs []*memSub
	next int
}

// NewMemoryEventBus returns an open in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memSub),
		groups: make(map[string]*deliveryRing),
		log:    log,
	}
}

// Publish runs every handler matching subject, synchronously and in
// subscription order. Handler errors are logged and do not stop the
// remaining deliveries.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	handlers, err := b.collect(subject)
	if err != nil {
		return err
	}

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.log.Error("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}

	b.log.Debug("event published",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// collect snapshots the matching handlers under the read lock. Queue
// groups contribute at most one member per publish.
func (b *MemoryEventBus) collect(subject string) ([]EventHandler, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}

	var handlers []EventHandler
	seenGroups := make(map[string]bool)

	for pattern, subs := range b.subs {
		for _, s := range subs {
			if !s.alive() || !s.matches(subject) {
				continue
			}
			if s.queue == "" {
				handlers = append(handlers, s.handler)
				continue
			}
			key := s.queue + ":" + pattern
			if seenGroups[key] {
				continue
			}
			seenGroups[key] = true
			if ring := b.groups[key]; ring != nil {
				if h := ring.take(); h != nil {
					handlers = append(handlers, h)
				}
			}
		}
	}
	return handlers, nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

// QueueSubscribe registers a handler in a queue group; each event goes
// to one group member, rotating through them.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.add(subject, queue, handler)
}

func (b *MemoryEventBus) add(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := &memSub{
		bus:     b,
		pattern: subject,
		re:      wildcardRegexp(subject),
		queue:   queue,
		handler: handler,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], s)

	if queue != "" {
		key := queue + ":" + subject
		ring := b.groups[key]
		if ring == nil {
			ring = &deliveryRing{}
			b.groups[key] = ring
		}
		ring.subs = append(ring.subs, s)
	}

	b.log.Debug("subscribed",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return s, nil
}

// Request publishes event with a reply inbox attached and waits for the
// first response on that inbox.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	inbox := inboxPrefix + event.ID
	replies := make(chan *Event, 1)

	sub, err := b.Subscribe(inbox, func(ctx context.Context, e *Event) error {
		select {
		case replies <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe reply inbox: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]any)
	}
	event.Data[replyKey] = inbox

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-replies:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no reply on %s within %v", subject, timeout)
	}
}

// Close invalidates every subscription and rejects further calls.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.deactivate()
		}
	}
	b.subs = make(map[string][]*memSub)
	b.groups = make(map[string]*deliveryRing)

	b.log.Debug("event bus closed")
}

// IsConnected reports true until Close is called.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe deactivates the subscription and detaches it from the
// bus. Safe to call more than once.
func (s *memSub) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if remaining := removeSub(s.bus.subs[s.pattern], s); len(remaining) == 0 {
		delete(s.bus.subs, s.pattern)
	} else {
		s.bus.subs[s.pattern] = remaining
	}
	if s.queue != "" {
		key := s.queue + ":" + s.pattern
		if ring := s.bus.groups[key]; ring != nil {
			ring.mu.Lock()
			ring.subs = removeSub(ring.subs, s)
			empty := len(ring.subs) == 0
			ring.mu.Unlock()
			if empty {
				delete(s.bus.groups, key)
			}
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memSub) IsValid() bool {
	return s.alive()
}

func (s *memSub) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memSub) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// matches reports whether subject falls under this subscription's
// pattern. Literal patterns compare directly; wildcard patterns use the
// compiled expression.
func (s *memSub) matches(subject string) bool {
	if s.re == nil {
		return subject == s.pattern
	}
	return s.re.MatchString(subject)
}

func removeSub(subs []*memSub, target *memSub) []*memSub {
	for i, s := range subs {
		if s == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// take returns the next live handler in the ring, advancing the rotor
// past it. Returns nil when every member is gone.
func (r *deliveryRing) take() EventHandler {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.subs)
	for i := 0; i < n; i++ {
		idx := (r.next + i) % n
		s := r.subs[idx]
		if s.alive() {
			r.next = (idx + 1) % n
			return s.handler
		}
	}
	return nil
}

// wildcardRegexp compiles a subject pattern containing * or > into a
// regular expression. Literal patterns return nil.
func wildcardRegexp(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `[^.]+`)
	expr = strings.ReplaceAll(expr, `>`, `.+`)
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil
	}
	return re
}
