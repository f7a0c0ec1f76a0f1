// Package askuser coordinates questions an agent raises for the human
// operator. The asking side blocks until an answer arrives over the
// gateway or its context ends.
package askuser

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

var (
	// ErrRequestNotFound is returned when responding to an id that was
	// never opened.
	ErrRequestNotFound = errors.New("ask-user request not found")
	// ErrRequestCompleted is returned when responding to a request
	// that already received an answer, was cancelled, or was closed.
	ErrRequestCompleted = errors.New("ask-user request already completed")
)

// QuestionKind describes how the client should render a question.
type QuestionKind string

const (
	KindFreeText QuestionKind = "free_text"
	KindChoice   QuestionKind = "choice"
	KindConfirm  QuestionKind = "confirm"
	// KindPermission is reserved for permission escalations riding
	// this coordinator.
	KindPermission QuestionKind = "permission"
)

// Option is one selectable choice of a choice question.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a single question put to the user.
type Question struct {
	ID      string       `json:"id"`
	Kind    QuestionKind `json:"kind"`
	Prompt  string       `json:"prompt"`
	Options []Option     `json:"options,omitempty"`
}

// Request is an open set of questions from one agent.
type Request struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"created_at"`
}

// Answer is the user's answer to one question. Empty fields mean the
// user gave no input for it.
type Answer struct {
	QuestionID string   `json:"question_id"`
	Text       string   `json:"text,omitempty"`
	OptionIDs  []string `json:"option_ids,omitempty"`
	Confirmed  bool     `json:"confirmed,omitempty"`
}

// Answers is the full reply to a request, ordered like the questions.
type Answers []Answer

type pendingRequest struct {
	req      *Request
	answerCh chan Answers
}

// Coordinator tracks open requests and hands answers back to blocked
// askers. A closed coordinator resolves everything with empty answers.
type Coordinator struct {
	log *logger.Logger

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	completed map[string]struct{}
	notify    func(*Request)
	closed    bool
}

func NewCoordinator(log *logger.Logger) *Coordinator {
	return &Coordinator{
		log:       log.WithComponent("askuser"),
		pending:   make(map[string]*pendingRequest),
		completed: make(map[string]struct{}),
	}
}

// SetNotify registers a callback invoked whenever a request opens, so
// the stream fanout can surface it. Must be set before the first Ask.
func (c *Coordinator) SetNotify(fn func(*Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// Ask opens a request and blocks until it is answered, the
// coordinator closes, or ctx ends. A cancelled ask counts as
// completed for later Respond calls.
func (c *Coordinator) Ask(ctx context.Context, agentID string, questions []Question) (Answers, error) {
	req := &Request{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Questions: questions,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Answers{}, nil
	}
	p := &pendingRequest{
		req:      req,
		answerCh: make(chan Answers, 1),
	}
	c.pending[req.ID] = p
	notify := c.notify
	c.mu.Unlock()

	c.log.Debug("ask-user request opened",
		zap.String("request_id", req.ID),
		zap.String("agent_id", agentID),
		zap.Int("questions", len(questions)))

	if notify != nil {
		notify(req)
	}

	select {
	case answers := <-p.answerCh:
		return answers, nil
	case <-ctx.Done():
		c.complete(req.ID)
		return nil, ctx.Err()
	}
}

// Respond delivers the user's answers to a blocked Ask.
func (c *Coordinator) Respond(requestID string, answers Answers) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[requestID]
	if !ok {
		if _, done := c.completed[requestID]; done {
			return ErrRequestCompleted
		}
		return ErrRequestNotFound
	}

	delete(c.pending, requestID)
	c.completed[requestID] = struct{}{}

	select {
	case p.answerCh <- answers:
	default:
	}

	c.log.Debug("ask-user request answered", zap.String("request_id", requestID))
	return nil
}

// Pending lists open requests, oldest first.
func (c *Coordinator) Pending() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Request, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close resolves every open request with empty answers and makes
// future asks return immediately.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, p := range c.pending {
		select {
		case p.answerCh <- Answers{}:
		default:
		}
		delete(c.pending, id)
		c.completed[id] = struct{}{}
	}
}

func (c *Coordinator) complete(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[requestID]; ok {
		delete(c.pending, requestID)
		c.completed[requestID] = struct{}{}
	}
}
