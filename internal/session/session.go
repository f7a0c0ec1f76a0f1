// Package session supervises one assistant CLI subprocess per agent.
// It launches the process, drives the stream-json protocol over its
// pipes, reduces decoded events into the conversation, answers the
// CLI's control traffic (permissions, hooks, tool servers) and fans
// everything out to stream subscribers.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/askuser"
	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/conversation"
	"github.com/troupe-dev/troupe/internal/permission"
	"github.com/troupe-dev/troupe/internal/stream"
	"github.com/troupe-dev/troupe/internal/telemetry"
	"github.com/troupe-dev/troupe/pkg/assistant"
)

// Defaults applied when the config leaves a knob unset.
const (
	DefaultSpawnTimeout = 10 * time.Second
	DefaultAbortGrace   = 2 * time.Second
	DefaultInboxSize    = 64
)

const (
	interruptedMessage = "Interrupted by user"
	stderrKeep         = 20
)

var (
	// ErrTerminated is returned once Terminate has run.
	ErrTerminated = errors.New("agent terminated")
	// ErrProcessExited is returned when the subprocess is gone but the
	// session was never terminated.
	ErrProcessExited = errors.New("assistant process exited")
	// ErrInboxFull is returned when the message queue is at capacity.
	ErrInboxFull = errors.New("message inbox is full")
	// ErrNotQueued is returned when cancelling an unknown queued message.
	ErrNotQueued = errors.New("message is not queued")
	// ErrEmptyMessage is returned for messages with no content at all.
	ErrEmptyMessage = errors.New("message needs text or images")
)

// Status of a session, derived from conversation state and process
// liveness.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusWorking    Status = "working"
	StatusIdle       Status = "idle"
	StatusWaiting    Status = "waiting"
	StatusErrored    Status = "errored"
	StatusTerminated Status = "terminated"
)

// Image is one inline attachment of a user message.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// QueuedMessage is a message waiting in the inbox for its turn.
type QueuedMessage struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Images   []Image   `json:"images,omitempty"`
	QueuedAt time.Time `json:"queued_at"`
}

// ToolDispatcher routes JSON-RPC payloads arriving as mcp_message
// control requests to in-process tool servers. Satisfied by
// toolserver.Registry.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, serverName string, raw json.RawMessage) json.RawMessage
}

// Config describes one session to launch.
type Config struct {
	AgentID     string
	NetworkID   string
	AgentType   string
	WorkDir     string
	ProjectPath string

	// Command is the assistant CLI executable; Args go before the
	// protocol flags the session appends.
	Command string
	Args    []string
	Env     []string

	SystemPrompt string
	Model        string
	// ToolServers are in-process tool server names advertised to the
	// CLI so mcp_message traffic can reach them.
	ToolServers []string

	SpawnTimeout time.Duration
	AbortGrace   time.Duration
	InboxSize    int
}

// Session owns one assistant subprocess and its conversation.
type Session struct {
	cfg    Config
	log    *logger.Logger
	engine *permission.Engine
	askers *askuser.Coordinator
	hub    *stream.Hub
	tools  ToolDispatcher

	conv   *conversation.Conversation
	client *assistant.Client

	// runCtx outlives the request that started the session; it is
	// cancelled only by Terminate, failing any prompt or tool dispatch
	// still blocked on it.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	inbox        []*QueuedMessage
	turnActive   bool
	turnSpan     trace.Span
	started      bool
	ready        bool
	aborting     bool
	stopped      bool
	dead         bool
	terminated   bool
	waiting      int
	startedAt    time.Time
	terminatedAt time.Time

	initCh   chan struct{}
	initOnce sync.Once
	procDone chan struct{}

	stderrMu  sync.Mutex
	stderrBuf []string
}

func New(cfg Config, engine *permission.Engine, askers *askuser.Coordinator, hub *stream.Hub, tools ToolDispatcher, log *logger.Logger) *Session {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Session{
		cfg:       cfg,
		log:       log.WithComponent("session"),
		engine:    engine,
		askers:    askers,
		hub:       hub,
		tools:     tools,
		conv:      conversation.New(),
		runCtx:    runCtx,
		runCancel: runCancel,
		initCh:    make(chan struct{}),
		procDone:  make(chan struct{}),
	}
}

// Start launches the assistant subprocess and blocks until its init
// frame arrives or the spawn timeout elapses.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.cfg.AgentID)
	}
	s.started = true
	s.mu.Unlock()

	// Not CommandContext: the subprocess must outlive the request that
	// spawned it.
	cmd := exec.Command(s.cfg.Command, s.buildArgs()...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"TROUPE_AGENT_ID="+s.cfg.AgentID,
		"TROUPE_NETWORK_ID="+s.cfg.NetworkID,
	)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	s.log.Info("starting assistant process",
		zap.String("agent_id", s.cfg.AgentID),
		zap.String("command", s.cfg.Command),
		zap.String("workdir", s.cfg.WorkDir))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start assistant process: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.drainStderr(stderr)
	go s.watch(cmd)
	s.connect(stdin, stdout)

	timeout := s.cfg.SpawnTimeout
	if timeout <= 0 {
		timeout = DefaultSpawnTimeout
	}
	select {
	case <-s.initCh:
	case <-s.procDone:
		return fmt.Errorf("%w during startup: %s", ErrProcessExited, s.stderrTail())
	case <-ctx.Done():
		s.killProcess()
		return ctx.Err()
	case <-time.After(timeout):
		s.killProcess()
		return fmt.Errorf("assistant did not report ready within %v", timeout)
	}

	// The CLI keeps working without the handshake; capabilities are
	// just unknown then.
	if _, err := s.client.Initialize(ctx, assistant.DefaultControlTimeout); err != nil {
		s.log.Warn("initialize handshake not acknowledged", zap.Error(err))
	}

	s.log.Info("assistant session ready",
		zap.String("agent_id", s.cfg.AgentID),
		zap.String("cli_session_id", s.conv.CLISessionID()),
		zap.Int("pid", cmd.Process.Pid))

	s.publishStatus()
	s.pump()
	return nil
}

// connect wires a protocol client to the subprocess pipes and starts
// its read loop.
func (s *Session) connect(stdin io.WriteCloser, stdout io.Reader) {
	client := assistant.NewClient(stdin, stdout, s.log)
	client.SetEventHandler(s.handleEvent)
	client.SetControlHandler(s.handleControl)

	s.mu.Lock()
	s.stdin = stdin
	s.client = client
	s.mu.Unlock()

	<-client.Start(s.runCtx)
}

// buildArgs appends the stream-json protocol flags after the
// configured extra args.
func (s *Session) buildArgs() []string {
	args := append([]string{}, s.cfg.Args...)
	args = append(args,
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--permission-prompt-tool=stdio",
		"--disallowedTools=AskUserQuestion",
		"--verbose",
		"--include-partial-messages",
	)
	if s.cfg.Model != "" {
		args = append(args, "--model", s.cfg.Model)
	}
	if s.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", s.cfg.SystemPrompt)
	}
	if len(s.cfg.ToolServers) > 0 {
		args = append(args, "--mcp-config", s.mcpConfigJSON())
	}
	return args
}

// mcpConfigJSON advertises the in-process tool servers. Their traffic
// arrives back as mcp_message control requests instead of the CLI
// spawning anything.
func (s *Session) mcpConfigJSON() string {
	servers := make(map[string]any, len(s.cfg.ToolServers))
	for _, name := range s.cfg.ToolServers {
		servers[name] = map[string]string{"type": "sdk", "name": name}
	}
	data, err := json.Marshal(map[string]any{"mcpServers": servers})
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Enqueue adds a user message to the inbox. Messages dispatch one per
// turn, in order, the next only after the previous turn completed.
func (s *Session) Enqueue(text string, images []Image) (*QueuedMessage, error) {
	if text == "" && len(images) == 0 {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil, ErrTerminated
	}
	if s.dead {
		s.mu.Unlock()
		return nil, ErrProcessExited
	}
	limit := s.cfg.InboxSize
	if limit <= 0 {
		limit = DefaultInboxSize
	}
	if len(s.inbox) >= limit {
		s.mu.Unlock()
		return nil, ErrInboxFull
	}
	qm := &QueuedMessage{
		ID:       uuid.New().String(),
		Text:     text,
		Images:   images,
		QueuedAt: time.Now(),
	}
	s.inbox = append(s.inbox, qm)
	s.mu.Unlock()

	s.pump()
	return qm, nil
}

// Queued lists the messages still waiting in the inbox.
func (s *Session) Queued() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueuedMessage, len(s.inbox))
	for i, qm := range s.inbox {
		out[i] = *qm
	}
	return out
}

// QueueLen reports how many messages are waiting.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// CancelQueued removes one message from the inbox before it dispatches.
func (s *Session) CancelQueued(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, qm := range s.inbox {
		if qm.ID == id {
			s.inbox = append(s.inbox[:i], s.inbox[i+1:]...)
			return nil
		}
	}
	return ErrNotQueued
}

// pump dispatches the next queued message when no turn is in flight.
func (s *Session) pump() {
	s.mu.Lock()
	if s.terminated || s.dead || !s.ready || s.aborting || s.turnActive || len(s.inbox) == 0 {
		s.mu.Unlock()
		return
	}
	next := s.inbox[0]
	s.inbox = s.inbox[1:]
	s.turnActive = true
	s.mu.Unlock()

	s.dispatch(next)
}

func (s *Session) dispatch(qm *QueuedMessage) {
	msg := s.conv.AddUserMessage(qm.Text, len(qm.Images))
	_, span := telemetry.StartTurn(s.runCtx, s.cfg.NetworkID, s.cfg.AgentID, msg.ID)
	s.mu.Lock()
	s.turnSpan = span
	s.mu.Unlock()

	s.publish(stream.Event{
		Type:      stream.EventMessage,
		Role:      string(conversation.RoleUser),
		MessageID: msg.ID,
		Text:      qm.Text,
	})

	blocks := make([]assistant.UserContent, 0, len(qm.Images)+1)
	if qm.Text != "" {
		blocks = append(blocks, assistant.TextContent(qm.Text))
	}
	for _, img := range qm.Images {
		blocks = append(blocks, assistant.ImageContent(img.MediaType, img.Data))
	}

	if err := s.client.SendUserMessage(blocks...); err != nil {
		reason := "message delivery failed: " + err.Error()
		s.log.Error("user message delivery failed",
			zap.String("agent_id", s.cfg.AgentID), zap.Error(err))
		s.conv.MarkError(reason)
		s.mu.Lock()
		s.turnActive = false
		s.mu.Unlock()
		telemetry.EndTurn(s.takeTurnSpan(), "delivery_failed", true)
		s.publish(stream.Event{Type: stream.EventError, Error: reason})
		s.publishStatus()
		return
	}

	s.log.Debug("user message dispatched",
		zap.String("agent_id", s.cfg.AgentID),
		zap.String("message_id", qm.ID),
		zap.Int("queued", s.QueueLen()))
	s.publishStatus()
}

// handleEvent runs on the client's read goroutine and applies each
// decoded event to the conversation before fanning it out.
func (s *Session) handleEvent(ev assistant.Event) {
	s.conv.Apply(ev)

	switch ev.Kind {
	case assistant.KindMeta:
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		s.initOnce.Do(func() { close(s.initCh) })
		s.publishStatus()

	case assistant.KindText:
		if ev.IsPartial {
			s.publish(stream.Event{
				Type:      stream.EventMessageDelta,
				Role:      string(conversation.RoleAssistant),
				MessageID: s.conv.CurrentMessageID(),
				Text:      ev.Text,
			})
		}

	case assistant.KindThinking:
		if ev.IsPartial {
			s.publish(stream.Event{
				Type:      stream.EventMessageDelta,
				Role:      string(conversation.RoleAssistant),
				MessageID: s.conv.CurrentMessageID(),
				Thinking:  ev.Text,
			})
		}

	case assistant.KindToolUse:
		s.publish(stream.Event{
			Type:      stream.EventToolUse,
			ToolUseID: ev.ToolUseID,
			ToolName:  ev.ToolName,
			ToolInput: ev.ToolInput,
		})

	case assistant.KindToolResult:
		s.publish(stream.Event{
			Type:      stream.EventToolResult,
			ToolUseID: ev.ToolUseID,
			Content:   ev.Content,
			IsError:   ev.IsError,
		})

	case assistant.KindStatus:
		s.publish(stream.Event{Type: stream.EventStatus, Status: ev.Status})

	case assistant.KindCompletion:
		s.finishTurn(ev)
	}
}

// finishTurn publishes the assembled assistant message, signals the
// turn end and releases the inbox for the next message.
func (s *Session) finishTurn(ev assistant.Event) {
	s.mu.Lock()
	s.turnActive = false
	s.mu.Unlock()
	telemetry.EndTurn(s.takeTurnSpan(), ev.StopReason, ev.IsError)

	if msg, ok := s.lastAssistantMessage(); ok {
		s.publish(stream.Event{
			Type:       stream.EventMessage,
			Role:       string(conversation.RoleAssistant),
			MessageID:  msg.ID,
			Text:       msg.Text,
			IsError:    msg.Errored,
			StopReason: msg.StopReason,
		})
	}
	done := stream.Event{Type: stream.EventDone, StopReason: ev.StopReason, IsError: ev.IsError}
	if ev.IsError {
		done.Error = ev.ErrorMessage
	}
	s.publish(done)
	s.publishStatus()
	s.pump()
}

func (s *Session) lastAssistantMessage() (conversation.Message, bool) {
	snap := s.conv.Snapshot()
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Role == conversation.RoleAssistant {
			return snap.Messages[i], true
		}
	}
	return conversation.Message{}, false
}

// Abort cancels the in-flight turn: cooperative interrupt first, then
// SIGKILL on the process group when the CLI does not acknowledge
// within the grace period. Idempotent. Queued messages stay queued.
func (s *Session) Abort(ctx context.Context) error {
	s.mu.Lock()
	if s.client == nil || s.terminated || s.dead || s.aborting {
		s.mu.Unlock()
		return nil
	}
	if !s.turnActive && s.conv.State() != conversation.StateWorking {
		s.mu.Unlock()
		return nil
	}
	s.aborting = true
	client := s.client
	s.mu.Unlock()

	grace := s.cfg.AbortGrace
	if grace <= 0 {
		grace = DefaultAbortGrace
	}

	forced := false
	if err := client.Interrupt(ctx, grace); err != nil {
		s.log.Warn("interrupt not acknowledged, killing process",
			zap.String("agent_id", s.cfg.AgentID), zap.Error(err))
		s.killProcess()
		forced = true
	}

	interrupted := s.conv.Interrupt(interruptedMessage)

	s.mu.Lock()
	if interrupted || forced {
		s.turnActive = false
	}
	s.aborting = false
	if forced {
		s.dead = true
	}
	s.mu.Unlock()

	if interrupted || forced {
		telemetry.EndTurn(s.takeTurnSpan(), "interrupted", true)
	}

	if interrupted {
		s.publish(stream.Event{Type: stream.EventError, Error: interruptedMessage})
		s.publish(stream.Event{Type: stream.EventDone, StopReason: "interrupted", IsError: true})
	}
	s.publishStatus()
	if !forced {
		s.pump()
	}
	return nil
}

// Terminate shuts the session down for good: the subprocess stops,
// pending prompts and tool dispatches fail, and the status becomes
// terminal. Safe to call more than once.
func (s *Session) Terminate(ctx context.Context) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.stopped = true
	s.terminatedAt = time.Now()
	client := s.client
	stdin := s.stdin
	cmd := s.cmd
	alive := !s.dead && cmd != nil && cmd.Process != nil
	s.mu.Unlock()

	grace := s.cfg.AbortGrace
	if grace <= 0 {
		grace = DefaultAbortGrace
	}

	if client != nil && alive && s.conv.State() == conversation.StateWorking {
		ictx, cancel := context.WithTimeout(ctx, grace)
		_ = client.Interrupt(ictx, grace)
		cancel()
	}

	s.runCancel()
	telemetry.EndTurn(s.takeTurnSpan(), "terminated", false)

	if s.conv.Interrupt(ErrTerminated.Error()) {
		s.publish(stream.Event{Type: stream.EventError, Error: ErrTerminated.Error()})
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	if alive {
		select {
		case <-s.procDone:
		case <-time.After(grace):
			s.killProcess()
		}
	}
	if client != nil {
		client.Stop()
	}

	if s.engine != nil {
		s.engine.ForgetSession(s.cfg.AgentID)
	}
	s.log.Info("session terminated", zap.String("agent_id", s.cfg.AgentID))
	s.publishStatus()
}

func (s *Session) killProcess() {
	s.mu.Lock()
	s.stopped = true
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := killProcessGroup(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
	}
}

// watch reaps the subprocess. An exit that nobody requested marks the
// session dead and the in-flight turn errored.
func (s *Session) watch(cmd *exec.Cmd) {
	err := cmd.Wait()
	close(s.procDone)

	s.mu.Lock()
	requested := s.stopped || s.terminated
	client := s.client
	s.dead = true
	s.turnActive = false
	s.mu.Unlock()

	telemetry.EndTurn(s.takeTurnSpan(), "process_exited", !requested)
	if client != nil {
		client.Stop()
	}
	if requested {
		return
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	reason := fmt.Sprintf("assistant process exited unexpectedly (code %d)", exitCode)
	if tail := s.stderrTail(); tail != "" {
		reason += ": " + tail
	}
	s.log.Error("assistant process died",
		zap.String("agent_id", s.cfg.AgentID),
		zap.Int("exit_code", exitCode))

	if s.conv.State() == conversation.StateWorking {
		s.conv.MarkError(reason)
	}
	s.publish(stream.Event{Type: stream.EventError, Error: reason})
	s.publishStatus()
}

// takeTurnSpan hands the current turn span to the caller, leaving
// none behind. Whoever ends the turn ends the span exactly once.
func (s *Session) takeTurnSpan() trace.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := s.turnSpan
	s.turnSpan = nil
	return span
}

func (s *Session) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := stripANSI(scanner.Text())
		if line == "" {
			continue
		}
		s.log.Debug("assistant stderr",
			zap.String("agent_id", s.cfg.AgentID),
			zap.String("line", line))
		s.mu.Lock()
		span := s.turnSpan
		s.mu.Unlock()
		telemetry.RecordStderr(span, line)
		s.stderrMu.Lock()
		if len(s.stderrBuf) >= stderrKeep {
			s.stderrBuf = s.stderrBuf[1:]
		}
		s.stderrBuf = append(s.stderrBuf, line)
		s.stderrMu.Unlock()
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func (s *Session) stderrTail() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return strings.Join(s.stderrBuf, "; ")
}

// Status derives the session state. Terminal and process states win
// over the conversation's view.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	switch {
	case s.terminated:
		return StatusTerminated
	case s.dead:
		return StatusErrored
	case !s.ready:
		return StatusStarting
	}
	if s.conv.State() == conversation.StateErrored {
		return StatusErrored
	}
	if s.waiting > 0 {
		return StatusWaiting
	}
	if s.turnActive || s.conv.State() == conversation.StateWorking {
		return StatusWorking
	}
	return StatusIdle
}

// NeedsAttention reports whether the agent is blocked on the user or
// stopped on an error.
func (s *Session) NeedsAttention() bool {
	st := s.Status()
	return st == StatusWaiting || st == StatusErrored
}

func (s *Session) addWaiting(delta int) {
	s.mu.Lock()
	s.waiting += delta
	s.mu.Unlock()
	s.publishStatus()
}

func (s *Session) publishStatus() {
	s.publish(stream.Event{Type: stream.EventStatus, Status: string(s.Status())})
}

func (s *Session) publish(ev stream.Event) {
	if s.hub == nil {
		return
	}
	ev.AgentID = s.cfg.AgentID
	ev.NetworkID = s.cfg.NetworkID
	s.hub.Publish(ev)
}

// AgentID this session runs.
func (s *Session) AgentID() string { return s.cfg.AgentID }

// NetworkID this session belongs to.
func (s *Session) NetworkID() string { return s.cfg.NetworkID }

// AgentType of this session.
func (s *Session) AgentType() string { return s.cfg.AgentType }

// WorkDir the subprocess runs in.
func (s *Session) WorkDir() string { return s.cfg.WorkDir }

// Conversation exposes the message model for snapshots.
func (s *Session) Conversation() *conversation.Conversation { return s.conv }

// StartedAt is when the subprocess launched, zero before Start.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// TerminatedAt is when Terminate ran, zero until then.
func (s *Session) TerminatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminatedAt
}
