// Package network runs agent networks: groups of assistant sessions
// working toward a shared goal. The manager owns the network and agent
// records, spawns and terminates sessions, aggregates status and
// attention, persists snapshots, and publishes lifecycle events on the
// bus. It also implements the orchestrator surface the in-process tool
// servers call on behalf of agents.
package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/troupe-dev/troupe/internal/agentdef"
	"github.com/troupe-dev/troupe/internal/askuser"
	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/conversation"
	"github.com/troupe-dev/troupe/internal/events"
	"github.com/troupe-dev/troupe/internal/events/bus"
	"github.com/troupe-dev/troupe/internal/permission"
	"github.com/troupe-dev/troupe/internal/session"
	"github.com/troupe-dev/troupe/internal/store"
	"github.com/troupe-dev/troupe/internal/stream"
	"github.com/troupe-dev/troupe/internal/toolserver"
)

// Manager owns every network and agent in the process.
type Manager struct {
	cfg    *config.Config
	log    *logger.Logger
	root   *store.Root
	defs   *agentdef.Registry
	tools  *toolserver.Registry
	engine *permission.Engine
	askers *askuser.Coordinator
	hub    *stream.Hub
	bus    bus.EventBus

	mu       sync.Mutex
	networks map[string]*networkState
	closed   bool
}

var _ toolserver.Orchestrator = (*Manager)(nil)

// NewManager wires the manager to its collaborators. The tool registry
// doubles as the session dispatcher and as the source of grantable
// server names.
func NewManager(
	cfg *config.Config,
	root *store.Root,
	defs *agentdef.Registry,
	tools *toolserver.Registry,
	engine *permission.Engine,
	askers *askuser.Coordinator,
	hub *stream.Hub,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Manager {
	m := &Manager{
		cfg:      cfg,
		log:      log.WithComponent("network"),
		root:     root,
		defs:     defs,
		tools:    tools,
		engine:   engine,
		askers:   askers,
		hub:      hub,
		bus:      eventBus,
		networks: make(map[string]*networkState),
	}
	if askers != nil {
		askers.SetNotify(m.onAskRequest)
	}
	return m
}

// CreateNetwork creates a network with its main agent, starts the
// agent's session, and queues the initial message as the first prompt.
// The initial message becomes the network goal.
func (m *Manager) CreateNetwork(ctx context.Context, params CreateParams) (*Network, error) {
	if params.InitialMessage == "" {
		return nil, fmt.Errorf("initial message is required")
	}
	agentType := params.AgentType
	if agentType == "" {
		agentType = agentdef.TypeMain
	}
	def, ok := m.defs.Get(agentType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentType, agentType)
	}
	workDir, err := resolveWorkDir(params.WorkingDir)
	if err != nil {
		return nil, err
	}
	projectPath, err := store.CanonicalProjectPath(workDir)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	net := &networkState{
		id:          uuid.NewString(),
		goal:        params.InitialMessage,
		projectPath: projectPath,
		createdAt:   now,
		agents:      make(map[string]*agentState),
	}
	ag := &agentState{
		id:        uuid.NewString(),
		name:      def.Name,
		agentType: agentType,
		workDir:   workDir,
		createdAt: now,
	}
	net.mainAgentID = ag.id
	ag.sess = m.buildSession(net.id, projectPath, net.goal, ag, def)
	net.agents[ag.id] = ag
	net.order = append(net.order, ag.id)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.networks[net.id] = net
	m.mu.Unlock()

	// Watch before Start so startup status transitions are not missed.
	m.hub.Register(ag.id, "")
	m.watchAgent(net.id, ag.id)
	if err := ag.sess.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.networks, net.id)
		m.mu.Unlock()
		m.hub.Deregister(ag.id)
		return nil, fmt.Errorf("failed to start main agent: %w", err)
	}

	if _, err := ag.sess.Enqueue(params.InitialMessage, nil); err != nil {
		m.log.Warn("failed to queue initial message",
			zap.String("network_id", net.id),
			zap.Error(err))
	}

	m.persist(net.id)
	m.publish(ctx, events.NetworkCreated, events.LifecycleData{
		NetworkID: net.id,
		AgentID:   ag.id,
		AgentType: agentType,
		Goal:      net.goal,
	})
	m.publish(ctx, events.AgentSpawned, events.LifecycleData{
		NetworkID: net.id,
		AgentID:   ag.id,
		AgentType: agentType,
	})
	m.log.Info("network created",
		zap.String("network_id", net.id),
		zap.String("agent_id", ag.id),
		zap.String("project", projectPath))

	return m.Get(net.id)
}

// Spawn starts a child agent in an existing network and queues its
// prompt as the first message.
func (m *Manager) Spawn(ctx context.Context, networkID string, p SpawnParams) (*Agent, error) {
	if p.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	def, ok := m.defs.Get(p.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentType, p.Type)
	}
	var explicitDir string
	if p.WorkingDir != "" {
		var err error
		explicitDir, err = resolveWorkDir(p.WorkingDir)
		if err != nil {
			return nil, err
		}
	}
	name := p.Name
	if name == "" {
		name = def.Name
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNetworkNotFound
	}
	parent, err := resolveParentLocked(ctx, net, p.ParentID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if parent.depth+1 > m.maxSpawnDepth() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (max depth %d)", ErrSpawnDepthExceeded, m.maxSpawnDepth())
	}
	workDir := explicitDir
	if workDir == "" {
		workDir = parent.workDir
	}
	ag := &agentState{
		id:        uuid.NewString(),
		name:      name,
		agentType: p.Type,
		parentID:  parent.id,
		workDir:   workDir,
		depth:     parent.depth + 1,
		createdAt: time.Now().UTC(),
	}
	ag.sess = m.buildSession(net.id, net.projectPath, net.goal, ag, def)
	net.agents[ag.id] = ag
	net.order = append(net.order, ag.id)
	parentID := parent.id
	m.mu.Unlock()

	m.hub.Register(ag.id, parentID)
	m.watchAgent(networkID, ag.id)
	if err := ag.sess.Start(ctx); err != nil {
		m.mu.Lock()
		if net, ok := m.networks[networkID]; ok {
			delete(net.agents, ag.id)
			net.order = slices.DeleteFunc(net.order, func(id string) bool { return id == ag.id })
		}
		m.mu.Unlock()
		m.hub.Deregister(ag.id)
		return nil, fmt.Errorf("failed to start %s agent: %w", p.Type, err)
	}

	if _, err := ag.sess.Enqueue(p.Prompt, nil); err != nil {
		m.log.Warn("failed to queue spawn prompt",
			zap.String("network_id", networkID),
			zap.String("agent_id", ag.id),
			zap.Error(err))
	}

	m.persist(networkID)
	m.publish(ctx, events.AgentSpawned, events.LifecycleData{
		NetworkID: networkID,
		AgentID:   ag.id,
		ParentID:  parentID,
		AgentType: p.Type,
	})
	m.log.Info("agent spawned",
		zap.String("network_id", networkID),
		zap.String("agent_id", ag.id),
		zap.String("type", p.Type),
		zap.String("parent_id", parentID))

	return m.agent(networkID, ag.id)
}

// PostMessage queues a user message to an agent's inbox and returns the
// queued entry.
func (m *Manager) PostMessage(ctx context.Context, networkID, agentID string, msg Message) (*session.QueuedMessage, error) {
	sess, err := m.liveSession(networkID, agentID)
	if err != nil {
		return nil, err
	}
	return sess.Enqueue(msg.Text, msg.Images)
}

// AbortAgent interrupts the agent's current turn, escalating to a kill
// when the subprocess ignores the interrupt.
func (m *Manager) AbortAgent(ctx context.Context, networkID, agentID string) error {
	sess, err := m.liveSession(networkID, agentID)
	if err != nil {
		return err
	}
	return sess.Abort(ctx)
}

// QueuedMessages lists an agent's inbox in dispatch order.
func (m *Manager) QueuedMessages(networkID, agentID string) ([]session.QueuedMessage, error) {
	sess, err := m.liveSession(networkID, agentID)
	if err != nil {
		return nil, err
	}
	return sess.Queued(), nil
}

// CancelQueued removes a not-yet-dispatched message from an agent's
// inbox.
func (m *Manager) CancelQueued(networkID, agentID, messageID string) error {
	sess, err := m.liveSession(networkID, agentID)
	if err != nil {
		return err
	}
	return sess.CancelQueued(messageID)
}

// Conversation returns the agent's transcript snapshot. Terminated
// agents keep their final transcript until the network is deleted;
// agents restored from disk have none.
func (m *Manager) Conversation(networkID, agentID string) (conversation.Snapshot, error) {
	m.mu.Lock()
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return conversation.Snapshot{}, ErrNetworkNotFound
	}
	ag, ok := net.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return conversation.Snapshot{}, ErrAgentNotFound
	}
	sess := ag.sess
	m.mu.Unlock()

	if sess == nil {
		return conversation.Snapshot{}, ErrAgentTerminated
	}
	return sess.Conversation().Snapshot(), nil
}

// TerminateAgent terminates an agent and every descendant, children
// first. Terminated agents stay listed with their final state.
func (m *Manager) TerminateAgent(ctx context.Context, networkID, agentID string) error {
	m.mu.Lock()
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return ErrNetworkNotFound
	}
	ag, ok := net.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	if ag.terminated {
		m.mu.Unlock()
		return ErrAgentTerminated
	}
	doomed := collectSubtreeLocked(net, agentID)
	now := time.Now().UTC()
	victims := make([]*agentState, 0, len(doomed))
	for _, d := range doomed {
		if d.terminated {
			continue
		}
		d.terminated = true
		d.terminatedAt = now
		victims = append(victims, d)
	}
	m.mu.Unlock()

	// Children go down before their parents.
	for i := len(victims) - 1; i >= 0; i-- {
		if victims[i].sess != nil {
			victims[i].sess.Terminate(ctx)
		}
	}
	for _, v := range victims {
		m.publish(ctx, events.AgentTerminated, events.LifecycleData{
			NetworkID: networkID,
			AgentID:   v.id,
			AgentType: v.agentType,
		})
	}
	m.refreshAttention(ctx, networkID)
	m.persist(networkID)
	m.log.Info("agent terminated",
		zap.String("network_id", networkID),
		zap.String("agent_id", agentID),
		zap.Int("descendants", len(victims)-1))
	return nil
}

// DeleteNetwork terminates every live agent, removes the network from
// the manager and its snapshot from disk, and drops the agents' stream
// topics.
func (m *Manager) DeleteNetwork(ctx context.Context, networkID string) error {
	m.mu.Lock()
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return ErrNetworkNotFound
	}
	delete(m.networks, networkID)
	now := time.Now().UTC()
	var victims []*agentState
	for i := len(net.order) - 1; i >= 0; i-- {
		ag := net.agents[net.order[i]]
		if ag == nil || ag.terminated {
			continue
		}
		ag.terminated = true
		ag.terminatedAt = now
		victims = append(victims, ag)
	}
	agentIDs := append([]string(nil), net.order...)
	projectPath := net.projectPath
	m.mu.Unlock()

	for _, v := range victims {
		if v.sess != nil {
			v.sess.Terminate(ctx)
		}
	}
	for _, id := range agentIDs {
		m.hub.Deregister(id)
	}
	m.removeSnapshot(projectPath, networkID)
	m.publish(ctx, events.NetworkDeleted, events.LifecycleData{NetworkID: networkID})
	m.log.Info("network deleted",
		zap.String("network_id", networkID),
		zap.Int("agents", len(agentIDs)))
	return nil
}

// UpdateGoal replaces the network goal. Running sessions keep the
// prompt they started with; agents spawned afterwards see the new
// goal.
func (m *Manager) UpdateGoal(ctx context.Context, networkID, goal string) error {
	m.mu.Lock()
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return ErrNetworkNotFound
	}
	net.goal = goal
	m.mu.Unlock()

	m.persist(networkID)
	m.publish(ctx, events.NetworkGoalUpdated, events.LifecycleData{
		NetworkID: networkID,
		Goal:      goal,
	})
	return nil
}

// SetTaskName labels what an agent is currently working on.
func (m *Manager) SetTaskName(ctx context.Context, networkID, agentID, name string) error {
	m.mu.Lock()
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return ErrNetworkNotFound
	}
	ag, ok := net.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	if ag.terminated {
		m.mu.Unlock()
		return ErrAgentTerminated
	}
	ag.taskName = name
	m.mu.Unlock()

	m.persist(networkID)
	m.publish(ctx, events.AgentTaskNameChanged, events.LifecycleData{
		NetworkID: networkID,
		AgentID:   agentID,
		TaskName:  name,
	})
	return nil
}

// ReportStatus records an agent's self-reported status line and
// attention flag. The flag feeds network attention aggregation; the
// line is display metadata and is not persisted.
func (m *Manager) ReportStatus(ctx context.Context, networkID, agentID, status string, needsAttention bool) error {
	m.mu.Lock()
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return ErrNetworkNotFound
	}
	ag, ok := net.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	if ag.terminated {
		m.mu.Unlock()
		return ErrAgentTerminated
	}
	ag.statusLine = status
	ag.reportedAttention = needsAttention
	m.mu.Unlock()

	m.publish(ctx, events.AgentStatusChanged, events.LifecycleData{
		NetworkID:      networkID,
		AgentID:        agentID,
		Status:         status,
		NeedsAttention: needsAttention,
	})
	m.refreshAttention(ctx, networkID)
	return nil
}

// SendMessage queues a plain-text message to an agent. It is the
// orchestrator-surface form of PostMessage.
func (m *Manager) SendMessage(ctx context.Context, networkID, agentID, text string) error {
	_, err := m.PostMessage(ctx, networkID, agentID, Message{Text: text})
	return err
}

// SpawnAgent starts a child agent on behalf of a tool call.
func (m *Manager) SpawnAgent(ctx context.Context, networkID string, req toolserver.SpawnRequest) (toolserver.AgentSummary, error) {
	view, err := m.Spawn(ctx, networkID, SpawnParams{
		Type:       req.Type,
		Name:       req.Name,
		Prompt:     req.Prompt,
		WorkingDir: req.WorkingDir,
	})
	if err != nil {
		return toolserver.AgentSummary{}, err
	}
	return summarize(view), nil
}

// ListAgents returns orchestrator summaries for every agent in the
// network, terminated ones included.
func (m *Manager) ListAgents(ctx context.Context, networkID string) ([]toolserver.AgentSummary, error) {
	views, err := m.Agents(networkID)
	if err != nil {
		return nil, err
	}
	out := make([]toolserver.AgentSummary, len(views))
	for i, v := range views {
		out[i] = summarize(v)
	}
	return out, nil
}

// AgentStatus returns the orchestrator summary for one agent.
func (m *Manager) AgentStatus(ctx context.Context, networkID, agentID string) (toolserver.AgentSummary, error) {
	view, err := m.agent(networkID, agentID)
	if err != nil {
		return toolserver.AgentSummary{}, err
	}
	return summarize(view), nil
}

// Networks lists every network, oldest first.
func (m *Manager) Networks() []*Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Network, 0, len(m.networks))
	for _, net := range m.networks {
		out = append(out, networkViewLocked(net))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns one network view.
func (m *Manager) Get(networkID string) (*Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	net, ok := m.networks[networkID]
	if !ok {
		return nil, ErrNetworkNotFound
	}
	return networkViewLocked(net), nil
}

// Agents lists a network's agents in spawn order.
func (m *Manager) Agents(networkID string) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	net, ok := m.networks[networkID]
	if !ok {
		return nil, ErrNetworkNotFound
	}
	out := make([]*Agent, 0, len(net.order))
	for _, id := range net.order {
		if ag, ok := net.agents[id]; ok {
			out = append(out, agentViewLocked(net, ag))
		}
	}
	return out, nil
}

// AgentNetwork reports which network an agent belongs to.
func (m *Manager) AgentNetwork(agentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, net := range m.networks {
		if _, ok := net.agents[agentID]; ok {
			return id, true
		}
	}
	return "", false
}

// maxParallelTerminations caps concurrent session teardown during full
// shutdown.
const maxParallelTerminations = 8

// Shutdown terminates every live agent and writes final snapshots.
// Terminations run concurrently so the worst case is one abort grace
// period, not one per agent. New networks are refused once it begins.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	nets := make([]*networkState, 0, len(m.networks))
	for _, net := range m.networks {
		nets = append(nets, net)
	}
	now := time.Now().UTC()
	var victims []*session.Session
	for _, net := range nets {
		for i := len(net.order) - 1; i >= 0; i-- {
			ag := net.agents[net.order[i]]
			if ag == nil || ag.terminated {
				continue
			}
			ag.terminated = true
			ag.terminatedAt = now
			if ag.sess != nil {
				victims = append(victims, ag.sess)
			}
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(maxParallelTerminations)
	for _, sess := range victims {
		g.Go(func() error {
			sess.Terminate(ctx)
			return nil
		})
	}
	_ = g.Wait()

	for _, net := range nets {
		m.persist(net.id)
	}
	m.log.Info("network manager stopped",
		zap.Int("networks", len(nets)),
		zap.Int("terminated", len(victims)))
}

// agent returns one agent view.
func (m *Manager) agent(networkID, agentID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	net, ok := m.networks[networkID]
	if !ok {
		return nil, ErrNetworkNotFound
	}
	ag, ok := net.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agentViewLocked(net, ag), nil
}

// liveSession resolves an agent to its running session.
func (m *Manager) liveSession(networkID, agentID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	net, ok := m.networks[networkID]
	if !ok {
		return nil, ErrNetworkNotFound
	}
	ag, ok := net.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if ag.terminated || ag.sess == nil {
		return nil, ErrAgentTerminated
	}
	return ag.sess, nil
}

// buildSession assembles the session config for one agent from the
// runtime config and the agent's definition.
func (m *Manager) buildSession(networkID, projectPath, goal string, ag *agentState, def agentdef.Definition) *session.Session {
	rc := m.cfg.Runtime
	cfg := session.Config{
		AgentID:      ag.id,
		NetworkID:    networkID,
		AgentType:    ag.agentType,
		WorkDir:      ag.workDir,
		ProjectPath:  projectPath,
		Command:      rc.AssistantCommand,
		Args:         append([]string(nil), rc.AssistantArgs...),
		SystemPrompt: agentdef.Compose(def, networkID, ag.id, goal),
		Model:        def.Model,
		ToolServers:  m.grantedServers(def),
		SpawnTimeout: rc.SpawnTimeoutDuration(),
		AbortGrace:   rc.AbortGraceDuration(),
		InboxSize:    rc.InboxSize,
	}
	return session.New(cfg, m.engine, m.askers, m.hub, m.tools, m.log)
}

// grantedServers intersects a definition's tool grants with the
// registered servers so a session never advertises a server that
// cannot answer.
func (m *Manager) grantedServers(def agentdef.Definition) []string {
	registered := m.tools.Names()
	granted := make([]string, 0, len(def.Tools))
	for _, name := range def.Tools {
		if slices.Contains(registered, name) {
			granted = append(granted, name)
		}
	}
	return granted
}

func (m *Manager) maxSpawnDepth() int {
	if d := m.cfg.Runtime.MaxSpawnDepth; d > 0 {
		return d
	}
	return 3
}

// watchAgent follows an agent's status events and turns them into bus
// notifications plus network attention updates. The goroutine ends on
// the terminal status or when the agent's topic closes.
func (m *Manager) watchAgent(networkID, agentID string) {
	sub := m.hub.Subscribe(agentID, stream.SubscribeOptions{Buffer: 32})
	go func() {
		defer sub.Unsubscribe()
		last := ""
		for ev := range sub.Events() {
			if ev.Type != stream.EventStatus || ev.AgentID != agentID {
				continue
			}
			if ev.Status == last {
				continue
			}
			last = ev.Status
			m.onAgentStatus(networkID, agentID, ev.Status)
			if ev.Status == string(session.StatusTerminated) {
				return
			}
		}
	}()
}

func (m *Manager) onAgentStatus(networkID, agentID, status string) {
	ctx := context.Background()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ag, ok := net.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	attention := ag.reportedAttention
	if !ag.terminated && ag.sess != nil {
		attention = attention || ag.sess.NeedsAttention()
	}
	m.mu.Unlock()

	m.publish(ctx, events.AgentStatusChanged, events.LifecycleData{
		NetworkID:      networkID,
		AgentID:        agentID,
		Status:         status,
		NeedsAttention: attention,
	})
	m.refreshAttention(ctx, networkID)
}

// onAskRequest surfaces a newly opened user question set on the asking
// agent's stream and on the event bus.
func (m *Manager) onAskRequest(req *askuser.Request) {
	networkID, _ := m.AgentNetwork(req.AgentID)
	m.hub.Publish(stream.Event{
		Type:      stream.EventAskUser,
		AgentID:   req.AgentID,
		NetworkID: networkID,
		RequestID: req.ID,
		Questions: req.Questions,
		Timestamp: req.CreatedAt,
	})
	if networkID == "" {
		return
	}
	m.publish(context.Background(), events.AskUserRequested, events.LifecycleData{
		NetworkID: networkID,
		AgentID:   req.AgentID,
		RequestID: req.ID,
	})
}

// refreshAttention recomputes the network attention flag and publishes
// a change event when it flips.
func (m *Manager) refreshAttention(ctx context.Context, networkID string) {
	m.mu.Lock()
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	attention := networkAttentionLocked(net)
	changed := attention != net.lastAttention
	net.lastAttention = attention
	m.mu.Unlock()

	if changed {
		m.publish(ctx, events.NetworkAttentionChanged, events.LifecycleData{
			NetworkID:      networkID,
			NeedsAttention: attention,
		})
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, data events.LifecycleData) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "network", data.Map())
	if err := m.bus.Publish(ctx, events.BuildNetworkSubject(data.NetworkID), ev); err != nil {
		m.log.Warn("failed to publish lifecycle event",
			zap.String("type", eventType),
			zap.Error(err))
	}
}

// resolveParentLocked picks the parent for a spawn: the explicit id if
// given, otherwise the calling agent recorded on the context, otherwise
// the main agent.
func resolveParentLocked(ctx context.Context, net *networkState, explicit string) (*agentState, error) {
	id := explicit
	if id == "" {
		if caller := toolserver.CallerFrom(ctx); caller.AgentID != "" && caller.NetworkID == net.id {
			id = caller.AgentID
		}
	}
	if id == "" {
		id = net.mainAgentID
	}
	parent, ok := net.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: parent %s", ErrAgentNotFound, id)
	}
	if parent.terminated {
		return nil, fmt.Errorf("%w: parent %s", ErrAgentTerminated, id)
	}
	return parent, nil
}

// collectSubtreeLocked returns an agent and all its descendants,
// shallowest first.
func collectSubtreeLocked(net *networkState, rootID string) []*agentState {
	children := make(map[string][]string)
	for _, id := range net.order {
		if ag := net.agents[id]; ag != nil && ag.parentID != "" {
			children[ag.parentID] = append(children[ag.parentID], id)
		}
	}
	var out []*agentState
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ag, ok := net.agents[id]
		if !ok {
			continue
		}
		out = append(out, ag)
		queue = append(queue, children[id]...)
	}
	return out
}

func networkAttentionLocked(net *networkState) bool {
	for _, ag := range net.agents {
		if ag.terminated {
			continue
		}
		if ag.reportedAttention {
			return true
		}
		if ag.sess != nil && ag.sess.NeedsAttention() {
			return true
		}
	}
	return false
}

// networkStatusLocked derives the network status: errored when any
// live agent errored, otherwise the main agent's status, terminated
// when the main agent is gone.
func networkStatusLocked(net *networkState) string {
	for _, ag := range net.agents {
		if ag.terminated || ag.sess == nil {
			continue
		}
		if ag.sess.Status() == session.StatusErrored {
			return string(session.StatusErrored)
		}
	}
	main, ok := net.agents[net.mainAgentID]
	if !ok || main.terminated || main.sess == nil {
		return string(session.StatusTerminated)
	}
	return string(main.sess.Status())
}

func networkViewLocked(net *networkState) *Network {
	agents := make([]*Agent, 0, len(net.order))
	for _, id := range net.order {
		if ag, ok := net.agents[id]; ok {
			agents = append(agents, agentViewLocked(net, ag))
		}
	}
	return &Network{
		ID:             net.id,
		Goal:           net.goal,
		ProjectPath:    net.projectPath,
		MainAgentID:    net.mainAgentID,
		Status:         networkStatusLocked(net),
		NeedsAttention: networkAttentionLocked(net),
		Agents:         agents,
		CreatedAt:      net.createdAt,
	}
}

func agentViewLocked(net *networkState, ag *agentState) *Agent {
	view := &Agent{
		ID:         ag.id,
		NetworkID:  net.id,
		Name:       ag.name,
		Type:       ag.agentType,
		TaskName:   ag.taskName,
		ParentID:   ag.parentID,
		WorkDir:    ag.workDir,
		Depth:      ag.depth,
		Status:     string(session.StatusTerminated),
		StatusLine: ag.statusLine,
		CreatedAt:  ag.createdAt,
	}
	if !ag.terminatedAt.IsZero() {
		t := ag.terminatedAt
		view.TerminatedAt = &t
	}
	if !ag.terminated && ag.sess != nil {
		view.Status = string(ag.sess.Status())
		view.NeedsAttention = ag.sess.NeedsAttention() || ag.reportedAttention
		view.QueueLen = ag.sess.QueueLen()
	}
	return view
}

func summarize(a *Agent) toolserver.AgentSummary {
	return toolserver.AgentSummary{
		ID:             a.ID,
		Name:           a.Name,
		Type:           a.Type,
		TaskName:       a.TaskName,
		Status:         a.Status,
		ParentID:       a.ParentID,
		NeedsAttention: a.NeedsAttention,
	}
}

func resolveWorkDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidWorkDir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkDir, dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkDir, abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkDir, abs)
	}
	return abs, nil
}
