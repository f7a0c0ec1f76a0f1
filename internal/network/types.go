package network

import (
	"errors"
	"time"

	"github.com/troupe-dev/troupe/internal/session"
)

// Common errors
var (
	ErrNetworkNotFound    = errors.New("network not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentTerminated    = errors.New("agent is terminated")
	ErrUnknownAgentType   = errors.New("unknown agent type")
	ErrInvalidWorkDir     = errors.New("invalid working directory")
	ErrSpawnDepthExceeded = errors.New("sub-agent nesting limit reached")
	ErrShuttingDown       = errors.New("network manager is shutting down")
)

// CreateParams describes a new network. The initial message becomes the
// network goal and is queued to the main agent as its first prompt.
type CreateParams struct {
	InitialMessage string
	WorkingDir     string
	AgentType      string // empty selects the built-in main type
}

// SpawnParams describes a child agent. An empty WorkingDir inherits the
// parent's directory; an empty ParentID links the agent to the caller
// recorded on the context, falling back to the main agent.
type SpawnParams struct {
	Type       string
	Name       string
	Prompt     string
	WorkingDir string
	ParentID   string
}

// Message is one user message addressed to an agent.
type Message struct {
	Text   string          `json:"text"`
	Images []session.Image `json:"images,omitempty"`
}

// Agent is a point-in-time view of one agent in a network.
type Agent struct {
	ID             string     `json:"id"`
	NetworkID      string     `json:"network_id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	TaskName       string     `json:"task_name,omitempty"`
	ParentID       string     `json:"parent_id,omitempty"`
	WorkDir        string     `json:"work_dir"`
	Depth          int        `json:"depth"`
	Status         string     `json:"status"`
	StatusLine     string     `json:"status_line,omitempty"`
	NeedsAttention bool       `json:"needs_attention"`
	QueueLen       int        `json:"queue_len"`
	CreatedAt      time.Time  `json:"created_at"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty"`
}

// Network is a point-in-time view of one agent network.
type Network struct {
	ID             string    `json:"id"`
	Goal           string    `json:"goal"`
	ProjectPath    string    `json:"project_path"`
	MainAgentID    string    `json:"main_agent_id"`
	Status         string    `json:"status"`
	NeedsAttention bool      `json:"needs_attention"`
	Agents         []*Agent  `json:"agents"`
	CreatedAt      time.Time `json:"created_at"`
}

// networkState is the manager's mutable record of one network. All
// fields are guarded by the manager mutex.
type networkState struct {
	id          string
	goal        string
	projectPath string
	mainAgentID string
	createdAt   time.Time

	agents map[string]*agentState
	order  []string // spawn order

	lastAttention bool
}

// agentState is the manager's mutable record of one agent. sess is nil
// only for agents restored from disk, which are always terminated.
type agentState struct {
	id        string
	name      string
	agentType string
	taskName  string
	parentID  string
	workDir   string
	depth     int

	statusLine        string
	reportedAttention bool

	sess *session.Session

	terminated   bool
	createdAt    time.Time
	terminatedAt time.Time
}
