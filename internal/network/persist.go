package network

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/store"
)

// networkSnapshot is the on-disk form of a network, written atomically
// on every structural mutation.
type networkSnapshot struct {
	ID          string          `json:"id"`
	Goal        string          `json:"goal"`
	ProjectPath string          `json:"project_path"`
	MainAgentID string          `json:"main_agent_id"`
	CreatedAt   time.Time       `json:"created_at"`
	Agents      []agentSnapshot `json:"agents"`
}

type agentSnapshot struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	TaskName     string    `json:"task_name,omitempty"`
	ParentID     string    `json:"parent_id,omitempty"`
	WorkDir      string    `json:"work_dir"`
	Depth        int       `json:"depth"`
	Terminated   bool      `json:"terminated"`
	CreatedAt    time.Time `json:"created_at"`
	TerminatedAt time.Time `json:"terminated_at,omitzero"`
}

func snapshotLocked(net *networkState) *networkSnapshot {
	snap := &networkSnapshot{
		ID:          net.id,
		Goal:        net.goal,
		ProjectPath: net.projectPath,
		MainAgentID: net.mainAgentID,
		CreatedAt:   net.createdAt,
		Agents:      make([]agentSnapshot, 0, len(net.order)),
	}
	for _, id := range net.order {
		ag, ok := net.agents[id]
		if !ok {
			continue
		}
		snap.Agents = append(snap.Agents, agentSnapshot{
			ID:           ag.id,
			Name:         ag.name,
			Type:         ag.agentType,
			TaskName:     ag.taskName,
			ParentID:     ag.parentID,
			WorkDir:      ag.workDir,
			Depth:        ag.depth,
			Terminated:   ag.terminated,
			CreatedAt:    ag.createdAt,
			TerminatedAt: ag.terminatedAt,
		})
	}
	return snap
}

// restore rebuilds manager state from a snapshot. Every agent comes
// back terminated: subprocesses are never resurrected across restarts.
func (snap *networkSnapshot) restore(loadedAt time.Time) *networkState {
	net := &networkState{
		id:          snap.ID,
		goal:        snap.Goal,
		projectPath: snap.ProjectPath,
		mainAgentID: snap.MainAgentID,
		createdAt:   snap.CreatedAt,
		agents:      make(map[string]*agentState, len(snap.Agents)),
	}
	for _, a := range snap.Agents {
		terminatedAt := a.TerminatedAt
		if terminatedAt.IsZero() {
			terminatedAt = loadedAt
		}
		net.agents[a.ID] = &agentState{
			id:           a.ID,
			name:         a.Name,
			agentType:    a.Type,
			taskName:     a.TaskName,
			parentID:     a.ParentID,
			workDir:      a.WorkDir,
			depth:        a.Depth,
			terminated:   true,
			createdAt:    a.CreatedAt,
			terminatedAt: terminatedAt,
		}
		net.order = append(net.order, a.ID)
	}
	return net
}

// persist writes the network's snapshot. Persistence failures are
// logged, not returned: the in-memory runtime stays authoritative while
// the process lives.
func (m *Manager) persist(networkID string) {
	m.mu.Lock()
	net, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snap := snapshotLocked(net)
	projectPath := net.projectPath
	m.mu.Unlock()

	dir, err := m.root.NetworksDir(projectPath)
	if err != nil {
		m.log.Warn("failed to resolve networks dir",
			zap.String("network_id", networkID),
			zap.Error(err))
		return
	}
	lock := m.root.ProjectLock(projectPath)
	lock.Lock()
	defer lock.Unlock()
	path := filepath.Join(dir, snap.ID+".json")
	if err := store.WriteJSONAtomic(path, snap); err != nil {
		m.log.Warn("failed to persist network snapshot",
			zap.String("network_id", networkID),
			zap.Error(err))
	}
}

func (m *Manager) removeSnapshot(projectPath, networkID string) {
	dir, err := m.root.NetworksDir(projectPath)
	if err != nil {
		m.log.Warn("failed to resolve networks dir",
			zap.String("network_id", networkID),
			zap.Error(err))
		return
	}
	lock := m.root.ProjectLock(projectPath)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(filepath.Join(dir, networkID+".json")); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove network snapshot",
			zap.String("network_id", networkID),
			zap.Error(err))
	}
}

// LoadAll restores network and agent metadata from disk at startup.
// Unreadable snapshots are skipped; corrupt ones were already
// quarantined by the store.
func (m *Manager) LoadAll(ctx context.Context) error {
	projects, err := m.root.ListProjects()
	if err != nil {
		return err
	}
	loadedAt := time.Now().UTC()
	restored := 0
	for _, projectPath := range projects {
		dir, err := m.root.NetworksDir(projectPath)
		if err != nil {
			m.log.Warn("skipping project with unresolvable networks dir",
				zap.String("project", projectPath),
				zap.Error(err))
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			m.log.Warn("failed to list network snapshots",
				zap.String("project", projectPath),
				zap.Error(err))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			var snap networkSnapshot
			found, err := store.ReadJSON(path, &snap)
			if err != nil {
				m.log.Warn("skipping unreadable network snapshot",
					zap.String("path", path),
					zap.Error(err))
				continue
			}
			if !found || snap.ID == "" {
				continue
			}
			if snap.ProjectPath == "" {
				snap.ProjectPath = projectPath
			}
			net := snap.restore(loadedAt)

			m.mu.Lock()
			if _, exists := m.networks[net.id]; !exists {
				m.networks[net.id] = net
				restored++
			}
			m.mu.Unlock()
		}
	}
	if restored > 0 {
		m.log.Info("restored networks from disk", zap.Int("count", restored))
	}
	return nil
}
