package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/events/bus"
)

// notice is the network-level frame pushed on agent streams alongside
// the agent's own events.
type notice struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	NetworkID string         `json:"network_id"`
	Timestamp time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// clientTable tracks connected stream clients by network so lifecycle
// notices reach every subscriber of that network.
type clientTable struct {
	mu      sync.Mutex
	clients map[string]map[*wsClient]struct{}
}

func newClientTable() *clientTable {
	return &clientTable{clients: make(map[string]map[*wsClient]struct{})}
}

func (t *clientTable) add(c *wsClient) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.clients[c.networkID]
	if !ok {
		set = make(map[*wsClient]struct{})
		t.clients[c.networkID] = set
	}
	set[c] = struct{}{}
}

func (t *clientTable) remove(c *wsClient) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.clients[c.networkID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(t.clients, c.networkID)
	}
}

func (t *clientTable) broadcast(networkID string, data []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for c := range t.clients[networkID] {
		c.enqueueNotice(data)
		n++
	}
	return n
}

// onLifecycleEvent fans a bus lifecycle event out to the network's
// stream clients.
func (s *Server) onLifecycleEvent(ctx context.Context, ev *bus.Event) error {
	networkID, _ := ev.Data["network_id"].(string)
	if networkID == "" {
		return nil
	}

	data, err := json.Marshal(notice{
		Type:      "notification",
		Event:     ev.Type,
		NetworkID: networkID,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	})
	if err != nil {
		return err
	}

	if n := s.clients.broadcast(networkID, data); n > 0 {
		s.log.Debug("lifecycle notice broadcast",
			zap.String("event", ev.Type),
			zap.String("network_id", networkID),
			zap.Int("clients", n))
	}
	return nil
}
