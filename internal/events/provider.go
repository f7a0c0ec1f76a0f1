package events

import (
	"fmt"
	"strings"

	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/events/bus"
)

// NewBus selects the event bus backend. A configured NATS URL picks the
// broker-backed bus so multiple nodes share one event space; otherwise
// events stay in process.
func NewBus(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	natsBus, err := bus.NewNATSEventBus(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("nats event bus: %w", err)
	}
	return natsBus, nil
}
