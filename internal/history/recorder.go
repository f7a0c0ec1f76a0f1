package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/events"
	"github.com/troupe-dev/troupe/internal/events/bus"
	"github.com/troupe-dev/troupe/internal/stream"
)

const (
	// tapBuffer sizes the hub tap. The recorder is a single consumer
	// for every agent's stream, so it gets a much deeper buffer than
	// an individual viewer would.
	tapBuffer = 1024

	recordTimeout = 5 * time.Second

	// pruneInterval spaces retention sweeps. One extra sweep cycle of
	// stale rows is acceptable slack for an archive.
	pruneInterval = 6 * time.Hour
)

// Recorder copies fanout events into the archive as they are
// published. It taps the hub so one consumer covers every agent,
// watches the lifecycle bus so a deleted network's rows go with it,
// and sweeps rows past the retention window.
type Recorder struct {
	archive   *Archive
	retention time.Duration
	log       *logger.Logger

	sub    *stream.Subscription
	busSub bus.Subscription
	done   chan struct{}
}

// NewRecorder attaches to the hub and starts archiving. The bus may be
// nil, in which case purge-on-delete is skipped. A zero retention
// keeps events forever.
func NewRecorder(archive *Archive, hub *stream.Hub, eventBus bus.EventBus, retention time.Duration, log *logger.Logger) (*Recorder, error) {
	r := &Recorder{
		archive:   archive,
		retention: retention,
		log:       log.WithComponent("history"),
		sub:       hub.Tap(stream.SubscribeOptions{Buffer: tapBuffer}),
		done:      make(chan struct{}),
	}

	if eventBus != nil {
		busSub, err := eventBus.Subscribe(events.BuildNetworkWildcardSubject(), r.onLifecycleEvent)
		if err != nil {
			r.sub.Unsubscribe()
			return nil, fmt.Errorf("failed to subscribe to lifecycle events: %w", err)
		}
		r.busSub = busSub
	}

	go r.run()
	return r, nil
}

func (r *Recorder) run() {
	defer close(r.done)

	var prune <-chan time.Time
	if r.retention > 0 {
		r.pruneOnce()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case ev, ok := <-r.sub.Events():
			if !ok {
				return
			}
			// Deltas carry partial text; the completed message holds
			// the final content, so archiving both would double the
			// transcript.
			if ev.Type == stream.EventMessageDelta {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			err := r.archive.Record(ctx, ev)
			cancel()
			if err != nil {
				r.log.Warn("failed to record event",
					zap.String("agent_id", ev.AgentID),
					zap.String("type", string(ev.Type)),
					zap.Error(err))
			}
		case <-prune:
			r.pruneOnce()
		}
	}
}

func (r *Recorder) pruneOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	rows, err := r.archive.Prune(ctx, r.retention)
	if err != nil {
		r.log.Warn("failed to prune history", zap.Error(err))
		return
	}
	if rows > 0 {
		r.log.Info("pruned history",
			zap.Int64("events", rows),
			zap.Duration("retention", r.retention))
	}
}

func (r *Recorder) onLifecycleEvent(ctx context.Context, ev *bus.Event) error {
	if ev == nil || ev.Type != events.NetworkDeleted {
		return nil
	}
	networkID, _ := ev.Data["network_id"].(string)
	if networkID == "" {
		return nil
	}
	if err := r.archive.PurgeNetwork(ctx, networkID); err != nil {
		r.log.Warn("failed to purge network history",
			zap.String("network_id", networkID),
			zap.Error(err))
	}
	return nil
}

// Close detaches from the hub and bus and waits for the drain loop to
// finish. The archive itself stays open.
func (r *Recorder) Close() {
	if r.busSub != nil {
		_ = r.busSub.Unsubscribe()
	}
	r.sub.Unsubscribe()
	<-r.done
}
