package events

import (
	"log/slog"
	"time"

	"github.com/gookit/event"

	"github.com/smelterhq/smelter/internal/shared/logger"
)

// Bus wraps the gookit event manager for smelter lifecycle events.
// Publishing never fails the calling workflow: listener errors are
// logged and swallowed.
type Bus struct {
	manager *event.Manager
	log     *logger.Logger
}

// NewBus creates an event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		manager: event.NewManager("smelter"),
		log:     log.WithComponent("events"),
	}
}

// Subscribe registers a listener for an event name.
func (b *Bus) Subscribe(name string, listener event.Listener) {
	b.manager.On(name, listener, event.Normal)
	b.log.Debug("subscribed to event", slog.String("event", name))
}

// Close shuts the bus down, dropping all listeners.
func (b *Bus) Close() error {
	b.manager.Clear()
	return nil
}

func (b *Bus) fire(name string, payload any) {
	if b == nil {
		return
	}
	if err, _ := b.manager.Fire(name, event.M{"payload": payload}); err != nil {
		b.log.Warn("event listener failed",
			slog.String("event", name), slog.String("error", err.Error()))
	}
}

// PublishNodeReserved publishes a node reserved event.
func (b *Bus) PublishNodeReserved(nodeID, allocationID, hostname string) {
	b.fire(EventNodeReserved, NodeReservedEvent{
		NodeID:       nodeID,
		AllocationID: allocationID,
		Hostname:     hostname,
		Timestamp:    time.Now(),
	})
}

// PublishProvisionStarted publishes a provision started event.
func (b *Bus) PublishProvisionStarted(nodeID, hostname, image string) {
	b.fire(EventProvisionStarted, ProvisionStartedEvent{
		NodeID:    nodeID,
		Hostname:  hostname,
		Image:     image,
		Timestamp: time.Now(),
	})
}

// PublishProvisionCompleted publishes a provision completed event.
func (b *Bus) PublishProvisionCompleted(nodeID, hostname, state string, duration time.Duration) {
	b.fire(EventProvisionCompleted, ProvisionCompletedEvent{
		NodeID:    nodeID,
		Hostname:  hostname,
		State:     state,
		Duration:  duration,
		Timestamp: time.Now(),
	})
}

// PublishProvisionFailed publishes a provision failed event.
func (b *Bus) PublishProvisionFailed(nodeID, hostname string, err error, rolledBack bool) {
	b.fire(EventProvisionFailed, ProvisionFailedEvent{
		NodeID:     nodeID,
		Hostname:   hostname,
		Error:      err.Error(),
		RolledBack: rolledBack,
		Timestamp:  time.Now(),
	})
}

// PublishInstanceUnprovisioned publishes an instance unprovisioned
// event.
func (b *Bus) PublishInstanceUnprovisioned(nodeID string) {
	b.fire(EventInstanceUnprovisioned, InstanceUnprovisionedEvent{
		NodeID:    nodeID,
		Timestamp: time.Now(),
	})
}
