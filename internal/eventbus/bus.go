// Package bus fans Connection Registry lifecycle transitions
// (agent.connected, agent.disconnected, agent.heartbeat) out to any
// subscriber, over NATS when configured or an in-memory bus otherwise
// when one is configured. The core itself never subscribes to its
// own events; this exists for collaborators (a UI push channel, an
// external alerting hook) that want to observe Registry state without
// polling the HTTP API.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subject names published by the Connection Registry.
// Subscribers may also use the wildcards "agent.*" (any lifecycle
// event) or "agent.>" (this plus anything nested under it).
const (
	SubjectAgentConnected    = "agent.connected"
	SubjectAgentDisconnected = "agent.disconnected"
	SubjectAgentHeartbeat    = "agent.heartbeat"
)

// eventSource is the Source NewEvent assigns when its caller passes
// an empty one.
const eventSource = "fleetctl-server"

// Event is one Registry lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a new Event with a UUID, the current UTC time, and
// the given source, or fleetctl-server when source is empty.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	if source == "" {
		source = eventSource
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered Event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration returned by Subscribe/QueueSubscribe.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus decouples the Connection Registry from whoever observes its
// lifecycle transitions. Two backends satisfy it: MemoryEventBus (no
// external dependency, single process) and NATSEventBus (multi-process,
// optional broker).
type EventBus interface {
	// Publish fans event out to every subscription whose subject pattern
	// matches subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers handler for every event published on subject
	// (which may contain NATS-style wildcards).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers handler as one member of queue: each
	// published event goes to exactly one member of the queue group,
	// round-robin, rather than to every subscriber.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close releases the bus's resources. Safe to call once; further
	// Publish/Subscribe calls fail.
	Close()

	// IsConnected reports whether the bus can currently deliver events.
	IsConnected() bool
}
