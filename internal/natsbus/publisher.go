package natsbus

import (
	"log/slog"

	"github.com/mtzanidakis/hive/internal/events"
)

// EventPublisher is an events.Sink that republishes every event on
// events.<swarm>.<type>.
type EventPublisher struct {
	client  *Client
	swarmID string
}

func NewEventPublisher(client *Client, swarmID string) *EventPublisher {
	return &EventPublisher{client: client, swarmID: swarmID}
}

func (p *EventPublisher) Emit(e events.Event) {
	if e.SwarmID == "" {
		e.SwarmID = p.swarmID
	}
	if err := p.client.PublishJSON(TopicEvents(e.SwarmID, string(e.Type)), e); err != nil {
		slog.Warn("publish event failed", "type", e.Type, "error", err)
	}
}
