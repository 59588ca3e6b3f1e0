package natsbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// MessageLog records delivered messages.
type MessageLog interface {
	SaveMessage(ctx context.Context, msg swarm.Message) error
}

// Messenger delivers coordination messages over NATS: direct messages go
// to the agent inbox, broadcasts to the swarm topic.
type Messenger struct {
	client *Client
	log    MessageLog
}

func NewMessenger(client *Client, log MessageLog) *Messenger {
	return &Messenger{client: client, log: log}
}

func (m *Messenger) SendToAgent(ctx context.Context, agentID string, msg swarm.Message) error {
	if agentID == "" {
		return swarm.InvalidInput("send to agent", "agent id is required")
	}
	msg.To = agentID
	return m.deliver(ctx, TopicAgentInbox(agentID), msg)
}

func (m *Messenger) Broadcast(ctx context.Context, swarmID string, msg swarm.Message) error {
	if msg.SwarmID == "" {
		msg.SwarmID = swarmID
	}
	return m.deliver(ctx, TopicSwarmBroadcast(swarmID), msg)
}

func (m *Messenger) deliver(ctx context.Context, topic string, msg swarm.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := m.client.PublishJSON(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	// Flush so a dead connection surfaces as an error to the breaker.
	if err := m.client.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", topic, err)
	}
	if m.log != nil {
		if err := m.log.SaveMessage(ctx, msg); err != nil {
			slog.Warn("record message failed", "id", msg.ID, "type", msg.Type, "error", err)
		}
	}
	return nil
}
