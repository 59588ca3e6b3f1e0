package coordination

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/swarm"
)

const defaultMessageType = "direct"

// SendMessage hands a message to the messaging port within MessageTimeout.
// Without a messenger the message is only announced as an event. Delivery
// confirmation is not tracked.
func (m *Manager) SendMessage(ctx context.Context, from, to string, payload map[string]any) (swarm.Message, error) {
	if to == "" {
		return swarm.Message{}, swarm.InvalidInput("send message", "recipient is required")
	}

	msg := swarm.Message{
		ID:      uuid.New().String(),
		SwarmID: m.cfg.SwarmID,
		From:    from,
		To:      to,
		Type:    defaultMessageType,
		Payload: payload,
		SentAt:  time.Now(),
	}
	if t, ok := payload["type"].(string); ok && t != "" {
		msg.Type = t
	}

	if m.messenger != nil {
		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.MessageTimeout)
		defer cancel()

		err := m.breakers.Get("messaging").Execute(sendCtx, func(ctx context.Context) error {
			return m.messenger.SendToAgent(ctx, to, msg)
		})
		if err != nil {
			m.mu.Lock()
			m.counters.messageFailures++
			m.mu.Unlock()
			slog.Warn("message delivery failed", "from", from, "to", to, "error", err)

			switch {
			case errors.Is(err, swarm.ErrCircuitOpen):
				return swarm.Message{}, err
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				return swarm.Message{}, swarm.Timeout("send message", "to %s after %s", to, m.cfg.MessageTimeout)
			default:
				return swarm.Message{}, swarm.ExternalPort("send message", err)
			}
		}
	}

	m.mu.Lock()
	m.counters.messagesSent++
	m.mu.Unlock()

	m.emit(events.MessageSent, msg.ID, map[string]any{"from": from, "to": to, "type": msg.Type})
	return msg, nil
}
