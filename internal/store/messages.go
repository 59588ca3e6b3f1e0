package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mtzanidakis/hive/internal/swarm"
)

// SaveMessage appends a delivered coordination message to the log.
func (s *Store) SaveMessage(ctx context.Context, msg swarm.Message) error {
	payload, err := marshalJSON(msg.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, swarm_id, sender, recipient, type, payload, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.SwarmID, msg.From, msg.To, msg.Type, payload, utc(msg.SentAt))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetRecentMessages returns up to limit messages of the swarm in
// chronological order.
func (s *Store) GetRecentMessages(ctx context.Context, swarmID string, limit int) ([]swarm.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, swarm_id, sender, recipient, type, payload, sent_at
		FROM messages
		WHERE swarm_id = ?
		ORDER BY sent_at DESC
		LIMIT ?`, swarmID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []swarm.Message
	for rows.Next() {
		var m swarm.Message
		var sender, recipient sql.NullString
		var payload *string
		if err := rows.Scan(&m.ID, &m.SwarmID, &sender, &recipient, &m.Type, &payload, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.From = sender.String
		m.To = recipient.String
		if err := unmarshalJSON(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		messages = append(messages, m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}
