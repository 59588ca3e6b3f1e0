package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type Agent struct {
	ID           string    `json:"id"`
	SwarmID      string    `json:"swarm_id"`
	Description  string    `json:"description,omitempty"`
	Type         string    `json:"type,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Priority     int       `json:"priority"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const agentColumns = `id, swarm_id, description, type, capabilities, priority, status, created_at, updated_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var description, typ, caps, status sql.NullString
	err := scanner.Scan(&a.ID, &a.SwarmID, &description, &typ, &caps, &a.Priority, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Type = typ.String
	a.Status = status.String
	if caps.Valid {
		if err := unmarshalJSON(&caps.String, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	return a, nil
}

func (s *Store) SaveAgent(ctx context.Context, a *Agent) error {
	caps, err := marshalJSON(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	status := a.Status
	if status == "" {
		status = "idle"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, swarm_id, description, type, capabilities, priority, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			swarm_id = excluded.swarm_id,
			description = excluded.description,
			type = excluded.type,
			capabilities = excluded.capabilities,
			priority = excluded.priority,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.SwarmID, a.Description, a.Type, caps, a.Priority, status)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, swarmID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE swarm_id = ? ORDER BY id`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	return err
}

// DeleteAgentsNotIn removes the swarm's agents whose id is not listed.
func (s *Store) DeleteAgentsNotIn(ctx context.Context, swarmID string, ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE swarm_id = ?`, swarmID)
		return err
	}
	query := `DELETE FROM agents WHERE swarm_id = ? AND id NOT IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`
	args := make([]any, 0, len(ids)+1)
	args = append(args, swarmID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
