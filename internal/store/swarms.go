package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Swarm struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveSwarm(ctx context.Context, sw *Swarm) error {
	status := sw.Status
	if status == "" {
		status = "active"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swarms (id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		sw.ID, sw.Name, status)
	if err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(ctx context.Context, id string) (*Swarm, error) {
	sw := &Swarm{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name, status, created_at, updated_at FROM swarms WHERE id = ?`, id).
		Scan(&sw.ID, &sw.Name, &sw.Status, &sw.CreatedAt, &sw.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return sw, nil
}

// SwarmStats summarizes persisted activity for one swarm.
type SwarmStats struct {
	Agents         int            `json:"agents"`
	TasksByStatus  map[string]int `json:"tasks_by_status"`
	Proposals      int            `json:"proposals"`
	OpenProposals  int            `json:"open_proposals"`
	MessagesLogged int            `json:"messages_logged"`
}

func (s *Store) GetSwarmStats(ctx context.Context, swarmID string) (*SwarmStats, error) {
	st := &SwarmStats{TasksByStatus: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE swarm_id = ?`, swarmID).Scan(&st.Agents)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'open' THEN 1 ELSE 0 END), 0)
		FROM proposals WHERE swarm_id = ?`, swarmID).Scan(&st.Proposals, &st.OpenProposals)
	if err != nil {
		return nil, fmt.Errorf("count proposals: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE swarm_id = ?`, swarmID).Scan(&st.MessagesLogged)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE swarm_id = ? GROUP BY status`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		st.TasksByStatus[status] = n
	}
	return st, rows.Err()
}
