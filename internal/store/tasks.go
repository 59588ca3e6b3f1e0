package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mtzanidakis/hive/internal/swarm"
)

const taskColumns = `id, swarm_id, type, description, priority, status, dependencies, required_capabilities,
	input, metadata, assigned_to, created_at, started_at, completed_at`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*swarm.Task, error) {
	t := &swarm.Task{}
	var typ, description, assignedTo sql.NullString
	var deps, caps, input, metadata *string
	var status string
	err := scanner.Scan(&t.ID, &t.SwarmID, &typ, &description, &t.Priority, &status, &deps, &caps,
		&input, &metadata, &assignedTo, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Type = typ.String
	t.Description = description.String
	t.AssignedTo = assignedTo.String
	t.Status = swarm.TaskStatus(status)
	if err := unmarshalJSON(deps, &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := unmarshalJSON(caps, &t.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := unmarshalJSON(input, &t.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if err := unmarshalJSON(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return t, nil
}

// SaveTask inserts or fully replaces the task row.
func (s *Store) SaveTask(ctx context.Context, t *swarm.Task) error {
	deps, err := marshalJSON(t.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	caps, err := marshalJSON(t.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	input, err := marshalJSON(t.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	status := t.Status
	if status == "" {
		status = swarm.TaskPending
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			swarm_id = excluded.swarm_id,
			type = excluded.type,
			description = excluded.description,
			priority = excluded.priority,
			status = excluded.status,
			dependencies = excluded.dependencies,
			required_capabilities = excluded.required_capabilities,
			input = excluded.input,
			metadata = excluded.metadata,
			assigned_to = excluded.assigned_to,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		t.ID, t.SwarmID, t.Type, t.Description, t.Priority, string(status), deps, caps,
		input, metadata, t.AssignedTo, utc(t.CreatedAt), utcPtr(t.StartedAt), utcPtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// UpdateTask persists a task changed by an applied proposal action.
func (s *Store) UpdateTask(ctx context.Context, t *swarm.Task) error {
	return s.SaveTask(ctx, t)
}

func (s *Store) GetTask(ctx context.Context, id string) (*swarm.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns the swarm's tasks in creation order, optionally
// filtered by status.
func (s *Store) ListTasks(ctx context.Context, swarmID string, status swarm.TaskStatus) ([]*swarm.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE swarm_id = ?`
	args := []any{swarmID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*swarm.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}
