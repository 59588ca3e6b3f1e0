package coordination

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/mtzanidakis/hive/internal/conflict"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/workstealing"
)

// AssignTask registers task with the dependency graph when it is new and
// records its assignment. It returns the agent that got the task.
//
// With advanced scheduling the workload table decides: an empty agentID
// takes the best placement, and a requested agent keeps the task only when
// it has the required capabilities and scores within PlacementSlack of the
// best. Reassigning a task that another agent holds reports a task conflict
// that is settled by agent priority.
func (m *Manager) AssignTask(ctx context.Context, task *swarm.Task, agentID string) (string, error) {
	if task == nil || task.ID == "" {
		return "", swarm.InvalidInput("assign task", "task id is required")
	}
	if task.SwarmID == "" {
		task.SwarmID = m.cfg.SwarmID
	}

	unlock := m.taskMu.Lock(task.ID)
	defer unlock()

	if stored, ok := m.graph.Get(task.ID); ok {
		if stored.Status.Terminal() {
			return "", swarm.InvalidInput("assign task", "task %q is %s", task.ID, stored.Status)
		}
	} else if err := m.graph.AddTask(task); err != nil {
		return "", err
	}

	chosen, err := m.place(task, agentID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	current, held := m.assignments[task.ID]
	m.mu.Unlock()

	if held && current == chosen {
		return chosen, nil
	}
	if held {
		c := m.resolver.ReportTaskConflict(task.ID, []string{current, chosen}, conflict.SubtypeAssignment)
		res, err := m.resolver.AutoResolve(c.ID, conflict.StrategyPriority)
		if err != nil {
			return "", err
		}
		if res.Winner == current {
			slog.Info("task assignment kept", "task", task.ID, "agent", current, "contender", chosen)
			return current, nil
		}
		m.unassign(task.ID)
	}

	now := time.Now()
	m.mu.Lock()
	m.assignments[task.ID] = chosen
	m.agentTasks[chosen] = append(m.agentTasks[chosen], task.ID)
	m.assignedAt[task.ID] = now
	m.counters.assigned++
	m.mu.Unlock()

	m.stealer.AdjustTaskCount(chosen, 1)

	slog.Info("task assigned", "task", task.ID, "agent", chosen, "requested", agentID)
	m.emit(events.TaskAssigned, task.ID, map[string]any{"agent": chosen, "requested": agentID})

	if stored, ok := m.graph.Get(task.ID); ok {
		stored.AssignedTo = chosen
		m.persist(ctx, stored)
	}
	return chosen, nil
}

func (m *Manager) place(task *swarm.Task, agentID string) (string, error) {
	if !m.AdvancedScheduling() {
		if agentID == "" {
			return "", swarm.InvalidInput("assign task", "agent id is required without advanced scheduling")
		}
		return agentID, nil
	}

	candidates := m.stealer.Agents()
	if agentID != "" && !slices.Contains(candidates, agentID) {
		candidates = append(candidates, agentID)
	}
	best, ok := m.stealer.FindBestAgent(task, candidates)
	if !ok {
		return "", swarm.InvalidInput("assign task", "no agent has capabilities %v for task %s", task.RequiredCapabilities, task.ID)
	}
	if agentID == "" || agentID == best {
		return best, nil
	}

	requested, tracked := m.stealer.Workload(agentID)
	if !tracked {
		requested = workstealing.Workload{AgentID: agentID}
	}
	bw, _ := m.stealer.Workload(best)
	if requested.HasCapabilities(task.RequiredCapabilities) && workstealing.Score(requested) >= workstealing.Score(bw)-m.cfg.PlacementSlack {
		return agentID, nil
	}
	slog.Info("task placed on better agent", "task", task.ID, "requested", agentID, "chosen", best)
	return best, nil
}

// unassign drops the assignment and returns the agent and assignment time.
func (m *Manager) unassign(taskID string) (string, time.Time, bool) {
	m.mu.Lock()
	agent, ok := m.assignments[taskID]
	if !ok {
		m.mu.Unlock()
		return "", time.Time{}, false
	}
	at := m.assignedAt[taskID]
	delete(m.assignments, taskID)
	delete(m.assignedAt, taskID)
	tasks := slices.DeleteFunc(m.agentTasks[agent], func(id string) bool { return id == taskID })
	if len(tasks) == 0 {
		delete(m.agentTasks, agent)
	} else {
		m.agentTasks[agent] = tasks
	}
	m.mu.Unlock()

	m.stealer.AdjustTaskCount(agent, -1)
	return agent, at, true
}

// CancelTask drops the task's assignment and marks it cancelled. Cancelling
// a cancelled task is a no-op; a completed or failed task cannot be
// cancelled.
func (m *Manager) CancelTask(ctx context.Context, taskID string) error {
	unlock := m.taskMu.Lock(taskID)
	defer unlock()

	stored, inGraph := m.graph.Get(taskID)
	if inGraph && stored.Status.Terminal() {
		if stored.Status == swarm.TaskCancelled {
			return nil
		}
		return swarm.InvalidInput("cancel task", "task %q is %s", taskID, stored.Status)
	}

	agent, _, assigned := m.unassign(taskID)
	if !assigned && !inGraph {
		return swarm.NotFound("cancel task", "task %q", taskID)
	}
	if inGraph {
		if err := m.graph.SetStatus(taskID, swarm.TaskCancelled); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.counters.cancelled++
	m.mu.Unlock()

	slog.Info("task cancelled", "task", taskID, "agent", agent)
	m.emit(events.TaskCancelled, taskID, map[string]any{"agent": agent})
	if t, ok := m.graph.Get(taskID); ok {
		m.persist(ctx, t)
	}
	return nil
}

// CompleteTask marks the task completed, releases its assignment, feeds the
// duration into the workload table and returns the tasks that became ready.
func (m *Manager) CompleteTask(ctx context.Context, taskID string) ([]string, error) {
	unlock := m.taskMu.Lock(taskID)
	defer unlock()

	if stored, ok := m.graph.Get(taskID); ok && stored.Status == swarm.TaskCompleted {
		return nil, nil
	}
	ready, err := m.graph.MarkCompleted(taskID)
	if err != nil {
		return nil, err
	}

	agent, at, assigned := m.unassign(taskID)
	if assigned {
		m.stealer.RecordTaskDuration(agent, time.Since(at))
	}

	m.mu.Lock()
	m.counters.completed++
	m.mu.Unlock()

	slog.Info("task completed", "task", taskID, "agent", agent, "ready", ready)
	m.emit(events.TaskCompleted, taskID, map[string]any{"agent": agent, "ready": ready})
	for _, id := range ready {
		m.emit(events.TaskReady, id, map[string]any{"after": taskID})
	}
	if t, ok := m.graph.Get(taskID); ok {
		m.persist(ctx, t)
	}
	return ready, nil
}

func (m *Manager) GetAgentTaskCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agentTasks[agentID])
}

// GetAgentTasks returns the agent's task ids in assignment order.
func (m *Manager) GetAgentTasks(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.agentTasks[agentID])
}

// AssignedAgent returns the agent currently holding taskID.
func (m *Manager) AssignedAgent(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[taskID]
	return a, ok
}

func (m *Manager) persist(ctx context.Context, t *swarm.Task) {
	if m.store == nil {
		return
	}
	err := m.breakers.Get("store").Execute(ctx, func(ctx context.Context) error {
		return m.store.SaveTask(ctx, t)
	})
	if err != nil {
		slog.Warn("failed to persist task", "task", t.ID, "error", err)
	}
}
