// Package coordination is the façade over task placement, resource locks,
// conflict arbitration and agent messaging for one swarm.
package coordination

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/breaker"
	"github.com/mtzanidakis/hive/internal/conflict"
	"github.com/mtzanidakis/hive/internal/depgraph"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/schedule"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/workstealing"
)

// Messenger delivers a message to a single agent.
type Messenger interface {
	SendToAgent(ctx context.Context, agentID string, msg swarm.Message) error
}

// TaskStore persists task state. Failures are logged, never fatal to
// coordination.
type TaskStore interface {
	SaveTask(ctx context.Context, t *swarm.Task) error
}

type Config struct {
	SwarmID             string
	ResourceTimeout     time.Duration
	MessageTimeout      time.Duration
	DeadlockDetection   bool
	DeadlockInterval    time.Duration
	MaintenanceSchedule string
	ConflictRetention   time.Duration
	StaleLockAge        time.Duration
	AdvancedScheduling  bool
	// PlacementSlack is how far below the best score a requested agent may
	// be and still keep the task under advanced scheduling.
	PlacementSlack float64
}

func (c Config) withDefaults() Config {
	if c.ResourceTimeout <= 0 {
		c.ResourceTimeout = 30 * time.Second
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 10 * time.Second
	}
	if c.DeadlockInterval <= 0 {
		c.DeadlockInterval = 10 * time.Second
	}
	if c.ConflictRetention <= 0 {
		c.ConflictRetention = time.Hour
	}
	if c.StaleLockAge <= 0 {
		c.StaleLockAge = 5 * time.Minute
	}
	if c.PlacementSlack <= 0 {
		c.PlacementSlack = 0.1
	}
	return c
}

// Deps are the collaborators a Manager composes. Nil fields get in-memory
// defaults; Messenger and Store may stay nil.
type Deps struct {
	Graph     *depgraph.Graph
	Resolver  *conflict.Resolver
	Stealer   *workstealing.Coordinator
	Messenger Messenger
	Store     TaskStore
	Breakers  *breaker.Set
	Sink      events.Sink
}

type Manager struct {
	cfg       Config
	sink      events.Sink
	graph     *depgraph.Graph
	resolver  *conflict.Resolver
	stealer   *workstealing.Coordinator
	messenger Messenger
	store     TaskStore
	breakers  *breaker.Set

	mu          sync.Mutex
	initialized bool
	advanced    bool
	group       *schedule.Group
	assignments map[string]string
	agentTasks  map[string][]string
	assignedAt  map[string]time.Time
	lastSteal   *workstealing.StealProposal
	lastScan    []Deadlock
	counters    counters

	// taskMu serializes assign, cancel and complete per task id.
	taskMu keyedMutex

	lockMu sync.Mutex
	locks  map[string]*lock
}

type counters struct {
	assigned        uint64
	completed       uint64
	cancelled       uint64
	messagesSent    uint64
	messageFailures uint64
	lockTimeouts    uint64
	deadlocks       uint64
	staleLocks      uint64
	maintenanceRuns uint64
}

func New(cfg Config, deps Deps) *Manager {
	cfg = cfg.withDefaults()
	if deps.Sink == nil {
		deps.Sink = events.Nop
	}
	if deps.Graph == nil {
		deps.Graph = depgraph.New()
	}
	if deps.Resolver == nil {
		deps.Resolver = conflict.New(conflict.Config{}, deps.Sink)
	}
	if deps.Stealer == nil {
		deps.Stealer = workstealing.New(workstealing.Config{}, deps.Sink)
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewSet(breaker.DefaultConfig(), nil)
	}

	m := &Manager{
		cfg:         cfg,
		sink:        deps.Sink,
		graph:       deps.Graph,
		resolver:    deps.Resolver,
		stealer:     deps.Stealer,
		messenger:   deps.Messenger,
		store:       deps.Store,
		breakers:    deps.Breakers,
		advanced:    cfg.AdvancedScheduling,
		assignments: make(map[string]string),
		agentTasks:  make(map[string][]string),
		assignedAt:  make(map[string]time.Time),
		locks:       make(map[string]*lock),
	}
	m.resolver.SetContextProvider(m.resolutionContext)
	return m
}

func (m *Manager) Graph() *depgraph.Graph { return m.graph }
func (m *Manager) Resolver() *conflict.Resolver { return m.resolver }
func (m *Manager) Stealer() *workstealing.Coordinator { return m.stealer }
func (m *Manager) Breakers() *breaker.Set { return m.breakers }

// Initialize starts the background jobs. A second call is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	g, err := m.jobGroup()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.group = g
	m.initialized = true
	maintenance := m.cfg.MaintenanceSchedule
	m.mu.Unlock()

	m.stealer.OnSteal(m.recordSteal)
	m.stealer.Start()

	slog.Info("coordination manager initialized",
		"swarm", m.cfg.SwarmID,
		"deadlock_detection", m.cfg.DeadlockDetection,
		"maintenance", schedule.FormatSchedule(normalizedOrRaw(maintenance)),
		"advanced_scheduling", m.AdvancedScheduling(),
	)
	m.emit(events.Initialized, m.cfg.SwarmID, nil)
	return nil
}

// jobGroup builds the periodic jobs from the current config. Callers hold mu.
func (m *Manager) jobGroup() (*schedule.Group, error) {
	g := schedule.NewGroup("coordination")
	if m.cfg.DeadlockDetection {
		g.Every("deadlock", m.cfg.DeadlockInterval, func(context.Context) { m.DetectDeadlocks() })
	}
	if m.cfg.MaintenanceSchedule != "" {
		if err := g.ScheduleRaw("maintenance", m.cfg.MaintenanceSchedule, func(ctx context.Context) {
			m.PerformMaintenance(ctx)
		}); err != nil {
			g.Stop()
			return nil, err
		}
	}
	return g, nil
}

// SetMaintenance replaces the maintenance schedule and, when retention is
// positive, the conflict retention. Running jobs restart on the new schedule.
func (m *Manager) SetMaintenance(raw string, retention time.Duration) error {
	if raw != "" {
		if _, err := schedule.NormalizeSchedule(raw); err != nil {
			return swarm.InvalidInput("set maintenance", "%v", err)
		}
	}

	m.mu.Lock()
	m.cfg.MaintenanceSchedule = raw
	if retention > 0 {
		m.cfg.ConflictRetention = retention
	}
	if !m.initialized {
		m.mu.Unlock()
		return nil
	}
	g, err := m.jobGroup()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	old := m.group
	m.group = g
	m.mu.Unlock()

	old.Stop()
	slog.Info("maintenance rescheduled", "schedule", schedule.FormatSchedule(normalizedOrRaw(raw)), "retention", retention)
	return nil
}

// Shutdown stops every background job. It does not wait for in-flight port
// calls and is safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.initialized = false
	g := m.group
	m.group = nil
	m.mu.Unlock()

	g.Stop()
	m.stealer.Stop()
	slog.Info("coordination manager stopped", "swarm", m.cfg.SwarmID)
	m.emit(events.Shutdown, m.cfg.SwarmID, nil)
}

func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// EnableAdvancedScheduling turns on workload-aware placement for later
// AssignTask calls.
func (m *Manager) EnableAdvancedScheduling() {
	m.SetAdvancedScheduling(true)
}

func (m *Manager) SetAdvancedScheduling(on bool) {
	m.mu.Lock()
	m.advanced = on
	m.mu.Unlock()
	slog.Info("advanced scheduling toggled", "enabled", on)
}

func (m *Manager) AdvancedScheduling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanced
}

func (m *Manager) recordSteal(p workstealing.StealProposal) {
	m.mu.Lock()
	m.lastSteal = &p
	m.mu.Unlock()
}

// ReportConflict hands a contested claim to the resolver.
func (m *Manager) ReportConflict(kind conflict.Kind, subjectID string, agentIDs []string) conflict.Conflict {
	if kind == conflict.KindTask {
		return m.resolver.ReportTaskConflict(subjectID, agentIDs, conflict.SubtypeAssignment)
	}
	return m.resolver.ReportResourceConflict(subjectID, agentIDs)
}

// resolutionContext feeds AutoResolve with priorities and loads from the
// workload table and request times from locks and assignments.
func (m *Manager) resolutionContext(c conflict.Conflict) conflict.ResolutionContext {
	rc := conflict.ResolutionContext{
		AgentPriorities:   make(map[string]int),
		RequestTimestamps: make(map[string]time.Time),
		Loads:             make(map[string]int),
	}
	for _, a := range c.Agents {
		if w, ok := m.stealer.Workload(a); ok {
			rc.AgentPriorities[a] = w.Priority
			rc.Loads[a] = w.TaskCount
		}
	}

	switch c.Kind {
	case conflict.KindResource:
		m.lockMu.Lock()
		if l, ok := m.locks[c.Subject]; ok {
			for a, ts := range l.requests() {
				if slices.Contains(c.Agents, a) {
					rc.RequestTimestamps[a] = ts
				}
			}
		}
		m.lockMu.Unlock()
	case conflict.KindTask:
		m.mu.Lock()
		if holder, ok := m.assignments[c.Subject]; ok {
			rc.RequestTimestamps[holder] = m.assignedAt[c.Subject]
		}
		m.mu.Unlock()
	}
	return rc
}

type Health struct {
	Healthy bool           `json:"healthy"`
	Issues  []string       `json:"issues,omitempty"`
	Metrics map[string]any `json:"metrics"`
}

func (m *Manager) GetHealthStatus() Health {
	cm := m.GetCoordinationMetrics()
	h := Health{
		Healthy: true,
		Metrics: map[string]any{
			"active_conflicts": cm.Conflicts.Active,
			"held_locks":       cm.Locks.Held,
			"waiting":          cm.Locks.Waiting,
			"assigned_tasks":   cm.Tasks.Assigned,
			"agents":           cm.Workload.Agents,
			"deadlocks":        cm.Deadlocks,
		},
	}
	if !cm.Initialized {
		h.Healthy = false
		h.Issues = append(h.Issues, "not initialized")
	}
	if cm.ActiveDeadlocks > 0 {
		h.Healthy = false
		h.Issues = append(h.Issues, "deadlock detected")
	}
	for _, b := range cm.Breakers {
		if b.State == breaker.Open.String() {
			h.Healthy = false
			h.Issues = append(h.Issues, "breaker "+b.Name+" open")
		}
	}
	return h
}

type TaskMetrics struct {
	InGraph   int    `json:"in_graph"`
	Ready     int    `json:"ready"`
	Assigned  int    `json:"assigned"`
	Total     uint64 `json:"total_assigned"`
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
}

type LockMetrics struct {
	Held     int    `json:"held"`
	Waiting  int    `json:"waiting"`
	Timeouts uint64 `json:"timeouts"`
	Stale    uint64 `json:"stale_detected"`
}

type Metrics struct {
	SwarmID            string                      `json:"swarm_id,omitempty"`
	Initialized        bool                        `json:"initialized"`
	AdvancedScheduling bool                        `json:"advanced_scheduling"`
	Tasks              TaskMetrics                 `json:"tasks"`
	Locks              LockMetrics                 `json:"locks"`
	Conflicts          conflict.Stats              `json:"conflicts"`
	Workload           workstealing.Stats          `json:"workload"`
	LastSteal          *workstealing.StealProposal `json:"last_steal,omitempty"`
	MessagesSent       uint64                      `json:"messages_sent"`
	MessageFailures    uint64                      `json:"message_failures"`
	Deadlocks          uint64                      `json:"deadlocks_detected"`
	ActiveDeadlocks    int                         `json:"active_deadlocks"`
	MaintenanceRuns    uint64                      `json:"maintenance_runs"`
	CriticalPath       depgraph.CriticalPath       `json:"critical_path"`
	Breakers           []breaker.Metrics           `json:"breakers"`
}

func (m *Manager) GetCoordinationMetrics() Metrics {
	m.mu.Lock()
	out := Metrics{
		SwarmID:            m.cfg.SwarmID,
		Initialized:        m.initialized,
		AdvancedScheduling: m.advanced,
		Tasks: TaskMetrics{
			Assigned:  len(m.assignments),
			Total:     m.counters.assigned,
			Completed: m.counters.completed,
			Cancelled: m.counters.cancelled,
		},
		MessagesSent:    m.counters.messagesSent,
		MessageFailures: m.counters.messageFailures,
		Deadlocks:       m.counters.deadlocks,
		ActiveDeadlocks: len(m.lastScan),
		MaintenanceRuns: m.counters.maintenanceRuns,
	}
	if m.lastSteal != nil {
		s := *m.lastSteal
		out.LastSteal = &s
	}
	out.Locks.Timeouts = m.counters.lockTimeouts
	out.Locks.Stale = m.counters.staleLocks
	m.mu.Unlock()

	m.lockMu.Lock()
	for _, l := range m.locks {
		if l.holder != "" {
			out.Locks.Held++
		}
		out.Locks.Waiting += len(l.waiters)
	}
	m.lockMu.Unlock()

	out.Tasks.InGraph = m.graph.Len()
	out.Tasks.Ready = len(m.graph.Ready())
	out.Conflicts = m.resolver.GetStats()
	out.Workload = m.stealer.GetWorkloadStats()
	out.CriticalPath = m.graph.FindCriticalPath()
	out.Breakers = m.breakers.Metrics()
	return out
}

type MaintenanceReport struct {
	ConflictsCleaned int        `json:"conflicts_cleaned"`
	StaleLocks       []LockInfo `json:"stale_locks,omitempty"`
	Deadlocks        []Deadlock `json:"deadlocks,omitempty"`
}

// PerformMaintenance drops old resolved conflicts, flags locks held past
// the stale age and rescans for deadlocks.
func (m *Manager) PerformMaintenance(ctx context.Context) MaintenanceReport {
	var rep MaintenanceReport
	if ctx.Err() != nil {
		return rep
	}

	m.mu.Lock()
	retention := m.cfg.ConflictRetention
	m.mu.Unlock()

	rep.ConflictsCleaned = m.resolver.CleanupOldConflicts(retention)
	rep.StaleLocks = m.staleLocks()
	for _, l := range rep.StaleLocks {
		slog.Warn("stale resource lock", "resource", l.Resource, "holder", l.Holder, "held_for", time.Since(l.AcquiredAt).Round(time.Second))
		m.emit(events.StaleLockDetected, l.Resource, map[string]any{
			"holder":      l.Holder,
			"acquired_at": l.AcquiredAt,
		})
	}
	rep.Deadlocks = m.DetectDeadlocks()

	m.mu.Lock()
	m.counters.maintenanceRuns++
	m.counters.staleLocks += uint64(len(rep.StaleLocks))
	m.mu.Unlock()

	m.emit(events.MaintenanceRun, m.cfg.SwarmID, map[string]any{
		"conflicts_cleaned": rep.ConflictsCleaned,
		"stale_locks":       len(rep.StaleLocks),
		"deadlocks":         len(rep.Deadlocks),
	})
	return rep
}

func (m *Manager) emit(typ events.Type, subject string, data map[string]any) {
	ev := events.New(typ, subject, data)
	ev.SwarmID = m.cfg.SwarmID
	m.sink.Emit(ev)
}

func normalizedOrRaw(raw string) string {
	if raw == "" {
		return "disabled"
	}
	if n, err := schedule.NormalizeSchedule(raw); err == nil {
		return n
	}
	return raw
}
