// Package workstealing tracks per-agent load, recommends placements and
// proposes rebalancing when load is skewed.
package workstealing

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/schedule"
	"github.com/mtzanidakis/hive/internal/swarm"
)

const durationWindow = 10

// Workload is an agent's self-reported or tracked load. CPU and Memory are
// utilisation ratios in [0,1].
type Workload struct {
	AgentID         string        `json:"agent_id"`
	TaskCount       int           `json:"task_count"`
	AvgTaskDuration time.Duration `json:"avg_task_duration"`
	CPU             float64       `json:"cpu"`
	Memory          float64       `json:"memory"`
	Priority        int           `json:"priority"`
	Capabilities    []string      `json:"capabilities,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (w *Workload) clone() Workload {
	c := *w
	c.Capabilities = slices.Clone(w.Capabilities)
	return c
}

// HasCapabilities reports whether w covers every required capability.
func (w *Workload) HasCapabilities(required []string) bool {
	for _, r := range required {
		if !slices.Contains(w.Capabilities, r) {
			return false
		}
	}
	return true
}

type Config struct {
	Enabled        bool
	StealThreshold int
	MaxStealBatch  int
	StealInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.StealThreshold <= 0 {
		c.StealThreshold = 2
	}
	if c.MaxStealBatch <= 0 {
		c.MaxStealBatch = 3
	}
	if c.StealInterval <= 0 {
		c.StealInterval = 5 * time.Second
	}
	return c
}

// StealProposal suggests moving Count tasks from one agent to another.
type StealProposal struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
	Gap   int    `json:"gap"`
}

type Stats struct {
	Agents       int            `json:"agents"`
	TotalTasks   int            `json:"total_tasks"`
	MinTasks     int            `json:"min_tasks"`
	MaxTasks     int            `json:"max_tasks"`
	AvgTasks     float64        `json:"avg_tasks"`
	StdDevTasks  float64        `json:"stddev_tasks"`
	AvgCPU       float64        `json:"avg_cpu"`
	AvgMemory    float64        `json:"avg_memory"`
	Distribution map[string]int `json:"distribution"`
	Steals       uint64         `json:"steals_proposed"`
}

type Coordinator struct {
	cfg  Config
	sink events.Sink

	mu        sync.RWMutex
	workloads map[string]*Workload
	durations map[string][]time.Duration
	onSteal   func(StealProposal)
	steals    uint64

	group *schedule.Group
}

func New(cfg Config, sink events.Sink) *Coordinator {
	if sink == nil {
		sink = events.Nop
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		sink:      sink,
		workloads: make(map[string]*Workload),
		durations: make(map[string][]time.Duration),
	}
}

// OnSteal installs the handler called with every steal proposal.
func (c *Coordinator) OnSteal(fn func(StealProposal)) {
	c.mu.Lock()
	c.onSteal = fn
	c.mu.Unlock()
}

// Start runs the steal loop when enabled. Calling it again is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled || c.group != nil {
		return
	}
	c.group = schedule.NewGroup("workstealing")
	c.group.Every("steal", c.cfg.StealInterval, func(context.Context) { c.CheckSteal() })
	slog.Info("work stealing started", "interval", c.cfg.StealInterval, "threshold", c.cfg.StealThreshold)
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	g := c.group
	c.group = nil
	c.mu.Unlock()
	if g != nil {
		g.Stop()
	}
}

// Reconfigure swaps the configuration and restarts the steal loop if it was
// running or is newly enabled.
func (c *Coordinator) Reconfigure(cfg Config) {
	c.Stop()
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
	c.Start()
}

func (c *Coordinator) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Enabled
}

// UpdateAgentWorkload replaces the snapshot for w.AgentID. The rolling
// duration average is kept when the update does not carry one.
func (c *Coordinator) UpdateAgentWorkload(w Workload) error {
	if w.AgentID == "" {
		return swarm.InvalidInput("update workload", "agent id is required")
	}
	if w.TaskCount < 0 {
		return swarm.InvalidInput("update workload", "negative task count %d", w.TaskCount)
	}
	w.CPU = clamp01(w.CPU)
	w.Memory = clamp01(w.Memory)
	w.UpdatedAt = time.Now()
	w.Capabilities = slices.Clone(w.Capabilities)

	c.mu.Lock()
	if prev, ok := c.workloads[w.AgentID]; ok && w.AvgTaskDuration == 0 {
		w.AvgTaskDuration = prev.AvgTaskDuration
	}
	c.workloads[w.AgentID] = &w
	c.mu.Unlock()

	c.sink.Emit(events.New(events.WorkloadUpdated, w.AgentID, map[string]any{
		"task_count": w.TaskCount,
		"cpu":        w.CPU,
		"memory":     w.Memory,
	}))
	return nil
}

// AdjustTaskCount changes an agent's task count by delta, creating a bare
// workload entry for untracked agents.
func (c *Coordinator) AdjustTaskCount(agentID string, delta int) {
	if agentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workloads[agentID]
	if !ok {
		w = &Workload{AgentID: agentID}
		c.workloads[agentID] = w
	}
	w.TaskCount = max(0, w.TaskCount+delta)
	w.UpdatedAt = time.Now()
}

// RecordTaskDuration feeds the agent's rolling average over the last few
// completed tasks.
func (c *Coordinator) RecordTaskDuration(agentID string, d time.Duration) {
	if agentID == "" || d < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	window := append(c.durations[agentID], d)
	if len(window) > durationWindow {
		window = window[len(window)-durationWindow:]
	}
	c.durations[agentID] = window

	var sum time.Duration
	for _, v := range window {
		sum += v
	}
	w, ok := c.workloads[agentID]
	if !ok {
		w = &Workload{AgentID: agentID}
		c.workloads[agentID] = w
	}
	w.AvgTaskDuration = sum / time.Duration(len(window))
}

func (c *Coordinator) Workload(agentID string) (Workload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workloads[agentID]
	if !ok {
		return Workload{}, false
	}
	return w.clone(), true
}

// Agents returns the tracked agent ids, sorted.
func (c *Coordinator) Agents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.workloads))
	for id := range c.workloads {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (c *Coordinator) RemoveAgent(agentID string) {
	c.mu.Lock()
	delete(c.workloads, agentID)
	delete(c.durations, agentID)
	c.mu.Unlock()
}

// Score rates w for placement; higher is better. It falls with task count
// and utilisation and rises with priority.
func Score(w Workload) float64 {
	load := 1.0 / float64(1+w.TaskCount)
	util := 1.0 - (w.CPU+w.Memory)/2
	prio := 1.0 - 1.0/float64(1+max(0, w.Priority))
	return 0.5*load + 0.3*util + 0.2*prio
}

// FindBestAgent picks the best scoring candidate that has every capability
// the task requires. Untracked candidates count as idle with no
// capabilities. Ties go to the earlier candidate.
func (c *Coordinator) FindBestAgent(task *swarm.Task, candidates []string) (string, bool) {
	var required []string
	if task != nil {
		required = task.RequiredCapabilities
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	best, bestScore, found := "", math.Inf(-1), false
	for _, id := range candidates {
		w, ok := c.workloads[id]
		if !ok {
			w = &Workload{AgentID: id}
		}
		if !w.HasCapabilities(required) {
			continue
		}
		if s := Score(*w); s > bestScore {
			best, bestScore, found = id, s, true
		}
	}
	return best, found
}

// CheckSteal compares the most and least loaded agents and proposes a steal
// when the gap exceeds the threshold. It returns nil when disabled or
// balanced.
func (c *Coordinator) CheckSteal() *StealProposal {
	c.mu.Lock()
	if !c.cfg.Enabled || len(c.workloads) < 2 {
		c.mu.Unlock()
		return nil
	}

	var busiest, idlest *Workload
	for _, id := range sortedKeys(c.workloads) {
		w := c.workloads[id]
		if busiest == nil || w.TaskCount > busiest.TaskCount {
			busiest = w
		}
		if idlest == nil || w.TaskCount < idlest.TaskCount {
			idlest = w
		}
	}
	gap := busiest.TaskCount - idlest.TaskCount
	if gap <= c.cfg.StealThreshold {
		c.mu.Unlock()
		return nil
	}

	p := &StealProposal{
		From:  busiest.AgentID,
		To:    idlest.AgentID,
		Count: max(1, min(c.cfg.MaxStealBatch, gap/2)),
		Gap:   gap,
	}
	c.steals++
	handler := c.onSteal
	c.mu.Unlock()

	slog.Info("work steal proposed", "from", p.From, "to", p.To, "count", p.Count, "gap", gap)
	c.sink.Emit(events.New(events.StealProposed, p.From, map[string]any{
		"from":  p.From,
		"to":    p.To,
		"count": p.Count,
		"gap":   gap,
	}))
	if handler != nil {
		handler(*p)
	}
	return p
}

func (c *Coordinator) GetWorkloadStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Agents:       len(c.workloads),
		Distribution: make(map[string]int, len(c.workloads)),
		Steals:       c.steals,
	}
	if s.Agents == 0 {
		return s
	}

	s.MinTasks = math.MaxInt
	for id, w := range c.workloads {
		s.Distribution[id] = w.TaskCount
		s.TotalTasks += w.TaskCount
		s.MinTasks = min(s.MinTasks, w.TaskCount)
		s.MaxTasks = max(s.MaxTasks, w.TaskCount)
		s.AvgCPU += w.CPU
		s.AvgMemory += w.Memory
	}
	n := float64(s.Agents)
	s.AvgTasks = float64(s.TotalTasks) / n
	s.AvgCPU /= n
	s.AvgMemory /= n

	var variance float64
	for _, w := range c.workloads {
		d := float64(w.TaskCount) - s.AvgTasks
		variance += d * d
	}
	s.StdDevTasks = math.Sqrt(variance / n)
	return s
}

func sortedKeys(m map[string]*Workload) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
