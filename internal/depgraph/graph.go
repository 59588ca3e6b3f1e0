// Package depgraph keeps tasks in a dependency DAG and answers readiness,
// ordering and critical-path queries over it.
//
// Dependencies must be added before their dependents, so a graph built only
// through AddTask can never contain a cycle.
package depgraph

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/swarm"
)

type node struct {
	index      int
	task       *swarm.Task
	deps       []int
	dependents []int
}

type Graph struct {
	mu    sync.RWMutex
	nodes []*node
	byID  map[string]*node
}

func New() *Graph {
	return &Graph{byID: make(map[string]*node)}
}

// AddTask registers a copy of t. The graph is unchanged when it fails.
func (g *Graph) AddTask(t *swarm.Task) error {
	if t == nil || t.ID == "" {
		return swarm.InvalidInput("add task", "task id is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.byID[t.ID]; ok {
		return swarm.InvalidInput("add task", "task %q already exists", t.ID)
	}

	var (
		deps    []int
		missing []string
		seen    = make(map[string]bool, len(t.Dependencies))
	)
	for _, id := range t.Dependencies {
		if seen[id] {
			continue
		}
		seen[id] = true
		dep, ok := g.byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		deps = append(deps, dep.index)
	}
	if len(missing) > 0 {
		return &MissingDependencyError{TaskID: t.ID, Missing: missing}
	}

	task := t.Clone()
	if task.Status == "" {
		task.Status = swarm.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	n := &node{index: len(g.nodes), task: task, deps: deps}
	g.nodes = append(g.nodes, n)
	g.byID[t.ID] = n
	for _, d := range deps {
		g.nodes[d].dependents = append(g.nodes[d].dependents, n.index)
	}
	return nil
}

func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.byID[id]
	return ok
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Get returns a copy of the stored task.
func (g *Graph) Get(id string) (*swarm.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return n.task.Clone(), true
}

// Tasks returns copies of every task in insertion order.
func (g *Graph) Tasks() []*swarm.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*swarm.Task, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.task.Clone()
	}
	return out
}

func (g *Graph) ids(idx []int) []string {
	out := make([]string, len(idx))
	for i, x := range idx {
		out[i] = g.nodes[x].task.ID
	}
	return out
}

func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byID[id]
	if !ok {
		return nil
	}
	return g.ids(n.deps)
}

func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byID[id]
	if !ok {
		return nil
	}
	return g.ids(n.dependents)
}

func (g *Graph) depsDone(n *node) bool {
	for _, d := range n.deps {
		if g.nodes[d].task.Status != swarm.TaskCompleted {
			return false
		}
	}
	return true
}

// IsTaskReady reports whether every dependency of id is completed. Unknown
// tasks are never ready.
func (g *Graph) IsTaskReady(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byID[id]
	if !ok {
		return false
	}
	return g.depsDone(n)
}

// Ready lists pending tasks whose dependencies are all completed.
func (g *Graph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, n := range g.nodes {
		if n.task.Status == swarm.TaskPending && g.depsDone(n) {
			out = append(out, n.task.ID)
		}
	}
	return out
}

// MarkCompleted completes id and returns the dependents that became ready
// because of it. Completing an already completed task returns nothing, so
// each task is reported ready at most once.
func (g *Graph) MarkCompleted(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.byID[id]
	if !ok {
		return nil, swarm.NotFound("mark completed", "task %q", id)
	}
	switch n.task.Status {
	case swarm.TaskCompleted:
		return nil, nil
	case swarm.TaskCancelled, swarm.TaskFailed:
		return nil, swarm.InvalidInput("mark completed", "task %q is %s", id, n.task.Status)
	}

	now := time.Now()
	n.task.Status = swarm.TaskCompleted
	n.task.CompletedAt = &now

	var ready []string
	for _, d := range n.dependents {
		dep := g.nodes[d]
		if dep.task.Status == swarm.TaskCompleted {
			continue
		}
		if g.depsDone(dep) {
			ready = append(ready, dep.task.ID)
		}
	}
	return ready, nil
}

// SetStatus records a non-completion transition. Use MarkCompleted to
// complete a task so readiness propagates. Terminal tasks keep their status;
// setting the same status again is a no-op.
func (g *Graph) SetStatus(id string, status swarm.TaskStatus) error {
	if !status.Valid() {
		return swarm.InvalidInput("set status", "unknown status %q", status)
	}
	if status == swarm.TaskCompleted {
		_, err := g.MarkCompleted(id)
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.byID[id]
	if !ok {
		return swarm.NotFound("set status", "task %q", id)
	}
	if n.task.Status == status {
		return nil
	}
	if n.task.Status.Terminal() {
		return swarm.InvalidInput("set status", "task %q is %s", id, n.task.Status)
	}
	n.task.Status = status
	if status == swarm.TaskInProgress && n.task.StartedAt == nil {
		now := time.Now()
		n.task.StartedAt = &now
	}
	return nil
}

// DetectCycles returns every cycle found by a depth-first walk with a
// recursion stack. A graph built through AddTask always yields none.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.nodes))
	var stack []int
	var cycles [][]string

	var visit func(i int)
	visit = func(i int) {
		color[i] = grey
		stack = append(stack, i)
		for _, d := range g.nodes[i].deps {
			switch color[d] {
			case white:
				visit(d)
			case grey:
				start := slices.Index(stack, d)
				cycles = append(cycles, g.ids(slices.Clone(stack[start:])))
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
	}
	for i := range g.nodes {
		if color[i] == white {
			visit(i)
		}
	}
	return cycles
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// order runs Kahn's algorithm with insertion index as the tie breaker.
// Caller holds mu.
func (g *Graph) order() ([]int, error) {
	indeg := make([]int, len(g.nodes))
	for _, n := range g.nodes {
		indeg[n.index] = len(n.deps)
	}

	ready := &indexHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(g.nodes))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		out = append(out, i)
		for _, m := range g.nodes[i].dependents {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(out) != len(g.nodes) {
		var rest []string
		for i, d := range indeg {
			if d > 0 {
				rest = append(rest, g.nodes[i].task.ID)
			}
		}
		return nil, cycleError(rest)
	}
	return out, nil
}

// TopologicalSort orders tasks so every task follows its dependencies. Ties
// keep insertion order.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	order, err := g.order()
	if err != nil {
		return nil, err
	}
	return g.ids(order), nil
}

// Levels groups tasks into tiers by depth: tier 0 has no dependencies and
// every task in tier n depends on something in tier n-1. Tasks within a tier
// can run in parallel.
func (g *Graph) Levels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.order()
	if err != nil {
		return nil, err
	}

	depth := make([]int, len(g.nodes))
	maxDepth := -1
	for _, i := range order {
		for _, d := range g.nodes[i].deps {
			if depth[d]+1 > depth[i] {
				depth[i] = depth[d] + 1
			}
		}
		maxDepth = max(maxDepth, depth[i])
	}

	tiers := make([][]string, maxDepth+1)
	for i, n := range g.nodes {
		tiers[depth[i]] = append(tiers[depth[i]], n.task.ID)
	}
	return tiers, nil
}

type CriticalPath struct {
	Tasks  []string `json:"tasks"`
	Length int      `json:"length"`
	Cost   float64  `json:"cost"`
}

// FindCriticalPath returns the longest dependency chain by task count.
func (g *Graph) FindCriticalPath() CriticalPath {
	return g.FindCriticalPathBy(nil)
}

// FindCriticalPathBy returns the chain with the highest summed cost. A nil
// cost counts every task as 1. Ties prefer earlier inserted tasks.
func (g *Graph) FindCriticalPathBy(cost func(*swarm.Task) float64) CriticalPath {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 {
		return CriticalPath{}
	}
	if cost == nil {
		cost = func(*swarm.Task) float64 { return 1 }
	}

	order, err := g.order()
	if err != nil {
		return CriticalPath{}
	}

	best := make([]float64, len(g.nodes))
	prev := make([]int, len(g.nodes))
	end := -1
	for _, i := range order {
		n := g.nodes[i]
		prev[i] = -1
		for _, d := range n.deps {
			if prev[i] == -1 || best[d] > best[prev[i]] || (best[d] == best[prev[i]] && d < prev[i]) {
				prev[i] = d
			}
		}
		best[i] = cost(n.task)
		if prev[i] >= 0 {
			best[i] += best[prev[i]]
		}
		if end == -1 || best[i] > best[end] || (best[i] == best[end] && i < end) {
			end = i
		}
	}

	var path []int
	for i := end; i >= 0; i = prev[i] {
		path = append(path, i)
	}
	slices.Reverse(path)

	return CriticalPath{Tasks: g.ids(path), Length: len(path), Cost: best[end]}
}

// ToDot renders the graph in Graphviz DOT syntax. Edges point from a
// dependency to its dependent.
func (g *Graph) ToDot() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var b strings.Builder
	b.WriteString("digraph tasks {\n")
	b.WriteString("  rankdir=LR;\n")
	for _, n := range g.nodes {
		fmt.Fprintf(&b, "  %q [label=%q];\n", n.task.ID, fmt.Sprintf("%s (%s)", n.task.ID, n.task.Status))
	}
	for _, n := range g.nodes {
		for _, d := range n.deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", g.nodes[d].task.ID, n.task.ID)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
