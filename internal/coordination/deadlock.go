package coordination

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/mtzanidakis/hive/internal/events"
)

// Deadlock is a cycle of agents each waiting on a resource the next holds.
type Deadlock struct {
	Agents    []string `json:"agents"`
	Resources []string `json:"resources"`
}

// waitEdge: agent waits on resource held by holder.
type waitEdge struct {
	holder   string
	resource string
}

// DetectDeadlocks builds the wait-for graph from the lock table and reports
// every cycle. Each cycle is emitted once per scan as an event.
func (m *Manager) DetectDeadlocks() []Deadlock {
	m.lockMu.Lock()
	edges := make(map[string][]waitEdge)
	for res, l := range m.locks {
		for _, w := range l.waiters {
			if w.agent != l.holder {
				edges[w.agent] = append(edges[w.agent], waitEdge{holder: l.holder, resource: res})
			}
		}
	}
	m.lockMu.Unlock()

	agents := make([]string, 0, len(edges))
	for a, es := range edges {
		agents = append(agents, a)
		slices.SortFunc(es, func(x, y waitEdge) int { return strings.Compare(x.resource, y.resource) })
	}
	slices.Sort(agents)

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	var path []string
	var via []string
	seen := make(map[string]bool)
	var found []Deadlock

	var visit func(a string)
	visit = func(a string) {
		color[a] = grey
		path = append(path, a)
		for _, e := range edges[a] {
			switch color[e.holder] {
			case white:
				via = append(via, e.resource)
				visit(e.holder)
				via = via[:len(via)-1]
			case grey:
				start := slices.Index(path, e.holder)
				d := Deadlock{
					Agents:    slices.Clone(path[start:]),
					Resources: append(slices.Clone(via[start:]), e.resource),
				}
				key := canonical(d.Agents)
				if !seen[key] {
					seen[key] = true
					found = append(found, d)
				}
			}
		}
		path = path[:len(path)-1]
		color[a] = black
	}
	for _, a := range agents {
		if color[a] == white {
			visit(a)
		}
	}

	m.mu.Lock()
	m.lastScan = found
	m.counters.deadlocks += uint64(len(found))
	m.mu.Unlock()

	for _, d := range found {
		slog.Warn("deadlock detected", "agents", d.Agents, "resources", d.Resources)
		m.emit(events.DeadlockDetected, strings.Join(d.Agents, ","), map[string]any{
			"agents":    d.Agents,
			"resources": d.Resources,
		})
	}
	return found
}

// canonical rotates a cycle to start at its smallest member.
func canonical(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	i := slices.Index(cycle, slices.Min(cycle))
	rot := append(slices.Clone(cycle[i:]), cycle[:i]...)
	return strings.Join(rot, "\x00")
}
