package conflict

import (
	"fmt"
	"slices"
	"time"
)

// Strategy picks a winner among contending agents. The set is closed; each
// strategy is a case in pick.
type Strategy string

const (
	// StrategyPriority: highest AgentPriorities value wins.
	StrategyPriority Strategy = "priority"
	// StrategyTimestamp: earliest RequestTimestamps value wins.
	StrategyTimestamp Strategy = "timestamp"
	// StrategyConsensus: most Votes wins.
	StrategyConsensus Strategy = "consensus"
	// StrategyLoad: lowest Loads value wins.
	StrategyLoad Strategy = "load"
)

func Strategies() []Strategy {
	return []Strategy{StrategyPriority, StrategyTimestamp, StrategyConsensus, StrategyLoad}
}

func (s Strategy) Valid() bool {
	return slices.Contains(Strategies(), s)
}

// ResolutionContext is the input bag for strategies. Agents absent from the
// relevant map rank last.
type ResolutionContext struct {
	AgentPriorities   map[string]int       `json:"agent_priorities,omitempty"`
	RequestTimestamps map[string]time.Time `json:"request_timestamps,omitempty"`
	Votes             map[string]int       `json:"votes,omitempty"`
	Loads             map[string]int       `json:"loads,omitempty"`
}

// pick returns the winner among agents (non-empty). Ties go to the agent
// listed first.
func (s Strategy) pick(agents []string, rc ResolutionContext) (string, string) {
	switch s {
	case StrategyPriority:
		w := bestBy(agents, rc.AgentPriorities, func(a, b int) bool { return a > b })
		return w, fmt.Sprintf("highest priority (%d)", rc.AgentPriorities[w])
	case StrategyTimestamp:
		w := bestBy(agents, rc.RequestTimestamps, func(a, b time.Time) bool { return a.Before(b) })
		if ts, ok := rc.RequestTimestamps[w]; ok {
			return w, "first request at " + ts.Format(time.RFC3339Nano)
		}
		return w, "first reported contender"
	case StrategyConsensus:
		w := bestBy(agents, rc.Votes, func(a, b int) bool { return a > b })
		return w, fmt.Sprintf("most votes (%d)", rc.Votes[w])
	case StrategyLoad:
		w := bestBy(agents, rc.Loads, func(a, b int) bool { return a < b })
		return w, fmt.Sprintf("lowest load (%d)", rc.Loads[w])
	}
	return agents[0], ""
}

// bestBy scans agents in order, keeping the first one that is strictly better
// than the current best. Agents with a value beat agents without.
func bestBy[V any](agents []string, values map[string]V, better func(a, b V) bool) string {
	winner := agents[0]
	wv, wok := values[winner]
	for _, a := range agents[1:] {
		v, ok := values[a]
		if !ok {
			continue
		}
		if !wok || better(v, wv) {
			winner, wv, wok = a, v, true
		}
	}
	return winner
}
