// Package conflict records contested claims between agents and arbitrates
// them with a chosen strategy.
package conflict

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/swarm"
)

type Kind string

const (
	KindResource Kind = "resource"
	KindTask     Kind = "task"
)

// Task conflict subtypes.
const (
	SubtypeAssignment = "assignment"
	SubtypeExecution  = "execution"
)

// ErrAlreadyResolved is wrapped when resolving a conflict twice.
var ErrAlreadyResolved = errors.New("conflict already resolved")

type Resolution struct {
	Type       Strategy  `json:"type"`
	Winner     string    `json:"winner"`
	Losers     []string  `json:"losers,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

type Conflict struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	Subject    string      `json:"subject"`
	Agents     []string    `json:"agents"`
	Subtype    string      `json:"subtype,omitempty"`
	Resolved   bool        `json:"resolved"`
	Resolution *Resolution `json:"resolution,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (c *Conflict) clone() Conflict {
	out := *c
	out.Agents = slices.Clone(c.Agents)
	if c.Resolution != nil {
		r := *c.Resolution
		r.Losers = slices.Clone(r.Losers)
		out.Resolution = &r
	}
	return out
}

// ContextProvider supplies resolution inputs for AutoResolve.
type ContextProvider func(Conflict) ResolutionContext

type Config struct {
	DefaultStrategy Strategy
	// MaxActive only triggers a warning; reporting never fails.
	MaxActive int
}

type Stats struct {
	Total      int              `json:"total"`
	Active     int              `json:"active"`
	Resolved   int              `json:"resolved"`
	Reported   uint64           `json:"reported"`
	Cleaned    uint64           `json:"cleaned"`
	ByKind     map[Kind]int     `json:"by_kind"`
	ByStrategy map[Strategy]int `json:"by_strategy"`
}

type Resolver struct {
	cfg  Config
	sink events.Sink
	now  func() time.Time

	mu        sync.Mutex
	conflicts map[string]*Conflict
	order     []string
	provider  ContextProvider
	reported  uint64
	cleaned   uint64
}

func New(cfg Config, sink events.Sink) *Resolver {
	if !cfg.DefaultStrategy.Valid() {
		cfg.DefaultStrategy = StrategyTimestamp
	}
	if sink == nil {
		sink = events.Nop
	}
	return &Resolver{
		cfg:       cfg,
		sink:      sink,
		now:       time.Now,
		conflicts: make(map[string]*Conflict),
	}
}

// SetContextProvider installs the source of priorities, timestamps, votes and
// loads used by AutoResolve.
func (r *Resolver) SetContextProvider(p ContextProvider) {
	r.mu.Lock()
	r.provider = p
	r.mu.Unlock()
}

func (r *Resolver) ReportResourceConflict(resourceID string, agentIDs []string) Conflict {
	return r.report(KindResource, resourceID, agentIDs, "")
}

func (r *Resolver) ReportTaskConflict(taskID string, agentIDs []string, subtype string) Conflict {
	if subtype == "" {
		subtype = SubtypeAssignment
	}
	return r.report(KindTask, taskID, agentIDs, subtype)
}

func (r *Resolver) report(kind Kind, subject string, agentIDs []string, subtype string) Conflict {
	c := &Conflict{
		ID:        uuid.New().String(),
		Kind:      kind,
		Subject:   subject,
		Agents:    dedupe(agentIDs),
		Subtype:   subtype,
		CreatedAt: r.now(),
	}

	r.mu.Lock()
	r.conflicts[c.ID] = c
	r.order = append(r.order, c.ID)
	r.reported++
	active := r.activeLocked()
	snap := c.clone()
	r.mu.Unlock()

	if r.cfg.MaxActive > 0 && active > r.cfg.MaxActive {
		slog.Warn("active conflicts above limit", "active", active, "limit", r.cfg.MaxActive)
	}
	slog.Info("conflict reported", "id", c.ID, "kind", kind, "subject", subject, "agents", c.Agents)
	r.sink.Emit(events.New(events.ConflictReported, c.ID, map[string]any{
		"kind":    string(kind),
		"subject": subject,
		"agents":  snap.Agents,
		"subtype": subtype,
	}))
	return snap
}

func (r *Resolver) activeLocked() int {
	n := 0
	for _, c := range r.conflicts {
		if !c.Resolved {
			n++
		}
	}
	return n
}

// ResolveConflict applies strategy with rc and marks the conflict resolved.
func (r *Resolver) ResolveConflict(id string, strategy Strategy, rc ResolutionContext) (Resolution, error) {
	if !strategy.Valid() {
		return Resolution{}, swarm.InvalidInput("resolve conflict", "unknown strategy %q, want one of %v", strategy, Strategies())
	}

	r.mu.Lock()
	c, ok := r.conflicts[id]
	if !ok {
		r.mu.Unlock()
		return Resolution{}, swarm.NotFound("resolve conflict", "conflict %q", id)
	}
	if c.Resolved {
		r.mu.Unlock()
		return Resolution{}, &swarm.Error{Kind: swarm.ErrInvalidInput, Op: "resolve conflict " + id, Err: ErrAlreadyResolved}
	}
	if len(c.Agents) == 0 {
		r.mu.Unlock()
		return Resolution{}, swarm.InvalidInput("resolve conflict", "conflict %q has no contending agents", id)
	}

	winner, reason := strategy.pick(c.Agents, rc)
	res := Resolution{
		Type:       strategy,
		Winner:     winner,
		Reason:     reason,
		ResolvedAt: r.now(),
	}
	for _, a := range c.Agents {
		if a != winner {
			res.Losers = append(res.Losers, a)
		}
	}
	c.Resolved = true
	c.Resolution = &res
	kind, subject := c.Kind, c.Subject
	r.mu.Unlock()

	slog.Info("conflict resolved", "id", id, "strategy", strategy, "winner", winner)
	r.sink.Emit(events.New(events.ConflictResolved, id, map[string]any{
		"kind":     string(kind),
		"subject":  subject,
		"strategy": string(strategy),
		"winner":   winner,
	}))
	return res, nil
}

// AutoResolve resolves with strategy, or the configured default when empty,
// using whatever context the installed provider has.
func (r *Resolver) AutoResolve(id string, strategy Strategy) (Resolution, error) {
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
	}

	r.mu.Lock()
	c, ok := r.conflicts[id]
	var snap Conflict
	if ok {
		snap = c.clone()
	}
	provider := r.provider
	r.mu.Unlock()

	var rc ResolutionContext
	if ok && provider != nil {
		rc = provider(snap)
	}
	return r.ResolveConflict(id, strategy, rc)
}

func (r *Resolver) Get(id string) (Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return Conflict{}, false
	}
	return c.clone(), true
}

// All returns every tracked conflict in report order.
func (r *Resolver) All() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conflicts[id].clone())
	}
	return out
}

// GetActiveConflicts returns the unresolved conflicts in report order.
func (r *Resolver) GetActiveConflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conflict
	for _, id := range r.order {
		if c := r.conflicts[id]; !c.Resolved {
			out = append(out, c.clone())
		}
	}
	return out
}

func (r *Resolver) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Total:      len(r.conflicts),
		Reported:   r.reported,
		Cleaned:    r.cleaned,
		ByKind:     make(map[Kind]int),
		ByStrategy: make(map[Strategy]int),
	}
	for _, c := range r.conflicts {
		s.ByKind[c.Kind]++
		if c.Resolved {
			s.Resolved++
			s.ByStrategy[c.Resolution.Type]++
		} else {
			s.Active++
		}
	}
	return s
}

// CleanupOldConflicts drops resolved conflicts older than maxAge and returns
// how many were removed. A zero or negative maxAge removes every resolved
// conflict.
func (r *Resolver) CleanupOldConflicts(maxAge time.Duration) int {
	now := r.now()

	r.mu.Lock()
	removed := 0
	kept := r.order[:0]
	for _, id := range r.order {
		c := r.conflicts[id]
		if c.Resolved && (maxAge <= 0 || now.Sub(c.CreatedAt) > maxAge) {
			delete(r.conflicts, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	r.cleaned += uint64(removed)
	r.mu.Unlock()

	if removed > 0 {
		slog.Info("cleaned up resolved conflicts", "removed", removed)
		r.sink.Emit(events.New(events.ConflictsCleaned, "", map[string]any{"removed": removed}))
	}
	return removed
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
