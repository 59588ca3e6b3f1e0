// Package registry keeps the config-declared agents in the store and in the
// work-stealing workload table.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/workstealing"
)

type Registry struct {
	store   *store.Store
	stealer *workstealing.Coordinator
	swarmID string

	mu     sync.RWMutex
	agents map[string]config.AgentDefinition
}

func New(s *store.Store, stealer *workstealing.Coordinator, swarmID string, agents map[string]config.AgentDefinition) *Registry {
	return &Registry{
		store:   s,
		stealer: stealer,
		swarmID: swarmID,
		agents:  maps.Clone(agents),
	}
}

// Sync persists every declared agent, seeds its workload entry and removes
// agents no longer declared.
func (r *Registry) Sync(ctx context.Context) error {
	r.mu.RLock()
	agents := maps.Clone(r.agents)
	r.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(agents))
	for _, id := range ids {
		def := agents[id]
		a := &store.Agent{
			ID:           id,
			SwarmID:      r.swarmID,
			Description:  def.Description,
			Type:         def.Type,
			Capabilities: def.Capabilities,
			Priority:     def.Priority,
		}
		if prev, err := r.store.GetAgent(ctx, id); err == nil && prev != nil {
			a.Status = prev.Status
		}
		if err := r.store.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("save agent %s: %w", id, err)
		}
		r.seed(id, def)
	}

	if err := r.store.DeleteAgentsNotIn(ctx, r.swarmID, ids); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	for _, id := range r.stealer.Agents() {
		if _, ok := agents[id]; !ok {
			r.stealer.RemoveAgent(id)
		}
	}
	return nil
}

// seed keeps the live load figures of a known agent and refreshes the
// declared capabilities and priority.
func (r *Registry) seed(id string, def config.AgentDefinition) {
	w, ok := r.stealer.Workload(id)
	if !ok {
		w = workstealing.Workload{AgentID: id}
	}
	w.Capabilities = def.Capabilities
	w.Priority = def.Priority
	if err := r.stealer.UpdateAgentWorkload(w); err != nil {
		slog.Warn("seed workload failed", "agent", id, "error", err)
	}
}

// Apply replaces the declared agents, typically after a config reload, and
// syncs.
func (r *Registry) Apply(ctx context.Context, agents map[string]config.AgentDefinition) error {
	r.mu.Lock()
	r.agents = maps.Clone(agents)
	r.mu.Unlock()
	return r.Sync(ctx)
}

func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

func (r *Registry) List(ctx context.Context) ([]store.Agent, error) {
	return r.store.ListAgents(ctx, r.swarmID)
}

func (r *Registry) GetDefinition(agentID string) (config.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[agentID]
	return def, ok
}

// IDs returns the declared agent ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.agents))
}

// AgentType returns the declared type of agentID, falling back to the id.
func (r *Registry) AgentType(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.agents[agentID]; ok && def.Type != "" {
		return def.Type
	}
	return agentID
}

func (r *Registry) AgentDescriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make(map[string]string, len(r.agents))
	for name, def := range r.agents {
		descs[name] = def.Description
	}
	return descs
}
