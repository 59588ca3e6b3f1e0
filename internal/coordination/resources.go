package coordination

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/mtzanidakis/hive/internal/conflict"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/swarm"
)

type waiter struct {
	agent       string
	requestedAt time.Time
	ready       chan struct{}
	granted     bool
}

type lock struct {
	holder     string
	acquiredAt time.Time
	waiters    []*waiter
	conflictID string
}

// requests maps every contender to when it asked for the resource.
func (l *lock) requests() map[string]time.Time {
	out := make(map[string]time.Time, len(l.waiters)+1)
	if l.holder != "" {
		out[l.holder] = l.acquiredAt
	}
	for _, w := range l.waiters {
		if _, ok := out[w.agent]; !ok {
			out[w.agent] = w.requestedAt
		}
	}
	return out
}

func (l *lock) contenders() []string {
	out := []string{l.holder}
	for _, w := range l.waiters {
		if !slices.Contains(out, w.agent) {
			out = append(out, w.agent)
		}
	}
	return out
}

type LockInfo struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	Waiters    []string  `json:"waiters,omitempty"`
}

// AcquireResource gives agentID the lock on resourceID. The current holder
// re-acquiring is a no-op. Otherwise the caller queues behind the holder,
// a resource conflict is reported, and the call fails with a timeout error
// once ResourceTimeout passes without a hand-off.
func (m *Manager) AcquireResource(ctx context.Context, resourceID, agentID string) error {
	if resourceID == "" || agentID == "" {
		return swarm.InvalidInput("acquire resource", "resource and agent ids are required")
	}

	m.lockMu.Lock()
	l, ok := m.locks[resourceID]
	if !ok {
		m.locks[resourceID] = &lock{holder: agentID, acquiredAt: time.Now()}
		m.lockMu.Unlock()
		m.emit(events.ResourceAcquired, resourceID, map[string]any{"agent": agentID})
		return nil
	}
	if l.holder == agentID {
		m.lockMu.Unlock()
		return nil
	}

	w := &waiter{agent: agentID, requestedAt: time.Now(), ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	if l.conflictID == "" {
		l.conflictID = m.resolver.ReportResourceConflict(resourceID, l.contenders()).ID
	}
	m.lockMu.Unlock()

	slog.Debug("waiting for resource", "resource", resourceID, "agent", agentID)

	timer := time.NewTimer(m.cfg.ResourceTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-w.ready:
		m.emit(events.ResourceAcquired, resourceID, map[string]any{"agent": agentID, "waited": time.Since(w.requestedAt).String()})
		return nil
	case <-timer.C:
	case <-ctx.Done():
		cause = ctx.Err()
	}

	m.lockMu.Lock()
	if w.granted {
		// handed off while we were giving up
		m.lockMu.Unlock()
		m.emit(events.ResourceAcquired, resourceID, map[string]any{"agent": agentID})
		return nil
	}
	if l, ok := m.locks[resourceID]; ok {
		l.waiters = slices.DeleteFunc(l.waiters, func(x *waiter) bool { return x == w })
		if len(l.waiters) == 0 && l.conflictID != "" {
			// nobody left waiting: the holder keeps the resource
			rc := conflict.ResolutionContext{RequestTimestamps: map[string]time.Time{l.holder: l.acquiredAt}}
			if _, err := m.resolver.ResolveConflict(l.conflictID, conflict.StrategyTimestamp, rc); err != nil {
				slog.Debug("contention conflict not resolved after timeout", "resource", resourceID, "error", err)
			}
			l.conflictID = ""
		}
	}
	m.lockMu.Unlock()

	if cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}

	m.mu.Lock()
	m.counters.lockTimeouts++
	m.mu.Unlock()
	slog.Warn("resource acquisition timed out", "resource", resourceID, "agent", agentID, "timeout", m.cfg.ResourceTimeout)
	m.emit(events.ResourceTimeout, resourceID, map[string]any{"agent": agentID})
	return swarm.Timeout("acquire resource", "%s for agent %s after %s", resourceID, agentID, m.cfg.ResourceTimeout)
}

// ReleaseResource frees the lock if agentID holds it and reports whether it
// did. Releasing an unheld or foreign lock changes nothing. With waiters
// queued, the open contention conflict is resolved first-request-wins and
// the winner takes the lock.
func (m *Manager) ReleaseResource(resourceID, agentID string) bool {
	m.lockMu.Lock()
	l, ok := m.locks[resourceID]
	if !ok || l.holder != agentID {
		m.lockMu.Unlock()
		return false
	}

	if len(l.waiters) == 0 {
		delete(m.locks, resourceID)
		m.lockMu.Unlock()
		m.emit(events.ResourceReleased, resourceID, map[string]any{"agent": agentID})
		return true
	}

	next := l.waiters[0]
	if l.conflictID != "" {
		rc := conflict.ResolutionContext{RequestTimestamps: make(map[string]time.Time, len(l.waiters))}
		for _, w := range l.waiters {
			if _, ok := rc.RequestTimestamps[w.agent]; !ok {
				rc.RequestTimestamps[w.agent] = w.requestedAt
			}
		}
		res, err := m.resolver.ResolveConflict(l.conflictID, conflict.StrategyTimestamp, rc)
		if err != nil {
			slog.Debug("contention conflict not resolved on hand-off", "resource", resourceID, "error", err)
		} else if i := slices.IndexFunc(l.waiters, func(w *waiter) bool { return w.agent == res.Winner }); i >= 0 {
			next = l.waiters[i]
		}
	}

	l.waiters = slices.DeleteFunc(l.waiters, func(x *waiter) bool { return x == next })
	l.holder = next.agent
	l.acquiredAt = time.Now()
	l.conflictID = ""
	next.granted = true
	close(next.ready)
	if len(l.waiters) > 0 {
		l.conflictID = m.resolver.ReportResourceConflict(resourceID, l.contenders()).ID
	}
	m.lockMu.Unlock()

	slog.Debug("resource handed off", "resource", resourceID, "from", agentID, "to", next.agent)
	m.emit(events.ResourceReleased, resourceID, map[string]any{"agent": agentID, "next": next.agent})
	return true
}

// ResourceHolder returns the agent holding resourceID, if any.
func (m *Manager) ResourceHolder(resourceID string) (string, bool) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[resourceID]
	if !ok {
		return "", false
	}
	return l.holder, true
}

// Locks returns a snapshot of the lock table sorted by resource.
func (m *Manager) Locks() []LockInfo {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	out := make([]LockInfo, 0, len(m.locks))
	for id, l := range m.locks {
		info := LockInfo{Resource: id, Holder: l.holder, AcquiredAt: l.acquiredAt}
		for _, w := range l.waiters {
			info.Waiters = append(info.Waiters, w.agent)
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b LockInfo) int { return strings.Compare(a.Resource, b.Resource) })
	return out
}

func (m *Manager) staleLocks() []LockInfo {
	cutoff := time.Now().Add(-m.cfg.StaleLockAge)
	var out []LockInfo
	for _, l := range m.Locks() {
		if l.AcquiredAt.Before(cutoff) {
			out = append(out, l)
		}
	}
	return out
}
