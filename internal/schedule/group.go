package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Group owns a component's periodic jobs and one-shot timers so they can all
// be stopped together. No job fires after Stop returns.
type Group struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	timers  map[string]*time.Timer
}

func NewGroup(name string) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
}

// Active reports whether Stop has not been called yet.
func (g *Group) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.stopped
}

// Every runs fn every interval until the group stops.
func (g *Group) Every(job string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	g.Schedule(job, &Schedule{Kind: "interval", IntervalMs: interval.Milliseconds()}, fn)
}

// ScheduleRaw parses raw with NormalizeSchedule and runs fn on it.
func (g *Group) ScheduleRaw(job, raw string, fn func(context.Context)) error {
	norm, err := NormalizeSchedule(raw)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job, err)
	}
	s, err := ParseSchedule(norm)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job, err)
	}
	g.Schedule(job, s, fn)
	return nil
}

// Schedule runs fn at every run time of s until the group stops or the
// schedule is exhausted.
func (g *Group) Schedule(job string, s *Schedule, fn func(context.Context)) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		next, ok := s.Next(time.Now())
		for ok {
			timer := time.NewTimer(time.Until(next))
			select {
			case <-g.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			g.run(job, fn)
			next, ok = s.Next(time.Now())
		}
	}()
}

// After runs fn once after d, replacing any pending timer under the same key.
func (g *Group) After(key string, d time.Duration, fn func(context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	if t, ok := g.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		g.mu.Lock()
		if g.timers[key] == t {
			delete(g.timers, key)
		}
		g.mu.Unlock()
		g.run(key, fn)
	})
	g.timers[key] = t
}

// Cancel stops the one-shot timer under key, if any.
func (g *Group) Cancel(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[key]; ok {
		t.Stop()
		delete(g.timers, key)
	}
}

// Pending returns the number of one-shot timers still waiting.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

func (g *Group) run(job string, fn func(context.Context)) {
	if !g.Active() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduled job panicked", "group", g.name, "job", job, "panic", r)
		}
	}()
	fn(g.ctx)
}

// Stop cancels every job and timer. It is idempotent and does not wait for
// a running job; use Wait for that.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	for k, t := range g.timers {
		t.Stop()
		delete(g.timers, k)
	}
	g.mu.Unlock()
	g.cancel()
}

// Wait blocks until every periodic loop has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
