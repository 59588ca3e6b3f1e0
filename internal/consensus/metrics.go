package consensus

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/swarm"
)

const emaAlpha = 0.2

type Metrics struct {
	TotalProposals   uint64        `json:"total_proposals"`
	Achieved         uint64        `json:"achieved"`
	Rejected         uint64        `json:"rejected"`
	Active           int           `json:"active"`
	VotesCast        uint64        `json:"votes_cast"`
	AvgParticipation float64       `json:"avg_participation"`
	AvgLatency       time.Duration `json:"avg_latency"`
	UpdatedAt        time.Time     `json:"updated_at,omitzero"`
}

func ema(prev, sample float64, seeded bool) float64 {
	if !seeded {
		return sample
	}
	return emaAlpha*sample + (1-emaAlpha)*prev
}

// voteLatency is the mean time from creation to each vote.
func voteLatency(p *swarm.Proposal) (time.Duration, bool) {
	if len(p.Votes) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, v := range p.Votes {
		sum += max(0, v.CastAt.Sub(p.CreatedAt))
	}
	return sum / time.Duration(len(p.Votes)), true
}

func (e *Engine) GetMetrics() Metrics {
	e.mu.RLock()
	active := len(e.active)
	e.mu.RUnlock()

	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	m := e.metrics
	m.Active = active
	return m
}

func (e *Engine) recordResolution(p *swarm.Proposal) {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	if p.Status == swarm.ProposalAchieved {
		e.metrics.Achieved++
	} else {
		e.metrics.Rejected++
	}
	e.metrics.AvgParticipation = ema(e.metrics.AvgParticipation, p.ParticipationRate(), e.participationSeeded)
	e.participationSeeded = true
	e.metrics.UpdatedAt = e.now()
}

// collectMetrics recomputes the latency average from proposals resolved
// within the metrics window.
func (e *Engine) collectMetrics(ctx context.Context) {
	if e.store == nil {
		return
	}
	since := e.now().Add(-e.cfg.MetricsWindow)
	recent, err := callStore(ctx, e, func(ctx context.Context) ([]*swarm.Proposal, error) {
		return e.store.ListRecentProposals(ctx, e.cfg.SwarmID, since, 100)
	})
	if err != nil {
		slog.Error("consensus metrics collection failed", "error", err)
		return
	}

	var sum time.Duration
	n := 0
	for _, p := range recent {
		if !p.Status.Terminal() {
			continue
		}
		if l, ok := voteLatency(p); ok {
			sum += l
			n++
		}
	}
	if n == 0 {
		return
	}

	e.metricsMu.Lock()
	avg := ema(float64(e.metrics.AvgLatency), float64(sum/time.Duration(n)), e.latencySeeded)
	e.metrics.AvgLatency = time.Duration(avg)
	e.latencySeeded = true
	e.metrics.UpdatedAt = e.now()
	snapshot := e.metrics
	e.metricsMu.Unlock()

	e.emit(events.MetricsUpdated, e.cfg.SwarmID, map[string]any{
		"sampled":           n,
		"avg_latency":       snapshot.AvgLatency.String(),
		"avg_participation": snapshot.AvgParticipation,
	})
}
