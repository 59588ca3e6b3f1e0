// Package consensus runs proposal voting across a swarm's agents: proposals
// collect one vote per agent until the approval threshold is reached, every
// eligible voter has answered, or the deadline passes.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/analysis"
	"github.com/mtzanidakis/hive/internal/breaker"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/schedule"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// Store is the persistence port. Get methods return (nil, nil) when the
// record does not exist.
type Store interface {
	CreateProposal(ctx context.Context, p *swarm.Proposal) error
	GetProposal(ctx context.Context, id string) (*swarm.Proposal, error)
	UpdateProposal(ctx context.Context, p *swarm.Proposal) error
	SubmitVote(ctx context.Context, v swarm.Vote) error
	ListRecentProposals(ctx context.Context, swarmID string, since time.Time, limit int) ([]*swarm.Proposal, error)
	GetTask(ctx context.Context, id string) (*swarm.Task, error)
	UpdateTask(ctx context.Context, t *swarm.Task) error
}

// Messenger is the messaging port used for vote requests and results.
type Messenger interface {
	SendToAgent(ctx context.Context, agentID string, msg swarm.Message) error
	Broadcast(ctx context.Context, swarmID string, msg swarm.Message) error
}

// TaskHook observes task actions applied by achieved proposals.
type TaskHook func(ctx context.Context, action string, task *swarm.Task)

// Message types sent by the engine.
const (
	MsgVoteRequest = "vote_request"
	MsgResult      = "consensus_result"
)

type Config struct {
	SwarmID          string
	MonitorInterval  time.Duration
	DeadlineInterval time.Duration
	MetricsInterval  time.Duration
	MetricsWindow    time.Duration
	DefaultDeadline  time.Duration
	DefaultThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.DeadlineInterval <= 0 {
		c.DeadlineInterval = time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Minute
	}
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = time.Hour
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 5 * time.Minute
	}
	if c.DefaultThreshold <= 0 || c.DefaultThreshold > 1 {
		c.DefaultThreshold = 0.5
	}
	return c
}

// Deps are the engine's collaborators. Store and Messenger may be nil for a
// memory-only engine; a nil Analyzer uses the heuristic.
type Deps struct {
	Store     Store
	Messenger Messenger
	Analyzer  analysis.Analyzer
	Breakers  *breaker.Set
	Sink      events.Sink
	OnTask    TaskHook
}

type tracked struct {
	mu sync.Mutex
	p  *swarm.Proposal
}

// maxResolved bounds the saved outcomes kept in memory. Outcomes the store
// has not accepted yet are never evicted.
const maxResolved = 256

const shutdownFlushTimeout = 5 * time.Second

type outcome struct {
	p     *swarm.Proposal
	saved bool
}

type Engine struct {
	cfg       Config
	store     Store
	messenger Messenger
	analyzer  analysis.Analyzer
	breakers  *breaker.Set
	sink      events.Sink
	onTask    TaskHook
	now       func() time.Time

	mu       sync.RWMutex
	active   map[string]*tracked
	resolved map[string]*outcome
	order    []string
	group    *schedule.Group
	started bool
	closed  bool

	metricsMu           sync.Mutex
	metrics             Metrics
	participationSeeded bool
	latencySeeded       bool
}

func New(cfg Config, deps Deps) *Engine {
	if deps.Sink == nil {
		deps.Sink = events.Nop
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analysis.Heuristic{}
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewSet(breaker.DefaultConfig(), nil)
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		messenger: deps.Messenger,
		analyzer:  deps.Analyzer,
		breakers:  deps.Breakers,
		sink:      deps.Sink,
		onTask:    deps.OnTask,
		now:       time.Now,
		active:    make(map[string]*tracked),
		resolved:  make(map[string]*outcome),
		group:     schedule.NewGroup("consensus"),
	}
}

// Start runs the monitor, deadline sweep and metrics loops. It is a no-op
// when already started or shut down.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	e.group.Every("monitor", e.cfg.MonitorInterval, e.monitor)
	e.group.Every("deadlines", e.cfg.DeadlineInterval, e.sweepDeadlines)
	e.group.Every("metrics", e.cfg.MetricsInterval, e.collectMetrics)
	slog.Info("consensus engine started", "swarm", e.cfg.SwarmID, "monitor", e.cfg.MonitorInterval)
}

// Shutdown stops every loop and deadline timer and forgets active
// proposals. Persisted history is untouched.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	n := len(e.active)
	clear(e.active)
	e.mu.Unlock()

	e.group.Stop()

	// Last attempt at outcomes the store rejected earlier
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	e.retryOutcomes(ctx)
	cancel()

	e.mu.Lock()
	var unsaved int
	for _, o := range e.resolved {
		if !o.saved {
			unsaved++
		}
	}
	clear(e.resolved)
	e.order = nil
	e.mu.Unlock()

	if unsaved > 0 {
		slog.Warn("consensus outcomes not persisted", "swarm", e.cfg.SwarmID, "count", unsaved)
	}
	slog.Info("consensus engine stopped", "swarm", e.cfg.SwarmID, "dropped_active", n)
}

// CreateProposal persists p, starts tracking it and asks the swarm to vote.
// A proposal that fails to persist is not tracked.
func (e *Engine) CreateProposal(ctx context.Context, p *swarm.Proposal) (*swarm.Proposal, error) {
	if p == nil || p.Description == "" {
		return nil, swarm.InvalidInput("create proposal", "description is required")
	}
	now := e.now()
	p = p.Clone()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.SwarmID == "" {
		p.SwarmID = e.cfg.SwarmID
	}
	if p.RequiredThreshold == 0 {
		p.RequiredThreshold = e.cfg.DefaultThreshold
	}
	if p.RequiredThreshold < 0 || p.RequiredThreshold > 1 {
		return nil, swarm.InvalidInput("create proposal", "threshold %v outside [0,1]", p.RequiredThreshold)
	}
	if p.Strategy != "" && !Strategy(p.Strategy).Valid() {
		return nil, swarm.InvalidInput("create proposal", "unknown strategy %q", p.Strategy)
	}
	if p.Deadline.IsZero() {
		p.Deadline = now.Add(e.cfg.DefaultDeadline)
	}
	if !p.Deadline.After(now) {
		return nil, swarm.InvalidInput("create proposal", "deadline %s is in the past", p.Deadline.Format(time.RFC3339))
	}
	p.Voters = slices.Compact(slices.Sorted(slices.Values(p.Voters)))
	p.Status = swarm.ProposalOpen
	p.Votes = make(map[string]swarm.Vote)
	p.CreatedAt = now
	p.ResolvedAt = nil

	e.mu.RLock()
	closed := e.closed
	_, dup := e.active[p.ID]
	e.mu.RUnlock()
	if closed {
		return nil, swarm.InvalidInput("create proposal", "engine is shut down")
	}
	if dup {
		return nil, swarm.InvalidInput("create proposal", "proposal %q already active", p.ID)
	}

	if e.store != nil {
		if err := e.execStore(ctx, func(ctx context.Context) error { return e.store.CreateProposal(ctx, p) }); err != nil {
			return nil, fmt.Errorf("create proposal: %w", err)
		}
	}

	out := p.Clone()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, swarm.InvalidInput("create proposal", "engine is shut down")
	}
	e.active[p.ID] = &tracked{p: p}
	e.mu.Unlock()

	id := p.ID
	e.group.After(timerKey(id), out.Deadline.Sub(now), func(ctx context.Context) {
		e.handleVotingDeadline(ctx, id)
	})

	e.metricsMu.Lock()
	e.metrics.TotalProposals++
	e.metricsMu.Unlock()

	slog.Info("proposal created", "id", id, "swarm", out.SwarmID, "threshold", out.RequiredThreshold, "voters", len(out.Voters), "deadline", out.Deadline)
	e.emit(events.ProposalCreated, id, map[string]any{
		"task_id":   out.TaskID,
		"threshold": out.RequiredThreshold,
		"deadline":  out.Deadline,
	})
	e.broadcast(ctx, out.SwarmID, MsgVoteRequest, map[string]any{
		"proposal_id": id,
		"description": out.Description,
		"task_id":     out.TaskID,
		"threshold":   out.RequiredThreshold,
		"voters":      out.Voters,
		"deadline":    out.Deadline,
	})
	return out, nil
}

// SubmitVote records v, replacing the agent's earlier vote, and re-evaluates
// the proposal. It returns the proposal state after evaluation.
func (e *Engine) SubmitVote(ctx context.Context, v swarm.Vote) (*swarm.Proposal, error) {
	if v.ProposalID == "" || v.AgentID == "" {
		return nil, InvalidVote("proposal and agent ids are required")
	}
	tr := e.lookup(v.ProposalID)
	if tr == nil {
		return nil, ProposalNotFound(v.ProposalID)
	}

	tr.mu.Lock()
	p := tr.p
	if p.Status.Terminal() {
		tr.mu.Unlock()
		return nil, ProposalNotFound(v.ProposalID)
	}
	now := e.now()
	if now.After(p.Deadline) {
		tr.mu.Unlock()
		return nil, InvalidVote("proposal %s closed for voting at %s", p.ID, p.Deadline.Format(time.RFC3339))
	}
	if !p.IsVoter(v.AgentID) {
		tr.mu.Unlock()
		return nil, InvalidVote("agent %s is not eligible to vote on %s", v.AgentID, p.ID)
	}
	v.CastAt = now

	if e.store != nil {
		if err := e.execStore(ctx, func(ctx context.Context) error { return e.store.SubmitVote(ctx, v) }); err != nil {
			tr.mu.Unlock()
			return nil, fmt.Errorf("submit vote: %w", err)
		}
	}
	p.Votes[v.AgentID] = v
	resolved := e.checkConsensus(p, false)
	out := p.Clone()
	tr.mu.Unlock()

	e.metricsMu.Lock()
	e.metrics.VotesCast++
	e.metricsMu.Unlock()

	positive, cast := out.Tally()
	slog.Debug("vote submitted", "proposal", v.ProposalID, "agent", v.AgentID, "approve", v.Approve, "positive", positive, "cast", cast)
	e.emit(events.VoteSubmitted, v.ProposalID, map[string]any{
		"agent":   v.AgentID,
		"approve": v.Approve,
		"ratio":   out.ApprovalRatio(),
	})

	if resolved {
		e.finalize(ctx, out)
	}
	return out, nil
}

// checkConsensus decides p under its lock and reports whether it just
// reached a terminal status. Past the deadline a proposal that has not met
// its threshold is rejected.
func (e *Engine) checkConsensus(p *swarm.Proposal, deadline bool) bool {
	if p.Status.Terminal() {
		return false
	}

	positive, cast := p.Tally()
	status := swarm.ProposalOpen
	switch {
	case cast > 0 && p.ApprovalRatio() >= p.RequiredThreshold:
		status = swarm.ProposalAchieved
	case deadline:
		status = swarm.ProposalRejected
	case len(p.Voters) > 0 && allVoted(p):
		status = swarm.ProposalRejected
	}
	if status == swarm.ProposalOpen {
		return false
	}

	now := e.now()
	p.Status = status
	p.ResolvedAt = &now
	slog.Info("proposal resolved", "id", p.ID, "status", status, "positive", positive, "cast", cast, "deadline", deadline)
	return true
}

func allVoted(p *swarm.Proposal) bool {
	for _, id := range p.Voters {
		if _, ok := p.Votes[id]; !ok {
			return false
		}
	}
	return true
}

// handleVotingDeadline rejects p if it is still open past its deadline. Both
// the sweep and the per-proposal timer call it, so it tolerates repeats.
func (e *Engine) handleVotingDeadline(ctx context.Context, id string) {
	tr := e.lookup(id)
	if tr == nil {
		return
	}
	tr.mu.Lock()
	if e.now().Before(tr.p.Deadline) {
		tr.mu.Unlock()
		return
	}
	resolved := e.checkConsensus(tr.p, true)
	out := tr.p.Clone()
	tr.mu.Unlock()

	if resolved {
		e.finalize(ctx, out)
	}
}

// finalize runs once per proposal, by whichever caller resolved it. The
// outcome moves to the resolved table in the same step that drops it from
// the active one, so reads never fall back to a stale stored copy.
func (e *Engine) finalize(ctx context.Context, p *swarm.Proposal) {
	e.mu.Lock()
	delete(e.active, p.ID)
	if !e.closed {
		e.resolved[p.ID] = &outcome{p: p.Clone()}
		e.order = append(e.order, p.ID)
	}
	e.mu.Unlock()
	e.group.Cancel(timerKey(p.ID))

	e.recordResolution(p)
	e.persistOutcome(ctx, p)

	positive, cast := p.Tally()
	typ := events.ConsensusRejected
	if p.Status == swarm.ProposalAchieved {
		typ = events.ConsensusAchieved
	}
	e.emit(typ, p.ID, map[string]any{
		"task_id":  p.TaskID,
		"positive": positive,
		"cast":     cast,
		"ratio":    p.ApprovalRatio(),
	})
	e.broadcast(ctx, p.SwarmID, MsgResult, map[string]any{
		"proposal_id": p.ID,
		"status":      p.Status,
		"ratio":       p.ApprovalRatio(),
		"positive":    positive,
		"cast":        cast,
	})

	if p.Status == swarm.ProposalAchieved && p.TaskID != "" && p.Action() != "" {
		if err := e.applyTaskAction(ctx, p); err != nil {
			slog.Warn("task action not applied", "proposal", p.ID, "task", p.TaskID, "action", p.Action(), "error", err)
		}
	}
}

// applyTaskAction carries out an achieved proposal's action on its task.
func (e *Engine) applyTaskAction(ctx context.Context, p *swarm.Proposal) error {
	action := p.Action()
	switch action {
	case swarm.ActionApproveTask, swarm.ActionModifyTask, swarm.ActionCancelTask:
	default:
		return swarm.InvalidInput("apply task action", "unknown action %q", action)
	}
	if e.store == nil {
		return swarm.InvalidInput("apply task action", "no task store")
	}

	task, err := callStore(ctx, e, func(ctx context.Context) (*swarm.Task, error) {
		return e.store.GetTask(ctx, p.TaskID)
	})
	if err != nil {
		return err
	}
	if task == nil {
		return swarm.NotFound("apply task action", "task %q", p.TaskID)
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}

	switch action {
	case swarm.ActionApproveTask:
		task.Metadata["approved"] = true
		task.Metadata["approved_by"] = p.ID
	case swarm.ActionModifyTask:
		changes, _ := p.Payload["changes"].(map[string]any)
		applyChanges(task, changes)
		task.Metadata["modified_by"] = p.ID
	case swarm.ActionCancelTask:
		if !task.Status.Terminal() {
			task.Status = swarm.TaskCancelled
		}
		task.Metadata["cancelled_by"] = p.ID
	}

	if err := e.execStore(ctx, func(ctx context.Context) error { return e.store.UpdateTask(ctx, task) }); err != nil {
		return err
	}

	slog.Info("task action applied", "proposal", p.ID, "task", task.ID, "action", action)
	e.emit(events.TaskActionApplied, task.ID, map[string]any{"proposal_id": p.ID, "action": action})
	if e.onTask != nil {
		e.onTask(ctx, action, task.Clone())
	}
	return nil
}

func applyChanges(t *swarm.Task, changes map[string]any) {
	if v, ok := changes["description"].(string); ok && v != "" {
		t.Description = v
	}
	if v, ok := changes["type"].(string); ok && v != "" {
		t.Type = v
	}
	switch v := changes["priority"].(type) {
	case int:
		t.Priority = v
	case float64:
		t.Priority = int(v)
	}
	if v, ok := changes["metadata"].(map[string]any); ok {
		maps.Copy(t.Metadata, v)
	}
}

// ForceConsensusCheck re-evaluates an active proposal now, including its
// deadline. Resolved proposals are returned as they are.
func (e *Engine) ForceConsensusCheck(ctx context.Context, id string) (*swarm.Proposal, error) {
	tr := e.lookup(id)
	if tr == nil {
		return e.GetProposal(ctx, id)
	}
	tr.mu.Lock()
	resolved := e.checkConsensus(tr.p, !e.now().Before(tr.p.Deadline))
	out := tr.p.Clone()
	tr.mu.Unlock()

	if resolved {
		e.finalize(ctx, out)
	}
	return out, nil
}

// GetProposal returns the live proposal, a recently resolved one, or the
// persisted copy.
func (e *Engine) GetProposal(ctx context.Context, id string) (*swarm.Proposal, error) {
	if tr := e.lookup(id); tr != nil {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.p.Clone(), nil
	}
	e.mu.RLock()
	o := e.resolved[id]
	var p *swarm.Proposal
	if o != nil {
		p = o.p.Clone()
	}
	e.mu.RUnlock()
	if p != nil {
		return p, nil
	}
	if e.store == nil {
		return nil, ProposalNotFound(id)
	}
	p, err := callStore(ctx, e, func(ctx context.Context) (*swarm.Proposal, error) {
		return e.store.GetProposal(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if p == nil {
		return nil, ProposalNotFound(id)
	}
	return p, nil
}

// ActiveProposals returns open proposals, oldest first.
func (e *Engine) ActiveProposals() []*swarm.Proposal {
	e.mu.RLock()
	trs := slices.Collect(maps.Values(e.active))
	e.mu.RUnlock()

	out := make([]*swarm.Proposal, 0, len(trs))
	for _, tr := range trs {
		tr.mu.Lock()
		out = append(out, tr.p.Clone())
		tr.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *swarm.Proposal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// GetVotingRecommendation analyses the proposal for agentID and maps the
// result through the proposal's strategy. It never casts a vote.
func (e *Engine) GetVotingRecommendation(ctx context.Context, proposalID, agentID, agentType string) (Recommendation, error) {
	p, err := e.GetProposal(ctx, proposalID)
	if err != nil {
		return Recommendation{}, err
	}

	req := analysis.Request{
		Kind:        "proposal",
		Description: p.Description,
		Action:      p.Action(),
		AgentID:     agentID,
		AgentType:   agentType,
		Metadata:    p.Payload,
	}
	res, err := e.analyzer.Analyze(ctx, req)
	if err != nil {
		slog.Warn("analysis failed, using heuristic", "proposal", proposalID, "error", err)
		res, _ = analysis.Heuristic{}.Analyze(ctx, req)
	}

	rec := StrategyFor(p).recommend(p, res, agentType)
	rec.AgentID = agentID
	return rec, nil
}

func (e *Engine) monitor(ctx context.Context) {
	for _, id := range e.activeIDs() {
		if _, err := e.ForceConsensusCheck(ctx, id); err != nil && !errors.Is(err, swarm.ErrNotFound) {
			slog.Error("consensus check failed", "proposal", id, "error", err)
		}
	}
	e.retryOutcomes(ctx)
}

// persistOutcome writes a resolved proposal to the store. A failed write
// leaves the outcome unsaved for retryOutcomes.
func (e *Engine) persistOutcome(ctx context.Context, p *swarm.Proposal) bool {
	if e.store != nil {
		if err := e.execStore(ctx, func(ctx context.Context) error { return e.store.UpdateProposal(ctx, p) }); err != nil {
			slog.Warn("failed to persist proposal outcome", "id", p.ID, "status", p.Status, "error", err)
			return false
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if o := e.resolved[p.ID]; o != nil {
		o.saved = true
	}
	e.trimResolved()
	return true
}

func (e *Engine) retryOutcomes(ctx context.Context) {
	e.mu.RLock()
	var pending []*swarm.Proposal
	for _, id := range e.order {
		if o := e.resolved[id]; !o.saved {
			pending = append(pending, o.p.Clone())
		}
	}
	e.mu.RUnlock()

	for _, p := range pending {
		if e.persistOutcome(ctx, p) {
			slog.Info("proposal outcome persisted on retry", "id", p.ID, "status", p.Status)
		}
	}
}

// trimResolved evicts the oldest saved outcomes past maxResolved. Callers
// hold mu.
func (e *Engine) trimResolved() {
	for len(e.order) > maxResolved {
		i := slices.IndexFunc(e.order, func(id string) bool { return e.resolved[id].saved })
		if i < 0 {
			return
		}
		delete(e.resolved, e.order[i])
		e.order = slices.Delete(e.order, i, i+1)
	}
}

func (e *Engine) sweepDeadlines(ctx context.Context) {
	for _, id := range e.activeIDs() {
		e.handleVotingDeadline(ctx, id)
	}
}

func (e *Engine) activeIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.active))
}

func (e *Engine) lookup(id string) *tracked {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[id]
}

func (e *Engine) broadcast(ctx context.Context, swarmID, typ string, payload map[string]any) {
	if e.messenger == nil {
		return
	}
	msg := swarm.Message{
		ID:      uuid.New().String(),
		SwarmID: swarmID,
		From:    "consensus",
		Type:    typ,
		Payload: payload,
		SentAt:  e.now(),
	}
	err := e.breakers.Get("messaging").Execute(ctx, func(ctx context.Context) error {
		return e.messenger.Broadcast(ctx, swarmID, msg)
	})
	if err != nil {
		slog.Warn("consensus broadcast failed", "type", typ, "swarm", swarmID, "error", err)
	}
}

func (e *Engine) execStore(ctx context.Context, fn func(context.Context) error) error {
	return portErr("store", e.breakers.Get("store").Execute(ctx, fn))
}

func callStore[T any](ctx context.Context, e *Engine, fn func(context.Context) (T, error)) (T, error) {
	v, err := breaker.Call(ctx, e.breakers.Get("store"), fn)
	return v, portErr("store", err)
}

func portErr(op string, err error) error {
	if err == nil || errors.Is(err, swarm.ErrCircuitOpen) {
		return err
	}
	return swarm.ExternalPort(op, err)
}

func (e *Engine) emit(typ events.Type, subject string, data map[string]any) {
	ev := events.New(typ, subject, data)
	ev.SwarmID = e.cfg.SwarmID
	e.sink.Emit(ev)
}

func timerKey(id string) string { return "deadline/" + id }
