package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/analysis"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/swarm"
)

type memStore struct {
	mu        sync.Mutex
	proposals map[string]*swarm.Proposal
	tasks     map[string]*swarm.Task
	failNext  error
	// failUpdates rejects that many UpdateProposal calls.
	failUpdates int
}

func newMemStore() *memStore {
	return &memStore{
		proposals: make(map[string]*swarm.Proposal),
		tasks:     make(map[string]*swarm.Task),
	}
}

func (s *memStore) fail() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memStore) CreateProposal(_ context.Context, p *swarm.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *memStore) GetProposal(_ context.Context, id string) (*swarm.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s *memStore) UpdateProposal(_ context.Context, p *swarm.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates > 0 {
		s.failUpdates--
		return errors.New("disk full")
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *memStore) SubmitVote(_ context.Context, v swarm.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if p, ok := s.proposals[v.ProposalID]; ok {
		p.Votes[v.AgentID] = v
	}
	return nil
}

func (s *memStore) ListRecentProposals(_ context.Context, swarmID string, since time.Time, limit int) ([]*swarm.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*swarm.Proposal
	for _, p := range s.proposals {
		if p.SwarmID == swarmID && p.CreatedAt.After(since) && len(out) < limit {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *memStore) GetTask(_ context.Context, id string) (*swarm.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (s *memStore) UpdateTask(_ context.Context, t *swarm.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

type recMessenger struct {
	mu        sync.Mutex
	broadcast []swarm.Message
}

func (m *recMessenger) SendToAgent(context.Context, string, swarm.Message) error { return nil }

func (m *recMessenger) Broadcast(_ context.Context, _ string, msg swarm.Message) error {
	m.mu.Lock()
	m.broadcast = append(m.broadcast, msg)
	m.mu.Unlock()
	return nil
}

func (m *recMessenger) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.broadcast {
		out = append(out, msg.Type)
	}
	return out
}

type eventLog struct {
	mu   sync.Mutex
	seen map[events.Type]int
}

func (l *eventLog) Emit(e events.Event) {
	l.mu.Lock()
	if l.seen == nil {
		l.seen = make(map[events.Type]int)
	}
	l.seen[e.Type]++
	l.mu.Unlock()
}

func (l *eventLog) count(t events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[t]
}

func newEngine(t *testing.T, cfg Config) (*Engine, *memStore, *recMessenger, *eventLog) {
	t.Helper()
	store := newMemStore()
	msgr := &recMessenger{}
	log := &eventLog{}
	if cfg.SwarmID == "" {
		cfg.SwarmID = "s1"
	}
	e := New(cfg, Deps{Store: store, Messenger: msgr, Sink: log})
	t.Cleanup(e.Shutdown)
	return e, store, msgr, log
}

func vote(id, agent string, approve bool) swarm.Vote {
	return swarm.Vote{ProposalID: id, AgentID: agent, Approve: approve}
}

func TestThresholdWithEligibleVoters(t *testing.T) {
	ctx := context.Background()
	e, store, msgr, log := newEngine(t, Config{})

	p, err := e.CreateProposal(ctx, &swarm.Proposal{
		Description:       "merge the parser rewrite",
		RequiredThreshold: 0.66,
		Voters:            []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != swarm.ProposalOpen || p.SwarmID != "s1" {
		t.Fatalf("unexpected proposal %+v", p)
	}

	got, err := e.SubmitVote(ctx, vote(p.ID, "a", true))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != swarm.ProposalOpen {
		t.Fatalf("expected open after 1/3, got %s", got.Status)
	}
	got, err = e.SubmitVote(ctx, vote(p.ID, "b", true))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != swarm.ProposalAchieved {
		t.Fatalf("expected achieved after 2/3, got %s", got.Status)
	}

	stored, _ := store.GetProposal(ctx, p.ID)
	if stored.Status != swarm.ProposalAchieved || stored.ResolvedAt == nil {
		t.Fatalf("expected persisted achieved proposal, got %+v", stored)
	}
	if _, err := e.SubmitVote(ctx, vote(p.ID, "c", false)); !errors.Is(err, swarm.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after resolution, got %v", err)
	}
	if log.count(events.ConsensusAchieved) != 1 {
		t.Error("expected consensus_achieved event")
	}
	if types := msgr.types(); len(types) != 2 || types[0] != MsgVoteRequest || types[1] != MsgResult {
		t.Errorf("unexpected broadcasts %v", types)
	}
}

func TestRejectedWhenAllVotedShort(t *testing.T) {
	ctx := context.Background()
	e, _, _, log := newEngine(t, Config{})

	p, _ := e.CreateProposal(ctx, &swarm.Proposal{
		Description:       "switch to tabs",
		RequiredThreshold: 0.66,
		Voters:            []string{"a", "b", "c"},
	})
	e.SubmitVote(ctx, vote(p.ID, "a", true))
	e.SubmitVote(ctx, vote(p.ID, "b", false))
	got, err := e.SubmitVote(ctx, vote(p.ID, "c", false))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != swarm.ProposalRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	if log.count(events.ConsensusRejected) != 1 {
		t.Error("expected consensus_rejected event")
	}
	if m := e.GetMetrics(); m.Rejected != 1 || m.Achieved != 0 || m.TotalProposals != 1 || m.VotesCast != 3 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestLastVoteWins(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newEngine(t, Config{})

	p, _ := e.CreateProposal(ctx, &swarm.Proposal{
		Description:       "bump go version",
		RequiredThreshold: 1.0,
		Voters:            []string{"a", "b"},
	})
	e.SubmitVote(ctx, vote(p.ID, "a", false))
	got, _ := e.SubmitVote(ctx, vote(p.ID, "a", true))
	if len(got.Votes) != 1 || !got.Votes["a"].Approve {
		t.Fatalf("expected a single approving vote from a, got %+v", got.Votes)
	}
	if got.Status != swarm.ProposalOpen {
		t.Fatalf("expected open while b is pending, got %s", got.Status)
	}

	read, err := e.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if read.ApprovalRatio() != 0.5 {
		t.Fatalf("expected ratio 0.5 immediately, got %v", read.ApprovalRatio())
	}
}

func TestInvalidVotes(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newEngine(t, Config{})
	p, _ := e.CreateProposal(ctx, &swarm.Proposal{Description: "x", Voters: []string{"a"}})

	if _, err := e.SubmitVote(ctx, vote("nope", "a", true)); !errors.Is(err, swarm.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.SubmitVote(ctx, vote(p.ID, "", true)); !errors.Is(err, swarm.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing agent, got %v", err)
	}
	if _, err := e.SubmitVote(ctx, vote(p.ID, "mallory", true)); !errors.Is(err, swarm.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for ineligible voter, got %v", err)
	}

	e.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := e.SubmitVote(ctx, vote(p.ID, "a", true)); !errors.Is(err, swarm.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput after deadline, got %v", err)
	}
}

func TestCreateProposalValidation(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newEngine(t, Config{})

	tests := []struct {
		name string
		p    *swarm.Proposal
	}{
		{"no description", &swarm.Proposal{}},
		{"threshold too high", &swarm.Proposal{Description: "x", RequiredThreshold: 1.5}},
		{"past deadline", &swarm.Proposal{Description: "x", Deadline: time.Now().Add(-time.Second)}},
		{"unknown strategy", &swarm.Proposal{Description: "x", Strategy: "dictator"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.CreateProposal(ctx, tt.p); !errors.Is(err, swarm.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	store.failNext = errors.New("disk full")
	if _, err := e.CreateProposal(ctx, &swarm.Proposal{ID: "p1", Description: "x"}); !errors.Is(err, swarm.ErrExternalPort) {
		t.Fatalf("expected ErrExternalPort, got %v", err)
	}
	if len(e.ActiveProposals()) != 0 {
		t.Fatal("unpersisted proposal must not be tracked")
	}
}

func TestVotePersistFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newEngine(t, Config{})
	p, _ := e.CreateProposal(ctx, &swarm.Proposal{Description: "x", Voters: []string{"a", "b"}})

	store.failNext = errors.New("locked")
	if _, err := e.SubmitVote(ctx, vote(p.ID, "a", true)); !errors.Is(err, swarm.ErrExternalPort) {
		t.Fatalf("expected ErrExternalPort, got %v", err)
	}
	got, _ := e.GetProposal(ctx, p.ID)
	if len(got.Votes) != 0 {
		t.Fatalf("expected no votes recorded, got %v", got.Votes)
	}
}

func TestDeadlineTimerRejects(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newEngine(t, Config{})

	p, err := e.CreateProposal(ctx, &swarm.Proposal{
		Description: "x",
		Voters:      []string{"a", "b"},
		Deadline:    time.Now().Add(30 * time.Millisecond),
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := store.GetProposal(ctx, p.ID); s.Status == swarm.ProposalRejected {
			if len(e.ActiveProposals()) != 0 {
				t.Fatal("expected proposal removed from active table")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("deadline did not reject the proposal")
}

func TestDeadlineHandlerIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, _, log := newEngine(t, Config{})
	p, _ := e.CreateProposal(ctx, &swarm.Proposal{Description: "x", Voters: []string{"a"}})

	e.handleVotingDeadline(ctx, p.ID)
	if got, _ := e.GetProposal(ctx, p.ID); got.Status != swarm.ProposalOpen {
		t.Fatalf("deadline handler must not reject early, got %s", got.Status)
	}

	e.now = func() time.Time { return time.Now().Add(time.Hour) }
	e.handleVotingDeadline(ctx, p.ID)
	e.handleVotingDeadline(ctx, p.ID)
	e.sweepDeadlines(ctx)

	if log.count(events.ConsensusRejected) != 1 {
		t.Fatalf("expected exactly one rejection, got %d", log.count(events.ConsensusRejected))
	}
	if m := e.GetMetrics(); m.Rejected != 1 {
		t.Fatalf("expected one rejected in metrics, got %d", m.Rejected)
	}
}

func TestForceConsensusCheck(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newEngine(t, Config{})
	p, _ := e.CreateProposal(ctx, &swarm.Proposal{Description: "x"})

	got, err := e.ForceConsensusCheck(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != swarm.ProposalOpen {
		t.Fatalf("expected open without votes, got %s", got.Status)
	}

	e.now = func() time.Time { return time.Now().Add(time.Hour) }
	got, _ = e.ForceConsensusCheck(ctx, p.ID)
	if got.Status != swarm.ProposalRejected {
		t.Fatalf("expected rejected past deadline, got %s", got.Status)
	}

	got, err = e.ForceConsensusCheck(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != swarm.ProposalRejected {
		t.Fatalf("expected stored rejected proposal, got %s", got.Status)
	}
	if _, err := e.ForceConsensusCheck(ctx, "missing"); !errors.Is(err, swarm.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskActions(t *testing.T) {
	tests := []struct {
		name   string
		action string
		extra  map[string]any
		check  func(t *testing.T, task *swarm.Task)
	}{
		{"approve", swarm.ActionApproveTask, nil, func(t *testing.T, task *swarm.Task) {
			if task.Metadata["approved"] != true {
				t.Fatalf("expected approved metadata, got %v", task.Metadata)
			}
		}},
		{"cancel", swarm.ActionCancelTask, nil, func(t *testing.T, task *swarm.Task) {
			if task.Status != swarm.TaskCancelled {
				t.Fatalf("expected cancelled, got %s", task.Status)
			}
		}},
		{"modify", swarm.ActionModifyTask, map[string]any{"changes": map[string]any{"priority": 7.0, "description": "narrower"}}, func(t *testing.T, task *swarm.Task) {
			if task.Priority != 7 || task.Description != "narrower" {
				t.Fatalf("expected modified task, got %+v", task)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, store, _, _ := newEngine(t, Config{})
			var hooked string
			e.onTask = func(_ context.Context, action string, _ *swarm.Task) { hooked = action }
			store.tasks["t1"] = &swarm.Task{ID: "t1", Status: swarm.TaskPending, Description: "wide"}

			payload := map[string]any{"action": tt.action}
			for k, v := range tt.extra {
				payload[k] = v
			}
			p, err := e.CreateProposal(ctx, &swarm.Proposal{Description: "x", TaskID: "t1", Payload: payload, Voters: []string{"a"}})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := e.SubmitVote(ctx, vote(p.ID, "a", true)); err != nil {
				t.Fatal(err)
			}
			task, _ := store.GetTask(ctx, "t1")
			tt.check(t, task)
			if hooked != tt.action {
				t.Errorf("expected hook for %s, got %q", tt.action, hooked)
			}
		})
	}
}

func TestRejectedProposalDoesNotApplyAction(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newEngine(t, Config{})
	store.tasks["t1"] = &swarm.Task{ID: "t1", Status: swarm.TaskPending}

	p, _ := e.CreateProposal(ctx, &swarm.Proposal{Description: "x", TaskID: "t1", Payload: map[string]any{"action": swarm.ActionCancelTask}, Voters: []string{"a"}})
	e.SubmitVote(ctx, vote(p.ID, "a", false))

	if task, _ := store.GetTask(ctx, "t1"); task.Status != swarm.TaskPending {
		t.Fatalf("expected task untouched, got %s", task.Status)
	}
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		threshold float64
		explicit  string
		want      Strategy
	}{
		{1.0, "", Unanimous},
		{0.66, "", Supermajority},
		{0.8, "", Supermajority},
		{0.5, "", SimpleMajority},
		{0.5, "weighted", Weighted},
	}
	for _, tt := range tests {
		p := &swarm.Proposal{RequiredThreshold: tt.threshold, Strategy: tt.explicit}
		if got := StrategyFor(p); got != tt.want {
			t.Errorf("threshold %v strategy %q: expected %s, got %s", tt.threshold, tt.explicit, tt.want, got)
		}
	}
}

type fixedAnalyzer struct {
	res analysis.Result
	err error
}

func (f fixedAnalyzer) Analyze(context.Context, analysis.Request) (analysis.Result, error) {
	return f.res, f.err
}

func TestVotingRecommendation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := New(Config{}, Deps{Store: store, Analyzer: fixedAnalyzer{res: analysis.Result{
		Approve:      true,
		Confidence:   0.8,
		Complexity:   0.3,
		Capabilities: []string{"database"},
		Risks:        []string{"drop"},
		Source:       "fixed",
	}}})
	t.Cleanup(e.Shutdown)

	cases := []struct {
		threshold float64
		strategy  string
		approve   bool
		conf      float64
	}{
		{0.5, "", true, 0.8},
		{0.7, "", true, 0.72},
		{1.0, "", false, 0.64},
		{0.5, "weighted", true, 0.8},
	}
	for _, c := range cases {
		p, err := e.CreateProposal(ctx, &swarm.Proposal{Description: "tune the database index", RequiredThreshold: c.threshold, Strategy: c.strategy})
		if err != nil {
			t.Fatal(err)
		}
		rec, err := e.GetVotingRecommendation(ctx, p.ID, "agent-1", "database-specialist")
		if err != nil {
			t.Fatal(err)
		}
		if rec.Approve != c.approve || rec.Confidence != c.conf {
			t.Errorf("%s: expected approve=%v conf=%v, got approve=%v conf=%v", rec.Strategy, c.approve, c.conf, rec.Approve, rec.Confidence)
		}
		if rec.AgentID != "agent-1" || rec.Reasoning == "" || len(rec.Factors) == 0 {
			t.Errorf("incomplete recommendation %+v", rec)
		}
	}

	if _, err := e.GetVotingRecommendation(ctx, "missing", "a", ""); !errors.Is(err, swarm.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecommendationFallsBackOnAnalyzerError(t *testing.T) {
	ctx := context.Background()
	e := New(Config{}, Deps{Analyzer: fixedAnalyzer{err: errors.New("offline")}})
	t.Cleanup(e.Shutdown)
	p, _ := e.CreateProposal(ctx, &swarm.Proposal{Description: "add readme section"})

	rec, err := e.GetVotingRecommendation(ctx, p.ID, "a", "writer")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Source != analysis.SourceHeuristic || !rec.Approve {
		t.Fatalf("expected heuristic approval, got %+v", rec)
	}
}

func TestMetricsCollection(t *testing.T) {
	ctx := context.Background()
	e, _, _, log := newEngine(t, Config{})

	p, _ := e.CreateProposal(ctx, &swarm.Proposal{Description: "x", RequiredThreshold: 1.0, Voters: []string{"a", "b"}})
	e.SubmitVote(ctx, vote(p.ID, "a", true))
	e.SubmitVote(ctx, vote(p.ID, "b", true))

	e.collectMetrics(ctx)
	m := e.GetMetrics()
	if m.Achieved != 1 || m.AvgParticipation != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if m.AvgLatency < 0 {
		t.Fatalf("negative latency %v", m.AvgLatency)
	}
	if log.count(events.MetricsUpdated) != 1 {
		t.Error("expected metrics_updated event")
	}
}

func TestOutcomeSurvivesFailedPersist(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newEngine(t, Config{MonitorInterval: 20 * time.Millisecond})

	p, err := e.CreateProposal(ctx, &swarm.Proposal{
		Description:       "rotate keys",
		RequiredThreshold: 0.5,
		Voters:            []string{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	store.failUpdates = 1
	store.mu.Unlock()

	got, err := e.SubmitVote(ctx, vote(p.ID, "a", true))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != swarm.ProposalAchieved {
		t.Fatalf("expected achieved, got %s", got.Status)
	}
	if stored, _ := store.GetProposal(ctx, p.ID); stored.Status != swarm.ProposalOpen {
		t.Fatalf("expected failed write to leave the store open, got %s", stored.Status)
	}

	read, err := e.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if read.Status != swarm.ProposalAchieved {
		t.Fatalf("expected achieved on read back, got %s", read.Status)
	}
	if read, _ := e.ForceConsensusCheck(ctx, p.ID); read.Status != swarm.ProposalAchieved {
		t.Fatalf("expected achieved from force check, got %s", read.Status)
	}

	e.Start()
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, _ := store.GetProposal(ctx, p.ID)
		if stored.Status == swarm.ProposalAchieved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected monitor to persist the outcome")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeadlineOutcomeSurvivesFailedPersist(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newEngine(t, Config{})

	p, err := e.CreateProposal(ctx, &swarm.Proposal{
		Description: "expire",
		Voters:      []string{"a", "b"},
		Deadline:    time.Now().Add(30 * time.Millisecond),
	})
	if err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	store.failUpdates = 10
	store.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := e.GetProposal(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == swarm.ProposalRejected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected rejected after deadline, got %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	store.mu.Lock()
	store.failUpdates = 0
	store.mu.Unlock()
	e.Shutdown()
	if stored, _ := store.GetProposal(ctx, p.ID); stored.Status != swarm.ProposalRejected {
		t.Fatalf("expected shutdown to flush the outcome, got %s", stored.Status)
	}
}

func TestShutdownClearsActive(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newEngine(t, Config{MonitorInterval: 10 * time.Millisecond})
	e.Start()
	e.Start()
	p, _ := e.CreateProposal(ctx, &swarm.Proposal{Description: "x"})

	e.Shutdown()
	e.Shutdown()
	if len(e.ActiveProposals()) != 0 {
		t.Fatal("expected active proposals cleared")
	}
	if _, err := e.SubmitVote(ctx, vote(p.ID, "a", true)); !errors.Is(err, swarm.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after shutdown, got %v", err)
	}
	if _, err := e.CreateProposal(ctx, &swarm.Proposal{Description: "y"}); err == nil {
		t.Fatal("expected create to fail after shutdown")
	}
}

func TestConcurrentVotes(t *testing.T) {
	ctx := context.Background()
	e, _, _, log := newEngine(t, Config{})
	voters := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	p, _ := e.CreateProposal(ctx, &swarm.Proposal{Description: "x", RequiredThreshold: 0.5, Voters: voters})

	var wg sync.WaitGroup
	for _, v := range voters {
		wg.Go(func() {
			e.SubmitVote(ctx, vote(p.ID, v, true))
		})
	}
	wg.Wait()

	if log.count(events.ConsensusAchieved) != 1 {
		t.Fatalf("expected exactly one achievement, got %d", log.count(events.ConsensusAchieved))
	}
}
