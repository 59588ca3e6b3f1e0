package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/hive/internal/breaker"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/conflict"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/coordination"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/registry"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
)

type fixture struct {
	srv     *Server
	http    *httptest.Server
	manager *coordination.Manager
	events  *events.Emitter
}

func newFixture(t *testing.T, auth string) *fixture {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	emitter := events.NewEmitter()
	mgr := coordination.New(coordination.Config{SwarmID: "s1"}, coordination.Deps{Store: st, Sink: emitter})
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(mgr.Shutdown)

	engine := consensus.New(consensus.Config{SwarmID: "s1"}, consensus.Deps{Store: st, Sink: emitter})
	t.Cleanup(engine.Shutdown)

	reg := registry.New(st, mgr.Stealer(), "s1", map[string]config.AgentDefinition{
		"coder":  {Type: "backend", Priority: 2},
		"tester": {Type: "qa"},
	})
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	srv, err := NewServer("s1", Deps{
		Store:    st,
		Manager:  mgr,
		Engine:   engine,
		Registry: reg,
		Events:   emitter,
	}, config.WebConfig{Auth: auth}, "test")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{srv: srv, http: ts, manager: mgr, events: emitter}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.http.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	f.manager.Shutdown()
	resp, body = f.do(t, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", resp.StatusCode)
	}
	var h struct {
		Status string
		Issues []string
	}
	_ = json.Unmarshal(body, &h)
	if h.Status != "degraded" || len(h.Issues) == 0 {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, "GET", "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status struct {
		SwarmID string `json:"swarm_id"`
		Version string
		Stats   store.SwarmStats
	}
	_ = json.Unmarshal(body, &status)
	if status.SwarmID != "s1" || status.Version != "test" || status.Stats.Agents != 2 {
		t.Errorf("unexpected status %s", body)
	}

	resp, body = f.do(t, "GET", "/api/metrics", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"consensus"`) {
		t.Errorf("unexpected metrics %d: %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, "GET", "/api/agents", nil)
	var agents []store.Agent
	_ = json.Unmarshal(body, &agents)
	if resp.StatusCode != http.StatusOK || len(agents) != 2 {
		t.Errorf("expected 2 agents, got %s", body)
	}

	resp, _ = f.do(t, "GET", "/api/events", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without an event stream, got %d", resp.StatusCode)
	}
}

func TestProposalFlow(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, "POST", "/api/proposals", map[string]any{
		"description": "adopt the new runner",
		"threshold":   1.0,
		"voters":      []string{"coder", "tester"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var p swarm.Proposal
	_ = json.Unmarshal(body, &p)
	if p.ID == "" || p.Status != swarm.ProposalOpen {
		t.Fatalf("unexpected proposal %+v", p)
	}

	resp, _ = f.do(t, "POST", "/api/proposals/"+p.ID+"/votes", map[string]any{"agent_id": "intruder", "approve": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for ineligible voter, got %d", resp.StatusCode)
	}

	resp, body = f.do(t, "GET", "/api/proposals/"+p.ID+"/recommendation?agent=coder", nil)
	var rec consensus.Recommendation
	_ = json.Unmarshal(body, &rec)
	if resp.StatusCode != http.StatusOK || rec.AgentID != "coder" {
		t.Errorf("unexpected recommendation %d: %s", resp.StatusCode, body)
	}

	f.do(t, "POST", "/api/proposals/"+p.ID+"/votes", map[string]any{"agent_id": "coder", "approve": true})
	resp, body = f.do(t, "POST", "/api/proposals/"+p.ID+"/votes", map[string]any{"agent_id": "tester", "approve": true})
	_ = json.Unmarshal(body, &p)
	if resp.StatusCode != http.StatusOK || p.Status != swarm.ProposalAchieved {
		t.Fatalf("expected achieved, got %d: %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, "GET", "/api/proposals/"+p.ID, nil)
	_ = json.Unmarshal(body, &p)
	if resp.StatusCode != http.StatusOK || len(p.Votes) != 2 {
		t.Errorf("expected 2 votes, got %s", body)
	}

	resp, body = f.do(t, "GET", "/api/proposals?since=1h", nil)
	var recent []swarm.Proposal
	_ = json.Unmarshal(body, &recent)
	if resp.StatusCode != http.StatusOK || len(recent) != 1 {
		t.Errorf("expected 1 recent proposal, got %s", body)
	}

	resp, body = f.do(t, "GET", "/api/proposals/ghost", nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(body), `"not_found"`) {
		t.Errorf("expected 404 not_found, got %d: %s", resp.StatusCode, body)
	}
	resp, _ = f.do(t, "POST", "/api/proposals/ghost/check", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on check, got %d", resp.StatusCode)
	}
}

func TestConflicts(t *testing.T) {
	f := newFixture(t, "")
	c := f.manager.ReportConflict(conflict.KindResource, "db", []string{"tester", "coder"})

	resp, body := f.do(t, "GET", "/api/conflicts", nil)
	var active []conflict.Conflict
	_ = json.Unmarshal(body, &active)
	if resp.StatusCode != http.StatusOK || len(active) != 1 {
		t.Fatalf("expected 1 active conflict, got %s", body)
	}

	resp, body = f.do(t, "POST", "/api/conflicts/"+c.ID+"/resolve", map[string]string{"strategy": "priority"})
	var res conflict.Resolution
	_ = json.Unmarshal(body, &res)
	if resp.StatusCode != http.StatusOK || res.Winner != "coder" {
		t.Fatalf("expected coder to win on priority, got %d: %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, "POST", "/api/conflicts/"+c.ID+"/resolve", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 resolving twice, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "POST", "/api/conflicts/nope/resolve", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	_, body = f.do(t, "GET", "/api/conflicts?all=true", nil)
	var all []conflict.Conflict
	_ = json.Unmarshal(body, &all)
	if len(all) != 1 || !all[0].Resolved {
		t.Errorf("expected resolved conflict in full listing, got %s", body)
	}
}

func TestBreakerOverride(t *testing.T) {
	f := newFixture(t, "")
	f.manager.Breakers().Get("store")

	resp, body := f.do(t, "POST", "/api/breakers/store/state", map[string]string{"state": "open"})
	var m breaker.Metrics
	_ = json.Unmarshal(body, &m)
	if resp.StatusCode != http.StatusOK || m.State != "OPEN" {
		t.Fatalf("expected store breaker forced open, got %d: %s", resp.StatusCode, body)
	}
	if got := f.manager.Breakers().Get("store").GetState(); got != breaker.Open {
		t.Errorf("expected OPEN, got %s", got)
	}

	_, body = f.do(t, "GET", "/api/breakers", nil)
	var list []breaker.Metrics
	_ = json.Unmarshal(body, &list)
	if len(list) == 0 {
		t.Fatalf("expected breakers in listing, got %s", body)
	}

	resp, _ = f.do(t, "POST", "/api/breakers/store/state", map[string]string{"state": "CLOSED"})
	if resp.StatusCode != http.StatusOK || f.manager.Breakers().Get("store").GetState() != breaker.Closed {
		t.Errorf("expected store breaker closed again, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, "POST", "/api/breakers/store/state", map[string]string{"state": "ajar"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown state, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "POST", "/api/breakers/nope/state", map[string]string{"state": "open"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown breaker, got %d", resp.StatusCode)
	}
}

func TestTasksAndGraph(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, err := f.manager.AssignTask(ctx, &swarm.Task{ID: "build", SwarmID: "s1", Status: swarm.TaskPending, CreatedAt: time.Now()}, "coder")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	resp, body := f.do(t, "GET", "/api/graph.dot", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"build"`) {
		t.Errorf("expected build node in graph, got %s", body)
	}

	_, body = f.do(t, "GET", "/api/tasks", nil)
	var tasks []swarm.Task
	_ = json.Unmarshal(body, &tasks)
	if len(tasks) != 1 || tasks[0].AssignedTo != "coder" {
		t.Errorf("expected persisted assignment, got %s", body)
	}

	_, body = f.do(t, "GET", "/api/workloads", nil)
	var wl struct {
		Agents map[string]any
	}
	_ = json.Unmarshal(body, &wl)
	if len(wl.Agents) != 2 {
		t.Errorf("expected 2 agents in workloads, got %s", body)
	}

	resp, _ = f.do(t, "POST", "/api/maintenance", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from maintenance, got %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "secret")

	resp, _ := f.do(t, "GET", "/api/metrics", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected public health, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", f.http.URL+"/api/metrics", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected basic auth to pass, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, "POST", "/api/login", map[string]string{"password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong password, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, "POST", "/api/login", map[string]string{"password": "secret"})
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			session = c
		}
	}
	if session == nil {
		t.Fatal("expected session cookie")
	}

	req, _ = http.NewRequest("GET", f.http.URL+"/api/auth/check", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected session to be valid, got %d", resp.StatusCode)
	}
}

func TestPassword(t *testing.T) {
	pw, err := newPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !pw.Match("hunter2") || pw.Match("hunter3") || pw.Match("") {
		t.Error("unexpected password match results")
	}

	none, _ := newPassword("")
	if none != nil || !none.Match("anything") {
		t.Error("expected empty password to disable auth")
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.srv.hub.Run(ctx)
	unsubscribe, err := f.srv.subscribeEvents()
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.events.Emit(events.New(events.ConflictReported, "db", nil))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	_ = json.Unmarshal(data, &ev)
	if ev.Type != events.ConflictReported || ev.Subject != "db" {
		t.Errorf("unexpected event %s", data)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{swarm.NotFound("get", "x"), http.StatusNotFound},
		{swarm.InvalidInput("vote", "x"), http.StatusBadRequest},
		{swarm.Timeout("acquire", "x"), http.StatusGatewayTimeout},
		{fmt.Errorf("call: %w", breaker.ErrOpen), http.StatusServiceUnavailable},
		{swarm.ExternalPort("save", errors.New("disk")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.code {
			t.Errorf("statusFor(%v): expected %d, got %d", tt.err, tt.code, got)
		}
	}
}
