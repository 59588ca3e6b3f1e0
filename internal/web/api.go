package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/hive/internal/breaker"
	"github.com/mtzanidakis/hive/internal/conflict"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Health and metrics
	mux.HandleFunc("GET /api/health", s.getHealth)
	mux.HandleFunc("GET /api/metrics", s.getMetrics)
	mux.HandleFunc("GET /api/status", s.getStatus)

	// Conflicts
	mux.HandleFunc("GET /api/conflicts", s.listConflicts)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.resolveConflict)

	// Proposals and votes
	mux.HandleFunc("GET /api/proposals", s.listProposals)
	mux.HandleFunc("POST /api/proposals", s.createProposal)
	mux.HandleFunc("GET /api/proposals/{id}", s.getProposal)
	mux.HandleFunc("POST /api/proposals/{id}/votes", s.submitVote)
	mux.HandleFunc("POST /api/proposals/{id}/check", s.checkProposal)
	mux.HandleFunc("GET /api/proposals/{id}/recommendation", s.getRecommendation)

	// Coordination state
	mux.HandleFunc("GET /api/locks", s.listLocks)
	mux.HandleFunc("GET /api/deadlocks", s.listDeadlocks)
	mux.HandleFunc("GET /api/workloads", s.getWorkloads)
	mux.HandleFunc("GET /api/graph.dot", s.getGraphDot)
	mux.HandleFunc("POST /api/maintenance", s.runMaintenance)

	// Circuit breakers
	mux.HandleFunc("GET /api/breakers", s.listBreakers)
	mux.HandleFunc("POST /api/breakers/{name}/state", s.setBreakerState)

	// Persisted records
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/messages", s.listMessages)
	mux.HandleFunc("GET /api/events", s.listEvents)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	h := s.manager.GetHealthStatus()
	if s.nats != nil && !s.nats.Connected() {
		h.Healthy = false
		h.Issues = append(h.Issues, "nats disconnected")
	}

	status := "ok"
	code := http.StatusOK
	if !h.Healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"issues":  h.Issues,
		"metrics": h.Metrics,
	})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"coordination": s.manager.GetCoordinationMetrics(),
		"consensus":    s.engine.GetMetrics(),
		"websocket":    map[string]int{"clients": s.hub.Clients()},
	}
	if s.events != nil {
		out["events_dropped"] = s.events.Dropped()
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":      "ok",
		"swarm_id":    s.swarmID,
		"version":     s.version,
		"uptime":      formatUptime(time.Since(s.startedAt)),
		"initialized": s.manager.Initialized(),
		"advanced":    s.manager.AdvancedScheduling(),
	}
	if s.store != nil {
		stats, err := s.store.GetSwarmStats(r.Context(), s.swarmID)
		if err != nil {
			writeError(w, err)
			return
		}
		status["stats"] = stats
	}
	jsonResponse(w, status)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	resolver := s.manager.Resolver()
	if r.URL.Query().Get("all") == "true" {
		jsonResponse(w, resolver.All())
		return
	}
	jsonResponse(w, resolver.GetActiveConflicts())
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	res, err := s.manager.Resolver().AutoResolve(r.PathValue("id"), conflict.Strategy(body.Strategy))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("since"); v != "" {
		if s.store == nil {
			jsonError(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			jsonError(w, "invalid since duration", http.StatusBadRequest)
			return
		}
		proposals, err := s.store.ListRecentProposals(r.Context(), s.swarmID, time.Now().Add(-d), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, err)
			return
		}
		jsonResponse(w, proposals)
		return
	}
	jsonResponse(w, s.engine.ActiveProposals())
}

type proposalRequest struct {
	TaskID          string         `json:"task_id"`
	ProposerID      string         `json:"proposer_id"`
	Description     string         `json:"description"`
	Payload         map[string]any `json:"payload"`
	Threshold       float64        `json:"threshold"`
	Voters          []string       `json:"voters"`
	Strategy        string         `json:"strategy"`
	DeadlineSeconds int            `json:"deadline_seconds"`
}

func (s *Server) createProposal(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p := &swarm.Proposal{
		TaskID:            req.TaskID,
		ProposerID:        req.ProposerID,
		Description:       req.Description,
		Payload:           req.Payload,
		RequiredThreshold: req.Threshold,
		Voters:            req.Voters,
		Strategy:          req.Strategy,
	}
	if req.DeadlineSeconds > 0 {
		p.Deadline = time.Now().Add(time.Duration(req.DeadlineSeconds) * time.Second)
	}

	created, err := s.engine.CreateProposal(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) submitVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		Approve bool   `json:"approve"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.engine.SubmitVote(r.Context(), swarm.Vote{
		ProposalID: r.PathValue("id"),
		AgentID:    body.AgentID,
		Approve:    body.Approve,
		Reason:     body.Reason,
		CastAt:     time.Now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) checkProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.ForceConsensusCheck(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) getRecommendation(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	if agentID == "" {
		jsonError(w, "agent is required", http.StatusBadRequest)
		return
	}
	agentType := r.URL.Query().Get("type")
	if agentType == "" && s.registry != nil {
		agentType = s.registry.AgentType(agentID)
	}

	rec, err := s.engine.GetVotingRecommendation(r.Context(), r.PathValue("id"), agentID, agentType)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.manager.Locks())
}

func (s *Server) listDeadlocks(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.manager.DetectDeadlocks())
}

func (s *Server) getWorkloads(w http.ResponseWriter, r *http.Request) {
	stealer := s.manager.Stealer()
	agents := make(map[string]any)
	for _, id := range stealer.Agents() {
		if wl, ok := stealer.Workload(id); ok {
			agents[id] = wl
		}
	}
	jsonResponse(w, map[string]any{
		"enabled": stealer.Enabled(),
		"stats":   stealer.GetWorkloadStats(),
		"agents":  agents,
	})
}

func (s *Server) getGraphDot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	fmt.Fprint(w, s.manager.Graph().ToDot())
}

func (s *Server) runMaintenance(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.manager.PerformMaintenance(r.Context()))
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.manager.Breakers().Metrics())
}

// setBreakerState is the ops override for a stuck or misbehaving port.
func (s *Server) setBreakerState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	state, err := breaker.ParseState(body.State)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, ok := s.manager.Breakers().Lookup(r.PathValue("name"))
	if !ok {
		jsonError(w, "breaker not found", http.StatusNotFound)
		return
	}
	b.ForceState(state)
	jsonResponse(w, b.GetMetrics())
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		jsonError(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	agents, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, agents)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), s.swarmID, swarm.TaskStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, tasks)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	msgs, err := s.store.GetRecentMessages(r.Context(), s.swarmID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, msgs)
}

// listEvents replays the retained event stream, oldest first.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.nats == nil {
		jsonError(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	raw, err := s.nats.RecentEvents(natsbus.TopicEventsSwarm(s.swarmID), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, swarm.ExternalPort("recent events", err))
		return
	}
	out := make([]json.RawMessage, 0, len(raw))
	for _, b := range raw {
		out = append(out, json.RawMessage(b))
	}
	jsonResponse(w, out)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch swarm.Code(err) {
	case "not_found":
		return http.StatusNotFound
	case "invalid_input":
		return http.StatusBadRequest
	case "timeout":
		return http.StatusGatewayTimeout
	case "circuit_open":
		return http.StatusServiceUnavailable
	case "external_port":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  swarm.Code(err),
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
