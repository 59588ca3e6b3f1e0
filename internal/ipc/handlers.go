package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/conflict"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/workstealing"
)

func (s *Server) dispatch(ctx context.Context, agentID string, cmd Command) (any, error) {
	switch cmd.Type {
	case CmdAcquire:
		return s.acquire(ctx, agentID, cmd.Payload)
	case CmdRelease:
		return s.release(agentID, cmd.Payload)
	case CmdAssign:
		return s.assign(ctx, cmd.Payload)
	case CmdComplete:
		return s.complete(ctx, cmd.Payload)
	case CmdCancel:
		return s.cancelTask(ctx, cmd.Payload)
	case CmdReportConflict:
		return s.reportConflict(agentID, cmd.Payload)
	case CmdPropose:
		return s.propose(ctx, agentID, cmd.Payload)
	case CmdVote:
		return s.vote(ctx, agentID, cmd.Payload)
	case CmdRecommend:
		return s.recommend(ctx, agentID, cmd.Payload)
	case CmdWorkload:
		return s.workload(agentID, cmd.Payload)
	case CmdSend:
		return s.send(ctx, agentID, cmd.Payload)
	default:
		return nil, swarm.InvalidInput("ipc", "unknown command: %s", cmd.Type)
	}
}

type resourceRequest struct {
	Resource string `json:"resource"`
}

func (s *Server) acquire(ctx context.Context, agentID string, raw json.RawMessage) (any, error) {
	var req resourceRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := s.manager.AcquireResource(ctx, req.Resource, agentID); err != nil {
		return nil, err
	}
	return map[string]any{"resource": req.Resource, "holder": agentID}, nil
}

func (s *Server) release(agentID string, raw json.RawMessage) (any, error) {
	var req resourceRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return map[string]any{"released": s.manager.ReleaseResource(req.Resource, agentID)}, nil
}

type assignRequest struct {
	Task  swarm.Task `json:"task"`
	Agent string     `json:"agent,omitempty"`
}

func (s *Server) assign(ctx context.Context, raw json.RawMessage) (any, error) {
	var req assignRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	task := req.Task
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = swarm.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	chosen, err := s.manager.AssignTask(ctx, &task, req.Agent)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": task.ID, "agent": chosen}, nil
}

type taskRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) complete(ctx context.Context, raw json.RawMessage) (any, error) {
	var req taskRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	ready, err := s.manager.CompleteTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ready": ready}, nil
}

func (s *Server) cancelTask(ctx context.Context, raw json.RawMessage) (any, error) {
	var req taskRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := s.manager.CancelTask(ctx, req.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": req.TaskID}, nil
}

type conflictRequest struct {
	Kind    string   `json:"kind"`
	Subject string   `json:"subject"`
	Agents  []string `json:"agents"`
	Subtype string   `json:"subtype,omitempty"`
}

func (s *Server) reportConflict(agentID string, raw json.RawMessage) (any, error) {
	var req conflictRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.Subject == "" {
		return nil, swarm.InvalidInput("report conflict", "subject is required")
	}
	agents := req.Agents
	if len(agents) == 0 {
		agents = []string{agentID}
	}
	switch conflict.Kind(req.Kind) {
	case conflict.KindResource:
		return s.manager.ReportConflict(conflict.KindResource, req.Subject, agents), nil
	case conflict.KindTask:
		if req.Subtype != "" {
			return s.manager.Resolver().ReportTaskConflict(req.Subject, agents, req.Subtype), nil
		}
		return s.manager.ReportConflict(conflict.KindTask, req.Subject, agents), nil
	default:
		return nil, swarm.InvalidInput("report conflict", "unknown kind %q", req.Kind)
	}
}

type proposeRequest struct {
	Description     string         `json:"description"`
	TaskID          string         `json:"task_id,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Threshold       float64        `json:"threshold,omitempty"`
	Voters          []string       `json:"voters,omitempty"`
	Strategy        string         `json:"strategy,omitempty"`
	DeadlineSeconds int            `json:"deadline_seconds,omitempty"`
}

func (s *Server) propose(ctx context.Context, agentID string, raw json.RawMessage) (any, error) {
	var req proposeRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	p := &swarm.Proposal{
		TaskID:            req.TaskID,
		ProposerID:        agentID,
		Description:       req.Description,
		Payload:           req.Payload,
		RequiredThreshold: req.Threshold,
		Voters:            req.Voters,
		Strategy:          req.Strategy,
	}
	if req.DeadlineSeconds > 0 {
		p.Deadline = time.Now().Add(time.Duration(req.DeadlineSeconds) * time.Second)
	}
	return s.engine.CreateProposal(ctx, p)
}

type voteRequest struct {
	ProposalID string `json:"proposal_id"`
	Approve    bool   `json:"approve"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) vote(ctx context.Context, agentID string, raw json.RawMessage) (any, error) {
	var req voteRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return s.engine.SubmitVote(ctx, swarm.Vote{
		ProposalID: req.ProposalID,
		AgentID:    agentID,
		Approve:    req.Approve,
		Reason:     req.Reason,
		CastAt:     time.Now(),
	})
}

type recommendRequest struct {
	ProposalID string `json:"proposal_id"`
	AgentType  string `json:"agent_type,omitempty"`
}

func (s *Server) recommend(ctx context.Context, agentID string, raw json.RawMessage) (any, error) {
	var req recommendRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	agentType := req.AgentType
	if agentType == "" && s.types != nil {
		agentType = s.types.AgentType(agentID)
	}
	return s.engine.GetVotingRecommendation(ctx, req.ProposalID, agentID, agentType)
}

type workloadRequest struct {
	TaskCount int     `json:"task_count"`
	CPU       float64 `json:"cpu"`
	Memory    float64 `json:"memory"`
}

// workload updates the live figures and keeps the declared priority and
// capabilities already in the table.
func (s *Server) workload(agentID string, raw json.RawMessage) (any, error) {
	var req workloadRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	stealer := s.manager.Stealer()
	w, ok := stealer.Workload(agentID)
	if !ok {
		w = workstealing.Workload{AgentID: agentID}
	}
	w.TaskCount = req.TaskCount
	w.CPU = req.CPU
	w.Memory = req.Memory
	if err := stealer.UpdateAgentWorkload(w); err != nil {
		return nil, err
	}
	w, _ = stealer.Workload(agentID)
	return w, nil
}

type sendRequest struct {
	To      string         `json:"to"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) send(ctx context.Context, agentID string, raw json.RawMessage) (any, error) {
	var req sendRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return s.manager.SendMessage(ctx, agentID, req.To, req.Payload)
}
