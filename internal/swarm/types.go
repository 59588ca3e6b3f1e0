// Package swarm holds the domain types shared by the coordination core:
// tasks, messages, consensus proposals and votes, and the error taxonomy.
package swarm

import (
	"maps"
	"slices"
	"time"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskCancelled, TaskFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

type Task struct {
	ID                   string         `json:"id"`
	SwarmID              string         `json:"swarm_id,omitempty"`
	Type                 string         `json:"type"`
	Description          string         `json:"description"`
	Priority             int            `json:"priority"`
	Status               TaskStatus     `json:"status"`
	Dependencies         []string       `json:"dependencies,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Input                map[string]any `json:"input,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	AssignedTo           string         `json:"assigned_to,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep enough copy that the caller and the owner never share
// slices or maps.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Dependencies = slices.Clone(t.Dependencies)
	c.RequiredCapabilities = slices.Clone(t.RequiredCapabilities)
	c.Input = maps.Clone(t.Input)
	c.Metadata = maps.Clone(t.Metadata)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Message is a payload exchanged between agents through the messaging port.
type Message struct {
	ID      string         `json:"id"`
	SwarmID string         `json:"swarm_id,omitempty"`
	From    string         `json:"from"`
	To      string         `json:"to,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

type ProposalStatus string

const (
	ProposalOpen     ProposalStatus = "open"
	ProposalAchieved ProposalStatus = "achieved"
	ProposalRejected ProposalStatus = "rejected"
)

func (s ProposalStatus) Terminal() bool {
	return s == ProposalAchieved || s == ProposalRejected
}

// Task actions a proposal may carry in Payload["action"].
const (
	ActionApproveTask = "approve_task"
	ActionModifyTask  = "modify_task"
	ActionCancelTask  = "cancel_task"
)

type Proposal struct {
	ID                string          `json:"id"`
	SwarmID           string          `json:"swarm_id"`
	TaskID            string          `json:"task_id,omitempty"`
	ProposerID        string          `json:"proposer_id,omitempty"`
	Description       string          `json:"description"`
	Payload           map[string]any  `json:"payload,omitempty"`
	RequiredThreshold float64         `json:"required_threshold"`
	Voters            []string        `json:"voters,omitempty"`
	Strategy          string          `json:"strategy,omitempty"`
	Deadline          time.Time       `json:"deadline"`
	Status            ProposalStatus  `json:"status"`
	Votes             map[string]Vote `json:"votes"`
	CreatedAt         time.Time       `json:"created_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Payload = maps.Clone(p.Payload)
	c.Voters = slices.Clone(p.Voters)
	c.Votes = maps.Clone(p.Votes)
	if c.Votes == nil {
		c.Votes = make(map[string]Vote)
	}
	if p.ResolvedAt != nil {
		v := *p.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}

// Action returns the task action carried by the proposal, if any.
func (p *Proposal) Action() string {
	if p.Payload == nil {
		return ""
	}
	a, _ := p.Payload["action"].(string)
	return a
}

// IsVoter reports whether agentID may vote. An empty voter list admits everyone.
func (p *Proposal) IsVoter(agentID string) bool {
	return len(p.Voters) == 0 || slices.Contains(p.Voters, agentID)
}

// Tally returns the positive vote count and the number of votes cast.
func (p *Proposal) Tally() (positive, cast int) {
	for _, v := range p.Votes {
		cast++
		if v.Approve {
			positive++
		}
	}
	return positive, cast
}

// ApprovalRatio divides positive votes by the eligible voter count when the
// proposal declares its voters, otherwise by the votes cast so far.
func (p *Proposal) ApprovalRatio() float64 {
	positive, cast := p.Tally()
	denom := cast
	if len(p.Voters) > 0 {
		denom = len(p.Voters)
	}
	if denom == 0 {
		return 0
	}
	return float64(positive) / float64(denom)
}

// ParticipationRate is the share of eligible voters that voted.
func (p *Proposal) ParticipationRate() float64 {
	_, cast := p.Tally()
	if len(p.Voters) == 0 {
		if cast == 0 {
			return 0
		}
		return 1
	}
	return float64(cast) / float64(len(p.Voters))
}

type Vote struct {
	ProposalID string    `json:"proposal_id"`
	AgentID    string    `json:"agent_id"`
	Approve    bool      `json:"approve"`
	Reason     string    `json:"reason,omitempty"`
	CastAt     time.Time `json:"cast_at"`
}
