package consensus

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mtzanidakis/hive/internal/analysis"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// Strategy maps an analysis onto a recommended vote.
type Strategy string

const (
	SimpleMajority Strategy = "simple_majority"
	Supermajority  Strategy = "supermajority"
	Unanimous      Strategy = "unanimous"
	Weighted       Strategy = "weighted"
)

func (s Strategy) Valid() bool {
	switch s {
	case SimpleMajority, Supermajority, Unanimous, Weighted:
		return true
	}
	return false
}

// StrategyFor returns the proposal's explicit strategy, or picks one from
// its threshold.
func StrategyFor(p *swarm.Proposal) Strategy {
	if s := Strategy(p.Strategy); s.Valid() {
		return s
	}
	switch {
	case p.RequiredThreshold >= 1.0:
		return Unanimous
	case p.RequiredThreshold >= 0.66:
		return Supermajority
	default:
		return SimpleMajority
	}
}

// Recommendation is advisory; it never casts a vote.
type Recommendation struct {
	ProposalID string   `json:"proposal_id"`
	AgentID    string   `json:"agent_id"`
	Strategy   Strategy `json:"strategy"`
	Approve    bool     `json:"approve"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Factors    []string `json:"factors"`
	Source     string   `json:"source"`
}

func (s Strategy) recommend(p *swarm.Proposal, a analysis.Result, agentType string) Recommendation {
	r := Recommendation{
		ProposalID: p.ID,
		Strategy:   s,
		Approve:    a.Approve,
		Confidence: a.Confidence,
		Source:     a.Source,
		Factors:    []string{fmt.Sprintf("analysis recommends %s", verdict(a.Approve))},
	}
	if a.Reasoning != "" {
		r.Factors = append(r.Factors, a.Reasoning)
	}

	switch s {
	case SimpleMajority:
		positive, cast := p.Tally()
		if cast > 0 {
			r.Factors = append(r.Factors, fmt.Sprintf("current tally %d/%d in favour", positive, cast))
		}
		r.Reasoning = "simple majority: follow the analysis"

	case Supermajority:
		r.Approve = a.Approve && a.Confidence >= 0.5 && a.Complexity < 0.8
		r.Confidence = a.Confidence * 0.9
		r.Factors = append(r.Factors, fmt.Sprintf("complexity %.2f", a.Complexity))
		r.Reasoning = "supermajority: approve only confident, tractable changes"

	case Unanimous:
		r.Approve = a.Approve && len(a.Risks) == 0
		r.Confidence = a.Confidence * 0.8
		if len(a.Risks) > 0 {
			r.Factors = append(r.Factors, "risks: "+strings.Join(a.Risks, ", "))
		}
		r.Reasoning = "unanimous: any open risk is a veto"

	case Weighted:
		weight := 0.6
		if expertIn(agentType, a.Capabilities) {
			weight = 1.0
			r.Factors = append(r.Factors, "agent expertise matches "+strings.Join(a.Capabilities, ", "))
		} else {
			r.Factors = append(r.Factors, "agent expertise does not match the change")
		}
		r.Confidence = a.Confidence * weight
		r.Reasoning = "weighted: confidence scaled by expertise"
	}

	r.Confidence = round2(r.Confidence)
	return r
}

func expertIn(agentType string, caps []string) bool {
	agentType = strings.ToLower(agentType)
	if agentType == "" {
		return false
	}
	return slices.ContainsFunc(caps, func(c string) bool {
		return strings.Contains(agentType, strings.ToLower(c))
	})
}

func verdict(approve bool) string {
	if approve {
		return "approval"
	}
	return "rejection"
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
