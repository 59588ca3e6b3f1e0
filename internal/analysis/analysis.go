// Package analysis scores proposals and tasks for the consensus engine. A
// keyword heuristic is always available; Claude can be plugged in behind a
// circuit breaker and falls back to the heuristic.
package analysis

import (
	"context"
	"math"
	"slices"
	"strings"
)

type Request struct {
	// Kind is "proposal" or "task".
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	TaskType    string         `json:"task_type,omitempty"`
	Action      string         `json:"action,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	AgentType   string         `json:"agent_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Result is a structured recommendation. Complexity and Confidence are in
// [0,1].
type Result struct {
	Complexity   float64  `json:"complexity"`
	Capabilities []string `json:"capabilities,omitempty"`
	Approve      bool     `json:"approve"`
	Confidence   float64  `json:"confidence"`
	Reasoning    string   `json:"reasoning"`
	Risks        []string `json:"risks,omitempty"`
	Source       string   `json:"source"`
}

type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

const SourceHeuristic = "heuristic"

var capabilityKeywords = map[string][]string{
	"testing":       {"test", "coverage", "assert", "fixture"},
	"database":      {"sql", "database", "schema", "migration", "query", "index"},
	"api":           {"api", "http", "endpoint", "rest", "grpc"},
	"frontend":      {"ui", "frontend", "css", "component", "page"},
	"devops":        {"deploy", "docker", "ci", "pipeline", "kubernetes", "infra"},
	"security":      {"security", "auth", "token", "password", "permission", "secret"},
	"documentation": {"doc", "readme", "guide", "changelog"},
}

var riskKeywords = []string{
	"delete", "drop", "force", "rewrite", "production", "truncate", "disable", "bypass", "irreversible",
}

// Heuristic is a conservative keyword analyzer that needs no network.
type Heuristic struct{}

func (Heuristic) Analyze(_ context.Context, req Request) (Result, error) {
	words := tokenize(req.Description + " " + req.TaskType)

	var caps []string
	for capability, keys := range capabilityKeywords {
		if slices.ContainsFunc(words, func(w string) bool { return hasAnyPrefix(w, keys) }) {
			caps = append(caps, capability)
		}
	}
	slices.Sort(caps)

	var risks []string
	for _, r := range riskKeywords {
		if slices.ContainsFunc(words, func(w string) bool { return strings.HasPrefix(w, r) }) {
			risks = append(risks, r)
		}
	}
	if req.Action == "cancel_task" {
		risks = append(risks, "cancels work")
	}

	complexity := math.Min(1, float64(len(words))/80+0.15*float64(len(caps))+0.1*float64(len(risks)))
	res := Result{
		Complexity:   round2(complexity),
		Capabilities: caps,
		Approve:      len(risks) < 2,
		Risks:        risks,
		Source:       SourceHeuristic,
	}

	// confidence stays low: keywords are weak evidence
	switch {
	case len(risks) == 0:
		res.Confidence = 0.6
		res.Reasoning = "no risk indicators found"
	case len(risks) == 1:
		res.Confidence = 0.5
		res.Reasoning = "one risk indicator: " + risks[0]
	default:
		res.Confidence = 0.55
		res.Reasoning = "multiple risk indicators: " + strings.Join(risks, ", ")
	}
	return res, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func hasAnyPrefix(w string, prefixes []string) bool {
	for _, p := range prefixes {
		if w == p || len(p) > 2 && strings.HasPrefix(w, p) {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
