package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mtzanidakis/hive/internal/breaker"
)

const SourceClaude = "claude"

const systemPrompt = `You review decisions for a swarm of autonomous coding agents.
Given a proposal or task, respond with ONLY a JSON object:
{"complexity": 0.0-1.0, "capabilities": ["..."], "approve": true|false,
 "confidence": 0.0-1.0, "reasoning": "one or two sentences", "risks": ["..."]}`

type ClaudeConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Claude asks the Messages API for a recommendation. Calls go through a
// circuit breaker; any failure falls back to the heuristic.
type Claude struct {
	client   anthropic.Client
	model    anthropic.Model
	timeout  time.Duration
	breaker  *breaker.Breaker
	fallback Analyzer

	// complete is swapped in tests.
	complete func(ctx context.Context, system, prompt string) (string, error)
}

func NewClaude(cfg ClaudeConfig, b *breaker.Breaker) (*Claude, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic api key is not set")
	}
	if b == nil {
		b = breaker.New("analysis", breaker.DefaultConfig())
	}

	c := &Claude{
		client:   anthropic.NewClient(option.WithAPIKey(key)),
		model:    anthropic.Model(cfg.Model),
		timeout:  cfg.Timeout,
		breaker:  b,
		fallback: Heuristic{},
	}
	if c.model == "" {
		c.model = anthropic.ModelClaudeSonnet4_20250514
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	c.complete = c.messages
	return c, nil
}

func (c *Claude) Analyze(ctx context.Context, req Request) (Result, error) {
	res, err := breaker.Call(ctx, c.breaker, func(ctx context.Context) (Result, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		text, err := c.complete(ctx, systemPrompt, buildPrompt(req))
		if err != nil {
			return Result{}, err
		}
		return parseResult(text)
	})
	if err != nil {
		slog.Warn("claude analysis failed, using heuristic", "kind", req.Kind, "error", err)
		return c.fallback.Analyze(ctx, req)
	}
	return res, nil
}

func (c *Claude) messages(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude messages: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}
	return b.String(), nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kind: %s\n", req.Kind)
	if req.TaskType != "" {
		fmt.Fprintf(&b, "Task type: %s\n", req.TaskType)
	}
	if req.Action != "" {
		fmt.Fprintf(&b, "Action: %s\n", req.Action)
	}
	if req.AgentType != "" {
		fmt.Fprintf(&b, "Reviewing agent type: %s\n", req.AgentType)
	}
	fmt.Fprintf(&b, "\nDescription:\n%s\n", req.Description)
	if len(req.Metadata) > 0 {
		if meta, err := json.Marshal(req.Metadata); err == nil {
			fmt.Fprintf(&b, "\nMetadata: %s\n", meta)
		}
	}
	return b.String()
}

// parseResult extracts the first JSON object from the model output.
func parseResult(text string) (Result, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("no json object in response")
	}

	var res Result
	if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
		return Result{}, fmt.Errorf("decode analysis: %w", err)
	}
	res.Complexity = clamp01(res.Complexity)
	res.Confidence = clamp01(res.Confidence)
	res.Source = SourceClaude
	return res, nil
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
