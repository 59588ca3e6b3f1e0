package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Swarm.ID != "default" {
		t.Errorf("expected swarm id default, got %s", cfg.Swarm.ID)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/hive.db" {
		t.Errorf("expected store path data/hive.db, got %s", cfg.Store.Path)
	}
	if cfg.Coordination.ResourceTimeout != 30*time.Second {
		t.Errorf("expected resource_timeout 30s, got %v", cfg.Coordination.ResourceTimeout)
	}
	if cfg.Consensus.MonitorInterval != 5*time.Second || cfg.Consensus.DeadlineInterval != time.Second {
		t.Errorf("unexpected consensus intervals %+v", cfg.Consensus)
	}
	if cfg.WorkStealing.Enabled {
		t.Error("expected work stealing disabled by default")
	}
	if cfg.Analysis.Provider != ProviderHeuristic {
		t.Errorf("expected heuristic analysis, got %s", cfg.Analysis.Provider)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("HIVE_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("HIVE_SWARM_ID", "build")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")
	t.Setenv("HIVE_WEB_PASSWORD", "secret")
	t.Setenv("HIVE_WEB_PORT", "9090")
	t.Setenv("HIVE_NATS_PORT", "not-a-port")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Swarm.ID != "build" {
		t.Errorf("expected swarm build, got %s", cfg.Swarm.ID)
	}
	if cfg.Analysis.APIKey != "sk-test-key" {
		t.Errorf("expected anthropic key sk-test-key, got %s", cfg.Analysis.APIKey)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected invalid port override ignored, got %d", cfg.NATS.Port)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
swarm:
  id: "infra"
coordination:
  resource_timeout: 2s
  deadlock_detection: false
  maintenance_schedule: "*/10 * * * *"
work_stealing:
  enabled: true
  steal_threshold: 4
consensus:
  default_deadline: 90s
agents:
  coder:
    description: "writes code"
    type: backend
    capabilities: [go, sql]
    priority: 3
  reviewer:
    description: "reviews code"
    capabilities: [review]
web:
  port: 3000
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HIVE_CONFIG", cfgPath)
	// Clear any env overrides
	t.Setenv("HIVE_SWARM_ID", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Swarm.ID != "infra" {
		t.Errorf("expected infra, got %s", cfg.Swarm.ID)
	}
	if cfg.Coordination.ResourceTimeout != 2*time.Second {
		t.Errorf("expected 2s resource timeout, got %v", cfg.Coordination.ResourceTimeout)
	}
	if cfg.Coordination.DeadlockDetection {
		t.Error("expected deadlock detection disabled")
	}
	if cfg.Coordination.MessageTimeout != 10*time.Second {
		t.Errorf("expected default message timeout kept, got %v", cfg.Coordination.MessageTimeout)
	}
	if !cfg.WorkStealing.Enabled || cfg.WorkStealing.StealThreshold != 4 || cfg.WorkStealing.MaxStealBatch != 3 {
		t.Errorf("unexpected work stealing %+v", cfg.WorkStealing)
	}
	if cfg.Consensus.DefaultDeadline != 90*time.Second {
		t.Errorf("expected 90s deadline, got %v", cfg.Consensus.DefaultDeadline)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}
	if c := cfg.Agents["coder"]; c.Priority != 3 || len(c.Capabilities) != 2 || c.Type != "backend" {
		t.Errorf("unexpected coder %+v", c)
	}
	if cfg.Web.Port != 3000 || cfg.Web.Enabled {
		t.Errorf("unexpected web %+v", cfg.Web)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("swarm:\n  id: ${TEST_SWARM}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_SWARM", "expanded")
	t.Setenv("HIVE_SWARM_ID", "")

	cfg, err := LoadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Swarm.ID != "expanded" {
		t.Fatalf("expected expanded, got %s", cfg.Swarm.ID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Analysis.Provider = "oracle" }},
		{"bad schedule", func(c *Config) { c.Coordination.MaintenanceSchedule = "sometimes" }},
		{"threshold", func(c *Config) { c.Consensus.DefaultThreshold = 2 }},
		{"empty swarm", func(c *Config) { c.Swarm.ID = "" }},
		{"negative priority", func(c *Config) {
			c.Agents = map[string]AgentDefinition{"a": {Priority: -1}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("swarm: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(cfgPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadShippedConfig(t *testing.T) {
	t.Setenv("HIVE_WEB_PASSWORD", "")
	t.Setenv("HIVE_SWARM_ID", "")

	cfg, err := LoadFile(filepath.Join("..", "..", "config", "hive.yaml"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	want := defaults()
	if cfg.Coordination != want.Coordination || cfg.Consensus != want.Consensus || cfg.Breakers != want.Breakers {
		t.Errorf("shipped config drifted from defaults: %+v", cfg.Coordination)
	}
	if cfg.Web.Auth != "" {
		t.Errorf("expected auth disabled, got %q", cfg.Web.Auth)
	}
	if len(cfg.Agents) != 2 || cfg.Agents["coder"].Priority != 2 {
		t.Errorf("unexpected agents %+v", cfg.Agents)
	}
}
