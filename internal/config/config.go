package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mtzanidakis/hive/internal/schedule"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log          LogConfig                  `yaml:"log"`
	Swarm        SwarmConfig                `yaml:"swarm"`
	NATS         NATSConfig                 `yaml:"nats"`
	Store        StoreConfig                `yaml:"store"`
	Web          WebConfig                  `yaml:"web"`
	Coordination CoordinationConfig         `yaml:"coordination"`
	WorkStealing WorkStealingConfig         `yaml:"work_stealing"`
	Consensus    ConsensusConfig            `yaml:"consensus"`
	Breakers     BreakerConfig              `yaml:"breakers"`
	Analysis     AnalysisConfig             `yaml:"analysis"`
	Agents       map[string]AgentDefinition `yaml:"agents"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SwarmConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type CoordinationConfig struct {
	ResourceTimeout     time.Duration `yaml:"resource_timeout"`
	MessageTimeout      time.Duration `yaml:"message_timeout"`
	DeadlockDetection   bool          `yaml:"deadlock_detection"`
	DeadlockInterval    time.Duration `yaml:"deadlock_interval"`
	MaintenanceSchedule string        `yaml:"maintenance_schedule"`
	ConflictRetention   time.Duration `yaml:"conflict_retention"`
	StaleLockAge        time.Duration `yaml:"stale_lock_age"`
	MaxActiveConflicts  int           `yaml:"max_active_conflicts"`
	AdvancedScheduling  bool          `yaml:"advanced_scheduling"`
}

type WorkStealingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	StealThreshold int           `yaml:"steal_threshold"`
	MaxStealBatch  int           `yaml:"max_steal_batch"`
	StealInterval  time.Duration `yaml:"steal_interval"`
}

type ConsensusConfig struct {
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	DeadlineInterval time.Duration `yaml:"deadline_interval"`
	MetricsInterval  time.Duration `yaml:"metrics_interval"`
	DefaultDeadline  time.Duration `yaml:"default_deadline"`
	DefaultThreshold float64       `yaml:"default_threshold"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenLimit    int           `yaml:"half_open_limit"`
}

type AnalysisConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AgentDefinition struct {
	Description  string   `yaml:"description"`
	Type         string   `yaml:"type"`
	Capabilities []string `yaml:"capabilities"`
	Priority     int      `yaml:"priority"`
}

const (
	ProviderHeuristic = "heuristic"
	ProviderClaude    = "claude"
)

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Swarm: SwarmConfig{
			ID:   "default",
			Name: "hive",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/hive.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Coordination: CoordinationConfig{
			ResourceTimeout:     30 * time.Second,
			MessageTimeout:      10 * time.Second,
			DeadlockDetection:   true,
			DeadlockInterval:    10 * time.Second,
			MaintenanceSchedule: "5m",
			ConflictRetention:   time.Hour,
			StaleLockAge:        5 * time.Minute,
			MaxActiveConflicts:  100,
		},
		WorkStealing: WorkStealingConfig{
			StealThreshold: 2,
			MaxStealBatch:  3,
			StealInterval:  5 * time.Second,
		},
		Consensus: ConsensusConfig{
			MonitorInterval:  5 * time.Second,
			DeadlineInterval: time.Second,
			MetricsInterval:  time.Minute,
			DefaultDeadline:  5 * time.Minute,
			DefaultThreshold: 0.5,
		},
		Breakers: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			HalfOpenLimit:    1,
		},
		Analysis: AnalysisConfig{
			Provider: ProviderHeuristic,
			Timeout:  30 * time.Second,
		},
	}
}

// Path returns the config file location from HIVE_CONFIG or the default.
func Path() string {
	if p := os.Getenv("HIVE_CONFIG"); p != "" {
		return p
	}
	return "config/hive.yaml"
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads path over the defaults and applies env overrides. A missing
// file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVE_SWARM_ID"); v != "" {
		cfg.Swarm.ID = v
	}
	if v := os.Getenv("HIVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HIVE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Analysis.APIKey = v
	}
	if v := os.Getenv("HIVE_ANALYSIS_PROVIDER"); v != "" {
		cfg.Analysis.Provider = v
	}
	if v := os.Getenv("HIVE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

func (c *Config) Validate() error {
	if c.Swarm.ID == "" {
		return fmt.Errorf("swarm.id is required")
	}
	switch c.Analysis.Provider {
	case ProviderHeuristic, ProviderClaude:
	default:
		return fmt.Errorf("analysis.provider: unknown provider %q", c.Analysis.Provider)
	}
	if c.Coordination.MaintenanceSchedule != "" {
		if _, err := schedule.NormalizeSchedule(c.Coordination.MaintenanceSchedule); err != nil {
			return fmt.Errorf("coordination.maintenance_schedule: %w", err)
		}
	}
	if t := c.Consensus.DefaultThreshold; t < 0 || t > 1 {
		return fmt.Errorf("consensus.default_threshold: %v outside [0,1]", t)
	}
	for id, a := range c.Agents {
		if a.Priority < 0 {
			return fmt.Errorf("agents.%s.priority: must not be negative", id)
		}
	}
	return nil
}
