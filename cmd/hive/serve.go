package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/hive/internal/analysis"
	"github.com/mtzanidakis/hive/internal/breaker"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/conflict"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/coordination"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/ipc"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/registry"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/web"
	"github.com/mtzanidakis/hive/internal/workstealing"
)

// eventRetention bounds the JetStream event history.
const eventRetention = 24 * time.Hour

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log)

	slog.Info("starting hive", "version", version, "swarm", cfg.Swarm.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	if err := db.SaveSwarm(ctx, &store.Swarm{ID: cfg.Swarm.ID, Name: cfg.Swarm.Name}); err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()
	if err := client.EnsureEventStream(eventRetention); err != nil {
		return fmt.Errorf("event stream: %w", err)
	}

	// Events go to NATS for remote observers and to the debug log
	emitter := events.NewEmitter(
		natsbus.NewEventPublisher(client, cfg.Swarm.ID),
		events.Logger(slog.Default()),
	)

	breakers := breaker.NewSet(breakerConfig(cfg.Breakers), func(name string, from, to breaker.State) {
		slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		emitter.Emit(events.New(events.BreakerStateChanged, name, map[string]any{
			"from": from.String(),
			"to":   to.String(),
		}))
	})

	analyzer, err := newAnalyzer(cfg.Analysis, breakers)
	if err != nil {
		return fmt.Errorf("init analysis: %w", err)
	}

	messenger := natsbus.NewMessenger(client, db)

	stealer := workstealing.New(workStealingConfig(cfg.WorkStealing), emitter)
	resolver := conflict.New(conflict.Config{
		DefaultStrategy: conflict.StrategyPriority,
		MaxActive:       cfg.Coordination.MaxActiveConflicts,
	}, emitter)

	mgr := coordination.New(coordinationConfig(cfg), coordination.Deps{
		Resolver:  resolver,
		Stealer:   stealer,
		Messenger: messenger,
		Store:     db,
		Breakers:  breakers,
		Sink:      emitter,
	})

	// Agent registry seeds the workload table, so it runs before the
	// manager starts placing tasks.
	reg := registry.New(db, stealer, cfg.Swarm.ID, cfg.Agents)
	if err := reg.Sync(ctx); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}

	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("init coordination: %w", err)
	}
	defer mgr.Shutdown()

	engine := consensus.New(consensusConfig(cfg), consensus.Deps{
		Store:     db,
		Messenger: messenger,
		Analyzer:  analyzer,
		Breakers:  breakers,
		Sink:      emitter,
		OnTask: func(ctx context.Context, action string, task *swarm.Task) {
			if action != swarm.ActionCancelTask {
				return
			}
			if err := mgr.CancelTask(ctx, task.ID); err != nil && !errors.Is(err, swarm.ErrNotFound) {
				slog.Warn("failed to cancel task after vote", "task", task.ID, "error", err)
			}
		},
	})
	engine.Start()
	defer engine.Shutdown()

	// Agent IPC handlers must outlive the longest resource wait
	ipcSrv := ipc.New(client, ipc.Deps{Manager: mgr, Engine: engine, Types: reg}, cfg.Coordination.ResourceTimeout+30*time.Second)
	if err := ipcSrv.Start(); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	defer ipcSrv.Stop()
	slog.Info("agent ipc listening", "agents", len(reg.IDs()))

	// Web API
	if cfg.Web.Enabled {
		srv, err := web.NewServer(cfg.Swarm.ID, web.Deps{
			Store:    db,
			Manager:  mgr,
			Engine:   engine,
			Registry: reg,
			Client:   client,
			Events:   emitter,
		}, cfg.Web, version)
		if err != nil {
			return fmt.Errorf("init web server: %w", err)
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Config hot reload
	go func() {
		err := config.Watch(ctx, config.Path(), cfg, func(_, next *config.Config, d config.ConfigDiff) {
			applyReload(ctx, next, d, mgr, stealer, reg)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}

func applyReload(ctx context.Context, next *config.Config, d config.ConfigDiff, mgr *coordination.Manager, stealer *workstealing.Coordinator, reg *registry.Registry) {
	if d.WorkStealingChanged {
		stealer.Reconfigure(workStealingConfig(d.NewWorkStealing))
	}
	if d.SchedulingChanged {
		mgr.SetAdvancedScheduling(d.NewAdvanced)
	}
	if d.MaintenanceChanged || d.RetentionChanged {
		if err := mgr.SetMaintenance(next.Coordination.MaintenanceSchedule, next.Coordination.ConflictRetention); err != nil {
			slog.Error("failed to apply maintenance change", "error", err)
		}
	}
	if len(d.AgentsAdded)+len(d.AgentsRemoved)+len(d.AgentsChanged) > 0 {
		if err := reg.Apply(ctx, next.Agents); err != nil {
			slog.Error("failed to apply agent changes", "error", err)
		}
	}
}

func newAnalyzer(cfg config.AnalysisConfig, breakers *breaker.Set) (analysis.Analyzer, error) {
	if cfg.Provider != config.ProviderClaude {
		return analysis.Heuristic{}, nil
	}
	c, err := analysis.NewClaude(analysis.ClaudeConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}, breakers.Get("analysis"))
	if err != nil {
		return nil, err
	}
	slog.Info("claude analysis enabled", "model", cfg.Model)
	return c, nil
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout,
		HalfOpenLimit:    c.HalfOpenLimit,
	}
}

func workStealingConfig(c config.WorkStealingConfig) workstealing.Config {
	return workstealing.Config{
		Enabled:        c.Enabled,
		StealThreshold: c.StealThreshold,
		MaxStealBatch:  c.MaxStealBatch,
		StealInterval:  c.StealInterval,
	}
}

func coordinationConfig(cfg *config.Config) coordination.Config {
	c := cfg.Coordination
	return coordination.Config{
		SwarmID:             cfg.Swarm.ID,
		ResourceTimeout:     c.ResourceTimeout,
		MessageTimeout:      c.MessageTimeout,
		DeadlockDetection:   c.DeadlockDetection,
		DeadlockInterval:    c.DeadlockInterval,
		MaintenanceSchedule: c.MaintenanceSchedule,
		ConflictRetention:   c.ConflictRetention,
		StaleLockAge:        c.StaleLockAge,
		AdvancedScheduling:  c.AdvancedScheduling,
	}
}

func consensusConfig(cfg *config.Config) consensus.Config {
	c := cfg.Consensus
	return consensus.Config{
		SwarmID:          cfg.Swarm.ID,
		MonitorInterval:  c.MonitorInterval,
		DeadlineInterval: c.DeadlineInterval,
		MetricsInterval:  c.MetricsInterval,
		DefaultDeadline:  c.DefaultDeadline,
		DefaultThreshold: c.DefaultThreshold,
	}
}
