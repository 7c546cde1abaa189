package main

import (
	"context"
	"fmt"
	"log/slog"

	"toolrelay/internal/adapter/llm"
	"toolrelay/internal/adapter/mcpbridge"
	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
	"toolrelay/internal/infra/logger"
	"toolrelay/internal/infra/metrics"
	"toolrelay/internal/infra/tracer"
	"toolrelay/internal/usecase"
	"toolrelay/internal/usecase/eventbus"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *metrics.Metrics
	bus          *eventbus.Bus
	registry     *usecase.SessionRegistry
	orchestrator *usecase.Orchestrator

	closeLogger    func() error
	shutdownTracer func(context.Context) error
}

// newApp loads the configuration and wires every component. Nothing is
// connected yet; see connectAll.
func newApp(ctx context.Context, configPath string) (*app, error) {
	// 1. Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	// 2. Logger & tracer
	log, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer, version)
	if err != nil {
		_ = closeLogger()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	// 3. Metrics & event bus
	m := metrics.New()
	bus := eventbus.New(log)

	// 4. Sessions & dispatch
	registry := usecase.NewSessionRegistry(usecase.RegistryDeps{
		Factory:        mcpbridge.NewFactory("toolrelay", version, log),
		Bus:            bus,
		Metrics:        m,
		Logger:         log,
		ConnectTimeout: cfg.Orchestrator.ConnectTimeout,
	})
	dispatcher := usecase.NewToolDispatcher(registry, cfg.Orchestrator.ToolTimeout, m, log)

	// 5. Model backend & orchestration loop
	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		LLM:          llm.NewFromConfig(cfg.LLM, m, log),
		Registry:     registry,
		Dispatcher:   dispatcher,
		Model:        cfg.LLM.Provider.Model,
		SystemPrompt: cfg.Orchestrator.SystemPrompt,
		MaxRounds:    cfg.Orchestrator.MaxRounds,
		RoundTimeout: cfg.Orchestrator.RoundTimeout,
		Metrics:      m,
		Logger:       log,
	})

	return &app{
		cfg:            cfg,
		logger:         log,
		metrics:        m,
		bus:            bus,
		registry:       registry,
		orchestrator:   orch,
		closeLogger:    closeLogger,
		shutdownTracer: shutdownTracer,
	}, nil
}

// connectAll connects every configured server in order. Failures are logged
// and skipped. It returns the number of servers connected.
func (a *app) connectAll(ctx context.Context) int {
	connected := 0
	for _, s := range a.cfg.Servers {
		if err := a.registry.Connect(ctx, s.Name, launchConfig(s)); err != nil {
			a.logger.Error("server connect failed", "server", s.Name, "error", err)
			continue
		}
		connected++
	}
	a.logger.Info("servers connected", "connected", connected, "configured", len(a.cfg.Servers))
	return connected
}

// close tears the components down in reverse order of construction.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	a.registry.Close(ctx)
	a.bus.Close()
	if err := a.shutdownTracer(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", "error", err)
	}
	_ = a.closeLogger()
}

func launchConfig(s config.MCPServer) domain.LaunchConfig {
	return domain.LaunchConfig{
		Transport: s.Transport,
		Command:   s.Command,
		Args:      s.Args,
		Env:       s.Env,
		URL:       s.URL,
	}
}
