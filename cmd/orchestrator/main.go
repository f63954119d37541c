// Package main provides the orchestrator application entry point.
// It wires the endpoint registry, process supervisor, slot manager, LLM
// adapter, idle reaper, and goal orchestrator behind a single HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/modelfleet/internal/app"
	"github.com/fairyhunter13/modelfleet/internal/config"
	"github.com/fairyhunter13/modelfleet/internal/llm"
	"github.com/fairyhunter13/modelfleet/internal/observability"
	"github.com/fairyhunter13/modelfleet/internal/orchestrator"
	"github.com/fairyhunter13/modelfleet/internal/reaper"
	"github.com/fairyhunter13/modelfleet/internal/registry"
	"github.com/fairyhunter13/modelfleet/internal/slots"
	"github.com/fairyhunter13/modelfleet/internal/supervisor"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup logging
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	// Enable tracing when an OTLP endpoint is configured.
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))

	// Endpoint and agent registries
	endpoints, err := registry.NewEndpointRegistry(cfg)
	if err != nil {
		slog.Error("endpoint registry init failed", slog.Any("error", err))
		os.Exit(1)
	}
	agents := registry.NewAgentRegistry()

	// Process supervisor for locally spawned model servers
	sup, err := supervisor.New(cfg)
	if err != nil {
		slog.Error("supervisor init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Slot manager gates concurrency per endpoint and auto-starts
	// supervised servers on first demand.
	slotMgr := slots.NewManager(endpoints, sup, slots.Options{
		AutoStart:      cfg.AutoStart,
		StartWindow:    cfg.StartWindow,
		HealthTimeout:  cfg.HealthTimeout,
		AcquireTimeout: cfg.AcquireTimeout,
		InitialBackoff: cfg.AcquireInitialBackoff,
		MaxAttempts:    cfg.AcquireMaxAttempts,
	})

	adapter := llm.New(endpoints, slotMgr, cfg.RequestTimeout)

	orch := orchestrator.New(adapter, agents, orchestrator.Config{
		MaxParallel: cfg.MaxParallel,
		MaxTasks:    cfg.PlannerMaxTasks,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Idle reaper shuts down supervised servers that sit unused past their
	// per-tier threshold.
	idleReaper := reaper.New(endpoints, slotMgr, sup, cfg.ReapInterval, cfg.StopTimeout)
	go idleReaper.Run(rootCtx)

	router := &app.Router{
		Goals:       orch,
		Slots:       slotMgr,
		Supervisor:  sup,
		StopTimeout: cfg.StopTimeout,
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
			stop()
		}
	}()

	<-rootCtx.Done()
	slog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", slog.Any("error", err))
	}

	// Stop every supervised model server so no orphaned children outlive
	// the orchestrator.
	for _, ep := range endpoints.All() {
		if ep.ExternallyManaged {
			continue
		}
		if !sup.IsRunning(ep.Tier) {
			continue
		}
		if err := sup.Stop(shutdownCtx, ep.Tier, cfg.StopTimeout); err != nil {
			slog.Error("endpoint stop failed",
				slog.String("tier", string(ep.Tier)), slog.Any("error", err))
		}
	}
	slog.Info("orchestrator stopped")
}
