// Package reaper implements the idle watcher: a single long-lived loop that
// periodically stops endpoints whose idle window has elapsed.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/modelfleet/internal/domain"
	"github.com/fairyhunter13/modelfleet/internal/observability"
	"github.com/fairyhunter13/modelfleet/internal/registry"
)

// IdleChecker is the slice of the slot manager the reaper needs.
type IdleChecker interface {
	IsIdle(tier domain.Tier, threshold time.Duration) bool
}

// Reaper sweeps the endpoint registry on a fixed interval and asks the
// supervisor to stop tiers that exceeded their idle threshold. Tiers with a
// zero threshold and externally managed tiers are exempt.
type Reaper struct {
	reg         *registry.EndpointRegistry
	slots       IdleChecker
	sup         domain.Supervisor
	interval    time.Duration
	stopTimeout time.Duration
}

// New builds a Reaper. interval defaults to one minute when non-positive.
func New(reg *registry.EndpointRegistry, slots IdleChecker, sup domain.Supervisor, interval, stopTimeout time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Reaper{reg: reg, slots: slots, sup: sup, interval: interval, stopTimeout: stopTimeout}
}

// Run loops until the context is canceled, sweeping once per interval.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("idle reaper started", slog.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("idle reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep checks every tier once. Errors on one tier never abort the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	for _, ep := range r.reg.All() {
		if ep.IdleShutdown <= 0 || ep.ExternallyManaged {
			continue
		}
		if !r.sup.IsRunning(ep.Tier) {
			continue
		}
		if !r.slots.IsIdle(ep.Tier, ep.IdleShutdown) {
			continue
		}
		slog.Info("stopping idle endpoint",
			slog.String("tier", string(ep.Tier)),
			slog.Duration("idle_threshold", ep.IdleShutdown))
		if err := r.sup.Stop(ctx, ep.Tier, r.stopTimeout); err != nil {
			slog.Warn("idle stop failed",
				slog.String("tier", string(ep.Tier)), slog.Any("error", err))
			continue
		}
		observability.EndpointStopsTotal.WithLabelValues(string(ep.Tier), "idle").Inc()
	}
}
