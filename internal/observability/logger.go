// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for distributed tracing and exposes
// Prometheus metrics for the slot manager, supervisor, adapter, and
// orchestrator.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/modelfleet/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev runs at debug so
// slot accounting and endpoint lifecycle transitions are visible; other
// environments stay at info.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
