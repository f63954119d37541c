// Package config defines configuration parsing and helpers.
//
// All configuration is environment-driven. Each tier reads its own group of
// variables under a fixed prefix (Q4_TOOLS_, VISION_, ...); a tier whose
// BASE_URL is missing is still registered but disabled, so acquisitions
// against it fail fast instead of at request time.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// TierConfig holds the per-tier settings recognized under a tier prefix.
// The transport fields feed the endpoint registry; the spawn fields are used
// only by the process supervisor.
type TierConfig struct {
	BaseURL             string `env:"BASE_URL"`
	ModelID             string `env:"MODEL_ID"`
	MaxSlots            int    `env:"MAX_SLOTS" envDefault:"1"`
	CtxSize             int    `env:"CTX_SIZE" envDefault:"8192"`
	Dialect             string `env:"DIALECT" envDefault:"native"`
	IdleShutdownSeconds int    `env:"IDLE_SHUTDOWN_SECONDS" envDefault:"0"`
	// Thinking is an optional effort hint (low|medium|high); only honored
	// for the gateway dialect.
	Thinking          string `env:"THINKING"`
	SupportsTools     bool   `env:"SUPPORTS_TOOLS" envDefault:"false"`
	SupportsVision    bool   `env:"SUPPORTS_VISION" envDefault:"false"`
	ExternallyManaged bool   `env:"EXTERNALLY_MANAGED" envDefault:"false"`

	// Supervisor-only spawn settings.
	BinaryPath string   `env:"BINARY_PATH"`
	ModelPath  string   `env:"MODEL_PATH"`
	Port       int      `env:"PORT" envDefault:"0"`
	GPULayers  int      `env:"GPU_LAYERS" envDefault:"0"`
	Batch      int      `env:"BATCH" envDefault:"512"`
	Parallel   int      `env:"PARALLEL" envDefault:"1"`
	Threads    int      `env:"THREADS" envDefault:"0"`
	ExtraArgs  []string `env:"EXTRA_ARGS" envSeparator:" "`
}

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	HTTPPort int    `env:"HTTP_PORT" envDefault:"8080"`
	// StateDir holds per-tier PID files and child process logs.
	StateDir string `env:"STATE_DIR" envDefault:"/tmp/modelfleet"`

	// Orchestrator settings.
	MaxParallel     int64 `env:"ORCHESTRATOR_MAX_PARALLEL" envDefault:"8"`
	PlannerMaxTasks int   `env:"PLANNER_MAX_TASKS" envDefault:"6"`

	// Slot manager settings.
	AutoStart             bool          `env:"SLOT_AUTO_START" envDefault:"true"`
	AcquireTimeout        time.Duration `env:"SLOT_ACQUIRE_TIMEOUT" envDefault:"30s"`
	AcquireInitialBackoff time.Duration `env:"SLOT_ACQUIRE_INITIAL_BACKOFF" envDefault:"200ms"`
	AcquireMaxAttempts    int           `env:"SLOT_ACQUIRE_MAX_ATTEMPTS" envDefault:"8"`
	HealthTimeout         time.Duration `env:"HEALTH_PROBE_TIMEOUT" envDefault:"5s"`
	StartWindow           time.Duration `env:"ENDPOINT_START_WINDOW" envDefault:"30s"`

	// Idle reaper settings.
	ReapInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"60s"`
	StopTimeout  time.Duration `env:"PROCESS_STOP_TIMEOUT" envDefault:"10s"`

	// LLM adapter settings.
	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"modelfleet"`

	Q4Tools    TierConfig `envPrefix:"Q4_TOOLS_"`
	Vision     TierConfig `envPrefix:"VISION_"`
	Coder      TierConfig `envPrefix:"CODER_"`
	DeepReason TierConfig `envPrefix:"DEEP_REASON_"`
	Summary    TierConfig `envPrefix:"SUMMARY_"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Tiers returns the per-tier configurations keyed by tier name in
// declaration order. The key set is fixed at compile time.
func (c Config) Tiers() map[string]TierConfig {
	return map[string]TierConfig{
		"Q4_TOOLS":    c.Q4Tools,
		"VISION":      c.Vision,
		"CODER":       c.Coder,
		"DEEP_REASON": c.DeepReason,
		"SUMMARY":     c.Summary,
	}
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
