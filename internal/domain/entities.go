// Package domain holds the core entities and ports of the inference
// orchestrator: tiers, endpoints, agents, tasks, and goal runs.
package domain

import (
	"context"
	"time"
)

// Tier identifies a logical inference endpoint. Each tier maps 1-to-1 to a
// concrete inference server when running.
type Tier string

// Known tiers of the local fleet.
const (
	TierQ4Tools    Tier = "Q4_TOOLS"
	TierVision     Tier = "VISION"
	TierCoder      Tier = "CODER"
	TierDeepReason Tier = "DEEP_REASON"
	TierSummary    Tier = "SUMMARY"
)

// AllTiers returns the known tiers in declaration order.
func AllTiers() []Tier {
	return []Tier{TierQ4Tools, TierVision, TierCoder, TierDeepReason, TierSummary}
}

// Dialect selects the JSON-over-HTTP request shape spoken to an endpoint.
type Dialect string

const (
	// DialectNative is the llama.cpp-style flat-prompt protocol
	// (POST /completion, health GET /health).
	DialectNative Dialect = "native"
	// DialectGateway is the Ollama-style protocol
	// (POST /api/generate, health GET /api/tags).
	DialectGateway Dialect = "gateway"
)

// Endpoint is the static description of a tier built from configuration.
// Runtime usage counters live in the slot manager; process state lives in
// the supervisor. Endpoint itself is immutable after startup.
type Endpoint struct {
	Tier              Tier
	BaseURL           string
	ModelID           string
	Dialect           Dialect
	MaxSlots          int
	IdleShutdown      time.Duration // zero disables idle reaping
	SupportsTools     bool
	SupportsVision    bool
	ThinkingEffort    string // "", "low", "medium", "high"; gateway dialect only
	ExternallyManaged bool
	// Enabled is false when the tier is registered but has no base URL;
	// acquisitions against a disabled tier fail fast.
	Enabled bool
}

// Agent is a named role with a default tier, optional fallback tier, and a
// tool allowlist. Agents are values; equality is by name.
type Agent struct {
	Name         string
	Role         string
	Tools        []string
	PrimaryTier  Tier
	FallbackTier Tier // empty means no fallback
	MaxTokens    int
	Temperature  float64
}

// TaskStatus enumerates the states of a task within a goal run.
// Transitions are monotonic; completed, failed, and skipped are terminal.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Task is one node of the DAG produced by decomposition. A task enters
// running only after every dependency has reached a terminal state.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Agent       string     `json:"assigned_agent"`
	DependsOn   []string   `json:"depends_on"`
	Status      TaskStatus `json:"status"`

	Result           string `json:"result,omitempty"`
	Error            string `json:"error,omitempty"`
	PromptTokens     int    `json:"tokens_prompt"`
	CompletionTokens int    `json:"tokens_completion"`
	LatencyMS        int64  `json:"latency_ms"`
	Endpoint         Tier   `json:"endpoint_used,omitempty"`
	UsedFallback     bool   `json:"used_fallback"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// GoalMetrics aggregates counters over one goal run.
type GoalMetrics struct {
	TotalDurationMS int64    `json:"total_duration_ms"`
	TotalTokens     int      `json:"total_tokens"`
	TotalTasks      int      `json:"total_tasks"`
	Completed       int      `json:"completed"`
	Failed          int      `json:"failed"`
	Skipped         int      `json:"skipped"`
	ParallelBatches int      `json:"parallel_batches"`
	EndpointsUsed   []string `json:"endpoints_used"`
	FallbackCount   int      `json:"fallback_count"`
}

// LogEntry is one timestamped line of a goal run's execution log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// GoalRun is the aggregate returned by one orchestration call. It is not
// persisted by the core.
type GoalRun struct {
	ID           string      `json:"id"`
	Goal         string      `json:"goal"`
	Tasks        []*Task     `json:"tasks"`
	FinalOutput  string      `json:"final_output"`
	VoiceSummary string      `json:"voice_summary,omitempty"`
	Metrics      GoalMetrics `json:"metrics"`
	Log          []LogEntry  `json:"execution_log"`
	// Partial marks a run that was cut short by caller cancellation.
	Partial bool `json:"partial"`
}

// GenerateRequest describes one text-generation call through the adapter.
type GenerateRequest struct {
	Tier          Tier
	FallbackTier  Tier
	AllowFallback bool
	System        string
	Prompt        string
	MaxTokens     int
	Temperature   float64
	// Timeout bounds the HTTP request; zero uses the adapter default.
	Timeout time.Duration
	// Agent, when set and carrying a non-empty tool allowlist, causes the
	// adapter to append a one-sentence tool recommendation to the system
	// prompt. Advisory only.
	Agent *Agent
}

// GenerateResult carries the generated text plus call metadata.
type GenerateResult struct {
	Text             string
	Thinking         string
	Endpoint         Tier
	UsedFallback     bool
	LatencyMS        int64
	PromptTokens     int
	CompletionTokens int
}

// ProcessStatus describes one supervised inference server process.
type ProcessStatus struct {
	Running           bool   `json:"running"`
	PID               int    `json:"pid,omitempty"`
	Port              int    `json:"port"`
	Alias             string `json:"alias"`
	ExternallyManaged bool   `json:"externally_managed"`
}

// Supervisor (port) manages the lifecycle of local inference server
// processes. Implementations must be safe for concurrent use.
type Supervisor interface {
	// Start launches the tier's process if not already running and returns
	// its PID. Idempotent: an already-running tier returns the existing PID.
	Start(ctx context.Context, tier Tier) (int, error)
	// Stop terminates the tier's process, escalating to a forced kill after
	// gracefulTimeout.
	Stop(ctx context.Context, tier Tier, gracefulTimeout time.Duration) error
	// Restart stops then starts the tier, pausing briefly for port release.
	Restart(ctx context.Context, tier Tier) (int, error)
	// IsRunning reports whether the tier's process is alive or its port is
	// bound.
	IsRunning(tier Tier) bool
	// Status reports all supervised tiers.
	Status() map[Tier]ProcessStatus
}

// TextGenerator (port) issues a single slot-aware generation call.
// Implementations never retry; retries are an orchestrator concern.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}
