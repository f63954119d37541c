// Package orchestrator decomposes a goal into a DAG of typed subtasks,
// executes ready tasks concurrently under the global parallelism cap, and
// synthesizes the results. Individual task failures degrade gracefully;
// the orchestrator never fabricates results on behalf of a failed task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/modelfleet/internal/domain"
	"github.com/fairyhunter13/modelfleet/internal/observability"
	"github.com/fairyhunter13/modelfleet/internal/registry"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxParallel caps concurrent task executions regardless of DAG width.
	MaxParallel int64
	// MaxTasks is the default planner task ceiling.
	MaxTasks int
	// PlannerTier answers decomposition calls.
	PlannerTier domain.Tier
	// SynthesisTier answers the final synthesis call.
	SynthesisTier domain.Tier
	// SummaryTier answers the short voice-summary call.
	SummaryTier domain.Tier
	// DepContextLimit caps the characters of each upstream result inlined
	// into a dependent task's prompt.
	DepContextLimit int
	// SynthesisLimit caps the characters of each task result inlined into
	// the synthesis prompt.
	SynthesisLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 6
	}
	if c.PlannerTier == "" {
		c.PlannerTier = domain.TierQ4Tools
	}
	if c.SynthesisTier == "" {
		c.SynthesisTier = domain.TierDeepReason
	}
	if c.SummaryTier == "" {
		c.SummaryTier = domain.TierSummary
	}
	if c.DepContextLimit <= 0 {
		c.DepContextLimit = 1500
	}
	if c.SynthesisLimit <= 0 {
		c.SynthesisLimit = 2000
	}
	return c
}

// ExecuteOptions tunes one goal run.
type ExecuteOptions struct {
	// MaxTasks overrides the planner task ceiling; zero uses the default.
	MaxTasks int
}

// Orchestrator schedules goal runs. Construct once and share; it is safe
// for concurrent runs, which share only the slot manager underneath the
// generator.
type Orchestrator struct {
	llm    domain.TextGenerator
	agents *registry.AgentRegistry
	cfg    Config
	sem    *semaphore.Weighted
	tracer trace.Tracer

	logMu sync.Mutex // guards appends to a run's execution log
}

// New builds an Orchestrator.
func New(gen domain.TextGenerator, agents *registry.AgentRegistry, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		llm:    gen,
		agents: agents,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxParallel),
		tracer: otel.Tracer("modelfleet/orchestrator"),
	}
}

// ExecuteGoal runs the full decompose → schedule → synthesize pipeline and
// returns the run aggregate. The run object carries the truth: every
// failure has an error message, and metrics.failed > 0 is the canonical
// signal of partial success. The returned error is non-nil only for an
// unusable goal.
func (o *Orchestrator) ExecuteGoal(ctx context.Context, goal string, opts ExecuteOptions) (*domain.GoalRun, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: empty goal", domain.ErrInvalidArgument)
	}
	maxTasks := opts.MaxTasks
	if maxTasks <= 0 {
		maxTasks = o.cfg.MaxTasks
	}

	start := time.Now()
	run := &domain.GoalRun{ID: uuid.NewString(), Goal: goal}

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_goal",
		trace.WithAttributes(attribute.String("goal_run.id", run.ID)))
	defer span.End()

	o.logf(run, "info", "goal run %s started", run.ID)
	run.Tasks = o.decompose(ctx, run, goal, maxTasks)
	o.schedule(ctx, run)
	o.finalize(run, start)

	run.FinalOutput = o.synthesize(ctx, run)
	run.VoiceSummary = o.voiceSummary(ctx, run)
	run.Metrics.TotalDurationMS = time.Since(start).Milliseconds()

	observability.GoalDuration.Observe(time.Since(start).Seconds())
	observability.ParallelBatches.Observe(float64(run.Metrics.ParallelBatches))
	o.logf(run, "info", "goal run %s finished: %d completed, %d failed, %d skipped in %d batches",
		run.ID, run.Metrics.Completed, run.Metrics.Failed, run.Metrics.Skipped, run.Metrics.ParallelBatches)
	return run, nil
}

// schedule walks the DAG in topological layers. A batch is the set of ready
// tasks launched concurrently in one iteration, bounded by the global
// semaphore. A failed task never stops its siblings.
func (o *Orchestrator) schedule(ctx context.Context, run *domain.GoalRun) {
	byID := make(map[string]*domain.Task, len(run.Tasks))
	for _, t := range run.Tasks {
		t.Status = domain.TaskPending
		byID[t.ID] = t
	}

	for {
		if ctx.Err() != nil {
			skipped := 0
			for _, t := range run.Tasks {
				if t.Status == domain.TaskPending {
					t.Status = domain.TaskSkipped
					t.Error = "canceled"
					skipped++
				}
			}
			run.Partial = true
			o.logf(run, "warn", "run canceled; %d pending tasks skipped", skipped)
			return
		}

		var ready []*domain.Task
		pending := 0
		for _, t := range run.Tasks {
			if t.Status != domain.TaskPending {
				continue
			}
			pending++
			depsDone := true
			for _, dep := range t.DependsOn {
				d, ok := byID[dep]
				if !ok || !d.Status.Terminal() {
					depsDone = false
					break
				}
			}
			if depsDone {
				ready = append(ready, t)
			}
		}
		if pending == 0 {
			return
		}
		if len(ready) == 0 {
			// No progress possible: the remaining tasks form a cycle.
			for _, t := range run.Tasks {
				if t.Status == domain.TaskPending {
					t.Status = domain.TaskSkipped
					t.Error = "blocked by cycle"
				}
			}
			o.logf(run, "warn", "dependency cycle detected; %d tasks skipped", pending)
			return
		}

		run.Metrics.ParallelBatches++
		o.logf(run, "info", "batch %d: launching %d tasks", run.Metrics.ParallelBatches, len(ready))

		// Tasks already launched must complete even if the caller cancels
		// mid-run; cancellation is honored at batch boundaries.
		execCtx := context.WithoutCancel(ctx)
		var wg sync.WaitGroup
		for _, t := range ready {
			t.Status = domain.TaskRunning
			t.StartedAt = time.Now()
			wg.Add(1)
			go func(t *domain.Task) {
				defer wg.Done()
				if err := o.sem.Acquire(execCtx, 1); err != nil {
					t.Status = domain.TaskFailed
					t.Error = err.Error()
					t.FinishedAt = time.Now()
					return
				}
				defer o.sem.Release(1)
				o.runTask(execCtx, run, byID, t)
			}(t)
		}
		wg.Wait()
	}
}

// runTask executes one task through the adapter using the assigned agent's
// defaults. On failure the result text becomes a sentinel so downstream
// tasks see explicit failure context instead of blocking.
func (o *Orchestrator) runTask(ctx context.Context, run *domain.GoalRun, byID map[string]*domain.Task, t *domain.Task) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.task",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.agent", t.Agent)))
	defer span.End()

	agent, ok := o.agents.Get(t.Agent)
	if !ok {
		agent = o.agents.Default()
	}

	res, err := o.llm.Generate(ctx, domain.GenerateRequest{
		Tier:          agent.PrimaryTier,
		FallbackTier:  agent.FallbackTier,
		AllowFallback: agent.FallbackTier != "",
		System:        agent.Role,
		Prompt:        o.buildTaskPrompt(run.Goal, t, byID),
		MaxTokens:     agent.MaxTokens,
		Temperature:   agent.Temperature,
		Agent:         &agent,
	})
	t.FinishedAt = time.Now()
	if err != nil {
		t.Status = domain.TaskFailed
		if errors.Is(err, domain.ErrNoCapacity) {
			t.Error = "no_capacity"
		} else {
			t.Error = err.Error()
		}
		t.Result = fmt.Sprintf("[task %s failed: %s]", t.ID, t.Error)
		o.logf(run, "error", "task %s (%s) failed: %s", t.ID, t.Agent, t.Error)
		return
	}

	t.Status = domain.TaskCompleted
	t.Result = res.Text
	t.PromptTokens = res.PromptTokens
	t.CompletionTokens = res.CompletionTokens
	t.LatencyMS = res.LatencyMS
	t.Endpoint = res.Endpoint
	t.UsedFallback = res.UsedFallback
	o.logf(run, "info", "task %s (%s) completed on %s in %dms",
		t.ID, t.Agent, res.Endpoint, res.LatencyMS)
}

// buildTaskPrompt concatenates the task description with the truncated
// results of its upstream dependencies.
func (o *Orchestrator) buildTaskPrompt(goal string, t *domain.Task, byID map[string]*domain.Task) string {
	var b strings.Builder
	b.WriteString("Overall goal: ")
	b.WriteString(goal)
	b.WriteString("\n\nYour task: ")
	b.WriteString(t.Description)
	if len(t.DependsOn) > 0 {
		b.WriteString("\n\nContext from prerequisite tasks:")
		for _, dep := range t.DependsOn {
			d, ok := byID[dep]
			if !ok || d.Result == "" {
				continue
			}
			b.WriteString("\n### ")
			b.WriteString(dep)
			b.WriteString("\n")
			b.WriteString(truncate(d.Result, o.cfg.DepContextLimit))
		}
	}
	return b.String()
}

// synthesize issues the final call on the synthesis tier. On failure the
// output degrades to an explicitly marked concatenation of task results.
func (o *Orchestrator) synthesize(ctx context.Context, run *domain.GoalRun) string {
	var b strings.Builder
	b.WriteString("Goal: ")
	b.WriteString(run.Goal)
	b.WriteString("\n\nTask results:\n")
	for _, t := range run.Tasks {
		fmt.Fprintf(&b, "\n## %s (%s, %s)\n%s\n", t.ID, t.Agent, t.Status, truncate(t.Result, o.cfg.SynthesisLimit))
	}
	b.WriteString("\nProduce a single coherent answer to the goal from the task results above.")

	// Synthesis still runs after cancellation so partial runs return
	// whatever was produced.
	res, err := o.llm.Generate(context.WithoutCancel(ctx), domain.GenerateRequest{
		Tier:        o.cfg.SynthesisTier,
		System:      "You are the synthesis agent. Combine the subtask results into one complete, well-organized answer.",
		Prompt:      b.String(),
		MaxTokens:   2048,
		Temperature: 0.3,
	})
	if err != nil {
		o.logf(run, "warn", "synthesis failed: %v", err)
		var out strings.Builder
		out.WriteString("Synthesis failed: ")
		out.WriteString(err.Error())
		out.WriteString("\n")
		for _, t := range run.Tasks {
			fmt.Fprintf(&out, "\n--- %s (%s) ---\n%s\n", t.ID, t.Status, t.Result)
		}
		return out.String()
	}
	return res.Text
}

// voiceSummary issues the optional short summary call. Failures degrade to
// an empty string, never to run failure.
func (o *Orchestrator) voiceSummary(ctx context.Context, run *domain.GoalRun) string {
	if run.FinalOutput == "" {
		return ""
	}
	res, err := o.llm.Generate(context.WithoutCancel(ctx), domain.GenerateRequest{
		Tier:        o.cfg.SummaryTier,
		System:      "Summarize the answer in 2-3 spoken-style sentences.",
		Prompt:      truncate(run.FinalOutput, o.cfg.SynthesisLimit),
		MaxTokens:   256,
		Temperature: 0.3,
	})
	if err != nil {
		o.logf(run, "warn", "voice summary failed: %v", err)
		return ""
	}
	return res.Text
}

// finalize fills the run metrics from the terminal task states.
func (o *Orchestrator) finalize(run *domain.GoalRun, start time.Time) {
	m := &run.Metrics
	m.TotalTasks = len(run.Tasks)
	endpoints := make(map[string]struct{})
	for _, t := range run.Tasks {
		switch t.Status {
		case domain.TaskCompleted:
			m.Completed++
		case domain.TaskFailed:
			m.Failed++
		case domain.TaskSkipped:
			m.Skipped++
		}
		observability.TasksTotal.WithLabelValues(string(t.Status)).Inc()
		m.TotalTokens += t.PromptTokens + t.CompletionTokens
		if t.UsedFallback {
			m.FallbackCount++
		}
		if t.Endpoint != "" {
			endpoints[string(t.Endpoint)] = struct{}{}
		}
	}
	for ep := range endpoints {
		m.EndpointsUsed = append(m.EndpointsUsed, ep)
	}
	sort.Strings(m.EndpointsUsed)
	m.TotalDurationMS = time.Since(start).Milliseconds()
}

// logf appends a timestamped entry to the run's execution log and mirrors
// it to the process logger.
func (o *Orchestrator) logf(run *domain.GoalRun, level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	o.logMu.Lock()
	run.Log = append(run.Log, domain.LogEntry{Time: time.Now(), Level: level, Message: msg})
	o.logMu.Unlock()
	switch level {
	case "error":
		slog.Error(msg, slog.String("goal_run", run.ID))
	case "warn":
		slog.Warn(msg, slog.String("goal_run", run.ID))
	default:
		slog.Info(msg, slog.String("goal_run", run.ID))
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	// Back up to a rune boundary so the cut never emits invalid UTF-8.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "..."
}
