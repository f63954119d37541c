package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fairyhunter13/modelfleet/internal/domain"
)

const plannerSystem = "You are a planning agent for a fabrication workshop assistant. " +
	"Decompose the goal into independent subtasks and assign each to the best-suited agent. " +
	"Respond with a JSON array only."

// plannedTask is the planner's wire shape for one subtask.
type plannedTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Agent       string   `json:"assigned_agent"`
	DependsOn   []string `json:"depends_on"`
}

// decompose asks the planner tier for a task list and validates it. Any
// planner failure or empty plan switches to the deterministic template
// fallback, so the orchestrator always produces a non-empty DAG.
func (o *Orchestrator) decompose(ctx context.Context, run *domain.GoalRun, goal string, maxTasks int) []*domain.Task {
	res, err := o.llm.Generate(ctx, domain.GenerateRequest{
		Tier:        o.cfg.PlannerTier,
		System:      plannerSystem,
		Prompt:      o.plannerPrompt(goal, maxTasks),
		MaxTokens:   1024,
		Temperature: 0.2,
	})
	if err != nil {
		o.logf(run, "warn", "decomposition fallback: planner call failed: %v", err)
		return o.fallbackPlan(run, goal)
	}

	planned, err := parsePlan(res.Text)
	if err != nil {
		o.logf(run, "warn", "decomposition fallback: %v", err)
		return o.fallbackPlan(run, goal)
	}
	tasks := o.validatePlan(run, planned, maxTasks)
	if len(tasks) == 0 {
		o.logf(run, "warn", "decomposition fallback: planner returned no usable tasks")
		return o.fallbackPlan(run, goal)
	}
	return tasks
}

func (o *Orchestrator) plannerPrompt(goal string, maxTasks int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nAvailable agents:\n", goal)
	for _, a := range o.agents.All() {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.Role)
	}
	fmt.Fprintf(&b, "\nProduce at most %d tasks as a JSON array of objects with fields "+
		`"id", "description", "assigned_agent", and "depends_on" (a list of task ids). `+
		"Only add dependencies a task genuinely needs so independent tasks can run in parallel.",
		maxTasks)
	return b.String()
}

// parsePlan extracts the first array-shaped JSON substring from the planner
// response (planners often surround JSON with prose) and unmarshals it.
func parsePlan(text string) ([]plannedTask, error) {
	raw, err := extractJSONArray(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPlanInvalid, err)
	}
	var planned []plannedTask
	if err := json.Unmarshal([]byte(raw), &planned); err != nil {
		return nil, fmt.Errorf("%w: decode plan: %v", domain.ErrPlanInvalid, err)
	}
	return planned, nil
}

// extractJSONArray returns the first balanced top-level JSON array in s,
// respecting string literals and escapes.
func extractJSONArray(s string) (string, error) {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return "", fmt.Errorf("no JSON array in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON array in response")
}

// validatePlan normalizes the planner output: unique ids, resolvable
// agents, dependencies referencing tasks in the same plan, and a hard clamp
// at maxTasks (overflow logged, never trusted).
func (o *Orchestrator) validatePlan(run *domain.GoalRun, planned []plannedTask, maxTasks int) []*domain.Task {
	if len(planned) > maxTasks {
		o.logf(run, "warn", "planner returned %d tasks; clamping to %d", len(planned), maxTasks)
		planned = planned[:maxTasks]
	}

	seen := make(map[string]struct{}, len(planned))
	var tasks []*domain.Task
	for i, p := range planned {
		if strings.TrimSpace(p.Description) == "" {
			o.logf(run, "warn", "dropping task with empty description at position %d", i+1)
			continue
		}
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = fmt.Sprintf("t%d", i+1)
		}
		if _, dup := seen[id]; dup {
			o.logf(run, "warn", "dropping task with duplicate id %q", id)
			continue
		}
		seen[id] = struct{}{}

		agent := strings.TrimSpace(p.Agent)
		if _, ok := o.agents.Get(agent); !ok {
			o.logf(run, "warn", "task %s assigned to unknown agent %q; substituting %s",
				id, agent, o.agents.Default().Name)
			agent = o.agents.Default().Name
		}
		tasks = append(tasks, &domain.Task{
			ID:          id,
			Description: p.Description,
			Agent:       agent,
			DependsOn:   p.DependsOn,
			Status:      domain.TaskPending,
		})
	}

	// Unknown and self dependency references are dropped, not fatal.
	for _, t := range tasks {
		var deps []string
		for _, dep := range t.DependsOn {
			if _, ok := seen[dep]; !ok || dep == t.ID {
				o.logf(run, "warn", "task %s drops unresolvable dependency %q", t.ID, dep)
				continue
			}
			deps = append(deps, dep)
		}
		t.DependsOn = deps
	}
	return tasks
}

// fallbackPlan emits a deterministic three-task plan keyed by goal
// keywords. This guarantees a non-empty DAG when the planner misbehaves.
func (o *Orchestrator) fallbackPlan(run *domain.GoalRun, goal string) []*domain.Task {
	lower := strings.ToLower(goal)
	switch {
	case containsAny(lower, "implement", "code", "program", "script", "firmware", "g-code", "gcode"):
		o.logf(run, "info", "using code-implementation template plan")
		return []*domain.Task{
			{ID: "t1", Agent: "researcher", Status: domain.TaskPending,
				Description: "Research the requirements, constraints, and existing approaches for: " + goal},
			{ID: "t2", Agent: "coder", DependsOn: []string{"t1"}, Status: domain.TaskPending,
				Description: "Implement a working solution for: " + goal},
			{ID: "t3", Agent: "reasoner", DependsOn: []string{"t2"}, Status: domain.TaskPending,
				Description: "Review the implementation for correctness and edge cases, and list improvements."},
		}
	case containsAny(lower, "cad", "design", "print", "enclosure", "bracket", "3d model", "openscad"):
		o.logf(run, "info", "using cad-design template plan")
		return []*domain.Task{
			{ID: "t1", Agent: "researcher", Status: domain.TaskPending,
				Description: "Research dimensions, materials, and mechanical constraints for: " + goal},
			{ID: "t2", Agent: "cad_designer", DependsOn: []string{"t1"}, Status: domain.TaskPending,
				Description: "Produce a parametric CAD description for: " + goal},
			{ID: "t3", Agent: "reasoner", DependsOn: []string{"t2"}, Status: domain.TaskPending,
				Description: "Verify printability, tolerances, and assembly fit of the design."},
		}
	default:
		o.logf(run, "info", "using generic research template plan")
		return []*domain.Task{
			{ID: "t1", Agent: "researcher", Status: domain.TaskPending,
				Description: "Research the relevant facts and options for: " + goal},
			{ID: "t2", Agent: "reasoner", DependsOn: []string{"t1"}, Status: domain.TaskPending,
				Description: "Analyze the research and derive concrete recommendations for: " + goal},
			{ID: "t3", Agent: "summarizer", DependsOn: []string{"t1", "t2"}, Status: domain.TaskPending,
				Description: "Synthesize the findings into a clear, actionable answer."},
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
