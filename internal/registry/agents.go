package registry

import (
	"sort"

	"github.com/fairyhunter13/modelfleet/internal/domain"
)

// DefaultAgentName is substituted when the planner assigns an agent that
// does not resolve in the registry.
const DefaultAgentName = "researcher"

// builtinAgents is the compile-time agent catalog. Agents are immutable
// values; the planner assigns tasks by name.
var builtinAgents = []domain.Agent{
	{
		Name:        "researcher",
		Role:        "Researches materials, parts, techniques, and prior art for fabrication projects.",
		Tools:       []string{"web_search", "knowledge_lookup"},
		PrimaryTier: domain.TierQ4Tools,
		MaxTokens:   1024,
		Temperature: 0.4,
	},
	{
		Name:         "coder",
		Role:         "Writes and reviews firmware, G-code post-processors, and automation scripts.",
		Tools:        []string{"code_search"},
		PrimaryTier:  domain.TierCoder,
		FallbackTier: domain.TierQ4Tools,
		MaxTokens:    2048,
		Temperature:  0.2,
	},
	{
		Name:         "reasoner",
		Role:         "Performs deep multi-step analysis, tolerance budgeting, and design trade-offs.",
		PrimaryTier:  domain.TierDeepReason,
		FallbackTier: domain.TierQ4Tools,
		MaxTokens:    2048,
		Temperature:  0.3,
	},
	{
		Name:        "vision_analyst",
		Role:        "Inspects photos of parts, prints, and assemblies for defects and measurements.",
		PrimaryTier: domain.TierVision,
		MaxTokens:   1024,
		Temperature: 0.2,
	},
	{
		Name:         "cad_designer",
		Role:         "Produces parametric CAD descriptions and OpenSCAD code for printable parts.",
		Tools:        []string{"cad_generate"},
		PrimaryTier:  domain.TierCoder,
		FallbackTier: domain.TierDeepReason,
		MaxTokens:    2048,
		Temperature:  0.25,
	},
	{
		Name:        "summarizer",
		Role:        "Condenses results into short summaries suitable for voice readout.",
		PrimaryTier: domain.TierSummary,
		MaxTokens:   512,
		Temperature: 0.3,
	},
}

// AgentRegistry is a compile-time table of agents keyed by name.
type AgentRegistry struct {
	byName map[string]domain.Agent
}

// NewAgentRegistry builds the registry from the builtin catalog.
func NewAgentRegistry() *AgentRegistry {
	r := &AgentRegistry{byName: make(map[string]domain.Agent, len(builtinAgents))}
	for _, a := range builtinAgents {
		r.byName[a.Name] = a
	}
	return r
}

// Get returns the agent with the given name.
func (r *AgentRegistry) Get(name string) (domain.Agent, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// Default returns the fallback agent used for unresolved assignments.
func (r *AgentRegistry) Default() domain.Agent {
	return r.byName[DefaultAgentName]
}

// Names returns all agent names sorted alphabetically.
func (r *AgentRegistry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns all agents sorted by name.
func (r *AgentRegistry) All() []domain.Agent {
	agents := make([]domain.Agent, 0, len(r.byName))
	for _, n := range r.Names() {
		agents = append(agents, r.byName[n])
	}
	return agents
}
