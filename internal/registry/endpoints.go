// Package registry builds the static endpoint and agent tables from
// configuration. Neither table mutates after initialization; all runtime
// state (slot counters, process liveness) lives elsewhere.
package registry

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/modelfleet/internal/config"
	"github.com/fairyhunter13/modelfleet/internal/domain"
)

// EndpointRegistry is a pure value table of endpoint descriptions keyed by
// tier. Safe for concurrent reads.
type EndpointRegistry struct {
	byTier map[domain.Tier]domain.Endpoint
	order  []domain.Tier
}

// NewEndpointRegistry builds the registry from configuration. A tier with a
// missing BASE_URL is registered but disabled. Malformed values are a
// startup-fatal config error.
func NewEndpointRegistry(cfg config.Config) (*EndpointRegistry, error) {
	r := &EndpointRegistry{byTier: make(map[domain.Tier]domain.Endpoint)}
	tiers := cfg.Tiers()
	for _, tier := range domain.AllTiers() {
		tc, ok := tiers[string(tier)]
		if !ok {
			return nil, fmt.Errorf("%w: no configuration group for tier %s", domain.ErrInvalidArgument, tier)
		}
		ep, err := buildEndpoint(tier, tc)
		if err != nil {
			return nil, err
		}
		r.byTier[tier] = ep
		r.order = append(r.order, tier)
	}
	return r, nil
}

func buildEndpoint(tier domain.Tier, tc config.TierConfig) (domain.Endpoint, error) {
	var dialect domain.Dialect
	switch tc.Dialect {
	case "native", "":
		dialect = domain.DialectNative
	case "gateway":
		dialect = domain.DialectGateway
	default:
		return domain.Endpoint{}, fmt.Errorf("%w: tier %s has unknown dialect %q", domain.ErrInvalidArgument, tier, tc.Dialect)
	}
	if tc.MaxSlots < 1 {
		return domain.Endpoint{}, fmt.Errorf("%w: tier %s has max_slots %d, need >= 1", domain.ErrInvalidArgument, tier, tc.MaxSlots)
	}
	switch tc.Thinking {
	case "", "low", "medium", "high":
	default:
		return domain.Endpoint{}, fmt.Errorf("%w: tier %s has unknown thinking effort %q", domain.ErrInvalidArgument, tier, tc.Thinking)
	}
	thinking := tc.Thinking
	if dialect != domain.DialectGateway {
		// Thinking effort is a gateway-dialect option only.
		thinking = ""
	}
	return domain.Endpoint{
		Tier:              tier,
		BaseURL:           tc.BaseURL,
		ModelID:           tc.ModelID,
		Dialect:           dialect,
		MaxSlots:          tc.MaxSlots,
		IdleShutdown:      time.Duration(tc.IdleShutdownSeconds) * time.Second,
		SupportsTools:     tc.SupportsTools,
		SupportsVision:    tc.SupportsVision,
		ThinkingEffort:    thinking,
		ExternallyManaged: tc.ExternallyManaged,
		Enabled:           tc.BaseURL != "",
	}, nil
}

// Get returns the endpoint for a tier.
func (r *EndpointRegistry) Get(tier domain.Tier) (domain.Endpoint, bool) {
	ep, ok := r.byTier[tier]
	return ep, ok
}

// All returns every registered endpoint in declaration order.
func (r *EndpointRegistry) All() []domain.Endpoint {
	out := make([]domain.Endpoint, 0, len(r.order))
	for _, tier := range r.order {
		out = append(out, r.byTier[tier])
	}
	return out
}
