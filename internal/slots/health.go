package slots

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/modelfleet/internal/domain"
)

// prober issues one-shot health probes against endpoint health paths.
type prober struct {
	hc *http.Client
}

func newProber(timeout time.Duration) *prober {
	return &prober{hc: &http.Client{Timeout: timeout}}
}

// healthPath returns the dialect-specific liveness path.
func healthPath(dialect domain.Dialect) string {
	if dialect == domain.DialectGateway {
		return "/api/tags"
	}
	return "/health"
}

func (p *prober) probe(ctx context.Context, ep domain.Endpoint) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL+healthPath(ep.Dialect), nil)
	if err != nil {
		return false
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		slog.Debug("health probe failed",
			slog.String("tier", string(ep.Tier)), slog.Any("error", err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// CheckHealth probes one tier. Any transport error or non-2xx outcome is
// reported as false, never raised.
func (m *Manager) CheckHealth(ctx context.Context, tier domain.Tier) bool {
	ep, ok := m.reg.Get(tier)
	if !ok || !ep.Enabled {
		return false
	}
	return m.probes.probe(ctx, ep)
}

// CheckAllHealth probes every enabled tier and returns the results keyed by
// tier. Disabled tiers report false.
func (m *Manager) CheckAllHealth(ctx context.Context) map[domain.Tier]bool {
	out := make(map[domain.Tier]bool)
	for _, ep := range m.reg.All() {
		if !ep.Enabled {
			out[ep.Tier] = false
			continue
		}
		out[ep.Tier] = m.probes.probe(ctx, ep)
	}
	return out
}
