// Package llm implements the slot-aware client adapter. It resolves the
// target endpoint, acquires a slot (with fallback when allowed), issues the
// request in the endpoint's wire dialect, and releases the slot on every
// return path. The adapter never retries; retries are an orchestrator
// concern.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/modelfleet/internal/domain"
	"github.com/fairyhunter13/modelfleet/internal/llm/tokencount"
	"github.com/fairyhunter13/modelfleet/internal/observability"
	"github.com/fairyhunter13/modelfleet/internal/registry"
	"github.com/fairyhunter13/modelfleet/internal/slots"
)

// DefaultRequestTimeout bounds a generation request when the caller does
// not provide a timeout.
const DefaultRequestTimeout = 120 * time.Second

// SlotSource is the slice of the slot manager the adapter needs.
type SlotSource interface {
	Acquire(ctx context.Context, tier domain.Tier, opts slots.AcquireOptions) (domain.Tier, bool)
	Release(tier domain.Tier)
}

// Adapter issues generation requests against the fleet. It is stateless
// beyond a reusable HTTP client and a reference to the slot manager.
type Adapter struct {
	reg            *registry.EndpointRegistry
	slots          SlotSource
	hc             *http.Client
	counter        *tokencount.Counter
	defaultTimeout time.Duration
}

// New constructs an Adapter. The HTTP client carries an otel transport; the
// per-request timeout comes from the request context, not the client.
func New(reg *registry.EndpointRegistry, ss SlotSource, defaultTimeout time.Duration) *Adapter {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultRequestTimeout
	}
	return &Adapter{
		reg:            reg,
		slots:          ss,
		hc:             &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		counter:        tokencount.NewCounter(),
		defaultTimeout: defaultTimeout,
	}
}

// Generate performs one generation call. On success the result carries the
// text plus endpoint, fallback, latency, and token metadata. The slot is
// released on success, transport error, non-2xx response, and cancellation
// alike.
func (a *Adapter) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResult, error) {
	primary, ok := a.reg.Get(req.Tier)
	if !ok {
		return domain.GenerateResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownTier, req.Tier)
	}
	if !primary.Enabled {
		return domain.GenerateResult{}, fmt.Errorf("%w: %s", domain.ErrTierDisabled, req.Tier)
	}

	actual, ok := a.slots.Acquire(ctx, req.Tier, slots.AcquireOptions{
		AllowFallback: req.AllowFallback,
		FallbackTier:  req.FallbackTier,
	})
	if !ok {
		return domain.GenerateResult{}, fmt.Errorf("%w: tier %s", domain.ErrNoCapacity, req.Tier)
	}
	defer a.slots.Release(actual)

	ep, ok := a.reg.Get(actual)
	if !ok {
		return domain.GenerateResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownTier, actual)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	system := req.System
	if hint := toolGuidance(req.Agent); hint != "" {
		system = strings.TrimSpace(system + " " + hint)
	}

	start := time.Now()
	var (
		out wireResult
		err error
	)
	switch ep.Dialect {
	case domain.DialectGateway:
		out, err = a.callGateway(callCtx, ep, system, req)
	default:
		out, err = a.callNative(callCtx, ep, system, req)
	}
	latency := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.LLMRequestsTotal.WithLabelValues(string(actual), string(ep.Dialect), outcome).Inc()
	observability.LLMRequestDuration.WithLabelValues(string(actual), string(ep.Dialect)).Observe(latency.Seconds())

	if err != nil {
		slog.Warn("llm request failed",
			slog.String("tier", string(actual)),
			slog.String("dialect", string(ep.Dialect)),
			slog.Any("error", err))
		return domain.GenerateResult{}, err
	}

	promptTokens := out.promptTokens
	if promptTokens == 0 {
		promptTokens = a.counter.Estimate(system + req.Prompt)
	}
	completionTokens := out.completionTokens
	if completionTokens == 0 {
		completionTokens = a.counter.Estimate(out.text)
	}

	slog.Debug("llm request completed",
		slog.String("tier", string(actual)),
		slog.Bool("used_fallback", actual != req.Tier),
		slog.Int64("latency_ms", latency.Milliseconds()),
		slog.Int("tokens_prompt", promptTokens),
		slog.Int("tokens_completion", completionTokens))

	return domain.GenerateResult{
		Text:             out.text,
		Thinking:         out.thinking,
		Endpoint:         actual,
		UsedFallback:     actual != req.Tier,
		LatencyMS:        latency.Milliseconds(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, nil
}

// toolGuidance renders the advisory tool sentence for agents with a
// non-empty allowlist.
func toolGuidance(agent *domain.Agent) string {
	if agent == nil || len(agent.Tools) == 0 {
		return ""
	}
	return fmt.Sprintf("When external capabilities are needed, prefer these tools: %s.",
		strings.Join(agent.Tools, ", "))
}
