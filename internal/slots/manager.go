// Package slots implements the process-wide slot manager: per-endpoint
// concurrency accounting, fair acquisition with fallback, idle tracking,
// and health probing.
//
// The manager is the single authority for endpoint usage. Each endpoint
// owns its own mutex; no operation takes more than one endpoint lock at a
// time, and the registry itself is immutable after construction.
package slots

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/modelfleet/internal/domain"
	"github.com/fairyhunter13/modelfleet/internal/observability"
	"github.com/fairyhunter13/modelfleet/internal/registry"
)

// backoffCeiling caps the per-attempt sleep during acquisition.
const backoffCeiling = 5 * time.Second

// startPollInterval is how often a freshly spawned endpoint is probed for
// readiness.
const startPollInterval = 500 * time.Millisecond

// Options tunes the manager's acquisition defaults.
type Options struct {
	// AutoStart makes Acquire ask the supervisor to start a stopped
	// endpoint before attempting acquisition.
	AutoStart bool
	// StartWindow bounds how long Acquire waits for a freshly started
	// endpoint to pass a health probe.
	StartWindow time.Duration
	// HealthTimeout bounds a single health probe.
	HealthTimeout time.Duration
	// AcquireTimeout is the default overall acquisition deadline.
	AcquireTimeout time.Duration
	// InitialBackoff is the default first retry sleep.
	InitialBackoff time.Duration
	// MaxAttempts is the default attempt ceiling.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.StartWindow <= 0 {
		o.StartWindow = 30 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	return o
}

// AcquireOptions tunes a single acquisition. Zero values fall back to the
// manager defaults.
type AcquireOptions struct {
	AllowFallback  bool
	FallbackTier   domain.Tier
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxAttempts    int
}

// Status is the per-tier usage snapshot returned by Manager.Status.
type Status struct {
	Max       int `json:"max"`
	Active    int `json:"active"`
	Available int `json:"available"`
}

type endpointState struct {
	mu          sync.Mutex
	active      int
	lastRelease time.Time // zero until the first release
}

// Manager tracks slot usage for every registered endpoint. Construct once
// at startup and share the instance; it is safe for concurrent use.
type Manager struct {
	reg    *registry.EndpointRegistry
	sup    domain.Supervisor // nil disables on-demand starts
	opts   Options
	probes *prober
	states map[domain.Tier]*endpointState
}

// NewManager builds a Manager over the given registry. sup may be nil, in
// which case endpoints are assumed to be managed externally and Acquire
// never attempts an on-demand start.
func NewManager(reg *registry.EndpointRegistry, sup domain.Supervisor, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		reg:    reg,
		sup:    sup,
		opts:   opts,
		probes: newProber(opts.HealthTimeout),
		states: make(map[domain.Tier]*endpointState),
	}
	for _, ep := range reg.All() {
		m.states[ep.Tier] = &endpointState{}
	}
	return m
}

// Acquire obtains one slot on tier, retrying with exponential backoff up to
// the attempt ceiling within the overall deadline, then falling back (a
// single attempt, no retries) when allowed. It returns the tier actually
// acquired and whether acquisition succeeded. Failure is reported, never
// raised.
func (m *Manager) Acquire(ctx context.Context, tier domain.Tier, opts AcquireOptions) (domain.Tier, bool) {
	ep, ok := m.reg.Get(tier)
	if !ok {
		slog.Warn("slot acquire on unknown tier", slog.String("tier", string(tier)))
		observability.SlotAcquiresTotal.WithLabelValues(string(tier), "unknown").Inc()
		return tier, false
	}
	if !ep.Enabled {
		slog.Debug("slot acquire on disabled tier", slog.String("tier", string(tier)))
		observability.SlotAcquiresTotal.WithLabelValues(string(tier), "disabled").Inc()
		return tier, false
	}

	if m.opts.AutoStart && m.sup != nil && !ep.ExternallyManaged && !m.sup.IsRunning(tier) {
		if err := m.ensureStarted(ctx, tier); err != nil {
			// The endpoint never became ready; acquisitions against it are
			// not allowed, but the fallback still gets its single attempt.
			slog.Warn("on-demand endpoint start failed",
				slog.String("tier", string(tier)), slog.Any("error", err))
			observability.SlotAcquiresTotal.WithLabelValues(string(tier), "start_failed").Inc()
			return m.tryFallback(tier, opts)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.opts.AcquireTimeout
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = m.opts.InitialBackoff
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = m.opts.MaxAttempts
	}

	deadline := time.Now().Add(timeout)
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initial
	expo.Multiplier = 2
	expo.MaxInterval = backoffCeiling
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	expo.Reset()

	for attempt := 1; attempt <= attempts; attempt++ {
		if m.tryAcquire(tier) {
			observability.SlotAcquiresTotal.WithLabelValues(string(tier), "ok").Inc()
			return tier, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := expo.NextBackOff()
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			observability.SlotAcquiresTotal.WithLabelValues(string(tier), "canceled").Inc()
			return tier, false
		case <-timer.C:
		}
	}

	if fb, ok := m.tryFallback(tier, opts); ok {
		return fb, true
	}

	slog.Warn("slot acquisition timed out",
		slog.String("tier", string(tier)), slog.Duration("timeout", timeout))
	observability.SlotAcquiresTotal.WithLabelValues(string(tier), "timeout").Inc()
	return tier, false
}

// tryFallback makes the single fallback attempt, when allowed. It returns
// the primary tier and false when no fallback slot was granted.
func (m *Manager) tryFallback(primary domain.Tier, opts AcquireOptions) (domain.Tier, bool) {
	if !opts.AllowFallback || opts.FallbackTier == "" {
		return primary, false
	}
	fb := opts.FallbackTier
	if fep, ok := m.reg.Get(fb); ok && fep.Enabled && m.tryAcquire(fb) {
		slog.Info("slot acquired on fallback tier",
			slog.String("primary", string(primary)), slog.String("fallback", string(fb)))
		observability.SlotAcquiresTotal.WithLabelValues(string(fb), "fallback").Inc()
		return fb, true
	}
	return primary, false
}

// tryAcquire attempts one non-blocking acquisition under the endpoint lock.
func (m *Manager) tryAcquire(tier domain.Tier) bool {
	ep, ok := m.reg.Get(tier)
	if !ok {
		return false
	}
	st := m.states[tier]
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active >= ep.MaxSlots {
		return false
	}
	st.active++
	observability.ActiveSlots.WithLabelValues(string(tier)).Set(float64(st.active))
	return true
}

// Release returns one slot. When the count reaches zero the idle clock
// starts. Releasing an unknown tier is a logged no-op; the count never goes
// negative. Release never blocks on IO.
func (m *Manager) Release(tier domain.Tier) {
	st, ok := m.states[tier]
	if !ok {
		slog.Warn("slot release on unknown tier", slog.String("tier", string(tier)))
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active > 0 {
		st.active--
		if st.active == 0 {
			st.lastRelease = time.Now()
		}
	} else {
		slog.Warn("slot release without matching acquire", slog.String("tier", string(tier)))
	}
	observability.ActiveSlots.WithLabelValues(string(tier)).Set(float64(st.active))
}

// MarkActive resets the idle clock, e.g. after a successful on-demand start
// so the reaper does not immediately stop a fresh endpoint.
func (m *Manager) MarkActive(tier domain.Tier) {
	st, ok := m.states[tier]
	if !ok {
		return
	}
	st.mu.Lock()
	st.lastRelease = time.Now()
	st.mu.Unlock()
}

// IdleSeconds returns how long the tier has been fully idle. ok is false
// while any slot is held or when the tier has never been used.
func (m *Manager) IdleSeconds(tier domain.Tier) (float64, bool) {
	st, ok := m.states[tier]
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active > 0 || st.lastRelease.IsZero() {
		return 0, false
	}
	return time.Since(st.lastRelease).Seconds(), true
}

// IsIdle reports whether the tier's idle time meets or exceeds threshold.
// A non-positive threshold never reports idle.
func (m *Manager) IsIdle(tier domain.Tier, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	idle, ok := m.IdleSeconds(tier)
	return ok && idle >= threshold.Seconds()
}

// Status returns a usage snapshot for every tier.
func (m *Manager) Status() map[domain.Tier]Status {
	out := make(map[domain.Tier]Status, len(m.states))
	for _, ep := range m.reg.All() {
		st := m.states[ep.Tier]
		st.mu.Lock()
		active := st.active
		st.mu.Unlock()
		out[ep.Tier] = Status{Max: ep.MaxSlots, Active: active, Available: ep.MaxSlots - active}
	}
	return out
}

// ensureStarted asks the supervisor to start the tier and waits within the
// start window for a health probe to pass, then resets the idle clock.
func (m *Manager) ensureStarted(ctx context.Context, tier domain.Tier) error {
	pid, err := m.sup.Start(ctx, tier)
	if err != nil {
		return fmt.Errorf("start tier %s: %w", tier, err)
	}
	slog.Info("endpoint started on demand", slog.String("tier", string(tier)), slog.Int("pid", pid))

	deadline := time.Now().Add(m.opts.StartWindow)
	for {
		if m.CheckHealth(ctx, tier) {
			m.MarkActive(tier)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: tier %s not ready within %s", domain.ErrLifecycle, tier, m.opts.StartWindow)
		}
		timer := time.NewTimer(startPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
