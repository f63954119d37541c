package slots_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/modelfleet/internal/config"
	"github.com/fairyhunter13/modelfleet/internal/domain"
	"github.com/fairyhunter13/modelfleet/internal/registry"
	"github.com/fairyhunter13/modelfleet/internal/slots"
)

// newTestRegistry enables Q4_TOOLS with the given slot count and CODER with
// one slot; the remaining tiers stay disabled.
func newTestRegistry(t *testing.T, q4Slots int) *registry.EndpointRegistry {
	t.Helper()
	tc := config.TierConfig{MaxSlots: 1}
	reg, err := registry.NewEndpointRegistry(config.Config{
		Q4Tools:    config.TierConfig{BaseURL: "http://127.0.0.1:8001", MaxSlots: q4Slots},
		Coder:      config.TierConfig{BaseURL: "http://127.0.0.1:8003", MaxSlots: 1},
		Vision:     tc,
		DeepReason: tc,
		Summary:    tc,
	})
	require.NoError(t, err)
	return reg
}

// onDemandRegistry enables Q4_TOOLS and CODER against the given base URL;
// the remaining tiers stay disabled.
func onDemandRegistry(t *testing.T, baseURL string) *registry.EndpointRegistry {
	t.Helper()
	tc := config.TierConfig{MaxSlots: 1}
	reg, err := registry.NewEndpointRegistry(config.Config{
		Q4Tools:    config.TierConfig{BaseURL: baseURL, MaxSlots: 1},
		Coder:      config.TierConfig{BaseURL: baseURL, MaxSlots: 1},
		Vision:     tc,
		DeepReason: tc,
		Summary:    tc,
	})
	require.NoError(t, err)
	return reg
}

// fakeSupervisor records start requests and tracks per-tier liveness.
type fakeSupervisor struct {
	mu      sync.Mutex
	running map[domain.Tier]bool
	starts  int
	onStart func()
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: map[domain.Tier]bool{}}
}

func (f *fakeSupervisor) Start(_ context.Context, tier domain.Tier) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running[tier] = true
	if f.onStart != nil {
		f.onStart()
	}
	return 4242, nil
}

func (f *fakeSupervisor) Stop(_ context.Context, tier domain.Tier, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[tier] = false
	return nil
}

func (f *fakeSupervisor) Restart(ctx context.Context, tier domain.Tier) (int, error) {
	return f.Start(ctx, tier)
}

func (f *fakeSupervisor) IsRunning(tier domain.Tier) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[tier]
}

func (f *fakeSupervisor) Status() map[domain.Tier]domain.ProcessStatus { return nil }

func (f *fakeSupervisor) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func fastOpts() slots.AcquireOptions {
	return slots.AcquireOptions{
		Timeout:        50 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func TestAcquireRelease_Balance(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 2), nil, slots.Options{})

	tier, ok := m.Acquire(context.Background(), domain.TierQ4Tools, fastOpts())
	require.True(t, ok)
	assert.Equal(t, domain.TierQ4Tools, tier)

	st := m.Status()[domain.TierQ4Tools]
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Available)

	m.Release(domain.TierQ4Tools)
	st = m.Status()[domain.TierQ4Tools]
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 2, st.Available)
}

func TestAcquire_RespectsCeiling(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 2), nil, slots.Options{})
	ctx := context.Background()

	_, ok := m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	require.True(t, ok)
	_, ok = m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	require.True(t, ok)

	// Third acquisition must exhaust its attempts and fail.
	_, ok = m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	assert.False(t, ok)
	assert.Equal(t, 2, m.Status()[domain.TierQ4Tools].Active)
}

func TestAcquire_NeverExceedsCeilingUnderContention(t *testing.T) {
	t.Parallel()
	const slotCount = 3
	m := slots.NewManager(newTestRegistry(t, slotCount), nil, slots.Options{})
	ctx := context.Background()

	var (
		mu      sync.Mutex
		held    int
		maxHeld int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := m.Acquire(ctx, domain.TierQ4Tools, slots.AcquireOptions{
				Timeout:        2 * time.Second,
				InitialBackoff: time.Millisecond,
				MaxAttempts:    200,
			})
			if !ok {
				return
			}
			mu.Lock()
			held++
			if held > maxHeld {
				maxHeld = held
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			held--
			mu.Unlock()
			m.Release(domain.TierQ4Tools)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxHeld, slotCount)
	assert.Equal(t, 0, m.Status()[domain.TierQ4Tools].Active)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 1), nil, slots.Options{})
	ctx := context.Background()

	_, ok := m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	require.True(t, ok)

	go func() {
		time.Sleep(30 * time.Millisecond)
		m.Release(domain.TierQ4Tools)
	}()

	tier, ok := m.Acquire(ctx, domain.TierQ4Tools, slots.AcquireOptions{
		Timeout:        2 * time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxAttempts:    50,
	})
	assert.True(t, ok)
	assert.Equal(t, domain.TierQ4Tools, tier)
}

func TestAcquire_FallbackEngages(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 1), nil, slots.Options{})
	ctx := context.Background()

	_, ok := m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	require.True(t, ok)

	opts := fastOpts()
	opts.AllowFallback = true
	opts.FallbackTier = domain.TierCoder
	tier, ok := m.Acquire(ctx, domain.TierQ4Tools, opts)
	require.True(t, ok)
	assert.Equal(t, domain.TierCoder, tier)

	// The fallback slot is accounted against the fallback tier.
	assert.Equal(t, 1, m.Status()[domain.TierCoder].Active)
}

func TestAcquire_FallbackToDisabledTierFails(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 1), nil, slots.Options{})
	ctx := context.Background()

	_, ok := m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	require.True(t, ok)

	opts := fastOpts()
	opts.AllowFallback = true
	opts.FallbackTier = domain.TierVision
	_, ok = m.Acquire(ctx, domain.TierQ4Tools, opts)
	assert.False(t, ok)
}

func TestAcquire_UnknownAndDisabledTiers(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 1), nil, slots.Options{})
	ctx := context.Background()

	_, ok := m.Acquire(ctx, domain.Tier("NOPE"), fastOpts())
	assert.False(t, ok)

	_, ok = m.Acquire(ctx, domain.TierVision, fastOpts())
	assert.False(t, ok)
}

func TestAcquire_ContextCancellation(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 1), nil, slots.Options{})

	_, ok := m.Acquire(context.Background(), domain.TierQ4Tools, fastOpts())
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, ok = m.Acquire(ctx, domain.TierQ4Tools, slots.AcquireOptions{
		Timeout:        5 * time.Second,
		InitialBackoff: 50 * time.Millisecond,
		MaxAttempts:    100,
	})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquire_AutoStartGatesOnHealth(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sup := newFakeSupervisor()
	sup.onStart = func() { healthy.Store(true) }
	m := slots.NewManager(onDemandRegistry(t, srv.URL), sup, slots.Options{
		AutoStart:   true,
		StartWindow: 2 * time.Second,
	})

	tier, ok := m.Acquire(context.Background(), domain.TierQ4Tools, fastOpts())
	require.True(t, ok)
	assert.Equal(t, domain.TierQ4Tools, tier)
	assert.Equal(t, 1, sup.startCount())
	assert.Equal(t, 1, m.Status()[domain.TierQ4Tools].Active)

	// A running endpoint must not be started again.
	m.Release(domain.TierQ4Tools)
	_, ok = m.Acquire(context.Background(), domain.TierQ4Tools, fastOpts())
	require.True(t, ok)
	assert.Equal(t, 1, sup.startCount())
}

func TestAcquire_AutoStartTimesOutWhenNeverHealthy(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sup := newFakeSupervisor()
	m := slots.NewManager(onDemandRegistry(t, srv.URL), sup, slots.Options{
		AutoStart:   true,
		StartWindow: 50 * time.Millisecond,
	})

	// The endpoint never passes health within the start window, so the
	// acquisition fails and no slot is held.
	_, ok := m.Acquire(context.Background(), domain.TierQ4Tools, fastOpts())
	assert.False(t, ok)
	assert.Equal(t, 1, sup.startCount())
	assert.Equal(t, 0, m.Status()[domain.TierQ4Tools].Active)
}

func TestAcquire_AutoStartFailureStillTriesFallback(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sup := newFakeSupervisor()
	sup.running[domain.TierCoder] = true
	m := slots.NewManager(onDemandRegistry(t, srv.URL), sup, slots.Options{
		AutoStart:   true,
		StartWindow: 50 * time.Millisecond,
	})

	opts := fastOpts()
	opts.AllowFallback = true
	opts.FallbackTier = domain.TierCoder
	tier, ok := m.Acquire(context.Background(), domain.TierQ4Tools, opts)
	require.True(t, ok)
	assert.Equal(t, domain.TierCoder, tier)
	assert.Equal(t, 0, m.Status()[domain.TierQ4Tools].Active)
	assert.Equal(t, 1, m.Status()[domain.TierCoder].Active)
}

func TestRelease_NeverGoesNegative(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 2), nil, slots.Options{})

	m.Release(domain.TierQ4Tools)
	m.Release(domain.Tier("NOPE"))

	st := m.Status()[domain.TierQ4Tools]
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 2, st.Available)
}

func TestRelease_SpuriousReleaseKeepsIdleClock(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 1), nil, slots.Options{})
	ctx := context.Background()

	_, ok := m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	require.True(t, ok)
	m.Release(domain.TierQ4Tools)
	time.Sleep(30 * time.Millisecond)
	require.True(t, m.IsIdle(domain.TierQ4Tools, 20*time.Millisecond))

	// A release without a matching acquire must not postpone reaping.
	m.Release(domain.TierQ4Tools)
	assert.True(t, m.IsIdle(domain.TierQ4Tools, 20*time.Millisecond))
}

func TestIdleSeconds_Semantics(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 1), nil, slots.Options{})
	ctx := context.Background()

	// Never used: no idle reading.
	_, ok := m.IdleSeconds(domain.TierQ4Tools)
	assert.False(t, ok)

	_, ok = m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	require.True(t, ok)

	// Busy: no idle reading.
	_, ok = m.IdleSeconds(domain.TierQ4Tools)
	assert.False(t, ok)

	m.Release(domain.TierQ4Tools)
	time.Sleep(20 * time.Millisecond)
	idle, ok := m.IdleSeconds(domain.TierQ4Tools)
	require.True(t, ok)
	assert.Greater(t, idle, 0.0)
}

func TestIsIdle_ZeroThresholdNeverIdle(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 1), nil, slots.Options{})
	ctx := context.Background()

	_, ok := m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	require.True(t, ok)
	m.Release(domain.TierQ4Tools)
	time.Sleep(20 * time.Millisecond)

	assert.False(t, m.IsIdle(domain.TierQ4Tools, 0))
	assert.True(t, m.IsIdle(domain.TierQ4Tools, 10*time.Millisecond))
	assert.False(t, m.IsIdle(domain.TierQ4Tools, time.Hour))
}

func TestMarkActive_ResetsIdleClock(t *testing.T) {
	t.Parallel()
	m := slots.NewManager(newTestRegistry(t, 1), nil, slots.Options{})
	ctx := context.Background()

	_, ok := m.Acquire(ctx, domain.TierQ4Tools, fastOpts())
	require.True(t, ok)
	m.Release(domain.TierQ4Tools)
	time.Sleep(30 * time.Millisecond)
	require.True(t, m.IsIdle(domain.TierQ4Tools, 20*time.Millisecond))

	m.MarkActive(domain.TierQ4Tools)
	assert.False(t, m.IsIdle(domain.TierQ4Tools, 20*time.Millisecond))
}
