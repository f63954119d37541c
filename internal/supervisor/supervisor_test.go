package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/modelfleet/internal/domain"
)

// writeSleeper drops a shell script that ignores the server argument list
// and sleeps, standing in for a real inference server binary.
func writeSleeper(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process lifecycle tests require a unix shell")
	}
	path := filepath.Join(t.TempDir(), "fake-server.sh")
	script := "#!/bin/sh\nexec sleep 60\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, cfgs ...ProcessConfig) *Supervisor {
	t.Helper()
	s, err := NewWithConfigs(t.TempDir(), cfgs)
	require.NoError(t, err)
	return s
}

func TestStartStop_Lifecycle(t *testing.T) {
	t.Parallel()
	bin := writeSleeper(t)
	s := newTestSupervisor(t, ProcessConfig{
		Tier:       domain.TierQ4Tools,
		BinaryPath: bin,
		ModelPath:  "/models/q4.gguf",
		CtxSize:    8192,
	})
	ctx := context.Background()

	pid, err := s.Start(ctx, domain.TierQ4Tools)
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	assert.True(t, s.IsRunning(domain.TierQ4Tools))

	// PID file carries the decimal PID.
	data, err := os.ReadFile(s.PIDFilePath(domain.TierQ4Tools))
	require.NoError(t, err)
	filePID, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, pid, filePID)

	// Starting a running tier is idempotent and returns the same PID.
	again, err := s.Start(ctx, domain.TierQ4Tools)
	require.NoError(t, err)
	assert.Equal(t, pid, again)

	require.NoError(t, s.Stop(ctx, domain.TierQ4Tools, 2*time.Second))
	assert.False(t, s.IsRunning(domain.TierQ4Tools))
	_, err = os.Stat(s.PIDFilePath(domain.TierQ4Tools))
	assert.True(t, os.IsNotExist(err))
}

func TestStop_IsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, ProcessConfig{Tier: domain.TierQ4Tools, BinaryPath: writeSleeper(t)})
	// Stopping a tier that never started is a no-op.
	assert.NoError(t, s.Stop(context.Background(), domain.TierQ4Tools, time.Second))
}

func TestRestart_YieldsFreshProcess(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, ProcessConfig{Tier: domain.TierCoder, BinaryPath: writeSleeper(t)})
	ctx := context.Background()

	first, err := s.Start(ctx, domain.TierCoder)
	require.NoError(t, err)

	second, err := s.Restart(ctx, domain.TierCoder)
	require.NoError(t, err)
	require.Greater(t, second, 0)
	assert.NotEqual(t, first, second)
	assert.True(t, s.IsRunning(domain.TierCoder))

	require.NoError(t, s.Stop(ctx, domain.TierCoder, 2*time.Second))
}

func TestExternallyManaged_RefusesLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, ProcessConfig{Tier: domain.TierDeepReason, ExternallyManaged: true})
	ctx := context.Background()

	_, err := s.Start(ctx, domain.TierDeepReason)
	assert.ErrorIs(t, err, domain.ErrExternallyManaged)
	err = s.Stop(ctx, domain.TierDeepReason, time.Second)
	assert.ErrorIs(t, err, domain.ErrExternallyManaged)

	// With no known port the tier is assumed reachable.
	assert.True(t, s.IsRunning(domain.TierDeepReason))
}

func TestStart_ErrorsOnUnknownTierAndMissingBinary(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(t, ProcessConfig{Tier: domain.TierQ4Tools})
	ctx := context.Background()

	_, err := s.Start(ctx, domain.TierVision)
	assert.ErrorIs(t, err, domain.ErrUnknownTier)

	_, err = s.Start(ctx, domain.TierQ4Tools)
	assert.ErrorIs(t, err, domain.ErrLifecycle)
}

func TestIsRunning_RemovesStalePIDFile(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("pid liveness tests require unix signals")
	}
	s := newTestSupervisor(t, ProcessConfig{Tier: domain.TierQ4Tools, BinaryPath: "/bin/true"})

	// Produce a PID that is certainly dead by reaping a short-lived child.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPID := cmd.Process.Pid

	pidFile := s.PIDFilePath(domain.TierQ4Tools)
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(deadPID)), 0o644))

	assert.False(t, s.IsRunning(domain.TierQ4Tools))
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "stale pid file should be removed")
}

func TestStatus_ReportsAllTiers(t *testing.T) {
	t.Parallel()
	bin := writeSleeper(t)
	s := newTestSupervisor(t,
		ProcessConfig{Tier: domain.TierQ4Tools, Alias: "qwen-q4", BinaryPath: bin, Port: 0},
		ProcessConfig{Tier: domain.TierDeepReason, ExternallyManaged: true},
	)
	ctx := context.Background()

	_, err := s.Start(ctx, domain.TierQ4Tools)
	require.NoError(t, err)
	defer func() { _ = s.Stop(ctx, domain.TierQ4Tools, 2*time.Second) }()

	status := s.Status()
	require.Len(t, status, 2)
	q4 := status[domain.TierQ4Tools]
	assert.True(t, q4.Running)
	assert.Greater(t, q4.PID, 0)
	assert.Equal(t, "qwen-q4", q4.Alias)
	assert.False(t, q4.ExternallyManaged)

	dr := status[domain.TierDeepReason]
	assert.True(t, dr.ExternallyManaged)
	assert.Zero(t, dr.PID)
}

func TestChildOutputGoesToLogFile(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("process lifecycle tests require a unix shell")
	}
	bin := filepath.Join(t.TempDir(), "echoer.sh")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho booted\nexec sleep 60\n"), 0o755))
	s := newTestSupervisor(t, ProcessConfig{Tier: domain.TierSummary, BinaryPath: bin})
	ctx := context.Background()

	_, err := s.Start(ctx, domain.TierSummary)
	require.NoError(t, err)
	defer func() { _ = s.Stop(ctx, domain.TierSummary, 2*time.Second) }()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(s.LogFilePath(domain.TierSummary))
		return err == nil && strings.Contains(string(data), "booted")
	}, 2*time.Second, 50*time.Millisecond)
}

func TestBuildServerArgs(t *testing.T) {
	t.Parallel()
	args := buildServerArgs(ProcessConfig{
		Alias:     "qwen-q4",
		ModelPath: "/models/q4.gguf",
		Port:      8001,
		CtxSize:   8192,
		Slots:     4,
		GPULayers: 32,
		Batch:     512,
		Threads:   8,
		ExtraArgs: []string{"--flash-attn"},
	})
	assert.Equal(t, []string{
		"--model", "/models/q4.gguf",
		"--port", "8001",
		"--ctx-size", "8192",
		"--alias", "qwen-q4",
		"--parallel", "4",
		"--n-gpu-layers", "32",
		"--batch-size", "512",
		"--threads", "8",
		"--flash-attn",
	}, args)

	// Single-slot servers omit --parallel.
	minimal := buildServerArgs(ProcessConfig{ModelPath: "/m.gguf", Port: 1, CtxSize: 2048, Slots: 1})
	assert.NotContains(t, minimal, "--parallel")
	assert.NotContains(t, minimal, "--alias")
}

func TestSlug(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "deep-reason", slug(domain.TierDeepReason))
	assert.Equal(t, "q4-tools", slug(domain.TierQ4Tools))
}
