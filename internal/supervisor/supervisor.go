// Package supervisor manages the lifecycle of local inference server child
// processes: spawn, readiness, graceful stop with forced-kill escalation,
// and restart. One process per tier; some tiers are externally managed and
// are never started or stopped from here.
//
// Per tier the supervisor persists two artifacts under the state directory:
// a PID file (<tier-slug>.pid) and an append-only log file (<tier-slug>.log)
// capturing the child's stdout and stderr. No other durable state is kept.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/modelfleet/internal/config"
	"github.com/fairyhunter13/modelfleet/internal/domain"
	"github.com/fairyhunter13/modelfleet/internal/observability"
)

// DefaultStopTimeout bounds a graceful stop before escalation to SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// killDrainTimeout is the hard upper bound for waiting on the wait goroutine
// after a forced kill. SIGKILL cannot be caught, so this should never fire;
// it guards against a hung cmd.Wait.
const killDrainTimeout = 10 * time.Second

// restartPause gives the kernel time to release the listen port between the
// stop and start halves of a restart.
const restartPause = 500 * time.Millisecond

// portProbeTimeout bounds the TCP dial used to detect a bound port.
const portProbeTimeout = 250 * time.Millisecond

// ProcessConfig is the declarative spawn record for one tier.
type ProcessConfig struct {
	Tier              domain.Tier
	Alias             string // model alias advertised to the server
	BinaryPath        string
	ModelPath         string
	Port              int
	CtxSize           int
	Slots             int // server-side parallel slots
	GPULayers         int
	Batch             int
	Threads           int
	ExtraArgs         []string
	ExternallyManaged bool
}

// ProcessConfigFromTier maps the environment-driven tier configuration onto
// a spawn record.
func ProcessConfigFromTier(tier domain.Tier, tc config.TierConfig) ProcessConfig {
	return ProcessConfig{
		Tier:              tier,
		Alias:             tc.ModelID,
		BinaryPath:        tc.BinaryPath,
		ModelPath:         tc.ModelPath,
		Port:              tc.Port,
		CtxSize:           tc.CtxSize,
		Slots:             tc.Parallel,
		GPULayers:         tc.GPULayers,
		Batch:             tc.Batch,
		Threads:           tc.Threads,
		ExtraArgs:         tc.ExtraArgs,
		ExternallyManaged: tc.ExternallyManaged,
	}
}

type tierProc struct {
	mu       sync.Mutex // serializes lifecycle transitions for this tier
	cfg      ProcessConfig
	cmd      *exec.Cmd
	waitDone chan error // receives cmd.Wait result; exactly one Wait per spawn
	logFile  *os.File
	pid      int
}

// Supervisor spawns and stops inference server processes. Safe for
// concurrent use; lifecycle transitions are serialized per tier.
type Supervisor struct {
	stateDir string
	procs    map[domain.Tier]*tierProc
}

// New builds a Supervisor from configuration and ensures the state
// directory exists.
func New(cfg config.Config) (*Supervisor, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Supervisor{stateDir: cfg.StateDir, procs: make(map[domain.Tier]*tierProc)}
	for _, tier := range domain.AllTiers() {
		tc, ok := cfg.Tiers()[string(tier)]
		if !ok {
			continue
		}
		s.procs[tier] = &tierProc{cfg: ProcessConfigFromTier(tier, tc)}
	}
	return s, nil
}

// NewWithConfigs builds a Supervisor from explicit spawn records. Used by
// tests and embedding callers that bypass the env surface.
func NewWithConfigs(stateDir string, cfgs []ProcessConfig) (*Supervisor, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Supervisor{stateDir: stateDir, procs: make(map[domain.Tier]*tierProc)}
	for _, pc := range cfgs {
		s.procs[pc.Tier] = &tierProc{cfg: pc}
	}
	return s, nil
}

func slug(tier domain.Tier) string {
	return strings.ReplaceAll(strings.ToLower(string(tier)), "_", "-")
}

// PIDFilePath returns the tier's PID file location.
func (s *Supervisor) PIDFilePath(tier domain.Tier) string {
	return filepath.Join(s.stateDir, slug(tier)+".pid")
}

// LogFilePath returns the tier's child log file location.
func (s *Supervisor) LogFilePath(tier domain.Tier) string {
	return filepath.Join(s.stateDir, slug(tier)+".log")
}

// Start launches the tier's inference server if not already running and
// returns its PID. Idempotent: a tracked live PID, a live PID file, or a
// bound port all count as already running.
func (s *Supervisor) Start(ctx context.Context, tier domain.Tier) (int, error) {
	tp, ok := s.procs[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownTier, tier)
	}
	if tp.cfg.ExternallyManaged {
		return 0, fmt.Errorf("%w: %s", domain.ErrExternallyManaged, tier)
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if pid, running := s.runningLocked(tp); running {
		slog.Debug("endpoint already running", slog.String("tier", string(tier)), slog.Int("pid", pid))
		return pid, nil
	}
	if tp.cfg.BinaryPath == "" {
		return 0, fmt.Errorf("%w: tier %s has no binary configured", domain.ErrLifecycle, tier)
	}

	logFile, err := os.OpenFile(s.LogFilePath(tier), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: open log file: %v", domain.ErrLifecycle, err)
	}

	args := buildServerArgs(tp.cfg)
	cmd := exec.Command(tp.cfg.BinaryPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Detach into its own process group so stop signals reach the whole
	// tree without touching the orchestrator.
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		slog.Error("endpoint spawn failed",
			slog.String("tier", string(tier)),
			slog.String("binary", tp.cfg.BinaryPath),
			slog.Any("error", err))
		return 0, fmt.Errorf("%w: spawn %s: %v", domain.ErrLifecycle, tier, err)
	}

	pid := cmd.Process.Pid
	if err := os.WriteFile(s.PIDFilePath(tier), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		slog.Warn("pid file write failed", slog.String("tier", string(tier)), slog.Any("error", err))
	}

	// Exactly one cmd.Wait call per spawn. Stop consumes the channel; a
	// second Wait would be undefined behavior.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	tp.cmd = cmd
	tp.waitDone = done
	tp.logFile = logFile
	tp.pid = pid

	observability.EndpointStartsTotal.WithLabelValues(string(tier)).Inc()
	slog.Info("endpoint process started",
		slog.String("tier", string(tier)),
		slog.Int("pid", pid),
		slog.Int("port", tp.cfg.Port),
		slog.String("log", s.LogFilePath(tier)))
	return pid, nil
}

// Stop terminates the tier's process group: SIGTERM, wait up to
// gracefulTimeout, then SIGKILL. A vanished PID is treated as already
// stopped. The PID file is removed on every exit path.
func (s *Supervisor) Stop(ctx context.Context, tier domain.Tier, gracefulTimeout time.Duration) error {
	tp, ok := s.procs[tier]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTier, tier)
	}
	if tp.cfg.ExternallyManaged {
		return fmt.Errorf("%w: %s", domain.ErrExternallyManaged, tier)
	}
	if gracefulTimeout <= 0 {
		gracefulTimeout = DefaultStopTimeout
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	defer func() {
		_ = os.Remove(s.PIDFilePath(tier))
		if tp.logFile != nil {
			_ = tp.logFile.Close()
			tp.logFile = nil
		}
		tp.cmd = nil
		tp.waitDone = nil
		tp.pid = 0
	}()

	if tp.cmd != nil {
		err := s.stopManaged(tp, gracefulTimeout)
		observability.EndpointStopsTotal.WithLabelValues(string(tier), "managed").Inc()
		if err != nil {
			slog.Warn("endpoint stop incomplete; process may be orphaned",
				slog.String("tier", string(tier)), slog.Int("pid", tp.pid), slog.Any("error", err))
			return err
		}
		slog.Info("endpoint process stopped", slog.String("tier", string(tier)), slog.Int("pid", tp.pid))
		return nil
	}

	// Adopted process from a previous run, known only via the PID file.
	pid, err := s.readPIDFile(tier)
	if err != nil || pid == 0 || !pidAlive(pid) {
		return nil
	}
	err = stopAdopted(pid, gracefulTimeout)
	observability.EndpointStopsTotal.WithLabelValues(string(tier), "adopted").Inc()
	if err != nil {
		return fmt.Errorf("%w: stop adopted pid %d: %v", domain.ErrLifecycle, pid, err)
	}
	slog.Info("adopted endpoint process stopped", slog.String("tier", string(tier)), slog.Int("pid", pid))
	return nil
}

// stopManaged runs the SIGTERM-then-SIGKILL sequence against a process the
// supervisor spawned, consuming the single waitDone channel.
func (s *Supervisor) stopManaged(tp *tierProc, gracefulTimeout time.Duration) error {
	pid := tp.pid
	if err := signalGroup(pid, termSignal); err != nil {
		// Process already exited; drain the wait goroutine with a bound.
		return drainDone(tp.waitDone, killDrainTimeout)
	}

	timer := time.NewTimer(gracefulTimeout)
	defer timer.Stop()
	select {
	case <-tp.waitDone:
		return nil
	case <-timer.C:
		_ = signalGroup(pid, killSignal)
		return drainDone(tp.waitDone, killDrainTimeout)
	}
}

// stopAdopted signals a process we did not spawn and polls for its death.
func stopAdopted(pid int, gracefulTimeout time.Duration) error {
	if err := signalGroup(pid, termSignal); err != nil {
		return nil // already gone
	}
	deadline := time.Now().Add(gracefulTimeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = signalGroup(pid, killSignal)
	deadline = time.Now().Add(killDrainTimeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d survived SIGKILL window", pid)
}

func drainDone(done <-chan error, timeout time.Duration) error {
	if done == nil {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out waiting for process exit")
	}
}

// Restart stops the tier, pauses briefly for port release, and starts it
// again.
func (s *Supervisor) Restart(ctx context.Context, tier domain.Tier) (int, error) {
	if err := s.Stop(ctx, tier, DefaultStopTimeout); err != nil {
		return 0, err
	}
	time.Sleep(restartPause)
	return s.Start(ctx, tier)
}

// IsRunning reports whether the tier's process is alive: a tracked live
// PID, a live PID from the PID file, or a bound port all count. Externally
// managed tiers report their port state, or true when no port is known.
func (s *Supervisor) IsRunning(tier domain.Tier) bool {
	tp, ok := s.procs[tier]
	if !ok {
		return false
	}
	if tp.cfg.ExternallyManaged {
		if tp.cfg.Port == 0 {
			return true
		}
		return portBound(tp.cfg.Port)
	}
	tp.mu.Lock()
	_, running := s.runningLocked(tp)
	tp.mu.Unlock()
	return running
}

// runningLocked checks liveness with tp.mu held. A stale PID file (dead
// PID) is removed as a side effect.
func (s *Supervisor) runningLocked(tp *tierProc) (int, bool) {
	if tp.cmd != nil {
		select {
		case <-tp.waitDone:
			// Process exited on its own; treat as stopped. A buffered
			// receive consumes the single Wait result.
			tp.cmd = nil
			tp.waitDone = nil
			tp.pid = 0
		default:
			return tp.pid, true
		}
	}
	if pid, err := s.readPIDFile(tp.cfg.Tier); err == nil && pid != 0 {
		if pidAlive(pid) {
			return pid, true
		}
		_ = os.Remove(s.PIDFilePath(tp.cfg.Tier))
	}
	if tp.cfg.Port != 0 && portBound(tp.cfg.Port) {
		return 0, true
	}
	return 0, false
}

// Status reports all supervised tiers.
func (s *Supervisor) Status() map[domain.Tier]domain.ProcessStatus {
	out := make(map[domain.Tier]domain.ProcessStatus, len(s.procs))
	for tier, tp := range s.procs {
		tp.mu.Lock()
		pid, running := s.runningLocked(tp)
		tp.mu.Unlock()
		if tp.cfg.ExternallyManaged {
			running = s.IsRunning(tier)
			pid = 0
		}
		out[tier] = domain.ProcessStatus{
			Running:           running,
			PID:               pid,
			Port:              tp.cfg.Port,
			Alias:             tp.cfg.Alias,
			ExternallyManaged: tp.cfg.ExternallyManaged,
		}
	}
	return out
}

func (s *Supervisor) readPIDFile(tier domain.Tier) (int, error) {
	data, err := os.ReadFile(s.PIDFilePath(tier))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file for %s: %w", tier, err)
	}
	return pid, nil
}

func portBound(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), portProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// buildServerArgs renders the llama-server style argument list for a tier.
func buildServerArgs(pc ProcessConfig) []string {
	args := []string{
		"--model", pc.ModelPath,
		"--port", strconv.Itoa(pc.Port),
		"--ctx-size", strconv.Itoa(pc.CtxSize),
	}
	if pc.Alias != "" {
		args = append(args, "--alias", pc.Alias)
	}
	if pc.Slots > 1 {
		args = append(args, "--parallel", strconv.Itoa(pc.Slots))
	}
	if pc.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", strconv.Itoa(pc.GPULayers))
	}
	if pc.Batch > 0 {
		args = append(args, "--batch-size", strconv.Itoa(pc.Batch))
	}
	if pc.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(pc.Threads))
	}
	return append(args, pc.ExtraArgs...)
}
