//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

const (
	termSignal = syscall.SIGTERM
	killSignal = syscall.SIGKILL
)

// configureProcessGroup detaches the child into its own process group so
// signals sent to the group do not reach the orchestrator.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group rooted at pid. Falls back to
// the single process if the group signal fails.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// pidAlive reports whether a process with the given PID exists. Signal 0
// performs the existence check without delivering anything.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
