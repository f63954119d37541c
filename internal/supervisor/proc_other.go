//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

const (
	termSignal = syscall.Signal(0xf)
	killSignal = syscall.Signal(0x9)
)

func configureProcessGroup(_ *exec.Cmd) {}

func signalGroup(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if sig == killSignal {
		return p.Kill()
	}
	return p.Signal(os.Interrupt)
}

func pidAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
