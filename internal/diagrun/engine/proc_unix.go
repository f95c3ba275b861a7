//go:build unix

package engine

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the whole group so that helper
// processes spawned by the engine CLI stop with it.
func terminateProcessGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func killProcessGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil || p.Pid <= 0 {
		return nil
	}
	if err := unix.Kill(-p.Pid, sig); err != nil && err != unix.ESRCH {
		return p.Signal(sig)
	}
	return nil
}
