//go:build !unix

package engine

import (
	"os"
	"syscall"
)

func processGroupAttr() *syscall.SysProcAttr {
	return nil
}

func terminateProcessGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func killProcessGroup(p *os.Process) error {
	return terminateProcessGroup(p)
}
