//go:build windows

package main

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {}

func ptyProcAttr() *syscall.SysProcAttr {
	return nil
}

// signalProcessGroup kills p; Windows has no graceful termination signal for
// console processes started this way.
func signalProcessGroup(p *os.Process, force bool) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}
