//go:build !windows

package main

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// ptyProcAttr starts the child as a session leader with the pty as its
// controlling terminal; its pid is then also its process group id.
func ptyProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true, Setctty: true}
}

// signalProcessGroup sends SIGTERM, or SIGKILL when force is set, to the
// whole process group led by p.
func signalProcessGroup(p *os.Process, force bool) error {
	if p == nil {
		return os.ErrProcessDone
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// The leader may have exited while its group lingers; fall back to
		// the process itself.
		if err := p.Signal(sig); err != nil {
			return os.ErrProcessDone
		}
		return nil
	}
	return err
}
