package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// serverProcess is one live instance of the server command.
type serverProcess interface {
	Pid() int
	// Terminate asks the instance to stop; force kills it outright.
	Terminate(force bool) error
	// Done is closed once the instance has fully exited.
	Done() <-chan struct{}
	// ExitStatus is valid after Done is closed.
	ExitStatus() int
}

type serverSpawner interface {
	Spawn() (serverProcess, error)
}

// osServerSpawner starts the server through the system shell, optionally on a
// pseudo-terminal so that tools which only color or flush on a tty behave.
type osServerSpawner struct {
	shell   string
	command string
	dir     string
	env     []string
	usePTY  bool
	stdout  io.Writer
	stderr  io.Writer
}

func newServerSpawner(cfg WatchConfig, stdout, stderr io.Writer) *osServerSpawner {
	return &osServerSpawner{
		shell:   cfg.ShellPath,
		command: cfg.Commands.Server,
		dir:     cfg.Root,
		env:     buildEnvList(cfg.Env),
		usePTY:  cfg.UsePTY,
		stdout:  stdout,
		stderr:  stderr,
	}
}

func (s *osServerSpawner) Spawn() (serverProcess, error) {
	cmd := exec.Command(s.shell, "-c", s.command)
	cmd.Dir = s.dir
	cmd.Env = s.env
	cmd.Stdin = nil

	p := &osServerProcess{cmd: cmd, done: make(chan struct{})}

	if s.usePTY {
		ptmx, err := pty.StartWithAttrs(cmd, nil, ptyProcAttr())
		if err != nil {
			return nil, fmt.Errorf("start server on pty: %w", err)
		}
		p.pty = ptmx
		out := &lockedWriter{w: s.stdout}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := io.Copy(out, ptmx); err != nil && !errors.Is(err, os.ErrClosed) && !isPtyEOF(err) {
				logError("server stream error: %v", err)
			}
		}()
	} else {
		cmd.Stdout = s.stdout
		cmd.Stderr = s.stderr
		setProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start server: %w", err)
		}
	}

	go p.wait()
	return p, nil
}

type osServerProcess struct {
	cmd  *exec.Cmd
	pty  *os.File
	wg   sync.WaitGroup
	done chan struct{}

	waitErr error
}

func (p *osServerProcess) wait() {
	p.waitErr = p.cmd.Wait()
	// The instance is over once the shell exits; anything it left behind in
	// its group, e.g. a child ignoring SIGTERM, must not outlive it.
	if err := signalProcessGroup(p.cmd.Process, true); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logDebug("failed to clear process group %d: %v", p.cmd.Process.Pid, err)
	}
	if p.pty != nil {
		_ = p.pty.Close()
	}
	p.wg.Wait()
	close(p.done)
}

func (p *osServerProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *osServerProcess) Terminate(force bool) error {
	err := signalProcessGroup(p.cmd.Process, force)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *osServerProcess) Done() <-chan struct{} {
	return p.done
}

func (p *osServerProcess) ExitStatus() int {
	if p.waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// isPtyEOF reports the EIO Linux returns when reading a pty whose child side
// has gone away.
func isPtyEOF(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr) || errors.Is(err, io.EOF)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
