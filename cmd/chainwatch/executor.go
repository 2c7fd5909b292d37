package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Shell exit statuses meaning the command itself could not be run.
const (
	statusNotExecutable = 126
	statusNotFound      = 127
)

var errCommandAborted = errors.New("command aborted")

// commandExecutor runs one command to completion with output passed straight
// through. Cancelling ctx aborts the command. A nil error with a non-zero
// status is an ordinary failure; *launchError means it never ran.
type commandExecutor interface {
	Execute(ctx context.Context, command string) (int, error)
}

type launchError struct {
	Command string
	Status  int
	Err     error
}

func (e *launchError) Error() string {
	return fmt.Sprintf("cannot launch %q: %v", e.Command, e.Err)
}

func (e *launchError) Unwrap() error {
	return e.Err
}

func newCommandExecutor(cfg WatchConfig, stdout, stderr io.Writer) commandExecutor {
	env := buildEnvList(cfg.Env)
	if cfg.Shell == shellBuiltin {
		return &builtinExecutor{
			dir:         cfg.Root,
			env:         env,
			stdout:      stdout,
			stderr:      stderr,
			killTimeout: cfg.KillTimeout,
		}
	}
	return &systemExecutor{
		shell:       cfg.ShellPath,
		dir:         cfg.Root,
		env:         env,
		stdout:      stdout,
		stderr:      stderr,
		killTimeout: cfg.KillTimeout,
	}
}

// systemExecutor hands each command to an external shell, in its own process
// group so that a terminal interrupt does not cut it short.
type systemExecutor struct {
	shell       string
	dir         string
	env         []string
	stdout      io.Writer
	stderr      io.Writer
	killTimeout time.Duration
}

func (e *systemExecutor) Execute(ctx context.Context, command string) (int, error) {
	cmd := exec.Command(e.shell, "-c", command)
	cmd.Dir = e.dir
	cmd.Env = e.env
	cmd.Stdin = nil
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return -1, &launchError{Command: command, Status: -1, Err: err}
	}

	aborted, err := waitInGroup(ctx, cmd, e.killTimeout, command)
	status, launchErr := classifyExit(command, err)
	if aborted {
		return status, errCommandAborted
	}
	return status, launchErr
}

// waitInGroup waits for a started command. Once ctx is done the command's
// process group gets SIGTERM, and SIGKILL if it is still there after
// killTimeout; aborted is then true.
func waitInGroup(ctx context.Context, cmd *exec.Cmd, killTimeout time.Duration, name string) (aborted bool, err error) {
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	select {
	case err := <-waitCh:
		return false, err
	case <-ctx.Done():
	}

	if err := signalProcessGroup(cmd.Process, false); err != nil {
		logDebug("failed to send SIGTERM to %q: %v", name, err)
	}
	timer := time.NewTimer(killTimeout)
	defer timer.Stop()

	select {
	case err = <-waitCh:
	case <-timer.C:
		logWarn("forcing %q to exit with SIGKILL", name)
		if killErr := signalProcessGroup(cmd.Process, true); killErr != nil {
			logDebug("failed to send SIGKILL to %q: %v", name, killErr)
		}
		err = <-waitCh
	}
	return true, err
}

func classifyExit(command string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, &launchError{Command: command, Status: -1, Err: err}
	}
	status := exitErr.ExitCode()
	switch status {
	case statusNotFound:
		return status, &launchError{Command: command, Status: status, Err: errors.New("command not found")}
	case statusNotExecutable:
		return status, &launchError{Command: command, Status: status, Err: errors.New("permission denied or not executable")}
	}
	return status, nil
}

// builtinExecutor interprets commands with an embedded POSIX shell, so no
// system shell is required.
type builtinExecutor struct {
	dir         string
	env         []string
	stdout      io.Writer
	stderr      io.Writer
	killTimeout time.Duration
}

func (e *builtinExecutor) Execute(ctx context.Context, command string) (int, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return -1, &launchError{Command: command, Status: -1, Err: err}
	}

	runner, err := interp.New(
		interp.Dir(e.dir),
		interp.Env(expand.ListEnviron(e.env...)),
		interp.StdIO(nil, e.stdout, e.stderr),
		interp.ExecHandlers(func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
			return e.execProgram
		}),
	)
	if err != nil {
		return -1, &launchError{Command: command, Status: -1, Err: err}
	}

	err = runner.Run(ctx, file)
	if err == nil {
		return 0, nil
	}

	if st, ok := interp.IsExitStatus(err); ok {
		code := int(st)
		if ctx.Err() != nil {
			return code, errCommandAborted
		}
		switch code {
		case statusNotFound:
			return code, &launchError{Command: command, Status: code, Err: errors.New("command not found")}
		case statusNotExecutable:
			return code, &launchError{Command: command, Status: code, Err: errors.New("permission denied or not executable")}
		}
		return code, nil
	}
	if ctx.Err() != nil {
		return -1, errCommandAborted
	}
	return -1, &launchError{Command: command, Status: -1, Err: err}
}

// execProgram runs an external program for the interpreter in its own process
// group, like systemExecutor does, so a terminal interrupt aimed at
// chainwatch does not reach it.
func (e *builtinExecutor) execProgram(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	path, err := interp.LookPathDir(hc.Dir, hc.Env, args[0])
	if err != nil {
		fmt.Fprintln(hc.Stderr, err)
		return interp.NewExitStatus(statusNotFound)
	}

	cmd := &exec.Cmd{
		Path:   path,
		Args:   args,
		Env:    environList(hc.Env),
		Dir:    hc.Dir,
		Stdin:  hc.Stdin,
		Stdout: hc.Stdout,
		Stderr: hc.Stderr,
	}
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(hc.Stderr, err)
		return interp.NewExitStatus(statusNotExecutable)
	}

	aborted, err := waitInGroup(ctx, cmd, e.killTimeout, args[0])
	if aborted {
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by a signal.
			code = 1
		}
		return interp.NewExitStatus(uint8(code))
	}
	return err
}

func environList(env expand.Environ) []string {
	var list []string
	env.Each(func(name string, vr expand.Variable) bool {
		if vr.Exported && vr.Kind == expand.String {
			list = append(list, name+"="+vr.String())
		}
		return true
	})
	return list
}
