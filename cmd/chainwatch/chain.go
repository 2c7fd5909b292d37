package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type outcomeStatus int

const (
	outcomeSuccess outcomeStatus = iota
	outcomeFailed
	// outcomeInterrupted marks a pass cut short by shutdown.
	outcomeInterrupted
)

func (s outcomeStatus) String() string {
	switch s {
	case outcomeSuccess:
		return "success"
	case outcomeFailed:
		return "failed"
	case outcomeInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("outcomeStatus(%d)", int(s))
	}
}

// RunOutcome is the result of one pass over the chain. For a failed or
// interrupted pass Index is the zero-based step that stopped it.
type RunOutcome struct {
	Status     outcomeStatus
	Index      int
	ExitStatus int
	Command    string
	Err        error
	Steps      int
	Duration   time.Duration
}

func (o RunOutcome) Success() bool {
	return o.Status == outcomeSuccess
}

func (o RunOutcome) String() string {
	switch o.Status {
	case outcomeSuccess:
		return fmt.Sprintf("passed %d step(s) in %s", o.Steps, o.Duration.Round(time.Millisecond))
	case outcomeInterrupted:
		return fmt.Sprintf("interrupted at step %d of %d", o.Index+1, o.Steps)
	}
	if o.Err != nil {
		return fmt.Sprintf("failed at step %d of %d: %v", o.Index+1, o.Steps, o.Err)
	}
	return fmt.Sprintf("failed at step %d of %d (%q exited with status %d)", o.Index+1, o.Steps, o.Command, o.ExitStatus)
}

// chainRunner executes the chain one command at a time and stops at the
// first failure.
type chainRunner struct {
	commands []string
	executor commandExecutor
	now      func() time.Time
}

func newChainRunner(commands []string, executor commandExecutor) *chainRunner {
	return &chainRunner{
		commands: commands,
		executor: executor,
		now:      time.Now,
	}
}

// Run makes one pass. Cancelling ctx skips the commands that have not started
// yet; cancelling abort also kills the one in progress.
func (r *chainRunner) Run(ctx, abort context.Context) RunOutcome {
	start := r.now()
	steps := len(r.commands)

	for i, command := range r.commands {
		if ctx.Err() != nil {
			return RunOutcome{Status: outcomeInterrupted, Index: i, Command: command, Steps: steps, Duration: r.now().Sub(start)}
		}

		logInfo("%s %s", statusNote(fmt.Sprintf("[%d/%d]", i+1, steps)), command)
		status, err := r.executor.Execute(abort, command)

		switch {
		case errors.Is(err, errCommandAborted):
			return RunOutcome{Status: outcomeInterrupted, Index: i, ExitStatus: status, Command: command, Steps: steps, Duration: r.now().Sub(start)}
		case err != nil:
			return RunOutcome{Status: outcomeFailed, Index: i, ExitStatus: status, Command: command, Err: err, Steps: steps, Duration: r.now().Sub(start)}
		case status != 0:
			return RunOutcome{Status: outcomeFailed, Index: i, ExitStatus: status, Command: command, Steps: steps, Duration: r.now().Sub(start)}
		}
	}

	return RunOutcome{Status: outcomeSuccess, Index: steps, Steps: steps, Duration: r.now().Sub(start)}
}
