package main

import (
	"context"
	"fmt"
	"time"
)

const (
	reasonChange   = "change"
	reasonStartup  = "startup"
	reasonSchedule = "schedule"
)

// trigger asks the orchestrator for one pass of the command chain.
type trigger struct {
	At      time.Time
	Reason  string
	Changes int
}

func (t trigger) String() string {
	if t.Reason == reasonChange {
		if t.Changes == 1 {
			return "1 change"
		}
		return fmt.Sprintf("%d changes", t.Changes)
	}
	return t.Reason
}

// debouncer turns bursts of ChangeSignals into single triggers fired once the
// quiet period has passed since the last signal.
type debouncer struct {
	quiet time.Duration
}

func newDebouncer(quiet time.Duration) *debouncer {
	return &debouncer{quiet: quiet}
}

func (d *debouncer) Run(ctx context.Context, in <-chan ChangeSignal, out chan<- trigger) {
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
		pending int
		last    time.Time
	)

	stopTimer := func() {
		if timer != nil && !timer.Stop() && timerCh != nil {
			select {
			case <-timerCh:
			default:
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return
		case signal, ok := <-in:
			if !ok {
				stopTimer()
				return
			}
			pending++
			last = signal.At
			if timer == nil {
				timer = time.NewTimer(d.quiet)
				timerCh = timer.C
			} else {
				stopTimer()
				timer.Reset(d.quiet)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			if pending == 0 {
				continue
			}
			t := trigger{At: last, Reason: reasonChange, Changes: pending}
			pending = 0
			logDebug("quiet for %s after %s", d.quiet, t)
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}
