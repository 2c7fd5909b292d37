package main

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type chainPass interface {
	Run(ctx, abort context.Context) RunOutcome
}

type serverControl interface {
	Restart()
	Shutdown(ctx context.Context) error
}

// pass is one execution of the chain from trigger to outcome.
type pass struct {
	ID       string
	Trigger  trigger
	Started  time.Time
	Finished time.Time
	Outcome  RunOutcome
}

type passObserver interface {
	PassStarted(p *pass)
	PassFinished(p *pass)
}

// orchestrator runs the chain once per trigger, never two passes at a time.
// Triggers that arrive during a pass collapse into one follow-up pass.
type orchestrator struct {
	runner    chainPass
	server    serverControl
	observers []passObserver

	// abort is cancelled to kill a command that is still running during
	// shutdown.
	abort           context.Context
	shutdownTimeout time.Duration
	hasServer       bool
}

func newOrchestrator(runner chainPass, server serverControl, hasServer bool, abort context.Context, shutdownTimeout time.Duration, observers ...passObserver) *orchestrator {
	if abort == nil {
		abort = context.Background()
	}
	return &orchestrator{
		runner:          runner,
		server:          server,
		observers:       observers,
		abort:           abort,
		shutdownTimeout: shutdownTimeout,
		hasServer:       hasServer,
	}
}

// Run consumes triggers until ctx is done, then lets the current command
// finish, skips the rest of the chain and shuts the server down.
func (o *orchestrator) Run(ctx context.Context, triggers <-chan trigger) error {
	passCtx, cancelPass := context.WithCancel(context.Background())
	defer cancelPass()

	var (
		running bool
		owed    *trigger
		results = make(chan *pass, 1)
	)

	start := func(t trigger) {
		p := &pass{ID: uuid.NewString(), Trigger: t, Started: time.Now()}
		running = true
		logInfo("%s (%s)", statusNote("running chain"), t)
		for _, observer := range o.observers {
			observer.PassStarted(p)
		}
		go func() {
			p.Outcome = o.runner.Run(passCtx, o.abort)
			p.Finished = time.Now()
			results <- p
		}()
	}

	for {
		select {
		case <-ctx.Done():
			cancelPass()
			if running {
				logInfo("waiting for the current command to finish; interrupt again to abort it")
				o.finish(<-results, false)
			}
			return o.shutdownServer()
		case t, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			if !running {
				start(t)
				continue
			}
			if owed == nil {
				logInfo("%s; another pass queued", t)
				owed = &t
			} else {
				owed.Changes += t.Changes
				owed.At = t.At
			}
		case p := <-results:
			running = false
			o.finish(p, true)
			if owed != nil {
				next := *owed
				owed = nil
				start(next)
			}
		}
	}
}

func (o *orchestrator) finish(p *pass, allowRestart bool) {
	outcome := p.Outcome
	switch outcome.Status {
	case outcomeSuccess:
		logInfo("%s %s", statusOK("ok"), outcome)
		if allowRestart {
			o.server.Restart()
		}
	case outcomeFailed:
		if o.hasServer {
			logError("%s %s; server left as is", statusFail("failed"), outcome)
		} else {
			logError("%s %s", statusFail("failed"), outcome)
		}
	case outcomeInterrupted:
		logWarn("%s", outcome)
	}
	for _, observer := range o.observers {
		observer.PassFinished(p)
	}
}

func (o *orchestrator) shutdownServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	defer cancel()
	if err := o.server.Shutdown(ctx); err != nil {
		logError("server shutdown: %v", err)
	}
	return nil
}
