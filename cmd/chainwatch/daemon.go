package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

// Daemon wires the event source, filter, debouncer, orchestrator and server
// supervisor for one watch directory.
type Daemon struct {
	cfg    WatchConfig
	stdout io.Writer
	stderr io.Writer

	// abort is cancelled on a second interrupt to kill a running command.
	abort context.Context
}

func NewDaemon(cfg WatchConfig, stdout, stderr io.Writer, abort context.Context) *Daemon {
	return &Daemon{
		cfg:    cfg,
		stdout: stdout,
		stderr: stderr,
		abort:  abort,
	}
}

// Run watches until ctx is done, returning nil, or until the watch fails,
// returning the fatal error. Setup failures are returned before anything runs.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg

	rules, err := newIgnoreRules(cfg.Root, cfg.Ignore, cfg.UseGitignore)
	if err != nil {
		return fmt.Errorf("load ignore rules: %w", err)
	}

	var observers []passObserver

	var board *statusBoard
	if stdoutIsTerminal() {
		board = newStatusBoard(d.stdout, cfg.OkStr, cfg.Commands.HasServer())
		observers = append(observers, board)
	}

	if cfg.HistoryDB != "" {
		history, err := openHistory(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer history.Close()
		for _, p := range history.sidecarPaths() {
			rules.IgnorePath(p)
		}
		observers = append(observers, history)
		logDebug("recording passes in %s", cfg.HistoryDB)
	}

	source, err := newEventSource(cfg, rules)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer source.Close()

	var spawner serverSpawner
	if cfg.Commands.HasServer() {
		spawner = newServerSpawner(cfg, d.stdout, d.stderr)
	}
	supervisor := newServerSupervisor(spawner, cfg.KillTimeout, func(event serverEvent) {
		if board != nil {
			board.ServerEvent(event)
		}
	})

	runner := newChainRunner(cfg.Commands.Chain, newCommandExecutor(cfg, d.stdout, d.stderr))
	orchestrator := newOrchestrator(
		runner,
		supervisor,
		cfg.Commands.HasServer(),
		d.abort,
		2*cfg.KillTimeout+time.Second,
		observers...,
	)

	signals := make(chan ChangeSignal, 64)
	triggers := make(chan trigger, 4)
	if cfg.RunOnStart {
		triggers <- trigger{At: time.Now(), Reason: reasonStartup}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return newEventFilter(cfg.Root, source, rules).Run(gctx, signals)
	})
	group.Go(func() error {
		newDebouncer(cfg.Debounce).Run(gctx, signals, triggers)
		return nil
	})
	if cfg.Schedule != "" {
		group.Go(func() error {
			return runSchedule(gctx, cfg.Schedule, triggers)
		})
	}
	group.Go(func() error {
		return orchestrator.Run(gctx, triggers)
	})

	logInfo("watching %s (%s backend, %s quiet period)", cfg.Root, cfg.Backend, cfg.Debounce)
	return group.Wait()
}
