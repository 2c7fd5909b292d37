package main

import (
	"context"
	"time"
)

type requestKind int

const (
	requestRestart requestKind = iota
	requestShutdown
)

type supervisorRequest struct {
	kind  requestKind
	reply chan struct{}
}

type serverEventKind int

const (
	serverStarted serverEventKind = iota
	serverStopped
	serverCrashed
)

type serverEvent struct {
	Kind       serverEventKind
	Pid        int
	ExitStatus int
}

// serverSupervisor owns the single server instance. All transitions happen on
// its own goroutine in response to requests, so at most one instance is ever
// alive and a new one is only spawned after the previous one has exited.
type serverSupervisor struct {
	spawner     serverSpawner
	killTimeout time.Duration
	onEvent     func(serverEvent)

	requests chan supervisorRequest
	doneCh   chan struct{}
}

// newServerSupervisor returns an inert supervisor when spawner is nil.
func newServerSupervisor(spawner serverSpawner, killTimeout time.Duration, onEvent func(serverEvent)) *serverSupervisor {
	s := &serverSupervisor{
		spawner:     spawner,
		killTimeout: killTimeout,
		onEvent:     onEvent,
		requests:    make(chan supervisorRequest, 16),
		doneCh:      make(chan struct{}),
	}
	if spawner == nil {
		close(s.doneCh)
		return s
	}
	go s.run()
	return s
}

// Restart starts the server if it is stopped, otherwise terminates the
// running instance and starts a new one once it has exited. Requests that
// arrive while a termination is pending collapse into one restart.
func (s *serverSupervisor) Restart() {
	if s.spawner == nil {
		return
	}
	select {
	case s.requests <- supervisorRequest{kind: requestRestart}:
	case <-s.doneCh:
	}
}

// Shutdown terminates the running instance, drops any owed restart and waits
// for the supervisor to stop.
func (s *serverSupervisor) Shutdown(ctx context.Context) error {
	if s.spawner == nil {
		return nil
	}
	reply := make(chan struct{})
	select {
	case s.requests <- supervisorRequest{kind: requestShutdown, reply: reply}:
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *serverSupervisor) run() {
	defer close(s.doneCh)

	var (
		current      serverProcess
		exited       <-chan struct{}
		terminating  bool
		restartOwed  bool
		shuttingDown bool
		replies      []chan struct{}
		killTimer    *time.Timer
		killCh       <-chan time.Time
	)

	spawn := func(verb string) {
		process, err := s.spawner.Spawn()
		if err != nil {
			logError("failed to start server: %v", err)
			return
		}
		current = process
		exited = process.Done()
		logInfo("%s server (pid %d)", statusNote(verb), process.Pid())
		s.emit(serverEvent{Kind: serverStarted, Pid: process.Pid()})
	}

	terminate := func() {
		terminating = true
		if err := current.Terminate(false); err != nil {
			logError("failed to send SIGTERM to server: %v", err)
		}
		killTimer = time.NewTimer(s.killTimeout)
		killCh = killTimer.C
	}

	stopKillTimer := func() {
		if killTimer != nil {
			killTimer.Stop()
		}
		killTimer = nil
		killCh = nil
	}

	finish := func() {
		for _, reply := range replies {
			close(reply)
		}
	}

	for {
		select {
		case req := <-s.requests:
			switch req.kind {
			case requestRestart:
				switch {
				case shuttingDown:
				case current == nil:
					spawn("starting")
				case terminating:
					if !restartOwed {
						logDebug("restart already pending")
					}
					restartOwed = true
				default:
					logInfo("%s server (pid %d)", statusNote("restarting"), current.Pid())
					restartOwed = true
					terminate()
				}
			case requestShutdown:
				shuttingDown = true
				restartOwed = false
				if req.reply != nil {
					replies = append(replies, req.reply)
				}
				if current == nil {
					finish()
					return
				}
				if !terminating {
					logInfo("stopping server (pid %d)", current.Pid())
					terminate()
				}
			}
		case <-exited:
			stopKillTimer()
			pid, status := current.Pid(), current.ExitStatus()
			if terminating {
				logDebug("server (pid %d) stopped with status %d", pid, status)
				s.emit(serverEvent{Kind: serverStopped, Pid: pid, ExitStatus: status})
			} else {
				logError("server (pid %d) exited with status %d; it stays down until the next successful run", pid, status)
				s.emit(serverEvent{Kind: serverCrashed, Pid: pid, ExitStatus: status})
			}
			current = nil
			exited = nil
			terminating = false

			if shuttingDown {
				finish()
				return
			}
			if restartOwed {
				restartOwed = false
				spawn("started")
			}
		case <-killCh:
			killCh = nil
			if current != nil {
				logWarn("server (pid %d) did not exit within %s, sending SIGKILL", current.Pid(), s.killTimeout)
				if err := current.Terminate(true); err != nil {
					logError("failed to send SIGKILL to server: %v", err)
				}
			}
		}
	}
}

func (s *serverSupervisor) emit(event serverEvent) {
	if s.onEvent != nil {
		s.onEvent(event)
	}
}
