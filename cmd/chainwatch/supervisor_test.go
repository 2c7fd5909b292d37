package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid        int
	spawner    *fakeSpawner
	ignoreTerm bool

	mu       sync.Mutex
	exited   bool
	status   int
	terms    int
	kills    int
	done     chan struct{}
	doneOnce sync.Once
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate(force bool) error {
	p.mu.Lock()
	if force {
		p.kills++
	} else {
		p.terms++
	}
	ignore := p.ignoreTerm && !force
	p.mu.Unlock()
	if !ignore {
		p.exit(143)
	}
	return nil
}

func (p *fakeProcess) exit(status int) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.exited = true
		p.status = status
		p.mu.Unlock()
		p.spawner.alive.Add(-1)
		close(p.done)
	})
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

type fakeSpawner struct {
	ignoreTerm bool
	fail       bool

	mu        sync.Mutex
	processes []*fakeProcess
	alive     atomic.Int32
	maxAlive  atomic.Int32
}

func (s *fakeSpawner) Spawn() (serverProcess, error) {
	if s.fail {
		return nil, errors.New("spawn failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &fakeProcess{
		pid:        1000 + len(s.processes),
		spawner:    s,
		ignoreTerm: s.ignoreTerm,
		done:       make(chan struct{}),
	}
	s.processes = append(s.processes, p)
	n := s.alive.Add(1)
	for {
		max := s.maxAlive.Load()
		if n <= max || s.maxAlive.CompareAndSwap(max, n) {
			break
		}
	}
	return p, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.processes) == 0 {
		return nil
	}
	return s.processes[len(s.processes)-1]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []serverEvent
}

func (r *eventRecorder) record(event serverEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) kinds() []serverEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]serverEventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func shutdownSupervisor(t *testing.T, s *serverSupervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestSupervisorStartsFromStopped(t *testing.T) {
	spawner := &fakeSpawner{}
	events := &eventRecorder{}
	s := newServerSupervisor(spawner, time.Second, events.record)

	s.Restart()
	require.Eventually(t, func() bool { return spawner.spawned() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), spawner.alive.Load())

	shutdownSupervisor(t, s)
	require.Equal(t, int32(0), spawner.alive.Load())
	require.Equal(t, []serverEventKind{serverStarted, serverStopped}, events.kinds())
}

func TestSupervisorRestartReplacesInstance(t *testing.T) {
	spawner := &fakeSpawner{}
	s := newServerSupervisor(spawner, time.Second, nil)

	s.Restart()
	require.Eventually(t, func() bool { return spawner.spawned() == 1 }, 2*time.Second, 5*time.Millisecond)
	first := spawner.last()

	s.Restart()
	require.Eventually(t, func() bool { return spawner.spawned() == 2 }, 2*time.Second, 5*time.Millisecond)

	first.mu.Lock()
	require.True(t, first.exited)
	require.Equal(t, 1, first.terms)
	first.mu.Unlock()
	require.Equal(t, int32(1), spawner.alive.Load())
	require.Equal(t, int32(1), spawner.maxAlive.Load())

	shutdownSupervisor(t, s)
}

func TestSupervisorCoalescesRestarts(t *testing.T) {
	spawner := &fakeSpawner{ignoreTerm: true}
	s := newServerSupervisor(spawner, time.Hour, nil)

	s.Restart()
	require.Eventually(t, func() bool { return spawner.spawned() == 1 }, 2*time.Second, 5*time.Millisecond)
	first := spawner.last()

	// The first instance ignores SIGTERM, so every request below lands while
	// its termination is pending.
	for i := 0; i < 5; i++ {
		s.Restart()
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, spawner.spawned())

	first.exit(0)
	require.Eventually(t, func() bool { return spawner.spawned() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, spawner.spawned())
	require.Equal(t, int32(1), spawner.maxAlive.Load())

	first.mu.Lock()
	require.Equal(t, 1, first.terms)
	first.mu.Unlock()

	spawner.last().exit(0)
	shutdownSupervisor(t, s)
}

func TestSupervisorEscalatesToKill(t *testing.T) {
	spawner := &fakeSpawner{ignoreTerm: true}
	s := newServerSupervisor(spawner, 50*time.Millisecond, nil)

	s.Restart()
	require.Eventually(t, func() bool { return spawner.spawned() == 1 }, 2*time.Second, 5*time.Millisecond)
	first := spawner.last()

	s.Restart()
	require.Eventually(t, func() bool { return spawner.spawned() == 2 }, 2*time.Second, 5*time.Millisecond)

	first.mu.Lock()
	require.Equal(t, 1, first.terms)
	require.Equal(t, 1, first.kills)
	first.mu.Unlock()
	require.Equal(t, int32(1), spawner.maxAlive.Load())

	spawner.last().exit(0)
	shutdownSupervisor(t, s)
}

func TestSupervisorCrashStaysDown(t *testing.T) {
	spawner := &fakeSpawner{}
	events := &eventRecorder{}
	s := newServerSupervisor(spawner, time.Second, events.record)

	s.Restart()
	require.Eventually(t, func() bool { return spawner.spawned() == 1 }, 2*time.Second, 5*time.Millisecond)
	spawner.last().exit(1)

	require.Eventually(t, func() bool {
		kinds := events.kinds()
		return len(kinds) == 2 && kinds[1] == serverCrashed
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, spawner.spawned())

	s.Restart()
	require.Eventually(t, func() bool { return spawner.spawned() == 2 }, 2*time.Second, 5*time.Millisecond)
	shutdownSupervisor(t, s)
}

func TestSupervisorShutdownDropsOwedRestart(t *testing.T) {
	spawner := &fakeSpawner{ignoreTerm: true}
	s := newServerSupervisor(spawner, 50*time.Millisecond, nil)

	s.Restart()
	require.Eventually(t, func() bool { return spawner.spawned() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Restart()

	shutdownSupervisor(t, s)
	require.Equal(t, 1, spawner.spawned())
	require.Equal(t, int32(0), spawner.alive.Load())

	// Requests after shutdown are dropped.
	s.Restart()
	require.Equal(t, 1, spawner.spawned())
}

func TestSupervisorSpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{fail: true}
	s := newServerSupervisor(spawner, time.Second, nil)

	s.Restart()
	shutdownSupervisor(t, s)
	require.Equal(t, 0, spawner.spawned())
}

func TestSupervisorInert(t *testing.T) {
	s := newServerSupervisor(nil, time.Second, nil)
	s.Restart()
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSupervisorRealProcess(t *testing.T) {
	skipWithoutPosixShell(t)
	cfg := testConfig(t, shellSystem)
	cfg.Commands = CommandSpec{Chain: []string{"true"}, Server: "sleep 100"}

	spawner := newServerSpawner(cfg, &syncBuffer{}, &syncBuffer{})
	events := &eventRecorder{}
	s := newServerSupervisor(spawner, 2*time.Second, events.record)

	s.Restart()
	require.Eventually(t, func() bool { return len(events.kinds()) == 1 }, 5*time.Second, 10*time.Millisecond)

	s.Restart()
	require.Eventually(t, func() bool { return len(events.kinds()) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []serverEventKind{serverStarted, serverStopped, serverStarted}, events.kinds())

	start := time.Now()
	shutdownSupervisor(t, s)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, []serverEventKind{serverStarted, serverStopped, serverStarted, serverStopped}, events.kinds())
}

func TestServerSpawnerOnPTY(t *testing.T) {
	skipWithoutPosixShell(t)
	cfg := testConfig(t, shellSystem)
	cfg.UsePTY = true
	cfg.Commands = CommandSpec{Chain: []string{"true"}, Server: "echo ready; sleep 100"}

	var out syncBuffer
	process, err := newServerSpawner(cfg, &out, &out).Spawn()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "ready") }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, process.Terminate(false))
	select {
	case <-process.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pty server did not exit on SIGTERM")
	}
	require.NotEqual(t, 0, process.ExitStatus())
}
