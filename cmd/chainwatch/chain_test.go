package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func skipWithoutPosixShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T, shell string) WatchConfig {
	t.Helper()
	return WatchConfig{
		Root:        t.TempDir(),
		Shell:       shell,
		ShellPath:   "/bin/sh",
		KillTimeout: time.Second,
		Env:         map[string]string{"CHAINWATCH_TEST": "1"},
	}
}

func runChain(t *testing.T, cfg WatchConfig, commands ...string) (RunOutcome, string) {
	t.Helper()
	var out syncBuffer
	runner := newChainRunner(commands, newCommandExecutor(cfg, &out, &out))
	outcome := runner.Run(context.Background(), context.Background())
	return outcome, out.String()
}

func TestChainRunnerStopsAtFirstFailure(t *testing.T) {
	skipWithoutPosixShell(t)
	for _, shell := range []string{shellSystem, shellBuiltin} {
		t.Run(shell, func(t *testing.T) {
			cfg := testConfig(t, shell)
			marker := filepath.Join(cfg.Root, "third-ran")

			outcome, _ := runChain(t, cfg, "exit 0", "exit 1", "touch "+marker)

			require.Equal(t, outcomeFailed, outcome.Status)
			require.Equal(t, 1, outcome.Index)
			require.Equal(t, 1, outcome.ExitStatus)
			require.Equal(t, "exit 1", outcome.Command)
			require.Equal(t, 3, outcome.Steps)
			require.NoError(t, outcome.Err)
			require.False(t, outcome.Success())
			require.Contains(t, outcome.String(), "failed at step 2 of 3")

			_, err := os.Stat(marker)
			require.True(t, os.IsNotExist(err), "third command must not run")
		})
	}
}

func TestChainRunnerRunsInOrder(t *testing.T) {
	skipWithoutPosixShell(t)
	for _, shell := range []string{shellSystem, shellBuiltin} {
		t.Run(shell, func(t *testing.T) {
			cfg := testConfig(t, shell)

			outcome, out := runChain(t, cfg, "echo A", "echo B", "echo C")

			require.True(t, outcome.Success())
			require.Equal(t, 3, outcome.Steps)
			require.Equal(t, "A\nB\nC\n", out)
		})
	}
}

func TestChainRunnerReportsLastStepFailure(t *testing.T) {
	skipWithoutPosixShell(t)
	cfg := testConfig(t, shellSystem)

	outcome, out := runChain(t, cfg, "echo A", "echo B", "echo C; exit 3")

	require.Equal(t, outcomeFailed, outcome.Status)
	require.Equal(t, 2, outcome.Index)
	require.Equal(t, 3, outcome.ExitStatus)
	require.Equal(t, "A\nB\nC\n", out)
}

func TestChainRunnerPassesEnvAndDir(t *testing.T) {
	skipWithoutPosixShell(t)
	for _, shell := range []string{shellSystem, shellBuiltin} {
		t.Run(shell, func(t *testing.T) {
			cfg := testConfig(t, shell)
			writeFile(t, filepath.Join(cfg.Root, "present.txt"), "x")

			outcome, out := runChain(t, cfg, `test -f present.txt`, `echo "$CHAINWATCH_TEST"`)

			require.True(t, outcome.Success(), outcome.String())
			require.Equal(t, "1\n", out)
		})
	}
}

func TestChainRunnerMissingExecutable(t *testing.T) {
	skipWithoutPosixShell(t)
	for _, shell := range []string{shellSystem, shellBuiltin} {
		t.Run(shell, func(t *testing.T) {
			cfg := testConfig(t, shell)

			outcome, _ := runChain(t, cfg, "exit 0", "chainwatch-no-such-command-xyz")

			require.Equal(t, outcomeFailed, outcome.Status)
			require.Equal(t, 1, outcome.Index)
			require.Equal(t, statusNotFound, outcome.ExitStatus)

			var launchErr *launchError
			require.True(t, errors.As(outcome.Err, &launchErr), "got %v", outcome.Err)
			require.Equal(t, "chainwatch-no-such-command-xyz", launchErr.Command)
		})
	}
}

func TestChainRunnerMissingShell(t *testing.T) {
	skipWithoutPosixShell(t)
	cfg := testConfig(t, shellSystem)
	cfg.ShellPath = filepath.Join(cfg.Root, "no-shell-here")

	outcome, _ := runChain(t, cfg, "exit 0")

	require.Equal(t, outcomeFailed, outcome.Status)
	require.Equal(t, 0, outcome.Index)
	var launchErr *launchError
	require.True(t, errors.As(outcome.Err, &launchErr))
}

func TestChainRunnerSkipsRemainingAfterCancel(t *testing.T) {
	skipWithoutPosixShell(t)
	cfg := testConfig(t, shellSystem)
	marker := filepath.Join(cfg.Root, "second-ran")

	ctx, cancel := context.WithCancel(context.Background())
	executor := newCommandExecutor(cfg, &syncBuffer{}, &syncBuffer{})
	runner := newChainRunner([]string{"sleep 0.2", "touch " + marker}, executor)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	outcome := runner.Run(ctx, context.Background())

	require.Equal(t, outcomeInterrupted, outcome.Status)
	require.Equal(t, 1, outcome.Index)
	_, err := os.Stat(marker)
	require.True(t, os.IsNotExist(err))
}

func TestChainRunnerAbortKillsCommand(t *testing.T) {
	skipWithoutPosixShell(t)
	for _, shell := range []string{shellSystem, shellBuiltin} {
		t.Run(shell, func(t *testing.T) {
			cfg := testConfig(t, shell)
			abort, cancel := context.WithCancel(context.Background())
			executor := newCommandExecutor(cfg, &syncBuffer{}, &syncBuffer{})
			runner := newChainRunner([]string{"sleep 30"}, executor)

			go func() {
				time.Sleep(100 * time.Millisecond)
				cancel()
			}()
			start := time.Now()
			outcome := runner.Run(context.Background(), abort)

			require.Equal(t, outcomeInterrupted, outcome.Status)
			require.Equal(t, 0, outcome.Index)
			require.Less(t, time.Since(start), 10*time.Second)
		})
	}
}

func TestClassifyExit(t *testing.T) {
	status, err := classifyExit("true", nil)
	require.Equal(t, 0, status)
	require.NoError(t, err)

	status, err = classifyExit("broken", errors.New("exec: not started"))
	require.Equal(t, -1, status)
	var launchErr *launchError
	require.True(t, errors.As(err, &launchErr))
	require.True(t, strings.Contains(launchErr.Error(), "broken"))
}

func TestRunOutcomeString(t *testing.T) {
	ok := RunOutcome{Status: outcomeSuccess, Steps: 2, Duration: 1500 * time.Millisecond}
	require.Equal(t, "passed 2 step(s) in 1.5s", ok.String())

	stopped := RunOutcome{Status: outcomeInterrupted, Index: 0, Steps: 3}
	require.Equal(t, "interrupted at step 1 of 3", stopped.String())

	failed := RunOutcome{Status: outcomeFailed, Index: 2, Steps: 3, Command: "make", ExitStatus: 2}
	require.Equal(t, `failed at step 3 of 3 ("make" exited with status 2)`, failed.String())
}
