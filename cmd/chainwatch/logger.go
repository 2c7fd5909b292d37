package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/logutils"
	"github.com/mattn/go-isatty"
)

var logLevels = []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"}

var (
	logMu     sync.Mutex
	logStdout = newLevelFilter(os.Stdout)
	logStderr = newLevelFilter(os.Stderr)
)

var (
	statusOK   = color.New(color.FgGreen, color.Bold).SprintFunc()
	statusFail = color.New(color.FgRed, color.Bold).SprintFunc()
	statusNote = color.New(color.FgYellow).SprintFunc()
)

func init() {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

func newLevelFilter(w io.Writer) *logutils.LevelFilter {
	return &logutils.LevelFilter{
		Levels:   logLevels,
		MinLevel: "INFO",
		Writer:   w,
	}
}

// setVerbose toggles DEBUG output on both streams.
func setVerbose(verbose bool) {
	logMu.Lock()
	defer logMu.Unlock()

	level := logutils.LogLevel("INFO")
	if verbose {
		level = "DEBUG"
	}
	logStdout.SetMinLevel(level)
	logStderr.SetMinLevel(level)
}

func logDebug(format string, args ...any) {
	logWithFilter(logStdout, "DEBUG", format, args...)
}

func logInfo(format string, args ...any) {
	logWithFilter(logStdout, "INFO", format, args...)
}

func logWarn(format string, args ...any) {
	logWithFilter(logStderr, "WARN", format, args...)
}

func logError(format string, args ...any) {
	logWithFilter(logStderr, "ERROR", format, args...)
}

func logWithFilter(filter *logutils.LevelFilter, level string, format string, args ...any) {
	logMu.Lock()
	defer logMu.Unlock()

	timestamp := time.Now().Format("15:04:05.000")
	message := fmt.Sprintf(format, args...)
	// logutils reads the level from the first bracketed token.
	fmt.Fprintf(filter, "[%s] [chainwatch %s] %s\n", level, timestamp, message)
}
