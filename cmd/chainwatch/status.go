package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

const maxBoardEntries = 1024

var (
	markRunning = color.New(color.FgBlack, color.BgYellow).SprintFunc()
	markOK      = color.New(color.FgWhite, color.BgGreen).SprintFunc()
	markFail    = color.New(color.FgWhite, color.BgRed).SprintFunc()
	markStopped = color.New(color.FgBlack, color.BgWhite).SprintFunc()
	markIdle    = color.New(color.Faint).SprintFunc()
)

type serverMark int

const (
	serverNone serverMark = iota
	serverUp
	serverTerminated
	serverDown
)

type boardEntry struct {
	running bool
	status  outcomeStatus
	server  serverMark
}

// statusBoard prints a strip of recent pass outcomes, newest on the right,
// and under it the server instance each pass left behind.
type statusBoard struct {
	mu         sync.Mutex
	out        io.Writer
	okStr      string
	showServer bool
	width      func() int

	entries     []boardEntry
	serverEntry int
}

func newStatusBoard(out io.Writer, okStr string, showServer bool) *statusBoard {
	return &statusBoard{
		out:         out,
		okStr:       okStr,
		showServer:  showServer,
		width:       terminalWidth,
		serverEntry: -1,
	}
}

// stdoutIsTerminal decides whether the strip is printed at all.
func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

func (b *statusBoard) PassStarted(p *pass) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, boardEntry{running: true})
	if len(b.entries) > maxBoardEntries {
		drop := len(b.entries) - maxBoardEntries
		b.entries = b.entries[drop:]
		b.serverEntry -= drop
	}
	b.printLocked()
}

func (b *statusBoard) PassFinished(p *pass) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return
	}
	last := &b.entries[len(b.entries)-1]
	last.running = false
	last.status = p.Outcome.Status
	b.printLocked()
}

// ServerEvent attributes server instances to the pass that caused them.
func (b *statusBoard) ServerEvent(event serverEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch event.Kind {
	case serverStarted:
		b.serverEntry = len(b.entries) - 1
		b.setServerLocked(serverUp)
	case serverStopped:
		b.setServerLocked(serverTerminated)
	case serverCrashed:
		b.setServerLocked(serverDown)
		b.printLocked()
	}
}

func (b *statusBoard) setServerLocked(mark serverMark) {
	if b.serverEntry < 0 || b.serverEntry >= len(b.entries) {
		return
	}
	b.entries[b.serverEntry].server = mark
}

func (b *statusBoard) printLocked() {
	if b.out == nil {
		return
	}
	fmt.Fprintln(b.out, b.renderLocked(b.width()))
}

func (b *statusBoard) renderLocked(width int) string {
	if width <= 0 {
		width = 80
	}
	visible := b.entries
	if len(visible) > width {
		visible = visible[len(visible)-width:]
	}

	var line strings.Builder
	line.WriteString(strings.Repeat(" ", width-len(visible)))
	for _, entry := range visible {
		switch {
		case entry.running:
			line.WriteString(markRunning("?"))
		case entry.status == outcomeSuccess:
			line.WriteString(markOK(b.okStr))
		case entry.status == outcomeFailed:
			line.WriteString(markFail("x"))
		default:
			line.WriteString(markIdle("-"))
		}
	}

	if !b.showServer || b.serverEntry < 0 {
		return line.String()
	}

	line.WriteString("\n")
	line.WriteString(strings.Repeat(" ", width-len(visible)))
	for _, entry := range visible {
		switch entry.server {
		case serverUp:
			line.WriteString(markRunning("?"))
		case serverTerminated:
			line.WriteString(markStopped("x"))
		case serverDown:
			line.WriteString(markFail("!"))
		default:
			line.WriteString(" ")
		}
	}
	return line.String()
}
