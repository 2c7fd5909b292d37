package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

type eventOp uint32

const (
	opCreate eventOp = 1 << iota
	opWrite
	opRemove
	opRename
	opChmod
)

func (op eventOp) String() string {
	var parts []string
	if op&opCreate != 0 {
		parts = append(parts, "create")
	}
	if op&opWrite != 0 {
		parts = append(parts, "write")
	}
	if op&opRemove != 0 {
		parts = append(parts, "remove")
	}
	if op&opRename != 0 {
		parts = append(parts, "rename")
	}
	if op&opChmod != 0 {
		parts = append(parts, "chmod")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// rawEvent is a low-level filesystem notification for one path.
type rawEvent struct {
	Path string
	Op   eventOp
}

// eventSource reports filesystem events for a watched tree. Errors wrapped
// in fatalWatchError end the watch; any other error is transient.
type eventSource interface {
	Events() <-chan rawEvent
	Errors() <-chan error
	Close() error
}

var (
	errWatchRootGone = errors.New("watched directory is gone")
	errSourceClosed  = errors.New("event source closed")
)

type fatalWatchError struct {
	err error
}

func (e *fatalWatchError) Error() string {
	return "fatal watch error: " + e.err.Error()
}

func (e *fatalWatchError) Unwrap() error {
	return e.err
}

func isFatalWatchError(err error) bool {
	var fatal *fatalWatchError
	return errors.As(err, &fatal)
}

func newEventSource(cfg WatchConfig, rules ignoreEvaluator) (eventSource, error) {
	switch cfg.Backend {
	case backendNotify:
		return newNotifySource(cfg.Root)
	case backendFsnotify, "":
		return newFsnotifySource(cfg.Root, rules)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// checkRoot turns a vanished or replaced watch root into a fatal error.
func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return &fatalWatchError{err: fmt.Errorf("%w: %v", errWatchRootGone, err)}
	}
	if !info.IsDir() {
		return &fatalWatchError{err: fmt.Errorf("%w: %s is no longer a directory", errWatchRootGone, root)}
	}
	return nil
}
