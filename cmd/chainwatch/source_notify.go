package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

// notify does not reliably report removal of the watched directory itself,
// so the root is also checked on this interval.
const notifyRootCheckInterval = time.Second

// notifySource uses the platform's native recursive watch (FSEvents,
// ReadDirectoryChangesW, inotify emulation) through a "root/..." pattern.
type notifySource struct {
	root string

	raw    chan notify.EventInfo
	events chan rawEvent
	errors chan error
	stopCh chan struct{}
	doneCh chan struct{}

	closeOnce sync.Once
}

func newNotifySource(root string) (*notifySource, error) {
	root = filepath.Clean(root)
	raw := make(chan notify.EventInfo, 128)
	pattern := filepath.Join(root, "...")
	if err := notify.Watch(pattern, raw, notify.All); err != nil {
		return nil, fmt.Errorf("watch %s: %w", pattern, err)
	}

	s := &notifySource{
		root:   root,
		raw:    raw,
		events: make(chan rawEvent, 128),
		errors: make(chan error, 8),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *notifySource) Events() <-chan rawEvent { return s.events }

func (s *notifySource) Errors() <-chan error { return s.errors }

func (s *notifySource) Close() error {
	s.closeOnce.Do(func() {
		notify.Stop(s.raw)
		close(s.stopCh)
		<-s.doneCh
	})
	return nil
}

func (s *notifySource) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(notifyRootCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := checkRoot(s.root); err != nil {
				s.sendError(err)
				return
			}
		case info, ok := <-s.raw:
			if !ok {
				s.sendError(&fatalWatchError{err: errSourceClosed})
				return
			}
			path := info.Path()
			if path == "" {
				continue
			}
			path = filepath.Clean(path)
			op := mapNotifyEvent(info.Event())

			if op&(opRemove|opRename) != 0 {
				if path == s.root {
					s.sendError(&fatalWatchError{err: fmt.Errorf("%w: %s", errWatchRootGone, path)})
					return
				}
				if err := checkRoot(s.root); err != nil {
					s.sendError(err)
					return
				}
			}

			select {
			case s.events <- rawEvent{Path: path, Op: op}:
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *notifySource) sendError(err error) {
	select {
	case s.errors <- err:
	case <-s.stopCh:
	}
}

func mapNotifyEvent(event notify.Event) eventOp {
	var result eventOp
	if event&notify.Create == notify.Create {
		result |= opCreate
	}
	if event&notify.Write == notify.Write {
		result |= opWrite
	}
	if event&notify.Remove == notify.Remove {
		result |= opRemove
	}
	if event&notify.Rename == notify.Rename {
		result |= opRename
	}
	return result
}
