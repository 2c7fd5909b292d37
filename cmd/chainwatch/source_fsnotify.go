package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fsnotifySource watches every directory of the tree individually, adding
// directories as they appear. Ignored directories are never watched.
type fsnotifySource struct {
	root    string
	rules   ignoreEvaluator
	watcher *fsnotify.Watcher

	events chan rawEvent
	errors chan error
	doneCh chan struct{}
	stopCh chan struct{}

	closeOnce sync.Once
}

func newFsnotifySource(root string, rules ignoreEvaluator) (*fsnotifySource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	s := &fsnotifySource{
		root:    filepath.Clean(root),
		rules:   rules,
		watcher: watcher,
		events:  make(chan rawEvent, 128),
		errors:  make(chan error, 8),
		doneCh:  make(chan struct{}),
		stopCh:  make(chan struct{}),
	}

	count, err := s.addTree(s.root)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	logDebug("fsnotify watching %d director(ies) under %s", count, s.root)

	go s.run()
	return s, nil
}

func (s *fsnotifySource) Events() <-chan rawEvent { return s.events }

func (s *fsnotifySource) Errors() <-chan error { return s.errors }

func (s *fsnotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		err = s.watcher.Close()
		<-s.doneCh
	})
	return err
}

// addTree watches dir and every non-ignored directory below it.
func (s *fsnotifySource) addTree(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			logDebug("skipping %s: %v", p, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != s.root && s.rules != nil && s.rules.Ignored(p) {
			return filepath.SkipDir
		}
		if err := s.watcher.Add(p); err != nil {
			if p == s.root {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			logWarn("failed to watch %s: %v", p, err)
			return nil
		}
		count++
		return nil
	})
	return count, err
}

func (s *fsnotifySource) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				s.sendError(&fatalWatchError{err: errSourceClosed})
				return
			}
			if event.Name == "" {
				continue
			}
			name := filepath.Clean(event.Name)
			op := mapFsnotifyOp(event.Op)

			if name == s.root && op&(opRemove|opRename) != 0 {
				s.sendError(&fatalWatchError{err: fmt.Errorf("%w: %s", errWatchRootGone, name)})
				return
			}

			if op&opCreate != 0 {
				if info, err := os.Lstat(name); err == nil && info.IsDir() {
					if s.rules == nil || !s.rules.Ignored(name) {
						if _, err := s.addTree(name); err != nil {
							logWarn("failed to watch new directory %s: %v", name, err)
						}
					}
				}
			}

			select {
			case s.events <- rawEvent{Path: name, Op: op}:
			case <-s.stopCh:
				return
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.sendError(&fatalWatchError{err: errSourceClosed})
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				err = fmt.Errorf("events dropped: %w", err)
			}
			s.sendError(err)
		}
	}
}

func (s *fsnotifySource) sendError(err error) {
	select {
	case s.errors <- err:
	case <-s.stopCh:
	}
}

func mapFsnotifyOp(op fsnotify.Op) eventOp {
	var result eventOp
	if op.Has(fsnotify.Create) {
		result |= opCreate
	}
	if op.Has(fsnotify.Write) {
		result |= opWrite
	}
	if op.Has(fsnotify.Remove) {
		result |= opRemove
	}
	if op.Has(fsnotify.Rename) {
		result |= opRename
	}
	if op.Has(fsnotify.Chmod) {
		result |= opChmod
	}
	return result
}
