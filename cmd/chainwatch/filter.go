package main

import (
	"context"
	"time"
)

// ChangeSignal tells the debouncer that something relevant changed. Commands
// re-read the tree themselves, so no path travels with it.
type ChangeSignal struct {
	At time.Time
}

type ignoreReloader interface {
	Reload() error
}

// eventFilter drops events for ignored paths and forwards the rest as
// ChangeSignals.
type eventFilter struct {
	root   string
	source eventSource
	rules  ignoreEvaluator
	now    func() time.Time
}

func newEventFilter(root string, source eventSource, rules ignoreEvaluator) *eventFilter {
	return &eventFilter{
		root:   root,
		source: source,
		rules:  rules,
		now:    time.Now,
	}
}

// Run forwards relevant changes until ctx is done. Transient source errors are
// logged; a fatal one is returned.
func (f *eventFilter) Run(ctx context.Context, out chan<- ChangeSignal) error {
	events := f.source.Events()
	errs := f.source.Errors()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return &fatalWatchError{err: errSourceClosed}
			}
			if !f.relevant(event) {
				continue
			}
			logDebug("change %s %s", event.Op, event.Path)
			select {
			case out <- ChangeSignal{At: f.now()}:
			case <-ctx.Done():
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				return &fatalWatchError{err: errSourceClosed}
			}
			if isFatalWatchError(err) {
				return err
			}
			if rootErr := checkRoot(f.root); rootErr != nil {
				return rootErr
			}
			logWarn("watch error: %v", err)
		}
	}
}

func (f *eventFilter) relevant(event rawEvent) bool {
	if event.Op == opChmod {
		return false
	}
	if isIgnoreFile(event.Path) {
		if reloader, ok := f.rules.(ignoreReloader); ok {
			if err := reloader.Reload(); err != nil {
				logWarn("failed to reload ignore rules: %v", err)
			} else {
				logInfo("reloaded ignore rules after change to %s", event.Path)
			}
		}
	}
	if f.rules != nil && f.rules.Ignored(event.Path) {
		logDebug("ignored %s %s", event.Op, event.Path)
		return false
	}
	return true
}
