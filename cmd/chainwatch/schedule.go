package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// runSchedule injects a trigger on every tick of a cron expression until ctx
// is done. Ticks that find a pass running are coalesced by the orchestrator.
func runSchedule(ctx context.Context, spec string, out chan<- trigger) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		select {
		case out <- trigger{At: time.Now(), Reason: reasonSchedule}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	c.Start()
	logInfo("scheduled passes: %s", spec)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
