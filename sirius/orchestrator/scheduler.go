package orchestrator

import (
	"context"
	"errors"
	"time"
)

// Start launches the scheduler, which fires a cycle on every Interval
// boundary in UTC (the top of each hour by default). It returns an error if
// the scheduler is already running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		return errors.New("scheduler already started")
	}
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go o.loop(ctx, o.stop, o.done)
	return nil
}

// Stop halts the scheduler. Cycles already running continue; use Wait to
// block until they finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	stop, done := o.stop, o.done
	o.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done

	o.mu.Lock()
	o.stop, o.done = nil, nil
	o.nextIngestion = time.Time{}
	o.mu.Unlock()
}

func (o *Orchestrator) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		now := o.now()
		next := NextTick(now, o.cfg.Interval)

		o.mu.Lock()
		o.nextIngestion = next
		o.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			o.tick(ctx)
		}
	}
}

// tick starts a scheduled cycle unless one is already active, in which case
// the tick is dropped.
func (o *Orchestrator) tick(ctx context.Context) {
	if err := o.begin(); err != nil {
		o.log.Debug("Skipping scheduled ingestion", "reason", err)
		return
	}
	go func() {
		defer o.cycles.Done()
		o.runCycle(context.WithoutCancel(ctx), TriggerScheduled)
	}()
}

// NextTick returns the first interval boundary strictly after now, in UTC.
func NextTick(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return now.UTC().Truncate(interval).Add(interval)
}
