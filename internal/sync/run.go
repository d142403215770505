package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tonimelisma/fieldsync/internal/events"
)

// Run drains the queue until ctx is canceled: on every transition to
// online, after new work is queued while online, and every Interval while
// online. On cancellation it stops the processor, waits for a running pass
// and returns nil.
func (p *Processor) Run(ctx context.Context) error {
	defer p.Stop()

	unsubOnline := p.monitor.OnOnline(func() {
		networkOnline.Set(1)
		p.publishConnection(true)
		p.wake()
	})
	defer unsubOnline()

	unsubOffline := p.monitor.OnOffline(func() {
		networkOnline.Set(0)
		p.publishConnection(false)
	})
	defer unsubOffline()

	online := p.monitor.IsOnline()
	networkOnline.Set(boolGauge(online))

	if online {
		p.wake()
	}

	var tick <-chan time.Time

	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	p.logger.Info("sync processor running",
		slog.Bool("online", online),
		slog.Duration("interval", p.interval),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("sync processor stopping")
			return nil
		case <-p.kick:
		case <-tick:
		}

		p.runPass(ctx)
	}
}

// runPass triggers a pass and logs the outcome. Being offline is not an
// error here: the next online transition wakes the loop again.
func (p *Processor) runPass(ctx context.Context) {
	summary, err := p.TriggerSync(ctx)

	switch {
	case errors.Is(err, ErrOffline):
		p.logger.Debug("skipping drain pass while offline")
	case err != nil && ctx.Err() == nil:
		p.logger.Error("drain pass failed", slog.String("error", err.Error()))
	case summary != nil && summary.Deferred > 0 && summary.Failed == 0 && summary.Succeeded == 0:
		p.logger.Debug("drain pass made no progress", slog.Int("deferred", summary.Deferred))
	}
}

// wake asks the Run loop for a pass without blocking.
func (p *Processor) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Processor) publishConnection(online bool) {
	if p.bus != nil {
		p.bus.Publish(events.TypeConnectionChange, events.ConnectionChange{Online: online})
	}
}
