package enforcer

import (
	"context"
	"time"
)

// RunSweeper drives the periodic mute-expiry sweep until ctx is cancelled.
// Multiple workers may run it concurrently against the same store; the sweep
// itself guarantees each case is lifted once. Directives for lifted cases go
// to the engine's Applier when one is configured, otherwise they are logged
// and dropped for the operator to reconcile.
func (eng *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			eng.sweepOnce(ctx)
		}
	}
}

func (eng *Engine) sweepOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
	}()

	lifted, directives, err := eng.SweepExpired(ctx, eng.now())
	if err != nil {
		eng.Logger.Error("mute expiry sweep failed", "err", err)
		return
	}
	if len(lifted) == 0 {
		return
	}
	eng.Logger.Info("mute expiry sweep", "lifted", len(lifted))
	if eng.Applier == nil {
		eng.Logger.Warn("no applier configured, dropping unmute directives", "count", len(directives))
		return
	}
	if err := eng.Applier.Apply(ctx, directives); err != nil {
		eng.Logger.Error("applying unmute directives", "err", err, "count", len(directives))
	}
}
