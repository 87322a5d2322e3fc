package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker creates a background alert checker. Non-positive interval
// or lookback fall back to 5 minutes and 24 hours.
func NewChecker(collector *Collector, alerter *Alerter, interval time.Duration, lookbackHours int) *Checker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  lookbackHours,
	}
}

// Run blocks until ctx is cancelled, checking on every tick.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("metrics collection failed", zap.Error(err))
		return
	}
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("all checks passed",
			zap.Int("tasks_total", snap.TasksTotal),
			zap.Int("dlq_unresolved", snap.DLQUnresolved),
		)
		return
	}
	c.alerter.Send(ctx, alerts)
}
