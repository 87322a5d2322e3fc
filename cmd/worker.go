package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/masserfx/steelflow/internal/scheduler"
	"github.com/masserfx/steelflow/internal/store"
)

// sweepRetryCap stops the sweep from replaying an entry forever; past this
// many recorded retries the entry waits for an operator.
const sweepRetryCap = 8

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		c := cron.New()
		_, err = c.AddFunc("@every "+cfg.Scheduler.SweepInterval, func() {
			sweepDeadLetters(ctx, a.st, a.sched, cfg.Scheduler.SweepBatchSize)
			reportStaleMessages(ctx, a.st)
		})
		if err != nil {
			return err
		}
		c.Start()
		defer c.Stop()

		if checker := a.checker(); checker != nil {
			go checker.Run(ctx)
		}

		zap.L().Info("worker pool starting",
			zap.Int("fast_workers", cfg.Scheduler.FastWorkers),
			zap.Int("ai_workers", cfg.Scheduler.AIWorkers))

		return a.sched.Run(ctx)
	},
}

// sweepDeadLetters auto-replays a bounded batch of unresolved entries.
// Permanent failures are left for an operator; entries that keep failing
// accumulate retries and age out of the sweep.
func sweepDeadLetters(ctx context.Context, st store.Store, sched *scheduler.Scheduler, batch int) {
	unresolved := false
	entries, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{Resolved: &unresolved, Limit: batch})
	if err != nil {
		zap.L().Warn("dead letter sweep: list failed", zap.Error(err))
		return
	}

	var replayed, skipped int
	for _, entry := range entries {
		if entry.Permanent || entry.RetryCount >= sweepRetryCap {
			skipped++
			continue
		}
		if err := sched.Replay(ctx, entry.ID); err != nil {
			if errors.Is(err, store.ErrAlreadyResolved) {
				continue
			}
			zap.L().Warn("dead letter sweep: replay failed",
				zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		replayed++
	}

	if len(entries) > 0 {
		zap.L().Info("dead letter sweep",
			zap.Int("unresolved", len(entries)),
			zap.Int("replayed", replayed),
			zap.Int("aged_out", skipped))
	}
}

// staleAfter is how long a message may sit in an in-flight status before
// the sweep reports it.
const staleAfter = time.Hour

// reportStaleMessages logs messages whose pipeline progress has stalled,
// usually a task lost between a crash and its replay.
func reportStaleMessages(ctx context.Context, st store.Store) {
	stale, err := st.ListStaleMessages(ctx, time.Now().UTC().Add(-staleAfter), 50)
	if err != nil {
		zap.L().Warn("stale message report failed", zap.Error(err))
		return
	}
	for _, m := range stale {
		zap.L().Warn("message stalled in pipeline",
			zap.String("message_id", m.ID),
			zap.String("status", string(m.Status)),
			zap.Time("updated_at", m.UpdatedAt))
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
