package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/store"
)

var (
	dlqShowResolved bool
	dlqStage        string
	dlqLimit        int
	dlqResolvedBy   string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and act on the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.DeadLetterFilter{Stage: model.Stage(dlqStage), Limit: dlqLimit}
		if !dlqShowResolved {
			unresolved := false
			filter.Resolved = &unresolved
		}

		entries, err := st.ListDeadLetters(ctx, filter)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}

		for _, e := range entries {
			state := "unresolved"
			if e.Resolved {
				state = "resolved by " + e.ResolvedBy
			}
			fmt.Printf("%s  %-20s retries=%d  %s\n    %s\n",
				e.ID, e.Stage, e.RetryCount, state, e.Error)
		}

		unresolved, resolved, err := st.CountDeadLetters(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\n%d unresolved, %d resolved\n", unresolved, resolved)
		return nil
	},
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a dead-letter entry as handled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if dlqResolvedBy == "" {
			return eris.New("--by is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.ResolveDeadLetter(ctx, args[0], dlqResolvedBy); err != nil {
			return err
		}
		fmt.Printf("resolved %s\n", args[0])
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Re-run a dead-lettered payload through the pipeline",
	Args:  cobra.ExactArgs(1),
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

		runCtx, cancel := context.WithCancel(ctx)
		g, gCtx := errgroup.WithContext(runCtx)
		g.Go(func() error { return a.sched.Run(gCtx) })

		if err := a.sched.Replay(ctx, args[0]); err != nil {
			cancel()
			return err
		}

		a.sched.Drain()
		cancel()
		if err := g.Wait(); err != nil && !eris.Is(err, context.Canceled) {
			return err
		}

		fmt.Printf("replayed %s\n", args[0])
		return nil
	},
}

func init() {
	dlqListCmd.Flags().BoolVar(&dlqShowResolved, "all", false, "include resolved entries")
	dlqListCmd.Flags().StringVar(&dlqStage, "stage", "", "filter by stage")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum entries to show")
	dlqResolveCmd.Flags().StringVar(&dlqResolvedBy, "by", "", "operator resolving the entry")

	dlqCmd.AddCommand(dlqListCmd, dlqResolveCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}
