package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/monitoring"
	"github.com/masserfx/steelflow/pkg/ai"
)

var statsHours int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline health over a lookback window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		models := ai.Models{
			Classifier: cfg.Anthropic.ClassifierModel,
			Parser:     cfg.Anthropic.ParserModel,
			Drawing:    cfg.Anthropic.DrawingModel,
			Estimator:  cfg.Anthropic.EstimatorModel,
		}
		snap, err := monitoring.NewCollector(st, models).Collect(ctx, statsHours)
		if err != nil {
			return err
		}

		fmt.Printf("last %dh as of %s\n\n", snap.LookbackHours, snap.CollectedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("tasks         %d total, %d succeeded, %d failed, %d dead-lettered\n",
			snap.TasksTotal, snap.TasksSucceeded, snap.TasksFailed, snap.TasksDeadLettered)
		fmt.Printf("fail rate     %.1f%%\n", snap.FailRate*100)
		fmt.Printf("tokens        %d in, %d out\n", snap.InputTokens, snap.OutputTokens)
		fmt.Printf("model spend   $%.4f\n", snap.ModelCostUSD)
		fmt.Printf("dead letters  %d unresolved, %d resolved\n", snap.DLQUnresolved, snap.DLQResolved)

		if len(snap.StageFailures) > 0 {
			fmt.Println("\nfailures by stage:")
			stages := make([]string, 0, len(snap.StageFailures))
			for stage := range snap.StageFailures {
				stages = append(stages, string(stage))
			}
			sort.Strings(stages)
			for _, stage := range stages {
				fmt.Printf("  %-20s %d\n", stage, snap.StageFailures[model.Stage(stage)])
			}
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsHours, "hours", 24, "lookback window in hours")
	rootCmd.AddCommand(statsCmd)
}
