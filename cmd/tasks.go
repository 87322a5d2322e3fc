package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/store"
)

var (
	tasksMessageID string
	tasksStage     string
	tasksStatus    string
	tasksLimit     int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show the processing audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		records, err := st.ListTaskRecords(ctx, store.TaskFilter{
			MessageID: tasksMessageID,
			Stage:     model.Stage(tasksStage),
			Status:    model.TaskStatus(tasksStatus),
			Limit:     tasksLimit,
		})
		if err != nil {
			return err
		}

		for _, rec := range records {
			line := fmt.Sprintf("%s  %-20s attempt=%d %-13s %dms",
				rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Stage, rec.Attempt, rec.Status, rec.DurationMS)
			if rec.TokenUsage.Total() > 0 {
				line += fmt.Sprintf(" tokens=%d", rec.TokenUsage.Total())
			}
			fmt.Println(line)
			if rec.Error != "" {
				fmt.Printf("    %s\n", rec.Error)
			}
		}
		fmt.Printf("%d records\n", len(records))
		return nil
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksMessageID, "message-id", "", "filter by message id")
	tasksCmd.Flags().StringVar(&tasksStage, "stage", "", "filter by stage")
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 100, "maximum records to show")
	rootCmd.AddCommand(tasksCmd)
}
