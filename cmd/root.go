package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/masserfx/steelflow/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "steelflow",
	Short: "Order-intake pipeline for a steel fabrication shop",
	Long:  "Ingests customer emails, classifies and parses them with Claude models, reconciles them against customers and orders, estimates costs, and generates offers.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
