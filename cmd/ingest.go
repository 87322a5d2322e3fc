package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/pipeline"
	"github.com/masserfx/steelflow/internal/scheduler"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest one email envelope and run it through the pipeline",
	Long:  "Reads an intake JSON envelope from a file (or stdin with -), submits it, and waits for every chained stage to finish.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var raw []byte
		var err error
		if ingestFile == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(ingestFile)
		}
		if err != nil {
			return eris.Wrap(err, "read envelope")
		}

		var p pipeline.IngestPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return eris.Wrap(err, "parse envelope")
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		runCtx, cancel := context.WithCancel(ctx)
		g, gCtx := errgroup.WithContext(runCtx)
		g.Go(func() error { return a.sched.Run(gCtx) })

		payload, err := pipeline.EncodePayload(p)
		if err != nil {
			cancel()
			return err
		}
		if !a.sched.Submit(ctx, scheduler.Task{Stage: model.StageIngest, Payload: payload}) {
			cancel()
			return eris.New("scheduler rejected the envelope")
		}

		a.sched.Drain()
		cancel()
		if err := g.Wait(); err != nil && !eris.Is(err, context.Canceled) {
			return err
		}

		zap.L().Info("envelope processed", zap.String("external_id", p.ExternalID))
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "-", "path to the intake JSON envelope, - for stdin")
	rootCmd.AddCommand(ingestCmd)
}
