package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/masserfx/steelflow/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intake API and the worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}
		srv := server.New(a.st, a.sched, a.collector(), server.Config{
			Addr:           addr,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.sched.Run(gCtx) })
		g.Go(func() error { return srv.ListenAndServe(gCtx) })
		if checker := a.checker(); checker != nil {
			g.Go(func() error {
				checker.Run(gCtx)
				return nil
			})
		}

		zap.L().Info("steelflow serving", zap.String("addr", addr))
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
