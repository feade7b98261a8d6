package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pipeorch/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		grace, _ := cmd.Flags().GetDuration("shutdown-timeout")

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			stopCtx, stop := context.WithTimeout(context.Background(), grace)
			defer stop()
			_ = a.Stop(stopCtx, app.StopFatalError)
			return err
		}

		reason := app.StopUnknown
		select {
		case s := <-sigs:
			reason = app.StopSIGINT
			if s == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
		case <-a.Done():
			reason = app.StopFatalError
		}
		fatal := a.Err()

		stopCtx, stop := context.WithTimeout(context.Background(), grace)
		defer stop()
		if err := a.Stop(stopCtx, reason); err != nil {
			return err
		}
		return fatal
	},
}

func init() {
	serveCmd.Flags().Duration("shutdown-timeout", 15*time.Second, "upper bound for graceful shutdown")
}
