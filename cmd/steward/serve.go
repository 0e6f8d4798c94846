package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/steward/pkg/logging"
	"github.com/pario-ai/steward/pkg/server"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the learning scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if listen != "" {
				a.Config.Listen = listen
			}
			if err := a.StartScheduler(); err != nil {
				return err
			}

			logging.ForComponent("cli").WithField("config", configPath).Info("starting steward")
			return server.New(a).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
