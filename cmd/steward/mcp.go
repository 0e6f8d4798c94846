package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/steward/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start steward as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			srv := mcp.New(a.Guard, a.Ledger, a.Learning, version)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
