package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pario-ai/steward/pkg/models"
)

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Ingest engagement metric snapshots",
	}

	var (
		snap   models.MetricSnapshot
		params []string
	)
	addCmd := &cobra.Command{
		Use:     "add <project>",
		Short:   "Add one engagement snapshot",
		Example: `  steward metrics add acme --item post-17 --impressions 1200 --clicks 54 --param slot=evening`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap.ProjectID = args[0]
			if len(params) > 0 {
				snap.Parameters = models.ParameterSet{}
				for _, p := range params {
					k, v, ok := strings.Cut(p, "=")
					if !ok || k == "" {
						return fmt.Errorf("invalid parameter %q: want key=value", p)
					}
					snap.Parameters[k] = v
				}
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stored, err := a.Snapshots.Add(cmd.Context(), snap)
			if err != nil {
				return err
			}
			fmt.Printf("Snapshot %d stored for %s.\n", stored.ID, stored.ContentItemID)
			return nil
		},
	}
	f := addCmd.Flags()
	f.StringVar(&snap.ContentItemID, "item", "", "content item id")
	f.Int64Var(&snap.Impressions, "impressions", 0, "impressions")
	f.Int64Var(&snap.Clicks, "clicks", 0, "clicks")
	f.Int64Var(&snap.Likes, "likes", 0, "likes")
	f.Int64Var(&snap.Comments, "comments", 0, "comments")
	f.Int64Var(&snap.Shares, "shares", 0, "shares")
	f.StringArrayVar(&params, "param", nil, "strategy parameter the item was published with, key=value (repeatable)")

	cmd.AddCommand(addCmd)
	return cmd
}
