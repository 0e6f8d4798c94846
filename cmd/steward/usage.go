package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pario-ai/steward/pkg/models"
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Check admission and record resource usage",
	}

	admitCmd := &cobra.Command{
		Use:   "admit <project> <resource> <amount>",
		Short: "Check whether a request would be admitted",
		Long: `Runs an admission check against the project's budget. The reservation
taken by an allowed check is released before exiting.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[2], err)
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			d, err := a.Guard.Admit(cmd.Context(), args[0], models.ResourceType(args[1]), amount)
			if err != nil {
				return err
			}
			if d.Reservation != nil {
				a.Guard.Release(args[0], d.Reservation.ID)
			}
			if d.Allowed {
				goodColor.Println("ALLOWED")
				return nil
			}
			badColor.Printf("DENIED by %s %s limit\n", d.BlockingWindow.WindowKind, d.BlockingWindow.ResourceType)
			return nil
		},
	}

	var key string
	recordCmd := &cobra.Command{
		Use:   "record <project> <resource> <amount>",
		Short: "Record consumed resources in the ledger",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[2], err)
			}
			if key == "" {
				key = uuid.NewString()
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			recorded, err := a.Guard.Record(cmd.Context(), args[0], models.ResourceType(args[1]), amount, key)
			if err != nil {
				return err
			}
			if !recorded {
				warnColor.Printf("Duplicate idempotency key %s; nothing recorded.\n", key)
				return nil
			}
			fmt.Printf("Recorded %d %s for %s (key %s).\n", amount, args[1], args[0], key)
			return nil
		},
	}
	recordCmd.Flags().StringVar(&key, "key", "", "idempotency key (random when empty)")

	summaryCmd := &cobra.Command{
		Use:   "summary <project>",
		Short: "Show all-time usage per resource type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rows, err := a.Ledger.Summary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No usage recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RESOURCE\tEVENTS\tTOTAL")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%d\n", r.ResourceType, r.EventCount, r.TotalAmount)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(admitCmd, recordCmd, summaryCmd)
	return cmd
}
