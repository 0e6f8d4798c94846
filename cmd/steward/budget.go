package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pario-ai/steward/pkg/budget"
	"github.com/pario-ai/steward/pkg/models"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed, color.Bold)
)

func newBudgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage per-project resource budgets",
	}

	var limits []string
	setCmd := &cobra.Command{
		Use:   "set <project>",
		Short: "Replace a project's budget limits",
		Example: `  steward budget set acme --limit token:daily:1000000 --limit publication:weekly:20
  steward budget set acme   # clears all limits`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := models.Budget{ProjectID: args[0]}
			for _, raw := range limits {
				l, err := parseLimit(raw)
				if err != nil {
					return err
				}
				b.Limits = append(b.Limits, l)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stored, err := a.Guard.SetBudget(cmd.Context(), b)
			if err != nil {
				return err
			}
			fmt.Printf("Budget for %s updated (%d limits).\n", stored.ProjectID, len(stored.Limits))
			return nil
		},
	}
	setCmd.Flags().StringArrayVar(&limits, "limit", nil, "limit as resource:window:max (repeatable)")

	showCmd := &cobra.Command{
		Use:   "show <project>",
		Short: "Show a project's budget limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			b, err := a.Guard.GetBudget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(b.Limits) == 0 {
				fmt.Println("No limits set; all resources are unbounded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RESOURCE\tWINDOW\tMAX")
			for _, l := range b.Limits {
				fmt.Fprintf(w, "%s\t%s\t%d\n", l.ResourceType, l.WindowKind, l.Max)
			}
			return w.Flush()
		},
	}

	reportCmd := &cobra.Command{
		Use:   "report <project>",
		Short: "Show usage against limits for every window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			report, err := a.Guard.GenerateReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReport(os.Stdout, report)
		},
	}

	var (
		format string
		output string
	)
	exportCmd := &cobra.Command{
		Use:   "export <project>",
		Short: "Export the budget report as CSV or XLSX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			report, err := a.Guard.GenerateReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			switch format {
			case "csv":
				return budget.WriteCSV(w, report)
			case "xlsx":
				return budget.WriteXLSX(w, report)
			default:
				return fmt.Errorf("unknown format %q (use csv or xlsx)", format)
			}
		},
	}
	exportCmd.Flags().StringVarP(&format, "format", "f", "csv", "csv or xlsx")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	cmd.AddCommand(setCmd, showCmd, reportCmd, exportCmd)
	return cmd
}

// parseLimit parses "resource:window:max".
func parseLimit(raw string) (models.BudgetLimit, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return models.BudgetLimit{}, fmt.Errorf("invalid limit %q: want resource:window:max", raw)
	}
	n, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return models.BudgetLimit{}, fmt.Errorf("invalid limit %q: %w", raw, err)
	}
	return models.BudgetLimit{
		ResourceType: models.ResourceType(parts[0]),
		WindowKind:   models.WindowKind(parts[1]),
		Max:          n,
	}, nil
}

func printReport(out io.Writer, report models.BudgetReport) error {
	headerColor.Fprintf(out, "Budget report for %s at %s\n", report.ProjectID, report.GeneratedAt.Format("2006-01-02 15:04:05"))
	if report.IsBlocked {
		badColor.Fprintln(out, "Status: BLOCKED")
	} else {
		goodColor.Fprintln(out, "Status: OK")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WINDOW\tRESOURCE\tUSED\tLIMIT\tREMAINING\tUSED%")
	for _, win := range report.Windows {
		limit, remaining, pct := "-", "-", "-"
		if win.Limit != nil {
			limit = strconv.FormatInt(*win.Limit, 10)
		}
		if win.Remaining != nil {
			remaining = strconv.FormatInt(*win.Remaining, 10)
		}
		if win.UsedPct != nil {
			pct = fmt.Sprintf("%.2f", *win.UsedPct)
			switch {
			case *win.UsedPct >= 100:
				pct = badColor.Sprint(pct)
			case *win.UsedPct >= 80:
				pct = warnColor.Sprint(pct)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			win.WindowKind, win.ResourceType, win.Used, limit, remaining, pct)
	}
	return w.Flush()
}
