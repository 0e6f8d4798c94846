package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/steward/pkg/models"
)

func newLearningCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learning",
		Short: "Inspect and drive the auto-learning controller",
	}

	configCmd := &cobra.Command{
		Use:   "config <project>",
		Short: "Show a project's auto-learning limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			c, err := a.Learning.GetConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printConfig(c)
			return nil
		},
	}

	var (
		maxChanges int
		threshold  float64
		window     int
		protected  []string
	)
	setConfigCmd := &cobra.Command{
		Use:   "set-config <project>",
		Short: "Update a project's auto-learning limits",
		Long:  "Flags that are not given keep their current value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			c, err := a.Learning.GetConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("max-changes") {
				c.MaxChangesPerWeek = maxChanges
			}
			if flags.Changed("threshold") {
				c.RollbackThreshold = threshold
			}
			if flags.Changed("window") {
				c.RollbackWindow = window
			}
			if flags.Changed("protected") {
				c.ProtectedParameters = protected
			}
			stored, err := a.Learning.UpdateConfig(cmd.Context(), c)
			if err != nil {
				return err
			}
			printConfig(stored)
			return nil
		},
	}
	f := setConfigCmd.Flags()
	f.IntVar(&maxChanges, "max-changes", 0, "maximum experiments per 7-day window")
	f.Float64Var(&threshold, "threshold", 0, "relative score drop that triggers rollback, in (0, 1]")
	f.IntVar(&window, "window", 0, "number of snapshots an experiment is judged on")
	f.StringSliceVar(&protected, "protected", nil, "parameters the controller must never change")

	stateCmd := &cobra.Command{
		Use:   "state <project>",
		Short: "Show the controller phase and parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.Learning.GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printState(st)
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Run one auto-learning step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.Learning.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch {
			case res.RollbackApplied:
				badColor.Println("Experiment rolled back.")
			case res.Promoted:
				goodColor.Println("Experiment promoted.")
			case res.InsufficientEvidence:
				warnColor.Println("Not enough evidence yet.")
			}
			fmt.Printf("Phase: %s\n", res.ResultingState)
			for _, e := range res.Events {
				fmt.Printf("  %s: %q -> %q (%s)\n", e.Parameter, e.PreviousValue, e.NewValue, e.Reason)
			}
			return nil
		},
	}

	var (
		parameter string
		reason    string
		since     string
		limit     int
	)
	eventsCmd := &cobra.Command{
		Use:   "events <project>",
		Short: "List parameter changes, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := models.LearningQueryOpts{Parameter: parameter, Reason: reason, Limit: limit}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			events, err := a.Learning.ListEvents(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No learning events found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tPARAMETER\tPREVIOUS\tNEW\tREASON")
			for _, e := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.CreatedAt.Format("2006-01-02T15:04:05"), e.Parameter, e.PreviousValue, e.NewValue, e.Reason)
			}
			return w.Flush()
		},
	}
	eventsCmd.Flags().StringVar(&parameter, "parameter", "", "filter by parameter")
	eventsCmd.Flags().StringVar(&reason, "reason", "", "filter by reason")
	eventsCmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	eventsCmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (default 100)")

	setParamCmd := &cobra.Command{
		Use:   "set-param <project> <parameter> <value>",
		Short: "Override a parameter while no experiment is running",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.Learning.SetParameter(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			printState(st)
			return nil
		},
	}

	cmd.AddCommand(configCmd, setConfigCmd, stateCmd, runCmd, eventsCmd, setParamCmd)
	return cmd
}

func printConfig(c models.AutoLearningConfig) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Project:\t%s\n", c.ProjectID)
	fmt.Fprintf(w, "Max changes/week:\t%d\n", c.MaxChangesPerWeek)
	fmt.Fprintf(w, "Rollback threshold:\t%.4f\n", c.RollbackThreshold)
	fmt.Fprintf(w, "Rollback window:\t%d\n", c.RollbackWindow)
	fmt.Fprintf(w, "Protected:\t%s\n", strings.Join(c.ProtectedParameters, ", "))
	_ = w.Flush()
}

func printState(st models.AutoLearningState) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	headerColor.Fprintf(w, "Phase:\t%s\n", st.Phase)
	fmt.Fprintf(w, "Active:\t%s\n", joinParams(st.Parameters))
	fmt.Fprintf(w, "Stable:\t%s\n", joinParams(st.StableParameters))
	fmt.Fprintf(w, "Changes in window:\t%d\n", st.ChangesInWindow)
	if st.BaselineScore != nil {
		fmt.Fprintf(w, "Baseline score:\t%.4f\n", *st.BaselineScore)
	}
	if st.LastChangeAt != nil {
		fmt.Fprintf(w, "Last change:\t%s\n", st.LastChangeAt.Format(time.RFC3339))
	}
	if st.LastRollbackAt != nil {
		fmt.Fprintf(w, "Last rollback:\t%s\n", st.LastRollbackAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func joinParams(p models.ParameterSet) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for i, k := range keys {
		keys[i] = k + "=" + p[k]
	}
	return strings.Join(keys, ", ")
}
