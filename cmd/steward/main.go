package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pario-ai/steward/pkg/app"
	"github.com/pario-ai/steward/pkg/config"
	"github.com/pario-ai/steward/pkg/logging"
)

var version = "dev"

var (
	configPath string
	noColor    bool
)

func main() {
	root := &cobra.Command{
		Use:           "steward",
		Short:         "Budget guard and auto-learning controller for content pipelines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			if noColor {
				color.NoColor = true
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newServeCmd(),
		newBudgetCmd(),
		newUsageCmd(),
		newLearningCmd(),
		newMetricsCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openApp loads the config, initializes logging and wires all components.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)
	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return nil, fmt.Errorf("init steward: %w", err)
	}
	return a, nil
}
