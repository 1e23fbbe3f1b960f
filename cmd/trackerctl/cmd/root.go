// Package cmd holds the operator commands of trackerctl.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/camuig/trade-tracker/internal/app"
	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/logger"
)

type rootOptions struct {
	configPath string
	dbPath     string
}

var root rootOptions

var rootCmd = &cobra.Command{
	Use:   "trackerctl",
	Short: "Operator tool for the trade tracker",
	Long: `trackerctl works on the same database and brokers as the tracker service.

It can reconcile stale records against broker history, flatten every
open position and open a trade by hand.`,
	SilenceUsage: true,
}

// Execute runs the root command. Cancelling ctx aborts in-flight broker calls.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&root.configPath, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&root.dbPath, "db", "", "path to SQLite database (overrides config)")

	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newCloseAllCmd())
	rootCmd.AddCommand(newOpenCmd())
	rootCmd.AddCommand(newTradesCmd())
}

// loadApp builds the application from the persistent flags. Logs go to
// stderr so command output stays clean on stdout.
func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if root.dbPath != "" {
		cfg.Database.Path = root.dbPath
	}

	log := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	return app.New(ctx, cfg, log)
}
