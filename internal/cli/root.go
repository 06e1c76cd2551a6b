// Package cli defines the cobra command tree for rewardsctl, the operator
// tool that runs next to the rewards service.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/trashtotech/rewards-service/internal/config"
)

var (
	flagFormat    string
	flagConfigDir string
)

// NewRootCmd creates the root cobra command with global flags.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rewardsctl",
		Short:         "Operate the e-waste rewards service",
		Long:          "Operator tooling for the rewards service: run schema migrations, repair pending balances and inspect the points rate table.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format (text|json)")
	root.PersistentFlags().StringVar(&flagConfigDir, "config-dir", ".", "directory holding the optional .env file")

	root.AddCommand(
		newMigrateCmd(),
		newVersionCmd(),
		newReconcileCmd(),
		newEstimateCmd(),
		newRatesCmd(),
	)

	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(flagConfigDir)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func requireDatabaseURL(cfg config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	return nil
}

func isJSON() bool {
	return flagFormat == "json"
}

// printJSON marshals v as indented JSON and writes it to w.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
