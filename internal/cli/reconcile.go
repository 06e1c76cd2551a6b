package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/trashtotech/rewards-service/internal/app"
	"github.com/trashtotech/rewards-service/internal/metrics"
	"github.com/trashtotech/rewards-service/internal/points"
	"github.com/trashtotech/rewards-service/internal/store"
)

const reconcileTimeout = 10 * time.Minute

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair pending balances that drifted from scheduled visits",
		Long:  "Recompute every user's pending points from the sum over their scheduled visits and correct any mismatch. Safe to run while the service is serving traffic.",
		Args:  cobra.NoArgs,
		RunE:  runReconcile,
	}
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireDatabaseURL(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), reconcileTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	repo := store.NewPostgresRepository(pool, cfg.RewardsExchange)
	service := app.NewService(repo, points.MustNewEstimator(points.DefaultRateTable()), nil, nil, metrics.Rewards(), app.Config{UpfrontRate: cfg.UpfrontRate})

	corrected, err := service.ReconcilePendingPoints(ctx)
	if err != nil {
		return err
	}
	if isJSON() {
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{"corrected": corrected})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Corrected %d pending balance(s)\n", corrected)
	return nil
}
