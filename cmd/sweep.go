package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datafeed/internal/cache"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired rows from the durable cache tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		durable, err := openDurable(cmd.Context())
		if err != nil {
			return err
		}

		store := cache.NewStore(cache.StoreConfig{
			Retention: time.Duration(cfg.Cache.RetentionHours) * time.Hour,
		}, durable)
		defer store.Close()

		n, err := store.SweepExpired(cmd.Context())
		if err != nil {
			return err
		}

		zap.L().Info("sweep complete", zap.Int("deleted", n))
		return nil
	},
}

func openDurable(ctx context.Context) (cache.Durable, error) {
	if cfg.Store.Driver == "postgres" {
		return cache.NewPostgres(ctx, cfg.Store.DatabaseURL)
	}
	return cache.NewSQLite(cfg.Store.Path)
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
