package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vitos/copytrade/internal/usecase"
	"go.uber.org/zap"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile every account's ledger against its broker once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		a, err := newApp(cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		failed := 0
		for _, c := range a.coords {
			key := c.Account().Key()
			removed, err := reconcile(ctx, c)
			if err != nil {
				failed++
				log.Error("Reconcile failed", zap.String("account", key), zap.Error(err))
				fmt.Printf("%-24s FAILED  %v\n", key, err)
				continue
			}
			fmt.Printf("%-24s ok      tracked=%d phantoms_removed=%d\n", key, len(c.Ledger().All()), removed)
		}
		if failed > 0 {
			return fmt.Errorf("%d account(s) failed to reconcile", failed)
		}
		return nil
	},
}

func reconcile(ctx context.Context, c *usecase.ExecutionCoordinator) (int, error) {
	if err := c.Broker().Connect(ctx); err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	return c.ReconcileOnStartup(ctx)
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
