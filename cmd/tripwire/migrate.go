package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tripwire/internal/config"
)

var migrateConfigPath string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the storage schema and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig(migrateConfigPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.SlogLevel())

		// initShared migrates as part of opening the store.
		sc, err := initShared(context.Background(), cfg, logger)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		logger.Info("migrations applied", slog.String("driver", sc.Store.Driver()))
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}
