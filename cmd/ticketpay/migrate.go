package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/iurnickita/ticketpay/internal/config"
	"github.com/iurnickita/ticketpay/internal/logger"
	"github.com/iurnickita/ticketpay/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.GetConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.Store.DBDsn == "" {
		return errors.New("TICKETPAY_DB_DSN is not set")
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	return store.Migrate(cfg.Store.DBDsn, zaplog)
}
