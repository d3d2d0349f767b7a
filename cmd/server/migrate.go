package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"securechat/internal/config"
	"securechat/internal/logging"
	"securechat/internal/store/postgres"
	"securechat/internal/store/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		var (
			db      *sql.DB
			migrate func(*sql.DB) error
		)
		switch cfg.DBDriver {
		case config.DriverPostgres:
			db, err = postgres.Open(cfg.DatabaseURL)
			migrate = postgres.Migrate
		default:
			db, err = sqlite.Open(cfg.SQLitePath)
			migrate = sqlite.Migrate
		}
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if err := migrate(db); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		log.Info("schema up to date", zap.String("driver", cfg.DBDriver))
		return nil
	},
}
