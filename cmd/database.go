package cmd

import (
	"github.com/spf13/cobra"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/logger"
	"github.com/stakewatch/stakewatch/pkg/postgres"
	"github.com/stakewatch/stakewatch/pkg/postgres/migrations"
	"go.uber.org/zap"
)

var runDatabaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Create the database if needed and run all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		pgConfig := postgres.PostgresConfigFromDbConfig(&cfg.DatabaseConfig)

		if err := postgres.CreateDatabaseIfNotExists(pgConfig); err != nil {
			l.Fatal("Failed to create database", zap.Error(err))
		}

		pg, err := postgres.NewPostgres(pgConfig)
		if err != nil {
			l.Fatal("Failed to setup postgres connection", zap.Error(err))
		}
		grm, err := postgres.NewGormFromPostgresConnection(pg.Db)
		if err != nil {
			l.Fatal("Failed to create gorm instance", zap.Error(err))
		}

		migrator := migrations.NewMigrator(pg.Db, grm, l, cfg)
		if err := migrator.MigrateAll(); err != nil {
			l.Fatal("Failed to migrate database", zap.Error(err))
		}

		l.Sugar().Info("Database is up to date")
		return nil
	},
}
