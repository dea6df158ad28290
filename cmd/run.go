package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/internal/version"
	"github.com/stakewatch/stakewatch/pkg/cache"
	"github.com/stakewatch/stakewatch/pkg/clients/subgraph"
	"github.com/stakewatch/stakewatch/pkg/fetcher"
	"github.com/stakewatch/stakewatch/pkg/ledgersync"
	"github.com/stakewatch/stakewatch/pkg/logger"
	"github.com/stakewatch/stakewatch/pkg/metrics"
	"github.com/stakewatch/stakewatch/pkg/metrics/prometheus"
	"github.com/stakewatch/stakewatch/pkg/postgres"
	"github.com/stakewatch/stakewatch/pkg/postgres/migrations"
	"github.com/stakewatch/stakewatch/pkg/reconciler"
	"github.com/stakewatch/stakewatch/pkg/shutdown"
	pgStorage "github.com/stakewatch/stakewatch/pkg/storage/postgres"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the stake ledger sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		l.Sugar().Infow("stakewatch run",
			zap.String("version", version.GetVersion()),
			zap.String("commit", version.GetCommit()),
		)

		metricsClients, err := metrics.InitMetricsSinksFromConfig(cfg, l)
		if err != nil {
			l.Sugar().Fatal("Failed to setup metrics sink", zap.Error(err))
		}
		sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, metricsClients)
		if err != nil {
			l.Sugar().Fatal("Failed to setup metrics sink", zap.Error(err))
		}

		pgConfig := postgres.PostgresConfigFromDbConfig(&cfg.DatabaseConfig)

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

		store := pgStorage.NewPostgresStakeStore(grm, l, cfg)
		pageCache := cache.NewPageSetCache(cfg.SyncConfig.CacheTTL, l)

		syncers := make([]*ledgersync.Syncer, 0)
		for _, network := range config.AllNetworks {
			endpoint, err := cfg.SubgraphEndpoint(network)
			if err != nil {
				l.Sugar().Infow("No subgraph endpoint configured, skipping network",
					zap.String("network", network.String()),
				)
				continue
			}
			client := subgraph.NewClient(endpoint, network, cfg.SubgraphConfig.RequestTimeout, l)
			f := fetcher.NewFetcher(client, &fetcher.FetcherConfig{
				PageSize:  cfg.SyncConfig.PageSize,
				PageDelay: cfg.SyncConfig.PageDelay,
			}, l)

			syncer := ledgersync.NewSyncer(f, reconciler.NewReconciler(l), store, pageCache, sink, l, cfg)
			syncer.StartPeriodic(ctx)
			syncers = append(syncers, syncer)
		}
		if len(syncers) == 0 {
			return fmt.Errorf("no subgraph endpoints configured")
		}

		promChan := make(chan bool)
		if cfg.PrometheusConfig.Enabled {
			pServer := prometheus.NewPrometheusServer(&prometheus.PrometheusServerConfig{
				Port: cfg.PrometheusConfig.Port,
			}, l)
			if err := pServer.Start(promChan); err != nil {
				l.Sugar().Fatalw("Failed to start prometheus server", zap.Error(err))
			}
		}

		l.Sugar().Info("Started stakewatch")

		gracefulShutdown := shutdown.CreateGracefulShutdownChannel()

		done := make(chan bool)
		shutdown.ListenForShutdown(gracefulShutdown, done, func() {
			l.Sugar().Info("Shutting down...")
			for _, syncer := range syncers {
				syncer.StopPeriodic()
			}
			close(promChan)
			go func() {
				done <- true
			}()
		}, time.Second*5, l)
		return nil
	},
}
