package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/cache"
	"github.com/stakewatch/stakewatch/pkg/clients/subgraph"
	"github.com/stakewatch/stakewatch/pkg/fetcher"
	"github.com/stakewatch/stakewatch/pkg/ledgersync"
	"github.com/stakewatch/stakewatch/pkg/logger"
	"github.com/stakewatch/stakewatch/pkg/metrics"
	"github.com/stakewatch/stakewatch/pkg/postgres"
	"github.com/stakewatch/stakewatch/pkg/postgres/migrations"
	"github.com/stakewatch/stakewatch/pkg/reconciler"
	pgStorage "github.com/stakewatch/stakewatch/pkg/storage/postgres"
	"go.uber.org/zap"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle for one network and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		networkName, err := cmd.Flags().GetString("network")
		if err != nil {
			return err
		}
		network, err := config.ParseNetwork(networkName)
		if err != nil {
			return err
		}

		modeName, err := cmd.Flags().GetString("mode")
		if err != nil {
			return err
		}
		mode := ledgersync.SyncMode(modeName)
		if mode != ledgersync.SyncMode_Incremental && mode != ledgersync.SyncMode_Full {
			return fmt.Errorf("invalid sync mode '%s'", modeName)
		}

		resetCursor, err := cmd.Flags().GetBool("reset-cursor")
		if err != nil {
			return err
		}
		opts := make([]ledgersync.SyncOption, 0)
		if resetCursor {
			opts = append(opts, ledgersync.WithCursorReset())
		}

		endpoint, err := cfg.SubgraphEndpoint(network)
		if err != nil {
			return err
		}

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

		client := subgraph.NewClient(endpoint, network, cfg.SubgraphConfig.RequestTimeout, l)
		f := fetcher.NewFetcher(client, &fetcher.FetcherConfig{
			PageSize:  cfg.SyncConfig.PageSize,
			PageDelay: cfg.SyncConfig.PageDelay,
		}, l)

		syncer := ledgersync.NewSyncer(f, reconciler.NewReconciler(l), store, pageCache, sink, l, cfg)

		result, err := syncer.TriggerSync(ctx, mode, opts...)
		if err != nil {
			if errors.Is(err, ledgersync.ErrAlreadyInProgress) {
				l.Sugar().Infow("A sync run is already in progress, nothing to do",
					zap.String("network", network.String()),
				)
				return nil
			}
			return err
		}

		l.Sugar().Infow("Sync run complete",
			zap.String("runId", result.RunId),
			zap.String("network", result.Network.String()),
			zap.String("mode", string(result.Mode)),
			zap.Int("openedSynced", result.OpenedSynced),
			zap.Int("closedSynced", result.ClosedSynced),
			zap.Int("activeCount", result.ActiveCount),
			zap.Uint64("lastSyncedStakeId", result.LastSyncedStakeId),
			zap.Bool("dayClockKnown", result.DayClockKnown),
			zap.Duration("duration", result.Duration),
		)
		return nil
	},
}
