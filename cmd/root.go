package cmd

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stakewatch/stakewatch/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "stakewatch",
	Short: "Stakewatch maintains a queryable replica of the on-chain stake ledger",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	initConfig(rootCmd)

	rootCmd.PersistentFlags().Bool("debug", false, `"true" or "false"`)

	rootCmd.PersistentFlags().String(config.DatabaseHost, "localhost", `PostgreSQL host`)
	rootCmd.PersistentFlags().Int(config.DatabasePort, 5432, `PostgreSQL port`)
	rootCmd.PersistentFlags().String(config.DatabaseUser, "stakewatch", `PostgreSQL username`)
	rootCmd.PersistentFlags().String(config.DatabasePassword, "", `PostgreSQL password`)
	rootCmd.PersistentFlags().String("database.db-name", "stakewatch", `PostgreSQL database name`)
	rootCmd.PersistentFlags().String("database.schema-name", "", `PostgreSQL schema name (default "public")`)
	rootCmd.PersistentFlags().String("database.ssl-mode", "disable", `PostgreSQL ssl mode`)

	rootCmd.PersistentFlags().String("subgraph.ethereum-url", "", `Ledger query endpoint for ethereum`)
	rootCmd.PersistentFlags().String("subgraph.pulsechain-url", "", `Ledger query endpoint for pulsechain`)
	rootCmd.PersistentFlags().Duration("subgraph.request-timeout", 0, `Timeout for a single page request (default 30s)`)

	rootCmd.PersistentFlags().Int("sync.page-size", 100, `Records requested per page`)
	rootCmd.PersistentFlags().Duration("sync.page-delay", 100*time.Millisecond, `Pause between consecutive page requests`)
	rootCmd.PersistentFlags().Duration("sync.interval", 0, `Interval between periodic incremental syncs (default 30m)`)
	rootCmd.PersistentFlags().Duration("sync.run-timeout", 0, `Overall deadline for one sync run (default 10m)`)
	rootCmd.PersistentFlags().Duration("sync.cache-ttl", 0, `TTL of the fallback page cache (default 5m)`)
	rootCmd.PersistentFlags().Duration("sync.counters-retention", 0, `How long daily counter snapshots are kept (default 720h)`)
	rootCmd.PersistentFlags().Int("sync.counters-keep-last", 7, `Daily counter snapshots always preserved regardless of age`)

	rootCmd.PersistentFlags().Bool("datadog.statsd.enabled", false, `e.g. "true" or "false"`)
	rootCmd.PersistentFlags().String("datadog.statsd.url", "", `e.g. "localhost:8125"`)

	rootCmd.PersistentFlags().Bool("prometheus.enabled", false, `e.g. "true" or "false"`)
	rootCmd.PersistentFlags().Int("prometheus.port", 2112, `The port to run the prometheus server on`)

	// setup sub commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runDatabaseCmd)
	rootCmd.AddCommand(runVersionCmd)

	syncCmd.PersistentFlags().String("network", "ethereum", `Network to sync (ethereum, pulsechain)`)
	syncCmd.PersistentFlags().String("mode", "incremental", `Sync mode (incremental, full)`)
	syncCmd.PersistentFlags().Bool("reset-cursor", false, `Zero the stake id cursor before a full sync`)

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		key := config.KebabToSnakeCase(f.Name)
		viper.BindPFlag(key, f) //nolint:errcheck
		viper.BindEnv(key)      //nolint:errcheck
	})
}

func initConfig(cmd *cobra.Command) {
	viper.SetEnvPrefix(config.ENV_PREFIX)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.AutomaticEnv()
}
