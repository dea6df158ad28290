package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const ENV_PREFIX = "STAKEWATCH"

// Network identifies one logical instance of the external stake ledger.
// Networks sync independently and never share mutable state.
type Network string

const (
	Network_Ethereum   Network = "ethereum"
	Network_PulseChain Network = "pulsechain"
)

var AllNetworks = []Network{Network_Ethereum, Network_PulseChain}

func ParseNetwork(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ethereum":
		return Network_Ethereum, nil
	case "pulsechain":
		return Network_PulseChain, nil
	default:
		return "", fmt.Errorf("unsupported network '%s'", name)
	}
}

func (n Network) String() string {
	return string(n)
}

// Viper key constants. Flags are kebab-case; keys are snake_case.
var (
	Debug = "debug"

	DatabaseHost       = "database.host"
	DatabasePort       = "database.port"
	DatabaseUser       = "database.user"
	DatabasePassword   = "database.password"
	DatabaseDbName     = "database.db_name"
	DatabaseSchemaName = "database.schema_name"
	DatabaseSSLMode    = "database.ssl_mode"

	SubgraphEthereumUrl    = "subgraph.ethereum_url"
	SubgraphPulsechainUrl  = "subgraph.pulsechain_url"
	SubgraphRequestTimeout = "subgraph.request_timeout"

	SyncPageSize          = "sync.page_size"
	SyncPageDelay         = "sync.page_delay"
	SyncInterval          = "sync.interval"
	SyncRunTimeout        = "sync.run_timeout"
	SyncCacheTTL          = "sync.cache_ttl"
	SyncCountersRetention = "sync.counters_retention"
	SyncCountersKeepLast  = "sync.counters_keep_last"

	StatsdEnabled     = "datadog.statsd.enabled"
	StatsdUrl         = "datadog.statsd.url"
	PrometheusEnabled = "prometheus.enabled"
	PrometheusPort    = "prometheus.port"
)

type DatabaseConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	DbName     string
	SchemaName string
	SSLMode    string
}

type SubgraphConfig struct {
	// Endpoints maps each network to its ledger query endpoint.
	Endpoints map[Network]string
	// RequestTimeout bounds a single page request.
	RequestTimeout time.Duration
}

type SyncConfig struct {
	// PageSize is the number of records requested per page.
	PageSize int
	// PageDelay is inserted between consecutive page requests when
	// iterating exhaustively, to stay under upstream rate limits.
	PageDelay time.Duration
	// Interval between periodic incremental syncs.
	Interval time.Duration
	// RunTimeout is the overall deadline for one sync run.
	RunTimeout time.Duration
	// CacheTTL is the lifetime of the facade's fallback page cache.
	CacheTTL time.Duration
	// CountersRetention is how long global counter snapshots are kept.
	CountersRetention time.Duration
	// CountersKeepLast snapshots are always preserved regardless of age.
	CountersKeepLast int
}

type StatsdConfig struct {
	Enabled bool
	Url     string
}

type PrometheusConfig struct {
	Enabled bool
	Port    int
}

type Config struct {
	Debug            bool
	DatabaseConfig   DatabaseConfig
	SubgraphConfig   SubgraphConfig
	SyncConfig       SyncConfig
	StatsdConfig     StatsdConfig
	PrometheusConfig PrometheusConfig
}

// NewConfig reads all values from viper, which the root command has bound
// to flags and environment variables.
func NewConfig() *Config {
	return &Config{
		Debug: viper.GetBool(normalizeFlagName(Debug)),

		DatabaseConfig: DatabaseConfig{
			Host:       viper.GetString(normalizeFlagName(DatabaseHost)),
			Port:       viper.GetInt(normalizeFlagName(DatabasePort)),
			User:       viper.GetString(normalizeFlagName(DatabaseUser)),
			Password:   viper.GetString(normalizeFlagName(DatabasePassword)),
			DbName:     viper.GetString(normalizeFlagName(DatabaseDbName)),
			SchemaName: viper.GetString(normalizeFlagName(DatabaseSchemaName)),
			SSLMode:    viper.GetString(normalizeFlagName(DatabaseSSLMode)),
		},

		SubgraphConfig: SubgraphConfig{
			Endpoints: map[Network]string{
				Network_Ethereum:   viper.GetString(normalizeFlagName(SubgraphEthereumUrl)),
				Network_PulseChain: viper.GetString(normalizeFlagName(SubgraphPulsechainUrl)),
			},
			RequestTimeout: viper.GetDuration(normalizeFlagName(SubgraphRequestTimeout)),
		},

		SyncConfig: SyncConfig{
			PageSize:          viper.GetInt(normalizeFlagName(SyncPageSize)),
			PageDelay:         viper.GetDuration(normalizeFlagName(SyncPageDelay)),
			Interval:          viper.GetDuration(normalizeFlagName(SyncInterval)),
			RunTimeout:        viper.GetDuration(normalizeFlagName(SyncRunTimeout)),
			CacheTTL:          viper.GetDuration(normalizeFlagName(SyncCacheTTL)),
			CountersRetention: viper.GetDuration(normalizeFlagName(SyncCountersRetention)),
			CountersKeepLast:  viper.GetInt(normalizeFlagName(SyncCountersKeepLast)),
		},

		StatsdConfig: StatsdConfig{
			Enabled: viper.GetBool(normalizeFlagName(StatsdEnabled)),
			Url:     viper.GetString(normalizeFlagName(StatsdUrl)),
		},

		PrometheusConfig: PrometheusConfig{
			Enabled: viper.GetBool(normalizeFlagName(PrometheusEnabled)),
			Port:    viper.GetInt(normalizeFlagName(PrometheusPort)),
		},
	}
}

// SubgraphEndpoint returns the configured ledger endpoint for a network.
func (c *Config) SubgraphEndpoint(n Network) (string, error) {
	url, ok := c.SubgraphConfig.Endpoints[n]
	if !ok || url == "" {
		return "", fmt.Errorf("no subgraph endpoint configured for network '%s'", n)
	}
	return url, nil
}

// KebabToSnakeCase converts a flag name to its viper key form.
func KebabToSnakeCase(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

func normalizeFlagName(s string) string {
	return KebabToSnakeCase(s)
}
