package metricsTypes

import "time"

type IMetricsClient interface {
	Incr(name string, labels []MetricsLabel, value float64) error
	Gauge(name string, value float64, labels []MetricsLabel) error
	Timing(name string, value time.Duration, labels []MetricsLabel) error
	Flush()
}

type MetricsLabel struct {
	Name  string
	Value string
}

type MetricsType string

var (
	MetricsType_Incr   MetricsType = "incr"
	MetricsType_Gauge  MetricsType = "gauge"
	MetricsType_Timing MetricsType = "timing"
)

type MetricsTypeConfig struct {
	Name   string
	Labels []string
}

var (
	Metric_Incr_SyncRunCompleted = "sync.run.completed"
	Metric_Incr_SyncRunSkipped   = "sync.run.skipped"
	Metric_Incr_RecordsUpserted  = "sync.records.upserted"
	Metric_Incr_QueryCacheHit    = "query.cache.hit"
	Metric_Incr_QueryCacheMiss   = "query.cache.miss"

	Metric_Gauge_ActiveStakes      = "activeStakes"
	Metric_Gauge_LastSyncedStakeId = "lastSyncedStakeId"
	Metric_Gauge_CurrentDayIndex   = "currentDayIndex"

	Metric_Timing_SyncRunDuration = "sync.run.duration"
	Metric_Timing_FetchDuration   = "sync.fetch.duration"
)

var MetricTypes = map[MetricsType][]MetricsTypeConfig{
	MetricsType_Incr: {
		MetricsTypeConfig{
			Name: Metric_Incr_SyncRunCompleted,
			Labels: []string{
				"network",
				"mode",
				"result",
			},
		},
		MetricsTypeConfig{
			Name: Metric_Incr_SyncRunSkipped,
			Labels: []string{
				"network",
			},
		},
		MetricsTypeConfig{
			Name: Metric_Incr_RecordsUpserted,
			Labels: []string{
				"network",
				"kind",
			},
		},
		MetricsTypeConfig{
			Name: Metric_Incr_QueryCacheHit,
			Labels: []string{
				"network",
			},
		},
		MetricsTypeConfig{
			Name: Metric_Incr_QueryCacheMiss,
			Labels: []string{
				"network",
			},
		},
	},
	MetricsType_Gauge: {
		MetricsTypeConfig{
			Name: Metric_Gauge_ActiveStakes,
			Labels: []string{
				"network",
			},
		},
		MetricsTypeConfig{
			Name: Metric_Gauge_LastSyncedStakeId,
			Labels: []string{
				"network",
			},
		},
		MetricsTypeConfig{
			Name: Metric_Gauge_CurrentDayIndex,
			Labels: []string{
				"network",
			},
		},
	},
	MetricsType_Timing: {
		MetricsTypeConfig{
			Name: Metric_Timing_SyncRunDuration,
			Labels: []string{
				"network",
				"mode",
				"hasError",
			},
		},
		MetricsTypeConfig{
			Name: Metric_Timing_FetchDuration,
			Labels: []string{
				"network",
				"stream",
			},
		},
	},
}
