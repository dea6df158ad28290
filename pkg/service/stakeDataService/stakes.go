// Package stakeDataService is the read-side facade over the stake replica.
// It prefers the persistence store and degrades to the process-local page
// cache when the store is unavailable; it never reaches out to the external
// ledger source.
package stakeDataService

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/cache"
	"github.com/stakewatch/stakewatch/pkg/metrics"
	"github.com/stakewatch/stakewatch/pkg/metrics/metricsTypes"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"github.com/stakewatch/stakewatch/pkg/utils"
	"go.uber.org/zap"
)

const (
	Source_Store = "store"
	Source_Cache = "cache"
)

type StakeDataService struct {
	store        storage.StakeStore
	pageCache    *cache.PageSetCache
	metricsSink  *metrics.MetricsSink
	logger       *zap.Logger
	globalConfig *config.Config
}

func NewStakeDataService(
	store storage.StakeStore,
	pageCache *cache.PageSetCache,
	ms *metrics.MetricsSink,
	l *zap.Logger,
	cfg *config.Config,
) *StakeDataService {
	return &StakeDataService{
		store:        store,
		pageCache:    pageCache,
		metricsSink:  ms,
		logger:       l,
		globalConfig: cfg,
	}
}

// Overview is the network-wide aggregate view. IsDataAvailable lets callers
// distinguish "no data synced yet" from "zero stakes".
type Overview struct {
	Network         config.Network
	ActiveCount     uint64
	TotalPrincipal  string
	AverageDuration float64
	IsDataAvailable bool
}

type TopStakesResult struct {
	Source          string
	Stakes          []*storage.StakeOpened
	IsDataAvailable bool
}

type OwnerHistoryResult struct {
	Source          string
	Opened          []*storage.StakeOpened
	Closed          []*storage.StakeClosed
	Aggregate       *storage.OwnerAggregate
	IsDataAvailable bool
}

// GetOverview answers from a single aggregate query. A store failure or an
// empty replica yields zeroed defaults with IsDataAvailable=false; it is
// never a hard error.
func (sds *StakeDataService) GetOverview(ctx context.Context, network config.Network) (*Overview, error) {
	empty := &Overview{
		Network:        network,
		TotalPrincipal: "0",
	}

	counts, err := sds.store.GetTableCounts(network)
	if err != nil {
		sds.logger.Sugar().Warnw("Store unavailable for overview, returning defaults",
			zap.String("network", network.String()),
			zap.Error(err),
		)
		return empty, nil
	}
	if counts.OpenedEvents == 0 {
		return empty, nil
	}

	overviewMetrics, err := sds.store.GetOverviewMetrics(network)
	if err != nil {
		sds.logger.Sugar().Warnw("Store unavailable for overview, returning defaults",
			zap.String("network", network.String()),
			zap.Error(err),
		)
		return empty, nil
	}

	return &Overview{
		Network:         network,
		ActiveCount:     overviewMetrics.ActiveCount,
		TotalPrincipal:  overviewMetrics.TotalPrincipal,
		AverageDuration: overviewMetrics.AverageDuration,
		IsDataAvailable: true,
	}, nil
}

// GetTopStakes reads the largest active stakes through the store, falling
// back to the last fetched page set when the store is unavailable. The
// Source field labels which path answered.
func (sds *StakeDataService) GetTopStakes(ctx context.Context, network config.Network, limit int) (*TopStakesResult, error) {
	stakes, err := sds.store.ListActiveStakes(network, limit)
	if err == nil {
		return &TopStakesResult{
			Source:          Source_Store,
			Stakes:          stakes,
			IsDataAvailable: true,
		}, nil
	}

	sds.logger.Sugar().Warnw("Store unavailable for top stakes, falling back to cache",
		zap.String("network", network.String()),
		zap.Error(err),
	)

	cachedOpened, _, ok := sds.cacheLookup(network)
	if !ok {
		return &TopStakesResult{
			Source: Source_Cache,
			Stakes: []*storage.StakeOpened{},
		}, nil
	}

	active := utils.Filter(cachedOpened, func(record *storage.StakeOpened) bool {
		return record.IsActive
	})
	sort.Slice(active, func(i, j int) bool {
		a, errA := decimal.NewFromString(active[i].PrincipalAmount)
		b, errB := decimal.NewFromString(active[j].PrincipalAmount)
		if errA != nil || errB != nil {
			return active[i].StakeId < active[j].StakeId
		}
		return a.GreaterThan(b)
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}

	return &TopStakesResult{
		Source:          Source_Cache,
		Stakes:          active,
		IsDataAvailable: true,
	}, nil
}

// GetOwnerHistory returns an owner's opened and closed records plus a
// freshly recomputed aggregate. The cache fallback carries no aggregate;
// it is best-effort by contract.
func (sds *StakeDataService) GetOwnerHistory(ctx context.Context, ownerAddress string, network config.Network) (*OwnerHistoryResult, error) {
	ownerAddress = utils.NormalizeAddress(ownerAddress)

	opened, closed, err := sds.store.ListOwnerStakes(ownerAddress, network)
	if err == nil {
		aggregate, aggErr := sds.store.RecomputeOwnerAggregate(ownerAddress, network)
		if aggErr != nil {
			sds.logger.Sugar().Warnw("Failed to recompute owner aggregate",
				zap.String("ownerAddress", ownerAddress),
				zap.String("network", network.String()),
				zap.Error(aggErr),
			)
		}
		return &OwnerHistoryResult{
			Source:          Source_Store,
			Opened:          opened,
			Closed:          closed,
			Aggregate:       aggregate,
			IsDataAvailable: true,
		}, nil
	}

	sds.logger.Sugar().Warnw("Store unavailable for owner history, falling back to cache",
		zap.String("ownerAddress", ownerAddress),
		zap.String("network", network.String()),
		zap.Error(err),
	)

	cachedOpened, cachedClosed, ok := sds.cacheLookup(network)
	if !ok {
		return &OwnerHistoryResult{
			Source: Source_Cache,
			Opened: []*storage.StakeOpened{},
			Closed: []*storage.StakeClosed{},
		}, nil
	}

	ownerOpened := utils.Filter(cachedOpened, func(record *storage.StakeOpened) bool {
		return utils.AreAddressesEqual(record.OwnerAddress, ownerAddress)
	})
	ownerClosed := utils.Filter(cachedClosed, func(record *storage.StakeClosed) bool {
		return utils.AreAddressesEqual(record.OwnerAddress, ownerAddress)
	})

	return &OwnerHistoryResult{
		Source:          Source_Cache,
		Opened:          ownerOpened,
		Closed:          ownerClosed,
		IsDataAvailable: true,
	}, nil
}

// GetStatus reports the operational table counts for a network.
func (sds *StakeDataService) GetStatus(ctx context.Context, network config.Network) (*storage.TableCounts, error) {
	return sds.store.GetTableCounts(network)
}

func (sds *StakeDataService) cacheLookup(network config.Network) ([]*storage.StakeOpened, []*storage.StakeClosed, bool) {
	opened, closed, ok := sds.pageCache.Get(network)

	name := metricsTypes.Metric_Incr_QueryCacheMiss
	if ok {
		name = metricsTypes.Metric_Incr_QueryCacheHit
	}
	_ = sds.metricsSink.Incr(name, []metricsTypes.MetricsLabel{
		{Name: "network", Value: network.String()},
	}, 1)

	return opened, closed, ok
}
