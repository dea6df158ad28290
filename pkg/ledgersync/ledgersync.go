// Package ledgersync orchestrates sync runs for one network: fetch pages,
// reconcile, persist, advance the cursor. The persisted cursor row is the
// single-flight guard; at most one run per network is ever in flight.
package ledgersync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/cache"
	"github.com/stakewatch/stakewatch/pkg/fetcher"
	"github.com/stakewatch/stakewatch/pkg/metrics"
	"github.com/stakewatch/stakewatch/pkg/metrics/metricsTypes"
	"github.com/stakewatch/stakewatch/pkg/reconciler"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"go.uber.org/zap"
)

type SyncMode string

const (
	SyncMode_Incremental SyncMode = "incremental"
	SyncMode_Full        SyncMode = "full"
)

// ErrAlreadyInProgress is returned when a sync is requested while the guard
// is held. It is an expected, recoverable condition, not a failure.
var ErrAlreadyInProgress = errors.New("sync already in progress")

type syncOptions struct {
	resetCursor bool
}

// SyncOption adjusts a single TriggerSync invocation.
type SyncOption func(*syncOptions)

// WithCursorReset zeroes the stake id high water mark before the run so a
// full sync rebuilds the replica from the first record. Only valid with
// SyncMode_Full.
func WithCursorReset() SyncOption {
	return func(o *syncOptions) {
		o.resetCursor = true
	}
}

// SyncResult summarizes one completed run.
type SyncResult struct {
	RunId             string
	Network           config.Network
	Mode              SyncMode
	OpenedSynced      int
	ClosedSynced      int
	ActiveCount       int
	LastSyncedStakeId uint64
	DayClockKnown     bool
	Duration          time.Duration
}

// SyncStatus is the operational view of one network's sync state.
type SyncStatus struct {
	Network           config.Network
	SyncInProgress    bool
	LastSyncedStakeId uint64
	LastSyncedAt      int64
	TotalOpenedSynced uint64
	TotalClosedSynced uint64
	SyncStartedAt     *time.Time
	SyncCompletedAt   *time.Time
	LastErrorMessage  string
	TableCounts       *storage.TableCounts
}

// Syncer drives the sync state machine for a single network. Instances for
// different networks share no mutable state and run fully independently.
type Syncer struct {
	fetcher      *fetcher.Fetcher
	reconciler   *reconciler.Reconciler
	store        storage.StakeStore
	pageCache    *cache.PageSetCache
	metricsSink  *metrics.MetricsSink
	logger       *zap.Logger
	globalConfig *config.Config

	mu         sync.Mutex
	stopCancel context.CancelFunc
	stopped    chan struct{}
}

func NewSyncer(
	f *fetcher.Fetcher,
	r *reconciler.Reconciler,
	store storage.StakeStore,
	pageCache *cache.PageSetCache,
	ms *metrics.MetricsSink,
	l *zap.Logger,
	cfg *config.Config,
) *Syncer {
	return &Syncer{
		fetcher:      f,
		reconciler:   r,
		store:        store,
		pageCache:    pageCache,
		metricsSink:  ms,
		logger:       l,
		globalConfig: cfg,
	}
}

func (s *Syncer) Network() config.Network {
	return s.fetcher.Network()
}

// TriggerSync runs one sync cycle. It acquires the cursor guard with a
// conditional update; a second caller racing for the same network gets
// ErrAlreadyInProgress immediately rather than queueing.
func (s *Syncer) TriggerSync(ctx context.Context, mode SyncMode, opts ...SyncOption) (*SyncResult, error) {
	network := s.Network()

	options := syncOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.resetCursor && mode != SyncMode_Full {
		return nil, fmt.Errorf("cursor reset requires a full sync, got mode '%s'", mode)
	}

	ok, err := s.store.TryBeginSync(network, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		_ = s.metricsSink.Incr(metricsTypes.Metric_Incr_SyncRunSkipped, []metricsTypes.MetricsLabel{
			{Name: "network", Value: network.String()},
		}, 1)
		s.logger.Sugar().Infow("Sync already in progress, skipping",
			zap.String("network", network.String()),
		)
		return nil, ErrAlreadyInProgress
	}

	if timeout := s.globalConfig.SyncConfig.RunTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	runId := uuid.New().String()
	startTime := time.Now()
	s.logger.Sugar().Infow("Starting sync run",
		zap.String("runId", runId),
		zap.String("network", network.String()),
		zap.String("mode", string(mode)),
	)

	result, err := s.run(ctx, mode, options)
	duration := time.Since(startTime)

	_ = s.metricsSink.Timing(metricsTypes.Metric_Timing_SyncRunDuration, duration, []metricsTypes.MetricsLabel{
		{Name: "network", Value: network.String()},
		{Name: "mode", Value: string(mode)},
		{Name: "hasError", Value: strconv.FormatBool(err != nil)},
	})

	if err != nil {
		s.failRun(network, runId, err)
		_ = s.metricsSink.Incr(metricsTypes.Metric_Incr_SyncRunCompleted, []metricsTypes.MetricsLabel{
			{Name: "network", Value: network.String()},
			{Name: "mode", Value: string(mode)},
			{Name: "result", Value: "failed"},
		}, 1)
		return nil, err
	}

	result.RunId = runId
	result.Mode = mode
	result.Duration = duration

	_ = s.metricsSink.Incr(metricsTypes.Metric_Incr_SyncRunCompleted, []metricsTypes.MetricsLabel{
		{Name: "network", Value: network.String()},
		{Name: "mode", Value: string(mode)},
		{Name: "result", Value: "completed"},
	}, 1)
	_ = s.metricsSink.Gauge(metricsTypes.Metric_Gauge_LastSyncedStakeId, float64(result.LastSyncedStakeId), []metricsTypes.MetricsLabel{
		{Name: "network", Value: network.String()},
	})

	s.logger.Sugar().Infow("Completed sync run",
		zap.String("runId", runId),
		zap.String("network", network.String()),
		zap.String("mode", string(mode)),
		zap.Int("openedSynced", result.OpenedSynced),
		zap.Int("closedSynced", result.ClosedSynced),
		zap.Uint64("lastSyncedStakeId", result.LastSyncedStakeId),
		zap.Duration("duration", duration),
	)
	return result, nil
}

// failRun releases the guard and records the failure. The cursor's
// lastSyncedStakeId is deliberately left unchanged so the next run retries
// from the same point.
func (s *Syncer) failRun(network config.Network, runId string, runErr error) {
	s.logger.Sugar().Errorw("Sync run failed",
		zap.String("runId", runId),
		zap.String("network", network.String()),
		zap.Error(runErr),
	)

	inProgress := false
	message := runErr.Error()
	if err := s.store.UpdateSyncCursor(network, &storage.SyncCursorUpdate{
		SyncInProgress:   &inProgress,
		LastErrorMessage: &message,
	}); err != nil {
		s.logger.Sugar().Errorw("Failed to release sync guard after failure",
			zap.String("network", network.String()),
			zap.Error(err),
		)
	}
}

func (s *Syncer) run(ctx context.Context, mode SyncMode, options syncOptions) (*SyncResult, error) {
	network := s.Network()

	cursor, err := s.store.GetSyncCursor(network)
	if err != nil {
		return nil, err
	}

	currentDay, dayClockKnown, err := s.resolveDayClock(ctx)
	if err != nil {
		return nil, err
	}
	if dayClockKnown {
		_ = s.metricsSink.Gauge(metricsTypes.Metric_Gauge_CurrentDayIndex, float64(currentDay), []metricsTypes.MetricsLabel{
			{Name: "network", Value: network.String()},
		})
	} else {
		s.logger.Sugar().Warnw("Day clock unknown, reconciling without derived day math",
			zap.String("network", network.String()),
		)
	}

	var result *SyncResult
	switch mode {
	case SyncMode_Full:
		result, err = s.runFull(ctx, cursor, currentDay, dayClockKnown, options.resetCursor)
	case SyncMode_Incremental:
		result, err = s.runIncremental(ctx, cursor, currentDay, dayClockKnown)
	default:
		return nil, fmt.Errorf("unknown sync mode '%s'", mode)
	}
	if err != nil {
		return nil, err
	}

	if err := s.completeRun(cursor, result); err != nil {
		return nil, err
	}

	if _, err := s.store.CleanupGlobalCounters(network,
		s.globalConfig.SyncConfig.CountersRetention,
		s.globalConfig.SyncConfig.CountersKeepLast,
	); err != nil {
		// Housekeeping only; never fail a run over it.
		s.logger.Sugar().Warnw("Failed to clean up global counters",
			zap.String("network", network.String()),
			zap.Error(err),
		)
	}
	return result, nil
}

// resolveDayClock fetches the latest global counters snapshot, persists it,
// and falls back to the stored snapshot when the source has none yet.
func (s *Syncer) resolveDayClock(ctx context.Context) (uint64, bool, error) {
	network := s.Network()

	counters, err := s.fetcher.FetchLatestCounters(ctx)
	if err != nil {
		return 0, false, err
	}
	if counters != nil {
		if err := s.store.InsertGlobalCounters(counters); err != nil {
			return 0, false, err
		}
		return counters.DayIndex, true, nil
	}

	stored, err := s.store.GetLatestGlobalCounters(network)
	if err != nil {
		return 0, false, err
	}
	if stored != nil {
		return stored.DayIndex, true, nil
	}
	return 0, false, nil
}

// runIncremental fetches only opened records beyond the cursor, persisting
// page by page so a mid-run failure leaves the already-processed pages
// queryable. Known stake ids are skipped rather than re-reconciled; the
// full closed-set diff is the full sync's job.
func (s *Syncer) runIncremental(ctx context.Context, cursor *storage.SyncCursor, currentDay uint64, dayClockKnown bool) (*SyncResult, error) {
	network := s.Network()

	existingIds, err := s.store.ListOpenedStakeIds(network)
	if err != nil {
		return nil, err
	}
	known := make(map[uint64]bool, len(existingIds))
	for _, id := range existingIds {
		known[id] = true
	}

	allFetched := make([]*storage.StakeOpened, 0)
	openedSynced := 0
	activeCount := 0
	maxStakeId := cursor.LastSyncedStakeId

	fetchStart := time.Now()
	err = s.fetcher.ForEachOpenedPage(ctx, cursor.LastSyncedStakeId, func(page []*storage.StakeOpened) error {
		fresh := make([]*storage.StakeOpened, 0, len(page))
		for _, record := range page {
			if !known[record.StakeId] {
				fresh = append(fresh, record)
			}
		}

		reconciled := s.reconciler.Reconcile(fresh, map[uint64]bool{}, currentDay, dayClockKnown)
		if err := s.store.UpsertOpenedBatch(reconciled.Records); err != nil {
			return err
		}

		allFetched = append(allFetched, page...)
		openedSynced += len(reconciled.Records)
		activeCount += reconciled.ActiveCount
		for _, record := range page {
			if record.StakeId > maxStakeId {
				maxStakeId = record.StakeId
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = s.metricsSink.Timing(metricsTypes.Metric_Timing_FetchDuration, time.Since(fetchStart), []metricsTypes.MetricsLabel{
		{Name: "network", Value: network.String()},
		{Name: "stream", Value: "opened"},
	})

	if openedSynced > 0 {
		_ = s.metricsSink.Incr(metricsTypes.Metric_Incr_RecordsUpserted, []metricsTypes.MetricsLabel{
			{Name: "network", Value: network.String()},
			{Name: "kind", Value: "opened"},
		}, float64(openedSynced))
	}
	if len(allFetched) > 0 {
		s.pageCache.Put(network, allFetched, nil)
	}

	return &SyncResult{
		Network:           network,
		OpenedSynced:      openedSynced,
		ActiveCount:       activeCount,
		LastSyncedStakeId: maxStakeId,
		DayClockKnown:     dayClockKnown,
	}, nil
}

// runFull re-fetches both streams end to end and recomputes every record's
// derived state. Cost scales with total ledger size; it exists for
// consistency repair, not regular scheduling.
func (s *Syncer) runFull(ctx context.Context, cursor *storage.SyncCursor, currentDay uint64, dayClockKnown bool, resetCursor bool) (*SyncResult, error) {
	network := s.Network()

	if resetCursor {
		zero := uint64(0)
		if err := s.store.UpdateSyncCursor(network, &storage.SyncCursorUpdate{
			LastSyncedStakeId: &zero,
		}); err != nil {
			return nil, err
		}
		cursor.LastSyncedStakeId = 0
		s.logger.Sugar().Infow("Reset sync cursor for full resync",
			zap.String("network", network.String()),
		)
	}

	s.pageCache.Clear(network)

	// The closed set must be complete before any opened record can be
	// reconciled, so the closed stream is consumed first.
	closedFetchStart := time.Now()
	closed, err := s.fetcher.FetchAllClosed(ctx)
	if err != nil {
		return nil, err
	}
	_ = s.metricsSink.Timing(metricsTypes.Metric_Timing_FetchDuration, time.Since(closedFetchStart), []metricsTypes.MetricsLabel{
		{Name: "network", Value: network.String()},
		{Name: "stream", Value: "closed"},
	})
	closedIds := reconciler.ClosedIdSet(closed)
	for _, record := range closed {
		if err := s.store.UpsertClosed(record); err != nil {
			return nil, err
		}
	}

	opened := make([]*storage.StakeOpened, 0)
	activeCount := 0
	maxStakeId := cursor.LastSyncedStakeId

	openedFetchStart := time.Now()
	err = s.fetcher.ForEachOpenedPage(ctx, 0, func(page []*storage.StakeOpened) error {
		reconciled := s.reconciler.Reconcile(page, closedIds, currentDay, dayClockKnown)
		if err := s.store.UpsertOpenedBatch(reconciled.Records); err != nil {
			return err
		}

		opened = append(opened, page...)
		activeCount += reconciled.ActiveCount
		for _, record := range page {
			if record.StakeId > maxStakeId {
				maxStakeId = record.StakeId
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = s.metricsSink.Timing(metricsTypes.Metric_Timing_FetchDuration, time.Since(openedFetchStart), []metricsTypes.MetricsLabel{
		{Name: "network", Value: network.String()},
		{Name: "stream", Value: "opened"},
	})

	if len(opened) > 0 {
		_ = s.metricsSink.Incr(metricsTypes.Metric_Incr_RecordsUpserted, []metricsTypes.MetricsLabel{
			{Name: "network", Value: network.String()},
			{Name: "kind", Value: "opened"},
		}, float64(len(opened)))
	}
	if len(closed) > 0 {
		_ = s.metricsSink.Incr(metricsTypes.Metric_Incr_RecordsUpserted, []metricsTypes.MetricsLabel{
			{Name: "network", Value: network.String()},
			{Name: "kind", Value: "closed"},
		}, float64(len(closed)))
	}
	_ = s.metricsSink.Gauge(metricsTypes.Metric_Gauge_ActiveStakes, float64(activeCount), []metricsTypes.MetricsLabel{
		{Name: "network", Value: network.String()},
	})

	s.pageCache.Put(network, opened, closed)

	return &SyncResult{
		Network:           network,
		OpenedSynced:      len(opened),
		ClosedSynced:      len(closed),
		ActiveCount:       activeCount,
		LastSyncedStakeId: maxStakeId,
		DayClockKnown:     dayClockKnown,
	}, nil
}

// completeRun releases the guard and advances the cursor. The stake id high
// water mark is monotonic; it never regresses.
func (s *Syncer) completeRun(cursor *storage.SyncCursor, result *SyncResult) error {
	inProgress := false
	now := time.Now()
	nowEpoch := now.Unix()
	clearError := ""
	totalOpened := cursor.TotalOpenedSynced + uint64(result.OpenedSynced)
	totalClosed := cursor.TotalClosedSynced + uint64(result.ClosedSynced)

	update := &storage.SyncCursorUpdate{
		SyncInProgress:    &inProgress,
		SyncCompletedAt:   &now,
		LastSyncedAt:      &nowEpoch,
		LastErrorMessage:  &clearError,
		TotalOpenedSynced: &totalOpened,
		TotalClosedSynced: &totalClosed,
	}
	if result.LastSyncedStakeId > cursor.LastSyncedStakeId {
		update.LastSyncedStakeId = &result.LastSyncedStakeId
	} else {
		result.LastSyncedStakeId = cursor.LastSyncedStakeId
	}

	return s.store.UpdateSyncCursor(result.Network, update)
}

// GetStatus reports the cursor state plus table counts for operational
// status endpoints.
func (s *Syncer) GetStatus() (*SyncStatus, error) {
	network := s.Network()

	cursor, err := s.store.GetSyncCursor(network)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.GetTableCounts(network)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		Network:           network,
		SyncInProgress:    cursor.SyncInProgress,
		LastSyncedStakeId: cursor.LastSyncedStakeId,
		LastSyncedAt:      cursor.LastSyncedAt,
		TotalOpenedSynced: cursor.TotalOpenedSynced,
		TotalClosedSynced: cursor.TotalClosedSynced,
		SyncStartedAt:     cursor.SyncStartedAt,
		SyncCompletedAt:   cursor.SyncCompletedAt,
		LastErrorMessage:  cursor.LastErrorMessage,
		TableCounts:       counts,
	}, nil
}

// StartPeriodic launches the interval-driven incremental sync loop. A tick
// that lands while a run is in flight is skipped via the cursor guard, never
// queued.
func (s *Syncer) StartPeriodic(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.stopCancel = cancel
	s.stopped = make(chan struct{})

	interval := s.globalConfig.SyncConfig.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Sugar().Infow("Started periodic sync",
			zap.String("network", s.Network().String()),
			zap.Duration("interval", interval),
		)
		for {
			select {
			case <-ctx.Done():
				s.logger.Sugar().Infow("Stopped periodic sync",
					zap.String("network", s.Network().String()),
				)
				return
			case <-ticker.C:
				if _, err := s.TriggerSync(ctx, SyncMode_Incremental); err != nil && !errors.Is(err, ErrAlreadyInProgress) {
					s.logger.Sugar().Errorw("Periodic sync failed",
						zap.String("network", s.Network().String()),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

// StopPeriodic cancels the periodic loop and waits for it to exit.
func (s *Syncer) StopPeriodic() {
	s.mu.Lock()
	cancel := s.stopCancel
	stopped := s.stopped
	s.stopCancel = nil
	s.stopped = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
