package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"github.com/stakewatch/stakewatch/pkg/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStakeStore implements storage.StakeStore on top of gorm. It works
// against both postgres and sqlite, which keeps the test suite hermetic.
type PostgresStakeStore struct {
	Db           *gorm.DB
	Logger       *zap.Logger
	GlobalConfig *config.Config
}

func NewPostgresStakeStore(db *gorm.DB, l *zap.Logger, cfg *config.Config) *PostgresStakeStore {
	ss := &PostgresStakeStore{
		Db:           db,
		Logger:       l,
		GlobalConfig: cfg,
	}
	return ss
}

// UpsertOpenedBatch inserts or refreshes a batch of stake-opened rows. On
// conflict only the derived columns are rewritten; the event payload columns
// are immutable once present.
func (s *PostgresStakeStore) UpsertOpenedBatch(records []*storage.StakeOpened) error {
	if len(records) == 0 {
		return nil
	}
	res := s.Db.Model(&storage.StakeOpened{}).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "stake_id"},
				{Name: "network"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"is_active", "days_served", "days_left", "updated_at"}),
		},
	).CreateInBatches(&records, 500)
	if res.Error != nil {
		return fmt.Errorf("Failed to upsert stake opened batch: %w", res.Error)
	}
	return nil
}

// UpsertClosed records a stake-closed event and marks the matching opened
// row inactive in the same transaction. Replaying the same event is a no-op.
func (s *PostgresStakeStore) UpsertClosed(record *storage.StakeClosed) error {
	record.OwnerAddress = utils.NormalizeAddress(record.OwnerAddress)

	return s.Db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&storage.StakeClosed{}).Clauses(
			clause.OnConflict{
				Columns: []clause.Column{
					{Name: "stake_id"},
					{Name: "network"},
				},
				DoNothing: true,
			},
		).Create(&record)
		if res.Error != nil {
			return fmt.Errorf("Failed to upsert stake closed '%d': %w", record.StakeId, res.Error)
		}

		res = tx.Model(&storage.StakeOpened{}).
			Where("stake_id = ? and network = ?", record.StakeId, record.Network).
			Updates(map[string]interface{}{
				"is_active": false,
			})
		if res.Error != nil {
			return fmt.Errorf("Failed to deactivate stake '%d': %w", record.StakeId, res.Error)
		}
		return nil
	})
}

// ListActiveStakes returns the active stakes for a network ordered by
// principal size descending. Principal amounts are non-negative integer
// strings, so ordering by length first then lexically is numerically correct.
func (s *PostgresStakeStore) ListActiveStakes(network config.Network, limit int) ([]*storage.StakeOpened, error) {
	stakes := make([]*storage.StakeOpened, 0)
	query := s.Db.Model(&storage.StakeOpened{}).
		Where("network = ? and is_active = ?", network.String(), true).
		Order("length(principal_amount) desc, principal_amount desc, stake_id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	res := query.Find(&stakes)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to list active stakes: %w", res.Error)
	}
	return stakes, nil
}

// ListOwnerStakes returns every opened and closed record for one owner on
// one network, each ordered by stake id.
func (s *PostgresStakeStore) ListOwnerStakes(ownerAddress string, network config.Network) ([]*storage.StakeOpened, []*storage.StakeClosed, error) {
	ownerAddress = utils.NormalizeAddress(ownerAddress)

	opened := make([]*storage.StakeOpened, 0)
	res := s.Db.Model(&storage.StakeOpened{}).
		Where("owner_address = ? and network = ?", ownerAddress, network.String()).
		Order("stake_id asc").
		Find(&opened)
	if res.Error != nil {
		return nil, nil, fmt.Errorf("Failed to list owner opened stakes: %w", res.Error)
	}

	closed := make([]*storage.StakeClosed, 0)
	res = s.Db.Model(&storage.StakeClosed{}).
		Where("owner_address = ? and network = ?", ownerAddress, network.String()).
		Order("stake_id asc").
		Find(&closed)
	if res.Error != nil {
		return nil, nil, fmt.Errorf("Failed to list owner closed stakes: %w", res.Error)
	}
	return opened, closed, nil
}

func (s *PostgresStakeStore) ListOpenedStakeIds(network config.Network) ([]uint64, error) {
	ids := make([]uint64, 0)
	res := s.Db.Model(&storage.StakeOpened{}).
		Where("network = ?", network.String()).
		Order("stake_id asc").
		Pluck("stake_id", &ids)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to list opened stake ids: %w", res.Error)
	}
	return ids, nil
}

// InsertGlobalCounters appends a daily counters snapshot. The table is
// append-only; duplicates for the same day are tolerated and resolved by
// recency on read.
func (s *PostgresStakeStore) InsertGlobalCounters(record *storage.GlobalCounters) error {
	res := s.Db.Model(&storage.GlobalCounters{}).Clauses(clause.Returning{}).Create(&record)
	if res.Error != nil {
		return fmt.Errorf("Failed to insert global counters for day '%d': %w", record.DayIndex, res.Error)
	}
	return nil
}

func (s *PostgresStakeStore) GetLatestGlobalCounters(network config.Network) (*storage.GlobalCounters, error) {
	counters := &storage.GlobalCounters{}
	res := s.Db.Model(&storage.GlobalCounters{}).
		Where("network = ?", network.String()).
		Order("day_index desc, id desc").
		First(&counters)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("Failed to get latest global counters: %w", res.Error)
	}
	return counters, nil
}

// CleanupGlobalCounters deletes counters snapshots older than the retention
// window while always keeping the keepAtLeast most recent rows per network.
func (s *PostgresStakeStore) CleanupGlobalCounters(network config.Network, retention time.Duration, keepAtLeast int) (int64, error) {
	if keepAtLeast < 0 {
		keepAtLeast = 0
	}
	cutoff := time.Now().Add(-retention).Unix()

	query := `
		delete from global_counters
		where network = @network
		and captured_at < @cutoff
		and id not in (
			select id from global_counters
			where network = @network
			order by day_index desc, id desc
			limit @keepAtLeast
		)
	`
	res := s.Db.Exec(query,
		sql.Named("network", network.String()),
		sql.Named("cutoff", cutoff),
		sql.Named("keepAtLeast", keepAtLeast),
	)
	if res.Error != nil {
		return 0, fmt.Errorf("Failed to cleanup global counters: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.Logger.Sugar().Infow("Cleaned up global counters",
			zap.String("network", network.String()),
			zap.Int64("rowsAffected", res.RowsAffected),
		)
	}
	return res.RowsAffected, nil
}

// GetSyncCursor returns the cursor row for a network, creating the initial
// row on first use so callers never see a missing cursor.
func (s *PostgresStakeStore) GetSyncCursor(network config.Network) (*storage.SyncCursor, error) {
	cursor := &storage.SyncCursor{}
	res := s.Db.Model(&storage.SyncCursor{}).
		Where("network = ?", network.String()).
		First(&cursor)
	if res.Error == nil {
		return cursor, nil
	}
	if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("Failed to get sync cursor: %w", res.Error)
	}

	cursor = &storage.SyncCursor{Network: network.String()}
	res = s.Db.Model(&storage.SyncCursor{}).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "network"}},
			DoNothing: true,
		},
	).Create(&cursor)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to create sync cursor: %w", res.Error)
	}
	return cursor, nil
}

// UpdateSyncCursor applies a merge patch to the cursor row. Nil fields are
// left untouched.
func (s *PostgresStakeStore) UpdateSyncCursor(network config.Network, update *storage.SyncCursorUpdate) error {
	updates := make(map[string]interface{})
	if update.LastSyncedStakeId != nil {
		updates["last_synced_stake_id"] = *update.LastSyncedStakeId
	}
	if update.LastSyncedBlockNumber != nil {
		updates["last_synced_block_number"] = *update.LastSyncedBlockNumber
	}
	if update.LastSyncedAt != nil {
		updates["last_synced_at"] = *update.LastSyncedAt
	}
	if update.TotalOpenedSynced != nil {
		updates["total_opened_synced"] = *update.TotalOpenedSynced
	}
	if update.TotalClosedSynced != nil {
		updates["total_closed_synced"] = *update.TotalClosedSynced
	}
	if update.SyncInProgress != nil {
		updates["sync_in_progress"] = *update.SyncInProgress
	}
	if update.SyncStartedAt != nil {
		updates["sync_started_at"] = *update.SyncStartedAt
	}
	if update.SyncCompletedAt != nil {
		updates["sync_completed_at"] = *update.SyncCompletedAt
	}
	if update.LastErrorMessage != nil {
		updates["last_error_message"] = *update.LastErrorMessage
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.Db.Model(&storage.SyncCursor{}).
		Where("network = ?", network.String()).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("Failed to update sync cursor: %w", res.Error)
	}
	return nil
}

// TryBeginSync flips the single-flight guard with a conditional update. The
// persisted flag is the authority for mutual exclusion: exactly one caller
// observes rowsAffected == 1 regardless of how many race.
func (s *PostgresStakeStore) TryBeginSync(network config.Network, startedAt time.Time) (bool, error) {
	if _, err := s.GetSyncCursor(network); err != nil {
		return false, err
	}

	res := s.Db.Model(&storage.SyncCursor{}).
		Where("network = ? and sync_in_progress = ?", network.String(), false).
		Updates(map[string]interface{}{
			"sync_in_progress": true,
			"sync_started_at":  startedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("Failed to begin sync: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RecomputeOwnerAggregate rebuilds the aggregate row for one owner from the
// event tables and overwrites it wholesale. Returns nil when the owner has
// no stakes on the network; no row is written in that case.
func (s *PostgresStakeStore) RecomputeOwnerAggregate(ownerAddress string, network config.Network) (*storage.OwnerAggregate, error) {
	ownerAddress = utils.NormalizeAddress(ownerAddress)

	opened, closed, err := s.ListOwnerStakes(ownerAddress, network)
	if err != nil {
		return nil, err
	}
	if len(opened) == 0 && len(closed) == 0 {
		return nil, nil
	}

	totalPrincipal := decimal.Zero
	totalShares := decimal.Zero
	totalPayouts := decimal.Zero
	totalPenalties := decimal.Zero
	totalDuration := uint64(0)
	activeStakes := uint64(0)
	var firstStakeAt, lastStakeAt int64

	for _, record := range opened {
		principal, err := decimal.NewFromString(record.PrincipalAmount)
		if err != nil {
			return nil, fmt.Errorf("Invalid principal amount for stake '%d': %w", record.StakeId, err)
		}
		shares, err := decimal.NewFromString(record.ShareAmount)
		if err != nil {
			return nil, fmt.Errorf("Invalid share amount for stake '%d': %w", record.StakeId, err)
		}
		totalPrincipal = totalPrincipal.Add(principal)
		totalShares = totalShares.Add(shares)
		totalDuration += record.StakedDays
		if record.IsActive {
			activeStakes++
		}
		if firstStakeAt == 0 || record.OpenedAt < firstStakeAt {
			firstStakeAt = record.OpenedAt
		}
		if record.OpenedAt > lastStakeAt {
			lastStakeAt = record.OpenedAt
		}
	}
	for _, record := range closed {
		payout, err := decimal.NewFromString(record.PayoutAmount)
		if err != nil {
			return nil, fmt.Errorf("Invalid payout amount for stake '%d': %w", record.StakeId, err)
		}
		penalty, err := decimal.NewFromString(record.PenaltyAmount)
		if err != nil {
			return nil, fmt.Errorf("Invalid penalty amount for stake '%d': %w", record.StakeId, err)
		}
		totalPayouts = totalPayouts.Add(payout)
		totalPenalties = totalPenalties.Add(penalty)
	}

	averageDuration := float64(0)
	if len(opened) > 0 {
		averageDuration = float64(totalDuration) / float64(len(opened))
	}

	aggregate := &storage.OwnerAggregate{
		OwnerAddress:        ownerAddress,
		Network:             network.String(),
		TotalStakes:         uint64(len(opened)),
		ActiveStakes:        activeStakes,
		EndedStakes:         uint64(len(opened)) - activeStakes,
		TotalPrincipal:      totalPrincipal.String(),
		TotalShares:         totalShares.String(),
		TotalPayouts:        totalPayouts.String(),
		TotalPenalties:      totalPenalties.String(),
		AverageDurationDays: averageDuration,
		FirstStakeAt:        firstStakeAt,
		LastStakeAt:         lastStakeAt,
	}

	res := s.Db.Model(&storage.OwnerAggregate{}).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "owner_address"},
				{Name: "network"},
			},
			UpdateAll: true,
		},
	).Create(&aggregate)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to upsert owner aggregate for '%s': %w", ownerAddress, res.Error)
	}
	return aggregate, nil
}

func (s *PostgresStakeStore) GetOwnerAggregate(ownerAddress string, network config.Network) (*storage.OwnerAggregate, error) {
	ownerAddress = utils.NormalizeAddress(ownerAddress)

	aggregate := &storage.OwnerAggregate{}
	res := s.Db.Model(&storage.OwnerAggregate{}).
		Where("owner_address = ? and network = ?", ownerAddress, network.String()).
		First(&aggregate)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("Failed to get owner aggregate: %w", res.Error)
	}
	return aggregate, nil
}

// GetOverviewMetrics computes the network-wide aggregate view from the
// active rows. Principal totals are summed exactly; no floats touch amounts.
func (s *PostgresStakeStore) GetOverviewMetrics(network config.Network) (*storage.OverviewMetrics, error) {
	type activeRow struct {
		PrincipalAmount string
		StakedDays      uint64
	}
	rows := make([]*activeRow, 0)
	res := s.Db.Model(&storage.StakeOpened{}).
		Select("principal_amount", "staked_days").
		Where("network = ? and is_active = ?", network.String(), true).
		Find(&rows)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to get overview metrics: %w", res.Error)
	}

	totalPrincipal := decimal.Zero
	totalDuration := uint64(0)
	for _, row := range rows {
		principal, err := decimal.NewFromString(row.PrincipalAmount)
		if err != nil {
			return nil, fmt.Errorf("Invalid principal amount in overview: %w", err)
		}
		totalPrincipal = totalPrincipal.Add(principal)
		totalDuration += row.StakedDays
	}

	averageDuration := float64(0)
	if len(rows) > 0 {
		averageDuration = float64(totalDuration) / float64(len(rows))
	}

	return &storage.OverviewMetrics{
		ActiveCount:     uint64(len(rows)),
		TotalPrincipal:  totalPrincipal.String(),
		AverageDuration: averageDuration,
	}, nil
}

func (s *PostgresStakeStore) GetTableCounts(network config.Network) (*storage.TableCounts, error) {
	counts := &storage.TableCounts{}

	res := s.Db.Model(&storage.StakeOpened{}).Where("network = ?", network.String()).Count(&counts.OpenedEvents)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to count opened events: %w", res.Error)
	}
	res = s.Db.Model(&storage.StakeClosed{}).Where("network = ?", network.String()).Count(&counts.ClosedEvents)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to count closed events: %w", res.Error)
	}
	res = s.Db.Model(&storage.GlobalCounters{}).Where("network = ?", network.String()).Count(&counts.GlobalCounters)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to count global counters: %w", res.Error)
	}
	res = s.Db.Model(&storage.OwnerAggregate{}).Where("network = ?", network.String()).Count(&counts.OwnerAggregates)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to count owner aggregates: %w", res.Error)
	}
	return counts, nil
}
