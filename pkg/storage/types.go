package storage

import (
	"time"

	"github.com/stakewatch/stakewatch/internal/config"
)

// StakeOpened is the replica row for a stake-opened ledger event.
//
// Every column except IsActive, DaysServed and DaysLeft is immutable once
// the row exists; reconciliation passes only ever rewrite the derived three.
// Amount columns are arbitrary-precision decimal strings, never floats.
type StakeOpened struct {
	StakeId            uint64 `gorm:"uniqueIndex:uniq_stake_opened_stake_network"`
	OwnerAddress       string
	PrincipalAmount    string
	ShareAmount        string
	DerivedShareAmount string
	StakedDays         uint64
	StartDay           uint64
	EndDay             uint64
	OpenedAt           int64
	IsAutoRenewed      bool
	TransactionHash    string
	BlockNumber        uint64
	Network            string `gorm:"uniqueIndex:uniq_stake_opened_stake_network"`

	// Derived, rewritten on every reconciliation pass.
	IsActive   bool
	DaysServed uint64
	DaysLeft   uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (StakeOpened) TableName() string {
	return "stake_opened_events"
}

// StakeClosed is the replica row for a stake-closed ledger event. Rows are
// immutable and at most one exists per (stake_id, network).
type StakeClosed struct {
	StakeId         uint64 `gorm:"uniqueIndex:uniq_stake_closed_stake_network"`
	OwnerAddress    string
	PayoutAmount    string
	PrincipalAmount string
	PenaltyAmount   string
	ServedDays      uint64
	ClosedAt        int64
	TransactionHash string
	BlockNumber     uint64
	Network         string `gorm:"uniqueIndex:uniq_stake_closed_stake_network"`

	CreatedAt time.Time
}

func (StakeClosed) TableName() string {
	return "stake_closed_events"
}

// GlobalCounters is an append-only daily snapshot of the ledger's global
// counters. The most recent row per network is the authoritative day clock
// for reconciliation.
type GlobalCounters struct {
	Id            uint64 `gorm:"primaryKey;autoIncrement"`
	DayIndex      uint64
	TotalShares   string
	TotalPenalty  string
	TotalLocked   string
	LatestStakeId uint64
	CapturedAt    int64
	Network       string

	CreatedAt time.Time
}

func (GlobalCounters) TableName() string {
	return "global_counters"
}

// SyncCursor is the durable bookmark for incremental sync, one row per
// network. The sync_in_progress column doubles as the single-flight guard:
// it is flipped with a conditional update and is the authoritative source
// of truth for whether a run is active.
type SyncCursor struct {
	Network               string `gorm:"primaryKey"`
	LastSyncedStakeId     uint64
	LastSyncedBlockNumber uint64
	LastSyncedAt          int64
	TotalOpenedSynced     uint64
	TotalClosedSynced     uint64
	SyncInProgress        bool
	SyncStartedAt         *time.Time
	SyncCompletedAt       *time.Time
	LastErrorMessage      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// SyncCursorUpdate is a merge patch against a SyncCursor row. Nil fields
// are left untouched. This replaces the dynamic SET-clause approach with an
// explicit, parameterized contract.
type SyncCursorUpdate struct {
	LastSyncedStakeId     *uint64
	LastSyncedBlockNumber *uint64
	LastSyncedAt          *int64
	TotalOpenedSynced     *uint64
	TotalClosedSynced     *uint64
	SyncInProgress        *bool
	SyncStartedAt         *time.Time
	SyncCompletedAt       *time.Time
	LastErrorMessage      *string
}

// OwnerAggregate is a derived cache row summarizing one owner's stakes on
// one network. It is recomputed from the event tables on demand and
// overwritten wholesale, never partially updated.
type OwnerAggregate struct {
	OwnerAddress        string `gorm:"primaryKey"`
	Network             string `gorm:"primaryKey"`
	TotalStakes         uint64
	ActiveStakes        uint64
	EndedStakes         uint64
	TotalPrincipal      string
	TotalShares         string
	TotalPayouts        string
	TotalPenalties      string
	AverageDurationDays float64
	FirstStakeAt        int64
	LastStakeAt         int64

	UpdatedAt time.Time
}

func (OwnerAggregate) TableName() string {
	return "owner_aggregates"
}

// OverviewMetrics is the aggregate view served by the facade.
type OverviewMetrics struct {
	ActiveCount     uint64
	TotalPrincipal  string
	AverageDuration float64
}

// TableCounts reports per-table row counts for one network. Operational
// status reporting only.
type TableCounts struct {
	OpenedEvents    int64
	ClosedEvents    int64
	GlobalCounters  int64
	OwnerAggregates int64
}

// StakeStore is the persistence contract for the replica. All operations
// are idempotent and safe to retry.
type StakeStore interface {
	UpsertOpenedBatch(records []*StakeOpened) error
	UpsertClosed(record *StakeClosed) error

	ListActiveStakes(network config.Network, limit int) ([]*StakeOpened, error)
	ListOwnerStakes(ownerAddress string, network config.Network) ([]*StakeOpened, []*StakeClosed, error)
	ListOpenedStakeIds(network config.Network) ([]uint64, error)

	InsertGlobalCounters(record *GlobalCounters) error
	GetLatestGlobalCounters(network config.Network) (*GlobalCounters, error)
	CleanupGlobalCounters(network config.Network, retention time.Duration, keepAtLeast int) (int64, error)

	GetSyncCursor(network config.Network) (*SyncCursor, error)
	UpdateSyncCursor(network config.Network, update *SyncCursorUpdate) error
	TryBeginSync(network config.Network, startedAt time.Time) (bool, error)

	RecomputeOwnerAggregate(ownerAddress string, network config.Network) (*OwnerAggregate, error)
	GetOwnerAggregate(ownerAddress string, network config.Network) (*OwnerAggregate, error)

	GetOverviewMetrics(network config.Network) (*OverviewMetrics, error)
	GetTableCounts(network config.Network) (*TableCounts, error)
}
