package postgres

import (
	"testing"
	"time"

	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/internal/tests"
	"github.com/stakewatch/stakewatch/pkg/logger"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*PostgresStakeStore, *gorm.DB) {
	cfg := tests.GetConfig()
	l := logger.NewNoopLogger()

	grm, err := tests.GetInMemorySqliteDatabaseConnection()
	if err != nil {
		t.Fatalf("Failed to setup database: %v", err)
	}
	return NewPostgresStakeStore(grm, l, cfg), grm
}

func openedFixture(stakeId uint64, owner string, principal string, stakedDays uint64) *storage.StakeOpened {
	return &storage.StakeOpened{
		StakeId:            stakeId,
		OwnerAddress:       owner,
		PrincipalAmount:    principal,
		ShareAmount:        principal,
		DerivedShareAmount: principal,
		StakedDays:         stakedDays,
		StartDay:           100,
		EndDay:             100 + stakedDays,
		OpenedAt:           1700000000 + int64(stakeId),
		TransactionHash:    "0xabc",
		BlockNumber:        1000 + stakeId,
		Network:            config.Network_Ethereum.String(),
		IsActive:           true,
	}
}

func Test_UpsertOpenedBatch(t *testing.T) {
	store, grm := setup(t)

	records := []*storage.StakeOpened{
		openedFixture(42, "0xaaa", "1000", 365),
		openedFixture(57, "0xbbb", "2000", 100),
	}

	t.Run("inserts new records", func(t *testing.T) {
		err := store.UpsertOpenedBatch(records)
		assert.Nil(t, err)

		var count int64
		grm.Model(&storage.StakeOpened{}).Count(&count)
		assert.Equal(t, int64(2), count)
	})

	t.Run("replaying the batch only rewrites derived columns", func(t *testing.T) {
		replay := []*storage.StakeOpened{
			openedFixture(42, "0xaaa", "1000", 365),
			openedFixture(57, "0xbbb", "2000", 100),
		}
		replay[0].IsActive = false
		replay[0].DaysServed = 200
		replay[0].DaysLeft = 165
		// A divergent payload column must not win over the stored row.
		replay[0].PrincipalAmount = "9999"

		err := store.UpsertOpenedBatch(replay)
		assert.Nil(t, err)

		var count int64
		grm.Model(&storage.StakeOpened{}).Count(&count)
		assert.Equal(t, int64(2), count)

		stored := &storage.StakeOpened{}
		grm.Model(&storage.StakeOpened{}).Where("stake_id = ?", 42).First(&stored)
		assert.False(t, stored.IsActive)
		assert.Equal(t, uint64(200), stored.DaysServed)
		assert.Equal(t, "1000", stored.PrincipalAmount)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		err := store.UpsertOpenedBatch(nil)
		assert.Nil(t, err)
	})
}

func Test_UpsertClosed(t *testing.T) {
	store, grm := setup(t)

	err := store.UpsertOpenedBatch([]*storage.StakeOpened{
		openedFixture(42, "0xaaa", "1000", 365),
	})
	assert.Nil(t, err)

	closed := &storage.StakeClosed{
		StakeId:         42,
		OwnerAddress:    "0xAAA",
		PayoutAmount:    "1100",
		PrincipalAmount: "1000",
		PenaltyAmount:   "0",
		ServedDays:      365,
		ClosedAt:        1731536000,
		TransactionHash: "0xfeed",
		BlockNumber:     2000,
		Network:         config.Network_Ethereum.String(),
	}

	t.Run("records the close and deactivates the opened row", func(t *testing.T) {
		err := store.UpsertClosed(closed)
		assert.Nil(t, err)

		stored := &storage.StakeClosed{}
		grm.Model(&storage.StakeClosed{}).Where("stake_id = ?", 42).First(&stored)
		assert.Equal(t, "0xaaa", stored.OwnerAddress)

		opened := &storage.StakeOpened{}
		grm.Model(&storage.StakeOpened{}).Where("stake_id = ?", 42).First(&opened)
		assert.False(t, opened.IsActive)
	})

	t.Run("replaying the close is a no-op", func(t *testing.T) {
		err := store.UpsertClosed(closed)
		assert.Nil(t, err)

		var count int64
		grm.Model(&storage.StakeClosed{}).Count(&count)
		assert.Equal(t, int64(1), count)
	})

	t.Run("a close may arrive before the open record", func(t *testing.T) {
		orphan := &storage.StakeClosed{
			StakeId:         99,
			OwnerAddress:    "0xccc",
			PayoutAmount:    "10",
			PrincipalAmount: "10",
			PenaltyAmount:   "0",
			ServedDays:      1,
			ClosedAt:        1731536000,
			Network:         config.Network_Ethereum.String(),
		}
		err := store.UpsertClosed(orphan)
		assert.Nil(t, err)
	})
}

func Test_ListActiveStakes(t *testing.T) {
	store, _ := setup(t)

	err := store.UpsertOpenedBatch([]*storage.StakeOpened{
		openedFixture(1, "0xaaa", "900", 10),
		openedFixture(2, "0xaaa", "1000000", 10),
		openedFixture(3, "0xbbb", "25000", 10),
	})
	assert.Nil(t, err)

	inactive := openedFixture(4, "0xbbb", "99999999", 10)
	inactive.IsActive = false
	err = store.UpsertOpenedBatch([]*storage.StakeOpened{inactive})
	assert.Nil(t, err)

	t.Run("orders numerically by principal descending", func(t *testing.T) {
		stakes, err := store.ListActiveStakes(config.Network_Ethereum, 0)
		assert.Nil(t, err)
		assert.Equal(t, 3, len(stakes))
		assert.Equal(t, uint64(2), stakes[0].StakeId)
		assert.Equal(t, uint64(3), stakes[1].StakeId)
		assert.Equal(t, uint64(1), stakes[2].StakeId)
	})

	t.Run("applies the limit", func(t *testing.T) {
		stakes, err := store.ListActiveStakes(config.Network_Ethereum, 2)
		assert.Nil(t, err)
		assert.Equal(t, 2, len(stakes))
	})

	t.Run("other networks see nothing", func(t *testing.T) {
		stakes, err := store.ListActiveStakes(config.Network_PulseChain, 0)
		assert.Nil(t, err)
		assert.Equal(t, 0, len(stakes))
	})
}

func Test_GlobalCounters(t *testing.T) {
	store, _ := setup(t)

	t.Run("latest is nil before any snapshot", func(t *testing.T) {
		counters, err := store.GetLatestGlobalCounters(config.Network_Ethereum)
		assert.Nil(t, err)
		assert.Nil(t, counters)
	})

	now := time.Now().Unix()
	old := time.Now().Add(-60 * 24 * time.Hour).Unix()

	for day := uint64(1); day <= 5; day++ {
		capturedAt := old
		if day >= 4 {
			capturedAt = now
		}
		err := store.InsertGlobalCounters(&storage.GlobalCounters{
			DayIndex:      day,
			TotalShares:   "100",
			TotalPenalty:  "0",
			TotalLocked:   "100",
			LatestStakeId: day,
			CapturedAt:    capturedAt,
			Network:       config.Network_Ethereum.String(),
		})
		assert.Nil(t, err)
	}

	t.Run("latest returns the highest day index", func(t *testing.T) {
		counters, err := store.GetLatestGlobalCounters(config.Network_Ethereum)
		assert.Nil(t, err)
		assert.NotNil(t, counters)
		assert.Equal(t, uint64(5), counters.DayIndex)
	})

	t.Run("cleanup respects retention and the keep floor", func(t *testing.T) {
		deleted, err := store.CleanupGlobalCounters(config.Network_Ethereum, 30*24*time.Hour, 2)
		assert.Nil(t, err)
		assert.Equal(t, int64(3), deleted)

		counters, err := store.GetLatestGlobalCounters(config.Network_Ethereum)
		assert.Nil(t, err)
		assert.Equal(t, uint64(5), counters.DayIndex)
	})

	t.Run("keep floor wins over retention", func(t *testing.T) {
		// Remaining rows are recent, but even if they were stale the two
		// most recent must survive.
		deleted, err := store.CleanupGlobalCounters(config.Network_Ethereum, 0, 2)
		assert.Nil(t, err)
		assert.Equal(t, int64(0), deleted)
	})
}

func Test_SyncCursor(t *testing.T) {
	store, _ := setup(t)

	t.Run("first read creates the cursor row", func(t *testing.T) {
		cursor, err := store.GetSyncCursor(config.Network_Ethereum)
		assert.Nil(t, err)
		assert.NotNil(t, cursor)
		assert.Equal(t, uint64(0), cursor.LastSyncedStakeId)
		assert.False(t, cursor.SyncInProgress)
	})

	t.Run("merge patch only touches provided fields", func(t *testing.T) {
		stakeId := uint64(61)
		opened := uint64(237)
		err := store.UpdateSyncCursor(config.Network_Ethereum, &storage.SyncCursorUpdate{
			LastSyncedStakeId: &stakeId,
			TotalOpenedSynced: &opened,
		})
		assert.Nil(t, err)

		cursor, err := store.GetSyncCursor(config.Network_Ethereum)
		assert.Nil(t, err)
		assert.Equal(t, uint64(61), cursor.LastSyncedStakeId)
		assert.Equal(t, uint64(237), cursor.TotalOpenedSynced)
		assert.Equal(t, uint64(0), cursor.TotalClosedSynced)
	})

	t.Run("empty patch is a no-op", func(t *testing.T) {
		err := store.UpdateSyncCursor(config.Network_Ethereum, &storage.SyncCursorUpdate{})
		assert.Nil(t, err)
	})

	t.Run("guard admits exactly one beginner", func(t *testing.T) {
		ok, err := store.TryBeginSync(config.Network_Ethereum, time.Now())
		assert.Nil(t, err)
		assert.True(t, ok)

		ok, err = store.TryBeginSync(config.Network_Ethereum, time.Now())
		assert.Nil(t, err)
		assert.False(t, ok)
	})

	t.Run("guard reopens once the flag is cleared", func(t *testing.T) {
		inProgress := false
		err := store.UpdateSyncCursor(config.Network_Ethereum, &storage.SyncCursorUpdate{
			SyncInProgress: &inProgress,
		})
		assert.Nil(t, err)

		ok, err := store.TryBeginSync(config.Network_Ethereum, time.Now())
		assert.Nil(t, err)
		assert.True(t, ok)
	})

	t.Run("networks hold independent cursors", func(t *testing.T) {
		ok, err := store.TryBeginSync(config.Network_PulseChain, time.Now())
		assert.Nil(t, err)
		assert.True(t, ok)
	})
}

func Test_OwnerAggregate(t *testing.T) {
	store, _ := setup(t)

	owner := "0xAbC0000000000000000000000000000000000001"

	records := []*storage.StakeOpened{
		openedFixture(1, "0xabc0000000000000000000000000000000000001", "1000", 100),
		openedFixture(2, "0xabc0000000000000000000000000000000000001", "2000", 200),
		openedFixture(3, "0xabc0000000000000000000000000000000000001", "3000", 300),
		openedFixture(4, "0xabc0000000000000000000000000000000000001", "4000", 400),
		openedFixture(5, "0xabc0000000000000000000000000000000000001", "5000", 500),
	}
	records[0].IsActive = false
	records[1].IsActive = false
	err := store.UpsertOpenedBatch(records)
	assert.Nil(t, err)

	for _, c := range []*storage.StakeClosed{
		{StakeId: 1, OwnerAddress: owner, PayoutAmount: "1100", PrincipalAmount: "1000", PenaltyAmount: "0", ServedDays: 100, ClosedAt: 1, Network: config.Network_Ethereum.String()},
		{StakeId: 2, OwnerAddress: owner, PayoutAmount: "1900", PrincipalAmount: "2000", PenaltyAmount: "150", ServedDays: 120, ClosedAt: 2, Network: config.Network_Ethereum.String()},
	} {
		assert.Nil(t, store.UpsertClosed(c))
	}

	t.Run("recompute sums the event tables exactly", func(t *testing.T) {
		aggregate, err := store.RecomputeOwnerAggregate(owner, config.Network_Ethereum)
		assert.Nil(t, err)
		assert.NotNil(t, aggregate)
		assert.Equal(t, uint64(5), aggregate.TotalStakes)
		assert.Equal(t, uint64(3), aggregate.ActiveStakes)
		assert.Equal(t, uint64(2), aggregate.EndedStakes)
		assert.Equal(t, "15000", aggregate.TotalPrincipal)
		assert.Equal(t, "3000", aggregate.TotalPayouts)
		assert.Equal(t, "150", aggregate.TotalPenalties)
		assert.Equal(t, float64(300), aggregate.AverageDurationDays)
		assert.Equal(t, int64(1700000001), aggregate.FirstStakeAt)
		assert.Equal(t, int64(1700000005), aggregate.LastStakeAt)
	})

	t.Run("recompute overwrites the stored row wholesale", func(t *testing.T) {
		assert.Nil(t, store.UpsertClosed(&storage.StakeClosed{
			StakeId: 3, OwnerAddress: owner, PayoutAmount: "3300", PrincipalAmount: "3000", PenaltyAmount: "0", ServedDays: 300, ClosedAt: 3, Network: config.Network_Ethereum.String(),
		}))

		aggregate, err := store.RecomputeOwnerAggregate(owner, config.Network_Ethereum)
		assert.Nil(t, err)
		assert.Equal(t, uint64(2), aggregate.ActiveStakes)
		assert.Equal(t, "6300", aggregate.TotalPayouts)

		stored, err := store.GetOwnerAggregate(owner, config.Network_Ethereum)
		assert.Nil(t, err)
		assert.Equal(t, "6300", stored.TotalPayouts)
	})

	t.Run("unknown owner yields nil without writing a row", func(t *testing.T) {
		aggregate, err := store.RecomputeOwnerAggregate("0xdead", config.Network_Ethereum)
		assert.Nil(t, err)
		assert.Nil(t, aggregate)

		stored, err := store.GetOwnerAggregate("0xdead", config.Network_Ethereum)
		assert.Nil(t, err)
		assert.Nil(t, stored)
	})
}

func Test_GetOverviewMetrics(t *testing.T) {
	store, _ := setup(t)

	t.Run("empty store yields zeroes", func(t *testing.T) {
		metrics, err := store.GetOverviewMetrics(config.Network_Ethereum)
		assert.Nil(t, err)
		assert.Equal(t, uint64(0), metrics.ActiveCount)
		assert.Equal(t, "0", metrics.TotalPrincipal)
	})

	t.Run("sums active rows only", func(t *testing.T) {
		records := []*storage.StakeOpened{
			openedFixture(1, "0xaaa", "1000", 100),
			openedFixture(2, "0xaaa", "2000", 300),
		}
		ended := openedFixture(3, "0xbbb", "70000", 10)
		ended.IsActive = false
		assert.Nil(t, store.UpsertOpenedBatch(append(records, ended)))

		metrics, err := store.GetOverviewMetrics(config.Network_Ethereum)
		assert.Nil(t, err)
		assert.Equal(t, uint64(2), metrics.ActiveCount)
		assert.Equal(t, "3000", metrics.TotalPrincipal)
		assert.Equal(t, float64(200), metrics.AverageDuration)
	})
}

func Test_GetTableCounts(t *testing.T) {
	store, _ := setup(t)

	assert.Nil(t, store.UpsertOpenedBatch([]*storage.StakeOpened{
		openedFixture(1, "0xaaa", "1000", 100),
	}))
	assert.Nil(t, store.UpsertClosed(&storage.StakeClosed{
		StakeId: 1, OwnerAddress: "0xaaa", PayoutAmount: "1", PrincipalAmount: "1", PenaltyAmount: "0", Network: config.Network_Ethereum.String(),
	}))
	assert.Nil(t, store.InsertGlobalCounters(&storage.GlobalCounters{
		DayIndex: 1, TotalShares: "1", TotalPenalty: "0", TotalLocked: "1", Network: config.Network_Ethereum.String(),
	}))

	counts, err := store.GetTableCounts(config.Network_Ethereum)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), counts.OpenedEvents)
	assert.Equal(t, int64(1), counts.ClosedEvents)
	assert.Equal(t, int64(1), counts.GlobalCounters)
	assert.Equal(t, int64(0), counts.OwnerAggregates)
}
