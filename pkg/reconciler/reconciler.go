// Package reconciler computes the active/ended status and derived day
// counts for stake records by diffing the opened and closed event streams
// against the ledger's day clock.
package reconciler

import (
	"github.com/stakewatch/stakewatch/pkg/storage"
	"go.uber.org/zap"
)

// Result carries a reconciled batch plus whether the day clock was known.
// When the ledger has no global counters row yet the engine runs in
// degraded mode with currentDay = 0: stakes are conservatively marked
// active and callers must not treat the output as final.
type Result struct {
	Records       []*storage.StakeOpened
	DayClockKnown bool
	ActiveCount   int
	EndedCount    int
}

type Reconciler struct {
	logger *zap.Logger
}

func NewReconciler(l *zap.Logger) *Reconciler {
	return &Reconciler{
		logger: l,
	}
}

// Reconcile populates the derived fields of every opened record in place
// and returns the batch. A stake is ended when a matching closed record
// exists (set membership dominates the day math) or when its end day has
// passed. A stake that has not yet begun is active with zero days served.
func (r *Reconciler) Reconcile(opened []*storage.StakeOpened, closedIds map[uint64]bool, currentDay uint64, dayClockKnown bool) *Result {
	result := &Result{
		Records:       opened,
		DayClockKnown: dayClockKnown,
	}

	for _, record := range opened {
		record.IsActive = !closedIds[record.StakeId] && record.EndDay >= currentDay

		if currentDay > record.StartDay {
			record.DaysServed = currentDay - record.StartDay
		} else {
			record.DaysServed = 0
		}
		if record.EndDay > currentDay {
			record.DaysLeft = record.EndDay - currentDay
		} else {
			record.DaysLeft = 0
		}

		if record.IsActive {
			result.ActiveCount++
		} else {
			result.EndedCount++
		}
	}

	if !dayClockKnown && len(opened) > 0 {
		r.logger.Sugar().Warnw("Reconciled without a day clock; results are degraded",
			zap.Int("count", len(opened)),
		)
	}
	return result
}

// ClosedIdSet builds the stake-id membership set from a closed batch.
func ClosedIdSet(closed []*storage.StakeClosed) map[uint64]bool {
	ids := make(map[uint64]bool, len(closed))
	for _, record := range closed {
		ids[record.StakeId] = true
	}
	return ids
}
