// Package fetcher provides functionality for retrieving stake ledger
// records from the external query service. It handles page iteration and
// inter-page pacing; retry policy belongs to the caller.
package fetcher

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"go.uber.org/zap"
)

// LedgerClient is the page-fetch contract the external ledger service must
// honor. Implemented by pkg/clients/subgraph. FetchOpenedPage reports the
// highest stake id seen in the raw page as nextCursor; it must cover records
// the client dropped during validation, or iteration could not get past them.
type LedgerClient interface {
	Network() config.Network
	FetchOpenedPage(ctx context.Context, afterStakeId uint64, pageSize int) (records []*storage.StakeOpened, nextCursor uint64, hasMore bool, err error)
	FetchClosedPage(ctx context.Context, skip int, pageSize int) ([]*storage.StakeClosed, bool, error)
	FetchLatestCounters(ctx context.Context) (*storage.GlobalCounters, error)
}

// FetcherConfig contains the configuration specific to the Fetcher.
type FetcherConfig struct {
	// PageSize is the number of records requested per page.
	PageSize int
	// PageDelay is the pause between consecutive page requests when
	// iterating exhaustively, to avoid upstream rate limits.
	PageDelay time.Duration
}

// Fetcher retrieves whole record streams from a LedgerClient page by page.
// It knows nothing about persistence.
type Fetcher struct {
	Client LedgerClient
	Logger *zap.Logger
	Config *FetcherConfig
}

func NewFetcher(client LedgerClient, cfg *FetcherConfig, l *zap.Logger) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Fetcher{
		Client: client,
		Logger: l,
		Config: cfg,
	}
}

func (f *Fetcher) Network() config.Network {
	return f.Client.Network()
}

// ForEachOpenedPage iterates stake-opened records with a stake id strictly
// greater than afterStakeId, in ascending stake-id order, handing each page
// to handle as soon as it arrives. Iteration stops on the first handler or
// fetch error; pages already handled stay handled. The cursor follows the
// client's nextCursor, so a full page of invalid records is stepped over
// rather than refetched; a page that moves the cursor nowhere is an error.
func (f *Fetcher) ForEachOpenedPage(ctx context.Context, afterStakeId uint64, handle func(page []*storage.StakeOpened) error) error {
	cursor := afterStakeId

	for {
		page, nextCursor, hasMore, err := f.Client.FetchOpenedPage(ctx, cursor, f.Config.PageSize)
		if err != nil {
			f.Logger.Sugar().Errorw("failed to fetch opened page",
				zap.String("network", f.Network().String()),
				zap.Uint64("afterStakeId", cursor),
				zap.Error(err),
			)
			return err
		}

		f.Logger.Sugar().Debugw("Fetched opened page",
			zap.String("network", f.Network().String()),
			zap.Uint64("afterStakeId", cursor),
			zap.Uint64("nextCursor", nextCursor),
			zap.Int("count", len(page)),
			zap.Bool("hasMore", hasMore),
		)

		if len(page) > 0 {
			if err := handle(page); err != nil {
				return err
			}
		}

		if !hasMore {
			return nil
		}
		if nextCursor <= cursor {
			return errors.Errorf("opened-page iteration stalled after stake id %d for network %s", cursor, f.Network())
		}
		cursor = nextCursor
		if err := f.pause(ctx); err != nil {
			return err
		}
	}
}

// FetchOpenedAfter fetches every stake-opened record with a stake id
// strictly greater than afterStakeId, in ascending stake-id order.
func (f *Fetcher) FetchOpenedAfter(ctx context.Context, afterStakeId uint64) ([]*storage.StakeOpened, error) {
	all := make([]*storage.StakeOpened, 0)
	err := f.ForEachOpenedPage(ctx, afterStakeId, func(page []*storage.StakeOpened) error {
		all = append(all, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// FetchAllOpened fetches the entire stake-opened stream from the beginning.
func (f *Fetcher) FetchAllOpened(ctx context.Context) ([]*storage.StakeOpened, error) {
	return f.FetchOpenedAfter(ctx, 0)
}

// ForEachClosedPage iterates the stake-closed stream using skip/first
// pagination, handing each page to handle as soon as it arrives.
func (f *Fetcher) ForEachClosedPage(ctx context.Context, handle func(page []*storage.StakeClosed) error) error {
	skip := 0

	for {
		page, hasMore, err := f.Client.FetchClosedPage(ctx, skip, f.Config.PageSize)
		if err != nil {
			f.Logger.Sugar().Errorw("failed to fetch closed page",
				zap.String("network", f.Network().String()),
				zap.Int("skip", skip),
				zap.Error(err),
			)
			return err
		}

		f.Logger.Sugar().Debugw("Fetched closed page",
			zap.String("network", f.Network().String()),
			zap.Int("skip", skip),
			zap.Int("count", len(page)),
			zap.Bool("hasMore", hasMore),
		)

		if len(page) > 0 {
			if err := handle(page); err != nil {
				return err
			}
		}

		if !hasMore {
			return nil
		}
		skip += f.Config.PageSize
		if err := f.pause(ctx); err != nil {
			return err
		}
	}
}

// FetchAllClosed fetches the entire stake-closed stream.
func (f *Fetcher) FetchAllClosed(ctx context.Context) ([]*storage.StakeClosed, error) {
	all := make([]*storage.StakeClosed, 0)
	err := f.ForEachClosedPage(ctx, func(page []*storage.StakeClosed) error {
		all = append(all, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// FetchLatestCounters fetches the most recent global counters snapshot, or
// nil when the ledger has none.
func (f *Fetcher) FetchLatestCounters(ctx context.Context) (*storage.GlobalCounters, error) {
	counters, err := f.Client.FetchLatestCounters(ctx)
	if err != nil {
		f.Logger.Sugar().Errorw("failed to fetch global counters",
			zap.String("network", f.Network().String()),
			zap.Error(err),
		)
		return nil, err
	}
	return counters, nil
}

func (f *Fetcher) pause(ctx context.Context) error {
	if f.Config.PageDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.Config.PageDelay):
		return nil
	}
}
