package fetcher

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/logger"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"github.com/stretchr/testify/assert"
)

// fakeLedgerClient serves pre-built pages and records how it was called.
type fakeLedgerClient struct {
	openedPages [][]*storage.StakeOpened
	closedPages [][]*storage.StakeClosed
	counters    *storage.GlobalCounters
	pageSize    int

	openedCalls  []uint64
	closedCalls  []int
	failOpenedAt int
	err          error
}

func (f *fakeLedgerClient) Network() config.Network {
	return config.Network_Ethereum
}

func (f *fakeLedgerClient) FetchOpenedPage(ctx context.Context, afterStakeId uint64, pageSize int) ([]*storage.StakeOpened, uint64, bool, error) {
	call := len(f.openedCalls)
	f.openedCalls = append(f.openedCalls, afterStakeId)
	if f.err != nil && call >= f.failOpenedAt {
		return nil, afterStakeId, false, f.err
	}
	if call >= len(f.openedPages) {
		return nil, afterStakeId, false, nil
	}
	page := f.openedPages[call]
	nextCursor := afterStakeId
	for _, record := range page {
		if record.StakeId > nextCursor {
			nextCursor = record.StakeId
		}
	}
	return page, nextCursor, len(page) == pageSize, nil
}

func (f *fakeLedgerClient) FetchClosedPage(ctx context.Context, skip int, pageSize int) ([]*storage.StakeClosed, bool, error) {
	call := len(f.closedCalls)
	f.closedCalls = append(f.closedCalls, skip)
	if call >= len(f.closedPages) {
		return nil, false, nil
	}
	page := f.closedPages[call]
	return page, len(page) == pageSize, nil
}

func (f *fakeLedgerClient) FetchLatestCounters(ctx context.Context) (*storage.GlobalCounters, error) {
	return f.counters, nil
}

func openedPage(ids ...uint64) []*storage.StakeOpened {
	page := make([]*storage.StakeOpened, 0, len(ids))
	for _, id := range ids {
		page = append(page, &storage.StakeOpened{StakeId: id, Network: "ethereum"})
	}
	return page
}

func makeOpenedPages(sizes []int) [][]*storage.StakeOpened {
	pages := make([][]*storage.StakeOpened, 0, len(sizes))
	nextId := uint64(1)
	for _, size := range sizes {
		ids := make([]uint64, 0, size)
		for i := 0; i < size; i++ {
			ids = append(ids, nextId)
			nextId++
		}
		pages = append(pages, openedPage(ids...))
	}
	return pages
}

func Test_FetchOpenedAfter(t *testing.T) {
	l := logger.NewNoopLogger()

	t.Run("stops after a short page", func(t *testing.T) {
		// Pages of declining size [100, 100, 37] for page size 100 must
		// terminate after the third page.
		client := &fakeLedgerClient{
			openedPages: makeOpenedPages([]int{100, 100, 37}),
		}
		f := NewFetcher(client, &FetcherConfig{PageSize: 100}, l)

		records, err := f.FetchOpenedAfter(context.Background(), 0)
		assert.Nil(t, err)
		assert.Equal(t, 237, len(records))
		assert.Equal(t, 3, len(client.openedCalls))
	})

	t.Run("advances the page cursor to the max id seen", func(t *testing.T) {
		client := &fakeLedgerClient{
			openedPages: [][]*storage.StakeOpened{
				openedPage(42, 57),
				openedPage(61),
			},
		}
		f := NewFetcher(client, &FetcherConfig{PageSize: 2}, l)

		records, err := f.FetchOpenedAfter(context.Background(), 0)
		assert.Nil(t, err)
		assert.Equal(t, 3, len(records))
		assert.Equal(t, []uint64{0, 57}, client.openedCalls)
	})

	t.Run("propagates client failure", func(t *testing.T) {
		client := &fakeLedgerClient{
			openedPages:  makeOpenedPages([]int{100, 100}),
			failOpenedAt: 1,
			err:          errors.New("connection refused"),
		}
		f := NewFetcher(client, &FetcherConfig{PageSize: 100}, l)

		_, err := f.FetchOpenedAfter(context.Background(), 0)
		assert.NotNil(t, err)
	})

	t.Run("steps over a full page whose records were all dropped", func(t *testing.T) {
		// A full raw page can validate down to nothing; nextCursor still
		// covers the dropped ids, so the next request starts beyond them.
		client := &quarantiningLedgerClient{
			fakeLedgerClient: fakeLedgerClient{
				openedPages: [][]*storage.StakeOpened{
					openedPage(1, 2),
					openedPage(3),
				},
			},
			quarantinedPages: 1,
		}
		f := NewFetcher(client, &FetcherConfig{PageSize: 2}, l)

		records, err := f.FetchOpenedAfter(context.Background(), 0)
		assert.Nil(t, err)
		assert.Equal(t, 1, len(records))
		assert.Equal(t, uint64(3), records[0].StakeId)
		assert.Equal(t, []uint64{0, 2}, client.openedCalls)
	})

	t.Run("a full page that cannot advance the cursor is an error, not a loop", func(t *testing.T) {
		client := &stalledLedgerClient{}
		f := NewFetcher(client, &FetcherConfig{PageSize: 2}, l)

		_, err := f.FetchOpenedAfter(context.Background(), 0)
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "stalled")
		assert.Equal(t, 1, client.calls)
	})
}

// quarantiningLedgerClient validates away every record of the first N pages
// while still reporting the raw page's cursor, the way the real client
// behaves when a page is full of malformed records.
type quarantiningLedgerClient struct {
	fakeLedgerClient
	quarantinedPages int
}

func (q *quarantiningLedgerClient) FetchOpenedPage(ctx context.Context, afterStakeId uint64, pageSize int) ([]*storage.StakeOpened, uint64, bool, error) {
	call := len(q.openedCalls)
	page, nextCursor, hasMore, err := q.fakeLedgerClient.FetchOpenedPage(ctx, afterStakeId, pageSize)
	if err != nil {
		return nil, nextCursor, false, err
	}
	if call < q.quarantinedPages {
		return []*storage.StakeOpened{}, nextCursor, hasMore, nil
	}
	return page, nextCursor, hasMore, nil
}

// stalledLedgerClient misbehaves: it always reports a full page with a
// cursor that goes nowhere.
type stalledLedgerClient struct {
	fakeLedgerClient
	calls int
}

func (s *stalledLedgerClient) FetchOpenedPage(ctx context.Context, afterStakeId uint64, pageSize int) ([]*storage.StakeOpened, uint64, bool, error) {
	s.calls++
	return []*storage.StakeOpened{}, afterStakeId, true, nil
}

func Test_FetchAllClosed(t *testing.T) {
	l := logger.NewNoopLogger()

	closed := func(ids ...uint64) []*storage.StakeClosed {
		page := make([]*storage.StakeClosed, 0, len(ids))
		for _, id := range ids {
			page = append(page, &storage.StakeClosed{StakeId: id, Network: "ethereum"})
		}
		return page
	}

	client := &fakeLedgerClient{
		closedPages: [][]*storage.StakeClosed{
			closed(1, 2),
			closed(3),
		},
	}
	f := NewFetcher(client, &FetcherConfig{PageSize: 2}, l)

	records, err := f.FetchAllClosed(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 3, len(records))
	assert.Equal(t, []int{0, 2}, client.closedCalls)
}

func Test_FetchLatestCounters(t *testing.T) {
	l := logger.NewNoopLogger()

	client := &fakeLedgerClient{
		counters: &storage.GlobalCounters{DayIndex: 300, Network: "ethereum"},
	}
	f := NewFetcher(client, &FetcherConfig{PageSize: 100}, l)

	counters, err := f.FetchLatestCounters(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, uint64(300), counters.DayIndex)
}
