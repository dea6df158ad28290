package subgraph

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/pkg/errors"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/logger"
	"github.com/stretchr/testify/assert"
)

const testEndpoint = "https://graph.example.com/stakes"

func newTestClient() *Client {
	l := logger.NewNoopLogger()
	mockHttpClient := &http.Client{
		Transport: httpmock.DefaultTransport,
	}
	return NewClientWithHTTPClient(testEndpoint, config.Network_Ethereum, mockHttpClient, l)
}

func Test_FetchOpenedPage(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	client := newTestClient()

	t.Run("parses records and reports hasMore for a full page", func(t *testing.T) {
		httpmock.RegisterResponder("POST", testEndpoint,
			httpmock.NewStringResponder(200, `{
				"data": {
					"stakeOpeneds": [
						{
							"stakeId": "42",
							"ownerAddress": "0xAbC0000000000000000000000000000000000001",
							"principalAmount": "1000000000000",
							"shareAmount": "500000000000",
							"derivedShareAmount": "500000000000",
							"stakedDays": "365",
							"startDay": "100",
							"endDay": "465",
							"openedAt": "1700000000",
							"isAutoRenewed": true,
							"transactionHash": "0xdead",
							"blockNumber": "123456"
						},
						{
							"stakeId": "57",
							"ownerAddress": "0xabc0000000000000000000000000000000000002",
							"principalAmount": "2000000000000",
							"shareAmount": "900000000000",
							"derivedShareAmount": "900000000000",
							"stakedDays": "100",
							"startDay": "200",
							"endDay": "300",
							"openedAt": "1700000100",
							"isAutoRenewed": false,
							"transactionHash": "0xbeef",
							"blockNumber": "123460"
						}
					]
				}
			}`))

		records, nextCursor, hasMore, err := client.FetchOpenedPage(context.Background(), 0, 2)
		assert.Nil(t, err)
		assert.True(t, hasMore)
		assert.Equal(t, uint64(57), nextCursor)
		assert.Equal(t, 2, len(records))
		assert.Equal(t, uint64(42), records[0].StakeId)
		assert.Equal(t, "0xabc0000000000000000000000000000000000001", records[0].OwnerAddress)
		assert.Equal(t, "1000000000000", records[0].PrincipalAmount)
		assert.Equal(t, uint64(465), records[0].EndDay)
		assert.True(t, records[0].IsAutoRenewed)
		assert.Equal(t, config.Network_Ethereum.String(), records[0].Network)
	})

	t.Run("short page means no more", func(t *testing.T) {
		httpmock.RegisterResponder("POST", testEndpoint,
			httpmock.NewStringResponder(200, `{"data": {"stakeOpeneds": []}}`))

		records, nextCursor, hasMore, err := client.FetchOpenedPage(context.Background(), 61, 100)
		assert.Nil(t, err)
		assert.False(t, hasMore)
		assert.Equal(t, uint64(61), nextCursor)
		assert.Equal(t, 0, len(records))
	})

	t.Run("quarantines malformed records", func(t *testing.T) {
		httpmock.RegisterResponder("POST", testEndpoint,
			httpmock.NewStringResponder(200, `{
				"data": {
					"stakeOpeneds": [
						{
							"stakeId": "not-a-number",
							"ownerAddress": "0xabc",
							"principalAmount": "1",
							"shareAmount": "1",
							"derivedShareAmount": "1",
							"stakedDays": "1",
							"startDay": "1",
							"endDay": "2",
							"openedAt": "1",
							"transactionHash": "0x1",
							"blockNumber": "1"
						},
						{
							"stakeId": "99",
							"ownerAddress": "0xabc",
							"principalAmount": "1",
							"shareAmount": "1",
							"derivedShareAmount": "1",
							"stakedDays": "1",
							"startDay": "1",
							"endDay": "2",
							"openedAt": "1",
							"transactionHash": "0x1",
							"blockNumber": "1"
						}
					]
				}
			}`))

		records, nextCursor, _, err := client.FetchOpenedPage(context.Background(), 0, 100)
		assert.Nil(t, err)
		assert.Equal(t, 1, len(records))
		assert.Equal(t, uint64(99), records[0].StakeId)
		assert.Equal(t, uint64(99), nextCursor)
	})

	t.Run("a full page of malformed records still advances the cursor", func(t *testing.T) {
		httpmock.RegisterResponder("POST", testEndpoint,
			httpmock.NewStringResponder(200, `{
				"data": {
					"stakeOpeneds": [
						{
							"stakeId": "7",
							"ownerAddress": "",
							"principalAmount": "1",
							"shareAmount": "1",
							"derivedShareAmount": "1",
							"stakedDays": "1",
							"startDay": "1",
							"endDay": "2",
							"openedAt": "1",
							"transactionHash": "0x1",
							"blockNumber": "1"
						},
						{
							"stakeId": "8",
							"ownerAddress": "0xabc",
							"principalAmount": "not-a-number",
							"shareAmount": "1",
							"derivedShareAmount": "1",
							"stakedDays": "1",
							"startDay": "1",
							"endDay": "2",
							"openedAt": "1",
							"transactionHash": "0x1",
							"blockNumber": "1"
						}
					]
				}
			}`))

		records, nextCursor, hasMore, err := client.FetchOpenedPage(context.Background(), 5, 2)
		assert.Nil(t, err)
		assert.Equal(t, 0, len(records))
		assert.Equal(t, uint64(8), nextCursor)
		assert.True(t, hasMore)
	})

	t.Run("transport failure surfaces as ErrSourceUnavailable", func(t *testing.T) {
		httpmock.RegisterResponder("POST", testEndpoint,
			httpmock.NewStringResponder(502, `bad gateway`))

		_, _, _, err := client.FetchOpenedPage(context.Background(), 0, 100)
		assert.NotNil(t, err)
		assert.True(t, errors.Is(err, ErrSourceUnavailable))
		assert.Contains(t, err.Error(), "opened-page fetch")
		assert.Contains(t, err.Error(), "ethereum")
	})

	t.Run("graphql errors surface as ErrSourceUnavailable", func(t *testing.T) {
		httpmock.RegisterResponder("POST", testEndpoint,
			httpmock.NewStringResponder(200, `{"errors": [{"message": "indexing in progress"}]}`))

		_, _, _, err := client.FetchOpenedPage(context.Background(), 0, 100)
		assert.NotNil(t, err)
		assert.True(t, errors.Is(err, ErrSourceUnavailable))
	})
}

func Test_FetchClosedPage(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	client := newTestClient()

	httpmock.RegisterResponder("POST", testEndpoint,
		httpmock.NewStringResponder(200, `{
			"data": {
				"stakeCloseds": [
					{
						"stakeId": "42",
						"ownerAddress": "0xABC0000000000000000000000000000000000001",
						"payoutAmount": "1100000000000",
						"principalAmount": "1000000000000",
						"penaltyAmount": "0",
						"servedDays": "365",
						"closedAt": "1731536000",
						"transactionHash": "0xfeed",
						"blockNumber": "223456"
					}
				]
			}
		}`))

	records, hasMore, err := client.FetchClosedPage(context.Background(), 0, 100)
	assert.Nil(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, uint64(42), records[0].StakeId)
	assert.Equal(t, "1100000000000", records[0].PayoutAmount)
	assert.Equal(t, "0xabc0000000000000000000000000000000000001", records[0].OwnerAddress)
}

func Test_FetchLatestCounters(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	client := newTestClient()

	t.Run("returns latest snapshot", func(t *testing.T) {
		httpmock.RegisterResponder("POST", testEndpoint,
			httpmock.NewStringResponder(200, `{
				"data": {
					"dailyGlobalCounters": [
						{
							"dayIndex": "300",
							"totalShares": "123456789",
							"totalPenalty": "1000",
							"totalLocked": "999999999",
							"latestStakeId": "61",
							"capturedAt": "1731536000"
						}
					]
				}
			}`))

		counters, err := client.FetchLatestCounters(context.Background())
		assert.Nil(t, err)
		assert.NotNil(t, counters)
		assert.Equal(t, uint64(300), counters.DayIndex)
		assert.Equal(t, uint64(61), counters.LatestStakeId)
	})

	t.Run("returns nil when the ledger has no snapshot yet", func(t *testing.T) {
		httpmock.RegisterResponder("POST", testEndpoint,
			httpmock.NewStringResponder(200, `{"data": {"dailyGlobalCounters": []}}`))

		counters, err := client.FetchLatestCounters(context.Background())
		assert.Nil(t, err)
		assert.Nil(t, counters)
	})
}
