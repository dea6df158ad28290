// Package subgraph implements the query client for the external stake
// ledger. The ledger exposes a GraphQL endpoint with filter/order/first/skip
// pagination over three record kinds: stake-opened events, stake-closed
// events and daily global counters.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"go.uber.org/zap"
)

// ErrSourceUnavailable indicates the ledger query service could not be
// reached or returned a non-success response. The caller decides whether to
// abort or continue; the client never retries on its own.
var ErrSourceUnavailable = errors.New("ledger source unavailable")

type Client struct {
	httpClient *http.Client
	baseURL    string
	network    config.Network
	logger     *zap.Logger
}

func NewClient(baseURL string, network config.Network, requestTimeout time.Duration, logger *zap.Logger) *Client {
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		baseURL: baseURL,
		network: network,
		logger:  logger,
	}
}

// NewClientWithHTTPClient is NewClient with an injected http.Client, used
// by tests to swap in a mock transport.
func NewClientWithHTTPClient(baseURL string, network config.Network, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		network:    network,
		logger:     logger,
	}
}

func (c *Client) Network() config.Network {
	return c.network
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

const openedPageQuery = `
	query openedPage($afterStakeId: String!, $pageSize: Int!) {
		stakeOpeneds(
			first: $pageSize,
			orderBy: stakeId,
			orderDirection: asc,
			where: { stakeId_gt: $afterStakeId }
		) {
			stakeId
			ownerAddress
			principalAmount
			shareAmount
			derivedShareAmount
			stakedDays
			startDay
			endDay
			openedAt
			isAutoRenewed
			transactionHash
			blockNumber
		}
	}`

const closedPageQuery = `
	query closedPage($skip: Int!, $pageSize: Int!) {
		stakeCloseds(
			first: $pageSize,
			skip: $skip,
			orderBy: stakeId,
			orderDirection: asc
		) {
			stakeId
			ownerAddress
			payoutAmount
			principalAmount
			penaltyAmount
			servedDays
			closedAt
			transactionHash
			blockNumber
		}
	}`

const latestCountersQuery = `
	query latestCounters {
		dailyGlobalCounters(
			first: 1,
			orderBy: dayIndex,
			orderDirection: desc
		) {
			dayIndex
			totalShares
			totalPenalty
			totalLocked
			latestStakeId
			capturedAt
		}
	}`

func (c *Client) execute(ctx context.Context, operation string, query string, variables map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(&graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	c.logger.Sugar().Debugw("Making ledger query",
		zap.String("operation", operation),
		zap.String("network", c.network.String()),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s failed for network %s: %s", operation, c.network, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s failed for network %s: reading body: %s", operation, c.network, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s failed for network %s: status %d: %s", operation, c.network, resp.StatusCode, string(respBody))
	}

	var parsed graphqlResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s failed for network %s: unmarshal: %s", operation, c.network, err)
	}
	if len(parsed.Errors) > 0 {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s failed for network %s: %s", operation, c.network, parsed.Errors[0].Message)
	}
	return parsed.Data, nil
}

// FetchOpenedPage fetches one page of stake-opened events with stake ids
// strictly greater than afterStakeId, in ascending stake-id order. hasMore
// is true iff the page came back full. nextCursor is the highest stake id
// seen in the raw page, quarantined records included, so iteration always
// advances even when a whole page fails validation.
func (c *Client) FetchOpenedPage(ctx context.Context, afterStakeId uint64, pageSize int) ([]*storage.StakeOpened, uint64, bool, error) {
	data, err := c.execute(ctx, "opened-page fetch", openedPageQuery, map[string]interface{}{
		"afterStakeId": fmt.Sprintf("%d", afterStakeId),
		"pageSize":     pageSize,
	})
	if err != nil {
		return nil, afterStakeId, false, err
	}

	var envelope struct {
		StakeOpeneds []*rawStakeOpened `json:"stakeOpeneds"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, afterStakeId, false, errors.Wrapf(ErrSourceUnavailable, "opened-page fetch failed for network %s: decode: %s", c.network, err)
	}

	nextCursor := afterStakeId
	records := make([]*storage.StakeOpened, 0, len(envelope.StakeOpeneds))
	for _, raw := range envelope.StakeOpeneds {
		if id, err := parseUint("stakeId", raw.StakeId); err == nil && id > nextCursor {
			nextCursor = id
		}
		record, err := raw.validate(c.network)
		if err != nil {
			// Malformed records are quarantined rather than propagated.
			c.logger.Sugar().Warnw("Skipping malformed stake-opened record",
				zap.String("network", c.network.String()),
				zap.String("stakeId", raw.StakeId),
				zap.Error(err),
			)
			continue
		}
		records = append(records, record)
	}
	return records, nextCursor, len(envelope.StakeOpeneds) == pageSize, nil
}

// FetchClosedPage fetches one page of stake-closed events using skip/first
// pagination. Order is stable but otherwise unimportant; closed records are
// consumed as a set.
func (c *Client) FetchClosedPage(ctx context.Context, skip int, pageSize int) ([]*storage.StakeClosed, bool, error) {
	data, err := c.execute(ctx, "closed-page fetch", closedPageQuery, map[string]interface{}{
		"skip":     skip,
		"pageSize": pageSize,
	})
	if err != nil {
		return nil, false, err
	}

	var envelope struct {
		StakeCloseds []*rawStakeClosed `json:"stakeCloseds"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, false, errors.Wrapf(ErrSourceUnavailable, "closed-page fetch failed for network %s: decode: %s", c.network, err)
	}

	records := make([]*storage.StakeClosed, 0, len(envelope.StakeCloseds))
	for _, raw := range envelope.StakeCloseds {
		record, err := raw.validate(c.network)
		if err != nil {
			c.logger.Sugar().Warnw("Skipping malformed stake-closed record",
				zap.String("network", c.network.String()),
				zap.String("stakeId", raw.StakeId),
				zap.Error(err),
			)
			continue
		}
		records = append(records, record)
	}
	return records, len(envelope.StakeCloseds) == pageSize, nil
}

// FetchLatestCounters fetches the most recent daily global counters
// snapshot, or nil when the ledger has none yet.
func (c *Client) FetchLatestCounters(ctx context.Context) (*storage.GlobalCounters, error) {
	data, err := c.execute(ctx, "counters fetch", latestCountersQuery, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		DailyGlobalCounters []*rawGlobalCounters `json:"dailyGlobalCounters"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "counters fetch failed for network %s: decode: %s", c.network, err)
	}
	if len(envelope.DailyGlobalCounters) == 0 {
		return nil, nil
	}

	record, err := envelope.DailyGlobalCounters[0].validate(c.network)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "counters fetch failed for network %s: %s", c.network, err)
	}
	return record, nil
}
