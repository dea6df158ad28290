package subgraph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"github.com/stakewatch/stakewatch/pkg/utils"
)

// Raw record shapes as returned by the query service. Everything numeric
// arrives as a string; validation happens here at the ingestion boundary so
// nothing untyped flows downstream.

type rawStakeOpened struct {
	StakeId            string `json:"stakeId"`
	OwnerAddress       string `json:"ownerAddress"`
	PrincipalAmount    string `json:"principalAmount"`
	ShareAmount        string `json:"shareAmount"`
	DerivedShareAmount string `json:"derivedShareAmount"`
	StakedDays         string `json:"stakedDays"`
	StartDay           string `json:"startDay"`
	EndDay             string `json:"endDay"`
	OpenedAt           string `json:"openedAt"`
	IsAutoRenewed      bool   `json:"isAutoRenewed"`
	TransactionHash    string `json:"transactionHash"`
	BlockNumber        string `json:"blockNumber"`
}

type rawStakeClosed struct {
	StakeId         string `json:"stakeId"`
	OwnerAddress    string `json:"ownerAddress"`
	PayoutAmount    string `json:"payoutAmount"`
	PrincipalAmount string `json:"principalAmount"`
	PenaltyAmount   string `json:"penaltyAmount"`
	ServedDays      string `json:"servedDays"`
	ClosedAt        string `json:"closedAt"`
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
}

type rawGlobalCounters struct {
	DayIndex      string `json:"dayIndex"`
	TotalShares   string `json:"totalShares"`
	TotalPenalty  string `json:"totalPenalty"`
	TotalLocked   string `json:"totalLocked"`
	LatestStakeId string `json:"latestStakeId"`
	CapturedAt    string `json:"capturedAt"`
}

func parseUint(field string, value string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s'", field, value)
	}
	return n, nil
}

func parseInt(field string, value string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s'", field, value)
	}
	return n, nil
}

// parseAmount checks a decimal-string amount without converting it; amounts
// are stored verbatim to avoid precision loss.
func parseAmount(field string, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", fmt.Errorf("empty %s", field)
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid %s '%s'", field, value)
		}
	}
	return v, nil
}

func (r *rawStakeOpened) validate(network config.Network) (*storage.StakeOpened, error) {
	stakeId, err := parseUint("stakeId", r.StakeId)
	if err != nil {
		return nil, err
	}
	if r.OwnerAddress == "" {
		return nil, fmt.Errorf("missing ownerAddress for stake %d", stakeId)
	}
	principal, err := parseAmount("principalAmount", r.PrincipalAmount)
	if err != nil {
		return nil, err
	}
	shares, err := parseAmount("shareAmount", r.ShareAmount)
	if err != nil {
		return nil, err
	}
	derivedShares, err := parseAmount("derivedShareAmount", r.DerivedShareAmount)
	if err != nil {
		return nil, err
	}
	stakedDays, err := parseUint("stakedDays", r.StakedDays)
	if err != nil {
		return nil, err
	}
	startDay, err := parseUint("startDay", r.StartDay)
	if err != nil {
		return nil, err
	}
	endDay, err := parseUint("endDay", r.EndDay)
	if err != nil {
		return nil, err
	}
	openedAt, err := parseInt("openedAt", r.OpenedAt)
	if err != nil {
		return nil, err
	}
	blockNumber, err := parseUint("blockNumber", r.BlockNumber)
	if err != nil {
		return nil, err
	}

	return &storage.StakeOpened{
		StakeId:            stakeId,
		OwnerAddress:       utils.NormalizeAddress(r.OwnerAddress),
		PrincipalAmount:    principal,
		ShareAmount:        shares,
		DerivedShareAmount: derivedShares,
		StakedDays:         stakedDays,
		StartDay:           startDay,
		EndDay:             endDay,
		OpenedAt:           openedAt,
		IsAutoRenewed:      r.IsAutoRenewed,
		TransactionHash:    r.TransactionHash,
		BlockNumber:        blockNumber,
		Network:            network.String(),
	}, nil
}

func (r *rawStakeClosed) validate(network config.Network) (*storage.StakeClosed, error) {
	stakeId, err := parseUint("stakeId", r.StakeId)
	if err != nil {
		return nil, err
	}
	if r.OwnerAddress == "" {
		return nil, fmt.Errorf("missing ownerAddress for stake %d", stakeId)
	}
	payout, err := parseAmount("payoutAmount", r.PayoutAmount)
	if err != nil {
		return nil, err
	}
	principal, err := parseAmount("principalAmount", r.PrincipalAmount)
	if err != nil {
		return nil, err
	}
	penalty, err := parseAmount("penaltyAmount", r.PenaltyAmount)
	if err != nil {
		return nil, err
	}
	servedDays, err := parseUint("servedDays", r.ServedDays)
	if err != nil {
		return nil, err
	}
	closedAt, err := parseInt("closedAt", r.ClosedAt)
	if err != nil {
		return nil, err
	}
	blockNumber, err := parseUint("blockNumber", r.BlockNumber)
	if err != nil {
		return nil, err
	}

	return &storage.StakeClosed{
		StakeId:         stakeId,
		OwnerAddress:    utils.NormalizeAddress(r.OwnerAddress),
		PayoutAmount:    payout,
		PrincipalAmount: principal,
		PenaltyAmount:   penalty,
		ServedDays:      servedDays,
		ClosedAt:        closedAt,
		TransactionHash: r.TransactionHash,
		BlockNumber:     blockNumber,
		Network:         network.String(),
	}, nil
}

func (r *rawGlobalCounters) validate(network config.Network) (*storage.GlobalCounters, error) {
	dayIndex, err := parseUint("dayIndex", r.DayIndex)
	if err != nil {
		return nil, err
	}
	totalShares, err := parseAmount("totalShares", r.TotalShares)
	if err != nil {
		return nil, err
	}
	totalPenalty, err := parseAmount("totalPenalty", r.TotalPenalty)
	if err != nil {
		return nil, err
	}
	totalLocked, err := parseAmount("totalLocked", r.TotalLocked)
	if err != nil {
		return nil, err
	}
	latestStakeId, err := parseUint("latestStakeId", r.LatestStakeId)
	if err != nil {
		return nil, err
	}
	capturedAt, err := parseInt("capturedAt", r.CapturedAt)
	if err != nil {
		return nil, err
	}

	return &storage.GlobalCounters{
		DayIndex:      dayIndex,
		TotalShares:   totalShares,
		TotalPenalty:  totalPenalty,
		TotalLocked:   totalLocked,
		LatestStakeId: latestStakeId,
		CapturedAt:    capturedAt,
		Network:       network.String(),
	}, nil
}
