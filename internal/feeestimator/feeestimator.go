// Package feeestimator implements batchjob.FeeEstimator against
// mempool.space's recommended-fees endpoint, grounded on the teacher's
// internal/tx.BTCFeeEstimator: same endpoint family, same
// fetch-or-fall-back-to-a-default shape, generalized from a fixed
// fast/half-hour/hour/economy struct to this core's three-tier
// primitives.TxPriority.
package feeestimator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/primitives"
)

// mempoolFeeResponse mirrors mempool.space's /v1/fees/recommended shape.
type mempoolFeeResponse struct {
	FastestFee  int64 `json:"fastestFee"`
	HalfHourFee int64 `json:"halfHourFee"`
	HourFee     int64 `json:"hourFee"`
	EconomyFee  int64 `json:"economyFee"`
	MinimumFee  int64 `json:"minimumFee"`
}

// defaultSatsPerVByte is the fallback rate used when the remote estimator is
// unreachable, one per priority tier, tightest first.
var defaultSatsPerVByte = map[primitives.TxPriority]int64{
	primitives.PriorityNextBlock: 20,
	primitives.PriorityOneHour:   8,
	primitives.PriorityEconomy:   2,
}

// Estimator fetches dynamic fee rates from a mempool.space-compatible
// endpoint, implementing batchjob.FeeEstimator.
type Estimator struct {
	client  *http.Client
	baseURL string
}

// New builds an Estimator against baseURL (e.g. cfg.FeeEstimatorURL), timing
// every request out after timeout.
func New(baseURL string, timeout time.Duration) *Estimator {
	slog.Info("fee estimator created", "url", baseURL)
	return &Estimator{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// EstimateFeeRate returns the current sats/vbyte rate for priority. Falls
// back to a conservative fixed rate if the remote endpoint is unreachable or
// returns an unusable response, rather than blocking batch assembly on an
// external dependency's uptime.
func (e *Estimator) EstimateFeeRate(ctx context.Context, priority primitives.TxPriority) (primitives.FeeRate, error) {
	satsPerVByte, err := e.fetch(ctx, priority)
	if err != nil {
		slog.Warn("fee estimation failed, using default", "priority", priority, "error", err)
		satsPerVByte = defaultSatsPerVByte[priority]
	}
	return primitives.FeeRateFromSatsPerVByte(satsPerVByte)
}

func (e *Estimator) fetch(ctx context.Context, priority primitives.TxPriority) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create fee request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch fee estimate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fee estimate request returned status %d", resp.StatusCode)
	}

	var parsed mempoolFeeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode fee estimate: %w", err)
	}

	rate := rateFor(parsed, priority)
	if rate < 1 {
		return 0, fmt.Errorf("fee estimate returned non-positive rate %d for priority %s", rate, priority)
	}
	return rate, nil
}

func rateFor(resp mempoolFeeResponse, priority primitives.TxPriority) int64 {
	switch priority {
	case primitives.PriorityNextBlock:
		return resp.FastestFee
	case primitives.PriorityEconomy:
		return resp.EconomyFee
	default:
		return resp.HourFee
	}
}
