// Package batchjob implements Component G: the job that drains a payout
// queue's queued payouts into one built, reserved, ledger-posted batch.
// Its trigger-driving shape (a cancel-map keyed by queue id, guarded by a
// mutex, one goroutine per running driver) generalizes the teacher's
// internal/scanner.Scanner, which drives per-chain balance scans the same
// way instead of per-queue batch assembly.
package batchjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/psbt"
	"github.com/briacore/custody/internal/store"
)

// FeeEstimator abstracts the external fee-rate source a queue's tx_priority
// is resolved against. Defined here, at the consumer, rather than imported
// from whatever package ends up implementing it against a real estimator.
type FeeEstimator interface {
	EstimateFeeRate(ctx context.Context, priority primitives.TxPriority) (primitives.FeeRate, error)
}

// Ledger is the subset of Component H's posting engine that batch assembly
// needs: one batch_created posting per wallet, correlated so a crash
// between commit and downstream processing can be detected and is never
// double-posted on retry.
type Ledger interface {
	PostBatchCreated(ctx context.Context, q store.Querier, walletID primitives.WalletId, batchID primitives.BatchId, summary psbt.WalletSummary) (ledgerTxID string, err error)
}

// Broadcaster is the event-hub subset a batch assembly reports lifecycle
// transitions to, for the operator HTTP surface's SubscribeAll stream.
// Declared at the consumer, same pattern as FeeEstimator and Ledger.
type Broadcaster interface {
	Emit(eventType string, data interface{})
}

type noopBroadcaster struct{}

func (noopBroadcaster) Emit(string, interface{}) {}

// Runner drives batch assembly for a set of payout queues under one of
// three trigger modes: Manual (caller invokes AssembleBatch directly,
// nothing to drive), Immediate (Notify debounces a burst of newly queued
// payouts into one assembly attempt), or IntervalSecs (a ticking
// background goroutine).
type Runner struct {
	db           *store.DB
	feeEstimator FeeEstimator
	ledger       Ledger
	debounce     time.Duration
	broadcaster  Broadcaster

	mu      sync.Mutex
	cancels map[primitives.PayoutQueueId]context.CancelFunc
	timers  map[primitives.PayoutQueueId]*time.Timer
}

// NewRunner builds a Runner with a 2-second debounce window for
// Immediate-triggered queues. Events go nowhere until SetBroadcaster is
// called.
func NewRunner(db *store.DB, feeEstimator FeeEstimator, ledger Ledger) *Runner {
	return &Runner{
		db:           db,
		feeEstimator: feeEstimator,
		ledger:       ledger,
		debounce:     2 * time.Second,
		broadcaster:  noopBroadcaster{},
		cancels:      make(map[primitives.PayoutQueueId]context.CancelFunc),
		timers:       make(map[primitives.PayoutQueueId]*time.Timer),
	}
}

// SetBroadcaster attaches the event hub a running daemon broadcasts batch
// assembly transitions through. Optional: a Runner built via NewRunner
// alone works fine for tests and for callers with no SSE surface.
func (r *Runner) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// StartDriver launches the background ticker for an Interval-triggered
// queue. Manual and Immediate queues have nothing to start eagerly — the
// former waits on an explicit AssembleBatch call, the latter only reacts to
// Notify. Returns an error if a driver is already running for queueID.
func (r *Runner) StartDriver(ctx context.Context, queueID primitives.PayoutQueueId, trigger primitives.Trigger) error {
	if trigger.Kind != primitives.TriggerInterval {
		return nil
	}

	r.mu.Lock()
	if _, running := r.cancels[queueID]; running {
		r.mu.Unlock()
		return fmt.Errorf("batch driver already running for queue %s", queueID)
	}
	driverCtx, cancel := context.WithCancel(ctx)
	r.cancels[queueID] = cancel
	r.mu.Unlock()

	go r.runInterval(driverCtx, queueID, time.Duration(trigger.IntervalSec)*time.Second)
	return nil
}

// StopDriver cancels a running Interval driver for queueID, if any.
func (r *Runner) StopDriver(queueID primitives.PayoutQueueId) {
	r.mu.Lock()
	cancel, ok := r.cancels[queueID]
	delete(r.cancels, queueID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// IsDriverRunning reports whether an Interval driver is currently running
// for queueID.
func (r *Runner) IsDriverRunning(queueID primitives.PayoutQueueId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[queueID]
	return ok
}

func (r *Runner) runInterval(ctx context.Context, queueID primitives.PayoutQueueId, interval time.Duration) {
	defer func() {
		r.mu.Lock()
		delete(r.cancels, queueID)
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAndLog(ctx, queueID)
		}
	}
}

// Notify should be called right after a payout commits against a queue
// with an Immediate trigger. Repeated calls within the debounce window
// collapse into a single assembly attempt, so a burst of payouts queued in
// quick succession lands in one batch rather than one each.
func (r *Runner) Notify(ctx context.Context, queueID primitives.PayoutQueueId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[queueID]; ok {
		t.Stop()
	}
	r.timers[queueID] = time.AfterFunc(r.debounce, func() {
		r.runAndLog(ctx, queueID)
	})
}

func (r *Runner) runAndLog(ctx context.Context, queueID primitives.PayoutQueueId) {
	batchID, err := r.AssembleBatch(ctx, queueID)
	if err != nil {
		if errors.Is(err, errs.ErrNothingToBatch) {
			return
		}
		slog.Error("batch assembly failed", "queue", queueID, "error", err)
		return
	}
	slog.Info("batch assembled", "queue", queueID, "batch", batchID)
	r.broadcaster.Emit("BATCH_CREATED", map[string]string{"queueId": queueID.String(), "batchId": batchID.String()})
}
