// Package payout implements Component E: payout queue configuration and the
// queued-payout list a batch assembly job (Component G) drains.
package payout

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/eventlog"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
)

// Ledger is the subset of Component H's posting engine a payout's lifecycle
// needs: encumber funds when it's queued, release the encumbrance if it's
// cancelled before batching. Defined here, at the consumer, mirroring
// batchjob.Ledger's and utxo.Ledger's shape.
type Ledger interface {
	PostQueuedPayout(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, payoutID primitives.PayoutId, amount primitives.Satoshis) (string, error)
	PostPayoutCancelled(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, payoutID primitives.PayoutId, amount primitives.Satoshis) (string, error)
}

// Status is a queued payout's lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusBatched   Status = "BATCHED"
	StatusSigned    Status = "SIGNED"
	StatusBroadcast Status = "BROADCAST"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// Queue holds a payout queue's batch-assembly configuration.
type Queue struct {
	ID                            primitives.PayoutQueueId
	AccountID                     primitives.AccountId
	Name                          string
	TxPriority                    primitives.TxPriority
	ConsolidateDeprecatedKeychains bool
	Trigger                       primitives.Trigger
}

// CreatePayoutQueue inserts a new payout queue configuration row. Queues
// are not event-sourced — their config is replaced wholesale, not
// append-only audited, matching how the teacher treats settings rows.
func CreatePayoutQueue(ctx context.Context, q store.Querier, accountID primitives.AccountId, name string, priority primitives.TxPriority, consolidateDeprecated bool, trigger primitives.Trigger) (Queue, error) {
	id := primitives.NewPayoutQueueId()
	var intervalSec sql.NullInt64
	if trigger.Kind == primitives.TriggerInterval {
		intervalSec = sql.NullInt64{Int64: trigger.IntervalSec, Valid: true}
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO payout_queues (id, account_id, name, tx_priority, consolidate_deprecated_keychains, trigger_kind, trigger_interval_sec)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), accountID.String(), name, string(priority), boolToInt(consolidateDeprecated), string(trigger.Kind), intervalSec,
	)
	if err != nil {
		return Queue{}, errs.Wrap(errs.KindStorage, fmt.Errorf("create payout queue %q: %w", name, err))
	}

	return Queue{
		ID: id, AccountID: accountID, Name: name, TxPriority: priority,
		ConsolidateDeprecatedKeychains: consolidateDeprecated, Trigger: trigger,
	}, nil
}

// GetPayoutQueue loads one payout queue by id.
func GetPayoutQueue(ctx context.Context, q store.Querier, id primitives.PayoutQueueId) (Queue, error) {
	row := q.QueryRowContext(ctx,
		`SELECT account_id, name, tx_priority, consolidate_deprecated_keychains, trigger_kind, trigger_interval_sec
		 FROM payout_queues WHERE id = ?`,
		id.String(),
	)
	return scanQueue(row, id)
}

// ListPayoutQueues lists every payout queue for an account.
func ListPayoutQueues(ctx context.Context, q store.Querier, accountID primitives.AccountId) ([]Queue, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, account_id, name, tx_priority, consolidate_deprecated_keychains, trigger_kind, trigger_interval_sec
		 FROM payout_queues WHERE account_id = ? ORDER BY name ASC`,
		accountID.String(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("list payout queues for account %s: %w", accountID, err))
	}
	defer rows.Close()

	var out []Queue
	for rows.Next() {
		var idStr string
		var accStr, name, priority, triggerKind string
		var consolidate int
		var intervalSec sql.NullInt64
		if err := rows.Scan(&idStr, &accStr, &name, &priority, &consolidate, &triggerKind, &intervalSec); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan payout queue row: %w", err))
		}
		id, err := primitives.ParsePayoutQueueId(idStr)
		if err != nil {
			continue
		}
		acc, err := primitives.ParseAccountId(accStr)
		if err != nil {
			continue
		}
		out = append(out, Queue{
			ID: id, AccountID: acc, Name: name, TxPriority: primitives.TxPriority(priority),
			ConsolidateDeprecatedKeychains: consolidate != 0,
			Trigger:                        triggerFrom(triggerKind, intervalSec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("iterate payout queues: %w", err))
	}
	return out, nil
}

// ListAllQueues lists every payout queue across every account, for the
// daemon's startup pass that resumes an Interval trigger's background
// driver.
func ListAllQueues(ctx context.Context, q store.Querier) ([]Queue, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, account_id, name, tx_priority, consolidate_deprecated_keychains, trigger_kind, trigger_interval_sec
		 FROM payout_queues ORDER BY name ASC`,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("list all payout queues: %w", err))
	}
	defer rows.Close()

	var out []Queue
	for rows.Next() {
		var idStr string
		var accStr, name, priority, triggerKind string
		var consolidate int
		var intervalSec sql.NullInt64
		if err := rows.Scan(&idStr, &accStr, &name, &priority, &consolidate, &triggerKind, &intervalSec); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan payout queue row: %w", err))
		}
		id, err := primitives.ParsePayoutQueueId(idStr)
		if err != nil {
			continue
		}
		acc, err := primitives.ParseAccountId(accStr)
		if err != nil {
			continue
		}
		out = append(out, Queue{
			ID: id, AccountID: acc, Name: name, TxPriority: primitives.TxPriority(priority),
			ConsolidateDeprecatedKeychains: consolidate != 0,
			Trigger:                        triggerFrom(triggerKind, intervalSec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("iterate all payout queues: %w", err))
	}
	return out, nil
}

func scanQueue(row *sql.Row, id primitives.PayoutQueueId) (Queue, error) {
	var accStr, name, priority, triggerKind string
	var consolidate int
	var intervalSec sql.NullInt64
	if err := row.Scan(&accStr, &name, &priority, &consolidate, &triggerKind, &intervalSec); err != nil {
		if err == sql.ErrNoRows {
			return Queue{}, errs.Wrap(errs.KindNotFound, fmt.Errorf("payout queue %s not found", id))
		}
		return Queue{}, errs.Wrap(errs.KindStorage, fmt.Errorf("load payout queue %s: %w", id, err))
	}
	acc, err := primitives.ParseAccountId(accStr)
	if err != nil {
		return Queue{}, errs.Wrap(errs.KindInternal, fmt.Errorf("parse account id for queue %s: %w", id, err))
	}
	return Queue{
		ID: id, AccountID: acc, Name: name, TxPriority: primitives.TxPriority(priority),
		ConsolidateDeprecatedKeychains: consolidate != 0,
		Trigger:                        triggerFrom(triggerKind, intervalSec),
	}, nil
}

func triggerFrom(kind string, intervalSec sql.NullInt64) primitives.Trigger {
	switch primitives.TriggerKind(kind) {
	case primitives.TriggerImmediate:
		return primitives.ImmediateTrigger()
	case primitives.TriggerInterval:
		return primitives.IntervalTrigger(intervalSec.Int64)
	default:
		return primitives.ManualTrigger()
	}
}

// Payout is one queued withdrawal request. It is event-sourced per spec
// §4.5: PAYOUT_QUEUED records intent, PAYOUT_STATUS_CHANGED records every
// later lifecycle step (batching included) a compliance review might need
// to audit.
type Payout struct {
	ID            primitives.PayoutId
	PayoutQueueID primitives.PayoutQueueId
	AccountID     primitives.AccountId
	WalletID      primitives.WalletId
	Destination   primitives.PayoutDestination
	AmountSats    primitives.Satoshis
	Status        Status
	BatchID       *primitives.BatchId
	ExternalID    *string
}

const (
	eventPayoutQueued        = "PAYOUT_QUEUED"
	eventPayoutStatusChanged = "PAYOUT_STATUS_CHANGED"
)

type payoutQueuedPayload struct {
	PayoutQueueID string
	WalletID      string
	Destination   string
	AmountSats    int64
	ExternalID    string
}

type payoutStatusChangedPayload struct {
	Status  string
	BatchID string
}

// QueuePayout validates and records a new payout request against a queue,
// then posts the QUEUED_PAYOUT transaction that encumbers the wallet's
// funds for it.
func QueuePayout(ctx context.Context, q store.Querier, ledger Ledger, queueID primitives.PayoutQueueId, accountID primitives.AccountId, walletID primitives.WalletId, destination primitives.PayoutDestination, amountSats primitives.Satoshis, externalID string) (Payout, error) {
	if amountSats <= 0 {
		return Payout{}, errs.Wrap(errs.KindValidation, fmt.Errorf("payout amount must be positive, got %d", amountSats))
	}

	id := primitives.NewPayoutId()
	if err := eventlog.Append(ctx, q, id.String(), "payout", 1, eventPayoutQueued, payoutQueuedPayload{
		PayoutQueueID: queueID.String(), WalletID: walletID.String(),
		Destination: destination.Address, AmountSats: int64(amountSats), ExternalID: externalID,
	}); err != nil {
		return Payout{}, err
	}

	var externalIDCol sql.NullString
	if externalID != "" {
		externalIDCol = sql.NullString{String: externalID, Valid: true}
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO payouts (id, payout_queue_id, account_id, wallet_id, destination_kind, destination_addr, amount_sats, status, external_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), queueID.String(), accountID.String(), walletID.String(), string(destination.Kind), destination.Address,
		int64(amountSats), string(StatusQueued), externalIDCol,
	); err != nil {
		return Payout{}, errs.Wrap(errs.KindStorage, fmt.Errorf("queue payout: %w", err))
	}

	if _, err := ledger.PostQueuedPayout(ctx, q, walletID, accountID, id, amountSats); err != nil {
		return Payout{}, err
	}

	return Payout{
		ID: id, PayoutQueueID: queueID, AccountID: accountID, WalletID: walletID, Destination: destination,
		AmountSats: amountSats, Status: StatusQueued,
	}, nil
}

// MarkBatched transitions a set of queued payouts to BATCHED, attaching
// batchID, inside the caller's reservation transaction.
func MarkBatched(ctx context.Context, q store.Querier, batchID primitives.BatchId, payoutIDs []primitives.PayoutId) error {
	for _, pid := range payoutIDs {
		if err := recordStatusChange(ctx, q, pid, StatusBatched, &batchID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE payouts SET status = ?, batch_id = ? WHERE id = ? AND status = ?`,
			string(StatusBatched), batchID.String(), pid.String(), string(StatusQueued),
		); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("mark payout %s batched: %w", pid, err))
		}
	}
	return nil
}

// SetStatus transitions a single payout to a terminal or intermediate
// status (SIGNED, BROADCAST, CONFIRMED, CANCELLED). Cancelling posts
// PAYOUT_CANCELLED, reversing the encumbrance QueuePayout posted.
func SetStatus(ctx context.Context, q store.Querier, ledger Ledger, payoutID primitives.PayoutId, status Status) error {
	if err := recordStatusChange(ctx, q, payoutID, status, nil); err != nil {
		return err
	}

	if status == StatusCancelled {
		var walletIDStr, accountIDStr string
		var amountSats int64
		row := q.QueryRowContext(ctx, `SELECT wallet_id, account_id, amount_sats FROM payouts WHERE id = ?`, payoutID.String())
		if err := row.Scan(&walletIDStr, &accountIDStr, &amountSats); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("load payout %s for cancellation: %w", payoutID, err))
		}
		walletID, err := primitives.ParseWalletId(walletIDStr)
		if err != nil {
			return errs.Wrap(errs.KindInternal, fmt.Errorf("parse wallet id for payout %s: %w", payoutID, err))
		}
		accountID, err := primitives.ParseAccountId(accountIDStr)
		if err != nil {
			return errs.Wrap(errs.KindInternal, fmt.Errorf("parse account id for payout %s: %w", payoutID, err))
		}
		if _, err := ledger.PostPayoutCancelled(ctx, q, walletID, accountID, payoutID, primitives.Satoshis(amountSats)); err != nil {
			return err
		}
	}

	_, err := q.ExecContext(ctx, `UPDATE payouts SET status = ? WHERE id = ?`, string(status), payoutID.String())
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("set payout %s status %s: %w", payoutID, status, err))
	}
	return nil
}

func recordStatusChange(ctx context.Context, q store.Querier, payoutID primitives.PayoutId, status Status, batchID *primitives.BatchId) error {
	var count int
	row := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE entity_id = ?`, payoutID.String())
	if err := row.Scan(&count); err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("count events for payout %s: %w", payoutID, err))
	}
	payload := payoutStatusChangedPayload{Status: string(status)}
	if batchID != nil {
		payload.BatchID = batchID.String()
	}
	return eventlog.Append(ctx, q, payoutID.String(), "payout", count+1, eventPayoutStatusChanged, payload)
}

// ListQueuedPayouts returns every QUEUED payout on a queue, oldest first —
// the order a batch assembly job should take them in.
func ListQueuedPayouts(ctx context.Context, q store.Querier, queueID primitives.PayoutQueueId) ([]Payout, error) {
	return listPayoutsByStatus(ctx, q, queueID, StatusQueued)
}

// ListPayouts lists every payout on a queue regardless of status.
func ListPayouts(ctx context.Context, q store.Querier, queueID primitives.PayoutQueueId) ([]Payout, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, wallet_id, account_id, destination_kind, destination_addr, amount_sats, status, batch_id, external_id
		 FROM payouts WHERE payout_queue_id = ? ORDER BY created_at ASC`,
		queueID.String(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("list payouts for queue %s: %w", queueID, err))
	}
	defer rows.Close()
	return scanPayouts(rows, queueID)
}

func listPayoutsByStatus(ctx context.Context, q store.Querier, queueID primitives.PayoutQueueId, status Status) ([]Payout, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, wallet_id, account_id, destination_kind, destination_addr, amount_sats, status, batch_id, external_id
		 FROM payouts WHERE payout_queue_id = ? AND status = ? ORDER BY created_at ASC`,
		queueID.String(), string(status),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("list %s payouts for queue %s: %w", status, queueID, err))
	}
	defer rows.Close()
	return scanPayouts(rows, queueID)
}

func scanPayouts(rows *sql.Rows, queueID primitives.PayoutQueueId) ([]Payout, error) {
	var out []Payout
	for rows.Next() {
		var idStr, walletIDStr, destKind, destAddr, status string
		var accountIDStr sql.NullString
		var amountSats int64
		var batchIDStr, externalID sql.NullString
		if err := rows.Scan(&idStr, &walletIDStr, &accountIDStr, &destKind, &destAddr, &amountSats, &status, &batchIDStr, &externalID); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan payout row: %w", err))
		}
		id, err := primitives.ParsePayoutId(idStr)
		if err != nil {
			continue
		}
		walletID, err := primitives.ParseWalletId(walletIDStr)
		if err != nil {
			continue
		}
		p := Payout{
			ID: id, PayoutQueueID: queueID, WalletID: walletID,
			Destination: primitives.PayoutDestination{Kind: primitives.PayoutDestinationKind(destKind), Address: destAddr},
			AmountSats:  primitives.Satoshis(amountSats),
			Status:      Status(status),
		}
		if accountIDStr.Valid {
			if aid, err := primitives.ParseAccountId(accountIDStr.String); err == nil {
				p.AccountID = aid
			}
		}
		if batchIDStr.Valid {
			if bid, err := primitives.ParseBatchId(batchIDStr.String); err == nil {
				p.BatchID = &bid
			}
		}
		if externalID.Valid {
			s := externalID.String
			p.ExternalID = &s
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("iterate payouts: %w", err))
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
