// Package utxo implements Component C: the persisted UTXO table and its
// lifecycle state machine. Unlike the wallet and payout entities, UTXOs are
// a closed finite state machine whose transitions are already the ledger's
// audit trail, so they are a plain row, not an event log (see design notes
// on event-sourced entities vs. rows).
package utxo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
)

// Status is the UTXO's lifecycle state. Every transition writes it to the
// status column together with the timestamp that marks the step; a scanned
// UTXO's Status is derived from which of those lifecycle timestamps are set.
type Status string

const (
	StatusNewDetected   Status = "NEW_DETECTED"
	StatusSettled       Status = "SETTLED"
	StatusReserved      Status = "RESERVED"
	StatusSpendDetected Status = "SPEND_DETECTED"
	StatusSpendSettled  Status = "SPEND_SETTLED"
)

// Ledger is the subset of Component H's posting engine a UTXO's lifecycle
// transitions need. Defined here, at the consumer, rather than imported from
// wherever the real engine lives — the same consumer-defined-interface shape
// batchjob.Ledger already uses for PostBatchCreated.
type Ledger interface {
	PostUTXODetected(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, outpoint string, amount primitives.Satoshis) (string, error)
	PostConfirmedUTXO(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, outpoint string, amount primitives.Satoshis) (string, error)
	PostSpendDetected(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, correlationID string, totalIn, fees, change primitives.Satoshis) (string, error)
	PostSpendSettled(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, correlationID string, totalIn, fees, change, spentChange primitives.Satoshis) (string, error)
}

// UTXO is one row of the utxos state table. Its natural key is OutPoint,
// not a surrogate id — two rows may never share one (invariant: no two
// batches, and no two detections, share an outpoint).
type UTXO struct {
	WalletID    primitives.WalletId
	KeychainID  primitives.KeychainId
	AddressID   primitives.AddressId
	OutPoint    primitives.OutPoint
	AmountSats  primitives.Satoshis
	ScriptHex   string
	Kind        primitives.KeychainKind
	BlockHeight *int64
	Status      Status

	// SelfPay marks a change output paid back to one of this core's own
	// addresses, detected as a side effect of a batch's own spend rather
	// than an externally observed deposit.
	SelfPay bool
	// SatsPerVbyteWhenCreated is the fee rate in effect when the
	// transaction that created this output was built, nil for UTXOs this
	// core never built the transaction for (ordinary external deposits).
	SatsPerVbyteWhenCreated *float64

	ReservedBatchID *primitives.BatchId
	SpendTxID       *string

	// The five ledger-tx ids are the proof a posting actually happened for
	// this UTXO at each lifecycle step — spec.md's auditability mechanism,
	// not derived state.
	UTXODetectedLedgerTxID  *string
	UTXOSettledLedgerTxID   *string
	SpendingLedgerTxID      *string
	SpendDetectedLedgerTxID *string
	SpendSettledLedgerTxID  *string

	DetectedAt      time.Time
	SettledAt       *time.Time
	ReservedAt      *time.Time
	SpendDetectedAt *time.Time
	SpendSettledAt  *time.Time
}

func deriveStatus(u *UTXO) Status {
	switch {
	case u.SpendSettledAt != nil:
		return StatusSpendSettled
	case u.SpendDetectedAt != nil:
		return StatusSpendDetected
	case u.ReservedAt != nil:
		return StatusReserved
	case u.SettledAt != nil:
		return StatusSettled
	default:
		return StatusNewDetected
	}
}

// DetectParams describes a newly observed output from the sync job.
type DetectParams struct {
	WalletID                primitives.WalletId
	AccountID               primitives.AccountId
	KeychainID              primitives.KeychainId
	AddressID               primitives.AddressId
	OutPoint                primitives.OutPoint
	AmountSats              primitives.Satoshis
	ScriptHex               string
	Kind                    primitives.KeychainKind
	SelfPay                 bool
	SatsPerVbyteWhenCreated *float64
}

// NewUTXODetected records a newly observed output and posts the
// corresponding UTXO_DETECTED ledger transaction. Idempotent on
// (tx_id, vout): a duplicate call returns the existing row with
// allocated=false and posts nothing new.
func NewUTXODetected(ctx context.Context, q store.Querier, ledger Ledger, p DetectParams) (u UTXO, allocated bool, err error) {
	existing, err := findByOutPoint(ctx, q, p.OutPoint)
	if err != nil {
		return UTXO{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	id := primitives.NewAddressId()
	_, err = q.ExecContext(ctx,
		`INSERT INTO utxos (id, wallet_id, keychain_id, address_id, tx_id, vout, amount_sats, script_pubkey, status, self_pay, sats_per_vbyte_when_created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idString(id), idString(p.WalletID), idString(p.KeychainID), idString(p.AddressID),
		p.OutPoint.TxID, p.OutPoint.Vout, int64(p.AmountSats), p.ScriptHex, string(StatusNewDetected),
		boolToInt(p.SelfPay), p.SatsPerVbyteWhenCreated,
	)
	if err != nil {
		return UTXO{}, false, errs.Wrap(errs.KindStorage, fmt.Errorf("insert utxo %s: %w", p.OutPoint, err))
	}

	ledgerTxID, err := ledger.PostUTXODetected(ctx, q, p.WalletID, p.AccountID, p.OutPoint.String(), p.AmountSats)
	if err != nil {
		return UTXO{}, false, err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE utxos SET utxo_detected_ledger_tx_id = ? WHERE tx_id = ? AND vout = ?`,
		ledgerTxID, p.OutPoint.TxID, p.OutPoint.Vout,
	); err != nil {
		return UTXO{}, false, errs.Wrap(errs.KindStorage, fmt.Errorf("record detected ledger tx for utxo %s: %w", p.OutPoint, err))
	}

	created, err := findByOutPoint(ctx, q, p.OutPoint)
	if err != nil {
		return UTXO{}, false, err
	}
	created.Kind = p.Kind
	return *created, true, nil
}

// SettleUTXO transitions NEW_DETECTED -> SETTLED once block_height satisfies
// the wallet's confirmation threshold (block_height <= currentChainHeight -
// markSettledAfterNConfs + 1), posting CONFIRMED_UTXO. Returns a
// KindValidation error wrapping ErrBlockHeightTooLow if the height
// requirement isn't met yet; no-op (allocated=false) if the UTXO is already
// settled.
func SettleUTXO(ctx context.Context, q store.Querier, ledger Ledger, accountID primitives.AccountId, outpoint primitives.OutPoint, blockHeight, currentChainHeight int64, markSettledAfterNConfs int) (u UTXO, allocated bool, err error) {
	existing, err := findByOutPoint(ctx, q, outpoint)
	if err != nil {
		return UTXO{}, false, err
	}
	if existing == nil {
		return UTXO{}, false, errs.Wrap(errs.KindNotFound, fmt.Errorf("settle utxo %s: not found", outpoint))
	}
	if existing.SettledAt != nil {
		return *existing, false, nil
	}
	if blockHeight > currentChainHeight-int64(markSettledAfterNConfs)+1 {
		return *existing, false, errs.Wrap(errs.KindValidation, fmt.Errorf("settle utxo %s: %w", outpoint, errs.ErrBlockHeightTooLow))
	}

	_, err = q.ExecContext(ctx,
		`UPDATE utxos SET block_height = ?, status = ?, settled_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		 WHERE tx_id = ? AND vout = ? AND settled_at IS NULL`,
		blockHeight, string(StatusSettled), outpoint.TxID, outpoint.Vout,
	)
	if err != nil {
		return UTXO{}, false, errs.Wrap(errs.KindStorage, fmt.Errorf("settle utxo %s: %w", outpoint, err))
	}

	ledgerTxID, err := ledger.PostConfirmedUTXO(ctx, q, existing.WalletID, accountID, outpoint.String(), existing.AmountSats)
	if err != nil {
		return UTXO{}, false, err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE utxos SET utxo_settled_ledger_tx_id = ? WHERE tx_id = ? AND vout = ?`,
		ledgerTxID, outpoint.TxID, outpoint.Vout,
	); err != nil {
		return UTXO{}, false, errs.Wrap(errs.KindStorage, fmt.Errorf("record settled ledger tx for utxo %s: %w", outpoint, err))
	}

	updated, err := findByOutPoint(ctx, q, outpoint)
	if err != nil {
		return UTXO{}, false, err
	}
	return *updated, true, nil
}

// IsReservable implements outpoints_bdk_should_not_select's complement: a
// UTXO is reservable unless it is already reserved, or it is an External
// (deposit) UTXO that hasn't settled yet. Internal (self-pay/change) UTXOs
// are reservable immediately.
func IsReservable(u UTXO) bool {
	if u.ReservedBatchID != nil {
		return false
	}
	if u.Kind == primitives.KeychainExternal && u.SettledAt == nil {
		return false
	}
	return true
}

// FindReservableUTXOs lists reservable UTXOs across walletIDs, restricted to
// the current keychain unless consolidateDeprecated is true, in which case
// deprecated keychains are included too.
func FindReservableUTXOs(ctx context.Context, q store.Querier, walletIDs []primitives.WalletId, consolidateDeprecated bool) ([]UTXO, error) {
	if len(walletIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(walletIDs))
	args := make([]any, 0, len(walletIDs)+1)
	for i, w := range walletIDs {
		placeholders[i] = "?"
		args = append(args, idString(w))
	}

	keychainFilter := `k.id = (SELECT k2.id FROM keychains k2 WHERE k2.wallet_id = u.wallet_id
		ORDER BY k2.deprecated ASC, k2.ordinal ASC LIMIT 1)`
	if consolidateDeprecated {
		keychainFilter = "1=1"
	}

	query := fmt.Sprintf(`
		SELECT u.id, u.wallet_id, u.keychain_id, u.address_id, u.tx_id, u.vout, u.amount_sats,
		       u.script_pubkey, u.block_height, u.reserved_batch_id, u.spend_tx_id,
		       u.self_pay, u.sats_per_vbyte_when_created,
		       u.utxo_detected_ledger_tx_id, u.utxo_settled_ledger_tx_id, u.spending_ledger_tx_id,
		       u.spend_detected_ledger_tx_id, u.spend_settled_ledger_tx_id,
		       u.detected_at, u.settled_at, u.reserved_at, u.spend_detected_at, u.spend_settled_at,
		       a.kind
		FROM utxos u
		JOIN keychains k ON k.id = u.keychain_id
		JOIN addresses a ON a.id = u.address_id
		WHERE u.wallet_id IN (%s) AND u.reserved_batch_id IS NULL AND %s
		ORDER BY u.detected_at ASC`,
		strings.Join(placeholders, ","), keychainFilter,
	)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("find reservable utxos: %w", err))
	}
	defer rows.Close()

	var out []UTXO
	for rows.Next() {
		u, err := scanUTXO(rows)
		if err != nil {
			return nil, err
		}
		if IsReservable(u) {
			out = append(out, u)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("iterate reservable utxos: %w", err))
	}
	return out, nil
}

// ListByWallet lists every UTXO a wallet owns regardless of lifecycle
// status, most recently detected first — the read-only view the operator
// HTTP surface's ListUtxos exposes.
func ListByWallet(ctx context.Context, q store.Querier, walletID primitives.WalletId) ([]UTXO, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT u.id, u.wallet_id, u.keychain_id, u.address_id, u.tx_id, u.vout, u.amount_sats,
		        u.script_pubkey, u.block_height, u.reserved_batch_id, u.spend_tx_id,
		        u.self_pay, u.sats_per_vbyte_when_created,
		        u.utxo_detected_ledger_tx_id, u.utxo_settled_ledger_tx_id, u.spending_ledger_tx_id,
		        u.spend_detected_ledger_tx_id, u.spend_settled_ledger_tx_id,
		        u.detected_at, u.settled_at, u.reserved_at, u.spend_detected_at, u.spend_settled_at,
		        a.kind
		 FROM utxos u JOIN addresses a ON a.id = u.address_id
		 WHERE u.wallet_id = ?
		 ORDER BY u.detected_at DESC`,
		idString(walletID),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("list utxos for wallet %s: %w", walletID, err))
	}
	defer rows.Close()

	var out []UTXO
	for rows.Next() {
		u, err := scanUTXO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("iterate utxos for wallet %s: %w", walletID, err))
	}
	return out, nil
}

// BalanceSummary is the sum of a wallet's UTXOs by lifecycle status, the
// read-only aggregate the operator HTTP surface's GetWalletBalanceSummary
// exposes.
type BalanceSummary struct {
	WalletID     primitives.WalletId
	PendingSats  primitives.Satoshis // NEW_DETECTED
	SettledSats  primitives.Satoshis // SETTLED, unreserved
	ReservedSats primitives.Satoshis // RESERVED or SPEND_DETECTED
	SpentSats    primitives.Satoshis // SPEND_SETTLED
}

// GetBalanceSummary aggregates a wallet's UTXOs into BalanceSummary.
func GetBalanceSummary(ctx context.Context, q store.Querier, walletID primitives.WalletId) (BalanceSummary, error) {
	utxos, err := ListByWallet(ctx, q, walletID)
	if err != nil {
		return BalanceSummary{}, err
	}
	summary := BalanceSummary{WalletID: walletID}
	for _, u := range utxos {
		switch u.Status {
		case StatusNewDetected:
			summary.PendingSats += u.AmountSats
		case StatusSettled:
			summary.SettledSats += u.AmountSats
		case StatusReserved, StatusSpendDetected:
			summary.ReservedSats += u.AmountSats
		case StatusSpendSettled:
			summary.SpentSats += u.AmountSats
		}
	}
	return summary, nil
}

// ReserveUTXOsInBatch atomically marks every outpoint as reserved to
// batchID, or fails the whole set if any outpoint is already reserved —
// testable property #5 (no two batches share an outpoint).
func ReserveUTXOsInBatch(ctx context.Context, q store.Querier, batchID primitives.BatchId, outpoints []primitives.OutPoint) error {
	for _, op := range outpoints {
		res, err := q.ExecContext(ctx,
			`UPDATE utxos SET reserved_batch_id = ?, status = ?, reserved_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			 WHERE tx_id = ? AND vout = ? AND reserved_batch_id IS NULL`,
			idString(batchID), string(StatusReserved), op.TxID, op.Vout,
		)
		if err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("reserve utxo %s: %w", op, err))
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Wrap(errs.KindConflict, fmt.Errorf("reserve utxo %s: %w", op, errs.ErrUTXOAlreadyReserved))
		}
	}
	return nil
}

// RecordSpendingLedgerTxID stamps the CREATE_BATCH ledger-tx id a batch
// assembly posted for one wallet onto every outpoint of that wallet's it
// just reserved — the per-UTXO mirror of batch_wallet_summaries'
// batch_created_ledger_tx_id, called right after
// batchjob.Ledger.PostBatchCreated returns.
func RecordSpendingLedgerTxID(ctx context.Context, q store.Querier, outpoints []primitives.OutPoint, ledgerTxID string) error {
	for _, op := range outpoints {
		if _, err := q.ExecContext(ctx,
			`UPDATE utxos SET spending_ledger_tx_id = ? WHERE tx_id = ? AND vout = ?`,
			ledgerTxID, op.TxID, op.Vout,
		); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("record spending ledger tx for utxo %s: %w", op, err))
		}
	}
	return nil
}

// SpendDetected marks every UTXO reserved to batchID as spend-detected once
// the broadcast transaction txID is observed leaving the mempool/UTXO set,
// and posts one SPEND_DETECTED transaction per wallet participating in the
// batch (the same per-wallet grouping CREATE_BATCH used).
func SpendDetected(ctx context.Context, q store.Querier, ledger Ledger, batchID primitives.BatchId, txID string) error {
	rows, err := q.QueryContext(ctx,
		`SELECT bws.wallet_id, bws.input_sats, bws.fee_sats, bws.change_sats, w.account_id
		 FROM batch_wallet_summaries bws JOIN wallets w ON w.id = bws.wallet_id
		 WHERE bws.batch_id = ?`,
		idString(batchID),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("load batch wallet summaries for %s: %w", batchID, err))
	}
	type walletTotals struct {
		walletID  primitives.WalletId
		accountID primitives.AccountId
		inputSats, feeSats, changeSats int64
	}
	var totals []walletTotals
	for rows.Next() {
		var walletIDStr, accountIDStr string
		var inputSats, feeSats, changeSats int64
		if err := rows.Scan(&walletIDStr, &inputSats, &feeSats, &changeSats, &accountIDStr); err != nil {
			rows.Close()
			return errs.Wrap(errs.KindStorage, fmt.Errorf("scan batch wallet summary row: %w", err))
		}
		walletID, err := primitives.ParseWalletId(walletIDStr)
		if err != nil {
			continue
		}
		accountID, err := primitives.ParseAccountId(accountIDStr)
		if err != nil {
			continue
		}
		totals = append(totals, walletTotals{walletID, accountID, inputSats, feeSats, changeSats})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errs.Wrap(errs.KindStorage, fmt.Errorf("iterate batch wallet summaries for %s: %w", batchID, err))
	}
	rows.Close()

	for _, wt := range totals {
		correlationID := fmt.Sprintf("%s:%s", batchID, wt.walletID)
		ledgerTxID, err := ledger.PostSpendDetected(ctx, q, wt.walletID, wt.accountID, correlationID,
			primitives.Satoshis(wt.inputSats), primitives.Satoshis(wt.feeSats), primitives.Satoshis(wt.changeSats))
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE utxos SET spend_tx_id = ?, status = ?, spend_detected_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'), spend_detected_ledger_tx_id = ?
			 WHERE reserved_batch_id = ? AND wallet_id = ? AND spend_detected_at IS NULL`,
			txID, string(StatusSpendDetected), ledgerTxID, idString(batchID), idString(wt.walletID),
		); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("spend detected for batch %s wallet %s: %w", batchID, wt.walletID, err))
		}
	}
	return nil
}

// SpendSettled marks the whole batch's reserved UTXOs as spend-settled past
// the settlement threshold and posts one SPEND_SETTLED transaction per
// wallet, correlated on that wallet's own spend_detected_ledger_tx_id so a
// repeated settlement observation never double-posts. The caller must
// already have called SpendDetected for this batch.
func SpendSettled(ctx context.Context, q store.Querier, ledger Ledger, batchID primitives.BatchId) error {
	rows, err := q.QueryContext(ctx,
		`SELECT bws.wallet_id, bws.input_sats, bws.fee_sats, bws.change_sats, w.account_id
		 FROM batch_wallet_summaries bws JOIN wallets w ON w.id = bws.wallet_id
		 WHERE bws.batch_id = ?`,
		idString(batchID),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("load batch wallet summaries for %s: %w", batchID, err))
	}
	type walletTotals struct {
		walletID                       primitives.WalletId
		accountID                      primitives.AccountId
		inputSats, feeSats, changeSats int64
	}
	var totals []walletTotals
	for rows.Next() {
		var walletIDStr, accountIDStr string
		var inputSats, feeSats, changeSats int64
		if err := rows.Scan(&walletIDStr, &inputSats, &feeSats, &changeSats, &accountIDStr); err != nil {
			rows.Close()
			return errs.Wrap(errs.KindStorage, fmt.Errorf("scan batch wallet summary row: %w", err))
		}
		walletID, err := primitives.ParseWalletId(walletIDStr)
		if err != nil {
			continue
		}
		accountID, err := primitives.ParseAccountId(accountIDStr)
		if err != nil {
			continue
		}
		totals = append(totals, walletTotals{walletID, accountID, inputSats, feeSats, changeSats})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errs.Wrap(errs.KindStorage, fmt.Errorf("iterate batch wallet summaries for %s: %w", batchID, err))
	}
	rows.Close()

	for _, wt := range totals {
		var spendDetectedTxID sql.NullString
		if err := q.QueryRowContext(ctx,
			`SELECT spend_detected_ledger_tx_id FROM utxos
			 WHERE reserved_batch_id = ? AND wallet_id = ? AND spend_detected_ledger_tx_id IS NOT NULL LIMIT 1`,
			idString(batchID), idString(wt.walletID),
		).Scan(&spendDetectedTxID); err != nil && err != sql.ErrNoRows {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("load spend-detected tx for batch %s wallet %s: %w", batchID, wt.walletID, err))
		}
		if !spendDetectedTxID.Valid {
			return errs.Wrap(errs.KindInternal, fmt.Errorf("spend settled for batch %s wallet %s: spend not yet detected", batchID, wt.walletID))
		}

		var spentChange int64
		if err := q.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(u.amount_sats), 0) FROM utxos u JOIN addresses a ON a.id = u.address_id
			 WHERE u.reserved_batch_id = ? AND u.wallet_id = ? AND a.kind = ?`,
			idString(batchID), idString(wt.walletID), string(primitives.KeychainInternal),
		).Scan(&spentChange); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("sum spent change for batch %s wallet %s: %w", batchID, wt.walletID, err))
		}

		ledgerTxID, err := ledger.PostSpendSettled(ctx, q, wt.walletID, wt.accountID, spendDetectedTxID.String,
			primitives.Satoshis(wt.inputSats), primitives.Satoshis(wt.feeSats), primitives.Satoshis(wt.changeSats), primitives.Satoshis(spentChange))
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE utxos SET status = ?, spend_settled_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'), spend_settled_ledger_tx_id = ?
			 WHERE reserved_batch_id = ? AND wallet_id = ? AND spend_settled_at IS NULL`,
			string(StatusSpendSettled), ledgerTxID, idString(batchID), idString(wt.walletID),
		); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("spend settled for batch %s wallet %s: %w", batchID, wt.walletID, err))
		}
	}
	return nil
}

func findByOutPoint(ctx context.Context, q store.Querier, outpoint primitives.OutPoint) (*UTXO, error) {
	row := q.QueryRowContext(ctx,
		`SELECT u.id, u.wallet_id, u.keychain_id, u.address_id, u.tx_id, u.vout, u.amount_sats,
		        u.script_pubkey, u.block_height, u.reserved_batch_id, u.spend_tx_id,
		        u.self_pay, u.sats_per_vbyte_when_created,
		        u.utxo_detected_ledger_tx_id, u.utxo_settled_ledger_tx_id, u.spending_ledger_tx_id,
		        u.spend_detected_ledger_tx_id, u.spend_settled_ledger_tx_id,
		        u.detected_at, u.settled_at, u.reserved_at, u.spend_detected_at, u.spend_settled_at,
		        a.kind
		 FROM utxos u JOIN addresses a ON a.id = u.address_id
		 WHERE u.tx_id = ? AND u.vout = ?`,
		outpoint.TxID, outpoint.Vout,
	)
	u, err := scanUTXORow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("find utxo %s: %w", outpoint, err))
	}
	return &u, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanUTXORow(row scannable) (UTXO, error) {
	return scanCommon(row)
}

func scanUTXO(rows *sql.Rows) (UTXO, error) {
	return scanCommon(rows)
}

func scanCommon(row scannable) (UTXO, error) {
	var u UTXO
	var id, walletID, keychainID, addressID string
	var reservedBatchID, spendTxID sql.NullString
	var blockHeight sql.NullInt64
	var selfPay int64
	var satsPerVbyte sql.NullFloat64
	var detectedLedgerTxID, settledLedgerTxID, spendingLedgerTxID, spendDetectedLedgerTxID, spendSettledLedgerTxID sql.NullString
	var detectedAt string
	var settledAt, reservedAt, spendDetectedAt, spendSettledAt sql.NullString
	var kind string

	if err := row.Scan(
		&id, &walletID, &keychainID, &addressID, &u.OutPoint.TxID, &u.OutPoint.Vout, &u.AmountSats,
		&u.ScriptHex, &blockHeight, &reservedBatchID, &spendTxID,
		&selfPay, &satsPerVbyte,
		&detectedLedgerTxID, &settledLedgerTxID, &spendingLedgerTxID, &spendDetectedLedgerTxID, &spendSettledLedgerTxID,
		&detectedAt, &settledAt, &reservedAt, &spendDetectedAt, &spendSettledAt,
		&kind,
	); err != nil {
		return UTXO{}, err
	}

	if wid, err := primitives.ParseWalletId(walletID); err == nil {
		u.WalletID = wid
	}
	if kid, err := primitives.ParseKeychainId(keychainID); err == nil {
		u.KeychainID = kid
	}
	if aid, err := primitives.ParseAddressId(addressID); err == nil {
		u.AddressID = aid
	}
	u.Kind = primitives.KeychainKind(kind)
	u.SelfPay = selfPay != 0
	if satsPerVbyte.Valid {
		v := satsPerVbyte.Float64
		u.SatsPerVbyteWhenCreated = &v
	}

	if blockHeight.Valid {
		h := blockHeight.Int64
		u.BlockHeight = &h
	}
	if reservedBatchID.Valid {
		if bid, err := primitives.ParseBatchId(reservedBatchID.String); err == nil {
			u.ReservedBatchID = &bid
		}
	}
	if spendTxID.Valid {
		s := spendTxID.String
		u.SpendTxID = &s
	}
	u.UTXODetectedLedgerTxID = nullableString(detectedLedgerTxID)
	u.UTXOSettledLedgerTxID = nullableString(settledLedgerTxID)
	u.SpendingLedgerTxID = nullableString(spendingLedgerTxID)
	u.SpendDetectedLedgerTxID = nullableString(spendDetectedLedgerTxID)
	u.SpendSettledLedgerTxID = nullableString(spendSettledLedgerTxID)

	u.DetectedAt = parseTimestamp(detectedAt)
	u.SettledAt = parseTimestampPtr(settledAt)
	u.ReservedAt = parseTimestampPtr(reservedAt)
	u.SpendDetectedAt = parseTimestampPtr(spendDetectedAt)
	u.SpendSettledAt = parseTimestampPtr(spendSettledAt)
	u.Status = deriveStatus(&u)

	return u, nil
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05.999Z", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimestampPtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTimestamp(s.String)
	return &t
}

func idString(v fmt.Stringer) string {
	return v.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
