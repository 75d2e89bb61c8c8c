package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/psbt"
	"github.com/briacore/custody/internal/store"
	"github.com/briacore/custody/internal/walletmodel"
)

// Engine posts business events against a Registry's templates. Every Post
// call runs inside the caller's transaction (a store.Querier, not a *DB), so
// a ledger posting commits or rolls back atomically with whatever state
// change it is recording.
type Engine struct {
	registry *Registry
}

func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

// Post binds params against the named template's entries, numerically
// re-verifies the balance invariant (defense in depth beyond Define's
// symbolic proof, since a caller-supplied param set is the one thing the
// registry cannot see in advance), and writes ledger_transactions,
// ledger_entries, and ledger_balances rows. If a transaction already exists
// for (code, correlationID), its id is returned unchanged and nothing new
// is written — the idempotent-replay path spec.md requires.
func (e *Engine) Post(
	ctx context.Context,
	q store.Querier,
	code, correlationID string,
	wallet, omnibus walletmodel.LedgerAccounts,
	params ParamSet,
	metadata any,
) (primitives.LedgerTransactionId, error) {
	tmpl, ok := e.registry.Lookup(code)
	if !ok {
		return primitives.LedgerTransactionId{}, errs.Wrap(errs.KindInternal, fmt.Errorf("ledger: no template registered for code %q", code))
	}

	type boundEntry struct {
		account string
		dir     primitives.Direction
		layer   primitives.Layer
		amount  primitives.Satoshis
	}
	bound := make([]boundEntry, 0, len(tmpl.Entries))
	sums := map[balanceKey]int64{}
	for _, spec := range tmpl.Entries {
		amount := spec.Units.Evaluate(params)
		account := resolveAccountRef(spec.Account, wallet, omnibus)
		bound = append(bound, boundEntry{account: account, dir: spec.Direction, layer: spec.Layer, amount: amount})

		key := balanceKey{currency: spec.Currency, layer: spec.Layer}
		if spec.Direction == primitives.Debit {
			sums[key] += int64(amount)
		} else {
			sums[key] -= int64(amount)
		}
	}
	for _, net := range sums {
		if net != 0 {
			return primitives.LedgerTransactionId{}, errs.Wrap(errs.KindLedger, fmt.Errorf("post %s correlation %s: %w", code, correlationID, errs.ErrPostingNotBalanced))
		}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return primitives.LedgerTransactionId{}, errs.Wrap(errs.KindInternal, fmt.Errorf("marshal metadata for %s: %w", code, err))
	}

	txID := primitives.NewLedgerTransactionId()
	_, err = q.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id, template_code, correlation_id, metadata) VALUES (?, ?, ?, ?)`,
		txID.String(), code, correlationID, metaJSON,
	)
	if isUniqueConstraintErr(err) {
		existing, lookupErr := e.findTransactionID(ctx, q, code, correlationID)
		if lookupErr != nil {
			return primitives.LedgerTransactionId{}, lookupErr
		}
		return existing, nil
	}
	if err != nil {
		return primitives.LedgerTransactionId{}, errs.Wrap(errs.KindStorage, fmt.Errorf("insert ledger transaction for %s: %w", code, err))
	}

	for _, be := range bound {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO ledger_entries (transaction_id, account_name, currency, layer, direction, amount_sats) VALUES (?, ?, ?, ?, ?, ?)`,
			txID.String(), be.account, string(primitives.BTC), string(be.layer), string(be.dir), int64(be.amount),
		); err != nil {
			return primitives.LedgerTransactionId{}, errs.Wrap(errs.KindStorage, fmt.Errorf("insert ledger entry for %s: %w", code, err))
		}

		delta := int64(be.amount)
		if be.dir == primitives.Credit {
			delta = -delta
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO ledger_balances (account_name, currency, layer, balance_sats) VALUES (?, ?, ?, ?)
			 ON CONFLICT(account_name, currency, layer) DO UPDATE SET balance_sats = balance_sats + excluded.balance_sats`,
			be.account, string(primitives.BTC), string(be.layer), delta,
		); err != nil {
			return primitives.LedgerTransactionId{}, errs.Wrap(errs.KindStorage, fmt.Errorf("update ledger balance for %s: %w", code, err))
		}
	}

	return txID, nil
}

func (e *Engine) findTransactionID(ctx context.Context, q store.Querier, code, correlationID string) (primitives.LedgerTransactionId, error) {
	var idStr string
	row := q.QueryRowContext(ctx,
		`SELECT id FROM ledger_transactions WHERE template_code = ? AND correlation_id = ?`,
		code, correlationID,
	)
	if err := row.Scan(&idStr); err != nil {
		return primitives.LedgerTransactionId{}, errs.Wrap(errs.KindStorage, fmt.Errorf("load existing transaction for %s/%s: %w", code, correlationID, err))
	}
	return primitives.ParseLedgerTransactionId(idStr)
}

// PostBatchCreated satisfies batchjob.Ledger: one CREATE_BATCH posting per
// wallet participating in a batch, correlated on (batchID, walletID) so a
// retried AssembleBatch call never double-posts.
func (e *Engine) PostBatchCreated(ctx context.Context, q store.Querier, walletID primitives.WalletId, batchID primitives.BatchId, summary psbt.WalletSummary) (string, error) {
	w, err := walletmodel.GetWallet(ctx, q, walletID)
	if err != nil {
		return "", err
	}
	wallet := walletmodel.WalletLedgerAccounts(walletID)
	omnibus := walletmodel.AccountOmnibusLedgerAccounts(w.AccountID)
	params := ParamSet{
		"total_in": summary.InputSats,
		"fees":     summary.FeeSats,
		"change":   summary.ChangeSats,
	}
	correlationID := fmt.Sprintf("%s:%s", batchID, walletID)
	txID, err := e.Post(ctx, q, "CREATE_BATCH", correlationID, wallet, omnibus, params, map[string]string{
		"batch_id":  batchID.String(),
		"wallet_id": walletID.String(),
	})
	if err != nil {
		return "", err
	}
	return txID.String(), nil
}

// PostUTXODetected records a newly detected, unconfirmed UTXO.
func (e *Engine) PostUTXODetected(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, outpoint string, amount primitives.Satoshis) (string, error) {
	wallet := walletmodel.WalletLedgerAccounts(walletID)
	omnibus := walletmodel.AccountOmnibusLedgerAccounts(accountID)
	txID, err := e.Post(ctx, q, "UTXO_DETECTED", outpoint, wallet, omnibus, ParamSet{"amount": amount}, map[string]string{
		"wallet_id": walletID.String(),
		"outpoint":  outpoint,
	})
	if err != nil {
		return "", err
	}
	return txID.String(), nil
}

// PostConfirmedUTXO records a detected UTXO reaching its wallet's
// settlement confirmation threshold.
func (e *Engine) PostConfirmedUTXO(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, outpoint string, amount primitives.Satoshis) (string, error) {
	wallet := walletmodel.WalletLedgerAccounts(walletID)
	omnibus := walletmodel.AccountOmnibusLedgerAccounts(accountID)
	txID, err := e.Post(ctx, q, "CONFIRMED_UTXO", outpoint, wallet, omnibus, ParamSet{"amount": amount}, map[string]string{
		"wallet_id": walletID.String(),
		"outpoint":  outpoint,
	})
	if err != nil {
		return "", err
	}
	return txID.String(), nil
}

// PostQueuedPayout encumbers a wallet's funds for a newly queued payout.
func (e *Engine) PostQueuedPayout(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, payoutID primitives.PayoutId, amount primitives.Satoshis) (string, error) {
	wallet := walletmodel.WalletLedgerAccounts(walletID)
	omnibus := walletmodel.AccountOmnibusLedgerAccounts(accountID)
	txID, err := e.Post(ctx, q, "QUEUED_PAYOUT", payoutID.String(), wallet, omnibus, ParamSet{"amount": amount}, map[string]string{
		"wallet_id": walletID.String(),
		"payout_id": payoutID.String(),
	})
	if err != nil {
		return "", err
	}
	return txID.String(), nil
}

// PostPayoutCancelled reverses a queued payout's encumbrance.
func (e *Engine) PostPayoutCancelled(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, payoutID primitives.PayoutId, amount primitives.Satoshis) (string, error) {
	wallet := walletmodel.WalletLedgerAccounts(walletID)
	omnibus := walletmodel.AccountOmnibusLedgerAccounts(accountID)
	txID, err := e.Post(ctx, q, "PAYOUT_CANCELLED", payoutID.String()+":cancel", wallet, omnibus, ParamSet{"amount": amount}, map[string]string{
		"wallet_id": walletID.String(),
		"payout_id": payoutID.String(),
	})
	if err != nil {
		return "", err
	}
	return txID.String(), nil
}

// PostSpendDetected books a batch's outgoing/fee/change movements once its
// transaction is observed on chain, unconfirmed. correlationID should be the
// batch's own CREATE_BATCH correlation id (batchID:walletID) so a repeated
// detection never double-posts.
func (e *Engine) PostSpendDetected(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, correlationID string, totalIn, fees, change primitives.Satoshis) (string, error) {
	wallet := walletmodel.WalletLedgerAccounts(walletID)
	omnibus := walletmodel.AccountOmnibusLedgerAccounts(accountID)
	params := ParamSet{"total_in": totalIn, "fees": fees, "change": change}
	txID, err := e.Post(ctx, q, "SPEND_DETECTED", correlationID, wallet, omnibus, params, map[string]string{
		"wallet_id": walletID.String(),
	})
	if err != nil {
		return "", err
	}
	return txID.String(), nil
}

// PostSpendSettled books the final PENDING-then-SETTLED reversal once a
// batch's transaction reaches its confirmation threshold. correlationID
// should reference the spend_detected transaction id, per spec.md's
// idempotence rule.
func (e *Engine) PostSpendSettled(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, correlationID string, totalIn, fees, change, spentChange primitives.Satoshis) (string, error) {
	wallet := walletmodel.WalletLedgerAccounts(walletID)
	omnibus := walletmodel.AccountOmnibusLedgerAccounts(accountID)
	params := ParamSet{"total_in": totalIn, "fees": fees, "change": change, "spent_change": spentChange}
	txID, err := e.Post(ctx, q, "SPEND_SETTLED", correlationID, wallet, omnibus, params, map[string]string{
		"wallet_id": walletID.String(),
	})
	if err != nil {
		return "", err
	}
	return txID.String(), nil
}
