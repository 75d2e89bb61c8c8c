// Package syncjob implements Component I: per-wallet on-chain sync. It polls
// an injected wallet-engine client for the UTXO set behind a wallet's
// watched addresses and for the confirmation depth of batches this core
// broadcast itself, translating what it observes into utxo package calls —
// the sync side of the detected/settled/spend-detected/spend-settled state
// machine Component C already owns. Generalizes the teacher's
// internal/scanner.Pool (provider polling, round-robin failover) and
// internal/tx.TxReconciler (pending-transaction reconciliation loop) to a
// single injected engine instead of a pool of balance providers, since a
// Bitcoin wallet engine is consulted for UTXOs, not account balances.
package syncjob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
	"github.com/briacore/custody/internal/utxo"
	"github.com/briacore/custody/internal/walletmodel"
)

// WatchedAddress is one address this core needs the wallet engine to report
// UTXO activity for.
type WatchedAddress struct {
	KeychainID primitives.KeychainId
	AddressID  primitives.AddressId
	Kind       primitives.KeychainKind
	ScriptHex  string
}

// ObservedUTXO is one unspent output the wallet engine reports for a
// watched script, with BlockHeight nil until it has been mined.
type ObservedUTXO struct {
	OutPoint    primitives.OutPoint
	ScriptHex   string
	AmountSats  primitives.Satoshis
	BlockHeight *int64
}

// WalletEngine is the external chain-watching service this job polls — the
// Electrum-equivalent dependency spec.md names but deliberately does not
// specify the protocol for (Non-goal: we consume it, not build it).
// Declared at the consumer, same shape as scanner.Provider.
type WalletEngine interface {
	// FetchUTXOs returns the current UTXO set for the given scripts.
	FetchUTXOs(ctx context.Context, scripts []string) ([]ObservedUTXO, error)
	// ChainHeight returns the current chain tip height.
	ChainHeight(ctx context.Context) (int64, error)
	// TxConfirmations reports the confirmation depth of txID, or found=false
	// if the wallet engine has not observed it at all (neither mempool nor
	// a block).
	TxConfirmations(ctx context.Context, txID string) (confirmations int64, found bool, err error)
	// FetchRawTx returns the raw signed transaction bytes for txID once the
	// wallet engine has observed it (mempool or confirmed), found=false
	// until then.
	FetchRawTx(ctx context.Context, txID string) (raw []byte, found bool, err error)
}

// Broadcaster is the event-hub subset a sync pass reports lifecycle
// transitions to, for the operator HTTP surface's SubscribeAll stream.
// Declared at the consumer, same pattern as WalletEngine and utxo.Ledger.
type Broadcaster interface {
	Emit(eventType string, data interface{})
}

type noopBroadcaster struct{}

func (noopBroadcaster) Emit(string, interface{}) {}

// Runner drives sync for a set of wallets. Its Ledger dependency is
// utxo.Ledger directly: the job exists to drive utxo's own state machine,
// so there is no separate interface to define at this consumer.
type Runner struct {
	db          *store.DB
	engine      WalletEngine
	ledger      utxo.Ledger
	broadcaster Broadcaster
}

// NewRunner builds a Runner against engine, posting through ledger. Events
// go nowhere until SetBroadcaster is called.
func NewRunner(db *store.DB, engine WalletEngine, ledger utxo.Ledger) *Runner {
	return &Runner{db: db, engine: engine, ledger: ledger, broadcaster: noopBroadcaster{}}
}

// SetBroadcaster attaches the event hub a running daemon broadcasts sync
// transitions through. Optional: a Runner built via NewRunner alone works
// fine for tests and for callers with no SSE surface.
func (r *Runner) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// SyncWallet polls the wallet engine for walletID's watched addresses and
// its in-flight batches, applying every detected/settled/spend-detected/
// spend-settled transition inside one BEGIN IMMEDIATE transaction.
func (r *Runner) SyncWallet(ctx context.Context, walletID primitives.WalletId) error {
	return r.db.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		wallet, err := walletmodel.GetWallet(ctx, q, walletID)
		if err != nil {
			return err
		}

		watched, err := loadWatchedAddresses(ctx, q, walletID)
		if err != nil {
			return err
		}
		if len(watched) == 0 {
			return nil
		}

		scripts := make([]string, 0, len(watched))
		byScript := make(map[string]WatchedAddress, len(watched))
		for _, w := range watched {
			scripts = append(scripts, w.ScriptHex)
			byScript[w.ScriptHex] = w
		}

		observed, err := r.engine.FetchUTXOs(ctx, scripts)
		if err != nil {
			return errs.Wrap(errs.KindExternal, fmt.Errorf("fetch utxos for wallet %s: %w", walletID, err))
		}
		chainHeight, err := r.engine.ChainHeight(ctx)
		if err != nil {
			return errs.Wrap(errs.KindExternal, fmt.Errorf("fetch chain height for wallet %s: %w", walletID, err))
		}

		for _, o := range observed {
			watchedAddr, ok := byScript[o.ScriptHex]
			if !ok {
				continue
			}
			u, _, err := utxo.NewUTXODetected(ctx, q, r.ledger, utxo.DetectParams{
				WalletID:   walletID,
				AccountID:  wallet.AccountID,
				KeychainID: watchedAddr.KeychainID,
				AddressID:  watchedAddr.AddressID,
				OutPoint:   o.OutPoint,
				AmountSats: o.AmountSats,
				ScriptHex:  o.ScriptHex,
				Kind:       watchedAddr.Kind,
				SelfPay:    watchedAddr.Kind == primitives.KeychainInternal,
			})
			if err != nil {
				return err
			}
			r.broadcaster.Emit("UTXO_DETECTED", u)

			if o.BlockHeight != nil {
				settled, _, err := utxo.SettleUTXO(ctx, q, r.ledger, wallet.AccountID, o.OutPoint,
					*o.BlockHeight, chainHeight, wallet.MarkSettledAfterNConfs)
				if err != nil && errs.KindOf(err) != errs.KindValidation {
					return err
				}
				if err == nil {
					r.broadcaster.Emit("UTXO_SETTLED", settled)
				}
			}
		}

		return r.syncBatchBroadcasts(ctx, q, walletID, chainHeight, wallet.MarkSettledAfterNConfs)
	})
}

// syncBatchBroadcasts checks every batch this wallet participates in that
// has been signed but not yet settled, and advances its per-wallet UTXOs
// through spend-detected/spend-settled as the wallet engine reports the
// broadcast transaction's confirmation depth.
func (r *Runner) syncBatchBroadcasts(ctx context.Context, q store.Querier, walletID primitives.WalletId, chainHeight int64, markSettledAfterNConfs int) error {
	rows, err := q.QueryContext(ctx,
		`SELECT b.id, b.tx_id FROM batches b
		 JOIN batch_wallet_summaries bws ON bws.batch_id = b.id
		 WHERE bws.wallet_id = ? AND b.tx_id IS NOT NULL AND b.status NOT IN ('CONFIRMED', 'FAILED')`,
		walletID.String(),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("load in-flight batches for wallet %s: %w", walletID, err))
	}
	type pending struct {
		batchID primitives.BatchId
		txID    string
	}
	var batches []pending
	for rows.Next() {
		var idStr, txID string
		if err := rows.Scan(&idStr, &txID); err != nil {
			rows.Close()
			return errs.Wrap(errs.KindStorage, fmt.Errorf("scan in-flight batch: %w", err))
		}
		batchID, err := primitives.ParseBatchId(idStr)
		if err != nil {
			continue
		}
		batches = append(batches, pending{batchID, txID})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errs.Wrap(errs.KindStorage, fmt.Errorf("iterate in-flight batches for wallet %s: %w", walletID, err))
	}
	rows.Close()

	for _, b := range batches {
		confs, found, err := r.engine.TxConfirmations(ctx, b.txID)
		if err != nil {
			return errs.Wrap(errs.KindExternal, fmt.Errorf("query confirmations for tx %s: %w", b.txID, err))
		}
		if !found {
			continue
		}

		alreadyDetected, err := batchSpendAlreadyDetected(ctx, q, b.batchID)
		if err != nil {
			return err
		}
		if err := utxo.SpendDetected(ctx, q, r.ledger, b.batchID, b.txID); err != nil {
			return err
		}
		r.broadcaster.Emit("SPEND_DETECTED", map[string]string{"batchId": b.batchID.String(), "txId": b.txID})

		if !alreadyDetected {
			if err := stampBatchBroadcast(ctx, q, b.batchID); err != nil {
				return err
			}
			if raw, found, err := r.engine.FetchRawTx(ctx, b.txID); err != nil {
				return errs.Wrap(errs.KindExternal, fmt.Errorf("fetch raw tx %s: %w", b.txID, err))
			} else if found {
				if _, err := q.ExecContext(ctx, `UPDATE batches SET signed_tx = ?, status = 'BROADCAST' WHERE id = ?`, raw, b.batchID.String()); err != nil {
					return errs.Wrap(errs.KindStorage, fmt.Errorf("record signed tx for batch %s: %w", b.batchID, err))
				}
			}
		}

		if confs < int64(markSettledAfterNConfs) {
			continue
		}
		if err := utxo.SpendSettled(ctx, q, r.ledger, b.batchID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `UPDATE batches SET status = 'CONFIRMED' WHERE id = ?`, b.batchID.String()); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("mark batch %s confirmed: %w", b.batchID, err))
		}
		r.broadcaster.Emit("SPEND_SETTLED", map[string]string{"batchId": b.batchID.String()})
	}
	return nil
}

// batchSpendAlreadyDetected reports whether any of batchID's reserved UTXOs
// already carry a spend-detected ledger tx id, so the broadcast-ledger-tx
// stamp below only happens the first time this batch's transaction is seen.
func batchSpendAlreadyDetected(ctx context.Context, q store.Querier, batchID primitives.BatchId) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM utxos WHERE reserved_batch_id = ? AND spend_detected_ledger_tx_id IS NOT NULL`,
		batchID.String(),
	).Scan(&n); err != nil {
		return false, errs.Wrap(errs.KindStorage, fmt.Errorf("check spend-detected state for batch %s: %w", batchID, err))
	}
	return n > 0, nil
}

// stampBatchBroadcast copies each wallet's freshly-posted spend-detected
// ledger tx id onto its batch_wallet_summaries row as
// batch_broadcast_ledger_tx_id — the second of the two ledger-tx ids whose
// joint presence marks a wallet summary accounting-complete.
func stampBatchBroadcast(ctx context.Context, q store.Querier, batchID primitives.BatchId) error {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT wallet_id, spend_detected_ledger_tx_id FROM utxos
		 WHERE reserved_batch_id = ? AND spend_detected_ledger_tx_id IS NOT NULL`,
		batchID.String(),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("load spend-detected ledger tx ids for batch %s: %w", batchID, err))
	}
	type stamp struct{ walletID, ledgerTxID string }
	var stamps []stamp
	for rows.Next() {
		var s stamp
		if err := rows.Scan(&s.walletID, &s.ledgerTxID); err != nil {
			rows.Close()
			return errs.Wrap(errs.KindStorage, fmt.Errorf("scan spend-detected ledger tx id for batch %s: %w", batchID, err))
		}
		stamps = append(stamps, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errs.Wrap(errs.KindStorage, fmt.Errorf("iterate spend-detected ledger tx ids for batch %s: %w", batchID, err))
	}
	rows.Close()

	for _, s := range stamps {
		if _, err := q.ExecContext(ctx,
			`UPDATE batch_wallet_summaries SET batch_broadcast_ledger_tx_id = ? WHERE batch_id = ? AND wallet_id = ?`,
			s.ledgerTxID, batchID.String(), s.walletID,
		); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("stamp batch broadcast ledger tx for batch %s wallet %s: %w", batchID, s.walletID, err))
		}
	}
	return nil
}

func loadWatchedAddresses(ctx context.Context, q store.Querier, walletID primitives.WalletId) ([]WatchedAddress, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT a.keychain_id, a.id, a.kind, a.script_pubkey
		 FROM addresses a JOIN keychains k ON k.id = a.keychain_id
		 WHERE k.wallet_id = ?`,
		walletID.String(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("load watched addresses for wallet %s: %w", walletID, err))
	}
	defer rows.Close()

	var out []WatchedAddress
	for rows.Next() {
		var keychainIDStr, addressIDStr, kind, scriptHex string
		if err := rows.Scan(&keychainIDStr, &addressIDStr, &kind, &scriptHex); err != nil {
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan watched address: %w", err))
		}
		keychainID, err := primitives.ParseKeychainId(keychainIDStr)
		if err != nil {
			continue
		}
		addressID, err := primitives.ParseAddressId(addressIDStr)
		if err != nil {
			continue
		}
		out = append(out, WatchedAddress{
			KeychainID: keychainID,
			AddressID:  addressID,
			Kind:       primitives.KeychainKind(kind),
			ScriptHex:  scriptHex,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("iterate watched addresses for wallet %s: %w", walletID, err))
	}
	return out, nil
}

// Loop polls every wallet account-wide on a fixed interval until ctx is
// cancelled, following the same ticker-plus-select shape as
// batchjob.Runner.runInterval.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.syncAllWallets(ctx)
		}
	}
}

func (r *Runner) syncAllWallets(ctx context.Context) {
	rows, err := r.db.Conn().QueryContext(ctx, `SELECT id FROM wallets`)
	if err != nil {
		slog.Error("syncjob: failed to list wallets", "error", err)
		return
	}
	var walletIDs []primitives.WalletId
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			continue
		}
		if id, err := primitives.ParseWalletId(idStr); err == nil {
			walletIDs = append(walletIDs, id)
		}
	}
	rows.Close()

	for _, walletID := range walletIDs {
		err := errs.RetryWithBackoff(config.JobMaxAttempts, config.ExponentialBackoffBase, config.ExponentialBackoffMax, func(int) error {
			return r.SyncWallet(ctx, walletID)
		})
		if err != nil {
			slog.Error("syncjob: wallet sync failed", "wallet", walletID, "error", err)
		}
	}
}
