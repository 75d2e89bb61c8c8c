package batchjob

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/payout"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/psbt"
	"github.com/briacore/custody/internal/store"
	"github.com/briacore/custody/internal/utxo"
	"github.com/briacore/custody/internal/walletmodel"
)

// AssembleBatch runs the whole queue -> builder -> reservation -> ledger
// pipeline for queueID inside one BEGIN IMMEDIATE transaction: if anything
// fails, nothing changes — no outpoint is reserved, no payout is marked
// batched, no address index is advanced. Returns errs.ErrNothingToBatch
// (wrapped KindValidation) if the queue currently has no queued payouts.
func (r *Runner) AssembleBatch(ctx context.Context, queueID primitives.PayoutQueueId) (primitives.BatchId, error) {
	var batchID primitives.BatchId
	err := r.db.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		queue, err := payout.GetPayoutQueue(ctx, q, queueID)
		if err != nil {
			return err
		}

		queued, err := payout.ListQueuedPayouts(ctx, q, queueID)
		if err != nil {
			return err
		}
		if len(queued) == 0 {
			return errs.Wrap(errs.KindValidation, fmt.Errorf("queue %s: %w", queueID, errs.ErrNothingToBatch))
		}

		// Group by wallet, first-appearance order, preserving each
		// wallet's own queued (oldest-first) order within its group. A
		// transaction's output order has no settlement-relevant meaning,
		// so grouping by wallet here (required so the builder can give
		// each wallet its own change output) only ever reorders outputs
		// across wallet boundaries, never within one wallet's payouts.
		byWallet := map[primitives.WalletId][]payout.Payout{}
		var walletOrder []primitives.WalletId
		for _, p := range queued {
			if _, ok := byWallet[p.WalletID]; !ok {
				walletOrder = append(walletOrder, p.WalletID)
			}
			byWallet[p.WalletID] = append(byWallet[p.WalletID], p)
		}

		feeRate, err := r.feeEstimator.EstimateFeeRate(ctx, queue.TxPriority)
		if err != nil {
			return errs.Wrap(errs.KindExternal, fmt.Errorf("estimate fee rate for queue %s: %w", queueID, err))
		}

		var net *chaincfg.Params
		xpubKeys := make(map[primitives.WalletId]*hdkeychain.ExtendedKey, len(walletOrder))
		walletInputs := make([]psbt.WalletInput, 0, len(walletOrder))
		for _, wid := range walletOrder {
			wallet, err := walletmodel.GetWallet(ctx, q, wid)
			if err != nil {
				return err
			}
			if net == nil {
				net = walletmodel.NetworkParams(wallet.Network)
			}

			xpubStr, err := loadXPubString(ctx, q, wallet.Current().XPubID)
			if err != nil {
				return err
			}
			xpubKey, err := walletmodel.ParseXPub(xpubStr, net)
			if err != nil {
				return err
			}
			xpubKeys[wid] = xpubKey

			candidates, err := utxo.FindReservableUTXOs(ctx, q, []primitives.WalletId{wid}, queue.ConsolidateDeprecatedKeychains)
			if err != nil {
				return err
			}

			walletInputs = append(walletInputs, psbt.WalletInput{
				Wallet:         wallet,
				ChangeXPub:     xpubKey,
				Payouts:        byWallet[wid],
				CandidateUTXOs: candidates,
			})
		}

		result, err := psbt.Build(psbt.BuildParams{Network: net, FeeRate: feeRate, Wallets: walletInputs})
		if err != nil {
			return err
		}

		batchID = primitives.NewBatchId()

		var allOutpoints []primitives.OutPoint
		for _, s := range result.WalletSummaries {
			allOutpoints = append(allOutpoints, s.SpentOutPoints...)
		}
		if err := utxo.ReserveUTXOsInBatch(ctx, q, batchID, allOutpoints); err != nil {
			return err
		}

		rawTx, err := hex.DecodeString(result.RawTxHex)
		if err != nil {
			return errs.Wrap(errs.KindInternal, fmt.Errorf("decode built tx for queue %s: %w", queueID, err))
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO batches (id, payout_queue_id, raw_psbt, fee_sats, vbytes) VALUES (?, ?, ?, ?, ?)`,
			batchID.String(), queueID.String(), rawTx, int64(result.TotalFeeSats), result.VBytes,
		); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("insert batch for queue %s: %w", queueID, err))
		}

		for _, s := range result.WalletSummaries {
			var changeAddressID *string
			if s.ChangeAddress != "" {
				addr, err := walletmodel.NewAddress(ctx, q, s.WalletID, s.ChangeKeychainID, primitives.KeychainInternal, xpubKeys[s.WalletID], net)
				if err != nil {
					return err
				}
				id := addr.ID.String()
				changeAddressID = &id
			}

			ledgerTxID, err := r.ledger.PostBatchCreated(ctx, q, s.WalletID, batchID, s)
			if err != nil {
				return err
			}
			if err := utxo.RecordSpendingLedgerTxID(ctx, q, s.SpentOutPoints, ledgerTxID); err != nil {
				return err
			}

			if _, err := q.ExecContext(ctx,
				`INSERT INTO batch_wallet_summaries
				   (batch_id, wallet_id, input_sats, fee_sats, change_sats, change_address_id, batch_created_ledger_tx_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				batchID.String(), s.WalletID.String(), int64(s.InputSats), int64(s.FeeSats), int64(s.ChangeSats),
				changeAddressID, ledgerTxID,
			); err != nil {
				return errs.Wrap(errs.KindStorage, fmt.Errorf("insert batch wallet summary for wallet %s: %w", s.WalletID, err))
			}
		}

		var payoutIDs []primitives.PayoutId
		for _, wid := range walletOrder {
			for _, p := range byWallet[wid] {
				payoutIDs = append(payoutIDs, p.ID)
			}
		}
		return payout.MarkBatched(ctx, q, batchID, payoutIDs)
	})
	if err != nil {
		return primitives.BatchId{}, err
	}
	return batchID, nil
}

func loadXPubString(ctx context.Context, q store.Querier, xpubID primitives.XPubId) (string, error) {
	var xpubStr string
	row := q.QueryRowContext(ctx, `SELECT xpub FROM xpubs WHERE id = ?`, xpubID.String())
	if err := row.Scan(&xpubStr); err != nil {
		return "", errs.Wrap(errs.KindStorage, fmt.Errorf("load xpub %s: %w", xpubID, err))
	}
	return xpubStr, nil
}
