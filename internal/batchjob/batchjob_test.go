package batchjob

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/payout"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/psbt"
	"github.com/briacore/custody/internal/store"
	"github.com/briacore/custody/internal/utxo"
	"github.com/briacore/custody/internal/walletmodel"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	d, err := store.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return d
}

func testAccountXPub(t *testing.T, accountIndex uint32) *hdkeychain.ExtendedKey {
	t.Helper()
	seed, err := bip39.NewSeedWithErrorChecking(
		"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", "")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("master: %v", err)
	}
	purpose, _ := master.Derive(hdkeychain.HardenedKeyStart + 84)
	coin, _ := purpose.Derive(hdkeychain.HardenedKeyStart + 1)
	account, _ := coin.Derive(hdkeychain.HardenedKeyStart + accountIndex)
	neutered, err := account.Neuter()
	if err != nil {
		t.Fatalf("neuter: %v", err)
	}
	return neutered
}

// seedWalletWithUTXO imports an xpub, creates a wallet, derives one
// internal (change-kind) address, and records one detected UTXO against it
// — internal-kind UTXOs are reservable without a settlement wait, so the
// fixture needs no block-height bookkeeping.
func seedWalletWithUTXO(t *testing.T, d *store.DB, accountID primitives.AccountId, accountIdx uint32, amountSats primitives.Satoshis, txidSeed int) primitives.WalletId {
	t.Helper()
	ctx := context.Background()
	xpubKey := testAccountXPub(t, accountIdx)

	var walletID primitives.WalletId
	err := d.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		xpub, err := walletmodel.ImportXPub(ctx, q, accountID, xpubKey.String(), fmt.Sprintf("m/84'/1'/%d'", accountIdx), &chaincfg.TestNet3Params)
		if err != nil {
			return err
		}
		wallet, err := walletmodel.CreateWallet(ctx, q, accountID, fmt.Sprintf("wallet-%d", accountIdx), "testnet", 1, xpub.ID)
		if err != nil {
			return err
		}
		walletID = wallet.ID

		addr, err := walletmodel.NewAddress(ctx, q, wallet.ID, wallet.Current().ID, primitives.KeychainInternal, xpubKey, &chaincfg.TestNet3Params)
		if err != nil {
			return err
		}

		_, _, err = utxo.NewUTXODetected(ctx, q, &fakeLedger{}, utxo.DetectParams{
			WalletID:   wallet.ID,
			AccountID:  accountID,
			KeychainID: wallet.Current().ID,
			AddressID:  addr.ID,
			OutPoint:   primitives.OutPoint{TxID: fmt.Sprintf("%064d", txidSeed), Vout: 0},
			AmountSats: amountSats,
			ScriptHex:  addr.ScriptHex,
			Kind:       primitives.KeychainInternal,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed wallet with utxo: %v", err)
	}
	return walletID
}

func seedAccount(t *testing.T, d *store.DB) primitives.AccountId {
	t.Helper()
	accountID := primitives.NewAccountId()
	if _, err := d.Conn().Exec(`INSERT INTO accounts (id, name) VALUES (?, 'test')`, accountID.String()); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return accountID
}

type fixedFeeEstimator struct {
	rate primitives.FeeRate
}

func (f fixedFeeEstimator) EstimateFeeRate(ctx context.Context, priority primitives.TxPriority) (primitives.FeeRate, error) {
	return f.rate, nil
}

type failingFeeEstimator struct{ err error }

func (f failingFeeEstimator) EstimateFeeRate(ctx context.Context, priority primitives.TxPriority) (primitives.FeeRate, error) {
	return primitives.FeeRate{}, f.err
}

// fakeLedger posts minimal real ledger_transactions rows so the
// ledger-tx-id foreign keys elsewhere (batch_wallet_summaries, utxos,
// payouts) are satisfiable, without pulling in Component H's full
// template/balance machinery.
type fakeLedger struct{ posted []psbt.WalletSummary }

func (f *fakeLedger) post(ctx context.Context, q store.Querier, code, correlationID string) (string, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger_templates (id, code, description) VALUES (?, ?, ?)`,
		primitives.NewLedgerTemplateId().String(), code, "test fixture",
	); err != nil {
		return "", err
	}
	txID := primitives.NewLedgerTransactionId()
	if _, err := q.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id, template_code, correlation_id) VALUES (?, ?, ?)`,
		txID.String(), code, correlationID,
	); err != nil {
		return "", err
	}
	return txID.String(), nil
}

func (f *fakeLedger) PostBatchCreated(ctx context.Context, q store.Querier, walletID primitives.WalletId, batchID primitives.BatchId, summary psbt.WalletSummary) (string, error) {
	txID, err := f.post(ctx, q, "BATCH_CREATED", fmt.Sprintf("%s:%s", batchID, walletID))
	if err != nil {
		return "", err
	}
	f.posted = append(f.posted, summary)
	return txID, nil
}

func (f *fakeLedger) PostUTXODetected(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, outpoint string, amount primitives.Satoshis) (string, error) {
	return f.post(ctx, q, "UTXO_DETECTED", outpoint)
}

func (f *fakeLedger) PostConfirmedUTXO(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, outpoint string, amount primitives.Satoshis) (string, error) {
	return f.post(ctx, q, "CONFIRMED_UTXO", outpoint)
}

func (f *fakeLedger) PostSpendDetected(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, correlationID string, totalIn, fees, change primitives.Satoshis) (string, error) {
	return f.post(ctx, q, "SPEND_DETECTED", correlationID)
}

func (f *fakeLedger) PostSpendSettled(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, correlationID string, totalIn, fees, change, spentChange primitives.Satoshis) (string, error) {
	return f.post(ctx, q, "SPEND_SETTLED", correlationID)
}

func (f *fakeLedger) PostQueuedPayout(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, payoutID primitives.PayoutId, amount primitives.Satoshis) (string, error) {
	return f.post(ctx, q, "QUEUED_PAYOUT", payoutID.String())
}

func (f *fakeLedger) PostPayoutCancelled(ctx context.Context, q store.Querier, walletID primitives.WalletId, accountID primitives.AccountId, payoutID primitives.PayoutId, amount primitives.Satoshis) (string, error) {
	return f.post(ctx, q, "PAYOUT_CANCELLED", payoutID.String()+":cancel")
}

func TestAssembleBatchSingleWallet(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID := seedAccount(t, d)
	walletID := seedWalletWithUTXO(t, d, accountID, 0, 100_000, 1)

	queue, err := payout.CreatePayoutQueue(ctx, d.Conn(), accountID, "q1", primitives.PriorityNextBlock, false, primitives.ManualTrigger())
	if err != nil {
		t.Fatalf("CreatePayoutQueue() error = %v", err)
	}
	destXPub := testAccountXPub(t, 5)
	destAddr, err := walletmodel.DeriveAddress(destXPub, primitives.KeychainExternal, 0, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("derive destination: %v", err)
	}
	if _, err := payout.QueuePayout(ctx, d.Conn(), &fakeLedger{}, queue.ID, accountID, walletID, primitives.OnchainAddress(destAddr.Address), 50_000, ""); err != nil {
		t.Fatalf("QueuePayout() error = %v", err)
	}

	feeRate, err := primitives.FeeRateFromSatsPerVByte(5)
	if err != nil {
		t.Fatalf("fee rate: %v", err)
	}
	ledger := &fakeLedger{}
	runner := NewRunner(d, fixedFeeEstimator{rate: feeRate}, ledger)

	batchID, err := runner.AssembleBatch(ctx, queue.ID)
	if err != nil {
		t.Fatalf("AssembleBatch() error = %v", err)
	}
	if len(ledger.posted) != 1 {
		t.Fatalf("expected 1 ledger posting, got %d", len(ledger.posted))
	}

	var batchCount int
	if err := d.Conn().QueryRow(`SELECT COUNT(*) FROM batches WHERE id = ?`, batchID.String()).Scan(&batchCount); err != nil {
		t.Fatalf("count batches: %v", err)
	}
	if batchCount != 1 {
		t.Fatalf("expected batch row to exist, got count %d", batchCount)
	}

	var summaryLedgerTxID string
	if err := d.Conn().QueryRow(
		`SELECT batch_created_ledger_tx_id FROM batch_wallet_summaries WHERE batch_id = ? AND wallet_id = ?`,
		batchID.String(), walletID.String(),
	).Scan(&summaryLedgerTxID); err != nil {
		t.Fatalf("load batch wallet summary: %v", err)
	}
	if summaryLedgerTxID == "" {
		t.Fatal("expected batch_created_ledger_tx_id to be set")
	}

	queuedAfter, err := payout.ListQueuedPayouts(ctx, d.Conn(), queue.ID)
	if err != nil {
		t.Fatalf("ListQueuedPayouts() error = %v", err)
	}
	if len(queuedAfter) != 0 {
		t.Fatalf("expected no payouts still queued, got %d", len(queuedAfter))
	}

	var utxoStatus string
	if err := d.Conn().QueryRow(`SELECT status FROM utxos WHERE tx_id = ?`, fmt.Sprintf("%064d", 1)).Scan(&utxoStatus); err != nil {
		t.Fatalf("load utxo: %v", err)
	}
	if utxoStatus != string(utxo.StatusReserved) {
		t.Fatalf("expected utxo reserved, got status %s", utxoStatus)
	}
}

func TestAssembleBatchTwoWalletsShareOneTransaction(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID := seedAccount(t, d)
	walletA := seedWalletWithUTXO(t, d, accountID, 0, 200_000, 1)
	walletB := seedWalletWithUTXO(t, d, accountID, 1, 150_000, 2)

	queue, err := payout.CreatePayoutQueue(ctx, d.Conn(), accountID, "q2", primitives.PriorityNextBlock, false, primitives.ManualTrigger())
	if err != nil {
		t.Fatalf("CreatePayoutQueue() error = %v", err)
	}
	destXPub := testAccountXPub(t, 5)
	destAddr, err := walletmodel.DeriveAddress(destXPub, primitives.KeychainExternal, 1, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("derive destination: %v", err)
	}
	if _, err := payout.QueuePayout(ctx, d.Conn(), &fakeLedger{}, queue.ID, accountID, walletA, primitives.OnchainAddress(destAddr.Address), 50_000, ""); err != nil {
		t.Fatalf("QueuePayout() error (wallet A) = %v", err)
	}
	if _, err := payout.QueuePayout(ctx, d.Conn(), &fakeLedger{}, queue.ID, accountID, walletB, primitives.OnchainAddress(destAddr.Address), 40_000, ""); err != nil {
		t.Fatalf("QueuePayout() error (wallet B) = %v", err)
	}

	feeRate, err := primitives.FeeRateFromSatsPerVByte(5)
	if err != nil {
		t.Fatalf("fee rate: %v", err)
	}
	ledger := &fakeLedger{}
	runner := NewRunner(d, fixedFeeEstimator{rate: feeRate}, ledger)

	batchID, err := runner.AssembleBatch(ctx, queue.ID)
	if err != nil {
		t.Fatalf("AssembleBatch() error = %v", err)
	}
	if len(ledger.posted) != 2 {
		t.Fatalf("expected 2 ledger postings (one per wallet), got %d", len(ledger.posted))
	}

	var summaryCount int
	if err := d.Conn().QueryRow(`SELECT COUNT(*) FROM batch_wallet_summaries WHERE batch_id = ?`, batchID.String()).Scan(&summaryCount); err != nil {
		t.Fatalf("count summaries: %v", err)
	}
	if summaryCount != 2 {
		t.Fatalf("expected 2 wallet summaries, got %d", summaryCount)
	}
}

func TestAssembleBatchRejectsEmptyQueue(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID := seedAccount(t, d)

	queue, err := payout.CreatePayoutQueue(ctx, d.Conn(), accountID, "empty", primitives.PriorityNextBlock, false, primitives.ManualTrigger())
	if err != nil {
		t.Fatalf("CreatePayoutQueue() error = %v", err)
	}

	feeRate, _ := primitives.FeeRateFromSatsPerVByte(5)
	runner := NewRunner(d, fixedFeeEstimator{rate: feeRate}, &fakeLedger{})

	_, err = runner.AssembleBatch(ctx, queue.ID)
	if err == nil {
		t.Fatal("expected error for empty queue")
	}
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("want KindValidation, got %s", errs.KindOf(err))
	}
}

func TestAssembleBatchPropagatesFeeEstimatorFailure(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID := seedAccount(t, d)
	walletID := seedWalletWithUTXO(t, d, accountID, 0, 100_000, 1)

	queue, err := payout.CreatePayoutQueue(ctx, d.Conn(), accountID, "q3", primitives.PriorityNextBlock, false, primitives.ManualTrigger())
	if err != nil {
		t.Fatalf("CreatePayoutQueue() error = %v", err)
	}
	destXPub := testAccountXPub(t, 5)
	destAddr, _ := walletmodel.DeriveAddress(destXPub, primitives.KeychainExternal, 2, &chaincfg.TestNet3Params)
	if _, err := payout.QueuePayout(ctx, d.Conn(), &fakeLedger{}, queue.ID, accountID, walletID, primitives.OnchainAddress(destAddr.Address), 50_000, ""); err != nil {
		t.Fatalf("QueuePayout() error = %v", err)
	}

	runner := NewRunner(d, failingFeeEstimator{err: fmt.Errorf("provider unreachable")}, &fakeLedger{})
	_, err = runner.AssembleBatch(ctx, queue.ID)
	if err == nil {
		t.Fatal("expected fee estimator failure to propagate")
	}
	if errs.KindOf(err) != errs.KindExternal {
		t.Fatalf("want KindExternal, got %s", errs.KindOf(err))
	}

	// Nothing should have been reserved or batched; the transaction rolled back.
	queuedAfter, err := payout.ListQueuedPayouts(ctx, d.Conn(), queue.ID)
	if err != nil {
		t.Fatalf("ListQueuedPayouts() error = %v", err)
	}
	if len(queuedAfter) != 1 {
		t.Fatalf("expected payout to remain queued after rollback, got %d queued", len(queuedAfter))
	}
}
