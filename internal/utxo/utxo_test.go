package utxo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
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

// seedWalletAddress creates the minimal account/wallet/xpub/keychain/address
// chain a utxo row needs to satisfy its foreign keys, with the keychain at
// ordinal 0 (current) and the given address kind.
func seedWalletAddress(t *testing.T, d *store.DB, kind primitives.KeychainKind) (primitives.AccountId, primitives.WalletId, primitives.KeychainId, primitives.AddressId) {
	t.Helper()
	ctx := context.Background()

	accountID := primitives.NewAccountId()
	if _, err := d.Conn().Exec(`INSERT INTO accounts (id, name) VALUES (?, 'test')`, accountID.String()); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	walletID := primitives.NewWalletId()
	keychainID := primitives.NewKeychainId()
	addressID := primitives.NewAddressId()

	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO wallets (id, account_id, name, network) VALUES (?, ?, 'payouts', 'testnet')`,
		walletID.String(), accountID.String(),
	); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO xpubs (id, account_id, xpub, derivation_path, fingerprint) VALUES ('xp-1', ?, 'tpub...', "m/84'/1'/0'", 'deadbeef')`,
		accountID.String(),
	); err != nil {
		t.Fatalf("seed xpub: %v", err)
	}
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO keychains (id, wallet_id, xpub_id, ordinal) VALUES (?, ?, 'xp-1', 0)`,
		keychainID.String(), walletID.String(),
	); err != nil {
		t.Fatalf("seed keychain: %v", err)
	}
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO addresses (id, keychain_id, kind, address_idx, address, script_pubkey) VALUES (?, ?, ?, 0, ?, 'script')`,
		addressID.String(), keychainID.String(), string(kind), "addr-"+addressID.String(),
	); err != nil {
		t.Fatalf("seed address: %v", err)
	}

	return accountID, walletID, keychainID, addressID
}

// fakeLedger posts minimal real ledger_transactions rows, mirroring the
// same-shaped fixtures in the batchjob and payout packages' own tests.
type fakeLedger struct{}

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

func TestNewUTXODetectedIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	_, walletID, keychainID, addressID := seedWalletAddress(t, d, primitives.KeychainExternal)

	op := primitives.OutPoint{TxID: "tx1", Vout: 0}
	params := DetectParams{
		WalletID: walletID, KeychainID: keychainID, AddressID: addressID,
		OutPoint: op, AmountSats: 50000, ScriptHex: "script", Kind: primitives.KeychainExternal,
	}

	u1, allocated1, err := NewUTXODetected(ctx, d.Conn(), &fakeLedger{}, params)
	if err != nil {
		t.Fatalf("first detect: %v", err)
	}
	if !allocated1 {
		t.Fatal("expected allocated=true on first detect")
	}
	if u1.Status != StatusNewDetected {
		t.Fatalf("want NEW_DETECTED, got %s", u1.Status)
	}

	u2, allocated2, err := NewUTXODetected(ctx, d.Conn(), &fakeLedger{}, params)
	if err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if allocated2 {
		t.Fatal("expected allocated=false on duplicate detect")
	}
	if u2.OutPoint != op {
		t.Fatalf("expected same outpoint back, got %s", u2.OutPoint)
	}
}

func TestSettleUTXORequiresConfirmationThreshold(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID, walletID, keychainID, addressID := seedWalletAddress(t, d, primitives.KeychainExternal)

	op := primitives.OutPoint{TxID: "tx2", Vout: 0}
	if _, _, err := NewUTXODetected(ctx, d.Conn(), &fakeLedger{}, DetectParams{
		WalletID: walletID, KeychainID: keychainID, AddressID: addressID,
		OutPoint: op, AmountSats: 10000, ScriptHex: "script", Kind: primitives.KeychainExternal,
	}); err != nil {
		t.Fatalf("detect: %v", err)
	}

	// chain tip at 100, utxo mined at 100, needs 2 confs -> not yet settled.
	_, allocated, err := SettleUTXO(ctx, d.Conn(), &fakeLedger{}, accountID, op, 100, 100, 2)
	if err == nil {
		t.Fatal("expected block-height-too-low error")
	}
	if !errors.Is(err, errs.ErrBlockHeightTooLow) {
		t.Errorf("expected ErrBlockHeightTooLow, got %v", err)
	}
	if allocated {
		t.Fatal("expected allocated=false when threshold unmet")
	}

	u, allocated, err := SettleUTXO(ctx, d.Conn(), &fakeLedger{}, accountID, op, 100, 101, 2)
	if err != nil {
		t.Fatalf("settle at threshold: %v", err)
	}
	if !allocated {
		t.Fatal("expected allocated=true once threshold is met")
	}
	if u.Status != StatusSettled {
		t.Fatalf("want SETTLED, got %s", u.Status)
	}
}

func TestReserveUTXOsInBatchRejectsDoubleReservation(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID, walletID, keychainID, addressID := seedWalletAddress(t, d, primitives.KeychainInternal)

	op := primitives.OutPoint{TxID: "tx3", Vout: 0}
	if _, _, err := NewUTXODetected(ctx, d.Conn(), &fakeLedger{}, DetectParams{
		WalletID: walletID, KeychainID: keychainID, AddressID: addressID,
		OutPoint: op, AmountSats: 20000, ScriptHex: "script", Kind: primitives.KeychainInternal,
	}); err != nil {
		t.Fatalf("detect: %v", err)
	}

	batchA := primitives.NewBatchId()
	if _, err := d.Conn().Exec(`INSERT INTO payout_queues (id, account_id, name) VALUES ('pq-1', ?, 'q')`, accountID.String()); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO batches (id, payout_queue_id, fee_sats, vbytes) VALUES (?, 'pq-1', 0, 0)`, batchA.String(),
	); err != nil {
		t.Fatalf("seed batch a: %v", err)
	}

	if err := ReserveUTXOsInBatch(ctx, d.Conn(), batchA, []primitives.OutPoint{op}); err != nil {
		t.Fatalf("first reservation: %v", err)
	}

	batchB := primitives.NewBatchId()
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO batches (id, payout_queue_id, fee_sats, vbytes) VALUES (?, 'pq-1', 0, 0)`, batchB.String(),
	); err != nil {
		t.Fatalf("seed batch b: %v", err)
	}

	err := ReserveUTXOsInBatch(ctx, d.Conn(), batchB, []primitives.OutPoint{op})
	if err == nil {
		t.Fatal("expected conflict reserving an already-reserved outpoint")
	}
	if !errors.Is(err, errs.ErrUTXOAlreadyReserved) {
		t.Errorf("expected ErrUTXOAlreadyReserved, got %v", err)
	}
	if errs.KindOf(err) != errs.KindConflict {
		t.Errorf("expected KindConflict, got %s", errs.KindOf(err))
	}
}

func TestFindReservableUTXOsExcludesUnsettledExternal(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	_, walletID, keychainID, extAddr := seedWalletAddress(t, d, primitives.KeychainExternal)

	intAddrID := primitives.NewAddressId()
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO addresses (id, keychain_id, kind, address_idx, address, script_pubkey) VALUES (?, ?, 'INTERNAL', 1, ?, 'script')`,
		intAddrID.String(), keychainID.String(), "addr-"+intAddrID.String(),
	); err != nil {
		t.Fatalf("seed internal address: %v", err)
	}

	unsettled := primitives.OutPoint{TxID: "tx4", Vout: 0}
	if _, _, err := NewUTXODetected(ctx, d.Conn(), &fakeLedger{}, DetectParams{
		WalletID: walletID, KeychainID: keychainID, AddressID: extAddr,
		OutPoint: unsettled, AmountSats: 1000, ScriptHex: "script", Kind: primitives.KeychainExternal,
	}); err != nil {
		t.Fatalf("detect unsettled external: %v", err)
	}

	change := primitives.OutPoint{TxID: "tx5", Vout: 0}
	if _, _, err := NewUTXODetected(ctx, d.Conn(), &fakeLedger{}, DetectParams{
		WalletID: walletID, KeychainID: keychainID, AddressID: intAddrID,
		OutPoint: change, AmountSats: 2000, ScriptHex: "script", Kind: primitives.KeychainInternal,
	}); err != nil {
		t.Fatalf("detect change: %v", err)
	}

	reservable, err := FindReservableUTXOs(ctx, d.Conn(), []primitives.WalletId{walletID}, false)
	if err != nil {
		t.Fatalf("FindReservableUTXOs() error = %v", err)
	}
	if len(reservable) != 1 {
		t.Fatalf("want 1 reservable utxo (the change output), got %d", len(reservable))
	}
	if reservable[0].OutPoint != change {
		t.Fatalf("expected change outpoint %s, got %s", change, reservable[0].OutPoint)
	}
}

func TestSpendDetectedThenSpendSettledPostsPerWallet(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID, walletID, keychainID, addressID := seedWalletAddress(t, d, primitives.KeychainInternal)

	op := primitives.OutPoint{TxID: "tx6", Vout: 0}
	if _, _, err := NewUTXODetected(ctx, d.Conn(), &fakeLedger{}, DetectParams{
		WalletID: walletID, KeychainID: keychainID, AddressID: addressID,
		OutPoint: op, AmountSats: 30000, ScriptHex: "script", Kind: primitives.KeychainInternal,
	}); err != nil {
		t.Fatalf("detect: %v", err)
	}

	batchID := primitives.NewBatchId()
	if _, err := d.Conn().Exec(`INSERT INTO payout_queues (id, account_id, name) VALUES ('pq-2', ?, 'q')`, accountID.String()); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO batches (id, payout_queue_id, fee_sats, vbytes) VALUES (?, 'pq-2', 500, 150)`, batchID.String(),
	); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	if err := ReserveUTXOsInBatch(ctx, d.Conn(), batchID, []primitives.OutPoint{op}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO batch_wallet_summaries (batch_id, wallet_id, input_sats, fee_sats, change_sats) VALUES (?, ?, 30000, 500, 0)`,
		batchID.String(), walletID.String(),
	); err != nil {
		t.Fatalf("seed batch wallet summary: %v", err)
	}

	ledger := &fakeLedger{}
	if err := SpendDetected(ctx, d.Conn(), ledger, batchID, "spendtx1"); err != nil {
		t.Fatalf("SpendDetected() error = %v", err)
	}

	detected, err := findByOutPoint(ctx, d.Conn(), op)
	if err != nil {
		t.Fatalf("findByOutPoint() error = %v", err)
	}
	if detected.Status != StatusSpendDetected {
		t.Fatalf("want SPEND_DETECTED, got %s", detected.Status)
	}
	if detected.SpendDetectedLedgerTxID == nil {
		t.Fatal("expected spend_detected_ledger_tx_id to be set")
	}

	if err := SpendSettled(ctx, d.Conn(), ledger, batchID); err != nil {
		t.Fatalf("SpendSettled() error = %v", err)
	}

	settled, err := findByOutPoint(ctx, d.Conn(), op)
	if err != nil {
		t.Fatalf("findByOutPoint() error = %v", err)
	}
	if settled.Status != StatusSpendSettled {
		t.Fatalf("want SPEND_SETTLED, got %s", settled.Status)
	}
	if settled.SpendSettledLedgerTxID == nil {
		t.Fatal("expected spend_settled_ledger_tx_id to be set")
	}
}

func TestSpendSettledRequiresPriorSpendDetected(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	accountID, walletID, keychainID, addressID := seedWalletAddress(t, d, primitives.KeychainInternal)

	op := primitives.OutPoint{TxID: "tx7", Vout: 0}
	if _, _, err := NewUTXODetected(ctx, d.Conn(), &fakeLedger{}, DetectParams{
		WalletID: walletID, KeychainID: keychainID, AddressID: addressID,
		OutPoint: op, AmountSats: 15000, ScriptHex: "script", Kind: primitives.KeychainInternal,
	}); err != nil {
		t.Fatalf("detect: %v", err)
	}

	batchID := primitives.NewBatchId()
	if _, err := d.Conn().Exec(`INSERT INTO payout_queues (id, account_id, name) VALUES ('pq-3', ?, 'q')`, accountID.String()); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO batches (id, payout_queue_id, fee_sats, vbytes) VALUES (?, 'pq-3', 500, 150)`, batchID.String(),
	); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	if err := ReserveUTXOsInBatch(ctx, d.Conn(), batchID, []primitives.OutPoint{op}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := d.Conn().ExecContext(ctx,
		`INSERT INTO batch_wallet_summaries (batch_id, wallet_id, input_sats, fee_sats, change_sats) VALUES (?, ?, 15000, 500, 0)`,
		batchID.String(), walletID.String(),
	); err != nil {
		t.Fatalf("seed batch wallet summary: %v", err)
	}

	err := SpendSettled(ctx, d.Conn(), &fakeLedger{}, batchID)
	if err == nil {
		t.Fatal("expected error settling a spend never marked detected")
	}
	if errs.KindOf(err) != errs.KindInternal {
		t.Errorf("expected KindInternal, got %s", errs.KindOf(err))
	}
}
