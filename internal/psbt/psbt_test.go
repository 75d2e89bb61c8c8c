package psbt

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/briacore/custody/internal/errs"
	p "github.com/briacore/custody/internal/payout"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/utxo"
	"github.com/briacore/custody/internal/walletmodel"
)

func testXPub(t *testing.T, accountIndex uint32) *hdkeychain.ExtendedKey {
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

func testWallet(t *testing.T, xpub *hdkeychain.ExtendedKey) walletmodel.Wallet {
	t.Helper()
	return walletmodel.Wallet{
		ID:                     primitives.NewWalletId(),
		AccountID:              primitives.NewAccountId(),
		Name:                   "test",
		Network:                "testnet",
		MarkSettledAfterNConfs: 1,
		Keychains: []walletmodel.Keychain{{
			ID:       primitives.NewKeychainId(),
			XPubID:   primitives.NewXPubId(),
			Ordinal:  0,
		}},
	}
}

func fakeUTXO(walletID primitives.WalletId, idx int, amount primitives.Satoshis) utxo.UTXO {
	return utxo.UTXO{
		WalletID:   walletID,
		OutPoint:   primitives.OutPoint{TxID: fmt.Sprintf("%064d", idx), Vout: 0},
		AmountSats: amount,
		Kind:       primitives.KeychainInternal, // reservable regardless of settlement
	}
}

func testDestination(t *testing.T, xpub *hdkeychain.ExtendedKey) string {
	t.Helper()
	addr, err := walletmodel.DeriveAddress(xpub, primitives.KeychainExternal, 99, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("derive destination: %v", err)
	}
	return addr.Address
}

func mustFeeRate(t *testing.T, satsPerVByte int64) primitives.FeeRate {
	t.Helper()
	fr, err := primitives.FeeRateFromSatsPerVByte(satsPerVByte)
	if err != nil {
		t.Fatalf("fee rate: %v", err)
	}
	return fr
}

func TestBuildSingleWalletProducesChange(t *testing.T) {
	xpub := testXPub(t, 0)
	wallet := testWallet(t, xpub)
	dest := testDestination(t, xpub)

	payoutID := primitives.NewPayoutId()
	params := BuildParams{
		Network: &chaincfg.TestNet3Params,
		FeeRate: mustFeeRate(t, 5),
		Wallets: []WalletInput{{
			Wallet:     wallet,
			ChangeXPub: xpub,
			Payouts: []p.Payout{{
				ID:         payoutID,
				WalletID:   wallet.ID,
				Destination: primitives.OnchainAddress(dest),
				AmountSats: 50_000,
			}},
			CandidateUTXOs: []utxo.UTXO{fakeUTXO(wallet.ID, 1, 100_000)},
		}},
	}

	result, err := Build(params)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(result.WalletSummaries) != 1 {
		t.Fatalf("want 1 summary, got %d", len(result.WalletSummaries))
	}
	s := result.WalletSummaries[0]
	if s.ChangeAddress == "" {
		t.Fatal("expected non-dust change output")
	}
	if s.InputSats != 100_000 || s.SpentSats != 50_000 {
		t.Fatalf("unexpected accounting: %+v", s)
	}
	if int64(s.InputSats) != int64(s.SpentSats)+int64(s.FeeSats)+int64(s.ChangeSats) {
		t.Fatalf("inputs must equal spent+fee+change: %+v", s)
	}
	if len(result.PayoutOrder) != 1 || result.PayoutOrder[0] != payoutID {
		t.Fatalf("payout order not preserved: %+v", result.PayoutOrder)
	}
}

func TestBuildFoldsDustChangeIntoFee(t *testing.T) {
	xpub := testXPub(t, 0)
	wallet := testWallet(t, xpub)
	dest := testDestination(t, xpub)

	// Input covers the payout plus only a few hundred sats beyond the fee —
	// not enough to clear the dust limit as a change output.
	params := BuildParams{
		Network: &chaincfg.TestNet3Params,
		FeeRate: mustFeeRate(t, 1),
		Wallets: []WalletInput{{
			Wallet:     wallet,
			ChangeXPub: xpub,
			Payouts: []p.Payout{{
				ID:          primitives.NewPayoutId(),
				WalletID:    wallet.ID,
				Destination: primitives.OnchainAddress(dest),
				AmountSats:  99_300,
			}},
			CandidateUTXOs: []utxo.UTXO{fakeUTXO(wallet.ID, 1, 99_850)},
		}},
	}

	result, err := Build(params)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	s := result.WalletSummaries[0]
	if s.ChangeAddress != "" {
		t.Fatalf("expected dust change to fold into fee, got change=%d addr=%q", s.ChangeSats, s.ChangeAddress)
	}
	if int64(s.InputSats) != int64(s.SpentSats)+int64(s.FeeSats) {
		t.Fatalf("folded-dust accounting must balance: %+v", s)
	}
}

func TestBuildRejectsInsufficientFunds(t *testing.T) {
	xpub := testXPub(t, 0)
	wallet := testWallet(t, xpub)
	dest := testDestination(t, xpub)

	params := BuildParams{
		Network: &chaincfg.TestNet3Params,
		FeeRate: mustFeeRate(t, 5),
		Wallets: []WalletInput{{
			Wallet:     wallet,
			ChangeXPub: xpub,
			Payouts: []p.Payout{{
				ID:          primitives.NewPayoutId(),
				WalletID:    wallet.ID,
				Destination: primitives.OnchainAddress(dest),
				AmountSats:  90_000,
			}},
			CandidateUTXOs: []utxo.UTXO{fakeUTXO(wallet.ID, 1, 90_500)},
		}},
	}

	_, err := Build(params)
	if err == nil {
		t.Fatal("expected insufficient funds error")
	}
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("want KindValidation, got %s", errs.KindOf(err))
	}
}

func TestBuildRejectsNoUsableInputs(t *testing.T) {
	xpub := testXPub(t, 0)
	wallet := testWallet(t, xpub)
	dest := testDestination(t, xpub)

	params := BuildParams{
		Network: &chaincfg.TestNet3Params,
		FeeRate: mustFeeRate(t, 5),
		Wallets: []WalletInput{{
			Wallet:     wallet,
			ChangeXPub: xpub,
			Payouts: []p.Payout{{
				ID:          primitives.NewPayoutId(),
				WalletID:    wallet.ID,
				Destination: primitives.OnchainAddress(dest),
				AmountSats:  10_000,
			}},
			CandidateUTXOs: nil,
		}},
	}

	_, err := Build(params)
	if err == nil {
		t.Fatal("expected no usable inputs error")
	}
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("want KindValidation, got %s", errs.KindOf(err))
	}
}

func TestBuildAttributesFeeProRataAcrossWallets(t *testing.T) {
	xpubA := testXPub(t, 0)
	xpubB := testXPub(t, 1)
	walletA := testWallet(t, xpubA)
	walletB := testWallet(t, xpubB)
	dest := testDestination(t, xpubA)

	params := BuildParams{
		Network: &chaincfg.TestNet3Params,
		FeeRate: mustFeeRate(t, 10),
		Wallets: []WalletInput{
			{
				Wallet:     walletA,
				ChangeXPub: xpubA,
				Payouts: []p.Payout{{
					ID: primitives.NewPayoutId(), WalletID: walletA.ID,
					Destination: primitives.OnchainAddress(dest), AmountSats: 50_000,
				}},
				CandidateUTXOs: []utxo.UTXO{fakeUTXO(walletA.ID, 1, 200_000)},
			},
			{
				Wallet:     walletB,
				ChangeXPub: xpubB,
				Payouts: []p.Payout{{
					ID: primitives.NewPayoutId(), WalletID: walletB.ID,
					Destination: primitives.OnchainAddress(dest), AmountSats: 90_000,
				}},
				CandidateUTXOs: []utxo.UTXO{
					fakeUTXO(walletB.ID, 2, 60_000),
					fakeUTXO(walletB.ID, 3, 60_000),
				},
			},
		},
	}

	result, err := Build(params)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(result.WalletSummaries) != 2 {
		t.Fatalf("want 2 summaries, got %d", len(result.WalletSummaries))
	}

	var totalFeeFromSummaries primitives.Satoshis
	for _, s := range result.WalletSummaries {
		totalFeeFromSummaries += s.FeeSats
		if int64(s.InputSats) != int64(s.SpentSats)+int64(s.FeeSats)+int64(s.ChangeSats) {
			t.Fatalf("wallet %s accounting unbalanced: %+v", s.WalletID, s)
		}
	}
	if totalFeeFromSummaries != result.TotalFeeSats {
		t.Fatalf("sum of per-wallet fees %d != total fee %d", totalFeeFromSummaries, result.TotalFeeSats)
	}

	// Wallet B spends two inputs against A's one, so it should carry a
	// strictly larger share of the fee.
	if result.WalletSummaries[1].FeeSats <= result.WalletSummaries[0].FeeSats {
		t.Fatalf("expected wallet with more inputs to pay a larger fee share: %+v", result.WalletSummaries)
	}
}
