package walletmodel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

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

func testAccountXPub(t *testing.T, accountIndex uint32) (string, *hdkeychain.ExtendedKey) {
	t.Helper()
	seed, err := bip39.NewSeedWithErrorChecking(
		"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", "")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	purpose, _ := master.Derive(hdkeychain.HardenedKeyStart + 84)
	coin, _ := purpose.Derive(hdkeychain.HardenedKeyStart + 1)
	account, _ := coin.Derive(hdkeychain.HardenedKeyStart + accountIndex)
	neutered, err := account.Neuter()
	if err != nil {
		t.Fatalf("neuter: %v", err)
	}
	return neutered.String(), neutered
}

func TestCreateWalletAndDeriveAddresses(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	accountID := primitives.NewAccountId()
	if _, err := d.Conn().ExecContext(ctx, `INSERT INTO accounts (id, name) VALUES (?, 'test')`, accountID.String()); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	xpubStr, xpubKey := testAccountXPub(t, 0)

	var wallet Wallet
	err := d.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		xp, err := ImportXPub(ctx, q, accountID, xpubStr, "m/84'/1'/0'", &chaincfg.TestNet3Params)
		if err != nil {
			return err
		}
		wallet, err = CreateWallet(ctx, q, accountID, "payouts", "testnet", 1, xp.ID)
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if len(wallet.Keychains) != 1 {
		t.Fatalf("want 1 keychain, got %d", len(wallet.Keychains))
	}

	var addr1, addr2 Address
	err = d.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		addr1, err = NewAddress(ctx, q, wallet.ID, wallet.Current().ID, primitives.KeychainExternal, xpubKey, &chaincfg.TestNet3Params)
		if err != nil {
			return err
		}
		addr2, err = NewAddress(ctx, q, wallet.ID, wallet.Current().ID, primitives.KeychainExternal, xpubKey, &chaincfg.TestNet3Params)
		return err
	})
	if err != nil {
		t.Fatalf("derive addresses: %v", err)
	}
	if addr1.Index != 0 || addr2.Index != 1 {
		t.Fatalf("expected sequential indexes 0,1; got %d,%d", addr1.Index, addr2.Index)
	}
	if addr1.Address == addr2.Address {
		t.Fatal("expected distinct addresses at distinct indexes")
	}

	reloaded, err := GetWallet(ctx, d.Conn(), wallet.ID)
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if reloaded.Current().NextExternalIndex != 2 {
		t.Fatalf("want next_external_index=2, got %d", reloaded.Current().NextExternalIndex)
	}
}

func TestDeprecateKeychainMovesCurrentForward(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	accountID := primitives.NewAccountId()
	if _, err := d.Conn().ExecContext(ctx, `INSERT INTO accounts (id, name) VALUES (?, 'test')`, accountID.String()); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	xpubStr, _ := testAccountXPub(t, 0)

	var wallet Wallet
	var newKeychain Keychain
	err := d.WithImmediateTx(ctx, func(ctx context.Context, q store.Querier) error {
		xp, err := ImportXPub(ctx, q, accountID, xpubStr, "m/84'/1'/0'", &chaincfg.TestNet3Params)
		if err != nil {
			return err
		}
		wallet, err = CreateWallet(ctx, q, accountID, "payouts", "testnet", 1, xp.ID)
		if err != nil {
			return err
		}
		xpubStr2, _ := testAccountXPub(t, 1)
		xp2, err := ImportXPub(ctx, q, accountID, xpubStr2, "m/84'/1'/1'", &chaincfg.TestNet3Params)
		if err != nil {
			return err
		}
		newKeychain, err = AddKeychain(ctx, q, wallet.ID, xp2.ID)
		if err != nil {
			return err
		}
		return DeprecateKeychain(ctx, q, wallet.ID, wallet.Current().ID)
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	reloaded, err := GetWallet(ctx, d.Conn(), wallet.ID)
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if reloaded.Current().ID != newKeychain.ID {
		t.Fatalf("expected new keychain to become current after deprecation")
	}
	if len(reloaded.Deprecated()) != 1 {
		t.Fatalf("expected 1 deprecated keychain, got %d", len(reloaded.Deprecated()))
	}
}
