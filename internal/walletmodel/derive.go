package walletmodel

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
)

// externalBranch/internalBranch are the unhardened BIP-84 change-level
// children of an imported account xpub: 0 for receive addresses, 1 for
// change. Both are derivable from a public key alone, which is exactly what
// lets this core generate addresses without ever touching a private key.
const (
	externalBranch = 0
	internalBranch = 1
)

// DerivedAddress is the result of deriving one address from a keychain's
// account xpub at a given branch/index.
type DerivedAddress struct {
	Address   string
	ScriptHex string
}

// DeriveAddress derives the bech32 (P2WPKH) address and script pubkey for
// (kind, index) under the given account-level xpub, following the same
// BIP-84 m/84'/coin'/account'/change/index shape the keychain's xpub was
// itself imported at — this function only walks the last two unhardened
// levels, since the hardened prefix is baked into the imported xpub.
func DeriveAddress(xpub *hdkeychain.ExtendedKey, kind primitives.KeychainKind, index uint32, net *chaincfg.Params) (DerivedAddress, error) {
	branch := externalBranch
	if kind == primitives.KeychainInternal {
		branch = internalBranch
	}

	changeKey, err := xpub.Derive(uint32(branch))
	if err != nil {
		return DerivedAddress{}, errs.Wrap(errs.KindInternal, fmt.Errorf("derive change key for branch %d: %w", branch, err))
	}
	childKey, err := changeKey.Derive(index)
	if err != nil {
		return DerivedAddress{}, errs.Wrap(errs.KindInternal, fmt.Errorf("derive child key at index %d: %w", index, err))
	}

	pubKey, err := childKey.ECPubKey()
	if err != nil {
		return DerivedAddress{}, errs.Wrap(errs.KindInternal, fmt.Errorf("get public key at index %d: %w", index, err))
	}

	witnessProg := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(witnessProg, net)
	if err != nil {
		return DerivedAddress{}, errs.Wrap(errs.KindInternal, fmt.Errorf("build bech32 address at index %d: %w", index, err))
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return DerivedAddress{}, errs.Wrap(errs.KindInternal, fmt.Errorf("build script pubkey at index %d: %w", index, err))
	}

	return DerivedAddress{
		Address:   addr.EncodeAddress(),
		ScriptHex: hex.EncodeToString(script),
	}, nil
}
