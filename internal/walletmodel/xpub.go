package walletmodel

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/briacore/custody/internal/errs"
)

// NetworkParams resolves the chaincfg.Params for a wallet's stored network
// string, mirroring the custody core's only two supported networks.
func NetworkParams(network string) *chaincfg.Params {
	if network == "testnet" {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// ParseXPub decodes an imported extended public key string, rejecting it
// outright if it turns out to carry private key material — this core never
// holds signing keys, only the public half needed to derive addresses and
// watch the chain.
func ParseXPub(xpub string, net *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("parse xpub: %w", err))
	}
	if key.IsPrivate() {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("imported key carries private material, refusing to store it"))
	}
	if !key.IsForNet(net) {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("xpub is not valid for network %s", net.Name))
	}
	return key, nil
}

// Fingerprint returns the 4-byte parent fingerprint of key, hex-encoded, for
// display/audit; it is stored in the xpubs row's fingerprint column.
func Fingerprint(key *hdkeychain.ExtendedKey) string {
	return fmt.Sprintf("%08x", key.ParentFingerprint())
}
