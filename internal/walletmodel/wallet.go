// Package walletmodel implements Component D: the wallet/keychain model.
// A Wallet is an ordered, non-empty list of keychains — the first is
// current, the rest deprecated but still watched so their UTXOs remain
// spendable — plus the five per-wallet ledger account names every posting
// in Component H addresses by name, never by a foreign key.
package walletmodel

import (
	"github.com/briacore/custody/internal/primitives"
)

// LedgerAccounts names the five per-wallet ledger accounts from spec §3.
type LedgerAccounts struct {
	OnchainIncoming   string
	OnchainAtRest     string
	OnchainOutgoing   string
	EffectiveOutgoing string
	Fee               string
}

// WalletLedgerAccounts returns the five ledger account names scoped to one
// wallet. Names are stable strings, not surrogate ids, so the ledger never
// needs a foreign key back into this package.
func WalletLedgerAccounts(walletID primitives.WalletId) LedgerAccounts {
	prefix := "wallet:" + walletID.String() + ":"
	return LedgerAccounts{
		OnchainIncoming:   prefix + "onchain_incoming",
		OnchainAtRest:     prefix + "onchain_at_rest",
		OnchainOutgoing:   prefix + "onchain_outgoing",
		EffectiveOutgoing: prefix + "effective_outgoing",
		Fee:               prefix + "fee",
	}
}

// AccountOmnibusLedgerAccounts mirrors the wallet accounts at the account
// (account-wide) level, used for omnibus balance reporting across all of an
// account's wallets.
func AccountOmnibusLedgerAccounts(accountID primitives.AccountId) LedgerAccounts {
	prefix := "account:" + accountID.String() + ":"
	return LedgerAccounts{
		OnchainIncoming:   prefix + "onchain_incoming",
		OnchainAtRest:     prefix + "onchain_at_rest",
		OnchainOutgoing:   prefix + "onchain_outgoing",
		EffectiveOutgoing: prefix + "effective_outgoing",
		Fee:               prefix + "fee",
	}
}

// Keychain is one descriptor-bound sub-wallet. A wallet's current keychain
// is its lowest-ordinal keychain not marked Deprecated; the others are kept
// so their UTXOs remain spendable and their addresses remain watchable.
type Keychain struct {
	ID                primitives.KeychainId
	WalletID          primitives.WalletId
	XPubID            primitives.XPubId
	Ordinal           int
	Deprecated        bool
	NextExternalIndex uint32
	NextInternalIndex uint32
}

// NextIndex returns the next unused derivation index for the given address
// kind, without mutating the keychain — callers persist the increment
// themselves in the same transaction as the address insert, as NewAddress
// does.
func (k Keychain) NextIndex(kind primitives.KeychainKind) uint32 {
	if kind == primitives.KeychainInternal {
		return k.NextInternalIndex
	}
	return k.NextExternalIndex
}

// Wallet is an ordered, non-empty list of keychains plus the account/network
// context every derivation and ledger posting needs.
type Wallet struct {
	ID                     primitives.WalletId
	AccountID              primitives.AccountId
	Name                   string
	Network                string
	MarkSettledAfterNConfs int
	Keychains              []Keychain // Keychains[0] is current; Keychains[1:] are deprecated.
}

// Current returns the wallet's current keychain, Keychains[0]: as GetWallet
// loads them, the lowest-ordinal keychain not marked deprecated. Callers may
// assume it always exists: a wallet is never persisted without one.
func (w Wallet) Current() Keychain {
	return w.Keychains[0]
}

// Deprecated returns every non-current keychain, in the order GetWallet
// loads them (not-deprecated first, then by ordinal).
func (w Wallet) Deprecated() []Keychain {
	if len(w.Keychains) <= 1 {
		return nil
	}
	return w.Keychains[1:]
}

// ReservableKeychains returns the keychains a payout queue's batch builder
// should draw UTXOs from: always the current one, plus deprecated ones only
// when consolidateDeprecated is set (Open Question ii).
func (w Wallet) ReservableKeychains(consolidateDeprecated bool) []Keychain {
	if consolidateDeprecated {
		return w.Keychains
	}
	return w.Keychains[:1]
}
