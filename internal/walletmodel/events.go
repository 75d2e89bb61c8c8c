package walletmodel

import (
	"encoding/json"

	"github.com/briacore/custody/internal/primitives"
)

// Event type tags for the wallet aggregate's event log. Unlike the UTXO
// table (Component C), a wallet's full history — keychain additions,
// deprecations, address derivations — is audit-relevant, so it is
// event-sourced per spec §4.5.
const (
	EventWalletCreated      = "WALLET_CREATED"
	EventKeychainAdded      = "KEYCHAIN_ADDED"
	EventKeychainDeprecated = "KEYCHAIN_DEPRECATED"
	EventAddressDerived     = "ADDRESS_DERIVED"
)

type walletCreatedPayload struct {
	AccountID              string
	Name                   string
	Network                string
	MarkSettledAfterNConfs int
}

type keychainAddedPayload struct {
	KeychainID string
	XPubID     string
	Ordinal    int
}

type keychainDeprecatedPayload struct {
	KeychainID string
}

type addressDerivedPayload struct {
	KeychainID string
	Kind       string
	Index      uint32
}

// Aggregate folds a wallet's event stream into a materialized Wallet. It
// implements eventlog.Aggregate.
type Aggregate struct {
	Wallet Wallet
}

func NewAggregate(walletID primitives.WalletId) *Aggregate {
	return &Aggregate{Wallet: Wallet{ID: walletID}}
}

func (a *Aggregate) Apply(eventType string, payload json.RawMessage) error {
	switch eventType {
	case EventWalletCreated:
		var p walletCreatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		accountID, err := primitives.ParseAccountId(p.AccountID)
		if err != nil {
			return err
		}
		a.Wallet.AccountID = accountID
		a.Wallet.Name = p.Name
		a.Wallet.Network = p.Network
		a.Wallet.MarkSettledAfterNConfs = p.MarkSettledAfterNConfs

	case EventKeychainAdded:
		var p keychainAddedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		keychainID, err := primitives.ParseKeychainId(p.KeychainID)
		if err != nil {
			return err
		}
		xpubID, err := primitives.ParseXPubId(p.XPubID)
		if err != nil {
			return err
		}
		a.Wallet.Keychains = append(a.Wallet.Keychains, Keychain{
			ID: keychainID, WalletID: a.Wallet.ID, XPubID: xpubID, Ordinal: p.Ordinal,
		})

	case EventKeychainDeprecated:
		var p keychainDeprecatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		keychainID, err := primitives.ParseKeychainId(p.KeychainID)
		if err != nil {
			return err
		}
		for i := range a.Wallet.Keychains {
			if a.Wallet.Keychains[i].ID == keychainID {
				a.Wallet.Keychains[i].Deprecated = true
			}
		}

	case EventAddressDerived:
		var p addressDerivedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		keychainID, err := primitives.ParseKeychainId(p.KeychainID)
		if err != nil {
			return err
		}
		for i := range a.Wallet.Keychains {
			if a.Wallet.Keychains[i].ID != keychainID {
				continue
			}
			if primitives.KeychainKind(p.Kind) == primitives.KeychainInternal {
				if p.Index >= a.Wallet.Keychains[i].NextInternalIndex {
					a.Wallet.Keychains[i].NextInternalIndex = p.Index + 1
				}
			} else {
				if p.Index >= a.Wallet.Keychains[i].NextExternalIndex {
					a.Wallet.Keychains[i].NextExternalIndex = p.Index + 1
				}
			}
		}
	}
	return nil
}
