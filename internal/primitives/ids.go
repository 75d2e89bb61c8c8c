// Package primitives holds the strongly-typed identifiers and money types
// shared by every other component of the custody core.
package primitives

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// id is the common representation behind every typed identifier in this
// package. It is created at construction and never reassigned.
type id struct {
	uuid.UUID
}

func newID() id {
	return id{uuid.New()}
}

func parseID(s string) (id, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return id{}, fmt.Errorf("parse id %q: %w", s, err)
	}
	return id{u}, nil
}

// AccountId identifies the top-level account a wallet, profile or payout
// queue belongs to.
type AccountId struct{ id }

// ProfileId identifies an operator profile (API key owner).
type ProfileId struct{ id }

// WalletId identifies a wallet (ordered list of keychains).
type WalletId struct{ id }

// KeychainId identifies one keychain within a wallet.
type KeychainId struct{ id }

// XPubId identifies an imported extended public key.
type XPubId struct{ id }

// AddressId identifies a derived address row.
type AddressId struct{ id }

// PayoutId identifies a queued payout.
type PayoutId struct{ id }

// PayoutQueueId identifies a payout queue.
type PayoutQueueId struct{ id }

// BatchId identifies a constructed batch.
type BatchId struct{ id }

// LedgerTransactionId identifies a posted ledger transaction.
type LedgerTransactionId struct{ id }

// LedgerTemplateId identifies a ledger transaction template.
type LedgerTemplateId struct{ id }

func NewAccountId() AccountId                     { return AccountId{newID()} }
func NewProfileId() ProfileId                     { return ProfileId{newID()} }
func NewWalletId() WalletId                       { return WalletId{newID()} }
func NewKeychainId() KeychainId                    { return KeychainId{newID()} }
func NewXPubId() XPubId                           { return XPubId{newID()} }
func NewAddressId() AddressId                     { return AddressId{newID()} }
func NewPayoutId() PayoutId                       { return PayoutId{newID()} }
func NewPayoutQueueId() PayoutQueueId             { return PayoutQueueId{newID()} }
func NewBatchId() BatchId                         { return BatchId{newID()} }
func NewLedgerTransactionId() LedgerTransactionId { return LedgerTransactionId{newID()} }
func NewLedgerTemplateId() LedgerTemplateId       { return LedgerTemplateId{newID()} }

func ParseAccountId(s string) (AccountId, error)             { i, err := parseID(s); return AccountId{i}, err }
func ParseProfileId(s string) (ProfileId, error)             { i, err := parseID(s); return ProfileId{i}, err }
func ParseWalletId(s string) (WalletId, error)               { i, err := parseID(s); return WalletId{i}, err }
func ParseKeychainId(s string) (KeychainId, error)           { i, err := parseID(s); return KeychainId{i}, err }
func ParseXPubId(s string) (XPubId, error)                   { i, err := parseID(s); return XPubId{i}, err }
func ParseAddressId(s string) (AddressId, error)             { i, err := parseID(s); return AddressId{i}, err }
func ParsePayoutId(s string) (PayoutId, error)               { i, err := parseID(s); return PayoutId{i}, err }
func ParsePayoutQueueId(s string) (PayoutQueueId, error)     { i, err := parseID(s); return PayoutQueueId{i}, err }
func ParseBatchId(s string) (BatchId, error)                 { i, err := parseID(s); return BatchId{i}, err }
func ParseLedgerTransactionId(s string) (LedgerTransactionId, error) {
	i, err := parseID(s)
	return LedgerTransactionId{i}, err
}
func ParseLedgerTemplateId(s string) (LedgerTemplateId, error) {
	i, err := parseID(s)
	return LedgerTemplateId{i}, err
}

// Value/Scan implement database/sql/driver for every typed ID via embedding.
// Each wrapper type needs its own Value/Scan because driver.Valuer/Scanner
// dispatch on the concrete type, not the embedded one.

func (i id) Value() (driver.Value, error) { return i.UUID.String(), nil }

func (i *id) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("scan id: %w", err)
		}
		i.UUID = u
		return nil
	case []byte:
		u, err := uuid.Parse(string(v))
		if err != nil {
			return fmt.Errorf("scan id: %w", err)
		}
		i.UUID = u
		return nil
	default:
		return fmt.Errorf("scan id: unsupported type %T", src)
	}
}

func (a AccountId) Value() (driver.Value, error) { return a.id.Value() }
func (a *AccountId) Scan(src interface{}) error   { return a.id.Scan(src) }

func (p ProfileId) Value() (driver.Value, error) { return p.id.Value() }
func (p *ProfileId) Scan(src interface{}) error  { return p.id.Scan(src) }

func (w WalletId) Value() (driver.Value, error) { return w.id.Value() }
func (w *WalletId) Scan(src interface{}) error  { return w.id.Scan(src) }

func (k KeychainId) Value() (driver.Value, error) { return k.id.Value() }
func (k *KeychainId) Scan(src interface{}) error  { return k.id.Scan(src) }

func (x XPubId) Value() (driver.Value, error) { return x.id.Value() }
func (x *XPubId) Scan(src interface{}) error  { return x.id.Scan(src) }

func (a AddressId) Value() (driver.Value, error) { return a.id.Value() }
func (a *AddressId) Scan(src interface{}) error  { return a.id.Scan(src) }

func (p PayoutId) Value() (driver.Value, error) { return p.id.Value() }
func (p *PayoutId) Scan(src interface{}) error  { return p.id.Scan(src) }

func (q PayoutQueueId) Value() (driver.Value, error) { return q.id.Value() }
func (q *PayoutQueueId) Scan(src interface{}) error  { return q.id.Scan(src) }

func (b BatchId) Value() (driver.Value, error) { return b.id.Value() }
func (b *BatchId) Scan(src interface{}) error  { return b.id.Scan(src) }

func (l LedgerTransactionId) Value() (driver.Value, error) { return l.id.Value() }
func (l *LedgerTransactionId) Scan(src interface{}) error  { return l.id.Scan(src) }

func (t LedgerTemplateId) Value() (driver.Value, error) { return t.id.Value() }
func (t *LedgerTemplateId) Scan(src interface{}) error  { return t.id.Scan(src) }
