package walletmodel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/eventlog"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
)

// isUniqueConstraintErr mirrors eventlog's own check: modernc.org/sqlite
// reports constraint violations in the error string, not a typed sentinel.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// XPub is the projection of an imported extended public key.
type XPub struct {
	ID             primitives.XPubId
	AccountID      primitives.AccountId
	XPub           string
	DerivationPath string
	Fingerprint    string
}

// ImportXPub validates and stores an extended public key, rejecting
// anything carrying private material. It is a plain row, not event-sourced:
// an xpub is immutable once imported, so there is no history to fold.
func ImportXPub(ctx context.Context, q store.Querier, accountID primitives.AccountId, xpubStr, derivationPath string, net *chaincfg.Params) (XPub, error) {
	key, err := ParseXPub(xpubStr, net)
	if err != nil {
		return XPub{}, err
	}

	x := XPub{
		ID:             primitives.NewXPubId(),
		AccountID:      accountID,
		XPub:           xpubStr,
		DerivationPath: derivationPath,
		Fingerprint:    Fingerprint(key),
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO xpubs (id, account_id, xpub, derivation_path, fingerprint) VALUES (?, ?, ?, ?, ?)`,
		x.ID.String(), x.AccountID.String(), x.XPub, x.DerivationPath, x.Fingerprint,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return XPub{}, errs.Wrap(errs.KindConflict, fmt.Errorf("import xpub: %w", errs.ErrDuplicateNaturalKey))
		}
		return XPub{}, errs.Wrap(errs.KindStorage, fmt.Errorf("import xpub: %w", err))
	}
	return x, nil
}

// CreateWallet creates a wallet with its first (current) keychain bound to
// xpubID, appending WALLET_CREATED then KEYCHAIN_ADDED to its event log and
// projecting both into the wallets/keychains tables in the same transaction.
func CreateWallet(ctx context.Context, q store.Querier, accountID primitives.AccountId, name, network string, markSettledAfterNConfs int, xpubID primitives.XPubId) (Wallet, error) {
	walletID := primitives.NewWalletId()
	entityID := walletID.String()

	if err := eventlog.Append(ctx, q, entityID, "wallet", 1, EventWalletCreated, walletCreatedPayload{
		AccountID: accountID.String(), Name: name, Network: network, MarkSettledAfterNConfs: markSettledAfterNConfs,
	}); err != nil {
		return Wallet{}, err
	}

	keychainID := primitives.NewKeychainId()
	if err := eventlog.Append(ctx, q, entityID, "wallet", 2, EventKeychainAdded, keychainAddedPayload{
		KeychainID: keychainID.String(), XPubID: xpubID.String(), Ordinal: 0,
	}); err != nil {
		return Wallet{}, err
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO wallets (id, account_id, name, network, mark_settled_after_n_confs) VALUES (?, ?, ?, ?, ?)`,
		walletID.String(), accountID.String(), name, network, markSettledAfterNConfs,
	); err != nil {
		if isUniqueConstraintErr(err) {
			return Wallet{}, errs.Wrap(errs.KindConflict, fmt.Errorf("create wallet %q: %w", name, errs.ErrDuplicateNaturalKey))
		}
		return Wallet{}, errs.Wrap(errs.KindStorage, fmt.Errorf("create wallet %q: %w", name, err))
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO keychains (id, wallet_id, xpub_id, ordinal) VALUES (?, ?, ?, 0)`,
		keychainID.String(), walletID.String(), xpubID.String(),
	); err != nil {
		return Wallet{}, errs.Wrap(errs.KindStorage, fmt.Errorf("insert current keychain for wallet %q: %w", name, err))
	}

	return Wallet{
		ID: walletID, AccountID: accountID, Name: name, Network: network,
		MarkSettledAfterNConfs: markSettledAfterNConfs,
		Keychains:              []Keychain{{ID: keychainID, WalletID: walletID, XPubID: xpubID, Ordinal: 0}},
	}, nil
}

// AddKeychain appends a new, not-deprecated keychain at the next ordinal to
// an existing wallet; it becomes current once every lower-ordinal keychain
// is deprecated — used when rotating in a fresh xpub while keeping the old
// one watchable for its still-unspent outputs.
func AddKeychain(ctx context.Context, q store.Querier, walletID primitives.WalletId, xpubID primitives.XPubId) (Keychain, error) {
	var maxOrdinal int
	row := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal), -1) FROM keychains WHERE wallet_id = ?`, walletID.String())
	if err := row.Scan(&maxOrdinal); err != nil {
		return Keychain{}, errs.Wrap(errs.KindStorage, fmt.Errorf("find max ordinal for wallet %s: %w", walletID, err))
	}
	ordinal := maxOrdinal + 1

	nextSeq, err := nextSequence(ctx, q, walletID.String())
	if err != nil {
		return Keychain{}, err
	}

	keychainID := primitives.NewKeychainId()
	if err := eventlog.Append(ctx, q, walletID.String(), "wallet", nextSeq, EventKeychainAdded, keychainAddedPayload{
		KeychainID: keychainID.String(), XPubID: xpubID.String(), Ordinal: ordinal,
	}); err != nil {
		return Keychain{}, err
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO keychains (id, wallet_id, xpub_id, ordinal) VALUES (?, ?, ?, ?)`,
		keychainID.String(), walletID.String(), xpubID.String(), ordinal,
	); err != nil {
		return Keychain{}, errs.Wrap(errs.KindStorage, fmt.Errorf("insert keychain for wallet %s: %w", walletID, err))
	}

	return Keychain{ID: keychainID, WalletID: walletID, XPubID: xpubID, Ordinal: ordinal}, nil
}

// DeprecateKeychain marks a keychain deprecated: it is no longer used to
// derive fresh addresses, but remains in the wallet's keychain list so its
// existing UTXOs stay spendable.
func DeprecateKeychain(ctx context.Context, q store.Querier, walletID primitives.WalletId, keychainID primitives.KeychainId) error {
	nextSeq, err := nextSequence(ctx, q, walletID.String())
	if err != nil {
		return err
	}
	if err := eventlog.Append(ctx, q, walletID.String(), "wallet", nextSeq, EventKeychainDeprecated, keychainDeprecatedPayload{
		KeychainID: keychainID.String(),
	}); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `UPDATE keychains SET deprecated = 1 WHERE id = ?`, keychainID.String()); err != nil {
		return errs.Wrap(errs.KindStorage, fmt.Errorf("deprecate keychain %s: %w", keychainID, err))
	}
	return nil
}

// Address is a derived, persisted address row.
type Address struct {
	ID         primitives.AddressId
	KeychainID primitives.KeychainId
	Kind       primitives.KeychainKind
	Index      uint32
	Address    string
	ScriptHex  string
}

// NewAddress derives the next address of the given kind for keychainID
// under xpub, persists it, advances the keychain's index counter, and
// records ADDRESS_DERIVED on the owning wallet's event log.
func NewAddress(ctx context.Context, q store.Querier, walletID primitives.WalletId, keychainID primitives.KeychainId, kind primitives.KeychainKind, xpub *hdkeychain.ExtendedKey, net *chaincfg.Params) (Address, error) {
	var nextExternal, nextInternal uint32
	row := q.QueryRowContext(ctx, `SELECT next_external_index, next_internal_index FROM keychains WHERE id = ?`, keychainID.String())
	if err := row.Scan(&nextExternal, &nextInternal); err != nil {
		if err == sql.ErrNoRows {
			return Address{}, errs.Wrap(errs.KindNotFound, fmt.Errorf("keychain %s not found", keychainID))
		}
		return Address{}, errs.Wrap(errs.KindStorage, fmt.Errorf("read keychain %s indexes: %w", keychainID, err))
	}

	index := nextExternal
	column := "next_external_index"
	if kind == primitives.KeychainInternal {
		index = nextInternal
		column = "next_internal_index"
	}

	derived, err := DeriveAddress(xpub, kind, index, net)
	if err != nil {
		return Address{}, err
	}

	nextSeq, err := nextSequence(ctx, q, walletID.String())
	if err != nil {
		return Address{}, err
	}
	if err := eventlog.Append(ctx, q, walletID.String(), "wallet", nextSeq, EventAddressDerived, addressDerivedPayload{
		KeychainID: keychainID.String(), Kind: string(kind), Index: index,
	}); err != nil {
		return Address{}, err
	}

	addressID := primitives.NewAddressId()
	if _, err := q.ExecContext(ctx,
		`INSERT INTO addresses (id, keychain_id, kind, address_idx, address, script_pubkey) VALUES (?, ?, ?, ?, ?, ?)`,
		addressID.String(), keychainID.String(), string(kind), index, derived.Address, derived.ScriptHex,
	); err != nil {
		return Address{}, errs.Wrap(errs.KindStorage, fmt.Errorf("insert address for keychain %s: %w", keychainID, err))
	}
	if _, err := q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE keychains SET %s = ? WHERE id = ?`, column), index+1, keychainID.String(),
	); err != nil {
		return Address{}, errs.Wrap(errs.KindStorage, fmt.Errorf("advance %s for keychain %s: %w", column, keychainID, err))
	}

	return Address{
		ID: addressID, KeychainID: keychainID, Kind: kind, Index: index,
		Address: derived.Address, ScriptHex: derived.ScriptHex,
	}, nil
}

// GetWallet loads a wallet and its keychains from the projection tables,
// current keychain first.
func GetWallet(ctx context.Context, q store.Querier, walletID primitives.WalletId) (Wallet, error) {
	var w Wallet
	w.ID = walletID

	row := q.QueryRowContext(ctx, `SELECT account_id, name, network, mark_settled_after_n_confs FROM wallets WHERE id = ?`, walletID.String())
	var accountID string
	if err := row.Scan(&accountID, &w.Name, &w.Network, &w.MarkSettledAfterNConfs); err != nil {
		if err == sql.ErrNoRows {
			return Wallet{}, errs.Wrap(errs.KindNotFound, fmt.Errorf("wallet %s not found: %w", walletID, errs.ErrUnknownWallet))
		}
		return Wallet{}, errs.Wrap(errs.KindStorage, fmt.Errorf("load wallet %s: %w", walletID, err))
	}
	parsedAccountID, err := primitives.ParseAccountId(accountID)
	if err != nil {
		return Wallet{}, errs.Wrap(errs.KindInternal, fmt.Errorf("parse account id for wallet %s: %w", walletID, err))
	}
	w.AccountID = parsedAccountID

	rows, err := q.QueryContext(ctx,
		`SELECT id, xpub_id, ordinal, deprecated, next_external_index, next_internal_index
		 FROM keychains WHERE wallet_id = ? ORDER BY deprecated ASC, ordinal ASC`,
		walletID.String(),
	)
	if err != nil {
		return Wallet{}, errs.Wrap(errs.KindStorage, fmt.Errorf("load keychains for wallet %s: %w", walletID, err))
	}
	defer rows.Close()

	for rows.Next() {
		var k Keychain
		var id, xpubID string
		var deprecated int
		k.WalletID = walletID
		if err := rows.Scan(&id, &xpubID, &k.Ordinal, &deprecated, &k.NextExternalIndex, &k.NextInternalIndex); err != nil {
			return Wallet{}, errs.Wrap(errs.KindStorage, fmt.Errorf("scan keychain row: %w", err))
		}
		if kid, err := primitives.ParseKeychainId(id); err == nil {
			k.ID = kid
		}
		if xid, err := primitives.ParseXPubId(xpubID); err == nil {
			k.XPubID = xid
		}
		k.Deprecated = deprecated != 0
		w.Keychains = append(w.Keychains, k)
	}
	if err := rows.Err(); err != nil {
		return Wallet{}, errs.Wrap(errs.KindStorage, fmt.Errorf("iterate keychains for wallet %s: %w", walletID, err))
	}
	if len(w.Keychains) == 0 {
		return Wallet{}, errs.Wrap(errs.KindInternal, fmt.Errorf("wallet %s has no keychains", walletID))
	}
	return w, nil
}

// ListWallets loads every wallet belonging to accountID, keychains included.
func ListWallets(ctx context.Context, q store.Querier, accountID primitives.AccountId) ([]Wallet, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM wallets WHERE account_id = ? ORDER BY name ASC`, accountID.String())
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("list wallets for account %s: %w", accountID, err))
	}
	var ids []primitives.WalletId
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("scan wallet id for account %s: %w", accountID, err))
		}
		if id, err := primitives.ParseWalletId(idStr); err == nil {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("iterate wallets for account %s: %w", accountID, err))
	}
	rows.Close()

	out := make([]Wallet, 0, len(ids))
	for _, id := range ids {
		w, err := GetWallet(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func nextSequence(ctx context.Context, q store.Querier, entityID string) (int, error) {
	var count int
	row := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE entity_id = ?`, entityID)
	if err := row.Scan(&count); err != nil {
		return 0, errs.Wrap(errs.KindStorage, fmt.Errorf("count events for %s: %w", entityID, err))
	}
	return count + 1, nil
}
