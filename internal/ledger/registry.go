package ledger

import (
	"context"
	"fmt"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
)

// Registry holds every registered template, keyed by code. Define rejects a
// template whose entries cannot be proven balanced; Bootstrap persists the
// whole registry with create-if-absent semantics.
type Registry struct {
	byCode map[string]*Template
}

// NewRegistry builds the registry of the seven templates spec.md names:
// UTXO_DETECTED, CONFIRMED_UTXO, QUEUED_PAYOUT, CREATE_BATCH, SPEND_DETECTED,
// SPEND_SETTLED, PAYOUT_CANCELLED. Panics if any built-in template fails its
// own balance proof — a programmer error, never a runtime condition.
func NewRegistry() *Registry {
	r := &Registry{byCode: map[string]*Template{}}
	for _, def := range builtinTemplates() {
		if _, err := r.Define(def.code, def.description, def.entries); err != nil {
			panic(fmt.Sprintf("ledger: built-in template %s: %v", def.code, err))
		}
	}
	return r
}

// Define registers a new template under code, proving it balances per
// (currency, layer) before accepting it. Returns errs.ErrTemplateNotProvable
// (KindLedger) if it does not.
func (r *Registry) Define(code, description string, entries []EntrySpec) (*Template, error) {
	if !provesBalanced(entries) {
		return nil, errs.Wrap(errs.KindLedger, fmt.Errorf("template %s: %w", code, errs.ErrTemplateNotProvable))
	}
	t := &Template{
		ID:          primitives.NewLedgerTemplateId(),
		Code:        code,
		Description: description,
		Entries:     entries,
	}
	r.byCode[code] = t
	return t, nil
}

// Lookup returns the template registered under code, or false if none.
func (r *Registry) Lookup(code string) (*Template, bool) {
	t, ok := r.byCode[code]
	return t, ok
}

// Bootstrap persists every registered template to storage, skipping ones
// already present (matched by code) — the teacher's internal/db/settings.go
// create-if-absent idiom, generalized from one settings row to a set of
// template rows.
func (r *Registry) Bootstrap(ctx context.Context, q store.Querier) error {
	for _, t := range r.byCode {
		_, err := q.ExecContext(ctx,
			`INSERT INTO ledger_templates (id, code, description) VALUES (?, ?, ?)`,
			t.ID.String(), t.Code, t.Description,
		)
		if err == nil {
			continue
		}
		if isUniqueConstraintErr(err) {
			continue
		}
		return errs.Wrap(errs.KindStorage, fmt.Errorf("bootstrap template %s: %w", t.Code, err))
	}
	return nil
}

type templateDef struct {
	code        string
	description string
	entries     []EntrySpec
}

// builtinTemplates mirrors original_source/src/ledger/constants.rs's seven
// template codes. SPEND_SETTLED's eighteen entries are copied directly from
// templates/spend_settled.rs (translating each arithmetic expression into
// its LinearUnits coefficients); PAYOUT_CANCELLED's two entries likewise
// from templates/payout_cancelled.rs. UTXO_DETECTED, CONFIRMED_UTXO,
// QUEUED_PAYOUT, CREATE_BATCH, and SPEND_DETECTED have no surviving source
// file in original_source — their entries are derived by analogy with
// spend_settled's wallet/omnibus mirroring and PENDING-then-SETTLED
// reversal pattern, split across the UTXO and payout lifecycle transitions
// spec.md §4.1 and §4.3 describe. See DESIGN.md for the split rationale.
func builtinTemplates() []templateDef {
	netSend := LinearUnits{"total_in": 1, "change": -1, "fees": -1}
	outgoingLessFees := LinearUnits{"total_in": 1, "fees": -1}

	return []templateDef{
		{
			code:        "UTXO_DETECTED",
			description: "A new, unconfirmed UTXO was detected for a wallet keychain.",
			entries: []EntrySpec{
				{EntryType: "UTXO_DETECTED_INCOMING_DR", Currency: primitives.BTC, Account: RefWalletOnchainIncoming, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: Param("amount")},
				{EntryType: "UTXO_DETECTED_INCOMING_CR", Currency: primitives.BTC, Account: RefOmnibusOnchainIncoming, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: Param("amount")},
			},
		},
		{
			code:        "CONFIRMED_UTXO",
			description: "A detected UTXO reached its wallet's settlement confirmation threshold.",
			entries: []EntrySpec{
				{EntryType: "CONFIRMED_UTXO_INCOMING_REVERSE_DR", Currency: primitives.BTC, Account: RefOmnibusOnchainIncoming, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: Param("amount")},
				{EntryType: "CONFIRMED_UTXO_INCOMING_REVERSE_CR", Currency: primitives.BTC, Account: RefWalletOnchainIncoming, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: Param("amount")},
				{EntryType: "CONFIRMED_UTXO_AT_REST_DR", Currency: primitives.BTC, Account: RefWalletOnchainAtRest, Direction: primitives.Debit, Layer: primitives.LayerSettled, Units: Param("amount")},
				{EntryType: "CONFIRMED_UTXO_AT_REST_CR", Currency: primitives.BTC, Account: RefOmnibusOnchainAtRest, Direction: primitives.Credit, Layer: primitives.LayerSettled, Units: Param("amount")},
			},
		},
		{
			code:        "QUEUED_PAYOUT",
			description: "A payout was queued against a wallet, encumbering its funds.",
			entries: []EntrySpec{
				{EntryType: "QUEUED_PAYOUT_LOG_OUT_ENC_CR", Currency: primitives.BTC, Account: RefWalletEffectiveOutgoing, Direction: primitives.Credit, Layer: primitives.LayerEncumbered, Units: Param("amount")},
				{EntryType: "QUEUED_PAYOUT_LOG_OUT_ENC_DR", Currency: primitives.BTC, Account: RefOmnibusEffectiveOutgoing, Direction: primitives.Debit, Layer: primitives.LayerEncumbered, Units: Param("amount")},
			},
		},
		{
			// Entries and directions copied from payout_cancelled.rs, the
			// exact reversal of QUEUED_PAYOUT's encumbrance.
			code:        "PAYOUT_CANCELLED",
			description: "A queued payout was cancelled before being included in a batch.",
			entries: []EntrySpec{
				{EntryType: "PAYOUT_CANCELLED_LOG_OUT_ENC_CR", Currency: primitives.BTC, Account: RefOmnibusEffectiveOutgoing, Direction: primitives.Credit, Layer: primitives.LayerEncumbered, Units: Param("amount")},
				{EntryType: "PAYOUT_CANCELLED_LOG_OUT_ENC_DR", Currency: primitives.BTC, Account: RefWalletEffectiveOutgoing, Direction: primitives.Debit, Layer: primitives.LayerEncumbered, Units: Param("amount")},
			},
		},
		{
			// Derived by analogy: committing a payout to a batch reverses
			// its ENCUMBERED hold the same way cancellation does, but books
			// PENDING instead of dropping it, using spend_settled's own
			// wallet-DEBIT/omnibus-CREDIT direction for the effective pair.
			code:        "CREATE_BATCH",
			description: "A payout queue's payouts were assembled into a batch, committing their encumbrance.",
			entries: []EntrySpec{
				{EntryType: "CREATE_BATCH_LOG_OUT_ENC_DR", Currency: primitives.BTC, Account: RefWalletEffectiveOutgoing, Direction: primitives.Debit, Layer: primitives.LayerEncumbered, Units: netSend},
				{EntryType: "CREATE_BATCH_LOG_OUT_ENC_CR", Currency: primitives.BTC, Account: RefOmnibusEffectiveOutgoing, Direction: primitives.Credit, Layer: primitives.LayerEncumbered, Units: netSend},
				{EntryType: "CREATE_BATCH_LOG_OUT_PEN_DR", Currency: primitives.BTC, Account: RefWalletEffectiveOutgoing, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: netSend},
				{EntryType: "CREATE_BATCH_LOG_OUT_PEN_CR", Currency: primitives.BTC, Account: RefOmnibusEffectiveOutgoing, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: netSend},
			},
		},
		{
			// Derived by analogy: the UTXO/fee/change third of
			// spend_settled's own PENDING half, booked as soon as the
			// spend is observed on chain rather than waiting for
			// confirmation.
			code:        "SPEND_DETECTED",
			description: "A batch's transaction was observed on chain, unconfirmed.",
			entries: []EntrySpec{
				{EntryType: "SPEND_DETECTED_UTX_OUT_DR", Currency: primitives.BTC, Account: RefWalletOnchainOutgoing, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: outgoingLessFees},
				{EntryType: "SPEND_DETECTED_UTX_OUT_CR", Currency: primitives.BTC, Account: RefOmnibusOnchainOutgoing, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: outgoingLessFees},
				{EntryType: "SPEND_DETECTED_FEE_DR", Currency: primitives.BTC, Account: RefOmnibusFee, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: Param("fees")},
				{EntryType: "SPEND_DETECTED_FEE_CR", Currency: primitives.BTC, Account: RefWalletFee, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: Param("fees")},
				{EntryType: "SPEND_DETECTED_CHG_DR", Currency: primitives.BTC, Account: RefWalletOnchainIncoming, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: Param("change")},
				{EntryType: "SPEND_DETECTED_CHG_CR", Currency: primitives.BTC, Account: RefOmnibusOnchainIncoming, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: Param("change")},
			},
		},
		{
			// Entries, directions, and layers copied directly from
			// templates/spend_settled.rs's eighteen EntryInputs.
			code:        "SPEND_SETTLED",
			description: "A batch's transaction reached its confirmation threshold.",
			entries: []EntrySpec{
				{EntryType: "SPEND_SETTLED_LOG_OUT_PEN_DR", Currency: primitives.BTC, Account: RefWalletEffectiveOutgoing, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: netSend},
				{EntryType: "SPEND_SETTLED_LOG_OUT_PEN_CR", Currency: primitives.BTC, Account: RefOmnibusEffectiveOutgoing, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: netSend},
				{EntryType: "SPEND_SETTLED_LOG_OUT_SET_DR", Currency: primitives.BTC, Account: RefOmnibusEffectiveOutgoing, Direction: primitives.Debit, Layer: primitives.LayerSettled, Units: netSend},
				{EntryType: "SPEND_SETTLED_LOG_OUT_SET_CR", Currency: primitives.BTC, Account: RefWalletEffectiveOutgoing, Direction: primitives.Credit, Layer: primitives.LayerSettled, Units: netSend},

				{EntryType: "SPEND_SETTLED_FEE_PEN_DR", Currency: primitives.BTC, Account: RefOmnibusFee, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: Param("fees")},
				{EntryType: "SPEND_SETTLED_FEE_PEN_CR", Currency: primitives.BTC, Account: RefWalletFee, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: Param("fees")},
				{EntryType: "SPEND_SETTLED_FEE_SET_DR", Currency: primitives.BTC, Account: RefWalletFee, Direction: primitives.Debit, Layer: primitives.LayerSettled, Units: Param("fees")},
				{EntryType: "SPEND_SETTLED_FEE_SET_CR", Currency: primitives.BTC, Account: RefOmnibusFee, Direction: primitives.Credit, Layer: primitives.LayerSettled, Units: Param("fees")},

				{EntryType: "SPEND_SETTLED_UTX_OUT_PEN_DR", Currency: primitives.BTC, Account: RefWalletOnchainOutgoing, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: outgoingLessFees},
				{EntryType: "SPEND_SETTLED_UTX_OUT_PEN_CR", Currency: primitives.BTC, Account: RefOmnibusOnchainOutgoing, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: outgoingLessFees},
				{EntryType: "SPEND_SETTLED_UTX_OUT_SET_DR", Currency: primitives.BTC, Account: RefOmnibusOnchainOutgoing, Direction: primitives.Debit, Layer: primitives.LayerSettled, Units: outgoingLessFees},
				{EntryType: "SPEND_SETTLED_UTX_OUT_SET_CR", Currency: primitives.BTC, Account: RefWalletOnchainOutgoing, Direction: primitives.Credit, Layer: primitives.LayerSettled, Units: outgoingLessFees},

				{EntryType: "SPEND_SETTLED_CHG_PEN_DR", Currency: primitives.BTC, Account: RefWalletOnchainIncoming, Direction: primitives.Debit, Layer: primitives.LayerPending, Units: Param("change")},
				{EntryType: "SPEND_SETTLED_CHG_PEN_CR", Currency: primitives.BTC, Account: RefOmnibusOnchainIncoming, Direction: primitives.Credit, Layer: primitives.LayerPending, Units: Param("change")},
				{EntryType: "SPEND_SETTLED_CHG_SET_DR", Currency: primitives.BTC, Account: RefOmnibusOnchainAtRest, Direction: primitives.Debit, Layer: primitives.LayerSettled, Units: Param("change")},
				{EntryType: "SPEND_SETTLED_CHG_SET_CR", Currency: primitives.BTC, Account: RefWalletOnchainAtRest, Direction: primitives.Credit, Layer: primitives.LayerSettled, Units: Param("change")},

				{EntryType: "SPEND_SETTLED_CHG_SPENT_SET_DR", Currency: primitives.BTC, Account: RefWalletOnchainAtRest, Direction: primitives.Debit, Layer: primitives.LayerSettled, Units: Param("spent_change")},
				{EntryType: "SPEND_SETTLED_CHG_SPENT_SET_CR", Currency: primitives.BTC, Account: RefOmnibusOnchainAtRest, Direction: primitives.Credit, Layer: primitives.LayerSettled, Units: Param("spent_change")},
			},
		},
	}
}
