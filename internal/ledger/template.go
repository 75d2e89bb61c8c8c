// Package ledger implements Component H: the template registry and posting
// engine. A template declares, once, the shape of a business event's ledger
// entries; posting binds concrete amounts and writes balanced debit/credit
// rows. Grounded on original_source/src/ledger/constants.rs and
// templates/spend_settled.rs, which define the same seven-template,
// five-account-per-wallet shape over the sqlx_ledger crate's TxTemplate DSL.
// That DSL evaluates entries from string arithmetic expressions
// ("total_utxo_in - change - fees") bound against named decimal params at
// post time; this package represents the same thing as LinearUnits, an
// integer coefficient vector over named params, so that the "a template
// must be provably balanced" requirement is an exact coefficient-sum check
// at registration time rather than a symbolic expression evaluator.
package ledger

import (
	"fmt"

	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/walletmodel"
)

// ParamSet binds a template's named parameters to concrete amounts for one
// post.
type ParamSet map[string]primitives.Satoshis

// LinearUnits is a signed integer coefficient over a template's named
// params, standing in for the original's arithmetic expression strings.
// Evaluate multiplies in concrete values; provesBalanced sums these
// symbolically, without ever evaluating a single post.
type LinearUnits map[string]int64

// Param returns a LinearUnits of a single named parameter with coefficient 1.
func Param(name string) LinearUnits { return LinearUnits{name: 1} }

// Evaluate binds params and returns the concrete satoshi amount.
func (u LinearUnits) Evaluate(params ParamSet) primitives.Satoshis {
	var total int64
	for name, coeff := range u {
		total += coeff * int64(params[name])
	}
	return primitives.Satoshis(total)
}

// signed returns a copy of u with every coefficient multiplied by sign (+1
// or -1).
func (u LinearUnits) signed(sign int64) LinearUnits {
	out := make(LinearUnits, len(u))
	for name, coeff := range u {
		out[name] = sign * coeff
	}
	return out
}

// AccountRef names one of the ten ledger accounts a template entry can
// address: the five per-wallet accounts bound at post time, or the five
// account-wide omnibus mirrors. Stands in for the original's
// account_id-expression, which resolves to either a bound UUID parameter or
// a hardcoded global omnibus account constant.
type AccountRef int

const (
	RefWalletOnchainIncoming AccountRef = iota
	RefWalletOnchainAtRest
	RefWalletOnchainOutgoing
	RefWalletEffectiveOutgoing
	RefWalletFee
	RefOmnibusOnchainIncoming
	RefOmnibusOnchainAtRest
	RefOmnibusOnchainOutgoing
	RefOmnibusEffectiveOutgoing
	RefOmnibusFee
)

// resolveAccountRef dispatches ref against whichever LedgerAccounts value
// applies: wallet-scoped (from walletmodel.WalletLedgerAccounts) or
// account-wide omnibus (from walletmodel.AccountOmnibusLedgerAccounts).
func resolveAccountRef(ref AccountRef, wallet, omnibus walletmodel.LedgerAccounts) string {
	switch ref {
	case RefWalletOnchainIncoming:
		return wallet.OnchainIncoming
	case RefWalletOnchainAtRest:
		return wallet.OnchainAtRest
	case RefWalletOnchainOutgoing:
		return wallet.OnchainOutgoing
	case RefWalletEffectiveOutgoing:
		return wallet.EffectiveOutgoing
	case RefWalletFee:
		return wallet.Fee
	case RefOmnibusOnchainIncoming:
		return omnibus.OnchainIncoming
	case RefOmnibusOnchainAtRest:
		return omnibus.OnchainAtRest
	case RefOmnibusOnchainOutgoing:
		return omnibus.OnchainOutgoing
	case RefOmnibusEffectiveOutgoing:
		return omnibus.EffectiveOutgoing
	case RefOmnibusFee:
		return omnibus.Fee
	default:
		panic(fmt.Sprintf("ledger: unknown account ref %d", ref))
	}
}

// EntrySpec is one line of a template: which account, which side, which
// layer, and how much (as a function of the template's params).
type EntrySpec struct {
	EntryType string
	Currency  primitives.Currency
	Account   AccountRef
	Direction primitives.Direction
	Layer     primitives.Layer
	Units     LinearUnits
}

// Template is a named, registered shape of ledger entries. Entries is fixed
// at registration time; only Params vary per post.
type Template struct {
	ID          primitives.LedgerTemplateId
	Code        string
	Description string
	Entries     []EntrySpec
}

// balanceKey groups entries for the posting invariant: sum of debits must
// equal sum of credits within each (currency, layer), never across them.
type balanceKey struct {
	currency primitives.Currency
	layer    primitives.Layer
}

// provesBalanced reports whether entries sum to the zero vector in every
// (currency, layer) group, debit coefficients positive and credit
// coefficients negated. This is the symbolic proof spec.md requires at
// template registration, done by exact integer coefficient cancellation
// instead of expression evaluation.
func provesBalanced(entries []EntrySpec) bool {
	sums := map[balanceKey]LinearUnits{}
	for _, e := range entries {
		key := balanceKey{currency: e.Currency, layer: e.Layer}
		sign := int64(1)
		if e.Direction == primitives.Credit {
			sign = -1
		}
		acc, ok := sums[key]
		if !ok {
			acc = LinearUnits{}
		}
		for name, coeff := range e.Units.signed(sign) {
			acc[name] += coeff
		}
		sums[key] = acc
	}
	for _, acc := range sums {
		for _, coeff := range acc {
			if coeff != 0 {
				return false
			}
		}
	}
	return true
}
