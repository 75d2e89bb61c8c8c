// Package psbt implements Component F: pure construction of an unsigned,
// multi-wallet transaction that pays out one payout queue's queued payouts
// in a single shared transaction. Generalizes the teacher's
// BuildBTCConsolidationTx (one wallet, one destination) to many wallets,
// each contributing its own inputs and receiving its own change, with the
// shared fee attributed pro-rata by bytes contributed. Build has no side
// effects: it neither reserves outpoints nor derives addresses in the
// database, so a caller can discard a result without ever committing.
package psbt

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/payout"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/utxo"
	"github.com/briacore/custody/internal/walletmodel"
)

// Weight-unit constants for a single-signature P2WPKH input or output, the
// only script kind this core derives. Mirrors the teacher's
// config.BTCTxOverheadWU / BTCP2WPKHInput*WU / BTCP2WPKHOutputWU shape.
const (
	txOverheadWU        = 42  // version + locktime + segwit marker/flag + varints
	p2wpkhInputNonWitWU = 164 // prevout(36) + scriptSig-len(1) + sequence(4), witness-discounted
	p2wpkhInputWitWU    = 107 // witness stack: signature + pubkey, undiscounted
	p2wpkhOutputWU      = 124 // value(8) + script-len(1) + script(22)
)

// DustSats is the minimum value this core will place on an output; below
// it, a wallet's change is folded into the transaction fee instead.
const DustSats primitives.Satoshis = 546

// MinFeeRateSatsPerVByte is the floor below which Build refuses to run.
const MinFeeRateSatsPerVByte = 1

func estimateVBytes(numInputs, numOutputs int) int64 {
	weight := txOverheadWU + numInputs*(p2wpkhInputNonWitWU+p2wpkhInputWitWU) + numOutputs*p2wpkhOutputWU
	return int64((weight + 3) / 4)
}

// WalletInput bundles one wallet's queued payouts and candidate inputs for
// one build attempt. CandidateUTXOs must already be filtered to outpoints
// the caller is willing to spend (the §4.1 reservability predicate, and the
// current-vs-deprecated keychain choice) and should be ordered oldest first.
type WalletInput struct {
	Wallet         walletmodel.Wallet
	ChangeXPub     *hdkeychain.ExtendedKey // neutered xpub backing Wallet.Current()
	Payouts        []payout.Payout         // preserved order, all destined for Wallet.ID
	CandidateUTXOs []utxo.UTXO
}

// BuildParams is the builder's complete, side-effect-free input.
type BuildParams struct {
	Network *chaincfg.Params
	FeeRate primitives.FeeRate
	Wallets []WalletInput
}

// WalletSummary is one wallet's accounting for a built batch.
type WalletSummary struct {
	WalletID         primitives.WalletId
	SpentOutPoints   []primitives.OutPoint
	InputSats        primitives.Satoshis
	SpentSats        primitives.Satoshis // sum of this wallet's payout amounts
	FeeSats          primitives.Satoshis
	ChangeSats       primitives.Satoshis
	ChangeAddress    string // empty when change folded into fee
	ChangeScriptHex  string
	ChangeKeychainID primitives.KeychainId
	ChangeIndex      uint32 // only meaningful when ChangeAddress != ""
}

// BuildResult is the unsigned transaction plus its accounting.
type BuildResult struct {
	Tx              *wire.MsgTx
	RawTxHex        string
	VBytes          int64
	TotalFeeSats    primitives.Satoshis
	WalletSummaries []WalletSummary
	PayoutOrder     []primitives.PayoutId
}

type walletPlan struct {
	input        WalletInput
	selected     []utxo.UTXO
	inputSats    int64
	requiredSats int64
	hasChange    bool
}

// Build assembles an unsigned transaction spending each wallet's selected
// inputs to cover its own queued payouts plus a pro-rata share of the
// overall fee, with one change output per wallet on its current keychain
// unless that change would be dust.
func Build(p BuildParams) (*BuildResult, error) {
	if p.FeeRate.SatsPerVByte() < MinFeeRateSatsPerVByte {
		return nil, errs.Wrap(errs.KindValidation,
			fmt.Errorf("fee rate %s below minimum %d sat/vB: %w", p.FeeRate, MinFeeRateSatsPerVByte, errs.ErrFeeBelowMinimum))
	}
	if len(p.Wallets) == 0 {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("build: no participating wallets"))
	}

	plans := make([]*walletPlan, len(p.Wallets))
	for i, w := range p.Wallets {
		plan, err := selectWalletUTXOs(w, p.FeeRate)
		if err != nil {
			return nil, err
		}
		plans[i] = plan
	}

	// Fixed-point loop: dust-folding can only turn a wallet's change output
	// off, never back on, so this converges in at most len(plans) passes.
	for {
		totalFee, shares := feeForShape(plans, p.FeeRate)

		changed := false
		for i, pl := range plans {
			if !pl.hasChange {
				continue
			}
			change := pl.inputSats - pl.requiredSats - int64(shares[i])
			if change < int64(DustSats) {
				pl.hasChange = false
				changed = true
			}
		}
		if !changed {
			return assemble(p, plans, totalFee, shares)
		}
	}
}

func feeForShape(plans []*walletPlan, feeRate primitives.FeeRate) (primitives.Satoshis, []primitives.Satoshis) {
	numInputs, numOutputs := 0, 0
	for _, pl := range plans {
		numInputs += len(pl.selected)
		numOutputs += len(pl.input.Payouts)
		if pl.hasChange {
			numOutputs++
		}
	}
	totalFee := feeRate.FeeFor(estimateVBytes(numInputs, numOutputs))
	return totalFee, attributeFee(plans, totalFee)
}

// selectWalletUTXOs greedily accumulates a wallet's candidate UTXOs, oldest
// first, until the running total covers its queued payouts plus a running
// estimate of the fee a single-change-output shape would add.
func selectWalletUTXOs(w WalletInput, feeRate primitives.FeeRate) (*walletPlan, error) {
	var required int64
	for _, pay := range w.Payouts {
		required += int64(pay.AmountSats)
	}

	var selected []utxo.UTXO
	var inputSum int64
	for _, u := range w.CandidateUTXOs {
		if inputSum >= required && inputSum-required >= int64(feeRate.FeeFor(estimateVBytes(len(selected), 1))) {
			break
		}
		selected = append(selected, u)
		inputSum += int64(u.AmountSats)
	}

	if required > 0 && len(selected) == 0 {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("wallet %s: %w", w.Wallet.ID, errs.ErrNoUsableInputs))
	}

	needed := required + int64(feeRate.FeeFor(estimateVBytes(len(selected), 1)))
	if inputSum < needed {
		return nil, errs.Wrap(errs.KindValidation,
			fmt.Errorf("wallet %s: need at least %d sats, have %d: %w", w.Wallet.ID, needed, inputSum, errs.ErrInsufficientFunds))
	}

	return &walletPlan{input: w, selected: selected, inputSats: inputSum, requiredSats: required, hasChange: true}, nil
}

// attributeFee splits totalFee pro-rata by the vbytes each wallet's own
// inputs (and its own change output, if it still has one) add to the
// transaction, using the largest-remainder method so the shares sum exactly
// to totalFee; ties broken by lowest wallet_id.
func attributeFee(plans []*walletPlan, totalFee primitives.Satoshis) []primitives.Satoshis {
	vbytesAdded := make([]int64, len(plans))
	var totalVBytes int64
	for i, pl := range plans {
		weight := len(pl.selected) * (p2wpkhInputNonWitWU + p2wpkhInputWitWU)
		if pl.hasChange {
			weight += p2wpkhOutputWU
		}
		v := int64((weight + 3) / 4)
		vbytesAdded[i] = v
		totalVBytes += v
	}

	shares := make([]primitives.Satoshis, len(plans))
	if totalVBytes == 0 {
		return shares
	}

	total := int64(totalFee)
	type remainder struct {
		idx      int
		rem      int64
		walletID string
	}
	rems := make([]remainder, len(plans))
	var distributed int64
	for i, v := range vbytesAdded {
		num := v * total
		base := num / totalVBytes
		shares[i] = primitives.Satoshis(base)
		distributed += base
		rems[i] = remainder{idx: i, rem: num % totalVBytes, walletID: plans[i].input.Wallet.ID.String()}
	}

	sort.Slice(rems, func(a, b int) bool {
		if rems[a].rem != rems[b].rem {
			return rems[a].rem > rems[b].rem
		}
		return rems[a].walletID < rems[b].walletID
	})
	for i := int64(0); i < total-distributed; i++ {
		shares[rems[i].idx]++
	}
	return shares
}

func assemble(p BuildParams, plans []*walletPlan, _ primitives.Satoshis, shares []primitives.Satoshis) (*BuildResult, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	var payoutOrder []primitives.PayoutId
	for _, pl := range plans {
		for _, pay := range pl.input.Payouts {
			script, err := destinationScript(pay.Destination.Address, p.Network)
			if err != nil {
				return nil, err
			}
			tx.AddTxOut(wire.NewTxOut(int64(pay.AmountSats), script))
			payoutOrder = append(payoutOrder, pay.ID)
		}
	}

	summaries := make([]WalletSummary, len(plans))
	for i, pl := range plans {
		for _, u := range pl.selected {
			hash, err := chainhash.NewHashFromStr(u.OutPoint.TxID)
			if err != nil {
				return nil, errs.Wrap(errs.KindInternal, fmt.Errorf("parse txid %s: %w", u.OutPoint.TxID, err))
			}
			txIn := wire.NewTxIn(wire.NewOutPoint(hash, u.OutPoint.Vout), nil, nil)
			txIn.Sequence = wire.MaxTxInSequenceNum
			tx.AddTxIn(txIn)
		}

		summary := WalletSummary{
			WalletID:  pl.input.Wallet.ID,
			InputSats: primitives.Satoshis(pl.inputSats),
			SpentSats: primitives.Satoshis(pl.requiredSats),
			FeeSats:   shares[i],
		}
		for _, u := range pl.selected {
			summary.SpentOutPoints = append(summary.SpentOutPoints, u.OutPoint)
		}

		if pl.hasChange {
			changeSats := pl.inputSats - pl.requiredSats - int64(shares[i])
			keychain := pl.input.Wallet.Current()
			index := keychain.NextIndex(primitives.KeychainInternal)
			derived, err := walletmodel.DeriveAddress(pl.input.ChangeXPub, primitives.KeychainInternal, index, p.Network)
			if err != nil {
				return nil, err
			}
			script, err := hex.DecodeString(derived.ScriptHex)
			if err != nil {
				return nil, errs.Wrap(errs.KindInternal, fmt.Errorf("decode change script for wallet %s: %w", pl.input.Wallet.ID, err))
			}
			tx.AddTxOut(wire.NewTxOut(changeSats, script))

			summary.ChangeSats = primitives.Satoshis(changeSats)
			summary.ChangeAddress = derived.Address
			summary.ChangeScriptHex = derived.ScriptHex
			summary.ChangeKeychainID = keychain.ID
			summary.ChangeIndex = index
		} else {
			// Leftover after payouts and the pro-rata share is below dust;
			// fold the whole of it into this wallet's paid fee.
			summary.FeeSats = primitives.Satoshis(pl.inputSats - pl.requiredSats)
		}

		summaries[i] = summary
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, errs.Wrap(errs.KindInternal, fmt.Errorf("serialize tx: %w", err))
	}

	var actualFee primitives.Satoshis
	for _, s := range summaries {
		actualFee += s.FeeSats
	}

	return &BuildResult{
		Tx:              tx,
		RawTxHex:        hex.EncodeToString(buf.Bytes()),
		VBytes:          estimateVBytes(len(tx.TxIn), len(tx.TxOut)),
		TotalFeeSats:    actualFee,
		WalletSummaries: summaries,
		PayoutOrder:     payoutOrder,
	}, nil
}

func destinationScript(addr string, net *chaincfg.Params) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, net)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, fmt.Errorf("decode destination address %q: %w", addr, err))
	}
	script, err := txscript.PayToAddrScript(a)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, fmt.Errorf("build destination script for %q: %w", addr, err))
	}
	return script, nil
}
