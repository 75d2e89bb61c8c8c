package primitives

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math/big"
)

// ErrNegativeAmount is returned when a Satoshis subtraction would underflow.
var ErrNegativeAmount = errors.New("amount would go negative")

// Satoshis is a non-negative integer amount of bitcoin, denominated in the
// smallest unit. Add saturates at the maximum int64 value instead of
// overflowing; Sub returns ErrNegativeAmount explicitly instead of silently
// clamping, so
// callers can distinguish "spent everything" from "tried to overspend".
type Satoshis int64

// SatoshisPerBTC is the number of satoshis in one bitcoin.
const SatoshisPerBTC = 100_000_000

func NewSatoshis(v int64) (Satoshis, error) {
	if v < 0 {
		return 0, fmt.Errorf("negative satoshi amount %d: %w", v, ErrNegativeAmount)
	}
	return Satoshis(v), nil
}

// Add returns s + other, saturating at the maximum representable amount
// rather than overflowing.
func (s Satoshis) Add(other Satoshis) Satoshis {
	sum := int64(s) + int64(other)
	if sum < int64(s) { // overflow
		return Satoshis(int64(^uint64(0) >> 1))
	}
	return Satoshis(sum)
}

// Sub returns s - other, or ErrNegativeAmount if the result would be negative.
func (s Satoshis) Sub(other Satoshis) (Satoshis, error) {
	if other > s {
		return 0, fmt.Errorf("%d - %d: %w", s, other, ErrNegativeAmount)
	}
	return s - other, nil
}

// BTC returns the amount in bitcoin as an exact rational; String renders it
// as a decimal with exactly 8 fraction digits.
func (s Satoshis) BTC() *big.Rat {
	return new(big.Rat).SetFrac(big.NewInt(int64(s)), big.NewInt(SatoshisPerBTC))
}

func (s Satoshis) String() string {
	return s.BTC().FloatString(8)
}

func (s Satoshis) Value() (driver.Value, error) { return int64(s), nil }

func (s *Satoshis) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*s = Satoshis(v)
		return nil
	case nil:
		*s = 0
		return nil
	default:
		return fmt.Errorf("scan satoshis: unsupported type %T", src)
	}
}

// FeeRate is a positive rational number of satoshis per virtual byte.
// It is modeled on math/big.Rat rather than a float so that fee
// computations (pro-rata attribution, dust checks) never accumulate
// rounding error.
type FeeRate struct {
	r *big.Rat
}

// NewFeeRate builds a FeeRate from a sats/vbyte numerator/denominator pair.
// Returns an error if the resulting rate is not strictly positive.
func NewFeeRate(numSats, denVbytes int64) (FeeRate, error) {
	if denVbytes == 0 {
		return FeeRate{}, fmt.Errorf("fee rate denominator must not be zero")
	}
	r := new(big.Rat).SetFrac(big.NewInt(numSats), big.NewInt(denVbytes))
	if r.Sign() <= 0 {
		return FeeRate{}, fmt.Errorf("fee rate must be positive, got %s", r.RatString())
	}
	return FeeRate{r: r}, nil
}

// FeeRateFromSatsPerVByte builds an integer sats/vB FeeRate, the common case
// returned by external fee estimators.
func FeeRateFromSatsPerVByte(satsPerVByte int64) (FeeRate, error) {
	return NewFeeRate(satsPerVByte, 1)
}

// FeeFor returns the fee, in satoshis, for a transaction of the given
// virtual size, rounded down to the nearest satoshi.
func (f FeeRate) FeeFor(vbytes int64) Satoshis {
	fee := new(big.Rat).Mul(f.r, big.NewInt(vbytes))
	q := new(big.Int).Quo(fee.Num(), fee.Denom())
	return Satoshis(q.Int64())
}

// SatsPerVByte returns the rate as a float64, for logging/display only —
// never for fee math, which must stay exact via FeeFor.
func (f FeeRate) SatsPerVByte() float64 {
	if f.r == nil {
		return 0
	}
	v, _ := f.r.Float64()
	return v
}

func (f FeeRate) String() string {
	if f.r == nil {
		return "0"
	}
	return f.r.RatString()
}

// TxPriority selects the fee-estimator tier a payout queue is consolidated at.
type TxPriority string

const (
	PriorityNextBlock TxPriority = "NEXT_BLOCK"
	PriorityOneHour   TxPriority = "ONE_HOUR"
	PriorityEconomy   TxPriority = "ECONOMY"
)

// KeychainKind distinguishes deposit (external) addresses from change
// (internal) addresses within a keychain.
type KeychainKind string

const (
	KeychainExternal KeychainKind = "EXTERNAL"
	KeychainInternal KeychainKind = "INTERNAL"
)

// Layer is an independent balance dimension a ledger entry posts to.
type Layer string

const (
	LayerEncumbered Layer = "ENCUMBERED"
	LayerPending    Layer = "PENDING"
	LayerSettled    Layer = "SETTLED"
)

// Direction is the debit/credit side of a ledger entry.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Currency is always BTC in this core, but kept as a type to make ledger
// entries self-describing and the per-currency balance invariant explicit.
type Currency string

const BTC Currency = "BTC"

// Trigger selects how a payout queue's batch assembly job fires.
type Trigger struct {
	Kind        TriggerKind
	IntervalSec int64 // only meaningful when Kind == TriggerInterval
}

type TriggerKind string

const (
	TriggerManual   TriggerKind = "MANUAL"
	TriggerImmediate TriggerKind = "IMMEDIATE"
	TriggerInterval TriggerKind = "INTERVAL"
)

func ManualTrigger() Trigger               { return Trigger{Kind: TriggerManual} }
func ImmediateTrigger() Trigger            { return Trigger{Kind: TriggerImmediate} }
func IntervalTrigger(secs int64) Trigger   { return Trigger{Kind: TriggerInterval, IntervalSec: secs} }

// PayoutDestination is a tagged variant, reserved for future off-chain
// variants; today only OnchainAddress is implemented.
type PayoutDestination struct {
	Kind    PayoutDestinationKind
	Address string // valid only when Kind == DestinationOnchainAddress
}

type PayoutDestinationKind string

const DestinationOnchainAddress PayoutDestinationKind = "ONCHAIN_ADDRESS"

func OnchainAddress(addr string) PayoutDestination {
	return PayoutDestination{Kind: DestinationOnchainAddress, Address: addr}
}
