package primitives

import "testing"

func TestSatoshisSub(t *testing.T) {
	ten, _ := NewSatoshis(10)
	three, _ := NewSatoshis(3)

	got, err := ten.Sub(three)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("want 7, got %d", got)
	}

	if _, err := three.Sub(ten); err == nil {
		t.Fatalf("expected ErrNegativeAmount, got nil")
	}
}

func TestSatoshisAddSaturates(t *testing.T) {
	max := Satoshis(1<<63 - 1)
	sum := max.Add(max)
	if sum != max {
		t.Fatalf("Add must saturate, not overflow: got %d", sum)
	}
}

func TestFeeRateFeeForRoundsDown(t *testing.T) {
	rate, err := NewFeeRate(10, 3) // 3.33.. sats/vB
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fee := rate.FeeFor(9) // 9 * 10/3 = 30 exactly
	if fee != 30 {
		t.Fatalf("want 30, got %d", fee)
	}

	fee2 := rate.FeeFor(10) // 10 * 10/3 = 33.33 -> 33
	if fee2 != 33 {
		t.Fatalf("want 33, got %d", fee2)
	}
}

func TestNewFeeRateRejectsNonPositive(t *testing.T) {
	if _, err := NewFeeRate(0, 1); err == nil {
		t.Fatalf("expected error for zero fee rate")
	}
	if _, err := NewFeeRate(-1, 1); err == nil {
		t.Fatalf("expected error for negative fee rate")
	}
}
