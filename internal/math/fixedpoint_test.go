package math_test

import (
	fpmath "PerpOracle/internal/math"
	"errors"
	"math"
	"testing"

	"github.com/holiman/uint256"
)

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"101.25", 10125},
		{"101.2", 10120},
		{"101", 10100},
		{"0.01", 1},
		{".5", 50},
		{"101.259", 10125}, // truncated, not rounded
		{" 7.00 ", 700},
	}

	for _, tc := range cases {
		got, err := fpmath.PriceConfig.ParseDecimal(tc.in)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %d, want %d", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "abc", "-1.00", "1.2.3", "999999999999999999999"} {
		if _, err := fpmath.PriceConfig.ParseDecimal(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestFormatDecimal(t *testing.T) {
	if got := fpmath.PriceConfig.FormatDecimal(10125); got != "101.25" {
		t.Errorf("got %q, want 101.25", got)
	}
	if got := fpmath.PriceConfig.FormatDecimal(5); got != "0.05" {
		t.Errorf("got %q, want 0.05", got)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	if _, err := fpmath.CheckedAdd(max, uint256.NewInt(1)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("add: got %v, want ErrOverflow", err)
	}
	if _, err := fpmath.CheckedMul(max, uint256.NewInt(2)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("mul: got %v, want ErrOverflow", err)
	}
	if _, err := fpmath.CheckedSub(uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("sub: got %v, want ErrOverflow", err)
	}

	p := fpmath.MulUint64(math.MaxUint64, math.MaxUint64)
	if p.IsUint64() {
		t.Error("64x64 product should exceed 64 bits")
	}
	if _, err := fpmath.NarrowUint64(p); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("narrow: got %v, want ErrOverflow", err)
	}
}

func TestMulDivFloor(t *testing.T) {
	got, err := fpmath.MulDivFloor(uint256.NewInt(7), uint256.NewInt(10_000), uint256.NewInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 23_333 {
		t.Errorf("got %d, want 23333", got.Uint64())
	}

	if _, err := fpmath.MulDivFloor(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int)); err == nil {
		t.Error("expected divide-by-zero error")
	}
}

func TestApplyBps(t *testing.T) {
	if got := fpmath.ApplyBps(105, 500, 1).Uint64(); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
	if got := fpmath.ApplyBps(100, 500, 2).Uint64(); got != 10 {
		t.Errorf("got %d, want 10", got)
	}
	if fpmath.ApplyBps(math.MaxUint64, math.MaxUint64, math.MaxUint64).IsZero() {
		t.Error("full-width product should not wrap to zero")
	}
}
