// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// BPSDenominator is the basis-point scale: 10_000 bps == 100%.
const BPSDenominator = 10_000

// ErrOverflow is returned when a wide computation does not fit its target width.
var ErrOverflow = errors.New("arithmetic overflow")

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int    // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	// PriceConfig is the tick size of every oracle price: 0.01
	PriceConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}
)

// ParseDecimal converts a decimal string ("101.25") into ticks at cfg precision.
// Digits beyond the configured precision are truncated (floor), never rounded.
func (cfg DecimalConfig) ParseDecimal(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty decimal")
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if len(fracPart) > cfg.DecimalPrecision {
		fracPart = fracPart[:cfg.DecimalPrecision]
	}
	fracPart += strings.Repeat("0", cfg.DecimalPrecision-len(fracPart))
	if intPart == "" {
		intPart = "0"
	}

	v, err := uint256.FromDecimal(intPart + fracPart)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("parse decimal %q: %w", s, ErrOverflow)
	}
	return v.Uint64(), nil
}

// FormatDecimal renders ticks as a decimal string at cfg precision.
func (cfg DecimalConfig) FormatDecimal(ticks uint64) string {
	if cfg.DecimalPrecision == 0 {
		return fmt.Sprintf("%d", ticks)
	}
	return fmt.Sprintf("%d.%0*d", ticks/cfg.Scale, cfg.DecimalPrecision, ticks%cfg.Scale)
}

// MulUint64 returns a * b as a 256-bit value. A 64x64 product always fits.
func MulUint64(a, b uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
}

// CheckedMul returns x * y, or ErrOverflow if the product exceeds 256 bits.
func CheckedMul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// CheckedAdd returns x + y, or ErrOverflow on wrap-around.
func CheckedAdd(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// CheckedSub returns x - y, or ErrOverflow if y > x.
func CheckedSub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// NarrowUint64 truncates a wide value to 64 bits, failing if it does not fit.
func NarrowUint64(x *uint256.Int) (uint64, error) {
	if !x.IsUint64() {
		return 0, ErrOverflow
	}
	return x.Uint64(), nil
}

// MulDivFloor computes floor(x * y / d) with a 512-bit intermediate.
// d must be non-zero; the result must fit in 256 bits.
func MulDivFloor(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("divide by zero")
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// ApplyBps returns floor(value * bps * steps / BPSDenominator) at full width.
func ApplyBps(value, bps, steps uint64) *uint256.Int {
	product := MulUint64(value, bps)
	// value*bps < 2^128, times a 64-bit step count < 2^192: no overflow possible.
	product.Mul(product, uint256.NewInt(steps))
	return product.Div(product, uint256.NewInt(BPSDenominator))
}
