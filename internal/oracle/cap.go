package oracle

import (
	fpmath "PerpOracle/internal/math"

	"github.com/holiman/uint256"
)

// CapPriceChange bounds how far newPrice may pull the step-cap baseline.
//
// The allowed move is floor(baseline × maxBpsPerStep × (fullWindowsElapsed+1) / 10_000),
// raised to 1 when it would floor to zero, so the cap is never a no-op and
// widens linearly with the number of windows since the last update.
func CapPriceChange(baseline, newPrice, maxBpsPerStep, fullWindowsElapsed uint64) uint64 {
	steps := fullWindowsElapsed + 1
	if steps == 0 {
		steps = fullWindowsElapsed // saturate at MaxUint64
	}

	maxChange := fpmath.ApplyBps(baseline, maxBpsPerStep, steps)
	if maxChange.IsZero() {
		maxChange.SetOne()
	}

	base := uint256.NewInt(baseline)
	price := uint256.NewInt(newPrice)

	if newPrice > baseline {
		upper := new(uint256.Int).Add(base, maxChange) // < 2^193, cannot wrap
		if price.Lt(upper) {
			return newPrice
		}
		return upper.Uint64() // upper <= newPrice here, so it fits in 64 bits
	}

	if maxChange.Cmp(base) >= 0 {
		// lower bound is at or below zero
		return newPrice
	}
	lower := new(uint256.Int).Sub(base, maxChange).Uint64()
	if newPrice > lower {
		return newPrice
	}
	return lower
}

// windowTWAP is the average price realized strictly inside the window(s)
// that just closed: (total − window-start snapshot) / (WindowLength × windows).
// Callers guarantee fullWindowsElapsed >= 1.
func (o *Oracle) windowTWAP(total *uint256.Int, fullWindowsElapsed uint64) (uint64, error) {
	contribution, err := fpmath.CheckedSub(total, &o.lastWindowEndCumulativePrice)
	if err != nil {
		return 0, newError(CodeCorruptState, "calculate_window_twap", "window snapshot exceeds accumulator")
	}

	elapsed := fpmath.MulUint64(WindowLength, fullWindowsElapsed)
	twap, err := fpmath.NarrowUint64(new(uint256.Int).Div(contribution, elapsed))
	if err != nil {
		return 0, newError(CodeAccumulatorOverflow, "calculate_window_twap", "window twap exceeds 64 bits")
	}
	return twap, nil
}
