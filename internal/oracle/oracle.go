// Package oracle implements the manipulation-resistant TWAP accumulator that
// backs every perpetual market.
//
// An Oracle integrates capped price × elapsed milliseconds into a 256-bit
// accumulator. Every incoming price is capped against the TWAP of the last
// closed 60s window, so a burst of trades inside one window can move the
// tracked baseline by at most one window's worth of max_bps_per_step.
//
// Not thread-safe: an Oracle has exactly one logical writer and callers must
// serialize WriteObservation/GetTWAP (the core does this).
package oracle

import (
	fpmath "PerpOracle/internal/math"
	"math"

	"github.com/holiman/uint256"
)

const (
	// BPSDenominator scales max_bps_per_step and the published TWAP.
	BPSDenominator = fpmath.BPSDenominator

	// WindowLength is the length of one step-cap window in milliseconds.
	WindowLength uint64 = 60_000

	// MaxStartDelay bounds twap_start_delay (exclusive): one week in ms.
	MaxStartDelay uint64 = 604_800_000
)

// Oracle is the persistent accumulator state of one market.
type Oracle struct {
	lastPrice                    uint64
	lastTimestamp                uint64
	totalCumulativePrice         uint256.Int
	lastWindowEndCumulativePrice uint256.Int
	lastWindowEnd                uint64
	lastWindowTWAP               uint64
	twapStartDelay               uint64
	maxBpsPerStep                uint64
	marketStartTime              uint64
	twapInitializationPrice      uint64
}

// New creates the oracle for a market starting at marketStart (ms).
// The seed price initializes both last_price and the step-cap baseline.
func New(seedPrice, marketStart, startDelay, maxBpsPerStep uint64) (*Oracle, error) {
	if err := validateParams("new_oracle", seedPrice, marketStart, startDelay, maxBpsPerStep); err != nil {
		return nil, err
	}

	return &Oracle{
		lastPrice:               seedPrice,
		lastTimestamp:           marketStart,
		lastWindowTWAP:          seedPrice,
		twapStartDelay:          startDelay,
		maxBpsPerStep:           maxBpsPerStep,
		marketStartTime:         marketStart,
		twapInitializationPrice: seedPrice,
	}, nil
}

func validateParams(op string, seedPrice, marketStart, startDelay, maxBpsPerStep uint64) error {
	if seedPrice == 0 {
		return newError(CodeZeroInitPrice, op, "seed price must be positive")
	}
	if maxBpsPerStep == 0 {
		return newError(CodeZeroMaxStep, op, "max bps per step must be positive")
	}
	if startDelay >= MaxStartDelay {
		return newError(CodeStartDelayTooLong, op, "start delay %dms >= %dms", startDelay, MaxStartDelay)
	}
	// The delay threshold marketStart+startDelay must be representable.
	if marketStart > math.MaxUint64-startDelay {
		return newError(CodeStartDelayTooLong, op, "market start %d + start delay %dms overflows", marketStart, startDelay)
	}
	return nil
}

// delayThreshold is the first millisecond at which accumulation may start.
func (o *Oracle) delayThreshold() uint64 {
	return o.marketStartTime + o.twapStartDelay
}

func (o *Oracle) LastPrice() uint64               { return o.lastPrice }
func (o *Oracle) LastTimestamp() uint64           { return o.lastTimestamp }
func (o *Oracle) LastWindowEnd() uint64           { return o.lastWindowEnd }
func (o *Oracle) LastWindowTWAP() uint64          { return o.lastWindowTWAP }
func (o *Oracle) TWAPStartDelay() uint64          { return o.twapStartDelay }
func (o *Oracle) MaxBpsPerStep() uint64           { return o.maxBpsPerStep }
func (o *Oracle) MarketStartTime() uint64         { return o.marketStartTime }
func (o *Oracle) TWAPInitializationPrice() uint64 { return o.twapInitializationPrice }

// TotalCumulativePrice returns a copy of the price-time integral.
func (o *Oracle) TotalCumulativePrice() *uint256.Int {
	return o.totalCumulativePrice.Clone()
}

// LastWindowEndCumulativePrice returns a copy of the accumulator snapshot
// taken at the last window boundary.
func (o *Oracle) LastWindowEndCumulativePrice() *uint256.Int {
	return o.lastWindowEndCumulativePrice.Clone()
}
