package oracle

import (
	fpmath "PerpOracle/internal/math"

	"github.com/holiman/uint256"
)

// GetTWAP returns the lifetime time-weighted average price since the start
// delay ended, scaled by BPSDenominator:
//
//	floor(total_cumulative_price × 10_000 / period)
//
// where period = now − market_start − start_delay. now must equal the
// timestamp of the most recent write: the reader never extrapolates, so
// callers write an observation first and read in the same instant.
func (o *Oracle) GetTWAP(now uint64) (uint64, error) {
	const op = "get_twap"

	if now != o.lastTimestamp {
		return 0, newError(CodeStaleRead, op, "now %d != last timestamp %d", now, o.lastTimestamp)
	}
	if o.lastTimestamp == 0 {
		return 0, newError(CodeNoObservations, op, "no observation recorded")
	}
	if now < o.marketStartTime {
		return 0, newError(CodeBeforeMarketStart, op, "now %d < market start %d", now, o.marketStartTime)
	}
	sinceStart := now - o.marketStartTime
	if sinceStart < o.twapStartDelay {
		return 0, newError(CodeTWAPNotReady, op, "%dms of %dms start delay elapsed", sinceStart, o.twapStartDelay)
	}
	period := sinceStart - o.twapStartDelay
	if period == 0 {
		return 0, newError(CodeZeroPeriod, op, "reporting period is empty")
	}

	twap, err := fpmath.MulDivFloor(
		&o.totalCumulativePrice,
		uint256.NewInt(BPSDenominator),
		uint256.NewInt(period),
	)
	if err != nil {
		return 0, newError(CodeAccumulatorOverflow, op, "scaled twap exceeds 256 bits")
	}
	narrow, err := fpmath.NarrowUint64(twap)
	if err != nil {
		return 0, newError(CodeAccumulatorOverflow, op, "twap %s exceeds 64 bits", twap.Dec())
	}
	return narrow, nil
}

// Ready reports whether GetTWAP(now) can succeed for a fresh write at now.
func (o *Oracle) Ready(now uint64) bool {
	return now > o.delayThreshold()
}
