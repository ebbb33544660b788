package oracle

import (
	"github.com/holiman/uint256"
)

// State is a flat, serializable copy of an Oracle.
// Wide accumulators are carried as base-10 strings.
type State struct {
	LastPrice                    uint64 `json:"last_price"`
	LastTimestamp                uint64 `json:"last_timestamp"`
	TotalCumulativePrice         string `json:"total_cumulative_price"`
	LastWindowEndCumulativePrice string `json:"last_window_end_cumulative_price"`
	LastWindowEnd                uint64 `json:"last_window_end"`
	LastWindowTWAP               uint64 `json:"last_window_twap"`
	TWAPStartDelay               uint64 `json:"twap_start_delay"`
	MaxBpsPerStep                uint64 `json:"max_bps_per_step"`
	MarketStartTime              uint64 `json:"market_start_time"`
	TWAPInitializationPrice      uint64 `json:"twap_initialization_price"`
}

// State exports the oracle.
func (o *Oracle) State() State {
	return State{
		LastPrice:                    o.lastPrice,
		LastTimestamp:                o.lastTimestamp,
		TotalCumulativePrice:         o.totalCumulativePrice.Dec(),
		LastWindowEndCumulativePrice: o.lastWindowEndCumulativePrice.Dec(),
		LastWindowEnd:                o.lastWindowEnd,
		LastWindowTWAP:               o.lastWindowTWAP,
		TWAPStartDelay:               o.twapStartDelay,
		MaxBpsPerStep:                o.maxBpsPerStep,
		MarketStartTime:              o.marketStartTime,
		TWAPInitializationPrice:      o.twapInitializationPrice,
	}
}

// Restore rebuilds an oracle from an exported State, re-checking the
// constructor parameters and the accumulator invariants.
func Restore(s State) (*Oracle, error) {
	const op = "restore"

	if err := validateParams(op, s.TWAPInitializationPrice, s.MarketStartTime, s.TWAPStartDelay, s.MaxBpsPerStep); err != nil {
		return nil, err
	}

	total, err := uint256.FromDecimal(s.TotalCumulativePrice)
	if err != nil {
		return nil, newError(CodeCorruptState, op, "total_cumulative_price: %v", err)
	}
	snapshot, err := uint256.FromDecimal(s.LastWindowEndCumulativePrice)
	if err != nil {
		return nil, newError(CodeCorruptState, op, "last_window_end_cumulative_price: %v", err)
	}

	switch {
	case snapshot.Gt(total):
		return nil, newError(CodeCorruptState, op, "window snapshot %s > total %s", snapshot.Dec(), total.Dec())
	case s.LastPrice == 0 || s.LastWindowTWAP == 0:
		return nil, newError(CodeCorruptState, op, "prices must be positive")
	case s.LastTimestamp < s.MarketStartTime:
		return nil, newError(CodeCorruptState, op, "last timestamp %d before market start %d", s.LastTimestamp, s.MarketStartTime)
	}

	threshold := s.MarketStartTime + s.TWAPStartDelay
	if s.LastWindowEnd != 0 || threshold == 0 {
		if s.LastWindowEnd < threshold || (s.LastWindowEnd-threshold)%WindowLength != 0 {
			return nil, newError(CodeCorruptState, op, "window end %d not aligned to %d", s.LastWindowEnd, threshold)
		}
		if s.LastWindowEnd > s.LastTimestamp {
			return nil, newError(CodeCorruptState, op, "window end %d after last timestamp %d", s.LastWindowEnd, s.LastTimestamp)
		}
	}

	o := &Oracle{
		lastPrice:               s.LastPrice,
		lastTimestamp:           s.LastTimestamp,
		lastWindowEnd:           s.LastWindowEnd,
		lastWindowTWAP:          s.LastWindowTWAP,
		twapStartDelay:          s.TWAPStartDelay,
		maxBpsPerStep:           s.MaxBpsPerStep,
		marketStartTime:         s.MarketStartTime,
		twapInitializationPrice: s.TWAPInitializationPrice,
	}
	o.totalCumulativePrice.Set(total)
	o.lastWindowEndCumulativePrice.Set(snapshot)
	return o, nil
}
