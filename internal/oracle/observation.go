package oracle

import (
	fpmath "PerpOracle/internal/math"
)

// Phase classifies what a WriteObservation call did to the accumulator.
type Phase uint8

const (
	// PhasePreDelay: timestamp is before market start + start delay; no-op.
	PhasePreDelay Phase = iota
	// PhaseZeroDuration: a write already landed in this millisecond; no accumulation.
	PhaseZeroDuration
	// PhaseIntraWindow: accumulated inside the open window.
	PhaseIntraWindow
	// PhaseRollover: accumulated and closed one or more windows.
	PhaseRollover
)

func (p Phase) String() string {
	switch p {
	case PhasePreDelay:
		return "pre_delay"
	case PhaseZeroDuration:
		return "zero_duration"
	case PhaseIntraWindow:
		return "intra_window"
	case PhaseRollover:
		return "rollover"
	default:
		return "unknown"
	}
}

// Accumulated reports whether the call changed the price-time integral.
func (p Phase) Accumulated() bool {
	return p == PhaseIntraWindow || p == PhaseRollover
}

// Observation describes the outcome of one WriteObservation call.
type Observation struct {
	Timestamp          uint64
	InputPrice         uint64
	CappedPrice        uint64 // zero unless Phase.Accumulated()
	Phase              Phase
	AdditionalTime     uint64 // ms folded into the accumulator
	FullWindowsElapsed uint64 // windows closed by this call
	WindowTWAP         uint64 // step-cap baseline after the call
}

// Capped reports whether the step cap altered the input price.
func (ob Observation) Capped() bool {
	return ob.Phase.Accumulated() && ob.CappedPrice != ob.InputPrice
}

// WriteObservation folds one price observation into the accumulator.
// It must be called before any price-sensitive event, with timestamps that
// never decrease. On error the oracle is left untouched.
func (o *Oracle) WriteObservation(timestamp, price uint64) (Observation, error) {
	const op = "write_observation"

	if timestamp < o.lastTimestamp {
		return Observation{}, newError(CodeTimestampRegression, op,
			"timestamp %d < last timestamp %d", timestamp, o.lastTimestamp)
	}
	if price == 0 {
		return Observation{}, newError(CodeZeroPrice, op, "price must be positive")
	}

	obs := Observation{
		Timestamp:  timestamp,
		InputPrice: price,
		Phase:      PhasePreDelay,
		WindowTWAP: o.lastWindowTWAP,
	}

	threshold := o.delayThreshold()
	if timestamp < threshold {
		return obs, nil
	}

	// First write past the delay: accumulation and window alignment both
	// start exactly at the threshold.
	lastTimestamp := o.lastTimestamp
	if lastTimestamp < threshold {
		lastTimestamp = threshold
	}
	lastWindowEnd := o.lastWindowEnd
	if lastWindowEnd < threshold {
		lastWindowEnd = threshold
	}

	additionalTime := timestamp - lastTimestamp
	if additionalTime == 0 {
		o.lastTimestamp = lastTimestamp
		o.lastWindowEnd = lastWindowEnd
		obs.Phase = PhaseZeroDuration
		return obs, nil
	}

	fullWindows := (timestamp - lastWindowEnd) / WindowLength

	// The first window boundary crossed still only earns one step of cap;
	// each further closed window widens the cap by one more step.
	var extraWindows uint64
	if fullWindows > 0 {
		extraWindows = fullWindows - 1
	}
	capped := CapPriceChange(o.lastWindowTWAP, price, o.maxBpsPerStep, extraWindows)

	total, err := fpmath.CheckedAdd(&o.totalCumulativePrice, fpmath.MulUint64(capped, additionalTime))
	if err != nil {
		return Observation{}, newError(CodeAccumulatorOverflow, op, "cumulative price exceeds 256 bits")
	}

	obs.CappedPrice = capped
	obs.AdditionalTime = additionalTime
	obs.FullWindowsElapsed = fullWindows

	if fullWindows == 0 {
		o.totalCumulativePrice.Set(total)
		o.lastPrice = capped
		o.lastWindowEnd = lastWindowEnd
		o.lastTimestamp = timestamp
		obs.Phase = PhaseIntraWindow
		return obs, nil
	}

	windowTWAP, err := o.windowTWAP(total, fullWindows)
	if err != nil {
		return Observation{}, err
	}

	// fullWindows*WindowLength <= timestamp-lastWindowEnd, so this cannot overflow.
	o.totalCumulativePrice.Set(total)
	o.lastWindowEndCumulativePrice.Set(total)
	o.lastWindowTWAP = windowTWAP
	o.lastWindowEnd = lastWindowEnd + fullWindows*WindowLength
	o.lastPrice = capped
	o.lastTimestamp = timestamp

	obs.Phase = PhaseRollover
	obs.WindowTWAP = windowTWAP
	return obs, nil
}
