package core

import (
	"PerpOracle/internal/observability"
	"fmt"
)

// SequenceDecision is the outcome of validating a price sequence.
type SequenceDecision int

const (
	SequenceAccept SequenceDecision = iota
	SequenceGap                     // accepted, but sequences were skipped
	SequenceStale                   // at or behind the last applied sequence; skip
	SequenceUnordered               // no upstream sequence (admin injection)
)

// SequenceValidator tracks the last applied price sequence per market.
// Not thread-safe; only the single-threaded core touches it.
type SequenceValidator struct {
	lastSeq map[string]int64 // partition -> last applied sequence
	metrics *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		lastSeq: make(map[string]int64),
		metrics: metrics,
	}
}

func pricePartition(marketID string) string {
	return fmt.Sprintf("price:%s", marketID)
}

// ValidatePriceSequence checks a price observation's upstream sequence.
// Gaps are tolerated. Stale sequences are skipped so a redelivered or
// reordered feed cannot be applied twice. Sequences <= 0 carry no ordering
// and are always accepted.
func (sv *SequenceValidator) ValidatePriceSequence(marketID string, priceSequence int64) SequenceDecision {
	if priceSequence <= 0 {
		return SequenceUnordered
	}

	partition := pricePartition(marketID)
	last, seen := sv.lastSeq[partition]

	if seen && priceSequence <= last {
		if sv.metrics != nil {
			sv.metrics.PriceSequenceStale.WithLabelValues(marketID).Inc()
		}
		return SequenceStale
	}

	decision := SequenceAccept
	if seen && priceSequence > last+1 {
		if sv.metrics != nil {
			sv.metrics.PriceSequenceGap.WithLabelValues(marketID).Inc()
		}
		decision = SequenceGap
	}
	return decision
}

// CommitPriceSequence records a sequence once the observation has been applied.
func (sv *SequenceValidator) CommitPriceSequence(marketID string, priceSequence int64) {
	if priceSequence <= 0 {
		return
	}
	sv.lastSeq[pricePartition(marketID)] = priceSequence
}

// GetLastSequence returns the last applied sequence for a partition.
func (sv *SequenceValidator) GetLastSequence(partition string) (int64, bool) {
	seq, ok := sv.lastSeq[partition]
	return seq, ok
}

// GetAllPartitions copies the validator state for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.lastSeq))
	for k, v := range sv.lastSeq {
		out[k] = v
	}
	return out
}

// RestorePartition sets a partition's last sequence (used during recovery).
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.lastSeq[partition] = seq
}
