// internal/event/observation.go
package event

import "fmt"

// PriceObservation is one observed price for a market's TWAP oracle.
type PriceObservation struct {
	Market        string `json:"market"`
	Price         uint64 `json:"price"`          // Fixed-point: price scale, must be > 0
	PriceSequence int64  `json:"price_sequence"` // Monotonic per market, 0 = unsequenced
	TimestampMs   uint64 `json:"timestamp_ms"`   // Epoch milliseconds (versioned input)
	Source        string `json:"source,omitempty"`
}

// IdempotencyKey is keyed on the upstream sequence. Unsequenced
// observations (manual injection) fall back to timestamp and source.
func (p *PriceObservation) IdempotencyKey() string {
	if p.PriceSequence > 0 {
		return fmt.Sprintf("%s:price:%d", p.Market, p.PriceSequence)
	}
	return fmt.Sprintf("%s:price:t%d:%s", p.Market, p.TimestampMs, p.Source)
}

func (p *PriceObservation) EventType() EventType {
	return EventTypePriceObservation
}

func (p *PriceObservation) MarketID() string {
	return p.Market
}

func (p *PriceObservation) SourceSequence() int64 {
	return p.PriceSequence
}
