package event

import "fmt"

// MarketInitialized creates the TWAP oracle backing a new market.
// Delay and cap parameters are immutable for the market's lifetime.
type MarketInitialized struct {
	Market        string `json:"market"`
	SeedPrice     uint64 `json:"seed_price"`      // Fixed-point: price scale
	MarketStartMs uint64 `json:"market_start_ms"` // Epoch milliseconds
	StartDelayMs  uint64 `json:"start_delay_ms"`
	MaxBpsPerStep uint64 `json:"max_bps_per_step"`
	Sequence      int64  `json:"sequence"`
}

func (m *MarketInitialized) IdempotencyKey() string {
	return fmt.Sprintf("%s:init", m.Market)
}

func (m *MarketInitialized) EventType() EventType {
	return EventTypeMarketInitialized
}

func (m *MarketInitialized) MarketID() string {
	return m.Market
}

func (m *MarketInitialized) SourceSequence() int64 {
	return m.Sequence
}
