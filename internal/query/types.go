package query

// LatestTWAP is the newest projected oracle state for a market.
// It is also the value cached in Redis.
type LatestTWAP struct {
	MarketID             string  `json:"market_id"`
	Sequence             int64   `json:"sequence"`
	TimestampMs          int64   `json:"timestamp_ms"`
	TWAP                 *uint64 `json:"twap"` // nil until the start delay has passed
	LastPrice            uint64  `json:"last_price"`
	LastWindowTWAP       uint64  `json:"last_window_twap"`
	LastWindowEnd        int64   `json:"last_window_end"`
	TotalCumulativePrice string  `json:"total_cumulative_price"`
	AsOfSequence         int64   `json:"as_of_sequence"`
}

// HistoryEntry is one applied observation.
type HistoryEntry struct {
	Sequence    int64   `json:"sequence"`
	TimestampMs int64   `json:"timestamp_ms"`
	InputPrice  uint64  `json:"input_price"`
	CappedPrice uint64  `json:"capped_price"`
	Phase       string  `json:"phase"`
	TWAP        *uint64 `json:"twap"`
	WindowTWAP  uint64  `json:"window_twap"`
}

// HistoryResponse pages through twap_history, newest first.
type HistoryResponse struct {
	MarketID     string         `json:"market_id"`
	Entries      []HistoryEntry `json:"entries"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// MarketSummary describes a market's immutable oracle parameters.
type MarketSummary struct {
	MarketID      string `json:"market_id"`
	SeedPrice     uint64 `json:"seed_price"`
	MarketStartMs int64  `json:"market_start_ms"`
	StartDelayMs  int64  `json:"start_delay_ms"`
	MaxBpsPerStep uint64 `json:"max_bps_per_step"`
	Sequence      int64  `json:"sequence"`
}

type MarketsResponse struct {
	Markets      []MarketSummary `json:"markets"`
	AsOfSequence int64           `json:"as_of_sequence"`
}
