package ingestion

import (
	"PerpOracle/internal/event"
	fpmath "PerpOracle/internal/math"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEvent marks payloads that can never be parsed; they are acked
// and dropped rather than redelivered.
var ErrInvalidEvent = errors.New("invalid event")

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
// The ingestion shell validates, parses, and converts raw events before
// sending them to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "MarketInitialized":
		return parseMarketInitialized(raw.Data)
	case "PriceObservation":
		return parsePriceObservation(raw.Data)
	default:
		return nil, fmt.Errorf("%w: unknown event type: %s", ErrInvalidEvent, eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type marketInitJSON struct {
	Market        string          `json:"market"`
	SeedPrice     json.RawMessage `json:"seed_price"` // ticks or "101.25"
	MarketStartMs uint64          `json:"market_start_ms"`
	StartDelayMs  uint64          `json:"start_delay_ms"`
	MaxBpsPerStep uint64          `json:"max_bps_per_step"`
	Sequence      int64           `json:"sequence"`
}

func parseMarketInitialized(data []byte) (*event.MarketInitialized, error) {
	var j marketInitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse MarketInitialized: %v", ErrInvalidEvent, err)
	}
	if err := validateMarket(j.Market); err != nil {
		return nil, err
	}
	seed, err := ParsePrice(j.SeedPrice)
	if err != nil {
		return nil, fmt.Errorf("parse seed_price: %w", err)
	}
	return &event.MarketInitialized{
		Market:        j.Market,
		SeedPrice:     seed,
		MarketStartMs: j.MarketStartMs,
		StartDelayMs:  j.StartDelayMs,
		MaxBpsPerStep: j.MaxBpsPerStep,
		Sequence:      j.Sequence,
	}, nil
}

type priceObservationJSON struct {
	Market        string          `json:"market"`
	Price         json.RawMessage `json:"price"` // ticks or "101.25"
	PriceSequence int64           `json:"price_sequence"`
	TimestampMs   uint64          `json:"timestamp_ms"`
	Source        string          `json:"source,omitempty"`
}

func parsePriceObservation(data []byte) (*event.PriceObservation, error) {
	var j priceObservationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse PriceObservation: %v", ErrInvalidEvent, err)
	}
	if err := validateMarket(j.Market); err != nil {
		return nil, err
	}
	price, err := ParsePrice(j.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	return &event.PriceObservation{
		Market:        j.Market,
		Price:         price,
		PriceSequence: j.PriceSequence,
		TimestampMs:   j.TimestampMs,
		Source:        j.Source,
	}, nil
}

// ParsePrice accepts either an integer tick count or a decimal string in
// price units ("101.25" → 10125 at two decimals).
func ParsePrice(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing price", ErrInvalidEvent)
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		ticks, err := fpmath.PriceConfig.ParseDecimal(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return ticks, nil
	}

	var ticks uint64
	if err := json.Unmarshal(raw, &ticks); err != nil {
		return 0, fmt.Errorf("%w: price must be a non-negative integer or decimal string: %v", ErrInvalidEvent, err)
	}
	return ticks, nil
}

// Market ids become NATS subject tokens and Redis key segments.
func validateMarket(market string) error {
	if market == "" {
		return fmt.Errorf("%w: market is required", ErrInvalidEvent)
	}
	if strings.ContainsAny(market, " .*>\t\n") {
		return fmt.Errorf("%w: market %q contains subject separators", ErrInvalidEvent, market)
	}
	return nil
}
