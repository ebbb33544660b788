package ingestion_test

import (
	"PerpOracle/internal/event"
	"PerpOracle/internal/ingestion"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseMarketInitialized(t *testing.T) {
	payload := map[string]interface{}{
		"market":           "BTC-USDT-PERP",
		"seed_price":       "50000.00",
		"market_start_ms":  uint64(1700000000000),
		"start_delay_ms":   uint64(300_000),
		"max_bps_per_step": uint64(500),
		"sequence":         int64(3),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "MarketInitialized")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mi, ok := evt.(*event.MarketInitialized)
	if !ok {
		t.Fatalf("expected *event.MarketInitialized, got %T", evt)
	}
	if mi.Market != "BTC-USDT-PERP" {
		t.Errorf("market: got %s, want BTC-USDT-PERP", mi.Market)
	}
	if mi.SeedPrice != 5_000_000 {
		t.Errorf("seed_price: got %d, want 5_000_000", mi.SeedPrice)
	}
	if mi.MarketStartMs != 1700000000000 {
		t.Errorf("market_start_ms: got %d", mi.MarketStartMs)
	}
	if mi.StartDelayMs != 300_000 {
		t.Errorf("start_delay_ms: got %d, want 300_000", mi.StartDelayMs)
	}
	if mi.MaxBpsPerStep != 500 {
		t.Errorf("max_bps_per_step: got %d, want 500", mi.MaxBpsPerStep)
	}
	if mi.EventType() != event.EventTypeMarketInitialized {
		t.Errorf("event type: got %v, want MarketInitialized", mi.EventType())
	}
}

func TestParsePriceObservation_IntegerTicks(t *testing.T) {
	payload := map[string]interface{}{
		"market":         "BTC-USDT-PERP",
		"price":          uint64(5_000_125),
		"price_sequence": int64(42),
		"timestamp_ms":   uint64(1700000060000),
		"source":         "binance",
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceObservation")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	po, ok := evt.(*event.PriceObservation)
	if !ok {
		t.Fatalf("expected *event.PriceObservation, got %T", evt)
	}
	if po.Price != 5_000_125 {
		t.Errorf("price: got %d, want 5_000_125", po.Price)
	}
	if po.PriceSequence != 42 {
		t.Errorf("price_sequence: got %d, want 42", po.PriceSequence)
	}
	if po.TimestampMs != 1700000060000 {
		t.Errorf("timestamp_ms: got %d", po.TimestampMs)
	}
	if po.Source != "binance" {
		t.Errorf("source: got %s, want binance", po.Source)
	}
	if po.IdempotencyKey() != "BTC-USDT-PERP:price:42" {
		t.Errorf("idempotency key: got %s", po.IdempotencyKey())
	}
}

func TestParsePriceObservation_DecimalString(t *testing.T) {
	payload := map[string]interface{}{
		"market":         "ETH-USDT-PERP",
		"price":          "101.25",
		"price_sequence": int64(1),
		"timestamp_ms":   uint64(1000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceObservation")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := evt.(*event.PriceObservation).Price; got != 10_125 {
		t.Errorf("price: got %d, want 10_125", got)
	}
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		raw     string
		want    uint64
		wantErr bool
	}{
		{`10125`, 10125, false},
		{`"101.25"`, 10125, false},
		{`"0.5"`, 50, false},
		{`0`, 0, false}, // zero is the oracle's call, not the parser's
		{`-5`, 0, true},
		{`1.5`, 0, true},
		{`"abc"`, 0, true},
		{`null`, 0, true},
		{``, 0, true},
	}

	for _, tc := range cases {
		got, err := ingestion.ParsePrice(json.RawMessage(tc.raw))
		if tc.wantErr {
			if !errors.Is(err, ingestion.ErrInvalidEvent) {
				t.Errorf("%s: expected ErrInvalidEvent, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := rawFromJSON(t, map[string]string{"foo": "bar"})
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if !errors.Is(err, ingestion.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte("{not json")}
	_, err := ingestion.ParseRawEvent(raw, "PriceObservation")
	if !errors.Is(err, ingestion.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestParseMissingMarket_Fails(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{"price": 100, "timestamp_ms": 1})
	if _, err := ingestion.ParseRawEvent(raw, "PriceObservation"); err == nil {
		t.Error("expected error for missing market")
	}

	raw = rawFromJSON(t, map[string]interface{}{"market": "BTC.PERP", "price": 100})
	if _, err := ingestion.ParseRawEvent(raw, "PriceObservation"); err == nil {
		t.Error("expected error for market containing a subject separator")
	}
}
