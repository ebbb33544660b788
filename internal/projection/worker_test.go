package projection_test

import (
	"PerpOracle/internal/oracle"
	"PerpOracle/internal/projection"
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func readyUpdate() projection.Update {
	return projection.Update{
		Sequence:    7,
		EventType:   "PriceObservation",
		MarketID:    "BTC-PERP",
		TimestampMs: 60_000,
		State: oracle.State{
			LastPrice:                    1_050_000,
			LastTimestamp:                60_000,
			TotalCumulativePrice:         "63000000000",
			LastWindowEndCumulativePrice: "63000000000",
			LastWindowEnd:                60_000,
			LastWindowTWAP:               1_050_000,
			MaxBpsPerStep:                500,
			TWAPInitializationPrice:      1_000_000,
		},
		Observation: &oracle.Observation{
			Timestamp:   60_000,
			InputPrice:  2_000_000,
			CappedPrice: 1_050_000,
			Phase:       oracle.PhaseRollover,
			WindowTWAP:  1_050_000,
		},
		TWAP:      1_050_000,
		TWAPReady: true,
	}
}

func TestLatestFromUpdate(t *testing.T) {
	latest := projection.LatestFromUpdate(readyUpdate())

	if latest.TWAP == nil || *latest.TWAP != 1_050_000 {
		t.Fatalf("twap: got %v, want 1050000", latest.TWAP)
	}
	if latest.AsOfSequence != 7 {
		t.Errorf("as_of_sequence: got %d, want 7", latest.AsOfSequence)
	}
	if latest.LastWindowEnd != 60_000 {
		t.Errorf("last_window_end: got %d, want 60000", latest.LastWindowEnd)
	}
	if latest.TotalCumulativePrice != "63000000000" {
		t.Errorf("total: got %s", latest.TotalCumulativePrice)
	}
}

func TestLatestFromUpdate_NotReadyHasNullTWAP(t *testing.T) {
	u := readyUpdate()
	u.TWAPReady = false

	latest := projection.LatestFromUpdate(u)
	if latest.TWAP != nil {
		t.Fatalf("twap: got %d, want nil", *latest.TWAP)
	}

	raw, err := json.Marshal(latest)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := decoded["twap"]; !ok || v != nil {
		t.Errorf("twap field: got %v, want explicit null", v)
	}
}

func TestNumeric_FullRange(t *testing.T) {
	if got := projection.Numeric(math.MaxUint64); got != "18446744073709551615" {
		t.Errorf("max uint64: got %s", got)
	}
	if got := projection.Numeric(0); got != "0" {
		t.Errorf("zero: got %s", got)
	}
}

type recordingCache struct {
	markets []string
	values  [][]byte
}

func (c *recordingCache) Set(_ context.Context, market string, value []byte) error {
	c.markets = append(c.markets, market)
	c.values = append(c.values, value)
	return nil
}

func TestProjectionWorker_StopsOnClosedInput(t *testing.T) {
	in := make(chan projection.Update)
	close(in)

	pw := projection.NewProjectionWorker(nil, in, nil, zerolog.Nop()).WithCache(&recordingCache{})

	done := make(chan error, 1)
	go func() { done <- pw.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: got %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on closed input")
	}
	if pw.LastSequence() != 0 {
		t.Errorf("last sequence: got %d, want 0", pw.LastSequence())
	}
}
