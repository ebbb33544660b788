package persistence_test

import (
	"PerpOracle/internal/oracle"
	"PerpOracle/internal/persistence"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestBuildEventInsert_Placeholders(t *testing.T) {
	rows := []persistence.EventRow{
		{Sequence: 1, EventType: "PriceObservation", MarketID: "BTC-PERP"},
		{Sequence: 2, EventType: "PriceObservation", MarketID: "BTC-PERP"},
	}

	query, args := persistence.BuildEventInsert(rows)

	if len(args) != 18 {
		t.Fatalf("args: got %d, want 18", len(args))
	}
	if !strings.Contains(query, "($10, $11, $12, $13, $14, $15, $16, $17, $18)") {
		t.Errorf("second row placeholders missing: %s", query)
	}
	if !strings.HasSuffix(query, "ON CONFLICT (sequence) DO NOTHING") {
		t.Errorf("insert must be idempotent on sequence: %s", query)
	}
	if args[9] != int64(2) {
		t.Errorf("second row sequence: got %v, want 2", args[9])
	}
}

func TestListMigrationFiles_SortedBySuffix(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_projections.up.sql": {Data: []byte("--")},
		"000001_event_log.up.sql":   {Data: []byte("--")},
		"000001_event_log.down.sql": {Data: []byte("--")},
		"README.md":                 {Data: []byte("--")},
	}

	files, err := persistence.ListMigrationFiles(fsys, ".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0] != "000001_event_log.up.sql" || files[1] != "000002_projections.up.sql" {
		t.Errorf("files: got %v", files)
	}
	if v := persistence.ExtractVersion(files[1]); v != "000002" {
		t.Errorf("version: got %s, want 000002", v)
	}
}

func TestSnapshotEncoding_RoundTripsOracleState(t *testing.T) {
	o, err := oracle.New(100, 0, 0, 500)
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	if _, err := o.WriteObservation(60_000, 2000); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap := &persistence.SnapshotData{
		Sequence:        7,
		StateHash:       make([]byte, 32),
		Markets:         map[string]oracle.State{"BTC-PERP": o.State()},
		SequenceState:   map[string]int64{"price:BTC-PERP": 3},
		IdempotencyKeys: []string{"PriceObservation:BTC-PERP:price:3"},
		CreatedAt:       time.Unix(0, 0).UTC(),
	}

	data, err := persistence.EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := persistence.DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	restored, err := oracle.Restore(decoded.Markets["BTC-PERP"])
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.TotalCumulativePrice().Cmp(o.TotalCumulativePrice()) != 0 {
		t.Errorf("total: got %s, want %s", restored.TotalCumulativePrice().Dec(), o.TotalCumulativePrice().Dec())
	}
	if decoded.SequenceState["price:BTC-PERP"] != 3 {
		t.Errorf("sequence state: got %v", decoded.SequenceState)
	}
}

func TestDecodeSnapshot_RejectsBadHash(t *testing.T) {
	if _, err := persistence.DecodeSnapshot([]byte(`{"sequence":1,"state_hash":"AAAA"}`)); err == nil {
		t.Error("expected error for truncated state hash")
	}
}
