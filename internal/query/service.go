package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidRange = errors.New("invalid range")
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// Cache is the read-through cache in front of twap_latest. The projection
// worker owns the writes; reads only fill a missing key, so a row read
// before a newer commit can never replace the worker's value.
type Cache interface {
	Get(ctx context.Context, market string) ([]byte, bool, error)
	SetIfAbsent(ctx context.Context, market string, value []byte) (bool, error)
}

// QueryService provides read-only access to projection tables.
// All responses include as_of_sequence for freshness semantics.
type QueryService struct {
	db    *sql.DB
	cache Cache
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// WithCache puts c in front of latest-TWAP reads.
func (qs *QueryService) WithCache(c Cache) *QueryService {
	qs.cache = c
	return qs
}

// GetLatestTWAP returns the newest projected state for market.
// Cache errors fall through to Postgres.
func (qs *QueryService) GetLatestTWAP(ctx context.Context, market string) (*LatestTWAP, error) {
	if qs.cache != nil {
		if raw, found, err := qs.cache.Get(ctx, market); err == nil && found {
			var latest LatestTWAP
			if err := json.Unmarshal(raw, &latest); err == nil {
				return &latest, nil
			}
		}
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	latest := LatestTWAP{MarketID: market, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT sequence, timestamp_ms, twap, last_price, last_window_twap,
		       last_window_end, total_cumulative_price
		FROM projections.twap_latest
		WHERE market_id = $1
	`, market).Scan(
		&latest.Sequence, &latest.TimestampMs, &latest.TWAP, &latest.LastPrice,
		&latest.LastWindowTWAP, &latest.LastWindowEnd, &latest.TotalCumulativePrice,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, market)
	}
	if err != nil {
		return nil, err
	}

	qs.fill(ctx, latest)
	return &latest, nil
}

func (qs *QueryService) fill(ctx context.Context, latest LatestTWAP) {
	if qs.cache == nil {
		return
	}
	if raw, err := json.Marshal(latest); err == nil {
		_, _ = qs.cache.SetIfAbsent(ctx, latest.MarketID, raw)
	}
}

// GetTWAPHistory returns observations for market with fromMs <= ts <= toMs,
// newest first. toMs == 0 means no upper bound.
func (qs *QueryService) GetTWAPHistory(
	ctx context.Context,
	market string,
	fromMs, toMs int64,
	limit int,
) (*HistoryResponse, error) {
	if fromMs < 0 || toMs < 0 || (toMs != 0 && toMs < fromMs) {
		return nil, fmt.Errorf("%w: from=%d to=%d", ErrInvalidRange, fromMs, toMs)
	}
	limit = NormalizeLimit(limit)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query, args := buildHistoryQuery(market, fromMs, toMs, limit)
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &HistoryResponse{MarketID: market, Entries: []HistoryEntry{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(
			&h.Sequence, &h.TimestampMs, &h.InputPrice, &h.CappedPrice,
			&h.Phase, &h.TWAP, &h.WindowTWAP,
		); err != nil {
			return nil, err
		}
		resp.Entries = append(resp.Entries, h)
	}

	return resp, rows.Err()
}

func buildHistoryQuery(market string, fromMs, toMs int64, limit int) (string, []interface{}) {
	query := `
		SELECT sequence, timestamp_ms, input_price, capped_price, phase, twap, window_twap
		FROM projections.twap_history
		WHERE market_id = $1 AND timestamp_ms >= $2
	`
	args := []interface{}{market, fromMs}
	argIdx := 3

	if toMs != 0 {
		query += fmt.Sprintf(" AND timestamp_ms <= $%d", argIdx)
		args = append(args, toMs)
		argIdx++
	}

	query += " ORDER BY timestamp_ms DESC, sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	return query, args
}

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// ListMarkets returns every projected market, ordered by id.
func (qs *QueryService) ListMarkets(ctx context.Context) (*MarketsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, seed_price, market_start_ms, start_delay_ms, max_bps_per_step, sequence
		FROM projections.twap_latest
		ORDER BY market_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &MarketsResponse{Markets: []MarketSummary{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var m MarketSummary
		if err := rows.Scan(
			&m.MarketID, &m.SeedPrice, &m.MarketStartMs, &m.StartDelayMs,
			&m.MaxBpsPerStep, &m.Sequence,
		); err != nil {
			return nil, err
		}
		resp.Markets = append(resp.Markets, m)
	}

	return resp, rows.Err()
}

// --- Admin APIs ---

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LastSequence    int64   `json:"last_sequence"`
}

// VerifyIntegrity checks that every event's prev_hash matches the state
// hash of the event before it.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), -1) FROM event_log.events
	`).Scan(&report.LastSequence); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
