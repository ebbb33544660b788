package projection

import (
	"PerpOracle/internal/observability"
	"PerpOracle/internal/oracle"
	"PerpOracle/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// WorkerID keys this worker's row in projections.watermark.
const WorkerID = "main"

// Update mirrors the data needed by the projection worker.
// The orchestrator bridges between core.CoreOutput and this.
type Update struct {
	Sequence    int64
	EventType   string
	MarketID    string
	TimestampMs int64
	State       oracle.State

	// Observation is nil for market initialization.
	Observation *oracle.Observation
	TWAP        uint64
	TWAPReady   bool
}

// CacheWriter receives the fresh latest-TWAP row after each commit.
type CacheWriter interface {
	Set(ctx context.Context, market string, value []byte) error
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind they are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan Update
	cache     CacheWriter
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan Update, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// WithCache enables write-through of twap_latest rows.
func (pw *ProjectionWorker) WithCache(c CacheWriter) *ProjectionWorker {
	pw.cache = c
	return pw
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case u, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.apply(ctx, u); err != nil {
				// Projections are eventually consistent and can be
				// rebuilt from the event log.
				pw.logger.Warn().Err(err).Int64("sequence", u.Sequence).Str("market_id", u.MarketID).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("twap").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = u.Sequence
			pw.refreshCache(ctx, u)
		}
	}
}

// LastSequence is the last sequence committed to the projection tables.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) apply(ctx context.Context, u Update) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if u.Observation != nil {
		if err := insertHistory(ctx, tx, u); err != nil {
			return fmt.Errorf("twap history: %w", err)
		}
	}

	if err := upsertLatest(ctx, tx, u); err != nil {
		return fmt.Errorf("twap latest: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WorkerID, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func insertHistory(ctx context.Context, tx *sql.Tx, u Update) error {
	ob := u.Observation
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.twap_history
			(sequence, market_id, timestamp_ms, input_price, capped_price, phase, twap, window_twap)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, u.Sequence, u.MarketID, u.TimestampMs,
		Numeric(ob.InputPrice), Numeric(ob.CappedPrice), ob.Phase.String(),
		nullableTWAP(u), Numeric(ob.WindowTWAP))
	return err
}

func upsertLatest(ctx context.Context, tx *sql.Tx, u Update) error {
	s := u.State
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.twap_latest
			(market_id, sequence, timestamp_ms, twap, last_price, last_window_twap, last_window_end,
			 total_cumulative_price, seed_price, market_start_ms, start_delay_ms, max_bps_per_step, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			sequence = EXCLUDED.sequence,
			timestamp_ms = EXCLUDED.timestamp_ms,
			twap = EXCLUDED.twap,
			last_price = EXCLUDED.last_price,
			last_window_twap = EXCLUDED.last_window_twap,
			last_window_end = EXCLUDED.last_window_end,
			total_cumulative_price = EXCLUDED.total_cumulative_price,
			updated_at = NOW()
		WHERE projections.twap_latest.sequence < EXCLUDED.sequence
	`, u.MarketID, u.Sequence, u.TimestampMs, nullableTWAP(u),
		Numeric(s.LastPrice), Numeric(s.LastWindowTWAP), int64(s.LastWindowEnd),
		s.TotalCumulativePrice, Numeric(s.TWAPInitializationPrice),
		int64(s.MarketStartTime), int64(s.TWAPStartDelay), Numeric(s.MaxBpsPerStep))
	return err
}

func (pw *ProjectionWorker) refreshCache(ctx context.Context, u Update) {
	if pw.cache == nil {
		return
	}
	value, err := json.Marshal(LatestFromUpdate(u))
	if err != nil {
		pw.logger.Warn().Err(err).Str("market_id", u.MarketID).Msg("encode cached twap")
		return
	}
	if err := pw.cache.Set(ctx, u.MarketID, value); err != nil {
		pw.logger.Debug().Err(err).Str("market_id", u.MarketID).Msg("cache refresh skipped")
	}
}

// LatestFromUpdate builds the twap_latest row an update produces.
func LatestFromUpdate(u Update) query.LatestTWAP {
	latest := query.LatestTWAP{
		MarketID:             u.MarketID,
		Sequence:             u.Sequence,
		TimestampMs:          u.TimestampMs,
		LastPrice:            u.State.LastPrice,
		LastWindowTWAP:       u.State.LastWindowTWAP,
		LastWindowEnd:        int64(u.State.LastWindowEnd),
		TotalCumulativePrice: u.State.TotalCumulativePrice,
		AsOfSequence:         u.Sequence,
	}
	if u.TWAPReady {
		twap := u.TWAP
		latest.TWAP = &twap
	}
	return latest
}

// Numeric renders a uint64 for a NUMERIC(20,0) column. lib/pq refuses
// uint64 arguments with the high bit set.
func Numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func nullableTWAP(u Update) interface{} {
	if !u.TWAPReady {
		return nil
	}
	return Numeric(u.TWAP)
}

// RebuildProjections truncates every projection table and resets the
// watermark. The caller then replays the event log into a fresh worker.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.twap_latest`,
		`TRUNCATE projections.twap_history`,
		`DELETE FROM projections.watermark WHERE worker_id = '` + WorkerID + `'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	logger.Info().Msg("projection tables truncated")
	return nil
}
