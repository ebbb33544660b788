package main

import (
	"PerpOracle/internal/core"
	"PerpOracle/internal/event"
	"PerpOracle/internal/ingestion"
	"PerpOracle/internal/observability"
	"PerpOracle/internal/persistence"
	"PerpOracle/internal/projection"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// --- Core output bridge ---

// outputBridge converts core.CoreOutput into the persistence and projection
// formats, and holds TWAP updates until their event is durable.
type outputBridge struct {
	persistOut    chan<- persistence.EventRow
	projectionOut chan<- projection.Update
	publishOut    chan<- ingestion.TWAPUpdate
	metrics       *observability.Metrics

	mu        sync.Mutex
	pending   map[int64]ingestion.TWAPUpdate
	persisted atomic.Int64

	// blockProjections is set while rebuilding projections from the log.
	blockProjections atomic.Bool

	done chan struct{}
}

func newOutputBridge(
	persistOut chan<- persistence.EventRow,
	projectionOut chan<- projection.Update,
	publishOut chan<- ingestion.TWAPUpdate,
	metrics *observability.Metrics,
) *outputBridge {
	b := &outputBridge{
		persistOut:    persistOut,
		projectionOut: projectionOut,
		publishOut:    publishOut,
		metrics:       metrics,
		pending:       make(map[int64]ingestion.TWAPUpdate),
		done:          make(chan struct{}),
	}
	b.persisted.Store(-1)
	return b
}

// run forwards until both inputs are closed, then closes both outputs.
func (b *outputBridge) run(ctx context.Context, persistIn, projectionIn <-chan core.CoreOutput) {
	defer close(b.done)
	defer close(b.persistOut)
	defer close(b.projectionOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			if upd, ok := twapUpdate(output); ok {
				b.mu.Lock()
				b.pending[upd.Sequence] = upd
				b.mu.Unlock()
			}
			select {
			case b.persistOut <- eventRow(output):
			case <-ctx.Done():
				return
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			upd := projectionUpdate(output)
			if b.blockProjections.Load() {
				select {
				case b.projectionOut <- upd:
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case b.projectionOut <- upd:
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}

// committed is the persistence worker's OnCommit hook.
func (b *outputBridge) committed(rows []persistence.EventRow) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, row := range rows {
		if row.Sequence > b.persisted.Load() {
			b.persisted.Store(row.Sequence)
		}
		upd, ok := b.pending[row.Sequence]
		if !ok {
			continue
		}
		delete(b.pending, row.Sequence)

		select {
		case b.publishOut <- upd:
		default:
			if b.metrics != nil {
				b.metrics.PublishDrops.Inc()
			}
		}
	}
}

// markPersisted records rows that were already in the log at startup.
func (b *outputBridge) markPersisted(seq int64) {
	b.persisted.Store(seq)
}

// waitPersisted blocks until every sequence up to seq is committed.
func (b *outputBridge) waitPersisted(ctx context.Context, seq int64) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for b.persisted.Load() < seq {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for sequence %d (persisted %d): %w", seq, b.persisted.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func eventRow(output core.CoreOutput) persistence.EventRow {
	env := output.Envelope
	return persistence.EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
		EmittedAt:      time.Now(),
	}
}

func projectionUpdate(output core.CoreOutput) projection.Update {
	env := output.Envelope
	return projection.Update{
		Sequence:    env.Sequence,
		EventType:   env.EventType.String(),
		MarketID:    env.MarketID,
		TimestampMs: env.Timestamp.UnixMilli(),
		State:       output.State,
		Observation: output.Observation,
		TWAP:        output.TWAP,
		TWAPReady:   output.TWAPReady,
	}
}

// twapUpdate builds the outbound message for an observation. Market
// initializations are not published.
func twapUpdate(output core.CoreOutput) (ingestion.TWAPUpdate, bool) {
	ob := output.Observation
	if ob == nil {
		return ingestion.TWAPUpdate{}, false
	}
	env := output.Envelope
	return ingestion.TWAPUpdate{
		Sequence:       env.Sequence,
		Market:         env.MarketID,
		TimestampMs:    ob.Timestamp,
		TWAP:           output.TWAP,
		TWAPReady:      output.TWAPReady,
		LastPrice:      output.State.LastPrice,
		LastWindowTWAP: output.State.LastWindowTWAP,
		InputPrice:     ob.InputPrice,
		Capped:         ob.Capped(),
		Phase:          ob.Phase.String(),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		EmittedAt:      time.Now().UTC(),
	}, true
}

// --- Core loop ---

type snapshotRequest struct {
	reply chan<- snapshotReply
}

type snapshotReply struct {
	sequence int64
	err      error
}

var (
	errNothingToSnapshot = errors.New("no events applied yet")
	errSnapshotPending   = errors.New("a snapshot is already in progress")
)

// coreLoop is the only goroutine that touches the OracleCore once
// recovery is done. NATS and admin submissions share it.
type coreLoop struct {
	core             *core.OracleCore
	submissions      <-chan ingestion.Submission
	snapshotRequests chan snapshotRequest
	snapshots        *snapshotter
	interval         int64
	metrics          *observability.Metrics
	logger           zerolog.Logger

	lastSnapshot int64
	stopOnce     sync.Once
	stopCh       chan struct{}
	stopped      chan struct{}
}

func (l *coreLoop) run(ctx context.Context) {
	defer close(l.stopped)
	l.lastSnapshot = l.core.GetSequence() - 1

	for {
		select {
		case <-ctx.Done():
			return

		case <-l.stopCh:
			// Drain what was already accepted; NATS acked it on enqueue.
			for {
				select {
				case sub := <-l.submissions:
					l.apply(sub)
				default:
					return
				}
			}

		case sub := <-l.submissions:
			l.apply(sub)
			if l.interval > 0 && l.core.GetSequence()-1-l.lastSnapshot >= l.interval {
				if _, err := l.snapshot(); err != nil {
					l.logger.Debug().Err(err).Msg("periodic snapshot skipped")
				}
			}

		case req := <-l.snapshotRequests:
			seq, err := l.snapshot()
			req.reply <- snapshotReply{sequence: seq, err: err}
		}
	}
}

func (l *coreLoop) apply(sub ingestion.Submission) {
	evt := sub.Event
	err := l.core.ProcessEvent(evt)

	if l.metrics != nil && !sub.ReceivedAt.IsZero() {
		l.metrics.IngestToApply.WithLabelValues(evt.EventType().String()).Observe(time.Since(sub.ReceivedAt).Seconds())
	}
	if sub.Done != nil {
		sub.Done <- err
	}

	if err != nil {
		lvl := l.logger.Error()
		if core.IsPermanent(err) {
			lvl = l.logger.Warn()
		}
		lvl.Err(err).
			Str("event_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("event rejected")
	}
}

// snapshot hands the current state to the snapshotter and returns its sequence.
func (l *coreLoop) snapshot() (int64, error) {
	st := l.core.CreateSnapshotState()
	if st.Sequence < 0 {
		return 0, errNothingToSnapshot
	}
	if !l.snapshots.enqueue(st) {
		return 0, errSnapshotPending
	}
	l.lastSnapshot = st.Sequence
	return st.Sequence, nil
}

// requestSnapshot is the admin API's Snapshotter.
func (l *coreLoop) requestSnapshot(ctx context.Context) (int64, error) {
	reply := make(chan snapshotReply, 1)
	select {
	case l.snapshotRequests <- snapshotRequest{reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.sequence, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// stop ends the loop after draining queued submissions.
func (l *coreLoop) stop() <-chan struct{} {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.stopped
}

// --- Snapshots ---

// snapshotter saves core snapshots off the core goroutine. A snapshot is
// written only after the event log holds its sequence, then verified
// against that row's state hash.
type snapshotter struct {
	mgr     *persistence.SnapshotManager
	bridge  *outputBridge
	keep    int
	queue   chan *core.SnapshotState
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func newSnapshotter(mgr *persistence.SnapshotManager, bridge *outputBridge, keep int, metrics *observability.Metrics, logger zerolog.Logger) *snapshotter {
	return &snapshotter{
		mgr:     mgr,
		bridge:  bridge,
		keep:    keep,
		queue:   make(chan *core.SnapshotState, 1),
		metrics: metrics,
		logger:  logger,
	}
}

// enqueue never blocks the core. It reports false while another snapshot
// is still queued.
func (s *snapshotter) enqueue(st *core.SnapshotState) bool {
	select {
	case s.queue <- st:
		return true
	default:
		return false
	}
}

func (s *snapshotter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-s.queue:
			if err := s.takeNow(ctx, st); err != nil {
				s.logger.Warn().Err(err).Int64("sequence", st.Sequence).Msg("snapshot failed")
			}
		}
	}
}

func (s *snapshotter) takeNow(ctx context.Context, st *core.SnapshotState) error {
	if st.Sequence < 0 {
		return nil
	}
	if err := s.bridge.waitPersisted(ctx, st.Sequence); err != nil {
		return err
	}

	start := time.Now()
	snap := &persistence.SnapshotData{
		Sequence:        st.Sequence,
		StateHash:       append([]byte(nil), st.StateHash[:]...),
		Markets:         st.Markets,
		SequenceState:   st.SequenceState,
		IdempotencyKeys: st.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}

	size, err := s.mgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}

	logged, err := s.mgr.StateHashAt(ctx, st.Sequence)
	if err != nil {
		return err
	}
	if !bytes.Equal(logged, snap.StateHash) {
		return fmt.Errorf("snapshot %d hash %x does not match event log %x", st.Sequence, snap.StateHash, logged)
	}
	if err := s.mgr.MarkVerified(ctx, st.Sequence); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}

	if s.keep > 0 {
		if pruned, err := s.mgr.PruneSnapshots(ctx, s.keep); err != nil {
			s.logger.Warn().Err(err).Msg("prune snapshots")
		} else if pruned > 0 {
			s.logger.Debug().Int64("pruned", pruned).Msg("old snapshots pruned")
		}
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	s.logger.Info().Int64("sequence", st.Sequence).Int("bytes", size).Int("markets", len(st.Markets)).Msg("snapshot saved")
	return nil
}

// --- Recovery ---

const (
	replayBatchSize = 1000
	warmKeyLimit    = 100_000
)

// recovery restores the latest verified snapshot and replays the log tail,
// checking every replayed row against its recorded hash chain.
type recovery struct {
	core      *core.OracleCore
	snapshots *persistence.SnapshotManager
	dbChecker *persistence.PostgresIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger

	// fromZero ignores snapshots and replays the whole log with blocking
	// projection sends, rebuilding the projection tables.
	fromZero bool
}

func (r *recovery) run(ctx context.Context) error {
	start := time.Now()
	from := int64(0)

	if r.fromZero {
		r.core.SetProjectionBackpressure(true)
		defer r.core.SetProjectionBackpressure(false)
	} else {
		snap, err := r.snapshots.LoadLatestSnapshot(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to load snapshot, replaying full log")
		}
		if snap != nil {
			if err := r.restore(ctx, snap); err != nil {
				return err
			}
			from = snap.Sequence + 1
		} else {
			r.logger.Info().Msg("no snapshot found, cold start from sequence 0")
		}
	}

	r.core.SetReplayMode(true)
	defer r.core.SetReplayMode(false)

	n, err := r.replay(ctx, from)
	if r.metrics != nil {
		r.metrics.ReplayEventsTotal.Add(float64(n))
		r.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}

	r.logger.Info().
		Int64("replayed", n).
		Int64("next_sequence", r.core.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

func (r *recovery) restore(ctx context.Context, snap *persistence.SnapshotData) error {
	coreSnap := &core.SnapshotState{
		Sequence:        snap.Sequence,
		Markets:         snap.Markets,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(coreSnap.StateHash[:], snap.StateHash)

	if err := r.core.RestoreFromSnapshot(coreSnap); err != nil {
		return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}

	if len(snap.IdempotencyKeys) == 0 {
		keys, err := r.dbChecker.RecentKeys(ctx, warmKeyLimit)
		if err != nil {
			r.logger.Warn().Err(err).Msg("LRU warm from event log failed")
		} else {
			r.core.WarmLRU(keys)
		}
	}

	r.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("markets", len(snap.Markets)).
		Int("idempotency_keys", len(snap.IdempotencyKeys)).
		Msg("restored snapshot")
	return nil
}

func (r *recovery) replay(ctx context.Context, from int64) (int64, error) {
	var total int64

	for {
		rows, err := r.snapshots.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			if err := r.replayRow(row); err != nil {
				return total, err
			}
			total++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}

func (r *recovery) replayRow(row persistence.EventRow) error {
	if want := r.core.GetSequence(); row.Sequence != want {
		return fmt.Errorf("event log gap: found sequence %d, expected %d", row.Sequence, want)
	}
	tip := r.core.GetStateHash()
	if !bytes.Equal(row.PrevHash, tip[:]) {
		return fmt.Errorf("hash chain break at sequence %d", row.Sequence)
	}

	evt, err := event.DecodePayload(row.EventType, row.Payload)
	if err != nil {
		return fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	if err := r.core.ProcessEvent(evt); err != nil {
		return fmt.Errorf("replay sequence %d: %w", row.Sequence, err)
	}
	if r.core.GetSequence() != row.Sequence+1 {
		return fmt.Errorf("replay sequence %d: event was not applied", row.Sequence)
	}

	tip = r.core.GetStateHash()
	if !bytes.Equal(row.StateHash, tip[:]) {
		return fmt.Errorf("state hash mismatch at sequence %d: log %x, replay %x", row.Sequence, row.StateHash, tip)
	}
	return nil
}

// --- Channel metrics ---

func reportChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sizeFn := range channels {
				size, capacity := sizeFn()
				metrics.UpdateChannelMetrics(name, size, capacity)
			}
		}
	}
}
