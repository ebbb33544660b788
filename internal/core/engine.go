package core

import (
	"PerpOracle/internal/event"
	"PerpOracle/internal/observability"
	"PerpOracle/internal/oracle"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrUnknownMarket = errors.New("market not initialized")
	ErrMarketExists  = errors.New("market already initialized")
	ErrUnknownEvent  = errors.New("unknown event type")
)

// DefaultLRUCapacity bounds the in-memory idempotency tier.
const DefaultLRUCapacity = 1_000_000

// OracleCore is the single-threaded event processor. It owns one TWAP
// oracle per market and is the only writer to any of them.
type OracleCore struct {
	sequence          int64
	hasher            *StateHasher
	oracles           map[string]*oracle.Oracle
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	replaying         bool
	blockProjections  bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need for one applied event.
type CoreOutput struct {
	Envelope *event.EventEnvelope

	// Observation is nil for market initialization.
	Observation *oracle.Observation

	// TWAP is the lifetime TWAP (x10_000) read at the event's timestamp.
	// Only meaningful when TWAPReady.
	TWAP      uint64
	TWAPReady bool

	// State is the market's oracle after the event.
	State oracle.State
}

func NewOracleCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *OracleCore {
	return &OracleCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		oracles:           make(map[string]*oracle.Oracle),
		idempotency:       NewIdempotencyChecker(DefaultLRUCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// WithLRUCapacity resizes the in-memory idempotency tier. Call before the
// first event or snapshot restore.
func (c *OracleCore) WithLRUCapacity(capacity int) *OracleCore {
	c.idempotency = NewIdempotencyChecker(capacity, c.idempotency.dbChecker, c.metrics)
	return c
}

// ProcessEvent is the main processing pipeline
func (c *OracleCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// An init for a live market shares its idempotency key with the
	// original, so it must be refused before dedup would swallow it.
	if init, ok := evt.(*event.MarketInitialized); ok {
		if _, exists := c.oracles[init.Market]; exists {
			c.reject(eventType, "market_exists")
			return fmt.Errorf("%w: %s", ErrMarketExists, init.Market)
		}
	}

	// Step 1: Idempotency check (two-tier; replayed rows are already in
	// Postgres, so replay consults the LRU only)
	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.lru.Contains(compositeKey(eventType, idempotencyKey))
	} else {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}
	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	// Step 2: Price sequence validation (gaps tolerated, stale skipped)
	if obs, ok := evt.(*event.PriceObservation); ok {
		if c.sequenceValidator.ValidatePriceSequence(obs.Market, obs.PriceSequence) == SequenceStale {
			c.reject(eventType, "stale_sequence")
			return nil
		}
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	// Step 3: Dispatch
	output, err := c.dispatchEvent(evt)
	if err != nil {
		c.reject(eventType, rejectReason(err))
		return err
	}
	if obs, ok := evt.(*event.PriceObservation); ok {
		c.sequenceValidator.CommitPriceSequence(obs.Market, obs.PriceSequence)
	}

	// Step 4: State hash over the touched market
	hashStart := time.Now()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, computeStateDigest(evt.MarketID(), output.State))
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	output.Envelope = &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      eventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++

	// Step 5: Emit. Persist is a blocking send (backpressure); projections
	// are non-blocking and drop when full, they can rebuild from the log.
	if !c.replaying {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.blockProjections {
		c.projectionChan <- output
	} else {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 6: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

func (c *OracleCore) dispatchEvent(evt event.Event) (CoreOutput, error) {
	switch e := evt.(type) {
	case *event.MarketInitialized:
		return c.handleMarketInitialized(e)
	case *event.PriceObservation:
		return c.handlePriceObservation(e)
	default:
		return CoreOutput{}, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

func (c *OracleCore) handleMarketInitialized(evt *event.MarketInitialized) (CoreOutput, error) {
	if _, exists := c.oracles[evt.Market]; exists {
		return CoreOutput{}, fmt.Errorf("%w: %s", ErrMarketExists, evt.Market)
	}

	o, err := oracle.New(evt.SeedPrice, evt.MarketStartMs, evt.StartDelayMs, evt.MaxBpsPerStep)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("init %s: %w", evt.Market, err)
	}
	c.oracles[evt.Market] = o

	if c.metrics != nil {
		c.metrics.MarketsActive.Set(float64(len(c.oracles)))
		c.metrics.WindowTWAPValue.WithLabelValues(evt.Market).Set(float64(o.LastWindowTWAP()))
	}

	return CoreOutput{State: o.State()}, nil
}

// handlePriceObservation writes the observation and then reads the TWAP at
// the same instant, which is the only read the oracle allows.
func (c *OracleCore) handlePriceObservation(evt *event.PriceObservation) (CoreOutput, error) {
	o, ok := c.oracles[evt.Market]
	if !ok {
		return CoreOutput{}, fmt.Errorf("%w: %s", ErrUnknownMarket, evt.Market)
	}

	obs, err := o.WriteObservation(evt.TimestampMs, evt.Price)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("observe %s: %w", evt.Market, err)
	}

	output := CoreOutput{Observation: &obs}

	if obs.Phase != oracle.PhasePreDelay {
		twap, err := o.GetTWAP(evt.TimestampMs)
		switch {
		case err == nil:
			output.TWAP = twap
			output.TWAPReady = true
		case errors.Is(err, oracle.ErrTWAPNotReady),
			errors.Is(err, oracle.ErrZeroPeriod),
			errors.Is(err, oracle.ErrNoObservations):
			// no TWAP yet
		default:
			// The write is already committed; surface the read failure
			// through metrics rather than failing the event.
			c.reject(evt.EventType().String(), "twap_"+oracle.CodeOf(err).String())
		}
	}

	output.State = o.State()
	c.recordObservation(evt.Market, obs, output)
	return output, nil
}

func (c *OracleCore) recordObservation(market string, obs oracle.Observation, output CoreOutput) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObservationsTotal.WithLabelValues(market, obs.Phase.String()).Inc()
	if obs.Capped() {
		direction := "up"
		if obs.CappedPrice > obs.InputPrice {
			direction = "down"
		}
		c.metrics.ObservationsCapped.WithLabelValues(market, direction).Inc()
	}
	if obs.Phase == oracle.PhaseRollover {
		c.metrics.WindowRollovers.WithLabelValues(market).Add(float64(obs.FullWindowsElapsed))
		c.metrics.WindowTWAPValue.WithLabelValues(market).Set(float64(obs.WindowTWAP))
	}
	if output.TWAPReady {
		c.metrics.TWAPValue.WithLabelValues(market).Set(float64(output.TWAP))
	}
}

func (c *OracleCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func rejectReason(err error) string {
	if code := oracle.CodeOf(err); code != 0 {
		return code.String()
	}
	switch {
	case errors.Is(err, ErrUnknownMarket):
		return "unknown_market"
	case errors.Is(err, ErrMarketExists):
		return "market_exists"
	default:
		return "invalid"
	}
}

// IsPermanent reports whether err is a deterministic rejection that will
// fail the same way on every redelivery.
func IsPermanent(err error) bool {
	return oracle.CodeOf(err) != 0 ||
		errors.Is(err, ErrUnknownMarket) ||
		errors.Is(err, ErrMarketExists) ||
		errors.Is(err, ErrUnknownEvent)
}

// eventTimestamp extracts the versioned timestamp carried by the event.
// The core never reads the wall clock for state.
func eventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.MarketInitialized:
		return time.UnixMilli(int64(e.MarketStartMs)).UTC()
	case *event.PriceObservation:
		return time.UnixMilli(int64(e.TimestampMs)).UTC()
	default:
		panic(fmt.Sprintf("FATAL: eventTimestamp called with unhandled event type %T", evt))
	}
}

// computeStateDigest creates canonical bytes for one market's oracle state:
// uvarint len(market) || market || scalar fields (8 bytes LE each) || both
// accumulators in decimal, NUL-separated.
func computeStateDigest(market string, s oracle.State) []byte {
	digest := make([]byte, 0, binary.MaxVarintLen64+len(market)+8*8+2*32)
	digest = binary.AppendUvarint(digest, uint64(len(market)))
	digest = append(digest, market...)

	for _, v := range []uint64{
		s.LastPrice,
		s.LastTimestamp,
		s.LastWindowEnd,
		s.LastWindowTWAP,
		s.TWAPStartDelay,
		s.MaxBpsPerStep,
		s.MarketStartTime,
		s.TWAPInitializationPrice,
	} {
		digest = binary.LittleEndian.AppendUint64(digest, v)
	}

	digest = append(digest, []byte(s.TotalCumulativePrice)...)
	digest = append(digest, 0)
	digest = append(digest, []byte(s.LastWindowEndCumulativePrice)...)
	return digest
}

// --- Read access (core goroutine only) ---

// Oracle returns the oracle for a market.
func (c *OracleCore) Oracle(market string) (*oracle.Oracle, bool) {
	o, ok := c.oracles[market]
	return o, ok
}

// Markets returns the initialized market ids in sorted order.
func (c *OracleCore) Markets() []string {
	markets := make([]string, 0, len(c.oracles))
	for m := range c.oracles {
		markets = append(markets, m)
	}
	sort.Strings(markets)
	return markets
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Markets         map[string]oracle.State
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart: load latest snapshot, then replay the log tail.
func (c *OracleCore) RestoreFromSnapshot(snap *SnapshotState) error {
	oracles := make(map[string]*oracle.Oracle, len(snap.Markets))
	for market, st := range snap.Markets {
		o, err := oracle.Restore(st)
		if err != nil {
			return fmt.Errorf("restore %s: %w", market, err)
		}
		oracles[market] = o
	}

	c.oracles = oracles
	c.sequence = snap.Sequence + 1 // next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)

	for partition, seq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, seq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	if c.metrics != nil {
		c.metrics.MarketsActive.Set(float64(len(c.oracles)))
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return nil
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *OracleCore) CreateSnapshotState() *SnapshotState {
	markets := make(map[string]oracle.State, len(c.oracles))
	for m, o := range c.oracles {
		markets[m] = o.State()
	}
	return &SnapshotState{
		Sequence:        c.sequence - 1, // last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Markets:         markets,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// SetReplayMode toggles log replay. While replaying, outputs skip the
// persist channel (the rows already exist) and dedup skips Postgres.
func (c *OracleCore) SetReplayMode(replaying bool) {
	c.replaying = replaying
}

// SetProjectionBackpressure makes projection sends blocking. Used while
// rebuilding projections from the log, where a drop would leave a hole.
func (c *OracleCore) SetProjectionBackpressure(block bool) {
	c.blockProjections = block
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *OracleCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to assign.
func (c *OracleCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *OracleCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
