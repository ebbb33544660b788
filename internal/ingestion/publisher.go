package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutputStream holds the outbound TWAP feed.
const OutputStream = "PERP_ORACLE_TWAP"

// OutboundPublisher publishes TWAP updates to NATS for downstream consumers
// (mark price, funding, liquidation engines). Subjects follow the pattern
// perp.oracle.twap.{market}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan TWAPUpdate
	logger    zerolog.Logger
}

// TWAPUpdate is one published oracle reading.
type TWAPUpdate struct {
	Sequence       int64     `json:"sequence"`
	Market         string    `json:"market"`
	TimestampMs    uint64    `json:"timestamp_ms"`
	TWAP           uint64    `json:"twap"` // price scale x 10_000
	TWAPReady      bool      `json:"twap_ready"`
	LastPrice      uint64    `json:"last_price"`
	LastWindowTWAP uint64    `json:"last_window_twap"`
	InputPrice     uint64    `json:"input_price"`
	Capped         bool      `json:"capped"`
	Phase          string    `json:"phase"`
	StateHash      string    `json:"state_hash"`
	EmittedAt      time.Time `json:"emitted_at"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan TWAPUpdate, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// TWAPSubject returns the outbound subject for a market.
func TWAPSubject(market string) string {
	return fmt.Sprintf("perp.oracle.twap.%s", market)
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case upd, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, upd); err != nil {
				// Non-fatal: consumers can read the query API or event log.
				op.logger.Warn().Err(err).Int64("sequence", upd.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, upd TWAPUpdate) error {
	data, err := json.Marshal(upd)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	// Sequence doubles as the JetStream dedup id, so a retried publish after
	// restart is dropped server-side.
	_, err = op.js.Publish(ctx, TWAPSubject(upd.Market), data,
		jetstream.WithMsgID(strconv.FormatInt(upd.Sequence, 10)))
	return err
}

// EnsureOutboundStream creates the outbound TWAP stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutputStream,
		Subjects:   []string{"perp.oracle.twap.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
