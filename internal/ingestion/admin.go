package ingestion

import (
	"PerpOracle/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AdminIngestService provides manual event injection for operators.
// It is not a throughput path; production feeds come through NATS.
type AdminIngestService struct {
	submitChan chan<- Submission
	now        func() time.Time
}

func NewAdminIngestService(submitChan chan<- Submission) *AdminIngestService {
	return &AdminIngestService{submitChan: submitChan, now: time.Now}
}

// MarketInitRequest carries the immutable oracle parameters for a market.
type MarketInitRequest struct {
	Market        string
	SeedPrice     uint64
	MarketStartMs uint64
	StartDelayMs  uint64
	MaxBpsPerStep uint64
}

// InitializeMarket submits a MarketInitialized event and waits for the core.
func (s *AdminIngestService) InitializeMarket(ctx context.Context, req MarketInitRequest) error {
	if err := validateMarket(req.Market); err != nil {
		return err
	}

	return s.submit(ctx, &event.MarketInitialized{
		Market:        req.Market,
		SeedPrice:     req.SeedPrice,
		MarketStartMs: req.MarketStartMs,
		StartDelayMs:  req.StartDelayMs,
		MaxBpsPerStep: req.MaxBpsPerStep,
	})
}

// InjectObservation submits an unsequenced price observation and returns
// the source tag it was recorded under. A zero timestamp means "now".
func (s *AdminIngestService) InjectObservation(ctx context.Context, market string, price, timestampMs uint64) (string, error) {
	if err := validateMarket(market); err != nil {
		return "", err
	}
	if timestampMs == 0 {
		timestampMs = uint64(s.now().UnixMilli())
	}

	source := "admin:" + uuid.NewString()
	err := s.submit(ctx, &event.PriceObservation{
		Market:      market,
		Price:       price,
		TimestampMs: timestampMs,
		Source:      source,
	})
	if err != nil {
		return "", err
	}
	return source, nil
}

func (s *AdminIngestService) submit(ctx context.Context, evt event.Event) error {
	done := make(chan error, 1)

	select {
	case s.submitChan <- Submission{Event: evt, ReceivedAt: s.now(), Done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s rejected: %w", evt.EventType(), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
