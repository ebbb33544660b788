package ingestion

import (
	"PerpOracle/internal/event"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// InputStream holds every inbound oracle subject.
const InputStream = "PERP_ORACLE_INPUT"

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// messages to the router. NATS JetStream is the primary high-throughput
// ingestion surface; each subject maps to an event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is the parsed-but-untyped event from NATS, ready for the shell
// to validate and convert into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK the NATS message
	NakFunc   func() // NAK on failure (will be redelivered)
	TermFunc  func() // terminate: never redeliver
}

// Submission is one typed event headed for the core loop.
// Done, when non-nil, receives the core's verdict exactly once.
type Submission struct {
	Event      event.Event
	ReceivedAt time.Time
	Done       chan<- error
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "perp.oracle.markets.>", EventType: "MarketInitialized", ConsumerName: "oracle-markets", StreamName: InputStream},
		{Subject: "perp.oracle.prices.>", EventType: "PriceObservation", ConsumerName: "oracle-prices", StreamName: InputStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound JetStream stream if it doesn't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      InputStream,
		Subjects:  []string{"perp.oracle.markets.>", "perp.oracle.prices.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", InputStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// Router resolves NATS subjects to event types, parses payloads, and
// forwards typed events to the core. Messages are acked once they are
// queued for the core, not after processing, so a slow core never trips
// AckWait and backpressure propagates through the blocking send.
type Router struct {
	prefixes map[string]string // subject prefix -> event type
	logger   zerolog.Logger
}

func NewRouter(subjects []SubjectConfig, logger zerolog.Logger) *Router {
	prefixes := make(map[string]string, len(subjects))
	for _, cfg := range subjects {
		prefixes[strings.TrimSuffix(cfg.Subject, ".>")] = cfg.EventType
	}
	return &Router{prefixes: prefixes, logger: logger}
}

// ResolveEventType finds the event type for a subject by longest prefix.
func (r *Router) ResolveEventType(subject string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range r.prefixes {
		if (subject == prefix || strings.HasPrefix(subject, prefix+".")) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = evtType
		}
	}
	return bestType
}

// Run drains rawChan until ctx is cancelled or rawChan closes.
func (r *Router) Run(ctx context.Context, rawChan <-chan RawEvent, out chan<- Submission) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := r.ResolveEventType(raw.Subject)
			if eventType == "" {
				r.logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
				terminate(raw)
				continue
			}

			evt, err := ParseRawEvent(raw, eventType)
			if err != nil {
				r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
				terminate(raw)
				continue
			}

			select {
			case out <- Submission{Event: evt, ReceivedAt: raw.Timestamp}:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

func terminate(raw RawEvent) {
	if raw.TermFunc != nil {
		raw.TermFunc()
		return
	}
	raw.AckFunc()
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perp-oracle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
