package ingestion_test

import (
	"PerpOracle/internal/event"
	"PerpOracle/internal/ingestion"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRouter_ResolveEventType(t *testing.T) {
	r := ingestion.NewRouter(ingestion.DefaultSubjects(), zerolog.Nop())

	cases := map[string]string{
		"perp.oracle.prices.BTC-PERP":  "PriceObservation",
		"perp.oracle.markets.BTC-PERP": "MarketInitialized",
		"perp.oracle.pricesX.BTC-PERP": "",
		"perp.other.prices.BTC-PERP":   "",
	}
	for subject, want := range cases {
		if got := r.ResolveEventType(subject); got != want {
			t.Errorf("%s: got %q, want %q", subject, got, want)
		}
	}
}

func TestRouter_AcksValidAndTerminatesInvalid(t *testing.T) {
	r := ingestion.NewRouter(ingestion.DefaultSubjects(), zerolog.Nop())

	rawChan := make(chan ingestion.RawEvent, 3)
	out := make(chan ingestion.Submission, 3)

	var acked, terminated int
	mk := func(subject, data string) ingestion.RawEvent {
		return ingestion.RawEvent{
			Subject:  subject,
			Data:     []byte(data),
			AckFunc:  func() { acked++ },
			NakFunc:  func() {},
			TermFunc: func() { terminated++ },
		}
	}

	rawChan <- mk("perp.oracle.prices.BTC-PERP", `{"market":"BTC-PERP","price":100,"price_sequence":1,"timestamp_ms":5}`)
	rawChan <- mk("perp.oracle.prices.BTC-PERP", `{garbage`)
	rawChan <- mk("perp.unknown.subject", `{}`)
	close(rawChan)

	r.Run(context.Background(), rawChan, out)

	if acked != 1 {
		t.Errorf("acked: got %d, want 1", acked)
	}
	if terminated != 2 {
		t.Errorf("terminated: got %d, want 2", terminated)
	}
	if len(out) != 1 {
		t.Fatalf("submissions: got %d, want 1", len(out))
	}
	sub := <-out
	if _, ok := sub.Event.(*event.PriceObservation); !ok {
		t.Errorf("expected *event.PriceObservation, got %T", sub.Event)
	}
}

func TestTWAPSubject(t *testing.T) {
	if got := ingestion.TWAPSubject("BTC-PERP"); got != "perp.oracle.twap.BTC-PERP" {
		t.Errorf("got %s", got)
	}
}

func TestAdminIngest_WaitsForCoreVerdict(t *testing.T) {
	submit := make(chan ingestion.Submission, 1)
	svc := ingestion.NewAdminIngestService(submit)

	rejection := errors.New("timestamp regression")
	go func() {
		sub := <-submit
		obs := sub.Event.(*event.PriceObservation)
		if obs.PriceSequence != 0 || obs.TimestampMs != 1234 {
			sub.Done <- errors.New("unexpected event")
			return
		}
		sub.Done <- rejection
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := svc.InjectObservation(ctx, "BTC-PERP", 100, 1234)
	if !errors.Is(err, rejection) {
		t.Errorf("expected core rejection to surface, got %v", err)
	}
}

func TestAdminIngest_TagsSource(t *testing.T) {
	submit := make(chan ingestion.Submission, 1)
	svc := ingestion.NewAdminIngestService(submit)

	go func() {
		sub := <-submit
		sub.Done <- nil
	}()

	source, err := svc.InjectObservation(context.Background(), "BTC-PERP", 100, 1234)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if len(source) != len("admin:")+36 {
		t.Errorf("source tag: got %q", source)
	}

	if err := svc.InitializeMarket(context.Background(), ingestion.MarketInitRequest{}); err == nil {
		t.Error("expected error for empty market")
	}
}
