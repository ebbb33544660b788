package server

import (
	"PerpOracle/internal/core"
	"PerpOracle/internal/ingestion"
	"PerpOracle/internal/oracle"
	"PerpOracle/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

// TWAPQuerier is the read side served by the API.
type TWAPQuerier interface {
	GetLatestTWAP(ctx context.Context, market string) (*query.LatestTWAP, error)
	GetTWAPHistory(ctx context.Context, market string, fromMs, toMs int64, limit int) (*query.HistoryResponse, error)
	ListMarkets(ctx context.Context) (*query.MarketsResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// AdminIngester submits operator events to the core.
type AdminIngester interface {
	InitializeMarket(ctx context.Context, req ingestion.MarketInitRequest) error
	InjectObservation(ctx context.Context, market string, price, timestampMs uint64) (string, error)
}

// Snapshotter asks the core for an immediate snapshot and returns its sequence.
type Snapshotter func(ctx context.Context) (int64, error)

const adminTimeout = 10 * time.Second

type marketInitBody struct {
	Market        string          `json:"market"`
	SeedPrice     json.RawMessage `json:"seed_price"`
	MarketStartMs uint64          `json:"market_start_ms"`
	StartDelayMs  uint64          `json:"start_delay_ms"`
	MaxBpsPerStep uint64          `json:"max_bps_per_step"`
}

type observationBody struct {
	Market      string          `json:"market"`
	Price       json.RawMessage `json:"price"`
	TimestampMs uint64          `json:"timestamp_ms"`
}

type api struct {
	deps   *Deps
	logger zerolog.Logger
}

type handlerFunc func(r *http.Request, pathParams map[string]string) (int, interface{}, error)

// NewHTTPHandler routes the JSON API on the gateway runtime mux and mounts
// the health probes beside it.
func NewHTTPHandler(deps *Deps, logger zerolog.Logger) (http.Handler, error) {
	a := &api{deps: deps, logger: logger}
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern, endpoint string
		fn                        handlerFunc
	}{
		{"GET", "/v1/markets", "list_markets", a.listMarkets},
		{"GET", "/v1/markets/{market}/twap", "latest_twap", a.latestTWAP},
		{"GET", "/v1/markets/{market}/twap/history", "twap_history", a.twapHistory},
		{"POST", "/v1/admin/markets", "admin_init_market", a.initMarket},
		{"POST", "/v1/admin/observations", "admin_observation", a.injectObservation},
		{"POST", "/v1/admin/snapshots", "admin_snapshot", a.takeSnapshot},
		{"GET", "/v1/admin/integrity", "admin_integrity", a.verifyIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.instrument(rt.endpoint, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (a *api) instrument(endpoint string, fn handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		status, body, err := fn(r, pathParams)
		if err != nil {
			code := grpcCode(err)
			status = runtime.HTTPStatusFromCode(code)
			body = errorBody{Code: code.String(), Message: err.Error()}
			if a.deps.Metrics != nil {
				a.deps.Metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
			}
			if code == codes.Internal || code == codes.Unavailable {
				a.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
		}

		writeJSON(w, status, body)

		if a.deps.Metrics != nil {
			a.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			a.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (a *api) listMarkets(r *http.Request, _ map[string]string) (int, interface{}, error) {
	resp, err := a.deps.Query.ListMarkets(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (a *api) latestTWAP(r *http.Request, p map[string]string) (int, interface{}, error) {
	resp, err := a.deps.Query.GetLatestTWAP(r.Context(), p["market"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (a *api) twapHistory(r *http.Request, p map[string]string) (int, interface{}, error) {
	q := r.URL.Query()
	fromMs, err := intParam(q.Get("from_ms"))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: from_ms: %v", query.ErrInvalidRange, err)
	}
	toMs, err := intParam(q.Get("to_ms"))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: to_ms: %v", query.ErrInvalidRange, err)
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: limit: %v", query.ErrInvalidRange, err)
	}

	resp, err := a.deps.Query.GetTWAPHistory(r.Context(), p["market"], fromMs, toMs, int(limit))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (a *api) initMarket(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var body marketInitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ingestion.ErrInvalidEvent, err)
	}
	seed, err := ingestion.ParsePrice(body.SeedPrice)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	err = a.deps.Admin.InitializeMarket(ctx, ingestion.MarketInitRequest{
		Market:        body.Market,
		SeedPrice:     seed,
		MarketStartMs: body.MarketStartMs,
		StartDelayMs:  body.StartDelayMs,
		MaxBpsPerStep: body.MaxBpsPerStep,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]string{"market": body.Market}, nil
}

func (a *api) injectObservation(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var body observationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ingestion.ErrInvalidEvent, err)
	}
	price, err := ingestion.ParsePrice(body.Price)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	source, err := a.deps.Admin.InjectObservation(ctx, body.Market, price, body.TimestampMs)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, map[string]string{"market": body.Market, "source": source}, nil
}

func (a *api) takeSnapshot(r *http.Request, _ map[string]string) (int, interface{}, error) {
	if a.deps.Snapshotter == nil {
		return 0, nil, errUnimplemented
	}
	seq, err := a.deps.Snapshotter(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]int64{"sequence": seq}, nil
}

func (a *api) verifyIntegrity(r *http.Request, _ map[string]string) (int, interface{}, error) {
	report, err := a.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, report, nil
}

var errUnimplemented = errors.New("not enabled")

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// grpcCode classifies an error; runtime.HTTPStatusFromCode maps it to HTTP.
func grpcCode(err error) codes.Code {
	var oerr *oracle.Error
	switch {
	case errors.Is(err, query.ErrNotFound), errors.Is(err, core.ErrUnknownMarket):
		return codes.NotFound
	case errors.Is(err, query.ErrInvalidRange), errors.Is(err, ingestion.ErrInvalidEvent):
		return codes.InvalidArgument
	case errors.Is(err, core.ErrMarketExists):
		return codes.AlreadyExists
	case errors.As(err, &oerr):
		return codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, errUnimplemented):
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

func intParam(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
