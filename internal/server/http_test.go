package server_test

import (
	"PerpOracle/internal/core"
	"PerpOracle/internal/ingestion"
	"PerpOracle/internal/observability"
	"PerpOracle/internal/query"
	"PerpOracle/internal/server"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuery struct {
	latest      map[string]*query.LatestTWAP
	historyArgs []int64
	limit       int
}

func (f *fakeQuery) GetLatestTWAP(_ context.Context, market string) (*query.LatestTWAP, error) {
	if l, ok := f.latest[market]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: market %s", query.ErrNotFound, market)
}

func (f *fakeQuery) GetTWAPHistory(_ context.Context, market string, fromMs, toMs int64, limit int) (*query.HistoryResponse, error) {
	f.historyArgs = []int64{fromMs, toMs}
	f.limit = limit
	return &query.HistoryResponse{MarketID: market, Entries: []query.HistoryEntry{}, AsOfSequence: 3}, nil
}

func (f *fakeQuery) ListMarkets(context.Context) (*query.MarketsResponse, error) {
	return &query.MarketsResponse{
		Markets:      []query.MarketSummary{{MarketID: "BTC-PERP", SeedPrice: 1_000_000, MaxBpsPerStep: 500}},
		AsOfSequence: 3,
	}, nil
}

func (f *fakeQuery) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, LastSequence: 3}, nil
}

type fakeAdmin struct {
	initReq  ingestion.MarketInitRequest
	initErr  error
	obsPrice uint64
}

func (f *fakeAdmin) InitializeMarket(_ context.Context, req ingestion.MarketInitRequest) error {
	f.initReq = req
	return f.initErr
}

func (f *fakeAdmin) InjectObservation(_ context.Context, market string, price, _ uint64) (string, error) {
	f.obsPrice = price
	return "admin:test", nil
}

func newTestHandler(t *testing.T, q *fakeQuery, a *fakeAdmin) http.Handler {
	t.Helper()
	hc := observability.NewHealthChecker()
	hc.SetReady(true)

	h, err := server.NewHTTPHandler(&server.Deps{
		Query:         q,
		Admin:         a,
		HealthChecker: hc,
		Metrics:       observability.NewMetricsWith(prometheus.NewRegistry()),
	}, zerolog.Nop())
	require.NoError(t, err)
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLatestTWAP(t *testing.T) {
	twap := uint64(1_050_000)
	q := &fakeQuery{latest: map[string]*query.LatestTWAP{
		"BTC-PERP": {MarketID: "BTC-PERP", TWAP: &twap, AsOfSequence: 4},
	}}
	h := newTestHandler(t, q, &fakeAdmin{})

	rec := do(t, h, http.MethodGet, "/v1/markets/BTC-PERP/twap", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got query.LatestTWAP
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.TWAP)
	assert.Equal(t, twap, *got.TWAP)
	assert.Equal(t, int64(4), got.AsOfSequence)
}

func TestLatestTWAP_UnknownMarketIs404(t *testing.T) {
	h := newTestHandler(t, &fakeQuery{}, &fakeAdmin{})

	rec := do(t, h, http.MethodGet, "/v1/markets/NOPE/twap", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NotFound")
}

func TestTWAPHistory_ParsesQuery(t *testing.T) {
	q := &fakeQuery{}
	h := newTestHandler(t, q, &fakeAdmin{})

	rec := do(t, h, http.MethodGet, "/v1/markets/BTC-PERP/twap/history?from_ms=1000&to_ms=2000&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1000, 2000}, q.historyArgs)
	assert.Equal(t, 5, q.limit)

	rec = do(t, h, http.MethodGet, "/v1/markets/BTC-PERP/twap/history?from_ms=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMarkets(t *testing.T) {
	h := newTestHandler(t, &fakeQuery{}, &fakeAdmin{})

	rec := do(t, h, http.MethodGet, "/v1/markets", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got query.MarketsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Markets, 1)
	assert.Equal(t, "BTC-PERP", got.Markets[0].MarketID)
}

func TestAdminInitMarket_DecimalSeedPrice(t *testing.T) {
	a := &fakeAdmin{}
	h := newTestHandler(t, &fakeQuery{}, a)

	rec := do(t, h, http.MethodPost, "/v1/admin/markets",
		`{"market":"BTC-PERP","seed_price":"100.50","market_start_ms":0,"start_delay_ms":0,"max_bps_per_step":500}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, uint64(10050), a.initReq.SeedPrice)
	assert.Equal(t, uint64(500), a.initReq.MaxBpsPerStep)
}

func TestAdminInitMarket_ExistingIsConflict(t *testing.T) {
	a := &fakeAdmin{initErr: fmt.Errorf("MarketInitialized rejected: %w", core.ErrMarketExists)}
	h := newTestHandler(t, &fakeQuery{}, a)

	rec := do(t, h, http.MethodPost, "/v1/admin/markets",
		`{"market":"BTC-PERP","seed_price":1000000,"max_bps_per_step":500}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminObservation(t *testing.T) {
	a := &fakeAdmin{}
	h := newTestHandler(t, &fakeQuery{}, a)

	rec := do(t, h, http.MethodPost, "/v1/admin/observations", `{"market":"BTC-PERP","price":1050000}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, uint64(1_050_000), a.obsPrice)
	assert.Contains(t, rec.Body.String(), "admin:test")

	rec = do(t, h, http.MethodPost, "/v1/admin/observations", `{"market":"BTC-PERP"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminSnapshot_DisabledIsUnimplemented(t *testing.T) {
	h := newTestHandler(t, &fakeQuery{}, &fakeAdmin{})

	rec := do(t, h, http.MethodPost, "/v1/admin/snapshots", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthProbes(t *testing.T) {
	h := newTestHandler(t, &fakeQuery{}, &fakeAdmin{})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)
}
