package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/fno_scope/internal/analytics"
	"github.com/eddiefleurent/fno_scope/internal/auth"
	"github.com/eddiefleurent/fno_scope/internal/broker"
	"github.com/eddiefleurent/fno_scope/internal/models"
	"github.com/eddiefleurent/fno_scope/internal/resolver"
	"github.com/eddiefleurent/fno_scope/internal/service"
)

type fakeAPI struct {
	err       error
	chainReq  service.ChainRequest
	futReq    service.FuturesRequest
	submitted []string
}

func (f *fakeAPI) GetOptionChain(_ context.Context, req service.ChainRequest) (*service.ChainResult, error) {
	f.chainReq = req
	if f.err != nil {
		return nil, f.err
	}
	c := models.NewChain(req.Symbol, "2026-10-27", 25000, []models.ChainRow{{Strike: 25000}})
	return &service.ChainResult{Chain: *c, UnderlyingKey: "NSE_INDEX|Nifty 50"}, nil
}

func (f *fakeAPI) Analyze(_ context.Context, req service.ChainRequest) (*service.AnalysisResult, error) {
	f.chainReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &service.AnalysisResult{Report: analytics.Report{Symbol: req.Symbol, Strikes: 3}}, nil
}

func (f *fakeAPI) GetFuturesData(_ context.Context, req service.FuturesRequest) (*analytics.FuturesBasisResult, error) {
	f.futReq = req
	if f.err != nil {
		return nil, f.err
	}
	res, _ := analytics.FuturesBasis(105, 100, 10)
	res.Symbol = req.Symbol
	return &res, nil
}

func (f *fakeAPI) GetSpotQuote(_ context.Context, symbol string) (*models.SpotQuote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.SpotQuote{Symbol: symbol, LTP: 25000}, nil
}

func (f *fakeAPI) GetHoldings(context.Context) ([]models.Holding, error) {
	return []models.Holding{{TradingSymbol: "TCS"}}, f.err
}

func (f *fakeAPI) GetPositions(context.Context) ([]models.Position, error) {
	return []models.Position{}, f.err
}

func (f *fakeAPI) Portfolio(context.Context) (*service.PortfolioResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.PortfolioResult{Summary: analytics.PortfolioSummary{Holdings: 1}}, nil
}

func (f *fakeAPI) AuthURL() string { return "https://login.example/dialog" }

func (f *fakeAPI) SubmitAuthCode(_ context.Context, code, state string) error {
	f.submitted = append(f.submitted, code+"/"+state)
	return f.err
}

func newTestServer(api API, token string) *Server {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer(Config{Port: 0, AuthToken: token, SessionState: func() string { return "valid" }}, api, logger)
}

func do(t *testing.T, s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeAPI{}, "secret")
	rec := do(t, s, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "valid", body["session"])
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(&fakeAPI{}, "secret")

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/holdings", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/holdings", map[string]string{"X-Auth-Token": "secret"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/holdings", map[string]string{"X-Auth-Token": "secre"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/holdings?token=secret", nil).Code,
		"query token only accepted on the login redirect")
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/auth/login", nil).Code)
	assert.Equal(t, http.StatusFound, do(t, s, http.MethodGet, "/auth/login?token=secret", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/auth/callback?code=abc", nil).Code,
		"provider redirect reaches the callback without a token")
}

func TestOptionChain_QueryParams(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(api, "")

	rec := do(t, s, http.MethodGet, "/api/option-chain/Nifty%2050?expiry=2026-10-27&max_distance_pct=5&expiry_type=monthly", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, service.ChainRequest{Symbol: "Nifty 50", Expiry: "2026-10-27", MaxDistancePct: 5, ExpiryType: "monthly"}, api.chainReq)

	body := decode(t, rec)
	assert.Equal(t, "NSE_INDEX|Nifty 50", body["underlying_key"])
	assert.Equal(t, 25000.0, body["spot_price"])
	assert.Len(t, body["rows"], 1)

	rec = do(t, s, http.MethodGet, "/api/option-chain/TCS?max_distance_pct=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFuturesAndAnalysis(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(api, "")

	rec := do(t, s, http.MethodGet, "/api/futures/RELIANCE?expiry_type=monthly", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RELIANCE", api.futReq.Symbol)
	assert.Equal(t, "monthly", api.futReq.ExpiryType)
	assert.Equal(t, "strong bullish premium", decode(t, rec)["band"])

	rec = do(t, s, http.MethodGet, "/api/analysis/TCS", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, decode(t, rec)["strikes"])

	for _, path := range []string{"/api/quote/TCS", "/api/positions", "/api/portfolio"} {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, path, nil).Code, path)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		authURL string
	}{
		{"auth required with url", &auth.RequiredError{AuthURL: "https://login.example/x", Reason: "expired"}, http.StatusUnauthorized, "https://login.example/x"},
		{"bare auth sentinel", fmt.Errorf("wrapped: %w", auth.ErrAuthRequired), http.StatusUnauthorized, "https://login.example/dialog"},
		{"invalid request", fmt.Errorf("%w: bad expiry", service.ErrInvalidRequest), http.StatusBadRequest, ""},
		{"not resolved", fmt.Errorf("x: %w", resolver.ErrSymbolNotResolved), http.StatusNotFound, ""},
		{"no data", fmt.Errorf("x: %w", analytics.ErrDataUnavailable), http.StatusUnprocessableEntity, ""},
		{"provider", fmt.Errorf("all failed: %w", &broker.ProviderError{Status: 400}), http.StatusBadGateway, ""},
		{"api error", &broker.APIError{Status: 503, Body: "down"}, http.StatusBadGateway, ""},
		{"breaker open", gobreaker.ErrOpenState, http.StatusBadGateway, ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeAPI{err: tt.err}, "")
			rec := do(t, s, http.MethodGet, "/api/option-chain/TCS", map[string]string{RequestIDHeader: "req-1"})

			assert.Equal(t, tt.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.err.Error(), body["error"])
			assert.Equal(t, "req-1", body["request_id"])
			if tt.authURL != "" {
				assert.Equal(t, tt.authURL, body["auth_url"])
			} else {
				assert.NotContains(t, body, "auth_url")
			}
		})
	}
}

func TestAuthEndpoints(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(api, "")

	rec := do(t, s, http.MethodGet, "/auth/url", nil)
	assert.Equal(t, "https://login.example/dialog", decode(t, rec)["auth_url"])

	rec = do(t, s, http.MethodGet, "/auth/login", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://login.example/dialog", rec.Header().Get("Location"))

	rec = do(t, s, http.MethodGet, "/auth/callback", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/auth/callback?error=access_denied", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "https://login.example/dialog", decode(t, rec)["auth_url"])

	rec = do(t, s, http.MethodGet, "/auth/callback?code=abc&state=nonce", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"abc/nonce"}, api.submitted)

	api.err = &auth.ExchangeError{Status: 401, Body: "invalid code"}
	rec = do(t, s, http.MethodGet, "/auth/callback?code=bad", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestZstdCompression(t *testing.T) {
	s := newTestServer(&fakeAPI{}, "")
	rec := do(t, s, http.MethodGet, "/api/holdings", map[string]string{"Accept-Encoding": "gzip, zstd"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "zstd", rec.Header().Get("Content-Encoding"))

	dec, err := zstd.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer dec.Close()
	plain, err := io.ReadAll(dec)
	require.NoError(t, err)

	var holdings []models.Holding
	require.NoError(t, json.Unmarshal(plain, &holdings))
	require.Len(t, holdings, 1)
	assert.Equal(t, "TCS", holdings[0].TradingSymbol)

	plainRec := do(t, s, http.MethodGet, "/api/holdings", nil)
	assert.Empty(t, plainRec.Header().Get("Content-Encoding"))
}
