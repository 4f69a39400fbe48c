// Package broker provides the read-only Upstox v2 market data client:
// quotes, option chains, holdings and positions.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/eddiefleurent/fno_scope/internal/instruments"
	"github.com/eddiefleurent/fno_scope/internal/models"
)

// InvalidTokenCode is the provider error code for a rejected access token.
const InvalidTokenCode = "UDAPI100050"

const (
	defaultBaseURL = "https://api.upstox.com/v2"
	defaultTimeout = 10 * time.Second

	maxErrorBody    = 64 << 10
	maxResponseBody = 32 << 20

	quotesEndpoint    = "/market-quote/quotes"
	chainEndpoint     = "/option/chain"
	holdingsEndpoint  = "/portfolio/long-term-holdings"
	positionsEndpoint = "/portfolio/short-term-positions"
)

// ErrTokenInvalidated matches provider errors carrying InvalidTokenCode.
var ErrTokenInvalidated = errors.New("access token invalidated by provider")

// ErrKeyNotInResponse is returned when a quote response holds neither the
// requested key, a separator variant, nor a single unambiguous entry.
var ErrKeyNotInResponse = errors.New("instrument key not in quote response")

// APIError represents a non-JSON HTTP failure with status code and body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// ErrorDetail is one entry of the envelope's errors array.
type ErrorDetail struct {
	ErrorCode    string `json:"errorCode"`
	ErrorCodeAlt string `json:"error_code"`
	Message      string `json:"message"`
	PropertyPath string `json:"propertyPath"`
}

// Code returns whichever error code spelling the provider used.
func (d ErrorDetail) Code() string {
	if d.ErrorCode != "" {
		return d.ErrorCode
	}
	return d.ErrorCodeAlt
}

// ProviderError is a status=error envelope. Raw holds the response body for
// diagnosis.
type ProviderError struct {
	Endpoint string
	Params   string
	Status   int
	Errors   []ErrorDetail
	Raw      string
}

func (e *ProviderError) Error() string {
	msg := "unknown error"
	if len(e.Errors) > 0 {
		msg = e.Errors[0].Code() + ": " + e.Errors[0].Message
	}
	return fmt.Sprintf("provider error %d on %s?%s: %s", e.Status, e.Endpoint, e.Params, msg)
}

// Is reports ErrTokenInvalidated for invalid-token rejections.
func (e *ProviderError) Is(target error) bool {
	return target == ErrTokenInvalidated && e.HasCode(InvalidTokenCode)
}

// HasCode reports whether any error detail carries code.
func (e *ProviderError) HasCode(code string) bool {
	for _, d := range e.Errors {
		if d.Code() == code {
			return true
		}
	}
	return false
}

// TokenSource supplies bearer tokens and accepts invalidation notices.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Invalidate()
}

// UpstoxAPI is the REST client for the Upstox v2 read endpoints.
type UpstoxAPI struct {
	client     *http.Client
	tokens     TokenSource
	logger     logrus.FieldLogger
	baseURL    string
	timeout    time.Duration
	rateLimits RateLimits
	marketLim  *rate.Limiter
	portLim    *rate.Limiter
	flight     singleflight.Group

	keyMu  sync.RWMutex
	keyMap map[string]string // requested key -> key the provider answers with
}

// RateLimits defines client-side request budgets per endpoint category.
type RateLimits struct {
	MarketData int // requests per minute
	Portfolio  int // requests per minute
}

// DefaultRateLimits stay well under the provider's published limits.
var DefaultRateLimits = RateLimits{MarketData: 250, Portfolio: 60}

// NewUpstoxAPI creates a client with default base URL, timeout and limits.
func NewUpstoxAPI(tokens TokenSource, logger logrus.FieldLogger) *UpstoxAPI {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	u := &UpstoxAPI{
		client:  &http.Client{},
		tokens:  tokens,
		logger:  logger,
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
		keyMap:  make(map[string]string),
	}
	return u.WithRateLimits(DefaultRateLimits)
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (u *UpstoxAPI) WithHTTPClient(c *http.Client) *UpstoxAPI {
	if c != nil {
		u.client = c
	}
	return u
}

// WithTimeout sets the per-attempt request timeout.
func (u *UpstoxAPI) WithTimeout(timeout time.Duration) *UpstoxAPI {
	if timeout > 0 {
		u.timeout = timeout
	}
	return u
}

// WithBaseURL points the client at another API root.
func (u *UpstoxAPI) WithBaseURL(baseURL string) *UpstoxAPI {
	if baseURL != "" {
		u.baseURL = strings.TrimRight(baseURL, "/")
	}
	return u
}

// WithRateLimits replaces the request budgets. Zero values disable limiting
// for that category.
func (u *UpstoxAPI) WithRateLimits(limits RateLimits) *UpstoxAPI {
	u.rateLimits = limits
	u.marketLim = perMinute(limits.MarketData)
	u.portLim = perMinute(limits.Portfolio)
	return u
}

func perMinute(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := n / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60), burst)
}

// ============ EXACT API Response Structures ============

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Errors []ErrorDetail   `json:"errors"`
}

// QuoteItem is one entry of the full market quote response.
type QuoteItem struct {
	InstrumentToken string      `json:"instrument_token"`
	Symbol          string      `json:"symbol"`
	LastPrice       float64     `json:"last_price"`
	Volume          float64     `json:"volume"`
	OI              float64     `json:"oi"`
	NetChange       float64     `json:"net_change"`
	OHLC            models.OHLC `json:"ohlc"`
}

// ChainItem is one strike of the option chain response.
type ChainItem struct {
	Expiry              string   `json:"expiry"`
	StrikePrice         *float64 `json:"strike_price"`
	UnderlyingKey       string   `json:"underlying_key"`
	UnderlyingSpotPrice float64  `json:"underlying_spot_price"`
	PCR                 float64  `json:"pcr"`
	CallOptions         ChainLeg `json:"call_options"`
	PutOptions          ChainLeg `json:"put_options"`
}

// ChainLeg is the call or put half of a ChainItem.
type ChainLeg struct {
	InstrumentKey string    `json:"instrument_key"`
	MarketData    LegMarket `json:"market_data"`
	OptionGreeks  LegGreeks `json:"option_greeks"`
}

// LegMarket is the market_data block of a chain leg.
type LegMarket struct {
	LTP        float64 `json:"ltp"`
	ClosePrice float64 `json:"close_price"`
	Volume     float64 `json:"volume"`
	OI         float64 `json:"oi"`
	PrevOI     float64 `json:"prev_oi"`
	BidPrice   float64 `json:"bid_price"`
	BidQty     float64 `json:"bid_qty"`
	AskPrice   float64 `json:"ask_price"`
	AskQty     float64 `json:"ask_qty"`
}

// LegGreeks is the option_greeks block of a chain leg. IV is a pointer so an
// absent value is distinguishable from zero.
type LegGreeks struct {
	Vega  float64  `json:"vega"`
	Theta float64  `json:"theta"`
	Gamma float64  `json:"gamma"`
	Delta float64  `json:"delta"`
	IV    *float64 `json:"iv"`
}

func (l ChainLeg) side() models.OptionSide {
	return models.OptionSide{
		InstrumentKey: l.InstrumentKey,
		LTP:           l.MarketData.LTP,
		Volume:        l.MarketData.Volume,
		OI:            l.MarketData.OI,
		OIPrev:        l.MarketData.PrevOI,
		OIChange:      models.OIChange(l.MarketData.OI, l.MarketData.PrevOI),
		Bid:           l.MarketData.BidPrice,
		Ask:           l.MarketData.AskPrice,
		IV:            l.OptionGreeks.IV,
		Delta:         l.OptionGreeks.Delta,
		Gamma:         l.OptionGreeks.Gamma,
		Theta:         l.OptionGreeks.Theta,
		Vega:          l.OptionGreeks.Vega,
	}
}

// ============ Market data ============

// GetQuote fetches the full market quote for one instrument key.
func (u *UpstoxAPI) GetQuote(ctx context.Context, instrumentKey string) (*models.Quote, error) {
	params := url.Values{"instrument_key": {instrumentKey}}
	data, err := u.get(ctx, u.marketLim, quotesEndpoint, params)
	if err != nil {
		return nil, err
	}

	var byKey map[string]QuoteItem
	if err := json.Unmarshal(data, &byKey); err != nil {
		return nil, fmt.Errorf("decoding quote for %s: %w", instrumentKey, err)
	}
	item, err := u.pickQuote(instrumentKey, byKey)
	if err != nil {
		return nil, err
	}
	return &models.Quote{
		InstrumentKey: instrumentKey,
		Symbol:        item.Symbol,
		LastPrice:     item.LastPrice,
		Volume:        item.Volume,
		OI:            item.OI,
		NetChange:     item.NetChange,
		OHLC:          item.OHLC,
	}, nil
}

// ResponseKey returns the discovered response key for a requested key.
func (u *UpstoxAPI) ResponseKey(requested string) (string, bool) {
	u.keyMu.RLock()
	defer u.keyMu.RUnlock()
	k, ok := u.keyMap[requested]
	return k, ok
}

// pickQuote resolves the outer response key: cached mapping, then separator
// variants, then the only key present.
func (u *UpstoxAPI) pickQuote(requested string, byKey map[string]QuoteItem) (QuoteItem, error) {
	if k, ok := u.ResponseKey(requested); ok {
		if item, ok := byKey[k]; ok {
			return item, nil
		}
	}
	for _, k := range instruments.KeyVariants(requested) {
		if item, ok := byKey[k]; ok {
			u.remember(requested, k)
			return item, nil
		}
	}
	if len(byKey) == 1 {
		for k, item := range byKey {
			u.remember(requested, k)
			return item, nil
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	return QuoteItem{}, fmt.Errorf("%w: requested %s, got %v", ErrKeyNotInResponse, requested, keys)
}

func (u *UpstoxAPI) remember(requested, actual string) {
	if requested == actual {
		return
	}
	u.keyMu.Lock()
	defer u.keyMu.Unlock()
	if u.keyMap[requested] != actual {
		u.keyMap[requested] = actual
		u.logger.WithFields(logrus.Fields{
			"instrument_key": requested,
			"response_key":   actual,
		}).Debug("Mapped instrument key to provider response key")
	}
}

// GetOptionChain fetches the chain for an underlying key and expiry. It
// returns the rows and the underlying spot price the provider reported.
func (u *UpstoxAPI) GetOptionChain(ctx context.Context, underlyingKey, expiry string) ([]models.ChainRow, float64, error) {
	params := url.Values{"instrument_key": {underlyingKey}, "expiry_date": {expiry}}
	data, err := u.get(ctx, u.marketLim, chainEndpoint, params)
	if err != nil {
		return nil, 0, err
	}

	var items []ChainItem
	if len(bytes.TrimSpace(data)) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, 0, fmt.Errorf("decoding option chain for %s: %w", underlyingKey, err)
		}
	}

	rows := make([]models.ChainRow, 0, len(items))
	var spot float64
	for _, it := range items {
		if it.StrikePrice == nil {
			continue
		}
		if spot == 0 {
			spot = it.UnderlyingSpotPrice
		}
		rows = append(rows, models.ChainRow{
			Strike: *it.StrikePrice,
			Call:   it.CallOptions.side(),
			Put:    it.PutOptions.side(),
		})
	}
	return rows, spot, nil
}

// ============ Portfolio ============

// GetHoldings fetches long-term holdings.
func (u *UpstoxAPI) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	data, err := u.get(ctx, u.portLim, holdingsEndpoint, nil)
	if err != nil {
		return nil, err
	}
	var out []models.Holding
	if err := decodeList(data, &out); err != nil {
		return nil, fmt.Errorf("decoding holdings: %w", err)
	}
	return out, nil
}

// GetPositions fetches short-term positions.
func (u *UpstoxAPI) GetPositions(ctx context.Context) ([]models.Position, error) {
	data, err := u.get(ctx, u.portLim, positionsEndpoint, nil)
	if err != nil {
		return nil, err
	}
	var out []models.Position
	if err := decodeList(data, &out); err != nil {
		return nil, fmt.Errorf("decoding positions: %w", err)
	}
	return out, nil
}

func decodeList[T any](data json.RawMessage, out *[]T) error {
	*out = []T{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, out)
}

// ============ Transport ============

// get collapses identical concurrent requests and runs the authenticated
// call with a single retry on token rejection. The shared call is detached
// from the first caller's cancellation and bounded by the per-attempt
// timeout; each caller stops waiting when its own context ends.
func (u *UpstoxAPI) get(ctx context.Context, lim *rate.Limiter, endpoint string, params url.Values) (json.RawMessage, error) {
	key := endpoint + "?" + params.Encode()
	shareCtx := context.WithoutCancel(ctx)
	ch := u.flight.DoChan(key, func() (interface{}, error) {
		return u.callWithRetry(shareCtx, lim, endpoint, params)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			u.logger.WithField("request", key).Debug("Shared in-flight provider request")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

func (u *UpstoxAPI) callWithRetry(ctx context.Context, lim *rate.Limiter, endpoint string, params url.Values) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		token, err := u.tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		data, err := u.makeRequestCtx(ctx, endpoint, params, token)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrTokenInvalidated) {
			return nil, err
		}
		lastErr = err
		u.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"attempt":  attempt,
		}).Warn("Access token rejected by provider, invalidating")
		u.tokens.Invalidate()
	}
	return nil, lastErr
}

// makeRequestCtx performs one authenticated GET and unwraps the envelope.
func (u *UpstoxAPI) makeRequestCtx(ctx context.Context, endpoint string, params url.Values, token string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	target := u.baseURL + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Authorization", "Bearer "+token)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "fno-scope/1.0 (+upstox)")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", endpoint, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Status == "" {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s (%s) -> %s",
				endpoint, resp.Header.Get("Content-Type"), truncate(body))}
		}
		if err == nil {
			err = errors.New("missing status field")
		}
		return nil, fmt.Errorf("GET %s: decoding envelope: %w", endpoint, err)
	}

	if env.Status != "success" || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			Endpoint: endpoint,
			Params:   params.Encode(),
			Status:   resp.StatusCode,
			Errors:   env.Errors,
			Raw:      truncate(body),
		}
	}
	return env.Data, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
