// Package service composes symbol resolution, expiry selection, market data
// and analytics into the operations exposed to callers.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/fno_scope/internal/analytics"
	"github.com/eddiefleurent/fno_scope/internal/auth"
	"github.com/eddiefleurent/fno_scope/internal/broker"
	"github.com/eddiefleurent/fno_scope/internal/expiry"
	"github.com/eddiefleurent/fno_scope/internal/instruments"
	"github.com/eddiefleurent/fno_scope/internal/models"
	"github.com/eddiefleurent/fno_scope/internal/resolver"
)

// ErrInvalidRequest is returned for malformed caller input.
var ErrInvalidRequest = errors.New("invalid request")

// FetchError reports a lookup whose every candidate key failed. Err is the
// last failure, usually a *broker.ProviderError carrying the raw payload.
type FetchError struct {
	Op     string
	Symbol string
	Keys   []string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: all candidate keys %v failed: %v", e.Op, e.Symbol, e.Keys, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Authenticator is the interactive login surface of the session manager.
type Authenticator interface {
	AuthURL() string
	VerifyState(state string) error
	SubmitCode(ctx context.Context, code string) error
}

// Ensure the session manager satisfies Authenticator at compile time.
var _ Authenticator = (*auth.Manager)(nil)

// Defaults apply when a request leaves a field empty.
type Defaults struct {
	MaxDistancePct    float64
	OptionsExpiryType expiry.Type
	FuturesExpiryType expiry.Type
}

// DefaultDefaults mirrors the provider's usual cycles: weekly options and
// monthly futures within 12% of spot.
var DefaultDefaults = Defaults{
	MaxDistancePct:    analytics.DefaultMaxDistancePct,
	OptionsExpiryType: expiry.Weekly,
	FuturesExpiryType: expiry.Monthly,
}

// Service implements the read-only upward contract.
type Service struct {
	data     broker.MarketData
	auth     Authenticator
	keys     *resolver.Resolver
	expiries *expiry.Resolver
	defaults Defaults
	logger   logrus.FieldLogger
}

// New wires a Service. Zero-valued defaults fall back to DefaultDefaults.
func New(
	data broker.MarketData,
	authn Authenticator,
	keys *resolver.Resolver,
	expiries *expiry.Resolver,
	defaults Defaults,
	logger logrus.FieldLogger,
) *Service {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if defaults.MaxDistancePct <= 0 {
		defaults.MaxDistancePct = DefaultDefaults.MaxDistancePct
	}
	if defaults.OptionsExpiryType == "" {
		defaults.OptionsExpiryType = DefaultDefaults.OptionsExpiryType
	}
	if defaults.FuturesExpiryType == "" {
		defaults.FuturesExpiryType = DefaultDefaults.FuturesExpiryType
	}
	return &Service{
		data:     data,
		auth:     authn,
		keys:     keys,
		expiries: expiries,
		defaults: defaults,
		logger:   logger,
	}
}

// ChainRequest selects an option chain. Expiry, MaxDistancePct and
// ExpiryType are optional.
type ChainRequest struct {
	Symbol         string
	Expiry         string
	MaxDistancePct float64
	ExpiryType     string
}

// ChainResult is a filtered option chain and the key it was fetched with.
type ChainResult struct {
	models.Chain
	UnderlyingKey string `json:"underlying_key"`
	ExpiryStale   bool   `json:"expiry_stale,omitempty"`
	StaleReason   string `json:"stale_reason,omitempty"`
}

// AnalysisResult is the analytics report for one chain request.
type AnalysisResult struct {
	analytics.Report
	UnderlyingKey string `json:"underlying_key"`
	ExpiryStale   bool   `json:"expiry_stale,omitempty"`
}

// FuturesRequest selects a futures contract. Expiry and ExpiryType are optional.
type FuturesRequest struct {
	Symbol     string
	Expiry     string
	ExpiryType string
}

// PortfolioResult is the account snapshot with its summary.
type PortfolioResult struct {
	Summary   analytics.PortfolioSummary `json:"summary"`
	Holdings  []models.Holding           `json:"holdings"`
	Positions []models.Position          `json:"positions"`
}

// GetOptionChain fetches the chain and the spot quote in parallel and returns
// the liquid strikes around spot.
func (s *Service) GetOptionChain(ctx context.Context, req ChainRequest) (*ChainResult, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	maxDist := req.MaxDistancePct
	if maxDist < 0 {
		return nil, fmt.Errorf("%w: max_distance_pct must not be negative", ErrInvalidRequest)
	}
	if maxDist == 0 {
		maxDist = s.defaults.MaxDistancePct
	}
	exp, err := s.expiryFor(req.Symbol, req.Expiry, req.ExpiryType, expiry.Options, s.defaults.OptionsExpiryType)
	if err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{"symbol": req.Symbol, "expiry": exp.String()})

	var (
		rows      []models.ChainRow
		chainSpot float64
		chainKey  string
		quote     *models.Quote
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		keys := s.keys.UnderlyingChain().Candidates(resolver.Request{Symbol: req.Symbol, Kind: instruments.CategorySpot})
		var res chainFetch
		var err error
		res, chainKey, err = tryCandidates(gctx, log, "option chain", req.Symbol, keys, func(ctx context.Context, key string) (chainFetch, error) {
			r, spot, err := s.data.GetOptionChain(ctx, key, exp.String())
			return chainFetch{rows: r, spot: spot}, err
		})
		rows, chainSpot = res.rows, res.spot
		return err
	})
	g.Go(func() error {
		q, _, err := s.fetchSpot(gctx, log, req.Symbol)
		if err != nil {
			if errors.Is(err, auth.ErrAuthRequired) {
				return err
			}
			log.WithError(err).Warn("Spot quote unavailable, using chain underlying price")
			return nil
		}
		quote = q
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	spot := chainSpot
	if quote != nil && quote.LastPrice > 0 {
		spot = quote.LastPrice
	}
	if spot <= 0 {
		log.Warn("No spot price, centring strikes on max open interest")
	}

	chain := analytics.FilterLiquid(models.NewChain(req.Symbol, exp.String(), spot, rows), maxDist)
	if len(chain.Rows) == 0 {
		return nil, fmt.Errorf("option chain for %s %s (%d raw strikes): %w",
			req.Symbol, exp, len(rows), analytics.ErrDataUnavailable)
	}
	log.WithField("instrument_key", chainKey).Infof("Option chain filtered to %d of %d strikes", len(chain.Rows), len(rows))

	return &ChainResult{
		Chain:         *chain,
		UnderlyingKey: chainKey,
		ExpiryStale:   exp.Stale,
		StaleReason:   exp.Reason,
	}, nil
}

type chainFetch struct {
	rows []models.ChainRow
	spot float64
}

// Analyze fetches a chain and runs every chain analytic over it.
func (s *Service) Analyze(ctx context.Context, req ChainRequest) (*AnalysisResult, error) {
	res, err := s.GetOptionChain(ctx, req)
	if err != nil {
		return nil, err
	}
	rep, err := analytics.Analyze(&res.Chain)
	if err != nil {
		return nil, err
	}
	return &AnalysisResult{Report: *rep, UnderlyingKey: res.UnderlyingKey, ExpiryStale: res.ExpiryStale}, nil
}

// GetSpotQuote returns the underlying's quote with change figures.
func (s *Service) GetSpotQuote(ctx context.Context, symbol string) (*models.SpotQuote, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	q, _, err := s.fetchSpot(ctx, s.logger.WithField("symbol", symbol), symbol)
	if err != nil {
		return nil, err
	}
	sq := models.NewSpotQuote(symbol, *q)
	return &sq, nil
}

// GetFuturesData quotes the futures contract and the spot in parallel and
// returns the basis analysis.
func (s *Service) GetFuturesData(ctx context.Context, req FuturesRequest) (*analytics.FuturesBasisResult, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	exp, err := s.expiryFor(req.Symbol, req.Expiry, req.ExpiryType, expiry.Futures, s.defaults.FuturesExpiryType)
	if err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{"symbol": req.Symbol, "expiry": exp.String()})

	var (
		fut    *models.Quote
		futKey string
		spot   *models.Quote
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		keys := s.keys.FuturesChain().Candidates(resolver.Request{
			Symbol: req.Symbol,
			Kind:   instruments.FutureCategory(req.Symbol),
			Expiry: exp.String(),
		})
		var err error
		fut, futKey, err = tryCandidates(gctx, log, "futures quote", req.Symbol, keys, s.data.GetQuote)
		return err
	})
	g.Go(func() error {
		var err error
		spot, _, err = s.fetchSpot(gctx, log, req.Symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	days := expiry.DaysUntil(s.expiries.Now(), exp.Date)
	res, err := analytics.FuturesBasis(fut.LastPrice, spot.LastPrice, days)
	if err != nil {
		return nil, fmt.Errorf("%s futures %s: %w", req.Symbol, exp, err)
	}
	res.Symbol = req.Symbol
	res.Expiry = exp.String()
	res.InstrumentKey = futKey
	res.FuturesOI = fut.OI
	res.FuturesVolume = fut.Volume
	res.ExpiryStale = exp.Stale
	log.WithField("instrument_key", futKey).Infof("Futures basis %.2f%% over %d days", res.BasisPct, days)
	return &res, nil
}

// GetHoldings returns long-term holdings.
func (s *Service) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	return s.data.GetHoldings(ctx)
}

// GetPositions returns short-term positions.
func (s *Service) GetPositions(ctx context.Context) ([]models.Position, error) {
	return s.data.GetPositions(ctx)
}

// Portfolio fetches holdings and positions in parallel and summarizes them.
func (s *Service) Portfolio(ctx context.Context) (*PortfolioResult, error) {
	var res PortfolioResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res.Holdings, err = s.data.GetHoldings(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		res.Positions, err = s.data.GetPositions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Summary = analytics.SummarizePortfolio(res.Holdings, res.Positions)
	return &res, nil
}

// AuthURL returns the provider login URL.
func (s *Service) AuthURL() string {
	return s.auth.AuthURL()
}

// SubmitAuthCode verifies the login state nonce, when given, and exchanges
// the authorization code for a token.
func (s *Service) SubmitAuthCode(ctx context.Context, code, state string) error {
	if state != "" {
		if err := s.auth.VerifyState(state); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	if err := s.auth.SubmitCode(ctx, code); err != nil {
		return err
	}
	s.logger.Info("Authorization code exchanged")
	return nil
}

func (s *Service) fetchSpot(ctx context.Context, log logrus.FieldLogger, symbol string) (*models.Quote, string, error) {
	keys := s.keys.QuoteChain().Candidates(resolver.Request{Symbol: symbol, Kind: instruments.CategorySpot})
	return tryCandidates(ctx, log, "spot quote", symbol, keys, s.data.GetQuote)
}

func (s *Service) expiryFor(symbol, explicit, typ string, cat expiry.Category, def expiry.Type) (expiry.Result, error) {
	if explicit != "" {
		d, err := time.ParseInLocation(instruments.DateLayout, explicit, s.expiries.Location())
		if err != nil {
			return expiry.Result{}, fmt.Errorf("%w: expiry %q must be YYYY-MM-DD", ErrInvalidRequest, explicit)
		}
		return expiry.Result{Date: d}, nil
	}
	t := def
	if typ != "" {
		parsed, err := expiry.ParseType(typ)
		if err != nil {
			return expiry.Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		t = parsed
	}
	return s.expiries.NextExpiry(symbol, cat, t), nil
}

// tryCandidates calls fetch for each key in order and returns the first
// success. A login prompt or a cancelled context stops the walk; any other
// failure moves on to the next key.
func tryCandidates[T any](
	ctx context.Context,
	log logrus.FieldLogger,
	what string,
	symbol string,
	keys []string,
	fetch func(context.Context, string) (T, error),
) (T, string, error) {
	var zero T
	if len(keys) == 0 {
		return zero, "", fmt.Errorf("%s %s: %w: no candidate keys", what, symbol, resolver.ErrSymbolNotResolved)
	}
	var lastErr error
	for i, key := range keys {
		v, err := fetch(ctx, key)
		if err == nil {
			return v, key, nil
		}
		if errors.Is(err, auth.ErrAuthRequired) {
			return zero, "", err
		}
		if ctx.Err() != nil {
			return zero, "", fmt.Errorf("%s: %w", what, ctx.Err())
		}
		log.WithFields(logrus.Fields{
			"instrument_key": key,
			"attempt":        i + 1,
		}).WithError(err).Debugf("%s candidate failed", what)
		lastErr = err
	}
	return zero, "", &FetchError{Op: what, Symbol: symbol, Keys: keys, Err: lastErr}
}
