package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/fno_scope/internal/auth"
	"github.com/eddiefleurent/fno_scope/internal/models"
)

// MarketData defines the read-only provider operations the service needs.
type MarketData interface {
	GetQuote(ctx context.Context, instrumentKey string) (*models.Quote, error)
	GetOptionChain(ctx context.Context, underlyingKey, expiry string) ([]models.ChainRow, float64, error)
	GetHoldings(ctx context.Context) ([]models.Holding, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
}

// Ensure UpstoxAPI implements MarketData at compile time.
var _ MarketData = (*UpstoxAPI)(nil)

// IsTransportFailure reports whether err says anything about provider
// health. Provider rejections, login prompts and unmatched keys do not.
func IsTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	switch {
	case errors.As(err, &perr):
		return false
	case errors.Is(err, auth.ErrAuthRequired),
		errors.Is(err, ErrKeyNotInResponse),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// CircuitBreakerBroker wraps MarketData with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  MarketData
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements MarketData at compile time.
var _ MarketData = (*CircuitBreakerBroker)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker MarketData,
	fn func(MarketData) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after a sustained run of transport failures.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,                // Allow 3 requests when half-open
	Interval:     60 * time.Second, // Reset counts every minute
	Timeout:      30 * time.Second, // Open circuit for 30 seconds
	MinRequests:  5,                // Minimum requests before tripping
	FailureRatio: 0.6,              // Trip if 60% failure rate
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBroker(broker MarketData, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "UpstoxCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return !IsTransportFailure(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
					Warnf("Circuit breaker %s state changed", name)
			}
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, instrumentKey string) (*models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b MarketData) (*models.Quote, error) {
		return b.GetQuote(ctx, instrumentKey)
	})
}

type chainResult struct {
	rows []models.ChainRow
	spot float64
}

// GetOptionChain wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, underlyingKey, expiry string) ([]models.ChainRow, float64, error) {
	res, err := execCircuitBreaker(c.breaker, c.broker, func(b MarketData) (chainResult, error) {
		rows, spot, err := b.GetOptionChain(ctx, underlyingKey, expiry)
		return chainResult{rows: rows, spot: spot}, err
	})
	return res.rows, res.spot, err
}

// GetHoldings wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b MarketData) ([]models.Holding, error) {
		return b.GetHoldings(ctx)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b MarketData) ([]models.Position, error) {
		return b.GetPositions(ctx)
	})
}

// Ensure the session manager can feed the client.
var _ TokenSource = (*auth.Manager)(nil)
