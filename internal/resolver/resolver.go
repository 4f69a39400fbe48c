// Package resolver turns human-readable symbols into provider instrument keys
// using the instrument index, with ordered fallback key construction.
package resolver

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/fno_scope/internal/instruments"
)

// ErrSymbolNotResolved is returned when the index has no matching instrument.
// It is a normal outcome; callers fall back to constructed keys.
var ErrSymbolNotResolved = errors.New("symbol not resolved")

// StrikeMatchEpsilon is the tolerance for matching strike prices.
const StrikeMatchEpsilon = 1e-3

// Request identifies one instrument. Expiry, Strike and OptionType are only
// consulted for derivative kinds.
type Request struct {
	Symbol     string
	Kind       instruments.Category
	Expiry     string
	Strike     float64
	OptionType instruments.OptionType
}

func (r Request) String() string {
	switch {
	case r.Kind.IsOption():
		return fmt.Sprintf("%s %s %s %.2f %s", r.Symbol, r.Kind, r.Expiry, r.Strike, r.OptionType)
	case r.Kind.IsFuture():
		return fmt.Sprintf("%s %s %s", r.Symbol, r.Kind, r.Expiry)
	default:
		return fmt.Sprintf("%s %s", r.Symbol, r.Kind)
	}
}

// Resolver looks up instrument keys in an injected index snapshot.
type Resolver struct {
	index  *instruments.Index
	logger logrus.FieldLogger
}

// New creates a Resolver over index. A nil index behaves as an empty one.
func New(index *instruments.Index, logger logrus.FieldLogger) *Resolver {
	if index == nil {
		index = instruments.Empty()
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Resolver{index: index, logger: logger}
}

// Index returns the snapshot the resolver reads.
func (r *Resolver) Index() *instruments.Index {
	return r.index
}

// Resolve returns the provider key for req or ErrSymbolNotResolved.
func (r *Resolver) Resolve(req Request) (string, error) {
	canon, entry, ok := r.index.Resolve(req.Symbol)
	if !ok {
		r.logger.WithField("symbol", req.Symbol).Debugf("normalized symbol %s not in instrument index", canon)
		return "", fmt.Errorf("%w: %s", ErrSymbolNotResolved, req)
	}

	switch {
	case req.Kind == instruments.CategorySpot:
		if entry.Spot != nil && entry.Spot.InstrumentKey != "" {
			return entry.Spot.InstrumentKey, nil
		}

	case req.Kind.IsOption():
		if req.Expiry != "" && req.Strike != 0 && req.OptionType != "" {
			for _, c := range entry.Contracts(req.Kind) {
				if c.Expiry == req.Expiry &&
					math.Abs(c.Strike-req.Strike) <= StrikeMatchEpsilon &&
					c.OptionType == req.OptionType {
					return c.InstrumentKey, nil
				}
			}
		}

	case req.Kind.IsFuture():
		if req.Expiry != "" {
			for _, c := range entry.Contracts(req.Kind) {
				if c.Expiry == req.Expiry {
					return c.InstrumentKey, nil
				}
			}
		}
	}

	r.logger.WithField("symbol", canon).Debugf("instrument key not found for %s", req)
	return "", fmt.Errorf("%w: %s", ErrSymbolNotResolved, req)
}
