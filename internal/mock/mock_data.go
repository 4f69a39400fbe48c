// Package mock provides an offline market data source that produces
// deterministic synthetic quotes, chains and portfolio rows.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/eddiefleurent/fno_scope/internal/broker"
	"github.com/eddiefleurent/fno_scope/internal/instruments"
	"github.com/eddiefleurent/fno_scope/internal/models"
	"github.com/eddiefleurent/fno_scope/internal/util"
)

// futuresPremium is the synthetic carry applied to futures quotes.
const futuresPremium = 0.004

// Base spot levels for the tracked indices, keyed by spot instrument key.
var indexSpots = map[string]float64{
	"NSE_INDEX|Nifty 50":         25000,
	"NSE_INDEX|Nifty Bank":       56000,
	"NSE_INDEX|Nifty Midcap 100": 58000,
}

// Futures roots of the tracked indices mapped to their spot keys.
var indexRoots = map[string]string{
	"NIFTY":      "NSE_INDEX|Nifty 50",
	"BANKNIFTY":  "NSE_INDEX|Nifty Bank",
	"MIDCPNIFTY": "NSE_INDEX|Nifty Midcap 100",
}

// DataProvider implements broker.MarketData without network access. The same
// key always yields the same figures.
type DataProvider struct {
	now   func() time.Time
	midIV float64 // percent
}

// Ensure DataProvider implements MarketData at compile time.
var _ broker.MarketData = (*DataProvider)(nil)

// Option configures a DataProvider.
type Option func(*DataProvider)

// WithClock overrides the clock used for days-to-expiry.
func WithClock(now func() time.Time) Option {
	return func(m *DataProvider) { m.now = now }
}

// NewDataProvider creates a mock provider.
func NewDataProvider(opts ...Option) *DataProvider {
	m := &DataProvider{now: time.Now, midIV: 14}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetQuote returns a synthetic quote. Futures keys trade at a small premium
// to their underlying.
func (m *DataProvider) GetQuote(ctx context.Context, instrumentKey string) (*models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	last := m.price(instrumentKey)
	prevClose := last * (1 - (noise(instrumentKey, "close")-0.5)*0.02)
	q := &models.Quote{
		InstrumentKey: instrumentKey,
		Symbol:        instrumentKey[strings.IndexAny(instrumentKey, "|:")+1:],
		LastPrice:     round2(last),
		Volume:        math.Floor(noise(instrumentKey, "volume") * 5e6),
		NetChange:     round2(last - prevClose),
		OHLC: models.OHLC{
			Open:  round2(prevClose * (1 + (noise(instrumentKey, "open")-0.5)*0.005)),
			High:  round2(math.Max(last, prevClose) * 1.004),
			Low:   round2(math.Min(last, prevClose) * 0.996),
			Close: round2(prevClose),
		},
	}
	if isFuture(instrumentKey) {
		q.OI = math.Floor(noise(instrumentKey, "oi") * 2e7)
	}
	return q, nil
}

// GetOptionChain generates 21 strikes around spot with OI peaking near the
// money and Greeks that decay with distance from spot.
func (m *DataProvider) GetOptionChain(ctx context.Context, underlyingKey, expiry string) ([]models.ChainRow, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	expDate, err := time.Parse(instruments.DateLayout, expiry)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid expiry format: %w", err)
	}
	dte := expDate.Sub(m.now()).Hours() / 24
	if dte < 0 {
		dte = 0
	}

	spot := round2(m.price(underlyingKey))
	interval := strikeInterval(spot)
	atm := util.RoundToTick(spot, interval)
	vol := m.midIV / 100
	timeValue := math.Sqrt(math.Max(dte, 0.5) / 365)

	rows := make([]models.ChainRow, 0, 21)
	for i := -10; i <= 10; i++ {
		strike := atm + float64(i)*interval
		distance := math.Abs(strike-spot) / spot * 100
		decay := math.Exp(-distance * 0.5)

		callDelta := 0.5 * decay
		if strike < spot {
			callDelta = 1 - 0.5*decay
		}
		putDelta := callDelta - 1

		tag := fmt.Sprintf("%s|%s|%.0f", underlyingKey, expiry, strike)
		smile := m.midIV + distance*0.8
		rows = append(rows, models.ChainRow{
			Strike: strike,
			Call:   m.side(tag+"|CE", spot, strike, callDelta, decay, vol, timeValue, smile, strike >= spot),
			Put:    m.side(tag+"|PE", spot, strike, putDelta, decay, vol, timeValue, smile, strike <= spot),
		})
	}
	return rows, spot, nil
}

func (m *DataProvider) side(tag string, spot, strike, delta, decay, vol, timeValue, iv float64, otm bool) models.OptionSide {
	intrinsic := 0.0
	if !otm {
		intrinsic = math.Abs(spot - strike)
	}
	price := math.Max(util.TickSize, intrinsic+vol*timeValue*spot*0.4*decay)
	oi := math.Floor((20000 + noise(tag, "oi")*80000) * (0.3 + decay))
	prev := math.Floor(oi * (0.85 + noise(tag, "prev")*0.3))
	ivCopy := round2(iv)
	return models.OptionSide{
		InstrumentKey: "MOCK|" + tag,
		LTP:           util.RoundToTick(price, util.TickSize),
		Volume:        math.Floor(oi * (0.5 + noise(tag, "volume")*2)),
		OI:            oi,
		OIPrev:        prev,
		OIChange:      models.OIChange(oi, prev),
		Bid:           util.RoundToTick(math.Max(util.TickSize, price-util.TickSize), util.TickSize),
		Ask:           util.RoundToTick(price+util.TickSize, util.TickSize),
		IV:            &ivCopy,
		Delta:         round4(delta),
		Gamma:         round4(decay * 0.002),
		Theta:         round2(-price / math.Max(timeValue*365*timeValue, 1) * 0.5),
		Vega:          round2(spot * timeValue * 0.004 * decay),
	}
}

// GetHoldings returns a fixed sample of delivery holdings.
func (m *DataProvider) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Holding, 0, 3)
	for _, h := range []struct {
		symbol, isin string
		qty, avg     float64
	}{
		{"RELIANCE", "INE002A01018", 20, 1280},
		{"INFY", "INE009A01021", 35, 1510},
		{"TCS", "INE467B01029", 10, 3450},
	} {
		key := "NSE_EQ|" + h.isin
		last := round2(m.price(key))
		out = append(out, models.Holding{
			ISIN:            h.isin,
			TradingSymbol:   h.symbol,
			CompanyName:     h.symbol,
			Exchange:        "NSE",
			InstrumentToken: key,
			Product:         "D",
			Quantity:        h.qty,
			AveragePrice:    h.avg,
			LastPrice:       last,
			ClosePrice:      last,
			PnL:             round2((last - h.avg) * h.qty),
		})
	}
	return out, nil
}

// GetPositions returns one open and one squared-off sample position.
func (m *DataProvider) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := "NSE_FO|NIFTYMOCKFUT"
	last := round2(m.price(key))
	return []models.Position{
		{
			TradingSymbol:   "NIFTYMOCKFUT",
			Exchange:        "NFO",
			InstrumentToken: key,
			Product:         "D",
			Quantity:        75,
			Multiplier:      1,
			AveragePrice:    round2(last - 40),
			LastPrice:       last,
			PnL:             round2(40 * 75),
			Unrealised:      round2(40 * 75),
		},
		{
			TradingSymbol:   "BANKNIFTYMOCKFUT",
			Exchange:        "NFO",
			InstrumentToken: "NSE_FO|BANKNIFTYMOCKFUT",
			Product:         "I",
			Quantity:        0,
			Multiplier:      1,
			PnL:             -1250,
			Realised:        -1250,
		},
	}, nil
}

// price returns the synthetic last price for a key.
func (m *DataProvider) price(key string) float64 {
	norm := strings.Replace(key, ":", "|", 1)
	if p, ok := indexSpots[norm]; ok {
		return p * (1 + (noise(norm, "drift")-0.5)*0.01)
	}
	if isFuture(norm) {
		if spotKey, ok := indexRoots[futuresRoot(norm)]; ok {
			return m.price(spotKey) * (1 + futuresPremium)
		}
	}
	return 100 + noise(norm, "price")*4900
}

func isFuture(key string) bool {
	return strings.HasPrefix(key, "NSE_FO|") || strings.HasPrefix(key, "NSE_FO:")
}

// futuresRoot extracts the root from a constructed trading symbol such as
// NSE_FO|NIFTY26OCTFUT.
func futuresRoot(key string) string {
	sym := strings.TrimSuffix(key[strings.IndexAny(key, "|:")+1:], "FUT")
	for i, r := range sym {
		if r >= '0' && r <= '9' {
			return sym[:i]
		}
	}
	return strings.TrimSuffix(sym, "MOCK")
}

func strikeInterval(spot float64) float64 {
	switch {
	case spot >= 20000:
		return 100
	case spot >= 5000:
		return 50
	case spot >= 1000:
		return 20
	default:
		return 5
	}
}

// noise maps its inputs onto a stable value in [0, 1).
func noise(parts ...string) float64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return float64(h.Sum64()>>11) / (1 << 53)
}

func round2(v float64) float64 { return util.RoundPlaces(v, 2) }
func round4(v float64) float64 { return util.RoundPlaces(v, 4) }
