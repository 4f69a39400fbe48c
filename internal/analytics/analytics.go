// Package analytics derives sentiment and risk figures from an option chain.
// Every function is pure: inputs are never mutated and results are fresh
// values.
package analytics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/eddiefleurent/fno_scope/internal/models"
)

// ErrDataUnavailable is returned when a computation has no rows or prices to
// work with.
var ErrDataUnavailable = errors.New("data unavailable")

// Thresholds used by the classifiers.
const (
	DefaultMaxDistancePct = 12.0

	MinLiquidOI     = 100
	MinLiquidVolume = 10

	OversoldPCR   = 1.4
	OverboughtPCR = 0.6

	StrongPremiumPct = 0.5
	MildPremiumPct   = 0.2
	DiscountPct      = -0.2

	TopBuildups = 5
)

// FilterLiquid keeps rows within maxDistancePct of spot that show any sign of
// liquidity: combined OI above MinLiquidOI, combined volume above
// MinLiquidVolume, or an IV on either side. Without a spot price the window is
// centred on the strike with the largest combined OI and no liquidity test
// is applied.
func FilterLiquid(c *models.Chain, maxDistancePct float64) *models.Chain {
	if c == nil {
		return nil
	}
	if c.SpotPrice <= 0 {
		return filterAroundMaxOI(c, maxDistancePct)
	}
	rows := make([]models.ChainRow, 0, len(c.Rows))
	for _, r := range c.Rows {
		if r.DistancePct > maxDistancePct {
			continue
		}
		if r.Call.OI+r.Put.OI > MinLiquidOI ||
			r.Call.Volume+r.Put.Volume > MinLiquidVolume ||
			r.Call.HasIV() || r.Put.HasIV() {
			rows = append(rows, r)
		}
	}
	return &models.Chain{Symbol: c.Symbol, Expiry: c.Expiry, SpotPrice: c.SpotPrice, Rows: rows}
}

func filterAroundMaxOI(c *models.Chain, maxDistancePct float64) *models.Chain {
	out := &models.Chain{Symbol: c.Symbol, Expiry: c.Expiry, SpotPrice: c.SpotPrice, Rows: []models.ChainRow{}}
	if len(c.Rows) == 0 {
		return out
	}
	total := c.Column(true, oi)
	floats.Add(total, c.Column(false, oi))
	center := c.Rows[floats.MaxIdx(total)].Strike
	if center <= 0 {
		return out
	}
	for _, r := range c.Rows {
		if math.Abs(r.Strike-center)/center*100 <= maxDistancePct {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Sentiment is the PCR classification.
type Sentiment string

const (
	SentimentOversold   Sentiment = "OVERSOLD"
	SentimentOverbought Sentiment = "OVERBOUGHT"
	SentimentNeutral    Sentiment = "NEUTRAL"
)

// PCRResult holds put-call ratios over a chain.
type PCRResult struct {
	PCROI          float64   `json:"pcr_oi"`
	PCRVolume      float64   `json:"pcr_volume"`
	TotalCallOI    float64   `json:"total_call_oi"`
	TotalPutOI     float64   `json:"total_put_oi"`
	TotalCallVol   float64   `json:"total_call_volume"`
	TotalPutVol    float64   `json:"total_put_volume"`
	Sentiment      Sentiment `json:"sentiment"`
	Interpretation string    `json:"interpretation"`
}

// PCR computes OI and volume put-call ratios. A zero call side yields 0.
func PCR(c *models.Chain) PCRResult {
	if c == nil {
		c = &models.Chain{}
	}
	res := PCRResult{
		TotalCallOI:  floats.Sum(c.Column(true, oi)),
		TotalPutOI:   floats.Sum(c.Column(false, oi)),
		TotalCallVol: floats.Sum(c.Column(true, volume)),
		TotalPutVol:  floats.Sum(c.Column(false, volume)),
	}
	res.PCROI = ratio(res.TotalPutOI, res.TotalCallOI)
	res.PCRVolume = ratio(res.TotalPutVol, res.TotalCallVol)
	res.Sentiment, res.Interpretation = ClassifyPCR(res.PCROI)
	return res
}

// ClassifyPCR maps an OI ratio onto its sentiment band.
func ClassifyPCR(pcr float64) (Sentiment, string) {
	switch {
	case pcr > OversoldPCR:
		return SentimentOversold, "Excessive put buildup - potential bounce"
	case pcr < OverboughtPCR:
		return SentimentOverbought, "Excessive call buildup - potential correction"
	default:
		return SentimentNeutral, "Balanced options activity"
	}
}

// MaxPainResult is the strike minimizing aggregate option-writer payout.
type MaxPainResult struct {
	Strike         float64 `json:"max_pain_strike"`
	DistancePct    float64 `json:"distance_pct"`
	Interpretation string  `json:"interpretation"`
}

// MaxPain evaluates every strike as the settlement price and returns the
// first one with the lowest total payout.
func MaxPain(c *models.Chain) (MaxPainResult, error) {
	if c == nil || len(c.Rows) == 0 {
		return MaxPainResult{}, fmt.Errorf("max pain: %w", ErrDataUnavailable)
	}
	pain := make([]float64, len(c.Rows))
	for i, k := range c.Rows {
		for _, r := range c.Rows {
			switch {
			case r.Strike < k.Strike:
				pain[i] += r.Call.OI * (k.Strike - r.Strike)
			case r.Strike > k.Strike:
				pain[i] += r.Put.OI * (r.Strike - k.Strike)
			}
		}
	}
	strike := c.Rows[floats.MinIdx(pain)].Strike
	res := MaxPainResult{Strike: strike}
	if c.SpotPrice > 0 {
		res.DistancePct = (strike - c.SpotPrice) / c.SpotPrice * 100
	}
	res.Interpretation = fmt.Sprintf("₹%.0f (%+.1f%% from spot)", strike, res.DistancePct)
	return res, nil
}

// Bias is the sign of net delta exposure.
type Bias string

const (
	BiasLong    Bias = "LONG"
	BiasShort   Bias = "SHORT"
	BiasNeutral Bias = "NEUTRAL"
)

// GreeksResult aggregates OI-weighted Greeks across the chain.
type GreeksResult struct {
	NetDelta            float64  `json:"net_delta"`
	Bias                Bias     `json:"bias"`
	DeltaInterpretation string   `json:"delta_interpretation"`
	MaxGammaStrike      float64  `json:"max_gamma_strike"`
	GammaInterpretation string   `json:"gamma_interpretation"`
	TotalTheta          float64  `json:"total_theta"`
	ThetaInterpretation string   `json:"theta_interpretation"`
	TotalVega           float64  `json:"total_vega"`
	VegaInterpretation  string   `json:"vega_interpretation"`
	ATMCallIV           *float64 `json:"atm_call_iv"`
	ATMPutIV            *float64 `json:"atm_put_iv"`
}

// Greeks computes net delta, the strike of peak gamma exposure, and total
// theta and vega, each weighted by open interest. Put deltas arrive negative.
func Greeks(c *models.Chain) (GreeksResult, error) {
	if c == nil || len(c.Rows) == 0 {
		return GreeksResult{}, fmt.Errorf("greeks: %w", ErrDataUnavailable)
	}
	callOI, putOI := c.Column(true, oi), c.Column(false, oi)
	weighted := func(field func(models.OptionSide) float64) float64 {
		return floats.Dot(c.Column(true, field), callOI) + floats.Dot(c.Column(false, field), putOI)
	}

	var res GreeksResult
	res.NetDelta = weighted(delta)
	switch {
	case res.NetDelta > 0:
		res.Bias = BiasLong
		res.DeltaInterpretation = fmt.Sprintf("Net LONG bias (delta: %.0f)", res.NetDelta)
	case res.NetDelta < 0:
		res.Bias = BiasShort
		res.DeltaInterpretation = fmt.Sprintf("Net SHORT bias (delta: %.0f)", res.NetDelta)
	default:
		res.Bias = BiasNeutral
		res.DeltaInterpretation = "Delta neutral"
	}

	gamma := make([]float64, len(c.Rows))
	floats.MulTo(gamma, c.Column(true, gammaOf), callOI)
	putGamma := make([]float64, len(c.Rows))
	floats.MulTo(putGamma, c.Column(false, gammaOf), putOI)
	floats.Add(gamma, putGamma)
	res.MaxGammaStrike = c.Rows[floats.MaxIdx(gamma)].Strike
	res.GammaInterpretation = fmt.Sprintf("Max hedging at ₹%.0f", res.MaxGammaStrike)

	res.TotalTheta = weighted(theta)
	res.ThetaInterpretation = fmt.Sprintf("₹%s time decay/day", groupThousands(math.Abs(res.TotalTheta)))
	res.TotalVega = weighted(vega)
	res.VegaInterpretation = fmt.Sprintf("₹%s exposure per 1%% IV change", groupThousands(math.Abs(res.TotalVega)))

	if i := c.ATMIndex(); i >= 0 {
		res.ATMCallIV = c.Rows[i].Call.IV
		res.ATMPutIV = c.Rows[i].Put.IV
	}
	return res, nil
}

// OILevelsResult holds OI-derived support and resistance.
type OILevelsResult struct {
	CallResistance float64   `json:"call_resistance"`
	PutSupport     float64   `json:"put_support"`
	CallBuildups   []float64 `json:"call_buildups"`
	PutBuildups    []float64 `json:"put_buildups"`
}

// OILevels reports the strikes with the highest call and put OI and the top
// strikes by positive OI change on each side, largest change first.
func OILevels(c *models.Chain) (OILevelsResult, error) {
	if c == nil || len(c.Rows) == 0 {
		return OILevelsResult{}, fmt.Errorf("oi levels: %w", ErrDataUnavailable)
	}
	return OILevelsResult{
		CallResistance: c.Rows[floats.MaxIdx(c.Column(true, oi))].Strike,
		PutSupport:     c.Rows[floats.MaxIdx(c.Column(false, oi))].Strike,
		CallBuildups:   buildups(c, true),
		PutBuildups:    buildups(c, false),
	}, nil
}

func buildups(c *models.Chain, call bool) []float64 {
	changes := c.Column(call, func(s models.OptionSide) float64 { return s.OIChange })
	idx := make([]int, 0, len(changes))
	for i, ch := range changes {
		if ch > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return changes[idx[a]] > changes[idx[b]] })
	if len(idx) > TopBuildups {
		idx = idx[:TopBuildups]
	}
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = c.Rows[j].Strike
	}
	return out
}

// BasisBand classifies a futures basis.
type BasisBand string

const (
	BandStrongPremium BasisBand = "strong bullish premium"
	BandMildPremium   BasisBand = "mild bullish premium"
	BandDiscount      BasisBand = "bearish discount"
	BandNeutral       BasisBand = "neutral"
)

// FuturesBasisResult compares a futures price against spot.
type FuturesBasisResult struct {
	Symbol          string    `json:"symbol"`
	Expiry          string    `json:"expiry"`
	InstrumentKey   string    `json:"instrument_key,omitempty"`
	FuturesPrice    float64   `json:"futures_price"`
	SpotPrice       float64   `json:"spot_price"`
	Basis           float64   `json:"basis"`
	BasisPct        float64   `json:"basis_pct"`
	AnnualizedCarry float64   `json:"annualized_carry"`
	DaysToExpiry    int       `json:"days_to_expiry"`
	FuturesOI       float64   `json:"futures_oi"`
	FuturesVolume   float64   `json:"futures_volume"`
	Band            BasisBand `json:"band"`
	Interpretation  string    `json:"interpretation"`
	ExpiryStale     bool      `json:"expiry_stale,omitempty"`
}

// FuturesBasis computes basis, basis percent and annualized carry. Days to
// expiry are floored at 1.
func FuturesBasis(futuresPrice, spot float64, daysToExpiry int) (FuturesBasisResult, error) {
	if futuresPrice <= 0 || spot <= 0 {
		return FuturesBasisResult{}, fmt.Errorf("futures basis: %w", ErrDataUnavailable)
	}
	if daysToExpiry < 1 {
		daysToExpiry = 1
	}
	res := FuturesBasisResult{
		FuturesPrice: futuresPrice,
		SpotPrice:    spot,
		Basis:        futuresPrice - spot,
		DaysToExpiry: daysToExpiry,
	}
	res.BasisPct = res.Basis / spot * 100
	res.AnnualizedCarry = res.BasisPct * 365 / float64(daysToExpiry)
	res.Band, res.Interpretation = ClassifyBasis(res.BasisPct)
	return res, nil
}

// ClassifyBasis maps a basis percent onto its band.
func ClassifyBasis(pct float64) (BasisBand, string) {
	switch {
	case pct > StrongPremiumPct:
		return BandStrongPremium, fmt.Sprintf("Premium %.2f%% - Strong bullish sentiment", pct)
	case pct > MildPremiumPct:
		return BandMildPremium, fmt.Sprintf("Premium %.2f%% - Mild bullish sentiment", pct)
	case pct < DiscountPct:
		return BandDiscount, fmt.Sprintf("Discount %.2f%% - Bearish sentiment", math.Abs(pct))
	default:
		return BandNeutral, "Fair pricing - Neutral sentiment"
	}
}

// Report bundles the chain analytics for one request.
type Report struct {
	Symbol    string         `json:"symbol"`
	Expiry    string         `json:"expiry"`
	SpotPrice float64        `json:"spot_price"`
	Strikes   int            `json:"strikes"`
	PCR       PCRResult      `json:"pcr"`
	MaxPain   MaxPainResult  `json:"max_pain"`
	Greeks    GreeksResult   `json:"greeks"`
	OILevels  OILevelsResult `json:"oi_levels"`
}

// Analyze runs every chain computation over c.
func Analyze(c *models.Chain) (*Report, error) {
	if c == nil || len(c.Rows) == 0 {
		return nil, fmt.Errorf("analyze: %w", ErrDataUnavailable)
	}
	mp, err := MaxPain(c)
	if err != nil {
		return nil, err
	}
	g, err := Greeks(c)
	if err != nil {
		return nil, err
	}
	lv, err := OILevels(c)
	if err != nil {
		return nil, err
	}
	return &Report{
		Symbol:    c.Symbol,
		Expiry:    c.Expiry,
		SpotPrice: c.SpotPrice,
		Strikes:   len(c.Rows),
		PCR:       PCR(c),
		MaxPain:   mp,
		Greeks:    g,
		OILevels:  lv,
	}, nil
}

func oi(s models.OptionSide) float64      { return s.OI }
func volume(s models.OptionSide) float64  { return s.Volume }
func delta(s models.OptionSide) float64   { return s.Delta }
func gammaOf(s models.OptionSide) float64 { return s.Gamma }
func theta(s models.OptionSide) float64   { return s.Theta }
func vega(s models.OptionSide) float64    { return s.Vega }

func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}

// groupThousands formats a non-negative value rounded to an integer with
// comma separators.
func groupThousands(v float64) string {
	s := strconv.FormatFloat(math.Round(v), 'f', 0, 64)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
