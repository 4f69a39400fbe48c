// Package models holds the market data shapes shared by the client,
// analytics and HTTP layers.
package models

import (
	"math"
	"sort"
)

// OptionSide is one leg (call or put) of an option chain row.
type OptionSide struct {
	InstrumentKey string   `json:"instrument_key,omitempty"`
	LTP           float64  `json:"ltp"`
	Volume        float64  `json:"volume"`
	OI            float64  `json:"oi"`
	OIPrev        float64  `json:"oi_prev"`
	OIChange      float64  `json:"oi_change"`
	Bid           float64  `json:"bid"`
	Ask           float64  `json:"ask"`
	IV            *float64 `json:"iv"` // nil when the provider sent no IV
	Delta         float64  `json:"delta"`
	Gamma         float64  `json:"gamma"`
	Theta         float64  `json:"theta"`
	Vega          float64  `json:"vega"`
}

// HasIV reports whether implied volatility was supplied.
func (s OptionSide) HasIV() bool {
	return s.IV != nil
}

// OIChange returns oi - prev, or 0 when either is missing.
func OIChange(oi, prev float64) float64 {
	if oi == 0 || prev == 0 {
		return 0
	}
	return oi - prev
}

// ChainRow is one strike of an option chain.
type ChainRow struct {
	Strike      float64    `json:"strike"`
	DistancePct float64    `json:"distance_pct"` // |strike-spot|/spot*100
	Call        OptionSide `json:"call"`
	Put         OptionSide `json:"put"`
}

// Chain is an option chain for one (symbol, expiry), sorted by strike.
type Chain struct {
	Symbol    string     `json:"symbol"`
	Expiry    string     `json:"expiry"`
	SpotPrice float64    `json:"spot_price"`
	Rows      []ChainRow `json:"rows"`
}

// NewChain copies rows, sorts them by strike and fills the derived
// distance and OI change fields.
func NewChain(symbol, expiry string, spot float64, rows []ChainRow) *Chain {
	out := make([]ChainRow, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	for i := range out {
		r := &out[i]
		if spot > 0 {
			r.DistancePct = math.Abs(r.Strike-spot) / spot * 100
		}
		r.Call.OIChange = OIChange(r.Call.OI, r.Call.OIPrev)
		r.Put.OIChange = OIChange(r.Put.OI, r.Put.OIPrev)
	}
	return &Chain{Symbol: symbol, Expiry: expiry, SpotPrice: spot, Rows: out}
}

// Strikes returns the strike column.
func (c *Chain) Strikes() []float64 {
	out := make([]float64, len(c.Rows))
	for i, r := range c.Rows {
		out[i] = r.Strike
	}
	return out
}

// Column extracts one numeric field per side for every row.
func (c *Chain) Column(call bool, field func(OptionSide) float64) []float64 {
	out := make([]float64, len(c.Rows))
	for i, r := range c.Rows {
		if call {
			out[i] = field(r.Call)
		} else {
			out[i] = field(r.Put)
		}
	}
	return out
}

// ATMIndex returns the row whose strike is nearest to spot, or -1 when empty.
func (c *Chain) ATMIndex() int {
	best, bestDist := -1, math.Inf(1)
	for i, r := range c.Rows {
		if d := math.Abs(r.Strike - c.SpotPrice); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
