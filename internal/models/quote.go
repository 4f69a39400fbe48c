package models

// OHLC is the day's open/high/low/close block of a quote.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Quote is a full market quote for one instrument.
type Quote struct {
	InstrumentKey string  `json:"instrument_key"`
	Symbol        string  `json:"symbol"`
	LastPrice     float64 `json:"last_price"`
	Volume        float64 `json:"volume"`
	OI            float64 `json:"oi"`
	NetChange     float64 `json:"net_change"`
	OHLC          OHLC    `json:"ohlc"`
}

// SpotQuote is the summarized quote returned for an underlying.
type SpotQuote struct {
	Symbol        string  `json:"symbol"`
	InstrumentKey string  `json:"instrument_key"`
	LTP           float64 `json:"ltp"`
	PreviousClose float64 `json:"previous_close"`
	Change        float64 `json:"change"`
	ChangePct     float64 `json:"change_pct"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
}

// NewSpotQuote derives change figures from the quote's previous close.
// Change is 0 when either price is missing.
func NewSpotQuote(symbol string, q Quote) SpotQuote {
	sq := SpotQuote{
		Symbol:        symbol,
		InstrumentKey: q.InstrumentKey,
		LTP:           q.LastPrice,
		PreviousClose: q.OHLC.Close,
		Open:          q.OHLC.Open,
		High:          q.OHLC.High,
		Low:           q.OHLC.Low,
	}
	if q.LastPrice != 0 && q.OHLC.Close != 0 {
		sq.Change = q.LastPrice - q.OHLC.Close
		sq.ChangePct = sq.Change / q.OHLC.Close * 100
	}
	return sq
}
