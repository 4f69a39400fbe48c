package models

// Holding is a long-term (delivery) holding.
type Holding struct {
	ISIN                string  `json:"isin"`
	CompanyName         string  `json:"company_name"`
	TradingSymbol       string  `json:"trading_symbol"`
	Exchange            string  `json:"exchange"`
	InstrumentToken     string  `json:"instrument_token"`
	Product             string  `json:"product"`
	Quantity            float64 `json:"quantity"`
	AveragePrice        float64 `json:"average_price"`
	LastPrice           float64 `json:"last_price"`
	ClosePrice          float64 `json:"close_price"`
	PnL                 float64 `json:"pnl"`
	DayChange           float64 `json:"day_change"`
	DayChangePercentage float64 `json:"day_change_percentage"`
}

// Value returns quantity times last price.
func (h Holding) Value() float64 {
	return h.Quantity * h.LastPrice
}

// Position is a short-term (intraday or carry-forward) position.
type Position struct {
	TradingSymbol   string  `json:"trading_symbol"`
	Exchange        string  `json:"exchange"`
	InstrumentToken string  `json:"instrument_token"`
	Product         string  `json:"product"`
	Quantity        float64 `json:"quantity"`
	Multiplier      float64 `json:"multiplier"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	ClosePrice      float64 `json:"close_price"`
	BuyPrice        float64 `json:"buy_price"`
	SellPrice       float64 `json:"sell_price"`
	DayBuyQuantity  float64 `json:"day_buy_quantity"`
	DaySellQuantity float64 `json:"day_sell_quantity"`
	PnL             float64 `json:"pnl"`
	Realised        float64 `json:"realised"`
	Unrealised      float64 `json:"unrealised"`
}

// IsOpen reports whether the position still carries quantity.
func (p Position) IsOpen() bool {
	return p.Quantity != 0
}
