package analytics

import "github.com/eddiefleurent/fno_scope/internal/models"

// PortfolioSummary totals holdings and open positions.
type PortfolioSummary struct {
	Holdings      int     `json:"holdings"`
	Value         float64 `json:"total_value"`
	PnL           float64 `json:"total_pnl"`
	PnLPct        float64 `json:"total_pnl_pct"`
	OpenPositions int     `json:"open_positions"`
	PositionsPnL  float64 `json:"positions_pnl"`
}

// SummarizePortfolio sums holding value (quantity x last price) and P&L.
// PnLPct is P&L relative to current value, 0 when the value is 0.
func SummarizePortfolio(holdings []models.Holding, positions []models.Position) PortfolioSummary {
	var s PortfolioSummary
	s.Holdings = len(holdings)
	for _, h := range holdings {
		s.Value += h.Value()
		s.PnL += h.PnL
	}
	if s.Value != 0 {
		s.PnLPct = s.PnL / s.Value * 100
	}
	for _, p := range positions {
		if p.IsOpen() {
			s.OpenPositions++
		}
		s.PositionsPnL += p.PnL
	}
	return s
}
