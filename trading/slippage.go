package trading

import (
	"github.com/shopspring/decimal"

	"bybit-arb-bot/exchange"
)

// defaultImpact is the assumed price impact per unit of quantity.
var defaultImpact = decimal.RequireFromString("0.01")

// SlippageModel estimates the worst realistic fill price for a market order:
// the touch price pushed through by a linear impact term.
type SlippageModel struct {
	impact decimal.Decimal
}

// NewSlippageModel returns the model with the default impact coefficient.
func NewSlippageModel() *SlippageModel {
	return &SlippageModel{impact: defaultImpact}
}

// WorstPrice returns the pessimistic fill: above the ask when buying, below
// the bid when selling, moved by impact * qty.
func (m *SlippageModel) WorstPrice(side exchange.Side, bid, ask, qty decimal.Decimal) decimal.Decimal {
	slip := m.impact.Mul(qty)
	if side == exchange.SideBuy {
		return ask.Add(slip)
	}
	return bid.Sub(slip)
}
