// Package strategy defines the trading decision capability consumed by the
// orchestrator. How a decision is computed, heuristic or learned, is opaque
// to the rest of the engine.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"
)

// Action is the decision for one symbol at one instant.
type Action string

const (
	ActionHold     Action = "hold"
	ActionBuySpot  Action = "buy_spot"
	ActionSellSpot Action = "sell_spot"
)

// Decision analyzes a symbol and returns an action plus a signed edge
// estimate: the expected fractional profit, net of fees, of taking it.
type Decision interface {
	Analyze(ctx context.Context, symbol string) (Action, decimal.Decimal, error)
}

// Quoter supplies the best bid/ask per symbol.
type Quoter interface {
	GetBest(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
}

// SpreadStrategy is the built-in heuristic: trade when the book is crossed
// far enough that the spread survives fees.
//
// Fee policy: the edge is always net of the spot fee plus the futures taker
// fee, on every path. Market orders pay taker; the maker rate never enters.
type SpreadStrategy struct {
	quotes Quoter
	fees   decimal.Decimal
}

// NewSpreadStrategy builds the heuristic with the total round-trip fee rate
// already summed (spot fee + futures taker fee).
func NewSpreadStrategy(quotes Quoter, spotFee, takerFee decimal.Decimal) *SpreadStrategy {
	return &SpreadStrategy{quotes: quotes, fees: spotFee.Add(takerFee)}
}

// Analyze inspects the current best quote. A bid above the ask (crossed,
// favorable book) nets a buy; an ask above the bid by more than fees nets a
// sell; otherwise hold.
func (s *SpreadStrategy) Analyze(ctx context.Context, symbol string) (Action, decimal.Decimal, error) {
	bid, ask, err := s.quotes.GetBest(ctx, symbol)
	if err != nil {
		return ActionHold, decimal.Zero, err
	}

	longEdge := bid.Sub(ask).Div(ask).Sub(s.fees)
	if longEdge.IsPositive() {
		return ActionBuySpot, longEdge, nil
	}
	shortEdge := ask.Sub(bid).Div(ask).Sub(s.fees)
	if shortEdge.IsPositive() {
		return ActionSellSpot, shortEdge, nil
	}
	return ActionHold, longEdge, nil
}
