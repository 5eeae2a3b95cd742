// Package account derives a pair's balances and P&L from its fill stream.
package account

import (
	"github.com/shopspring/decimal"
	"github.com/tern-labs/gridtrader/internal/types"
)

// Accountant tracks one pair's position. It is mutated only from the pair's
// engine, one event at a time, so it needs no locking. The arithmetic runs
// through decimal so the live and backtest paths produce bit-identical
// state for identical fill sequences.
type Accountant struct {
	pos types.Position
}

func NewAccountant(initialQuoteUSD float64) *Accountant {
	return &Accountant{
		pos: types.Position{QuoteBalance: initialQuoteUSD},
	}
}

// RecordFill applies one fill to the position.
//
// Buys accumulate base and feed the running weighted average entry price.
// Sells realize P&L against the current average entry and leave the average
// unchanged for any remaining base.
func (a *Accountant) RecordFill(fill types.Fill) {
	amount := decimal.NewFromFloat(fill.Amount)
	price := decimal.NewFromFloat(fill.Price)
	fee := decimal.NewFromFloat(fill.Fee)
	base := decimal.NewFromFloat(a.pos.BaseBalance)
	quote := decimal.NewFromFloat(a.pos.QuoteBalance)
	avgEntry := decimal.NewFromFloat(a.pos.AvgEntryPrice)

	switch fill.Side {
	case types.SideBuy:
		totalCost := base.Mul(avgEntry)
		newCost := amount.Mul(price)
		base = base.Add(amount)
		quote = quote.Sub(amount.Mul(price).Add(fee))

		if base.IsPositive() {
			avgEntry = totalCost.Add(newCost).Div(base)
		}

		a.pos.AvgEntryPrice = avgEntry.InexactFloat64()
	case types.SideSell:
		profit := price.Sub(avgEntry).Mul(amount).Sub(fee)
		a.pos.RealizedPnL = decimal.NewFromFloat(a.pos.RealizedPnL).Add(profit).InexactFloat64()
		base = base.Sub(amount)
		quote = quote.Add(amount.Mul(price).Sub(fee))
	}

	a.pos.BaseBalance = base.InexactFloat64()
	a.pos.QuoteBalance = quote.InexactFloat64()
	a.pos.TotalFees = decimal.NewFromFloat(a.pos.TotalFees).Add(fee).InexactFloat64()
	a.pos.TradeCount++
}

// MarkPrice recomputes unrealized P&L against the given price.
func (a *Accountant) MarkPrice(price float64) {
	if a.pos.BaseBalance <= 0 {
		a.pos.UnrealizedPnL = 0

		return
	}

	unrealized := decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(a.pos.AvgEntryPrice)).
		Mul(decimal.NewFromFloat(a.pos.BaseBalance))
	a.pos.UnrealizedPnL = unrealized.InexactFloat64()
}

// Position returns a copy of the current position.
func (a *Accountant) Position() types.Position {
	return a.pos
}

// Restore rehydrates the accountant from persisted state at startup.
func (a *Accountant) Restore(pos types.Position) {
	a.pos = pos
}
