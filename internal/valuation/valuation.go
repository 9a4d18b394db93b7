// Package valuation implements the pure valuation math for the ledger:
// weighted average cost basis, realized profit/loss, and total portfolio
// value. It is stateless and side-effect free; inputs are pre-validated
// by callers.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Fixed-point arithmetic keeps the cost basis exact across arbitrarily
// long trade sequences.
package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// CostScale is the number of decimal places kept when the average cost
// division does not terminate.
const CostScale int32 = 8

// WeightedAverageCost returns the new average cost basis after acquiring
// tradeQty shares at tradePrice on top of oldQty shares carried at oldAvg:
//
//	(oldAvg*oldQty + tradePrice*tradeQty) / (oldQty + tradeQty)
//
// Defined only when oldQty+tradeQty > 0. Disposals never call this — the
// average cost is left unchanged on a sell.
func WeightedAverageCost(oldQty int64, oldAvg decimal.Decimal, tradeQty int64, tradePrice decimal.Decimal) decimal.Decimal {
	oldValue := oldAvg.Mul(decimal.NewFromInt(oldQty))
	tradeValue := tradePrice.Mul(decimal.NewFromInt(tradeQty))
	totalQty := decimal.NewFromInt(oldQty + tradeQty)
	return oldValue.Add(tradeValue).DivRound(totalQty, CostScale)
}

// RealizedPnL returns the profit or loss realized by disposing tradeQty
// shares at tradePrice against an avgCost basis:
//
//	(tradePrice - avgCost) * tradeQty
func RealizedPnL(avgCost, tradePrice decimal.Decimal, tradeQty int64) decimal.Decimal {
	return tradePrice.Sub(avgCost).Mul(decimal.NewFromInt(tradeQty))
}

// PortfolioValue returns the total market value of a set of holdings,
// Σ quantity × currentPrice. Holdings whose instrument is missing from
// the price lookup contribute nothing; the ledger never persists a
// holding without its instrument, so a miss only occurs in tests.
func PortfolioValue(holdings []model.Holding, priceOf func(instrumentID string) (decimal.Decimal, bool)) decimal.Decimal {
	total := decimal.Zero
	for _, h := range holdings {
		price, ok := priceOf(h.InstrumentID)
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(h.Quantity)))
	}
	return total
}
