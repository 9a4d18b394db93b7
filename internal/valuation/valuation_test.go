package valuation_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/valuation"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestWeightedAverageCost_FirstAcquisition(t *testing.T) {
	got := valuation.WeightedAverageCost(0, decimal.Zero, 10, d("50.00"))
	if !got.Equal(d("50.00")) {
		t.Errorf("first acquisition avg = %s, want 50.00", got)
	}
}

func TestWeightedAverageCost_Blend(t *testing.T) {
	// 10 @ 50 plus 10 @ 60 averages to 55.
	got := valuation.WeightedAverageCost(10, d("50.00"), 10, d("60.00"))
	if !got.Equal(d("55")) {
		t.Errorf("avg = %s, want 55", got)
	}

	// Uneven weights: 6 @ 50 plus 10 @ 60 = 900/16 = 56.25.
	got = valuation.WeightedAverageCost(6, d("50.00"), 10, d("60.00"))
	if !got.Equal(d("56.25")) {
		t.Errorf("avg = %s, want 56.25", got)
	}
}

func TestWeightedAverageCost_NonTerminatingDivision(t *testing.T) {
	// 1 @ 1 plus 2 @ 2 = 5/3, kept to 8 places.
	got := valuation.WeightedAverageCost(1, d("1"), 2, d("2"))
	if !got.Equal(d("1.66666667")) {
		t.Errorf("avg = %s, want 1.66666667", got)
	}
}

func TestRealizedPnL(t *testing.T) {
	// Sell 4 @ 60 against a 50 basis: gain 40.
	got := valuation.RealizedPnL(d("50.00"), d("60.00"), 4)
	if !got.Equal(d("40.00")) {
		t.Errorf("pnl = %s, want 40.00", got)
	}

	// Loss is negative.
	got = valuation.RealizedPnL(d("50.00"), d("45.50"), 2)
	if !got.Equal(d("-9.00")) {
		t.Errorf("pnl = %s, want -9.00", got)
	}

	// Flat sale realizes zero.
	got = valuation.RealizedPnL(d("50.00"), d("50.00"), 100)
	if !got.IsZero() {
		t.Errorf("pnl = %s, want 0", got)
	}
}

func TestPortfolioValue(t *testing.T) {
	holdings := []model.Holding{
		{InstrumentID: "a", Quantity: 10},
		{InstrumentID: "b", Quantity: 3},
	}
	prices := map[string]decimal.Decimal{
		"a": d("50.00"),
		"b": d("100.00"),
	}
	got := valuation.PortfolioValue(holdings, func(id string) (decimal.Decimal, bool) {
		p, ok := prices[id]
		return p, ok
	})
	if !got.Equal(d("800.00")) {
		t.Errorf("portfolio value = %s, want 800.00", got)
	}
}

func TestPortfolioValue_Empty(t *testing.T) {
	got := valuation.PortfolioValue(nil, func(string) (decimal.Decimal, bool) {
		return decimal.Zero, false
	})
	if !got.IsZero() {
		t.Errorf("empty portfolio value = %s, want 0", got)
	}
}
