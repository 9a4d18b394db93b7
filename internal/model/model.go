// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	// Acquire increases a holding's quantity and debits cash (BUY).
	Acquire Direction = "ACQUIRE"
	// Dispose decreases a holding's quantity and credits cash (SELL).
	Dispose Direction = "DISPOSE"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Acquire || d == Dispose
}

// Inverse returns the opposite direction, used when reversing a trade.
func (d Direction) Inverse() Direction {
	if d == Acquire {
		return Dispose
	}
	return Acquire
}

// TransactionStatus is the lifecycle state of a transaction.
// The only transition is COMPLETED → CANCELED; a transaction is born
// COMPLETED because execution is synchronous and atomic.
type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusCanceled  TransactionStatus = "CANCELED"
)

// Account is a user's cash balance record. The balance is never negative
// at any committed state.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Portfolio is the 1:1 container for an account's holdings and valuation
// history. Created lazily on the account's first trade.
type Portfolio struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Holding is an account's position in one instrument. A holding whose
// quantity reaches zero is deleted, never persisted with quantity 0.
// AvgCost is recomputed only on acquisition; disposal leaves it unchanged
// so realized gain/loss stays relative to the original cost basis.
type Holding struct {
	ID           string          `json:"id" db:"id"`
	PortfolioID  string          `json:"portfolio_id" db:"portfolio_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost" db:"avg_cost"`
}

// Instrument is external reference data: a tradable asset with a current
// market price. The ledger reads prices but never computes them.
type Instrument struct {
	ID           string          `json:"id" db:"id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Name         string          `json:"name" db:"name"`
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// ReversalInfo records the reversal of a completed transaction. Attached
// to the original transaction's metadata when its status flips to CANCELED.
type ReversalInfo struct {
	ReversedAt time.Time `json:"reversed_at"`
	Reason     string    `json:"reason,omitempty"`
	// ReversedBy is the ID of the inverse transaction that undid this one.
	ReversedBy string `json:"reversed_by"`
}

// TradeMetadata is the structured per-transaction payload. Fields are
// populated by kind: MarketPrice on every trade, RealizedPnL only on
// disposal, ReversalOf only on synthesized inverse trades, Reversal only
// once the transaction itself has been reversed.
type TradeMetadata struct {
	MarketPrice decimal.Decimal `json:"market_price"`
	// AvgCost is the cost basis the trade settled against, recorded on
	// disposal so a later reversal can restore a fully sold-out position.
	AvgCost     *decimal.Decimal `json:"avg_cost,omitempty"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
	ReversalOf  string           `json:"reversal_of,omitempty"`
	Reversal    *ReversalInfo    `json:"reversal,omitempty"`
}

// Transaction is an immutable record of a completed trade. After creation
// only Status (and the reversal metadata documenting the flip) may change,
// and only COMPLETED → CANCELED.
type Transaction struct {
	ID            string            `json:"id" db:"id"`
	AccountID     string            `json:"account_id" db:"account_id"`
	InstrumentID  string            `json:"instrument_id" db:"instrument_id"`
	Direction     Direction         `json:"direction" db:"direction"`
	Quantity      int64             `json:"quantity" db:"quantity"`
	Price         decimal.Decimal   `json:"price" db:"price"`
	TotalAmount   decimal.Decimal   `json:"total_amount" db:"total_amount"`
	BalanceBefore decimal.Decimal   `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after" db:"balance_after"`
	Status        TransactionStatus `json:"status" db:"status"`
	Metadata      TradeMetadata     `json:"metadata" db:"metadata"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// PortfolioSnapshot is a point-in-time total valuation, appended after
// every completed or reversed trade. Append-only, never mutated.
type PortfolioSnapshot struct {
	ID          string          `json:"id" db:"id"`
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	TotalValue  decimal.Decimal `json:"total_value" db:"total_value"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}
