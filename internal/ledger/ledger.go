// Package ledger defines the persistence interface for the trade-execution
// ledger. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for instrument reference data), and in-memory (for
// testing).
//
// Every mutation of an account balance or a holding happens inside Atomic,
// a single all-or-nothing unit with serializable isolation. Transaction and
// snapshot rows are append-only and need no mutual exclusion beyond insert
// atomicity.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

var (
	// ErrConflict is the retryable signal raised when the underlying store
	// reports a serialization conflict. Callers retry the whole atomic unit
	// with fresh reads; no other error is ever retried.
	ErrConflict = errors.New("ledger: serialization conflict")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrNegativeBalance is returned by ApplyBalanceDelta when the delta
	// would take the account balance below zero. The atomic unit rolls back.
	ErrNegativeBalance = errors.New("ledger: balance would go negative")
)

// TransactionFilter narrows ListTransactionsByAccount results.
type TransactionFilter struct {
	Direction model.Direction // empty = both directions
	Limit     int             // 0 = no limit
	Offset    int
}

// Ops is the set of operations available inside one atomic unit. Reads
// participate in the same transaction as subsequent writes, so there are
// no stale reads across a read-modify-write.
type Ops interface {
	// AccountForUpdate loads an account with a locking read.
	AccountForUpdate(ctx context.Context, accountID string) (*model.Account, error)

	// PortfolioForAccount returns the account's portfolio, creating it
	// lazily on first use.
	PortfolioForAccount(ctx context.Context, accountID string) (*model.Portfolio, error)

	// HoldingForUpdate loads a holding with a locking read.
	// Returns ErrNotFound when the row is absent.
	HoldingForUpdate(ctx context.Context, portfolioID, instrumentID string) (*model.Holding, error)

	// GetInstrument reads instrument reference data within the unit.
	GetInstrument(ctx context.Context, instrumentID string) (*model.Instrument, error)

	// TransactionForUpdate loads a transaction with a locking read, so two
	// concurrent reversals of the same transaction serialize on its row.
	TransactionForUpdate(ctx context.Context, transactionID string) (*model.Transaction, error)

	// ApplyBalanceDelta adjusts the account balance and returns the balance
	// before and after. Fails with ErrNegativeBalance if the result would
	// be negative.
	ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (before, after decimal.Decimal, err error)

	// UpsertHolding writes the holding's new state. A quantity of zero
	// deletes the row.
	UpsertHolding(ctx context.Context, portfolioID, instrumentID string, quantity int64, avgCost decimal.Decimal) error

	// ListHoldings returns all holdings of a portfolio, for revaluation.
	ListHoldings(ctx context.Context, portfolioID string) ([]model.Holding, error)

	// AppendTransaction inserts an immutable transaction record.
	AppendTransaction(ctx context.Context, txn *model.Transaction) error

	// AppendSnapshot inserts an immutable portfolio valuation snapshot.
	AppendSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error

	// MarkCanceled flips a COMPLETED transaction to CANCELED and replaces
	// its metadata with the reversal-annotated copy. This is the only
	// mutation a transaction row ever sees.
	MarkCanceled(ctx context.Context, transactionID string, meta model.TradeMetadata) error
}

// Store is the persistence interface. Atomic is the only way to mutate
// balances and holdings; the remaining methods are reference-data writes
// and read-only queries used by the request layer.
type Store interface {
	// Atomic runs fn inside one serializable all-or-nothing unit. If the
	// store detects a serialization conflict it returns ErrConflict and
	// the unit has no effect.
	Atomic(ctx context.Context, fn func(ops Ops) error) error

	// --- Reference data ---

	CreateAccount(ctx context.Context, acct *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	CreateInstrument(ctx context.Context, inst *model.Instrument) error
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdateInstrumentPrice applies a price from the external market feed.
	UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error

	// --- Read-only queries ---

	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID string, f TransactionFilter) ([]model.Transaction, int, error)

	GetPortfolioByAccount(ctx context.Context, accountID string) (*model.Portfolio, error)
	ListHoldings(ctx context.Context, portfolioID string) ([]model.Holding, error)
	ListSnapshots(ctx context.Context, portfolioID string, since time.Time) ([]model.PortfolioSnapshot, error)
}
