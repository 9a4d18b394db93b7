// Package trade implements the trade executor and reversal coordinator:
// applying a buy or sell against the ledger as one atomic serializable
// unit, and cancelling a recent trade by applying its exact inverse.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/valuation"
)

const (
	defaultCancelWindow = 24 * time.Hour
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 25 * time.Millisecond
)

// ExecutorConfig tunes the executor. Zero values pick the defaults.
type ExecutorConfig struct {
	// CancelWindow bounds how long after creation a transaction stays
	// cancelable.
	CancelWindow time.Duration
	// MaxAttempts bounds the retry loop on store serialization conflicts.
	MaxAttempts int
	// RetryBackoff is the first retry delay, doubled on each attempt.
	RetryBackoff time.Duration
}

// Executor applies trades and reversals against the ledger store. It holds
// no mutable state of its own; all coordination is delegated to the
// store's transaction boundary, so concurrent use is safe.
type Executor struct {
	store        ledger.Store
	cancelWindow time.Duration
	maxAttempts  int
	retryBackoff time.Duration
	now          func() time.Time
}

// NewExecutor creates an executor bound to a ledger store.
func NewExecutor(st ledger.Store, cfg ExecutorConfig) *Executor {
	if cfg.CancelWindow <= 0 {
		cfg.CancelWindow = defaultCancelWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return &Executor{
		store:        st,
		cancelWindow: cfg.CancelWindow,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		now:          time.Now,
	}
}

// Execute applies a trade as one atomic unit and returns the completed
// transaction record. Preconditions: quantity > 0, price > 0, direction
// valid, instrument exists.
func (e *Executor) Execute(ctx context.Context, accountID, instrumentID string, direction model.Direction, quantity int64, price decimal.Decimal) (*model.Transaction, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("direction must be %s or %s", model.Acquire, model.Dispose)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("price must be positive, got %s", price)
	}

	start := e.now()
	var txn *model.Transaction
	err := e.withRetry(ctx, func(ops ledger.Ops) error {
		var err error
		txn, err = e.applyTrade(ctx, ops, tradeLeg{
			accountID:    accountID,
			instrumentID: instrumentID,
			direction:    direction,
			quantity:     quantity,
			price:        price,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(direction)).Inc()
	metrics.TradeLatency.WithLabelValues(string(direction)).Observe(e.now().Sub(start).Seconds())

	slog.Info("trade executed",
		"transaction_id", txn.ID,
		"account", accountID,
		"instrument", instrumentID,
		"direction", direction,
		"quantity", quantity,
		"price", price.String(),
		"balance_after", txn.BalanceAfter.String(),
	)
	return txn, nil
}

// Cancel reverses a completed transaction by applying its inverse at the
// original quantity and price, then flips the original's status to
// CANCELED — all inside one atomic unit. The original price is reused
// deliberately, even if the market has moved, because that is what makes
// the balance restoration exact.
func (e *Executor) Cancel(ctx context.Context, transactionID, reason string) (*model.Transaction, error) {
	var canceled *model.Transaction
	err := e.withRetry(ctx, func(ops ledger.Ops) error {
		orig, err := ops.TransactionForUpdate(ctx, transactionID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNoSuchTransaction, transactionID)
		}
		if err != nil {
			return err
		}

		if orig.Status != model.StatusCompleted {
			return fmt.Errorf("%w: transaction %s is already %s", ErrNotCancelable, orig.ID, orig.Status)
		}
		if age := e.now().Sub(orig.CreatedAt); age > e.cancelWindow {
			return fmt.Errorf("%w: transaction %s is %s old, window is %s",
				ErrNotCancelable, orig.ID, age.Round(time.Second), e.cancelWindow)
		}

		// A reversal of a disposal may need to recreate a fully sold-out
		// holding; restore the cost basis the disposal settled against.
		var restoreAvg *decimal.Decimal
		if orig.Direction == model.Dispose {
			restoreAvg = orig.Metadata.AvgCost
		}

		inverse, err := e.applyTrade(ctx, ops, tradeLeg{
			accountID:    orig.AccountID,
			instrumentID: orig.InstrumentID,
			direction:    orig.Direction.Inverse(),
			quantity:     orig.Quantity,
			price:        orig.Price,
			reversalOf:   orig.ID,
			restoreAvg:   restoreAvg,
		})
		if err != nil {
			// Any invariant the inverse would break fails the whole
			// cancellation with no state changes.
			if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInsufficientShares) || errors.Is(err, ErrNoSuchHolding) {
				return fmt.Errorf("%w: %v", ErrReversalInvariantViolation, err)
			}
			return err
		}

		meta := orig.Metadata
		meta.Reversal = &model.ReversalInfo{
			ReversedAt: e.now().UTC(),
			Reason:     reason,
			ReversedBy: inverse.ID,
		}
		if err := ops.MarkCanceled(ctx, orig.ID, meta); err != nil {
			return err
		}

		orig.Status = model.StatusCanceled
		orig.Metadata = meta
		canceled = orig
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ReversalsTotal.Inc()
	slog.Info("trade reversed",
		"transaction_id", canceled.ID,
		"reversed_by", canceled.Metadata.Reversal.ReversedBy,
		"reason", reason,
	)
	return canceled, nil
}

// tradeLeg carries one application of the holding-update logic. Reversals
// set reversalOf and reuse the original quantity and price.
type tradeLeg struct {
	accountID    string
	instrumentID string
	direction    model.Direction
	quantity     int64
	price        decimal.Decimal
	reversalOf   string
	// restoreAvg, when set on an acquiring reversal leg, re-establishes
	// the pre-disposal cost basis instead of recomputing a weighted
	// average — a reversal restores state, it does not re-price it.
	restoreAvg *decimal.Decimal
}

// applyTrade runs one read-modify-write sequence against an open atomic
// unit: locking reads, precondition checks, balance delta, holding upsert,
// transaction append, and valuation snapshot.
func (e *Executor) applyTrade(ctx context.Context, ops ledger.Ops, leg tradeLeg) (*model.Transaction, error) {
	account, err := ops.AccountForUpdate(ctx, leg.accountID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchAccount, leg.accountID)
	}
	if err != nil {
		return nil, err
	}

	instrument, err := ops.GetInstrument(ctx, leg.instrumentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchInstrument, leg.instrumentID)
	}
	if err != nil {
		return nil, err
	}

	portfolio, err := ops.PortfolioForAccount(ctx, leg.accountID)
	if err != nil {
		return nil, err
	}

	holding, err := ops.HoldingForUpdate(ctx, portfolio.ID, leg.instrumentID)
	holdingAbsent := errors.Is(err, ledger.ErrNotFound)
	if err != nil && !holdingAbsent {
		return nil, err
	}

	totalAmount := leg.price.Mul(decimal.NewFromInt(leg.quantity))
	meta := model.TradeMetadata{
		MarketPrice: instrument.CurrentPrice,
		ReversalOf:  leg.reversalOf,
	}

	var newQty int64
	var newAvg decimal.Decimal
	var balanceDelta decimal.Decimal

	switch leg.direction {
	case model.Acquire:
		if account.Balance.LessThan(totalAmount) {
			return nil, fmt.Errorf("%w: required %s, available %s",
				ErrInsufficientFunds, totalAmount, account.Balance)
		}
		var oldQty int64
		oldAvg := decimal.Zero
		if !holdingAbsent {
			oldQty = holding.Quantity
			oldAvg = holding.AvgCost
		}
		newQty = oldQty + leg.quantity
		if leg.restoreAvg != nil && holdingAbsent {
			newAvg = *leg.restoreAvg
		} else if leg.restoreAvg != nil {
			newAvg = holding.AvgCost
		} else {
			newAvg = valuation.WeightedAverageCost(oldQty, oldAvg, leg.quantity, leg.price)
		}
		balanceDelta = totalAmount.Neg()

	case model.Dispose:
		if holdingAbsent {
			return nil, fmt.Errorf("%w: account %s holds no %s",
				ErrNoSuchHolding, leg.accountID, instrument.Symbol)
		}
		if holding.Quantity < leg.quantity {
			return nil, fmt.Errorf("%w: requested %d, held %d",
				ErrInsufficientShares, leg.quantity, holding.Quantity)
		}
		newQty = holding.Quantity - leg.quantity
		newAvg = holding.AvgCost // disposal never resets the cost basis
		pnl := valuation.RealizedPnL(holding.AvgCost, leg.price, leg.quantity)
		avgCost := holding.AvgCost
		meta.RealizedPnL = &pnl
		meta.AvgCost = &avgCost
		balanceDelta = totalAmount
	}

	balanceBefore, balanceAfter, err := ops.ApplyBalanceDelta(ctx, leg.accountID, balanceDelta)
	if errors.Is(err, ledger.ErrNegativeBalance) {
		return nil, fmt.Errorf("%w: required %s, available %s",
			ErrInsufficientFunds, totalAmount, account.Balance)
	}
	if err != nil {
		return nil, err
	}

	if err := ops.UpsertHolding(ctx, portfolio.ID, leg.instrumentID, newQty, newAvg); err != nil {
		return nil, err
	}

	txn := &model.Transaction{
		ID:            uuid.New().String(),
		AccountID:     leg.accountID,
		InstrumentID:  leg.instrumentID,
		Direction:     leg.direction,
		Quantity:      leg.quantity,
		Price:         leg.price,
		TotalAmount:   totalAmount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Status:        model.StatusCompleted,
		Metadata:      meta,
		CreatedAt:     e.now().UTC(),
	}
	if err := ops.AppendTransaction(ctx, txn); err != nil {
		return nil, err
	}

	if err := e.appendSnapshot(ctx, ops, portfolio.ID); err != nil {
		return nil, err
	}
	return txn, nil
}

// appendSnapshot revalues the whole portfolio at current prices and
// appends the result.
func (e *Executor) appendSnapshot(ctx context.Context, ops ledger.Ops, portfolioID string) error {
	holdings, err := ops.ListHoldings(ctx, portfolioID)
	if err != nil {
		return err
	}

	prices := make(map[string]decimal.Decimal, len(holdings))
	for _, h := range holdings {
		inst, err := ops.GetInstrument(ctx, h.InstrumentID)
		if err != nil {
			return fmt.Errorf("price lookup for %s: %w", h.InstrumentID, err)
		}
		prices[h.InstrumentID] = inst.CurrentPrice
	}

	total := valuation.PortfolioValue(holdings, func(id string) (decimal.Decimal, bool) {
		p, ok := prices[id]
		return p, ok
	})

	return ops.AppendSnapshot(ctx, &model.PortfolioSnapshot{
		ID:          uuid.New().String(),
		PortfolioID: portfolioID,
		TotalValue:  total,
		Timestamp:   e.now().UTC(),
	})
}

// withRetry runs the atomic unit, retrying only on the store's retryable
// conflict signal. Each attempt re-reads all state from scratch — values
// are never reused across attempts. Backoff doubles per attempt.
func (e *Executor) withRetry(ctx context.Context, fn func(ops ledger.Ops) error) error {
	backoff := e.retryBackoff
	for attempt := 1; ; attempt++ {
		err := e.store.Atomic(ctx, fn)
		if err == nil || !errors.Is(err, ledger.ErrConflict) {
			return err
		}
		if attempt >= e.maxAttempts {
			return fmt.Errorf("%w: %d attempts", ErrTransactionConflict, attempt)
		}

		metrics.ConflictRetries.Inc()
		slog.Warn("serialization conflict, retrying", "attempt", attempt, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}
