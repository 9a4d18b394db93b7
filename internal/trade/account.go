package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
)

// Deposit credits cash to the account and returns its updated state.
func (e *Executor) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	return e.adjustCash(ctx, accountID, amount, "deposit")
}

// Withdraw debits cash from the account. Fails with ErrInsufficientFunds
// if the balance would go negative.
func (e *Executor) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	return e.adjustCash(ctx, accountID, amount.Neg(), "withdrawal")
}

func (e *Executor) adjustCash(ctx context.Context, accountID string, delta decimal.Decimal, kind string) (*model.Account, error) {
	var updated *model.Account
	err := e.withRetry(ctx, func(ops ledger.Ops) error {
		account, err := ops.AccountForUpdate(ctx, accountID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNoSuchAccount, accountID)
		}
		if err != nil {
			return err
		}

		_, after, err := ops.ApplyBalanceDelta(ctx, accountID, delta)
		if errors.Is(err, ledger.ErrNegativeBalance) {
			return fmt.Errorf("%w: required %s, available %s",
				ErrInsufficientFunds, delta.Abs(), account.Balance)
		}
		if err != nil {
			return err
		}

		account.Balance = after
		updated = account
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("cash movement applied",
		"account", accountID,
		"kind", kind,
		"amount", delta.Abs().String(),
		"balance_after", updated.Balance.String(),
	)
	return updated, nil
}

// AccountStats aggregates an account's trading history: cash flows,
// realized and unrealized profit/loss, and return on investment.
type AccountStats struct {
	AccountID        string          `json:"account_id"`
	TransactionCount int             `json:"transaction_count"`
	AcquireCount     int             `json:"acquire_count"`
	DisposeCount     int             `json:"dispose_count"`
	TotalInvested    decimal.Decimal `json:"total_invested"`
	TotalProceeds    decimal.Decimal `json:"total_proceeds"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	CurrentValue     decimal.Decimal `json:"current_value"`
	ROI              decimal.Decimal `json:"roi"` // percent, 2 decimal places
}

// Stats computes AccountStats from the completed transaction history and
// the current holdings marked to market. Canceled transactions and their
// inverse legs cancel out arithmetically, so both are skipped.
func (e *Executor) Stats(ctx context.Context, accountID string) (*AccountStats, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchAccount, accountID)
		}
		return nil, err
	}

	txns, _, err := e.store.ListTransactionsByAccount(ctx, accountID, ledger.TransactionFilter{})
	if err != nil {
		return nil, err
	}

	stats := &AccountStats{
		AccountID:     accountID,
		TotalInvested: decimal.Zero,
		TotalProceeds: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		TotalPnL:      decimal.Zero,
		CurrentValue:  decimal.Zero,
		ROI:           decimal.Zero,
	}

	for _, t := range txns {
		if t.Status != model.StatusCompleted || t.Metadata.ReversalOf != "" {
			continue
		}
		stats.TransactionCount++
		switch t.Direction {
		case model.Acquire:
			stats.AcquireCount++
			stats.TotalInvested = stats.TotalInvested.Add(t.TotalAmount)
		case model.Dispose:
			stats.DisposeCount++
			stats.TotalProceeds = stats.TotalProceeds.Add(t.TotalAmount)
			if t.Metadata.RealizedPnL != nil {
				stats.RealizedPnL = stats.RealizedPnL.Add(*t.Metadata.RealizedPnL)
			}
		}
	}

	portfolio, err := e.store.GetPortfolioByAccount(ctx, accountID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	if portfolio != nil {
		holdings, err := e.store.ListHoldings(ctx, portfolio.ID)
		if err != nil {
			return nil, err
		}
		costBasis := decimal.Zero
		for _, h := range holdings {
			qty := decimal.NewFromInt(h.Quantity)
			inst, err := e.store.GetInstrument(ctx, h.InstrumentID)
			if err != nil {
				return nil, err
			}
			stats.CurrentValue = stats.CurrentValue.Add(qty.Mul(inst.CurrentPrice))
			costBasis = costBasis.Add(qty.Mul(h.AvgCost))
		}
		stats.UnrealizedPnL = stats.CurrentValue.Sub(costBasis)
	}

	stats.TotalPnL = stats.RealizedPnL.Add(stats.UnrealizedPnL)

	// ROI relative to net capital still at work plus what was taken out.
	invested := stats.TotalInvested.Sub(stats.TotalProceeds).Add(stats.CurrentValue)
	if invested.IsPositive() {
		stats.ROI = stats.TotalPnL.Div(invested).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return stats, nil
}
