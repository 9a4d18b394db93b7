package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// newTestEnv creates an executor and service over the in-memory store.
func newTestEnv(t *testing.T) (*trade.Executor, *ledger.MemoryStore, chi.Router) {
	t.Helper()
	ms := ledger.NewMemoryStore()
	exec := trade.NewExecutor(ms, trade.ExecutorConfig{
		RetryBackoff: time.Millisecond, // keep retry tests fast
	})
	svc := trade.NewService(ms, exec, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return exec, ms, r
}

func seedAccount(t *testing.T, ms *ledger.MemoryStore, id, balance string) {
	t.Helper()
	err := ms.CreateAccount(context.Background(), &model.Account{
		ID:        id,
		Balance:   d(balance),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func seedInstrument(t *testing.T, ms *ledger.MemoryStore, id, symbol, price string) {
	t.Helper()
	err := ms.CreateInstrument(context.Background(), &model.Instrument{
		ID:           id,
		Symbol:       symbol,
		Name:         symbol + " Inc.",
		CurrentPrice: d(price),
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
}

func mustBalance(t *testing.T, ms *ledger.MemoryStore, accountID, want string) {
	t.Helper()
	acct, err := ms.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acct.Balance.Equal(d(want)) {
		t.Errorf("balance = %s, want %s", acct.Balance, want)
	}
}

// mustHolding asserts the account's position in instrumentID. want nil
// asserts the holding row is absent.
func mustHolding(t *testing.T, ms *ledger.MemoryStore, accountID, instrumentID string, wantQty int64, wantAvg string) {
	t.Helper()
	p, err := ms.GetPortfolioByAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get portfolio: %v", err)
	}
	holdings, err := ms.ListHoldings(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("list holdings: %v", err)
	}
	for _, h := range holdings {
		if h.InstrumentID != instrumentID {
			continue
		}
		if wantQty == 0 {
			t.Errorf("holding should be absent, found qty=%d", h.Quantity)
			return
		}
		if h.Quantity != wantQty {
			t.Errorf("holding quantity = %d, want %d", h.Quantity, wantQty)
		}
		if !h.AvgCost.Equal(d(wantAvg)) {
			t.Errorf("holding avg cost = %s, want %s", h.AvgCost, wantAvg)
		}
		return
	}
	if wantQty != 0 {
		t.Errorf("holding for %s not found", instrumentID)
	}
}

// --- Executor: trade lifecycle ---

func TestExecute_BuySellCancel(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	// Buy 10 @ 50: cash down to 500, basis 50.
	buy, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 10, d("50.00"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !buy.TotalAmount.Equal(d("500.00")) {
		t.Errorf("total = %s, want 500.00", buy.TotalAmount)
	}
	if !buy.BalanceBefore.Equal(d("1000.00")) || !buy.BalanceAfter.Equal(d("500.00")) {
		t.Errorf("balances = %s/%s, want 1000.00/500.00", buy.BalanceBefore, buy.BalanceAfter)
	}
	mustBalance(t, ms, "acct1", "500.00")
	mustHolding(t, ms, "acct1", "inst1", 10, "50.00")

	// Sell 4 @ 60: cash up to 740, quantity 6, basis unchanged, PnL 40.
	sell, err := exec.Execute(ctx, "acct1", "inst1", model.Dispose, 4, d("60.00"))
	if err != nil {
		t.Fatalf("dispose failed: %v", err)
	}
	mustBalance(t, ms, "acct1", "740.00")
	mustHolding(t, ms, "acct1", "inst1", 6, "50.00")
	if sell.Metadata.RealizedPnL == nil || !sell.Metadata.RealizedPnL.Equal(d("40.00")) {
		t.Errorf("realized pnl = %v, want 40.00", sell.Metadata.RealizedPnL)
	}

	// Cancel the sell: everything returns to the post-buy state.
	canceled, err := exec.Cancel(ctx, sell.ID, "fat finger")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if canceled.Status != model.StatusCanceled {
		t.Errorf("status = %s, want CANCELED", canceled.Status)
	}
	if canceled.Metadata.Reversal == nil || canceled.Metadata.Reversal.ReversedBy == "" {
		t.Error("reversal metadata missing")
	}
	mustBalance(t, ms, "acct1", "500.00")
	mustHolding(t, ms, "acct1", "inst1", 10, "50.00")

	// The inverse leg is a new transaction linked back to the original.
	inverse, err := ms.GetTransaction(ctx, canceled.Metadata.Reversal.ReversedBy)
	if err != nil {
		t.Fatalf("inverse leg not persisted: %v", err)
	}
	if inverse.Direction != model.Acquire {
		t.Errorf("inverse direction = %s, want ACQUIRE", inverse.Direction)
	}
	if inverse.Metadata.ReversalOf != sell.ID {
		t.Errorf("inverse reversal_of = %s, want %s", inverse.Metadata.ReversalOf, sell.ID)
	}
	if !inverse.Price.Equal(sell.Price) {
		t.Errorf("inverse price = %s, want original %s", inverse.Price, sell.Price)
	}
}

func TestExecute_WeightedAverageAcrossBuys(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "10000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	if _, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 10, d("50.00")); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 10, d("60.00")); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	mustHolding(t, ms, "acct1", "inst1", 20, "55")

	// Selling does not move the basis.
	if _, err := exec.Execute(ctx, "acct1", "inst1", model.Dispose, 5, d("70.00")); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	mustHolding(t, ms, "acct1", "inst1", 15, "55")
}

func TestExecute_InsufficientFunds(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "100.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	_, err := exec.Execute(context.Background(), "acct1", "inst1", model.Acquire, 3, d("50.00"))
	if !errors.Is(err, trade.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Rejected trade leaves nothing behind.
	mustBalance(t, ms, "acct1", "100.00")
	txns, _, _ := ms.ListTransactionsByAccount(context.Background(), "acct1", ledger.TransactionFilter{})
	if len(txns) != 0 {
		t.Errorf("rejected trade recorded %d transactions", len(txns))
	}
}

func TestExecute_InsufficientShares(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	if _, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 5, d("50.00")); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := exec.Execute(ctx, "acct1", "inst1", model.Dispose, 6, d("50.00"))
	if !errors.Is(err, trade.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	mustHolding(t, ms, "acct1", "inst1", 5, "50.00")
}

func TestExecute_NoHolding(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	_, err := exec.Execute(context.Background(), "acct1", "inst1", model.Dispose, 1, d("50.00"))
	if !errors.Is(err, trade.ErrNoSuchHolding) {
		t.Fatalf("expected ErrNoSuchHolding, got %v", err)
	}
}

func TestExecute_UnknownAccountAndInstrument(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	if _, err := exec.Execute(ctx, "ghost", "inst1", model.Acquire, 1, d("50.00")); !errors.Is(err, trade.ErrNoSuchAccount) {
		t.Errorf("expected ErrNoSuchAccount, got %v", err)
	}
	if _, err := exec.Execute(ctx, "acct1", "ghost", model.Acquire, 1, d("50.00")); !errors.Is(err, trade.ErrNoSuchInstrument) {
		t.Errorf("expected ErrNoSuchInstrument, got %v", err)
	}
}

func TestExecute_SellAllDeletesHolding(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	if _, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 10, d("50.00")); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sell, err := exec.Execute(ctx, "acct1", "inst1", model.Dispose, 10, d("55.00"))
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}
	mustHolding(t, ms, "acct1", "inst1", 0, "")

	// Cancelling the sell-out recreates the holding at the original basis,
	// not at the sale price.
	if _, err := exec.Cancel(ctx, sell.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	mustHolding(t, ms, "acct1", "inst1", 10, "50.00")
	mustBalance(t, ms, "acct1", "500.00")
}

func TestCancel_AcquireReversal(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	buy, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 10, d("50.00"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := exec.Cancel(ctx, buy.ID, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	mustBalance(t, ms, "acct1", "1000.00")
	mustHolding(t, ms, "acct1", "inst1", 0, "")
}

func TestCancel_AlreadyCanceled(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	buy, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 2, d("50.00"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := exec.Cancel(ctx, buy.ID, ""); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	_, err = exec.Cancel(ctx, buy.ID, "")
	if !errors.Is(err, trade.ErrNotCancelable) {
		t.Fatalf("second cancel should fail with ErrNotCancelable, got %v", err)
	}
}

func TestCancel_WindowExpired(t *testing.T) {
	ms := ledger.NewMemoryStore()
	exec := trade.NewExecutor(ms, trade.ExecutorConfig{
		CancelWindow: time.Millisecond,
		RetryBackoff: time.Millisecond,
	})
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	buy, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 2, d("50.00"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err = exec.Cancel(ctx, buy.ID, "")
	if !errors.Is(err, trade.ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable after window, got %v", err)
	}
	// The expired cancel must not have touched state.
	mustBalance(t, ms, "acct1", "900.00")
	mustHolding(t, ms, "acct1", "inst1", 2, "50.00")
}

func TestCancel_UnknownTransaction(t *testing.T) {
	exec, _, _ := newTestEnv(t)
	_, err := exec.Cancel(context.Background(), "ghost", "")
	if !errors.Is(err, trade.ErrNoSuchTransaction) {
		t.Fatalf("expected ErrNoSuchTransaction, got %v", err)
	}
}

func TestCancel_ReversalInvariantViolation(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	sellAll := func() *model.Transaction {
		t.Helper()
		if _, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 10, d("50.00")); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		sell, err := exec.Execute(ctx, "acct1", "inst1", model.Dispose, 10, d("50.00"))
		if err != nil {
			t.Fatalf("dispose: %v", err)
		}
		return sell
	}
	sell := sellAll()

	// Drain the cash so the inverse ACQUIRE cannot be funded.
	if _, err := exec.Withdraw(ctx, "acct1", d("999.00")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	_, err := exec.Cancel(ctx, sell.ID, "")
	if !errors.Is(err, trade.ErrReversalInvariantViolation) {
		t.Fatalf("expected ErrReversalInvariantViolation, got %v", err)
	}

	// Failed cancellation leaves the original COMPLETED and state intact.
	orig, _ := ms.GetTransaction(ctx, sell.ID)
	if orig.Status != model.StatusCompleted {
		t.Errorf("original status = %s, want COMPLETED", orig.Status)
	}
	mustBalance(t, ms, "acct1", "1.00")
}

// --- Executor: retry loop ---

func TestExecute_RetriesOnConflict(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	// Two conflicts, then success on the third attempt.
	ms.InjectConflicts(2)
	txn, err := exec.Execute(context.Background(), "acct1", "inst1", model.Acquire, 1, d("50.00"))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if !txn.BalanceAfter.Equal(d("950.00")) {
		t.Errorf("balance after = %s, want 950.00", txn.BalanceAfter)
	}
}

func TestExecute_ConflictRetriesExhausted(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	ms.InjectConflicts(3)
	_, err := exec.Execute(context.Background(), "acct1", "inst1", model.Acquire, 1, d("50.00"))
	if !errors.Is(err, trade.ErrTransactionConflict) {
		t.Fatalf("expected ErrTransactionConflict, got %v", err)
	}
	mustBalance(t, ms, "acct1", "1000.00")
}

func TestExecute_ConcurrentAcquires(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = exec.Execute(context.Background(), "acct1", "inst1", model.Acquire, 1, d("50.00"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent acquire %d failed: %v", i, err)
		}
	}
	mustBalance(t, ms, "acct1", "900.00")
	mustHolding(t, ms, "acct1", "inst1", 2, "50.00")
}

// --- Executor: cash movements and stats ---

func TestDepositWithdraw(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "100.00")
	ctx := context.Background()

	acct, err := exec.Deposit(ctx, "acct1", d("250.00"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !acct.Balance.Equal(d("350.00")) {
		t.Errorf("balance after deposit = %s, want 350.00", acct.Balance)
	}

	acct, err = exec.Withdraw(ctx, "acct1", d("300.00"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !acct.Balance.Equal(d("50.00")) {
		t.Errorf("balance after withdrawal = %s, want 50.00", acct.Balance)
	}

	if _, err := exec.Withdraw(ctx, "acct1", d("50.01")); !errors.Is(err, trade.ErrInsufficientFunds) {
		t.Errorf("overdraw should fail with ErrInsufficientFunds, got %v", err)
	}
	if _, err := exec.Deposit(ctx, "acct1", d("-5")); err == nil {
		t.Error("negative deposit should be rejected")
	}
	mustBalance(t, ms, "acct1", "50.00")
}

func TestStats(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "60.00")
	ctx := context.Background()

	if _, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 10, d("50.00")); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := exec.Execute(ctx, "acct1", "inst1", model.Dispose, 4, d("60.00")); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	stats, err := exec.Stats(ctx, "acct1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TransactionCount != 2 || stats.AcquireCount != 1 || stats.DisposeCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 2/1/1", stats.TransactionCount, stats.AcquireCount, stats.DisposeCount)
	}
	if !stats.TotalInvested.Equal(d("500.00")) {
		t.Errorf("invested = %s, want 500.00", stats.TotalInvested)
	}
	if !stats.TotalProceeds.Equal(d("240.00")) {
		t.Errorf("proceeds = %s, want 240.00", stats.TotalProceeds)
	}
	if !stats.RealizedPnL.Equal(d("40.00")) {
		t.Errorf("realized pnl = %s, want 40.00", stats.RealizedPnL)
	}
	// 6 shares at market 60 against a 50 basis.
	if !stats.UnrealizedPnL.Equal(d("60.00")) {
		t.Errorf("unrealized pnl = %s, want 60.00", stats.UnrealizedPnL)
	}
	if !stats.CurrentValue.Equal(d("360.00")) {
		t.Errorf("current value = %s, want 360.00", stats.CurrentValue)
	}
	if !stats.TotalPnL.Equal(d("100.00")) {
		t.Errorf("total pnl = %s, want 100.00", stats.TotalPnL)
	}
}

func TestStats_SkipsCanceledAndInverseLegs(t *testing.T) {
	exec, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")
	ctx := context.Background()

	buy, err := exec.Execute(ctx, "acct1", "inst1", model.Acquire, 10, d("50.00"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := exec.Cancel(ctx, buy.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stats, err := exec.Stats(ctx, "acct1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TransactionCount != 0 {
		t.Errorf("canceled pair should not count, got %d", stats.TransactionCount)
	}
	if !stats.TotalInvested.IsZero() || !stats.RealizedPnL.IsZero() {
		t.Errorf("canceled pair leaked into totals: invested=%s pnl=%s", stats.TotalInvested, stats.RealizedPnL)
	}
}

// --- HTTP layer ---

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHTTP_AccountLifecycle(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/accounts", trade.CreateAccountRequest{OpeningBalance: d("1000.00")})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.ID == "" {
		t.Fatal("expected non-empty account id")
	}

	w = doJSON(t, router, "POST", "/api/v1/accounts/"+acct.ID+"/deposit", trade.CashRequest{Amount: d("500.00")})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/accounts/"+acct.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get account: expected 200, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.Balance.Equal(d("1500.00")) {
		t.Errorf("balance = %s, want 1500.00", acct.Balance)
	}

	w = doJSON(t, router, "POST", "/api/v1/accounts/"+acct.ID+"/withdraw", trade.CashRequest{Amount: d("2000.00")})
	if w.Code != http.StatusConflict {
		t.Errorf("overdraw: expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHTTP_TradeAtMarketPrice(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	// No price in the request: the current market price is used.
	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		AccountID:    "acct1",
		InstrumentID: "inst1",
		Direction:    model.Acquire,
		Quantity:     10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var txn model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txn)
	if !txn.Price.Equal(d("50.00")) {
		t.Errorf("price = %s, want market price 50.00", txn.Price)
	}
	mustBalance(t, ms, "acct1", "500.00")
}

func TestHTTP_TradeValidation(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	cases := []struct {
		name string
		req  trade.TradeRequest
		want int
	}{
		{"bad direction", trade.TradeRequest{AccountID: "acct1", InstrumentID: "inst1", Direction: "HOLD", Quantity: 1}, http.StatusBadRequest},
		{"zero quantity", trade.TradeRequest{AccountID: "acct1", InstrumentID: "inst1", Direction: model.Acquire, Quantity: 0}, http.StatusBadRequest},
		{"negative quantity", trade.TradeRequest{AccountID: "acct1", InstrumentID: "inst1", Direction: model.Acquire, Quantity: -5}, http.StatusBadRequest},
		{"missing account", trade.TradeRequest{InstrumentID: "inst1", Direction: model.Acquire, Quantity: 1}, http.StatusBadRequest},
		{"unknown instrument", trade.TradeRequest{AccountID: "acct1", InstrumentID: "ghost", Direction: model.Acquire, Quantity: 1}, http.StatusNotFound},
		{"insufficient funds", trade.TradeRequest{AccountID: "acct1", InstrumentID: "inst1", Direction: model.Acquire, Quantity: 100, Price: d("50.00")}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/trade", tc.req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHTTP_CancelTrade(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		AccountID: "acct1", InstrumentID: "inst1", Direction: model.Acquire, Quantity: 10, Price: d("50.00"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("trade: expected 201, got %d", w.Code)
	}
	var txn model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txn)

	w = doJSON(t, router, "POST", "/api/v1/cancel", trade.CancelRequest{TransactionID: txn.ID, Reason: "test"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var canceled model.Transaction
	json.Unmarshal(w.Body.Bytes(), &canceled)
	if canceled.Status != model.StatusCanceled {
		t.Errorf("status = %s, want CANCELED", canceled.Status)
	}
	mustBalance(t, ms, "acct1", "1000.00")

	// Cancelling again conflicts.
	w = doJSON(t, router, "POST", "/api/v1/cancel", trade.CancelRequest{TransactionID: txn.ID})
	if w.Code != http.StatusConflict {
		t.Errorf("double cancel: expected 409, got %d", w.Code)
	}

	// Unknown transaction is a 404.
	w = doJSON(t, router, "POST", "/api/v1/cancel", trade.CancelRequest{TransactionID: "ghost"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown txn: expected 404, got %d", w.Code)
	}
}

func TestHTTP_PortfolioView(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	// Empty portfolio before any trade.
	w := doJSON(t, router, "GET", "/api/v1/accounts/acct1/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp trade.PortfolioResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Holdings) != 0 || !resp.TotalValue.IsZero() {
		t.Errorf("fresh portfolio should be empty, got %+v", resp)
	}

	doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		AccountID: "acct1", InstrumentID: "inst1", Direction: model.Acquire, Quantity: 10, Price: d("40.00"),
	})

	// Market moves up; the view marks to market.
	if err := ms.UpdateInstrumentPrice(context.Background(), "inst1", d("55.00")); err != nil {
		t.Fatalf("price update: %v", err)
	}

	w = doJSON(t, router, "GET", "/api/v1/accounts/acct1/portfolio", nil)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Holdings) != 1 {
		t.Fatalf("holdings = %d, want 1", len(resp.Holdings))
	}
	h := resp.Holdings[0]
	if h.Quantity != 10 || !h.AvgCost.Equal(d("40.00")) {
		t.Errorf("holding = qty %d avg %s, want 10/40.00", h.Quantity, h.AvgCost)
	}
	if !h.MarketValue.Equal(d("550.00")) {
		t.Errorf("market value = %s, want 550.00", h.MarketValue)
	}
	if !h.UnrealizedPnL.Equal(d("150.00")) {
		t.Errorf("unrealized pnl = %s, want 150.00", h.UnrealizedPnL)
	}
	if !resp.TotalValue.Equal(d("550.00")) {
		t.Errorf("total value = %s, want 550.00", resp.TotalValue)
	}
}

func TestHTTP_TransactionListing(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "acct1", "10000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	for i := 0; i < 3; i++ {
		w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
			AccountID: "acct1", InstrumentID: "inst1", Direction: model.Acquire, Quantity: 1, Price: d("50.00"),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("trade %d: got %d", i, w.Code)
		}
	}
	doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		AccountID: "acct1", InstrumentID: "inst1", Direction: model.Dispose, Quantity: 2, Price: d("55.00"),
	})

	w := doJSON(t, router, "GET", "/api/v1/accounts/acct1/transactions?direction=ACQUIRE&limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp trade.TransactionsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 3 {
		t.Errorf("total = %d, want 3", resp.Total)
	}
	if len(resp.Transactions) != 2 {
		t.Errorf("page size = %d, want 2", len(resp.Transactions))
	}
	for _, txn := range resp.Transactions {
		if txn.Direction != model.Acquire {
			t.Errorf("filter leaked a %s transaction", txn.Direction)
		}
	}
}

func TestHTTP_InstrumentFeed(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/instruments", trade.CreateInstrumentRequest{
		Symbol: "ACME", Name: "Acme Corp", Price: d("99.50"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create instrument: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var inst model.Instrument
	json.Unmarshal(w.Body.Bytes(), &inst)

	w = doJSON(t, router, "PUT", "/api/v1/instruments/"+inst.ID+"/price", trade.PriceRequest{Price: d("101.25")})
	if w.Code != http.StatusOK {
		t.Fatalf("price update: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &inst)
	if !inst.CurrentPrice.Equal(d("101.25")) {
		t.Errorf("price = %s, want 101.25", inst.CurrentPrice)
	}

	w = doJSON(t, router, "PUT", "/api/v1/instruments/ghost/price", trade.PriceRequest{Price: d("1")})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown instrument: expected 404, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/instruments", trade.CreateInstrumentRequest{Symbol: "", Price: d("1")})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing symbol: expected 400, got %d", w.Code)
	}
}

func TestHTTP_PortfolioHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "acct1", "1000.00")
	seedInstrument(t, ms, "inst1", "ACME", "50.00")

	doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		AccountID: "acct1", InstrumentID: "inst1", Direction: model.Acquire, Quantity: 4, Price: d("50.00"),
	})
	doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		AccountID: "acct1", InstrumentID: "inst1", Direction: model.Dispose, Quantity: 1, Price: d("50.00"),
	})

	w := doJSON(t, router, "GET", "/api/v1/accounts/acct1/portfolio/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snaps []model.PortfolioSnapshot
	json.Unmarshal(w.Body.Bytes(), &snaps)
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want one per trade", len(snaps))
	}
	if !snaps[0].TotalValue.Equal(d("200.00")) {
		t.Errorf("first snapshot value = %s, want 200.00", snaps[0].TotalValue)
	}
	if !snaps[1].TotalValue.Equal(d("150.00")) {
		t.Errorf("second snapshot value = %s, want 150.00", snaps[1].TotalValue)
	}
}
