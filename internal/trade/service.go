package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/symbol"
)

// Service wires the executor and store into the HTTP request layer.
// Pass nil for hub if WebSocket broadcasting is not needed.
type Service struct {
	exec  *Executor
	store ledger.Store
	wsHub *WSHub
}

// NewService creates a new trade service.
func NewService(st ledger.Store, exec *Executor, hub *WSHub) *Service {
	return &Service{
		exec:  exec,
		store: st,
		wsHub: hub,
	}
}

// Routes mounts all service endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Post("/accounts/{accountID}/deposit", s.Deposit)
	r.Post("/accounts/{accountID}/withdraw", s.Withdraw)
	r.Get("/accounts/{accountID}/transactions", s.ListTransactions)
	r.Get("/accounts/{accountID}/stats", s.GetStats)
	r.Get("/accounts/{accountID}/portfolio", s.GetPortfolio)
	r.Get("/accounts/{accountID}/portfolio/history", s.GetPortfolioHistory)

	r.Post("/instruments", s.CreateInstrument)
	r.Get("/instruments", s.ListInstruments)
	r.Get("/instruments/{instrumentID}", s.GetInstrument)
	r.Put("/instruments/{instrumentID}/price", s.UpdatePrice)

	r.Post("/trade", s.ExecuteTrade)
	r.Post("/cancel", s.CancelTrade)
	r.Get("/transactions/{transactionID}", s.GetTransaction)
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// CashRequest is the JSON body for deposit/withdraw.
type CashRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateInstrumentRequest is the JSON body for POST /instruments.
type CreateInstrumentRequest struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

// PriceRequest is the JSON body for the market-feed price push.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// TradeRequest is the JSON body for POST /trade. Price is optional: when
// omitted the instrument's current market price is used.
type TradeRequest struct {
	AccountID    string          `json:"account_id"`
	InstrumentID string          `json:"instrument_id"`
	Direction    model.Direction `json:"direction"` // "ACQUIRE" or "DISPOSE"
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
}

// CancelRequest is the JSON body for POST /cancel.
type CancelRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// HoldingView is one marked-to-market position in a portfolio response.
type HoldingView struct {
	InstrumentID  string          `json:"instrument_id"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PortfolioResponse is the JSON body for GET /accounts/{id}/portfolio.
type PortfolioResponse struct {
	AccountID   string          `json:"account_id"`
	PortfolioID string          `json:"portfolio_id,omitempty"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Holdings    []HoldingView   `json:"holdings"`
}

// TransactionsResponse is the paginated transaction listing.
type TransactionsResponse struct {
	Transactions []model.Transaction `json:"transactions"`
	Total        int                 `json:"total"`
	Page         int                 `json:"page"`
	Limit        int                 `json:"limit"`
}

// --- Account handlers ---

// CreateAccount handles POST /api/v1/accounts.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OpeningBalance.IsNegative() {
		writeError(w, "opening_balance must not be negative", http.StatusBadRequest)
		return
	}

	acct := &model.Account{
		ID:        uuid.New().String(),
		Balance:   req.OpeningBalance,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("account created", "id", acct.ID, "balance", acct.Balance.String())
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.cashMovement(w, r, s.exec.Deposit)
}

// Withdraw handles POST /api/v1/accounts/{accountID}/withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.cashMovement(w, r, s.exec.Withdraw)
}

func (s *Service) cashMovement(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, accountID string, amount decimal.Decimal) (*model.Account, error)) {
	var req CashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	acct, err := apply(r.Context(), chi.URLParam(r, "accountID"), req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- Instrument handlers ---

// CreateInstrument handles POST /api/v1/instruments.
func (s *Service) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sym, err := symbol.Parse(req.Symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	inst := &model.Instrument{
		ID:           uuid.New().String(),
		Symbol:       sym,
		Name:         req.Name,
		CurrentPrice: req.Price,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateInstrument(r.Context(), inst); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// ListInstruments handles GET /api/v1/instruments.
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, instruments)
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID}.
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// UpdatePrice handles PUT /api/v1/instruments/{instrumentID}/price.
// This is the ingestion point for the external market-data feed.
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "instrumentID")
	if err := s.store.UpdateInstrumentPrice(r.Context(), id, req.Price); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, "instrument not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to update price", http.StatusInternalServerError)
		return
	}

	inst, err := s.store.GetInstrument(r.Context(), id)
	if err != nil {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// --- Trade handlers ---

// ExecuteTrade handles POST /api/v1/trade.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if req.InstrumentID == "" {
		writeError(w, "instrument_id is required", http.StatusBadRequest)
		return
	}
	if !req.Direction.Valid() {
		writeError(w, "direction must be ACQUIRE or DISPOSE", http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	if req.Price.IsNegative() {
		writeError(w, "price must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// No explicit limit price: trade at the current market price.
	price := req.Price
	if price.IsZero() {
		inst, err := s.store.GetInstrument(ctx, req.InstrumentID)
		if err != nil {
			writeError(w, "instrument not found: "+req.InstrumentID, http.StatusNotFound)
			return
		}
		price = inst.CurrentPrice
	}

	txn, err := s.exec.Execute(ctx, req.AccountID, req.InstrumentID, req.Direction, req.Quantity, price)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "trade_executed",
			TransactionID: txn.ID,
			AccountID:     txn.AccountID,
			InstrumentID:  txn.InstrumentID,
			Direction:     string(txn.Direction),
			Quantity:      txn.Quantity,
			Price:         txn.Price.String(),
			TotalAmount:   txn.TotalAmount.String(),
		})
	}

	writeJSON(w, http.StatusCreated, txn)
}

// CancelTrade handles POST /api/v1/cancel.
func (s *Service) CancelTrade(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TransactionID == "" {
		writeError(w, "transaction_id is required", http.StatusBadRequest)
		return
	}

	txn, err := s.exec.Cancel(r.Context(), req.TransactionID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "trade_reversed",
			TransactionID: txn.ID,
			AccountID:     txn.AccountID,
			InstrumentID:  txn.InstrumentID,
		})
	}

	writeJSON(w, http.StatusOK, txn)
}

// GetTransaction handles GET /api/v1/transactions/{transactionID}.
func (s *Service) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.store.GetTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeError(w, "transaction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions.
// Supports ?direction=ACQUIRE|DISPOSE, ?page=, ?limit=.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 20
	}

	filter := ledger.TransactionFilter{
		Direction: model.Direction(r.URL.Query().Get("direction")),
		Limit:     limit,
		Offset:    (page - 1) * limit,
	}
	if filter.Direction != "" && !filter.Direction.Valid() {
		writeError(w, "direction must be ACQUIRE or DISPOSE", http.StatusBadRequest)
		return
	}

	txns, total, err := s.store.ListTransactionsByAccount(r.Context(), accountID, filter)
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}

	writeJSON(w, http.StatusOK, TransactionsResponse{
		Transactions: txns,
		Total:        total,
		Page:         page,
		Limit:        limit,
	})
}

// GetStats handles GET /api/v1/accounts/{accountID}/stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.exec.Stats(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Portfolio handlers ---

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio.
// Returns holdings marked to market plus the total portfolio value.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	resp := PortfolioResponse{
		AccountID:  accountID,
		TotalValue: decimal.Zero,
		Holdings:   []HoldingView{},
	}

	portfolio, err := s.store.GetPortfolioByAccount(ctx, accountID)
	if errors.Is(err, ledger.ErrNotFound) {
		// No trades yet; empty portfolio.
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil {
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	resp.PortfolioID = portfolio.ID

	holdings, err := s.store.ListHoldings(ctx, portfolio.ID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}

	for _, h := range holdings {
		inst, err := s.store.GetInstrument(ctx, h.InstrumentID)
		if err != nil {
			writeError(w, "failed to price holdings", http.StatusInternalServerError)
			return
		}
		qty := decimal.NewFromInt(h.Quantity)
		marketValue := inst.CurrentPrice.Mul(qty)
		resp.Holdings = append(resp.Holdings, HoldingView{
			InstrumentID:  h.InstrumentID,
			Symbol:        inst.Symbol,
			Quantity:      h.Quantity,
			AvgCost:       h.AvgCost,
			CurrentPrice:  inst.CurrentPrice,
			MarketValue:   marketValue,
			UnrealizedPnL: marketValue.Sub(h.AvgCost.Mul(qty)),
		})
		resp.TotalValue = resp.TotalValue.Add(marketValue)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetPortfolioHistory handles GET /api/v1/accounts/{accountID}/portfolio/history.
// Returns valuation snapshots over the past ?days= (default 30).
func (s *Service) GetPortfolioHistory(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days < 1 {
		days = 30
	}

	portfolio, err := s.store.GetPortfolioByAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, "portfolio not found", http.StatusNotFound)
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	snapshots, err := s.store.ListSnapshots(r.Context(), portfolio.ID, since)
	if err != nil {
		writeError(w, "failed to load snapshots", http.StatusInternalServerError)
		return
	}
	if snapshots == nil {
		snapshots = []model.PortfolioSnapshot{}
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// --- Helpers ---

// writeDomainError maps executor errors onto HTTP statuses. Domain errors
// keep their exact message — required vs. available amounts included — so
// the caller can render an actionable reason.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoSuchAccount),
		errors.Is(err, ErrNoSuchInstrument),
		errors.Is(err, ErrNoSuchHolding),
		errors.Is(err, ErrNoSuchTransaction):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrNotCancelable),
		errors.Is(err, ErrReversalInvariantViolation),
		errors.Is(err, ErrTransactionConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusBadRequest)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
