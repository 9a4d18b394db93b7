package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex serializes every atomic unit, which gives
// trivially serializable isolation; rollback is implemented by restoring
// a pre-unit copy of the state.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]*model.Account
	portfolios  map[string]*model.Portfolio // keyed by portfolio ID
	byAccount   map[string]string           // accountID → portfolioID
	holdings    map[string]*model.Holding   // keyed by portfolioID + "/" + instrumentID
	instruments map[string]*model.Instrument
	txns        map[string]*model.Transaction
	txnOrder    []string // insertion order, oldest first
	snapshots   map[string][]model.PortfolioSnapshot

	// conflicts injects ErrConflict into the next n Atomic calls, for
	// exercising the executor's retry loop in tests.
	conflicts int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		portfolios:  make(map[string]*model.Portfolio),
		byAccount:   make(map[string]string),
		holdings:    make(map[string]*model.Holding),
		instruments: make(map[string]*model.Instrument),
		txns:        make(map[string]*model.Transaction),
		snapshots:   make(map[string][]model.PortfolioSnapshot),
	}
}

// InjectConflicts makes the next n Atomic calls fail with ErrConflict
// before running their closure. Test hook.
func (s *MemoryStore) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

func holdingKey(portfolioID, instrumentID string) string {
	return portfolioID + "/" + instrumentID
}

// Atomic runs fn under the store mutex. On error the pre-unit state is
// restored, so a failed unit has no observable effect.
func (s *MemoryStore) Atomic(_ context.Context, fn func(ops Ops) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflicts > 0 {
		s.conflicts--
		return ErrConflict
	}

	saved := s.copyState()
	if err := fn(&memOps{s: s}); err != nil {
		s.restoreState(saved)
		return err
	}
	return nil
}

type memState struct {
	accounts    map[string]*model.Account
	portfolios  map[string]*model.Portfolio
	byAccount   map[string]string
	holdings    map[string]*model.Holding
	txns        map[string]*model.Transaction
	txnOrder    []string
	snapshots   map[string][]model.PortfolioSnapshot
	instruments map[string]*model.Instrument
}

func (s *MemoryStore) copyState() memState {
	st := memState{
		accounts:    make(map[string]*model.Account, len(s.accounts)),
		portfolios:  make(map[string]*model.Portfolio, len(s.portfolios)),
		byAccount:   make(map[string]string, len(s.byAccount)),
		holdings:    make(map[string]*model.Holding, len(s.holdings)),
		txns:        make(map[string]*model.Transaction, len(s.txns)),
		txnOrder:    append([]string(nil), s.txnOrder...),
		snapshots:   make(map[string][]model.PortfolioSnapshot, len(s.snapshots)),
		instruments: make(map[string]*model.Instrument, len(s.instruments)),
	}
	for k, v := range s.accounts {
		c := *v
		st.accounts[k] = &c
	}
	for k, v := range s.portfolios {
		c := *v
		st.portfolios[k] = &c
	}
	for k, v := range s.byAccount {
		st.byAccount[k] = v
	}
	for k, v := range s.holdings {
		c := *v
		st.holdings[k] = &c
	}
	for k, v := range s.txns {
		c := *v
		st.txns[k] = &c
	}
	for k, v := range s.snapshots {
		st.snapshots[k] = append([]model.PortfolioSnapshot(nil), v...)
	}
	for k, v := range s.instruments {
		c := *v
		st.instruments[k] = &c
	}
	return st
}

func (s *MemoryStore) restoreState(st memState) {
	s.accounts = st.accounts
	s.portfolios = st.portfolios
	s.byAccount = st.byAccount
	s.holdings = st.holdings
	s.txns = st.txns
	s.txnOrder = st.txnOrder
	s.snapshots = st.snapshots
	s.instruments = st.instruments
}

// memOps implements Ops against the store's maps. The store mutex is
// already held for the duration of the atomic unit.
type memOps struct {
	s *MemoryStore
}

func (o *memOps) AccountForUpdate(_ context.Context, accountID string) (*model.Account, error) {
	a, ok := o.s.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (o *memOps) PortfolioForAccount(_ context.Context, accountID string) (*model.Portfolio, error) {
	if _, ok := o.s.accounts[accountID]; !ok {
		return nil, ErrNotFound
	}
	if pid, ok := o.s.byAccount[accountID]; ok {
		c := *o.s.portfolios[pid]
		return &c, nil
	}
	p := &model.Portfolio{
		ID:        uuid.New().String(),
		AccountID: accountID,
		CreatedAt: time.Now().UTC(),
	}
	o.s.portfolios[p.ID] = p
	o.s.byAccount[accountID] = p.ID
	c := *p
	return &c, nil
}

func (o *memOps) HoldingForUpdate(_ context.Context, portfolioID, instrumentID string) (*model.Holding, error) {
	h, ok := o.s.holdings[holdingKey(portfolioID, instrumentID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *h
	return &c, nil
}

func (o *memOps) GetInstrument(_ context.Context, instrumentID string) (*model.Instrument, error) {
	inst, ok := o.s.instruments[instrumentID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *inst
	return &c, nil
}

func (o *memOps) TransactionForUpdate(_ context.Context, transactionID string) (*model.Transaction, error) {
	t, ok := o.s.txns[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (o *memOps) ApplyBalanceDelta(_ context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	a, ok := o.s.accounts[accountID]
	if !ok {
		return decimal.Zero, decimal.Zero, ErrNotFound
	}
	before := a.Balance
	after := before.Add(delta)
	if after.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrNegativeBalance
	}
	a.Balance = after
	return before, after, nil
}

func (o *memOps) UpsertHolding(_ context.Context, portfolioID, instrumentID string, quantity int64, avgCost decimal.Decimal) error {
	key := holdingKey(portfolioID, instrumentID)
	if quantity == 0 {
		delete(o.s.holdings, key)
		return nil
	}
	if h, ok := o.s.holdings[key]; ok {
		h.Quantity = quantity
		h.AvgCost = avgCost
		return nil
	}
	o.s.holdings[key] = &model.Holding{
		ID:           uuid.New().String(),
		PortfolioID:  portfolioID,
		InstrumentID: instrumentID,
		Quantity:     quantity,
		AvgCost:      avgCost,
	}
	return nil
}

func (o *memOps) ListHoldings(_ context.Context, portfolioID string) ([]model.Holding, error) {
	return o.s.listHoldingsLocked(portfolioID), nil
}

func (o *memOps) AppendTransaction(_ context.Context, txn *model.Transaction) error {
	c := *txn
	o.s.txns[txn.ID] = &c
	o.s.txnOrder = append(o.s.txnOrder, txn.ID)
	return nil
}

func (o *memOps) AppendSnapshot(_ context.Context, snap *model.PortfolioSnapshot) error {
	o.s.snapshots[snap.PortfolioID] = append(o.s.snapshots[snap.PortfolioID], *snap)
	return nil
}

func (o *memOps) MarkCanceled(_ context.Context, transactionID string, meta model.TradeMetadata) error {
	t, ok := o.s.txns[transactionID]
	if !ok {
		return ErrNotFound
	}
	t.Status = model.StatusCanceled
	t.Metadata = meta
	return nil
}

// --- Store reference data and read-only queries ---

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *acct
	s.accounts[acct.ID] = &c
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *inst
	s.instruments[inst.ID] = &c
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *inst
	return &c, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, *inst)
	}
	return out, nil
}

func (s *MemoryStore) UpdateInstrumentPrice(_ context.Context, id string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[id]
	if !ok {
		return ErrNotFound
	}
	inst.CurrentPrice = price
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) ListTransactionsByAccount(_ context.Context, accountID string, f TransactionFilter) ([]model.Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Newest first, matching the SQL ORDER BY created_at DESC.
	var matched []model.Transaction
	for i := len(s.txnOrder) - 1; i >= 0; i-- {
		t := s.txns[s.txnOrder[i]]
		if t.AccountID != accountID {
			continue
		}
		if f.Direction != "" && t.Direction != f.Direction {
			continue
		}
		matched = append(matched, *t)
	}

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= total {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) GetPortfolioByAccount(_ context.Context, accountID string) (*model.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.byAccount[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s.portfolios[pid]
	return &c, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, portfolioID string) ([]model.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listHoldingsLocked(portfolioID), nil
}

func (s *MemoryStore) listHoldingsLocked(portfolioID string) []model.Holding {
	var out []model.Holding
	for _, h := range s.holdings {
		if h.PortfolioID == portfolioID {
			out = append(out, *h)
		}
	}
	return out
}

func (s *MemoryStore) ListSnapshots(_ context.Context, portfolioID string, since time.Time) ([]model.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PortfolioSnapshot
	for _, snap := range s.snapshots[portfolioID] {
		if snap.Timestamp.Before(since) {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}
