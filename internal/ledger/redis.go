package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for instrument reference data. Instruments are read on every trade
// but only written by the external price feed, which makes them the one
// profitably cacheable table: trades never mutate them, so Atomic can pass
// straight through to the primary with no invalidation concerns.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Atomic passes through; transactional reads must not see cached state.
func (s *CachedStore) Atomic(ctx context.Context, fn func(ops Ops) error) error {
	return s.primary.Atomic(ctx, fn)
}

// --- Instrument cache ---

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheInstrument(ctx, inst)
	return nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(id)).Bytes()
	if err == nil {
		var inst model.Instrument
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	inst, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, inst)
	return inst, nil
}

func (s *CachedStore) UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error {
	if err := s.primary.UpdateInstrumentPrice(ctx, id, price); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the fresh price.
	s.rdb.Del(ctx, instrumentKey(id))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	return s.primary.CreateAccount(ctx, acct)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) ListTransactionsByAccount(ctx context.Context, accountID string, f TransactionFilter) ([]model.Transaction, int, error) {
	return s.primary.ListTransactionsByAccount(ctx, accountID, f)
}

func (s *CachedStore) GetPortfolioByAccount(ctx context.Context, accountID string) (*model.Portfolio, error) {
	return s.primary.GetPortfolioByAccount(ctx, accountID)
}

func (s *CachedStore) ListHoldings(ctx context.Context, portfolioID string) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, portfolioID)
}

func (s *CachedStore) ListSnapshots(ctx context.Context, portfolioID string, since time.Time) ([]model.PortfolioSnapshot, error) {
	return s.primary.ListSnapshots(ctx, portfolioID, since)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, inst *model.Instrument) {
	if data, err := json.Marshal(inst); err == nil {
		s.rdb.Set(ctx, instrumentKey(inst.ID), data, s.ttl)
	}
}

func instrumentKey(id string) string { return fmt.Sprintf("instrument:%s", id) }
