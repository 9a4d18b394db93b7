package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Atomic units run at SERIALIZABLE isolation; serialization failures
// (SQLSTATE 40001) and deadlocks (40P01) surface as ErrConflict.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Atomic begins a SERIALIZABLE transaction, runs fn against it, and
// commits. Any error from fn rolls back the entire unit.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(ops Ops) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classifyPgErr(err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgOps{tx: tx}); err != nil {
		return classifyPgErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgErr(err)
	}
	committed = true
	return nil
}

// classifyPgErr maps PostgreSQL serialization failures onto the retryable
// ErrConflict sentinel; everything else passes through unchanged.
func classifyPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

// pgOps implements Ops against one open transaction.
type pgOps struct {
	tx pgx.Tx
}

func (o *pgOps) AccountForUpdate(ctx context.Context, accountID string) (*model.Account, error) {
	var a model.Account
	var balance string
	err := o.tx.QueryRow(ctx,
		`SELECT id, balance::TEXT, created_at
		 FROM accounts WHERE id = $1 FOR UPDATE`, accountID).
		Scan(&a.ID, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account for update %s: %w", accountID, err)
	}
	a.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &a, nil
}

func (o *pgOps) PortfolioForAccount(ctx context.Context, accountID string) (*model.Portfolio, error) {
	var p model.Portfolio
	err := o.tx.QueryRow(ctx,
		`SELECT id, account_id, created_at
		 FROM portfolios WHERE account_id = $1`, accountID).
		Scan(&p.ID, &p.AccountID, &p.CreatedAt)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("portfolio for account %s: %w", accountID, err)
	}

	// First trade for this account: create the portfolio lazily.
	err = o.tx.QueryRow(ctx,
		`INSERT INTO portfolios (account_id, created_at)
		 VALUES ($1, now())
		 RETURNING id, account_id, created_at`, accountID).
		Scan(&p.ID, &p.AccountID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create portfolio for account %s: %w", accountID, err)
	}
	return &p, nil
}

func (o *pgOps) HoldingForUpdate(ctx context.Context, portfolioID, instrumentID string) (*model.Holding, error) {
	var h model.Holding
	var avgCost string
	err := o.tx.QueryRow(ctx,
		`SELECT id, portfolio_id, instrument_id, quantity, avg_cost::TEXT
		 FROM holdings
		 WHERE portfolio_id = $1 AND instrument_id = $2 FOR UPDATE`,
		portfolioID, instrumentID).
		Scan(&h.ID, &h.PortfolioID, &h.InstrumentID, &h.Quantity, &avgCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("holding for update: %w", err)
	}
	h.AvgCost, err = decimal.NewFromString(avgCost)
	if err != nil {
		return nil, fmt.Errorf("parse avg cost: %w", err)
	}
	return &h, nil
}

func (o *pgOps) GetInstrument(ctx context.Context, instrumentID string) (*model.Instrument, error) {
	return scanInstrument(o.tx.QueryRow(ctx,
		`SELECT id, symbol, name, current_price::TEXT, updated_at
		 FROM instruments WHERE id = $1`, instrumentID))
}

func (o *pgOps) TransactionForUpdate(ctx context.Context, transactionID string) (*model.Transaction, error) {
	row := o.tx.QueryRow(ctx, txnSelect+` WHERE id = $1 FOR UPDATE`, transactionID)
	return scanTransaction(row)
}

func (o *pgOps) ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	var beforeS, afterS string
	err := o.tx.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance + $2::NUMERIC
		 WHERE id = $1
		 RETURNING (balance - $2::NUMERIC)::TEXT, balance::TEXT`,
		accountID, delta.String()).
		Scan(&beforeS, &afterS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("apply balance delta: %w", err)
	}

	before, err := decimal.NewFromString(beforeS)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse balance before: %w", err)
	}
	after, err := decimal.NewFromString(afterS)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse balance after: %w", err)
	}
	if after.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrNegativeBalance
	}
	return before, after, nil
}

func (o *pgOps) UpsertHolding(ctx context.Context, portfolioID, instrumentID string, quantity int64, avgCost decimal.Decimal) error {
	if quantity == 0 {
		_, err := o.tx.Exec(ctx,
			`DELETE FROM holdings WHERE portfolio_id = $1 AND instrument_id = $2`,
			portfolioID, instrumentID)
		return err
	}
	_, err := o.tx.Exec(ctx,
		`INSERT INTO holdings (portfolio_id, instrument_id, quantity, avg_cost)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (portfolio_id, instrument_id)
		 DO UPDATE SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost`,
		portfolioID, instrumentID, quantity, avgCost.String())
	return err
}

func (o *pgOps) ListHoldings(ctx context.Context, portfolioID string) ([]model.Holding, error) {
	rows, err := o.tx.Query(ctx,
		`SELECT id, portfolio_id, instrument_id, quantity, avg_cost::TEXT
		 FROM holdings WHERE portfolio_id = $1 ORDER BY instrument_id`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHoldings(rows)
}

func (o *pgOps) AppendTransaction(ctx context.Context, txn *model.Transaction) error {
	meta, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = o.tx.Exec(ctx,
		`INSERT INTO transactions
		   (id, account_id, instrument_id, direction, quantity, price,
		    total_amount, balance_before, balance_after, status, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		txn.ID, txn.AccountID, txn.InstrumentID, string(txn.Direction), txn.Quantity,
		txn.Price.String(), txn.TotalAmount.String(),
		txn.BalanceBefore.String(), txn.BalanceAfter.String(),
		string(txn.Status), meta, txn.CreatedAt)
	return err
}

func (o *pgOps) AppendSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error {
	_, err := o.tx.Exec(ctx,
		`INSERT INTO portfolio_snapshots (id, portfolio_id, total_value, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		snap.ID, snap.PortfolioID, snap.TotalValue.String(), snap.Timestamp)
	return err
}

func (o *pgOps) MarkCanceled(ctx context.Context, transactionID string, meta model.TradeMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := o.tx.Exec(ctx,
		`UPDATE transactions SET status = $2, metadata = $3 WHERE id = $1`,
		transactionID, string(model.StatusCanceled), data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Reference data and read-only queries ---

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, balance, created_at) VALUES ($1, $2::NUMERIC, $3)`,
		acct.ID, acct.Balance.String(), acct.CreatedAt)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, name, current_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		inst.ID, inst.Symbol, inst.Name, inst.CurrentPrice.String(), inst.UpdatedAt)
	return err
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return scanInstrument(s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, current_price::TEXT, updated_at
		 FROM instruments WHERE id = $1`, id))
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, current_price::TEXT, updated_at
		 FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var inst model.Instrument
		var price string
		if err := rows.Scan(&inst.ID, &inst.Symbol, &inst.Name, &price, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.CurrentPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments SET current_price = $2::NUMERIC, updated_at = now() WHERE id = $1`,
		id, price.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const txnSelect = `SELECT id, account_id, instrument_id, direction, quantity,
	price::TEXT, total_amount::TEXT, balance_before::TEXT, balance_after::TEXT,
	status, metadata, created_at
	FROM transactions`

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx, txnSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) ListTransactionsByAccount(ctx context.Context, accountID string, f TransactionFilter) ([]model.Transaction, int, error) {
	where := ` WHERE account_id = $1`
	args := []any{accountID}
	if f.Direction != "" {
		where += ` AND direction = $2`
		args = append(args, string(f.Direction))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := txnSelect + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		txn, err := scanTransactionRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *txn)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) GetPortfolioByAccount(ctx context.Context, accountID string) (*model.Portfolio, error) {
	var p model.Portfolio
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, created_at FROM portfolios WHERE account_id = $1`, accountID).
		Scan(&p.ID, &p.AccountID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio for account %s: %w", accountID, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, portfolioID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, instrument_id, quantity, avg_cost::TEXT
		 FROM holdings WHERE portfolio_id = $1 ORDER BY instrument_id`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHoldings(rows)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, portfolioID string, since time.Time) ([]model.PortfolioSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, total_value::TEXT, timestamp
		 FROM portfolio_snapshots
		 WHERE portfolio_id = $1 AND timestamp >= $2
		 ORDER BY timestamp`, portfolioID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PortfolioSnapshot
	for rows.Next() {
		var snap model.PortfolioSnapshot
		var value string
		if err := rows.Scan(&snap.ID, &snap.PortfolioID, &value, &snap.Timestamp); err != nil {
			return nil, err
		}
		snap.TotalValue, err = decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot value: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// --- Scan helpers ---

type pgRow interface {
	Scan(dest ...any) error
}

func scanInstrument(row pgRow) (*model.Instrument, error) {
	var inst model.Instrument
	var price string
	err := row.Scan(&inst.ID, &inst.Symbol, &inst.Name, &price, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instrument: %w", err)
	}
	inst.CurrentPrice, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	return &inst, nil
}

func scanTransaction(row pgRow) (*model.Transaction, error) {
	txn, err := scanTransactionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return txn, err
}

func scanTransactionRow(row pgRow) (*model.Transaction, error) {
	var t model.Transaction
	var direction, status string
	var price, total, before, after string
	var meta []byte

	err := row.Scan(&t.ID, &t.AccountID, &t.InstrumentID, &direction, &t.Quantity,
		&price, &total, &before, &after, &status, &meta, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Direction = model.Direction(direction)
	t.Status = model.TransactionStatus(status)
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if t.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total amount: %w", err)
	}
	if t.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return nil, fmt.Errorf("parse balance before: %w", err)
	}
	if t.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return nil, fmt.Errorf("parse balance after: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &t, nil
}

type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanHoldings(rows pgRows) ([]model.Holding, error) {
	var out []model.Holding
	for rows.Next() {
		var h model.Holding
		var avgCost string
		if err := rows.Scan(&h.ID, &h.PortfolioID, &h.InstrumentID, &h.Quantity, &avgCost); err != nil {
			return nil, err
		}
		var err error
		h.AvgCost, err = decimal.NewFromString(avgCost)
		if err != nil {
			return nil, fmt.Errorf("parse avg cost: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
