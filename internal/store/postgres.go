package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// --- Funds ---

const fundColumns = `id, ticker, name, current_nav::TEXT, capital_cost_percent::TEXT,
	initial_price::TEXT, initial_quantity::TEXT, status, created_at`

func (s *PostgresStore) CreateFund(ctx context.Context, f *model.Fund) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO funds (id, ticker, name, current_nav, capital_cost_percent, initial_price, initial_quantity, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		f.ID, f.Ticker, f.Name,
		f.CurrentNAV.String(), f.CapitalCostPercent.String(),
		f.InitialPrice.String(), f.InitialQuantity.String(),
		f.Status, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create fund %s: %w", f.ID, classify(err))
	}
	return nil
}

func (s *PostgresStore) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	f, err := scanFund(s.pool.QueryRow(ctx, `SELECT `+fundColumns+` FROM funds WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get fund %s: %w", id, classify(err))
	}
	return f, nil
}

func (s *PostgresStore) ListFunds(ctx context.Context) ([]model.Fund, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+fundColumns+` FROM funds ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []model.Fund
	for rows.Next() {
		f, err := scanFund(rows)
		if err != nil {
			return nil, err
		}
		funds = append(funds, *f)
	}
	return funds, rows.Err()
}

// --- Orders ---

const orderColumns = `id, account_id, fund_id, side, units::TEXT, matched_units::TEXT,
	price::TEXT, amount::TEXT, fee::TEXT, status, source, interest_rate::TEXT,
	term_days, created_at, updated_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, fund_id, side, units, matched_units, price, amount, fee,
		                     status, source, interest_rate, term_days, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10, $11, $12::NUMERIC, $13, $14, $15)`,
		o.ID, o.AccountID, o.FundID, o.Side,
		o.Units.String(), o.MatchedUnits.String(), o.Price.String(),
		o.Amount.String(), o.Fee.String(),
		o.Status, o.Source, o.InterestRate.String(), o.TermDays,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, classify(err))
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, classify(err))
	}
	return o, nil
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context, side model.Side, fundID string) ([]*model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'pending' AND side = $1 AND ($2 = '' OR fund_id = $2)
		 ORDER BY created_at, id`, side, fundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// fillSQL applies a fill only while the order is pending and has enough
// remaining quantity; the row lock taken by UPDATE serialises concurrent
// fills on the same order.
const fillSQL = `UPDATE orders
	 SET matched_units = matched_units + $2::NUMERIC,
	     status = CASE WHEN units - (matched_units + $2::NUMERIC) <= 0 THEN 'completed' ELSE status END,
	     updated_at = $3
	 WHERE id = $1 AND status = 'pending' AND $2::NUMERIC > 0 AND units - matched_units >= $2::NUMERIC`

func (s *PostgresStore) ApplyFill(ctx context.Context, orderID string, qty decimal.Decimal) (*model.Order, error) {
	tag, err := s.pool.Exec(ctx, fillSQL, orderID, qty.String(), s.now())
	if err != nil {
		return nil, fmt.Errorf("fill order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.fillRejection(ctx, s.pool, orderID, qty)
	}
	return s.GetOrder(ctx, orderID)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, model.OrderCompleted)
}

func (s *PostgresStore) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	if err := s.transition(ctx, orderID, model.OrderCancelled); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *PostgresStore) transition(ctx context.Context, orderID string, to model.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'pending'`,
		orderID, to, s.now())
	if err != nil {
		return fmt.Errorf("set order %s %s: %w", orderID, to, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOrder(ctx, orderID); err != nil {
			return err
		}
		return fmt.Errorf("order %s is not pending: %w", orderID, ErrConflict)
	}
	return nil
}

// --- Match ledger ---

const pairColumns = `id, buy_order_id, sell_order_id, fund_id, buy_account_id, sell_account_id,
	quantity::TEXT, price::TEXT, buy_user_type, sell_user_type, match_type, algorithm,
	status, matched_at`

// RecordFill applies both legs and appends the pair in one transaction.
func (s *PostgresStore) RecordFill(ctx context.Context, p *model.MatchedPair) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin fill: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, id := range []string{p.BuyOrderID, p.SellOrderID} {
		tag, err := tx.Exec(ctx, fillSQL, id, p.Quantity.String(), p.MatchedAt)
		if err != nil {
			return fmt.Errorf("fill order %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return s.fillRejection(ctx, tx, id, p.Quantity)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO matched_pairs (id, buy_order_id, sell_order_id, fund_id, buy_account_id, sell_account_id,
		                            quantity, price, buy_user_type, sell_user_type, match_type, algorithm,
		                            status, matched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.BuyOrderID, p.SellOrderID, p.FundID, p.BuyAccountID, p.SellAccountID,
		p.Quantity.String(), p.Price.String(), p.BuyUserType, p.SellUserType,
		p.MatchType, p.Algorithm, p.Status, p.MatchedAt,
	)
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("pair %s already recorded: %w", p.ID, ErrFillRejected)
		}
		return fmt.Errorf("insert pair %s: %w", p.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fill: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMatchedPairs(ctx context.Context, filter PairFilter) ([]model.MatchedPair, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM matched_pairs WHERE ($1 = '' OR fund_id = $1)`, filter.FundID).
		Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pairs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pairColumns+`
		 FROM matched_pairs WHERE ($1 = '' OR fund_id = $1)
		 ORDER BY matched_at DESC, id
		 LIMIT $2 OFFSET $3`, filter.FundID, limit, max(filter.Offset, 0))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	pairs, err := scanPairs(rows)
	if err != nil {
		return nil, 0, err
	}
	return pairs, total, nil
}

func (s *PostgresStore) ListFills(ctx context.Context, fundID string, from, to time.Time) ([]model.MatchedPair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pairColumns+` FROM matched_pairs
		 WHERE fund_id = $1 AND matched_at >= $2 AND matched_at < $3
		 ORDER BY matched_at, id`, fundID, from, to)
	if err != nil {
		return nil, fmt.Errorf("fills %s: %w", fundID, err)
	}
	defer rows.Close()
	return scanPairs(rows)
}

// --- Inventory ---

const inventoryColumns = `fund_id, date::TEXT, opening_quantity::TEXT, opening_avg_price::TEXT,
	closing_quantity::TEXT, closing_avg_price::TEXT, status, updated_at`

func (s *PostgresStore) GetInventory(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error) {
	inv, err := scanInventory(s.pool.QueryRow(ctx,
		`SELECT `+inventoryColumns+` FROM daily_inventories WHERE fund_id = $1 AND date = $2::DATE`,
		fundID, day.Format(time.DateOnly)))
	if err != nil {
		return nil, fmt.Errorf("get inventory %s@%s: %w", fundID, day.Format(time.DateOnly), classify(err))
	}
	return inv, nil
}

func (s *PostgresStore) LatestInventoryBefore(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error) {
	inv, err := scanInventory(s.pool.QueryRow(ctx,
		`SELECT `+inventoryColumns+` FROM daily_inventories
		 WHERE fund_id = $1 AND date < $2::DATE
		 ORDER BY date DESC LIMIT 1`,
		fundID, day.Format(time.DateOnly)))
	if err != nil {
		return nil, fmt.Errorf("inventory %s before %s: %w", fundID, day.Format(time.DateOnly), classify(err))
	}
	return inv, nil
}

func (s *PostgresStore) CreateInventory(ctx context.Context, inv *model.DailyInventory) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_inventories (fund_id, date, opening_quantity, opening_avg_price,
		                                closing_quantity, closing_avg_price, status, updated_at)
		 VALUES ($1, $2::DATE, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		inventoryArgs(inv)...)
	if err != nil {
		return fmt.Errorf("create inventory %s@%s: %w", inv.FundID, inv.Date.Format(time.DateOnly), classify(err))
	}
	return nil
}

func (s *PostgresStore) SaveInventory(ctx context.Context, inv *model.DailyInventory) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_inventories (fund_id, date, opening_quantity, opening_avg_price,
		                                closing_quantity, closing_avg_price, status, updated_at)
		 VALUES ($1, $2::DATE, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (fund_id, date) DO UPDATE SET
		     opening_quantity  = EXCLUDED.opening_quantity,
		     opening_avg_price = EXCLUDED.opening_avg_price,
		     closing_quantity  = EXCLUDED.closing_quantity,
		     closing_avg_price = EXCLUDED.closing_avg_price,
		     status            = EXCLUDED.status,
		     updated_at        = EXCLUDED.updated_at`,
		inventoryArgs(inv)...)
	if err != nil {
		return fmt.Errorf("save inventory %s@%s: %w", inv.FundID, inv.Date.Format(time.DateOnly), classify(err))
	}
	return nil
}

func (s *PostgresStore) ListInventories(ctx context.Context, fundID string) ([]model.DailyInventory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+inventoryColumns+` FROM daily_inventories WHERE fund_id = $1 ORDER BY date DESC`, fundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DailyInventory
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inv)
	}
	return result, rows.Err()
}

// --- Cap configuration ---

func (s *PostgresStore) GetCapConfig(ctx context.Context, fundID string) (*model.CapConfig, error) {
	var c model.CapConfig
	var lower, upper string
	err := s.pool.QueryRow(ctx,
		`SELECT fund_id, lower_bound::TEXT, upper_bound::TEXT FROM cap_configs WHERE fund_id = $1`, fundID).
		Scan(&c.FundID, &lower, &upper)
	if err != nil {
		return nil, fmt.Errorf("get cap config %q: %w", fundID, classify(err))
	}
	c.Lower, _ = decimal.NewFromString(lower)
	c.Upper, _ = decimal.NewFromString(upper)
	return &c, nil
}

func (s *PostgresStore) SaveCapConfig(ctx context.Context, c *model.CapConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cap_configs (fund_id, lower_bound, upper_bound)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 ON CONFLICT (fund_id) DO UPDATE SET lower_bound = EXCLUDED.lower_bound, upper_bound = EXCLUDED.upper_bound`,
		c.FundID, c.Lower.String(), c.Upper.String())
	if err != nil {
		return fmt.Errorf("save cap config %q: %w", c.FundID, err)
	}
	return nil
}

// --- Helpers ---

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// fillRejection explains why a conditional fill touched no row.
func (s *PostgresStore) fillRejection(ctx context.Context, q querier, orderID string, qty decimal.Decimal) error {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		return fmt.Errorf("order %s: %w", orderID, classify(err))
	}
	return fmt.Errorf("order %s (%s, %s remaining) cannot take %s: %w",
		orderID, o.Status, o.Remaining(), qty, ErrFillRejected)
}

// classify maps driver errors onto the store's sentinel errors.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrNotFound)
		}
	}
	return err
}

func scanFund(row pgx.Row) (*model.Fund, error) {
	var f model.Fund
	var nav, cc, price, qty string
	if err := row.Scan(&f.ID, &f.Ticker, &f.Name, &nav, &cc, &price, &qty, &f.Status, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.CurrentNAV, _ = decimal.NewFromString(nav)
	f.CapitalCostPercent, _ = decimal.NewFromString(cc)
	f.InitialPrice, _ = decimal.NewFromString(price)
	f.InitialQuantity, _ = decimal.NewFromString(qty)
	return &f, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var units, matched, price, amount, fee, rate string
	if err := row.Scan(&o.ID, &o.AccountID, &o.FundID, &o.Side,
		&units, &matched, &price, &amount, &fee,
		&o.Status, &o.Source, &rate, &o.TermDays,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Units, _ = decimal.NewFromString(units)
	o.MatchedUnits, _ = decimal.NewFromString(matched)
	o.Price, _ = decimal.NewFromString(price)
	o.Amount, _ = decimal.NewFromString(amount)
	o.Fee, _ = decimal.NewFromString(fee)
	o.InterestRate, _ = decimal.NewFromString(rate)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]*model.Order, error) {
	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanPairs(rows pgx.Rows) ([]model.MatchedPair, error) {
	pairs := []model.MatchedPair{}
	for rows.Next() {
		var p model.MatchedPair
		var qty, price string
		if err := rows.Scan(&p.ID, &p.BuyOrderID, &p.SellOrderID, &p.FundID, &p.BuyAccountID, &p.SellAccountID,
			&qty, &price, &p.BuyUserType, &p.SellUserType, &p.MatchType, &p.Algorithm,
			&p.Status, &p.MatchedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.Price, _ = decimal.NewFromString(price)
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func scanInventory(row pgx.Row) (*model.DailyInventory, error) {
	var inv model.DailyInventory
	var date, oq, op, cq, cp string
	if err := row.Scan(&inv.FundID, &date, &oq, &op, &cq, &cp, &inv.Status, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return nil, fmt.Errorf("parse inventory date %q: %w", date, err)
	}
	inv.Date = day
	inv.OpeningQuantity, _ = decimal.NewFromString(oq)
	inv.OpeningAvgPrice, _ = decimal.NewFromString(op)
	inv.ClosingQuantity, _ = decimal.NewFromString(cq)
	inv.ClosingAvgPrice, _ = decimal.NewFromString(cp)
	return &inv, nil
}

func inventoryArgs(inv *model.DailyInventory) []any {
	return []any{
		inv.FundID, inv.Date.Format(time.DateOnly),
		inv.OpeningQuantity.String(), inv.OpeningAvgPrice.String(),
		inv.ClosingQuantity.String(), inv.ClosingAvgPrice.String(),
		inv.Status, inv.UpdatedAt,
	}
}
