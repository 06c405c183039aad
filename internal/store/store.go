// Package store is the relational persistence layer for trading state:
// orders, positions, and account snapshots. It backs onto SQLite (CGO-free
// modernc driver) for single-node deployments and tests, or PostgreSQL for
// production, selected by database.engine.
//
// Every multi-step mutation runs inside a transaction: begin → commit on
// success → rollback on error. Handlers replaying an at-least-once message
// hit the client_order_id uniqueness constraint, surfaced as
// ErrDuplicateOrder so callers can treat a replay as already applied.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"tradepipe/internal/config"
	"tradepipe/pkg/types"
)

// ErrDuplicateOrder reports a client_order_id collision: the order was
// already persisted, typically by an earlier delivery of the same message.
var ErrDuplicateOrder = errors.New("store: duplicate client_order_id")

// Store wraps the database handle and exposes the trading-state operations.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects per the database config, bootstraps the schema, and returns
// a ready store. SQLite is serialized through a single connection, which
// also keeps ":memory:" databases coherent across the pool.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	var driver string
	switch cfg.Engine {
	case "sqlite":
		driver = "sqlite"
	case "postgresql":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database engine %q", cfg.Engine)
	}

	db, err := sqlx.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.PoolSize)
		db.SetMaxIdleConns(cfg.PoolSize)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(ctx, driver); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context, driver string) error {
	ddl := ddlSQLite
	if driver == "postgres" {
		ddl = ddlPostgres
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	s.logger.Debug("schema ready", "driver", driver)
	return nil
}

// isDuplicate classifies a unique-constraint violation across both drivers.
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// InsertOrder persists a new order row. Missing id and timestamps are
// filled in; a client_order_id collision returns ErrDuplicateOrder.
func (s *Store) InsertOrder(ctx context.Context, o *types.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	if o.Status == "" {
		o.Status = types.StatusNew
	}

	query := s.db.Rebind(`
		INSERT INTO orders (
			id, client_order_id, external_order_id, strategy, symbol, exchange,
			side, type, status, quantity, filled_quantity, price, stop_price,
			reduce_only, time_in_force, raw_request, raw_response,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.ClientOrderID, o.ExternalOrderID, o.Strategy, o.Symbol, o.Exchange,
		o.Side, o.Type, o.Status, o.Quantity, o.FilledQuantity, o.Price, o.StopPrice,
		o.ReduceOnly, o.TimeInForce, o.RawRequest, o.RawResponse,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrderByClientID returns the order for the idempotency key, or nil when
// no such order exists.
func (s *Store) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error) {
	var o types.Order
	query := s.db.Rebind(`SELECT * FROM orders WHERE client_order_id = ?`)
	if err := s.db.GetContext(ctx, &o, query, clientOrderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// UpdateOrderStatus advances an order along its lifecycle. A transition that
// would move the status backwards, or out of a terminal state, is rejected.
func (s *Store) UpdateOrderStatus(ctx context.Context, clientOrderID string, status types.OrderStatus) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current types.OrderStatus
	query := tx.Rebind(`SELECT status FROM orders WHERE client_order_id = ?`)
	if err := tx.GetContext(ctx, &current, query, clientOrderID); err != nil {
		return fmt.Errorf("load order status: %w", err)
	}
	if !current.CanTransition(status) {
		return fmt.Errorf("order %s: illegal status transition %s → %s", clientOrderID, current, status)
	}

	query = tx.Rebind(`UPDATE orders SET status = ?, updated_at = ? WHERE client_order_id = ?`)
	if _, err := tx.ExecContext(ctx, query, status, time.Now().UTC(), clientOrderID); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return tx.Commit()
}

// CountOrders returns the number of persisted orders.
func (s *Store) CountOrders(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM orders`); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// ApplyFill upserts net exposure after a stop-protected entry: a read-
// modify-write inside one transaction so a replayed update lands on the
// same open row rather than creating a second one. The row is marked
// stop-installed because callers only reach here on the stop-success path.
func (s *Store) ApplyFill(ctx context.Context, symbol, exchange, strategy string, quantity, entryPrice, stopPrice float64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var p types.Position
	query := tx.Rebind(`
		SELECT * FROM positions
		WHERE symbol = ? AND exchange = ? AND strategy = ? AND closed_at IS NULL`)
	err = tx.GetContext(ctx, &p, query, symbol, exchange, strategy)
	switch {
	case err == nil:
		query = tx.Rebind(`
			UPDATE positions
			SET quantity = ?, entry_price = ?, stop_price = ?,
			    reduce_only_stop_installed = ?, updated_at = ?
			WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, query,
			p.Quantity+quantity, entryPrice, stopPrice, true, now, p.ID); err != nil {
			return fmt.Errorf("update position: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		query = tx.Rebind(`
			INSERT INTO positions (
				id, symbol, exchange, strategy, quantity, entry_price, stop_price,
				take_profit_price, reduce_only_stop_installed, opened_at, updated_at, closed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, query,
			uuid.NewString(), symbol, exchange, strategy, quantity, entryPrice, stopPrice,
			nil, true, now, now, nil); err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
	default:
		return fmt.Errorf("load position: %w", err)
	}
	return tx.Commit()
}

// MarkStopInstalled records that a protective stop now rests on the venue
// for the open position, updating the tracked stop price.
func (s *Store) MarkStopInstalled(ctx context.Context, symbol, exchange, strategy string, stopPrice float64) error {
	query := s.db.Rebind(`
		UPDATE positions
		SET reduce_only_stop_installed = ?, stop_price = ?, updated_at = ?
		WHERE symbol = ? AND exchange = ? AND strategy = ? AND closed_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, true, stopPrice, time.Now().UTC(), symbol, exchange, strategy)
	if err != nil {
		return fmt.Errorf("mark stop installed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no open position for %s/%s/%s", symbol, exchange, strategy)
	}
	return nil
}

// OpenPositions returns every position with closed_at null.
func (s *Store) OpenPositions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM positions WHERE closed_at IS NULL ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	return out, nil
}

// GetOpenPosition returns the open position for the triple, or nil.
func (s *Store) GetOpenPosition(ctx context.Context, symbol, exchange, strategy string) (*types.Position, error) {
	var p types.Position
	query := s.db.Rebind(`
		SELECT * FROM positions
		WHERE symbol = ? AND exchange = ? AND strategy = ? AND closed_at IS NULL`)
	if err := s.db.GetContext(ctx, &p, query, symbol, exchange, strategy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return &p, nil
}

// OpenRisk sums |entry − stop| × |qty| over all open positions: the
// portfolio heat input to the circuit breakers.
func (s *Store) OpenRisk(ctx context.Context) (float64, error) {
	positions, err := s.OpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, p := range positions {
		total += p.Risk()
	}
	return total, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account states
// ————————————————————————————————————————————————————————————————————————

// InsertAccountState appends an account snapshot.
func (s *Store) InsertAccountState(ctx context.Context, a *types.AccountState) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	query := s.db.Rebind(`
		INSERT INTO account_states (id, account_id, equity, cash, buying_power, leverage, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.AccountID, a.Equity, a.Cash, a.BuyingPower, a.Leverage, a.Timestamp)
	if err != nil {
		return fmt.Errorf("insert account state: %w", err)
	}
	return nil
}

// LatestEquity returns the equity of the newest account snapshot. ok is
// false when no snapshot has ever been recorded, in which case callers fall
// back to the configured placeholder.
func (s *Store) LatestEquity(ctx context.Context) (float64, bool, error) {
	var equity float64
	err := s.db.GetContext(ctx, &equity,
		`SELECT equity FROM account_states ORDER BY timestamp DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("latest equity: %w", err)
	}
	return equity, true, nil
}
