// Package persistence stores orders, trades, and equity history in an
// embedded duckdb database and rehydrates pair state at startup.
package persistence

import (
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/moznion/go-optional"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"go.uber.org/zap"
)

// PairState is everything needed to resume one pair after a restart.
type PairState struct {
	Config     types.GridConfig
	Position   types.Position
	Trailing   types.TrailingState
	OpenOrders []types.Order
	LastPrice  float64
}

// Store is the durable side of the trading loop. Writers are the engine
// hooks and the snapshot loop; it is never queried mid-tick.
type Store struct {
	db  *sql.DB
	sq  squirrel.StatementBuilderType
	log *logger.Logger
}

// NewStore opens (or creates) a duckdb database at path. Use ":memory:"
// for throwaway runs.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStoreInitFailed, err, "cannot open database at %s", path)
	}

	return &Store{
		db:  db,
		sq:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		log: log,
	}, nil
}

// Initialize creates the schema.
func (s *Store) Initialize() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			symbol TEXT,
			side TEXT,
			price DOUBLE,
			amount DOUBLE,
			status TEXT,
			level_index INTEGER,
			created_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			order_id TEXT,
			symbol TEXT,
			side TEXT,
			price DOUBLE,
			amount DOUBLE,
			fee DOUBLE,
			executed_at TIMESTAMP,
			realized_pnl DOUBLE,
			base_balance DOUBLE,
			quote_balance DOUBLE
		)`,
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			taken_at TIMESTAMP,
			available_usd DOUBLE,
			secured_profits DOUBLE,
			total_fees DOUBLE,
			total_trade_count BIGINT,
			total_equity DOUBLE
		)`,
		`CREATE TABLE IF NOT EXISTS pair_state (
			symbol TEXT PRIMARY KEY,
			lower_price DOUBLE,
			upper_price DOUBLE,
			num_levels INTEGER,
			spacing TEXT,
			order_size_usd DOUBLE,
			trailing_enabled BOOLEAN,
			trailing_trigger_pct DOUBLE,
			trailing_rebalance_pct DOUBLE,
			trailing_cooldown_secs DOUBLE,
			base_balance DOUBLE,
			quote_balance DOUBLE,
			avg_entry_price DOUBLE,
			realized_pnl DOUBLE,
			total_fees DOUBLE,
			trade_count BIGINT,
			shift_count INTEGER,
			last_shift_at TIMESTAMP,
			last_price DOUBLE,
			updated_at TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(errors.ErrCodeStoreInitFailed, "failed to create schema", err)
		}
	}

	return nil
}

// SaveOrder records a newly-placed order.
func (s *Store) SaveOrder(order types.Order) error {
	_, err := s.sq.
		Insert("orders").
		Options("OR REPLACE").
		Columns("order_id", "symbol", "side", "price", "amount", "status", "level_index", "created_at").
		Values(order.OrderID, order.Symbol, string(order.Side), order.Price, order.Amount, string(order.Status), order.LevelIndex, order.CreatedAt).
		RunWith(s.db).
		Exec()
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStoreQueryFailed, err, "failed to save order %s", order.OrderID)
	}

	return nil
}

// MarkOrderStatus transitions a stored order.
func (s *Store) MarkOrderStatus(orderID string, status types.OrderStatus) error {
	_, err := s.sq.
		Update("orders").
		Set("status", string(status)).
		Where(squirrel.Eq{"order_id": orderID}).
		RunWith(s.db).
		Exec()
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStoreQueryFailed, err, "failed to update order %s", orderID)
	}

	return nil
}

// SaveTrade records a fill along with the position it produced, and marks
// the order filled.
func (s *Store) SaveTrade(fill types.Fill, pos types.Position) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreQueryFailed, "failed to begin transaction", err)
	}

	_, err = s.sq.
		Insert("trades").
		Columns("order_id", "symbol", "side", "price", "amount", "fee", "executed_at", "realized_pnl", "base_balance", "quote_balance").
		Values(fill.OrderID, fill.Symbol, string(fill.Side), fill.Price, fill.Amount, fill.Fee, fill.Timestamp, pos.RealizedPnL, pos.BaseBalance, pos.QuoteBalance).
		RunWith(tx).
		Exec()
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(errors.ErrCodeStoreQueryFailed, err, "failed to save trade for %s", fill.OrderID)
	}

	_, err = s.sq.
		Update("orders").
		Set("status", string(types.OrderStatusFilled)).
		Where(squirrel.Eq{"order_id": fill.OrderID}).
		RunWith(tx).
		Exec()
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(errors.ErrCodeStoreQueryFailed, err, "failed to mark order %s filled", fill.OrderID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeStoreQueryFailed, "failed to commit trade", err)
	}

	return nil
}

// SaveSnapshot appends one pool-wide equity observation.
func (s *Store) SaveSnapshot(pool types.PoolSnapshot, at time.Time) error {
	_, err := s.sq.
		Insert("equity_snapshots").
		Columns("taken_at", "available_usd", "secured_profits", "total_fees", "total_trade_count", "total_equity").
		Values(at, pool.AvailableUSD, pool.SecuredProfits, pool.TotalFees, pool.TotalTradeCount, pool.TotalEquity).
		RunWith(s.db).
		Exec()
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreQueryFailed, "failed to save snapshot", err)
	}

	return nil
}

// SavePairState upserts the resumable state of one pair.
func (s *Store) SavePairState(snap types.PairSnapshot, at time.Time) error {
	cfg := snap.Config
	pos := snap.Position

	_, err := s.sq.
		Insert("pair_state").
		Options("OR REPLACE").
		Columns(
			"symbol", "lower_price", "upper_price", "num_levels", "spacing", "order_size_usd",
			"trailing_enabled", "trailing_trigger_pct", "trailing_rebalance_pct", "trailing_cooldown_secs",
			"base_balance", "quote_balance", "avg_entry_price", "realized_pnl", "total_fees", "trade_count",
			"shift_count", "last_shift_at", "last_price", "updated_at",
		).
		Values(
			snap.Symbol, cfg.LowerPrice, cfg.UpperPrice, cfg.NumLevels, string(cfg.Spacing), cfg.OrderSizeUSD,
			cfg.TrailingEnabled, cfg.TrailingTriggerPct, cfg.TrailingRebalancePct, cfg.TrailingCooldownSecs,
			pos.BaseBalance, pos.QuoteBalance, pos.AvgEntryPrice, pos.RealizedPnL, pos.TotalFees, pos.TradeCount,
			snap.Trailing.ShiftCount, snap.Trailing.LastShiftAt, snap.CurrentPrice, at,
		).
		RunWith(s.db).
		Exec()
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStoreQueryFailed, err, "failed to save pair state for %s", snap.Symbol)
	}

	return nil
}

// OpenOrders lists the orders still marked open for a symbol.
func (s *Store) OpenOrders(symbol string) ([]types.Order, error) {
	rows, err := s.sq.
		Select("order_id", "symbol", "side", "price", "amount", "status", "level_index", "created_at").
		From("orders").
		Where(squirrel.Eq{"symbol": symbol, "status": string(types.OrderStatusOpen)}).
		OrderBy("level_index").
		RunWith(s.db).
		Query()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStoreQueryFailed, err, "failed to query open orders for %s", symbol)
	}
	defer rows.Close()

	var orders []types.Order

	for rows.Next() {
		var (
			order  types.Order
			side   string
			status string
		)

		if err := rows.Scan(&order.OrderID, &order.Symbol, &side, &order.Price, &order.Amount, &status, &order.LevelIndex, &order.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreQueryFailed, "failed to scan order", err)
		}

		order.Side = types.Side(side)
		order.Status = types.OrderStatus(status)
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQueryFailed, "failed to read open orders", err)
	}

	return orders, nil
}

// LoadState reads a pair's resumable state. None means the pair has never
// been persisted.
func (s *Store) LoadState(symbol string) (optional.Option[PairState], error) {
	row := s.sq.
		Select(
			"lower_price", "upper_price", "num_levels", "spacing", "order_size_usd",
			"trailing_enabled", "trailing_trigger_pct", "trailing_rebalance_pct", "trailing_cooldown_secs",
			"base_balance", "quote_balance", "avg_entry_price", "realized_pnl", "total_fees", "trade_count",
			"shift_count", "last_shift_at", "last_price",
		).
		From("pair_state").
		Where(squirrel.Eq{"symbol": symbol}).
		RunWith(s.db).
		QueryRow()

	var (
		state   PairState
		spacing string
	)

	state.Config.Symbol = symbol

	err := row.Scan(
		&state.Config.LowerPrice, &state.Config.UpperPrice, &state.Config.NumLevels, &spacing, &state.Config.OrderSizeUSD,
		&state.Config.TrailingEnabled, &state.Config.TrailingTriggerPct, &state.Config.TrailingRebalancePct, &state.Config.TrailingCooldownSecs,
		&state.Position.BaseBalance, &state.Position.QuoteBalance, &state.Position.AvgEntryPrice, &state.Position.RealizedPnL, &state.Position.TotalFees, &state.Position.TradeCount,
		&state.Trailing.ShiftCount, &state.Trailing.LastShiftAt, &state.LastPrice,
	)
	if err == sql.ErrNoRows {
		return optional.None[PairState](), nil
	}

	if err != nil {
		return optional.None[PairState](), errors.Wrapf(errors.ErrCodeStoreQueryFailed, err, "failed to load state for %s", symbol)
	}

	state.Config.Spacing = types.Spacing(spacing)
	state.Trailing.Enabled = state.Config.TrailingEnabled

	open, err := s.OpenOrders(symbol)
	if err != nil {
		return optional.None[PairState](), err
	}

	state.OpenOrders = open

	return optional.Some(state), nil
}

// EquityHistory returns up to limit snapshots, newest first.
func (s *Store) EquityHistory(limit int) ([]types.PoolSnapshot, error) {
	rows, err := s.sq.
		Select("available_usd", "secured_profits", "total_fees", "total_trade_count", "total_equity").
		From("equity_snapshots").
		OrderBy("taken_at DESC").
		Limit(uint64(limit)).
		RunWith(s.db).
		Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQueryFailed, "failed to query equity history", err)
	}
	defer rows.Close()

	var out []types.PoolSnapshot

	for rows.Next() {
		var snap types.PoolSnapshot

		if err := rows.Scan(&snap.AvailableUSD, &snap.SecuredProfits, &snap.TotalFees, &snap.TotalTradeCount, &snap.TotalEquity); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreQueryFailed, "failed to scan snapshot", err)
		}

		out = append(out, snap)
	}

	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.log.Error("failed to close store", zap.Error(err))
		return err
	}

	return nil
}
