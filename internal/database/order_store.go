package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"equity-trading-engine/internal/orders"
)

const orderColumns = `id, broker_order_id, symbol, side, quantity, price, status, shadow, reason,
	retry_count, first_failed_at, filled_price, filled_at, created_at, updated_at`

// OrderStore is the PostgreSQL implementation of orders.Store
type OrderStore struct {
	db *DB
}

// NewOrderStore creates a Postgres-backed order store
func NewOrderStore(db *DB) *OrderStore {
	return &OrderStore{db: db}
}

// Create inserts a new order row
func (s *OrderStore) Create(ctx context.Context, order *orders.Order) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		order.ID, order.BrokerOrderID, order.Symbol, string(order.Side),
		order.Quantity, order.Price, string(order.Status), order.Shadow, order.Reason,
		order.RetryCount, order.FirstFailedAt, nullableFloat(order.FilledPrice),
		order.FilledAt, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return orders.ErrDuplicateIntent
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Update overwrites the existing row
func (s *OrderStore) Update(ctx context.Context, order *orders.Order) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE orders SET
			broker_order_id = NULLIF($2, ''),
			symbol = $3, side = $4, quantity = $5, price = $6,
			status = $7, shadow = $8, reason = $9, retry_count = $10,
			first_failed_at = $11, filled_price = $12, filled_at = $13,
			updated_at = $14
		WHERE id = $1`,
		order.ID, order.BrokerOrderID, order.Symbol, string(order.Side),
		order.Quantity, order.Price, string(order.Status), order.Shadow, order.Reason,
		order.RetryCount, order.FirstFailedAt, nullableFloat(order.FilledPrice),
		order.FilledAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrOrderNotFound
	}
	return nil
}

// GetByID returns the order with the given internal id
func (s *OrderStore) GetByID(ctx context.Context, id string) (*orders.Order, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// GetByBrokerID returns the order bound to the given broker order id
func (s *OrderStore) GetByBrokerID(ctx context.Context, brokerOrderID string) (*orders.Order, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = $1`, brokerOrderID)
	return scanOrder(row)
}

// ListByStatus returns orders in any of the given statuses, oldest first
func (s *OrderStore) ListByStatus(ctx context.Context, statuses ...orders.Status) ([]*orders.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, status := range statuses {
		names[i] = string(status)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var result []*orders.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, order)
	}
	return result, rows.Err()
}

// FindActive returns the pending/ongoing order holding the
// instrument+side slot, or nil when the slot is free. Shadow records
// never hold the slot.
func (s *OrderStore) FindActive(ctx context.Context, symbol string, side orders.Side) (*orders.Order, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE symbol = $1 AND side = $2 AND status IN ('pending', 'ongoing') AND NOT shadow`,
		symbol, string(side))
	order, err := scanOrder(row)
	if errors.Is(err, orders.ErrOrderNotFound) {
		return nil, nil
	}
	return order, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*orders.Order, error) {
	var o orders.Order
	var brokerID *string
	var filledPrice *float64
	var side, status string

	err := row.Scan(
		&o.ID, &brokerID, &o.Symbol, &side, &o.Quantity, &o.Price,
		&status, &o.Shadow, &o.Reason, &o.RetryCount, &o.FirstFailedAt,
		&filledPrice, &o.FilledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if brokerID != nil {
		o.BrokerOrderID = *brokerID
	}
	if filledPrice != nil {
		o.FilledPrice = *filledPrice
	}
	o.Side = orders.Side(side)
	o.Status = orders.Status(status)
	return &o, nil
}

func nullableFloat(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}
