package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Order is a confirmed customer order.
type Order struct {
	ID              string
	ConversationID  string
	ProductID       string
	ProductName     string
	OriginalPrice   float64
	DiscountedPrice float64
	DiscountPercent int
	CustomerName    string
	Phone           string
	Address         string
	Status          string
	CreatedAt       time.Time
}

// InsertOrder persists a confirmed order and verifies the write by reading
// the row back. Returns ErrOrderNotPersisted when the read-back fails, in
// which case the order must be treated as not recorded.
func (s *Store) InsertOrder(ctx context.Context, o *Order) error {
	if o.ID == "" {
		return fmt.Errorf("order id required")
	}
	now := time.Now().UTC()
	o.CreatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, conversation_id, product_id, product_name,
		                     original_price, discounted_price, discount_percent,
		                     customer_name, phone, address, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ConversationID, o.ProductID, o.ProductName,
		o.OriginalPrice, o.DiscountedPrice, o.DiscountPercent,
		o.CustomerName, o.Phone, o.Address, o.Status,
		now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	// Read-after-write verification. An order we cannot read back is an
	// order we never tell the customer about.
	if _, err := s.GetOrder(ctx, o.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrOrderNotPersisted
		}
		return fmt.Errorf("verify order: %w", err)
	}

	return nil
}

// GetOrder loads an order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, product_id, product_name,
		        original_price, discounted_price, discount_percent,
		        customer_name, phone, address, status, created_at
		 FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// ListOrders returns all orders, most recent first.
func (s *Store) ListOrders(ctx context.Context) ([]Order, error) {
	return s.queryOrders(ctx,
		`SELECT id, conversation_id, product_id, product_name,
		        original_price, discounted_price, discount_percent,
		        customer_name, phone, address, status, created_at
		 FROM orders ORDER BY created_at DESC`)
}

// ListOrdersByConversation returns a conversation's orders, most recent first.
func (s *Store) ListOrdersByConversation(ctx context.Context, conversationID string) ([]Order, error) {
	return s.queryOrders(ctx,
		`SELECT id, conversation_id, product_id, product_name,
		        original_price, discounted_price, discount_percent,
		        customer_name, phone, address, status, created_at
		 FROM orders WHERE conversation_id = ? ORDER BY created_at DESC`,
		conversationID)
}

// UpdateOrderStatus moves an order to a new status.
func (s *Store) UpdateOrderStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var createdAt string
		if err := rows.Scan(&o.ID, &o.ConversationID, &o.ProductID, &o.ProductName,
			&o.OriginalPrice, &o.DiscountedPrice, &o.DiscountPercent,
			&o.CustomerName, &o.Phone, &o.Address, &o.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	var createdAt string
	err := row.Scan(&o.ID, &o.ConversationID, &o.ProductID, &o.ProductName,
		&o.OriginalPrice, &o.DiscountedPrice, &o.DiscountPercent,
		&o.CustomerName, &o.Phone, &o.Address, &o.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &o, nil
}
