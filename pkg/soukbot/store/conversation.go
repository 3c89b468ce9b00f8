package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PendingOrder is the order being collected during a conversation. Fields
// fill in over multiple turns; Confirmed flips only when the customer
// explicitly confirms.
type PendingOrder struct {
	ProductID       string  `json:"product_id,omitempty"`
	ProductName     string  `json:"product_name,omitempty"`
	OriginalPrice   float64 `json:"original_price,omitempty"`
	DiscountedPrice float64 `json:"discounted_price,omitempty"`
	CustomerName    string  `json:"customer_name,omitempty"`
	Phone           string  `json:"phone,omitempty"`
	Address         string  `json:"address,omitempty"`
	Confirmed       bool    `json:"confirmed,omitempty"`
}

// MissingFields returns the required order fields not yet collected,
// in the order they should be asked for.
func (p *PendingOrder) MissingFields() []string {
	var missing []string
	if p == nil || p.ProductName == "" {
		missing = append(missing, "product selection")
	}
	if p == nil || p.CustomerName == "" {
		missing = append(missing, "name")
	}
	if p == nil || p.Phone == "" {
		missing = append(missing, "phone")
	}
	if p == nil || p.Address == "" {
		missing = append(missing, "address")
	}
	return missing
}

// Complete reports whether every required field is present.
func (p *PendingOrder) Complete() bool {
	return len(p.MissingFields()) == 0
}

// Conversation holds per-customer negotiation and order state.
type Conversation struct {
	ID                  string
	SessionID           string
	CurrentDiscount     int
	DiscountRequests    int
	DiscountEscalations int
	Pending             *PendingOrder
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Message is one stored conversation turn.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// GetOrCreateConversation loads a conversation, creating it on first contact.
func (s *Store) GetOrCreateConversation(ctx context.Context, id, sessionID string) (*Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, sessionID, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return s.GetConversation(ctx, id)
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, current_discount, discount_requests, discount_escalations,
		        pending_order, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)

	var conv Conversation
	var pending, createdAt, updatedAt string
	err := row.Scan(&conv.ID, &conv.SessionID, &conv.CurrentDiscount,
		&conv.DiscountRequests, &conv.DiscountEscalations,
		&pending, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	if pending != "" {
		var po PendingOrder
		if err := json.Unmarshal([]byte(pending), &po); err != nil {
			return nil, fmt.Errorf("parse pending order: %w", err)
		}
		conv.Pending = &po
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &conv, nil
}

// ListConversations returns all conversation ids with their last update time,
// most recent first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, current_discount, updated_at
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var updatedAt string
		if err := rows.Scan(&conv.ID, &conv.SessionID, &conv.CurrentDiscount, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, conv)
	}
	return out, rows.Err()
}

// AppendMessage records one turn of the conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, now)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// History returns the last limit messages in chronological order.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SetDiscount updates the negotiated discount percent and bumps the
// request counter. The escalation counter moves separately because not
// every request escalates.
func (s *Store) SetDiscount(ctx context.Context, conversationID string, percent int, escalated bool) error {
	esc := 0
	if escalated {
		esc = 1
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET current_discount = ?,
		     discount_requests = discount_requests + 1,
		     discount_escalations = discount_escalations + ?,
		     updated_at = ?
		 WHERE id = ?`,
		percent, esc, now, conversationID)
	if err != nil {
		return fmt.Errorf("set discount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPendingOrder replaces the conversation's in-progress order.
// A nil order clears it.
func (s *Store) SetPendingOrder(ctx context.Context, conversationID string, po *PendingOrder) error {
	var payload string
	if po != nil {
		data, err := json.Marshal(po)
		if err != nil {
			return fmt.Errorf("marshal pending order: %w", err)
		}
		payload = string(data)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET pending_order = ?, updated_at = ? WHERE id = ?`,
		payload, now, conversationID)
	if err != nil {
		return fmt.Errorf("set pending order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearConversation deletes a conversation and its message history.
// Confirmed orders are kept.
func (s *Store) ClearConversation(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// StalePendingOrders returns conversations whose incomplete pending order
// has not been touched since the cutoff. Used by the follow-up sweeper.
func (s *Store) StalePendingOrders(ctx context.Context, cutoff time.Time) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, pending_order, updated_at
		 FROM conversations
		 WHERE pending_order != '' AND updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var pending, updatedAt string
		if err := rows.Scan(&conv.ID, &conv.SessionID, &pending, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan stale order: %w", err)
		}
		var po PendingOrder
		if err := json.Unmarshal([]byte(pending), &po); err != nil {
			continue
		}
		if po.Complete() {
			continue
		}
		conv.Pending = &po
		conv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, conv)
	}
	return out, rows.Err()
}
