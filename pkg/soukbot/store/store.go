// Package store provides the SQLite document store for the sales agent.
// A single soukbot.db file holds conversations, message history, confirmed
// orders, and the product catalog. WhatsApp credential databases (whatsmeow
// sessions) remain separate, one file per session.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrOrderNotPersisted is returned when an order insert cannot be read
// back. Callers must treat this as a hard failure: the order was not
// durably recorded and the customer must not be told otherwise.
var ErrOrderNotPersisted = errors.New("order not persisted")

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- One row per customer conversation. Discount negotiation state and the
-- in-progress order live here; confirmed orders move to the orders table.
CREATE TABLE IF NOT EXISTS conversations (
    id                   TEXT PRIMARY KEY,
    session_id           TEXT DEFAULT '',
    current_discount     INTEGER DEFAULT 0,
    discount_requests    INTEGER DEFAULT 0,
    discount_escalations INTEGER DEFAULT 0,
    pending_order        TEXT DEFAULT '',
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);

-- Message history (append-only, one row per message).
CREATE TABLE IF NOT EXISTS messages (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_cid ON messages(conversation_id);

-- Confirmed orders.
CREATE TABLE IF NOT EXISTS orders (
    id               TEXT PRIMARY KEY,
    conversation_id  TEXT NOT NULL,
    product_id       TEXT DEFAULT '',
    product_name     TEXT NOT NULL,
    original_price   REAL NOT NULL,
    discounted_price REAL NOT NULL,
    discount_percent INTEGER DEFAULT 0,
    customer_name    TEXT NOT NULL,
    phone            TEXT NOT NULL,
    address          TEXT NOT NULL,
    status           TEXT NOT NULL,
    created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_cid ON orders(conversation_id);

-- Product catalog with embedding vectors for similarity search.
CREATE TABLE IF NOT EXISTS products (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT DEFAULT '',
    price       REAL NOT NULL,
    stock       INTEGER DEFAULT 0,
    embedding   BLOB,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the soukbot database at the given path.
// It enables WAL mode for concurrent read performance and creates all tables.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "./data/soukbot.db"
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
