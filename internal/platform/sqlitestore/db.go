// Package sqlitestore keeps the catalog, ledger and sales in a single SQLite
// file for single-terminal deployments.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database at dsn and applies the schema. SQLite allows
// one writer, so the pool holds a single connection and transactions queue on it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates missing tables.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration %d: %w", i+1, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

var schema = []string{
	`PRAGMA foreign_keys = ON;`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL,
		role TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS patients (
		id INTEGER PRIMARY KEY,
		full_name TEXT NOT NULL,
		phone TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY,
		sku TEXT NOT NULL UNIQUE,
		barcode TEXT,
		name TEXT NOT NULL,
		category_id INTEGER NOT NULL DEFAULT 0,
		supplier_id INTEGER,
		price TEXT NOT NULL,
		cost_price TEXT NOT NULL DEFAULT '0',
		stock_quantity INTEGER NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
		min_stock_level INTEGER NOT NULL DEFAULT 0,
		max_stock_level INTEGER NOT NULL DEFAULT 0,
		expiry_date DATETIME,
		manufacture_date DATETIME,
		is_active INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS inventory_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER NOT NULL REFERENCES products(id),
		tx_type TEXT NOT NULL,
		quantity_delta INTEGER NOT NULL CHECK (quantity_delta <> 0),
		reason TEXT NOT NULL DEFAULT '',
		user_id INTEGER,
		transaction_date DATETIME NOT NULL,
		resulting_stock_quantity INTEGER NOT NULL,
		ref_module TEXT NOT NULL DEFAULT '',
		ref_id TEXT NOT NULL DEFAULT '',
		reversal_of INTEGER UNIQUE REFERENCES inventory_transactions(id)
	);`,
	`CREATE INDEX IF NOT EXISTS inventory_transactions_product_idx ON inventory_transactions (product_id, transaction_date, id);`,
	`CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);`,
	`INSERT OR IGNORE INTO counters (name, value) VALUES ('sale_number', 0);`,
	`CREATE TABLE IF NOT EXISTS sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sale_number TEXT NOT NULL UNIQUE,
		reference TEXT NOT NULL UNIQUE,
		sale_date DATETIME NOT NULL,
		sub_total TEXT NOT NULL,
		discount_kind TEXT NOT NULL DEFAULT '',
		discount_value TEXT NOT NULL DEFAULT '0',
		discount_amount TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL,
		patient_id INTEGER REFERENCES patients(id),
		cashier_id INTEGER NOT NULL REFERENCES users(id),
		voided_at DATETIME,
		voided_by INTEGER,
		void_reason TEXT,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS sale_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sale_id INTEGER NOT NULL REFERENCES sales(id),
		line_no INTEGER NOT NULL,
		product_id INTEGER NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		discount TEXT NOT NULL DEFAULT '0',
		line_total TEXT NOT NULL,
		inventory_transaction_id INTEGER NOT NULL REFERENCES inventory_transactions(id),
		UNIQUE (sale_id, line_no)
	);`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		meta TEXT NOT NULL,
		occurred_at DATETIME NOT NULL
	);`,
}
