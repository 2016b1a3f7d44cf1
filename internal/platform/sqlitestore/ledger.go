package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/odyssey-erp/pharmacy/internal/inventory"
)

// Ledger returns the inventory.RepositoryPort view of the store.
func (s *Store) Ledger() *LedgerRepo { return &LedgerRepo{s: s} }

// LedgerRepo implements inventory.RepositoryPort on SQLite.
type LedgerRepo struct{ s *Store }

var _ inventory.RepositoryPort = (*LedgerRepo)(nil)

type ledgerTx struct {
	tx *sqlx.Tx
}

// WithTx runs fn in a transaction. The single connection makes it serial.
func (l *LedgerRepo) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return withTx(ctx, l.s.db, func(tx *sqlx.Tx) error {
		return fn(ctx, &ledgerTx{tx: tx})
	})
}

func (l *LedgerRepo) GetTransaction(ctx context.Context, id int64) (inventory.Transaction, error) {
	var entry inventory.Transaction
	err := l.s.db.GetContext(ctx, &entry, `SELECT `+transactionColumns+` FROM inventory_transactions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Transaction{}, inventory.ErrTransactionNotFound
	}
	return entry, err
}

func (l *LedgerRepo) ListTransactions(ctx context.Context, filter inventory.HistoryFilter) ([]inventory.Transaction, error) {
	return listTransactions(ctx, l.s.db, filter)
}

func (t *ledgerTx) GetStock(ctx context.Context, productID int64) (inventory.StockLevel, error) {
	var row struct {
		ID       int64 `db:"id"`
		Quantity int   `db:"stock_quantity"`
		Version  int64 `db:"version"`
		IsActive bool  `db:"is_active"`
	}
	err := t.tx.GetContext(ctx, &row, `SELECT id, stock_quantity, version, is_active FROM products WHERE id = ?`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.StockLevel{}, fmt.Errorf("%w: %d", inventory.ErrProductNotFound, productID)
	}
	if err != nil {
		return inventory.StockLevel{}, err
	}
	return inventory.StockLevel{ProductID: row.ID, Quantity: row.Quantity, Version: row.Version, IsActive: row.IsActive}, nil
}

func (t *ledgerTx) UpdateStock(ctx context.Context, productID int64, quantity int, expectedVersion int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE products
		SET stock_quantity = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`, quantity, productID, expectedVersion)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, inventory.ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, entry inventory.Transaction) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO inventory_transactions
		(product_id, tx_type, quantity_delta, reason, user_id, transaction_date, resulting_stock_quantity, ref_module, ref_id, reversal_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ProductID, string(entry.Type), entry.QuantityDelta, entry.Reason, nullID(entry.UserID),
		entry.TransactionDate.UTC(), entry.ResultingStockQuantity, entry.RefModule, entry.RefID, entry.ReversalOf)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, inventory.ErrAlreadyReversed
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (t *ledgerTx) HasReversal(ctx context.Context, transactionID int64) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM inventory_transactions WHERE reversal_of = ?)`, transactionID)
	return exists, err
}

func (t *ledgerTx) ListTransactions(ctx context.Context, filter inventory.HistoryFilter) ([]inventory.Transaction, error) {
	return listTransactions(ctx, t.tx, filter)
}

const transactionColumns = `id, product_id, tx_type, quantity_delta, reason, COALESCE(user_id, 0) AS user_id,
	transaction_date, resulting_stock_quantity, ref_module, ref_id, reversal_of`

func listTransactions(ctx context.Context, q sqlx.QueryerContext, filter inventory.HistoryFilter) ([]inventory.Transaction, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + transactionColumns + ` FROM inventory_transactions WHERE product_id = ?`)
	args := []any{filter.ProductID}
	if !filter.From.IsZero() {
		sb.WriteString(` AND transaction_date >= ?`)
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		sb.WriteString(` AND transaction_date <= ?`)
		args = append(args, filter.To.UTC())
	}
	sb.WriteString(` ORDER BY id`)
	if filter.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}
	var entries []inventory.Transaction
	err := sqlx.SelectContext(ctx, q, &entries, sb.String(), args...)
	return entries, err
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullID(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
