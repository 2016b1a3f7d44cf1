package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/pharmacy/internal/platform/db"
)

const reversalConstraint = "inventory_transactions_reversal_of_key"

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction. Serialization
// failures surface as ErrVersionConflict so the ledger retries them.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if err != nil && db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

// GetTransaction loads one ledger entry.
func (r *Repository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM inventory_transactions WHERE id=$1`, id)
	entry, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	return entry, nil
}

// ListTransactions returns entries of a product in ledger order.
func (r *Repository) ListTransactions(ctx context.Context, filter HistoryFilter) ([]Transaction, error) {
	return listTransactions(ctx, r.pool, filter)
}

func (t *txRepo) GetStock(ctx context.Context, productID int64) (StockLevel, error) {
	var level StockLevel
	err := t.tx.QueryRow(ctx, `SELECT id, stock_quantity, version, is_active FROM products WHERE id=$1`, productID).
		Scan(&level.ProductID, &level.Quantity, &level.Version, &level.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockLevel{}, fmt.Errorf("%w: %d", ErrProductNotFound, productID)
		}
		return StockLevel{}, err
	}
	return level, nil
}

func (t *txRepo) UpdateStock(ctx context.Context, productID int64, quantity int, expectedVersion int64) (int64, error) {
	var version int64
	err := t.tx.QueryRow(ctx, `UPDATE products
		SET stock_quantity=$2, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$3
		RETURNING version`, productID, quantity, expectedVersion).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsSerializationFailure(err) {
			return 0, ErrVersionConflict
		}
		return 0, err
	}
	return version, nil
}

func (t *txRepo) InsertTransaction(ctx context.Context, entry Transaction) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO inventory_transactions
		(product_id, tx_type, quantity_delta, reason, user_id, transaction_date, resulting_stock_quantity, ref_module, ref_id, reversal_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		entry.ProductID, string(entry.Type), entry.QuantityDelta, entry.Reason, nullInt(entry.UserID),
		entry.TransactionDate, entry.ResultingStockQuantity, entry.RefModule, entry.RefID, entry.ReversalOf,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err, reversalConstraint) {
			return 0, ErrAlreadyReversed
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) HasReversal(ctx context.Context, transactionID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_transactions WHERE reversal_of=$1)`, transactionID).Scan(&exists)
	return exists, err
}

func (t *txRepo) ListTransactions(ctx context.Context, filter HistoryFilter) ([]Transaction, error) {
	return listTransactions(ctx, t.tx, filter)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const transactionColumns = `id, product_id, tx_type, quantity_delta, reason, COALESCE(user_id, 0),
	transaction_date, resulting_stock_quantity, ref_module, ref_id, reversal_of`

func listTransactions(ctx context.Context, q querier, filter HistoryFilter) ([]Transaction, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + transactionColumns + ` FROM inventory_transactions WHERE product_id=$1`)
	args := []any{filter.ProductID}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		fmt.Fprintf(&sb, " AND transaction_date >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		fmt.Fprintf(&sb, " AND transaction_date <= $%d", len(args))
	}
	sb.WriteString(" ORDER BY id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	rows, err := q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Transaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var entry Transaction
	var txType string
	err := row.Scan(&entry.ID, &entry.ProductID, &txType, &entry.QuantityDelta, &entry.Reason, &entry.UserID,
		&entry.TransactionDate, &entry.ResultingStockQuantity, &entry.RefModule, &entry.RefID, &entry.ReversalOf)
	entry.Type = TransactionType(txType)
	return entry, err
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
