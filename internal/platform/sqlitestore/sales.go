package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/odyssey-erp/pharmacy/internal/sales"
)

// Sales returns the sales.Repository view of the store.
func (s *Store) Sales() *SalesRepo { return &SalesRepo{s: s} }

// SalesRepo implements sales.Repository on SQLite.
type SalesRepo struct{ s *Store }

var _ sales.Repository = (*SalesRepo)(nil)

type salesTx struct {
	tx *sqlx.Tx
}

const saleColumns = `id, sale_number, reference, sale_date, sub_total, discount_kind, discount_value,
	discount_amount, tax_rate, tax_amount, total_amount, payment_method, status, patient_id, cashier_id,
	voided_at, voided_by, void_reason, created_at`

const itemColumns = `id, sale_id, line_no, product_id, quantity, unit_price, discount, line_total,
	inventory_transaction_id`

func (r *SalesRepo) WithTx(ctx context.Context, fn func(context.Context, sales.TxRepository) error) error {
	return withTx(ctx, r.s.db, func(tx *sqlx.Tx) error {
		return fn(ctx, &salesTx{tx: tx})
	})
}

func (r *SalesRepo) GetSale(ctx context.Context, id int64) (sales.Sale, error) {
	return getSale(ctx, r.s.db, id)
}

func getSale(ctx context.Context, q sqlx.QueryerContext, id int64) (sales.Sale, error) {
	var sale sales.Sale
	err := sqlx.GetContext(ctx, q, &sale, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return sales.Sale{}, fmt.Errorf("sale %d: %w", id, sales.ErrNotFound)
	}
	if err != nil {
		return sales.Sale{}, err
	}
	err = sqlx.SelectContext(ctx, q, &sale.Items, `SELECT `+itemColumns+` FROM sale_items WHERE sale_id = ? ORDER BY line_no`, id)
	return sale, err
}

func (t *salesTx) NextSaleNumber(ctx context.Context, at time.Time) (string, error) {
	var seq int64
	err := t.tx.GetContext(ctx, &seq, `UPDATE counters SET value = value + 1 WHERE name = 'sale_number' RETURNING value`)
	if err != nil {
		return "", err
	}
	return sales.FormatSaleNumber(at, seq), nil
}

func (t *salesTx) InsertSale(ctx context.Context, sale sales.Sale) (int64, error) {
	sale.SaleDate = sale.SaleDate.UTC()
	sale.CreatedAt = sale.CreatedAt.UTC()
	res, err := t.tx.NamedExecContext(ctx, `INSERT INTO sales
		(sale_number, reference, sale_date, sub_total, discount_kind, discount_value, discount_amount,
		 tax_rate, tax_amount, total_amount, payment_method, status, patient_id, cashier_id, created_at)
		VALUES (:sale_number, :reference, :sale_date, :sub_total, :discount_kind, :discount_value, :discount_amount,
		 :tax_rate, :tax_amount, :total_amount, :payment_method, :status, :patient_id, :cashier_id, :created_at)`, sale)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *salesTx) InsertSaleItem(ctx context.Context, item sales.SaleItem) (int64, error) {
	res, err := t.tx.NamedExecContext(ctx, `INSERT INTO sale_items
		(sale_id, line_no, product_id, quantity, unit_price, discount, line_total, inventory_transaction_id)
		VALUES (:sale_id, :line_no, :product_id, :quantity, :unit_price, :discount, :line_total, :inventory_transaction_id)`, item)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSaleForUpdate reads inside the transaction; the single writer connection
// already excludes concurrent updates.
func (t *salesTx) GetSaleForUpdate(ctx context.Context, id int64) (sales.Sale, error) {
	return getSale(ctx, t.tx, id)
}

func (t *salesTx) UpdateSaleStatus(ctx context.Context, id int64, update sales.StatusUpdate) error {
	at, by, reason := update.VoidFields()
	res, err := t.tx.ExecContext(ctx, `UPDATE sales SET status = ?, voided_at = ?, voided_by = ?, void_reason = ? WHERE id = ?`,
		string(update.Status), nullable(at), nullable(by), nullable(reason), id)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("sale %d: %w", id, sales.ErrNotFound))
}

func (t *salesTx) UpdateSaleItemEntry(ctx context.Context, itemID, entryID int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE sale_items SET inventory_transaction_id = ? WHERE id = ?`, entryID, itemID)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("sale item %d: %w", itemID, sales.ErrNotFound))
}

// nullable turns a nil pointer into NULL and anything else into its value.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
