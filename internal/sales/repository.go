package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/pharmacy/internal/platform/db"
	"github.com/odyssey-erp/pharmacy/internal/pricing"
)

// PGRepository provides PostgreSQL backed persistence for sales.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetSale loads the sale header and its items.
func (r *PGRepository) GetSale(ctx context.Context, id int64) (Sale, error) {
	sale, err := scanSale(r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, fmt.Errorf("sale %d: %w", id, ErrNotFound)
		}
		return Sale{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM sale_items WHERE sale_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return Sale{}, err
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return Sale{}, err
		}
		sale.Items = append(sale.Items, item)
	}
	return sale, rows.Err()
}

// ============================================================================
// TRANSACTIONAL OPERATIONS
// ============================================================================

// NextSaleNumber draws from sale_number_seq and formats S-YYYYMMDD-NNNNNN.
func (t *txRepo) NextSaleNumber(ctx context.Context, at time.Time) (string, error) {
	var seq int64
	if err := t.tx.QueryRow(ctx, `SELECT nextval('sale_number_seq')`).Scan(&seq); err != nil {
		return "", err
	}
	return FormatSaleNumber(at, seq), nil
}

func (t *txRepo) InsertSale(ctx context.Context, sale Sale) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO sales
		(sale_number, reference, sale_date, sub_total, discount_kind, discount_value, discount_amount,
		 tax_rate, tax_amount, total_amount, payment_method, status, patient_id, cashier_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		sale.SaleNumber, sale.Reference, sale.SaleDate, sale.SubTotal, string(sale.DiscountKind), sale.DiscountValue,
		sale.DiscountAmount, sale.TaxRate, sale.TaxAmount, sale.TotalAmount, string(sale.PaymentMethod),
		string(sale.Status), sale.PatientID, sale.CashierID, sale.CreatedAt,
	).Scan(&id)
	return id, err
}

func (t *txRepo) InsertSaleItem(ctx context.Context, item SaleItem) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO sale_items
		(sale_id, line_no, product_id, quantity, unit_price, discount, line_total, inventory_transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		item.SaleID, item.LineNo, item.ProductID, item.Quantity, item.UnitPrice, item.Discount,
		item.LineTotal, item.InventoryTransactionID,
	).Scan(&id)
	return id, err
}

func (t *txRepo) GetSaleForUpdate(ctx context.Context, id int64) (Sale, error) {
	sale, err := scanSale(t.tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, fmt.Errorf("sale %d: %w", id, ErrNotFound)
		}
		return Sale{}, err
	}
	return sale, nil
}

func (t *txRepo) UpdateSaleStatus(ctx context.Context, id int64, update StatusUpdate) error {
	at, by, reason := update.VoidFields()
	tag, err := t.tx.Exec(ctx, `UPDATE sales
		SET status=$2, voided_at=$3, voided_by=$4, void_reason=$5
		WHERE id=$1`, id, string(update.Status), at, by, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sale %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *txRepo) UpdateSaleItemEntry(ctx context.Context, itemID, entryID int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sale_items SET inventory_transaction_id=$2 WHERE id=$1`, itemID, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sale item %d: %w", itemID, ErrNotFound)
	}
	return nil
}

// ============================================================================
// SCANNING
// ============================================================================

const saleColumns = `id, sale_number, reference, sale_date, sub_total, discount_kind, discount_value,
	discount_amount, tax_rate, tax_amount, total_amount, payment_method, status, patient_id, cashier_id,
	voided_at, voided_by, void_reason, created_at`

const itemColumns = `id, sale_id, line_no, product_id, quantity, unit_price, discount, line_total,
	inventory_transaction_id`

func scanSale(row pgx.Row) (Sale, error) {
	var (
		sale                         Sale
		discountKind, method, status string
	)
	err := row.Scan(&sale.ID, &sale.SaleNumber, &sale.Reference, &sale.SaleDate, &sale.SubTotal, &discountKind,
		&sale.DiscountValue, &sale.DiscountAmount, &sale.TaxRate, &sale.TaxAmount, &sale.TotalAmount, &method,
		&status, &sale.PatientID, &sale.CashierID, &sale.VoidedAt, &sale.VoidedBy, &sale.VoidReason, &sale.CreatedAt)
	sale.DiscountKind = pricing.DiscountKind(discountKind)
	sale.PaymentMethod = PaymentMethod(method)
	sale.Status = Status(status)
	return sale, err
}

func scanItem(row pgx.Row) (SaleItem, error) {
	var item SaleItem
	err := row.Scan(&item.ID, &item.SaleID, &item.LineNo, &item.ProductID, &item.Quantity, &item.UnitPrice,
		&item.Discount, &item.LineTotal, &item.InventoryTransactionID)
	return item, err
}

// FormatSaleNumber renders the human sale number for a sequence value.
func FormatSaleNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("S-%s-%06d", at.UTC().Format("20060102"), seq)
}
