package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/pharmacy/internal/catalog"
)

// Catalog returns the catalog.Repository view of the store.
func (s *Store) Catalog() *CatalogRepo { return &CatalogRepo{s: s} }

// CatalogRepo implements catalog.Repository on SQLite.
type CatalogRepo struct{ s *Store }

var _ catalog.Repository = (*CatalogRepo)(nil)

const productColumns = `id, sku, barcode, name, category_id, supplier_id, price, cost_price,
	stock_quantity, min_stock_level, max_stock_level, expiry_date, manufacture_date,
	is_active, version, created_at, updated_at`

func (c *CatalogRepo) GetProduct(ctx context.Context, id int64) (catalog.Product, error) {
	var p catalog.Product
	err := c.s.db.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Product{}, fmt.Errorf("product %d: %w", id, catalog.ErrNotFound)
	}
	return p, err
}

func (c *CatalogRepo) GetUser(ctx context.Context, id int64) (catalog.User, error) {
	var u catalog.User
	err := c.s.db.GetContext(ctx, &u, `SELECT id, username, full_name, role, is_active FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.User{}, fmt.Errorf("user %d: %w", id, catalog.ErrNotFound)
	}
	return u, err
}

func (c *CatalogRepo) GetPatient(ctx context.Context, id int64) (catalog.Patient, error) {
	var p catalog.Patient
	err := c.s.db.GetContext(ctx, &p, `SELECT id, full_name, phone FROM patients WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Patient{}, fmt.Errorf("patient %d: %w", id, catalog.ErrNotFound)
	}
	return p, err
}

func (c *CatalogRepo) ListLowStock(ctx context.Context) ([]catalog.Product, error) {
	var products []catalog.Product
	err := c.s.db.SelectContext(ctx, &products, `SELECT `+productColumns+` FROM products
		WHERE is_active = 1 AND stock_quantity <= min_stock_level
		ORDER BY stock_quantity - min_stock_level, id`)
	return products, err
}

func (c *CatalogRepo) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]catalog.Product, error) {
	var products []catalog.Product
	err := c.s.db.SelectContext(ctx, &products, `SELECT `+productColumns+` FROM products
		WHERE is_active = 1 AND expiry_date IS NOT NULL AND expiry_date <= ?
		ORDER BY expiry_date, id`, cutoff.UTC())
	return products, err
}

func (c *CatalogRepo) ListActiveProductIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := c.s.db.SelectContext(ctx, &ids, `SELECT id FROM products WHERE is_active = 1 ORDER BY id`)
	return ids, err
}

// PutProduct inserts or replaces catalog data of a product. Stock is not touched
// on existing rows; new rows start at zero and are filled through the ledger.
func (c *CatalogRepo) PutProduct(ctx context.Context, p catalog.Product) error {
	_, err := c.s.db.NamedExecContext(ctx, `INSERT INTO products
		(id, sku, barcode, name, category_id, supplier_id, price, cost_price, min_stock_level,
		 max_stock_level, expiry_date, manufacture_date, is_active)
		VALUES (:id, :sku, :barcode, :name, :category_id, :supplier_id, :price, :cost_price, :min_stock_level,
		 :max_stock_level, :expiry_date, :manufacture_date, :is_active)
		ON CONFLICT (id) DO UPDATE SET
		 sku = excluded.sku, barcode = excluded.barcode, name = excluded.name,
		 category_id = excluded.category_id, supplier_id = excluded.supplier_id,
		 price = excluded.price, cost_price = excluded.cost_price,
		 min_stock_level = excluded.min_stock_level, max_stock_level = excluded.max_stock_level,
		 expiry_date = excluded.expiry_date, manufacture_date = excluded.manufacture_date,
		 is_active = excluded.is_active, updated_at = CURRENT_TIMESTAMP`, p)
	return err
}

// PutUser inserts or replaces a user.
func (c *CatalogRepo) PutUser(ctx context.Context, u catalog.User) error {
	_, err := c.s.db.NamedExecContext(ctx, `INSERT OR REPLACE INTO users (id, username, full_name, role, is_active)
		VALUES (:id, :username, :full_name, :role, :is_active)`, u)
	return err
}

// PutPatient inserts or replaces a patient.
func (c *CatalogRepo) PutPatient(ctx context.Context, p catalog.Patient) error {
	_, err := c.s.db.NamedExecContext(ctx, `INSERT OR REPLACE INTO patients (id, full_name, phone)
		VALUES (:id, :full_name, :phone)`, p)
	return err
}
