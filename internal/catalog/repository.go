package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:generate mockgen -source=repository.go -destination=mock_lookup.go -package=catalog

// Lookup resolves the read-only references a sale depends on.
type Lookup interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetUser(ctx context.Context, id int64) (User, error)
	GetPatient(ctx context.Context, id int64) (Patient, error)
}

// Repository extends Lookup with the stock queries used by the monitor and jobs.
type Repository interface {
	Lookup
	ListLowStock(ctx context.Context) ([]Product, error)
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]Product, error)
	ListActiveProductIDs(ctx context.Context) ([]int64, error)
}

// PGRepository reads catalog data from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const productColumns = `id, sku, barcode, name, category_id, supplier_id, price, cost_price,
	stock_quantity, min_stock_level, max_stock_level, expiry_date, manufacture_date,
	is_active, version, created_at, updated_at`

// GetProduct loads a single product.
func (r *PGRepository) GetProduct(ctx context.Context, id int64) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
		}
		return Product{}, err
	}
	return product, nil
}

// GetUser loads an active user.
func (r *PGRepository) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `SELECT id, username, full_name, role, is_active FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return User{}, err
	}
	return u, nil
}

// GetPatient loads a patient.
func (r *PGRepository) GetPatient(ctx context.Context, id int64) (Patient, error) {
	var p Patient
	err := r.pool.QueryRow(ctx, `SELECT id, full_name, phone FROM patients WHERE id=$1`, id).
		Scan(&p.ID, &p.FullName, &p.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Patient{}, fmt.Errorf("patient %d: %w", id, ErrNotFound)
		}
		return Patient{}, err
	}
	return p, nil
}

// ListLowStock returns active products at or below their minimum level.
func (r *PGRepository) ListLowStock(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products
		WHERE is_active AND stock_quantity <= min_stock_level
		ORDER BY stock_quantity - min_stock_level, id`)
	if err != nil {
		return nil, err
	}
	return collectProducts(rows)
}

// ListExpiringBefore returns active products whose expiry date is on or before cutoff.
func (r *PGRepository) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products
		WHERE is_active AND expiry_date IS NOT NULL AND expiry_date <= $1
		ORDER BY expiry_date, id`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectProducts(rows)
}

// ListActiveProductIDs returns the ids of all active products in ascending order.
func (r *PGRepository) ListActiveProductIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM products WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func collectProducts(rows pgx.Rows) ([]Product, error) {
	defer rows.Close()
	var products []Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(
		&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.CategoryID, &p.SupplierID, &p.Price, &p.CostPrice,
		&p.StockQuantity, &p.MinStockLevel, &p.MaxStockLevel, &p.ExpiryDate, &p.ManufactureDate,
		&p.IsActive, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
