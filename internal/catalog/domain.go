package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound indicates the referenced product, user or patient does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Product is the stock-bearing catalog entry. StockQuantity and Version are
// written only by the inventory ledger.
type Product struct {
	ID              int64           `json:"id" db:"id"`
	SKU             string          `json:"sku" db:"sku"`
	Barcode         *string         `json:"barcode,omitempty" db:"barcode"`
	Name            string          `json:"name" db:"name"`
	CategoryID      int64           `json:"category_id" db:"category_id"`
	SupplierID      *int64          `json:"supplier_id,omitempty" db:"supplier_id"`
	Price           decimal.Decimal `json:"price" db:"price"`
	CostPrice       decimal.Decimal `json:"cost_price" db:"cost_price"`
	StockQuantity   int             `json:"stock_quantity" db:"stock_quantity"`
	MinStockLevel   int             `json:"min_stock_level" db:"min_stock_level"`
	MaxStockLevel   int             `json:"max_stock_level" db:"max_stock_level"`
	ExpiryDate      *time.Time      `json:"expiry_date,omitempty" db:"expiry_date"`
	ManufactureDate *time.Time      `json:"manufacture_date,omitempty" db:"manufacture_date"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	Version         int64           `json:"version" db:"version"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// IsLowStock reports whether stock is at or below the minimum level.
func (p Product) IsLowStock() bool {
	return p.StockQuantity <= p.MinStockLevel
}

// IsExpiringSoon reports whether the product expires within horizon of now.
func (p Product) IsExpiringSoon(now time.Time, horizon time.Duration) bool {
	if p.ExpiryDate == nil {
		return false
	}
	return !p.ExpiryDate.After(now.Add(horizon))
}

// User is a back-office account allowed to ring up sales.
type User struct {
	ID       int64  `json:"id" db:"id"`
	Username string `json:"username" db:"username"`
	FullName string `json:"full_name" db:"full_name"`
	Role     string `json:"role" db:"role"`
	IsActive bool   `json:"is_active" db:"is_active"`
}

// Patient is the optional customer a sale is recorded against.
type Patient struct {
	ID       int64   `json:"id" db:"id"`
	FullName string  `json:"full_name" db:"full_name"`
	Phone    *string `json:"phone,omitempty" db:"phone"`
}
