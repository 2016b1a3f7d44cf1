package sales

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacy/internal/pricing"
)

// ============================================================================
// SALE
// ============================================================================

// Status tracks the sale lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusVoided    Status = "VOIDED"
	StatusRefunded  Status = "REFUNDED"
	// StatusReversing holds a sale while a void or refund returns its stock.
	StatusReversing Status = "REVERSING"
)

// PaymentMethod is how the sale was settled.
type PaymentMethod string

const (
	PaymentCash      PaymentMethod = "CASH"
	PaymentCard      PaymentMethod = "CARD"
	PaymentMobile    PaymentMethod = "MOBILE"
	PaymentInsurance PaymentMethod = "INSURANCE"
)

// Sale is the aggregate root; it owns its items by value.
type Sale struct {
	ID             int64                `json:"id" db:"id"`
	SaleNumber     string               `json:"sale_number" db:"sale_number"`
	Reference      string               `json:"reference" db:"reference"`
	SaleDate       time.Time            `json:"sale_date" db:"sale_date"`
	SubTotal       decimal.Decimal      `json:"sub_total" db:"sub_total"`
	DiscountKind   pricing.DiscountKind `json:"discount_kind,omitempty" db:"discount_kind"`
	DiscountValue  decimal.Decimal      `json:"discount_value" db:"discount_value"`
	DiscountAmount decimal.Decimal      `json:"discount_amount" db:"discount_amount"`
	TaxRate        decimal.Decimal      `json:"tax_rate" db:"tax_rate"`
	TaxAmount      decimal.Decimal      `json:"tax_amount" db:"tax_amount"`
	TotalAmount    decimal.Decimal      `json:"total_amount" db:"total_amount"`
	PaymentMethod  PaymentMethod        `json:"payment_method" db:"payment_method"`
	Status         Status               `json:"status" db:"status"`
	PatientID      *int64               `json:"patient_id,omitempty" db:"patient_id"`
	CashierID      int64                `json:"cashier_id" db:"cashier_id"`
	VoidedAt       *time.Time           `json:"voided_at,omitempty" db:"voided_at"`
	VoidedBy       *int64               `json:"voided_by,omitempty" db:"voided_by"`
	VoidReason     *string              `json:"void_reason,omitempty" db:"void_reason"`
	CreatedAt      time.Time            `json:"created_at" db:"created_at"`
	Items          []SaleItem           `json:"items"`
}

// SaleItem is one line of a sale with its price snapshot and ledger link.
type SaleItem struct {
	ID                     int64           `json:"id" db:"id"`
	SaleID                 int64           `json:"sale_id" db:"sale_id"`
	LineNo                 int             `json:"line_no" db:"line_no"`
	ProductID              int64           `json:"product_id" db:"product_id"`
	Quantity               int             `json:"quantity" db:"quantity"`
	UnitPrice              decimal.Decimal `json:"unit_price" db:"unit_price"`
	Discount               decimal.Decimal `json:"discount" db:"discount"`
	LineTotal              decimal.Decimal `json:"line_total" db:"line_total"`
	InventoryTransactionID int64           `json:"inventory_transaction_id" db:"inventory_transaction_id"`
}

// StatusUpdate moves a sale between lifecycle states.
type StatusUpdate struct {
	Status Status
	At     time.Time
	UserID int64
	Reason string
}

// VoidFields returns the voided_at, voided_by and void_reason values to store.
// Only terminal void and refund states carry them.
func (u StatusUpdate) VoidFields() (*time.Time, *int64, *string) {
	if u.Status != StatusVoided && u.Status != StatusRefunded {
		return nil, nil, nil
	}
	at, by, reason := u.At.UTC(), u.UserID, u.Reason
	return &at, &by, &reason
}

// ============================================================================
// REQUESTS
// ============================================================================

// CreateSaleRequest is the input of CreateSale.
type CreateSaleRequest struct {
	CashierID      int64            `json:"cashier_id" validate:"required,gt=0"`
	PatientID      *int64           `json:"patient_id,omitempty" validate:"omitempty,gt=0"`
	PaymentMethod  PaymentMethod    `json:"payment_method" validate:"required,oneof=CASH CARD MOBILE INSURANCE"`
	Discount       *DiscountRequest `json:"discount,omitempty"`
	Lines          []LineRequest    `json:"lines" validate:"required,min=1,max=200,dive"`
	IdempotencyKey string           `json:"-"`
}

// LineRequest is one requested sale line.
type LineRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  int             `json:"quantity" validate:"required,gte=1"`
	Discount  decimal.Decimal `json:"discount"`
}

// DiscountRequest is the sale-level discount.
type DiscountRequest struct {
	Kind  pricing.DiscountKind `json:"kind" validate:"required,oneof=PERCENT AMOUNT"`
	Value decimal.Decimal      `json:"value"`
}

// VoidRequest is the input of VoidSale and RefundSale.
type VoidRequest struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrInvalidSaleRequest is a caller error; nothing was changed.
	ErrInvalidSaleRequest = errors.New("sales: invalid sale request")
	// ErrPersistenceFailure is an infrastructure failure; reserved stock was compensated.
	ErrPersistenceFailure = errors.New("sales: persistence failure")
	// ErrNotFound indicates the sale does not exist.
	ErrNotFound = errors.New("sales: sale not found")
	// ErrInvalidStatus indicates the sale is not in a state that allows the operation.
	ErrInvalidStatus = errors.New("sales: invalid status transition")
)
