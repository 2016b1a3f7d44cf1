package inventory

import (
	"errors"
	"fmt"
	"time"
)

// TransactionType enumerates the causes of a stock movement.
type TransactionType string

const (
	// TransactionTypeSale decrements stock for a sale line.
	TransactionTypeSale TransactionType = "SALE"
	// TransactionTypeReturn restores stock from a voided or refunded sale.
	TransactionTypeReturn TransactionType = "RETURN"
	// TransactionTypeAdjustment is a manual correction or a compensating entry.
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
	// TransactionTypePurchaseReceipt adds stock received from a supplier.
	TransactionTypePurchaseReceipt TransactionType = "PURCHASE_RECEIPT"
)

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeSale, TransactionTypeReturn, TransactionTypeAdjustment, TransactionTypePurchaseReceipt:
		return true
	}
	return false
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID                     int64           `json:"id" db:"id"`
	ProductID              int64           `json:"product_id" db:"product_id"`
	Type                   TransactionType `json:"type" db:"tx_type"`
	QuantityDelta          int             `json:"quantity_delta" db:"quantity_delta"`
	Reason                 string          `json:"reason" db:"reason"`
	UserID                 int64           `json:"user_id" db:"user_id"`
	TransactionDate        time.Time       `json:"transaction_date" db:"transaction_date"`
	ResultingStockQuantity int             `json:"resulting_stock_quantity" db:"resulting_stock_quantity"`
	RefModule              string          `json:"ref_module,omitempty" db:"ref_module"`
	RefID                  string          `json:"ref_id,omitempty" db:"ref_id"`
	ReversalOf             *int64          `json:"reversal_of,omitempty" db:"reversal_of"`
}

// StockLevel is the ledger's view of a product row.
type StockLevel struct {
	ProductID int64
	Quantity  int
	Version   int64
	IsActive  bool
}

// DeltaInput describes a single signed stock movement.
type DeltaInput struct {
	ProductID int64
	Delta     int
	Type      TransactionType
	Reason    string
	UserID    int64
	RefModule string
	RefID     string
}

// ReverseInput describes the compensation of an earlier movement.
type ReverseInput struct {
	TransactionID int64
	Type          TransactionType
	Reason        string
	UserID        int64
}

// AdjustmentInput is a manual stock correction.
type AdjustmentInput struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Delta     int    `json:"delta" validate:"required,ne=0"`
	Reason    string `json:"reason" validate:"required,max=500"`
	UserID    int64  `json:"user_id" validate:"required,gt=0"`
}

// ReceiptInput books goods received from a supplier.
type ReceiptInput struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
	Reference string `json:"reference" validate:"max=100"`
	Reason    string `json:"reason" validate:"max=500"`
	UserID    int64  `json:"user_id" validate:"required,gt=0"`
}

// HistoryFilter narrows a stock card query.
type HistoryFilter struct {
	ProductID int64
	From      time.Time
	To        time.Time
	Limit     int
}

// Reconciliation compares the ledger with the stored stock quantity.
type Reconciliation struct {
	ProductID          int64   `json:"product_id"`
	StockQuantity      int     `json:"stock_quantity"`
	LedgerSum          int     `json:"ledger_sum"`
	Entries            int     `json:"entries"`
	SnapshotMismatches []int64 `json:"snapshot_mismatches,omitempty"`
	Balanced           bool    `json:"balanced"`
}

var (
	// ErrInvalidQuantity indicates a zero delta or non-positive receipt.
	ErrInvalidQuantity = errors.New("inventory: quantity must be non zero")
	// ErrInvalidType indicates an unknown or disallowed transaction type.
	ErrInvalidType = errors.New("inventory: invalid transaction type")
	// ErrInsufficientStock matches every *InsufficientStockError.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrVersionConflict is returned by repositories when the stock row changed underneath.
	ErrVersionConflict = errors.New("inventory: stock version conflict")
	// ErrConcurrentModification is surfaced after the bounded retries are exhausted.
	ErrConcurrentModification = errors.New("inventory: concurrent modification")
	// ErrProductNotFound indicates the product row is missing.
	ErrProductNotFound = errors.New("inventory: product not found")
	// ErrProductInactive indicates stock writes against a deactivated product.
	ErrProductInactive = errors.New("inventory: product inactive")
	// ErrTransactionNotFound indicates the referenced ledger entry is missing.
	ErrTransactionNotFound = errors.New("inventory: transaction not found")
	// ErrAlreadyReversed indicates the entry already has a compensating entry.
	ErrAlreadyReversed = errors.New("inventory: transaction already reversed")
	// ErrReverseReversal indicates an attempt to reverse a compensating entry.
	ErrReverseReversal = errors.New("inventory: cannot reverse a reversal")
)

// InsufficientStockError reports the requested and available quantity.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// Is lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
