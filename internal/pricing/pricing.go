// Package pricing computes sale totals from line items using fixed-point decimals.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundingMode selects how half-cent values are rounded.
type RoundingMode string

const (
	// RoundHalfUp rounds halves away from zero (0.125 -> 0.13).
	RoundHalfUp RoundingMode = "HALF_UP"
	// RoundHalfEven rounds halves to the nearest even cent (0.125 -> 0.12).
	RoundHalfEven RoundingMode = "HALF_EVEN"
)

// DiscountKind tells how a sale-level discount value is interpreted.
type DiscountKind string

const (
	// DiscountNone applies no sale-level discount.
	DiscountNone DiscountKind = ""
	// DiscountPercent takes Value percent of the subtotal.
	DiscountPercent DiscountKind = "PERCENT"
	// DiscountAmount subtracts Value as a fixed amount.
	DiscountAmount DiscountKind = "AMOUNT"
)

const moneyPlaces = 2

var (
	// ErrInvalidLineAmount is returned when a line has negative inputs or its total drops below zero.
	ErrInvalidLineAmount = errors.New("pricing: invalid line amount")
	// ErrInvalidDiscount is returned for malformed sale-level discounts.
	ErrInvalidDiscount = errors.New("pricing: invalid discount")
	// ErrDiscountExceedsSubtotal is returned when the sale discount is larger than the subtotal.
	ErrDiscountExceedsSubtotal = errors.New("pricing: discount exceeds subtotal")
	// ErrInvalidTaxRate is returned for tax rates outside [0, 1].
	ErrInvalidTaxRate = errors.New("pricing: tax rate must be between 0 and 1")
	// ErrInvalidRoundingMode is returned for unknown rounding modes.
	ErrInvalidRoundingMode = errors.New("pricing: unknown rounding mode")
)

// Line is one priced sale line.
type Line struct {
	Quantity  int
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
}

// Discount is the sale-level discount.
type Discount struct {
	Kind  DiscountKind
	Value decimal.Decimal
}

// Totals is the result of ComputeTotals. LineTotals follows the input order.
type Totals struct {
	LineTotals     []decimal.Decimal
	SubTotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
}

// ParseRoundingMode converts configuration text into a RoundingMode.
func ParseRoundingMode(raw string) (RoundingMode, error) {
	switch RoundingMode(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", RoundHalfUp:
		return RoundHalfUp, nil
	case RoundHalfEven:
		return RoundHalfEven, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRoundingMode, raw)
	}
}

// Round2 rounds an amount to cents using the given mode.
func (m RoundingMode) Round2(amount decimal.Decimal) decimal.Decimal {
	if m == RoundHalfEven {
		return amount.RoundBank(moneyPlaces)
	}
	return amount.Round(moneyPlaces)
}

// LineTotal returns round2(quantity*unitPrice) - discount.
func LineTotal(line Line, mode RoundingMode) (decimal.Decimal, error) {
	if line.Quantity < 0 || line.UnitPrice.IsNegative() || line.Discount.IsNegative() {
		return decimal.Zero, ErrInvalidLineAmount
	}
	gross := mode.Round2(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	total := gross.Sub(mode.Round2(line.Discount))
	if total.IsNegative() {
		return decimal.Zero, ErrInvalidLineAmount
	}
	return total, nil
}

// ComputeTotals derives subtotal, discount, tax and grand total from the lines.
// Rounding to cents happens per line, on the discount and on the tax.
func ComputeTotals(lines []Line, discount Discount, taxRate decimal.Decimal, mode RoundingMode) (Totals, error) {
	if mode != RoundHalfUp && mode != RoundHalfEven {
		return Totals{}, ErrInvalidRoundingMode
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(1)) {
		return Totals{}, ErrInvalidTaxRate
	}
	totals := Totals{LineTotals: make([]decimal.Decimal, len(lines))}
	subTotal := decimal.Zero
	for i, line := range lines {
		amount, err := LineTotal(line, mode)
		if err != nil {
			return Totals{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		totals.LineTotals[i] = amount
		subTotal = subTotal.Add(amount)
	}

	discountAmount, err := saleDiscount(subTotal, discount, mode)
	if err != nil {
		return Totals{}, err
	}
	taxable := subTotal.Sub(discountAmount)
	tax := mode.Round2(taxable.Mul(taxRate))

	totals.SubTotal = subTotal
	totals.DiscountAmount = discountAmount
	totals.TaxAmount = tax
	totals.TotalAmount = taxable.Add(tax)
	return totals, nil
}

func saleDiscount(subTotal decimal.Decimal, discount Discount, mode RoundingMode) (decimal.Decimal, error) {
	if discount.Value.IsNegative() {
		return decimal.Zero, ErrInvalidDiscount
	}
	var amount decimal.Decimal
	switch discount.Kind {
	case DiscountNone:
		if !discount.Value.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: kind required", ErrInvalidDiscount)
		}
		return decimal.Zero, nil
	case DiscountPercent:
		if discount.Value.GreaterThan(decimal.NewFromInt(100)) {
			return decimal.Zero, fmt.Errorf("%w: percent above 100", ErrInvalidDiscount)
		}
		amount = mode.Round2(subTotal.Mul(discount.Value).Div(decimal.NewFromInt(100)))
	case DiscountAmount:
		amount = mode.Round2(discount.Value)
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown kind %q", ErrInvalidDiscount, discount.Kind)
	}
	if amount.GreaterThan(subTotal) {
		return decimal.Zero, ErrDiscountExceedsSubtotal
	}
	return amount, nil
}
