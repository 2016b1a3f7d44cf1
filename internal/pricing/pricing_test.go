package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestComputeTotalsPercentDiscountNoTax(t *testing.T) {
	lines := []Line{
		{Quantity: 2, UnitPrice: d("10.00")},
		{Quantity: 1, UnitPrice: d("5.00")},
	}
	totals, err := ComputeTotals(lines, Discount{Kind: DiscountPercent, Value: d("10")}, decimal.Zero, RoundHalfUp)
	require.NoError(t, err)
	require.True(t, totals.SubTotal.Equal(d("25.00")), totals.SubTotal.String())
	require.True(t, totals.DiscountAmount.Equal(d("2.50")), totals.DiscountAmount.String())
	require.True(t, totals.TaxAmount.IsZero())
	require.True(t, totals.TotalAmount.Equal(d("22.50")), totals.TotalAmount.String())
	require.Len(t, totals.LineTotals, 2)
	require.True(t, totals.LineTotals[0].Equal(d("20.00")))
}

func TestComputeTotalsRoundsPerLine(t *testing.T) {
	lines := []Line{
		{Quantity: 3, UnitPrice: d("0.335")},
		{Quantity: 3, UnitPrice: d("0.335")},
	}
	totals, err := ComputeTotals(lines, Discount{}, decimal.Zero, RoundHalfUp)
	require.NoError(t, err)
	// 1.005 rounds to 1.01 per line; rounding only at the end would give 2.01.
	require.True(t, totals.SubTotal.Equal(d("2.02")), totals.SubTotal.String())
}

func TestComputeTotalsTaxAndReconciliation(t *testing.T) {
	lines := []Line{
		{Quantity: 4, UnitPrice: d("12.49"), Discount: d("1.00")},
		{Quantity: 1, UnitPrice: d("3.33")},
	}
	totals, err := ComputeTotals(lines, Discount{Kind: DiscountAmount, Value: d("2.00")}, d("0.0825"), RoundHalfUp)
	require.NoError(t, err)
	require.True(t, totals.SubTotal.Equal(d("52.29")), totals.SubTotal.String())
	// (52.29 - 2.00) * 0.0825 = 4.148925
	require.True(t, totals.TaxAmount.Equal(d("4.15")), totals.TaxAmount.String())
	expected := totals.SubTotal.Sub(totals.DiscountAmount).Add(totals.TaxAmount)
	require.True(t, totals.TotalAmount.Equal(expected))
}

func TestComputeTotalsRoundingModes(t *testing.T) {
	lines := []Line{{Quantity: 1, UnitPrice: d("0.125")}}

	up, err := ComputeTotals(lines, Discount{}, decimal.Zero, RoundHalfUp)
	require.NoError(t, err)
	require.True(t, up.SubTotal.Equal(d("0.13")), up.SubTotal.String())

	even, err := ComputeTotals(lines, Discount{}, decimal.Zero, RoundHalfEven)
	require.NoError(t, err)
	require.True(t, even.SubTotal.Equal(d("0.12")), even.SubTotal.String())
}

func TestComputeTotalsRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name     string
		lines    []Line
		discount Discount
		taxRate  decimal.Decimal
		mode     RoundingMode
		want     error
	}{
		{
			name:  "line discount above gross",
			lines: []Line{{Quantity: 1, UnitPrice: d("5.00"), Discount: d("5.01")}},
			mode:  RoundHalfUp,
			want:  ErrInvalidLineAmount,
		},
		{
			name:  "negative unit price",
			lines: []Line{{Quantity: 1, UnitPrice: d("-1")}},
			mode:  RoundHalfUp,
			want:  ErrInvalidLineAmount,
		},
		{
			name:     "discount larger than subtotal",
			lines:    []Line{{Quantity: 1, UnitPrice: d("5.00")}},
			discount: Discount{Kind: DiscountAmount, Value: d("6.00")},
			mode:     RoundHalfUp,
			want:     ErrDiscountExceedsSubtotal,
		},
		{
			name:     "percent above hundred",
			lines:    []Line{{Quantity: 1, UnitPrice: d("5.00")}},
			discount: Discount{Kind: DiscountPercent, Value: d("101")},
			mode:     RoundHalfUp,
			want:     ErrInvalidDiscount,
		},
		{
			name:    "tax rate above one",
			lines:   []Line{{Quantity: 1, UnitPrice: d("5.00")}},
			taxRate: d("1.5"),
			mode:    RoundHalfUp,
			want:    ErrInvalidTaxRate,
		},
		{
			name:  "unknown rounding mode",
			lines: []Line{{Quantity: 1, UnitPrice: d("5.00")}},
			mode:  RoundingMode("CEIL"),
			want:  ErrInvalidRoundingMode,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputeTotals(tc.lines, tc.discount, tc.taxRate, tc.mode)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestComputeTotalsFullDiscountAllowed(t *testing.T) {
	lines := []Line{{Quantity: 2, UnitPrice: d("7.50")}}
	totals, err := ComputeTotals(lines, Discount{Kind: DiscountPercent, Value: d("100")}, d("0.10"), RoundHalfUp)
	require.NoError(t, err)
	require.True(t, totals.TotalAmount.IsZero())
}

func TestParseRoundingMode(t *testing.T) {
	mode, err := ParseRoundingMode("")
	require.NoError(t, err)
	require.Equal(t, RoundHalfUp, mode)

	mode, err = ParseRoundingMode("half_even")
	require.NoError(t, err)
	require.Equal(t, RoundHalfEven, mode)

	_, err = ParseRoundingMode("down")
	require.ErrorIs(t, err, ErrInvalidRoundingMode)
}
