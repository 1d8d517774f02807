// Package pricing computes invoice line and aggregate totals with exact
// decimal arithmetic. Nothing here touches storage.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits stored for amounts and rates.
const MoneyScale = 2

// Upper bounds follow the widest stored columns: unit prices NUMERIC(12,2),
// tax rates NUMERIC(5,2), line and invoice amounts NUMERIC(14,2).
const MaxQuantity int64 = 1_000_000_000

var (
	MaxUnitPrice      = decimal.RequireFromString("9999999999.99")
	MaxTaxRatePercent = decimal.RequireFromString("999.99")
	MaxAmount         = decimal.RequireFromString("999999999999.99")
)

var hundred = decimal.NewFromInt(100)

// InputError reports a line value the engine refuses to price.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

type LineResult struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

type Totals struct {
	Subtotal   decimal.Decimal
	TaxTotal   decimal.Decimal
	GrandTotal decimal.Decimal
}

// PriceLine returns unitPrice*quantity, the tax on it and their sum.
// The tax amount is rounded half away from zero to MoneyScale, so the stored
// line values always add up exactly.
func PriceLine(unitPrice decimal.Decimal, quantity int64, taxRatePercent decimal.Decimal) (LineResult, error) {
	if unitPrice.IsNegative() {
		return LineResult{}, &InputError{Field: "unit_price", Reason: "must not be negative"}
	}
	if !unitPrice.Equal(unitPrice.Round(MoneyScale)) {
		return LineResult{}, &InputError{Field: "unit_price", Reason: fmt.Sprintf("must have at most %d decimal places", MoneyScale)}
	}
	if unitPrice.GreaterThan(MaxUnitPrice) {
		return LineResult{}, &InputError{Field: "unit_price", Reason: "must not exceed " + MaxUnitPrice.StringFixed(MoneyScale)}
	}
	if quantity < 1 {
		return LineResult{}, &InputError{Field: "quantity", Reason: "must be positive"}
	}
	if quantity > MaxQuantity {
		return LineResult{}, &InputError{Field: "quantity", Reason: fmt.Sprintf("must not exceed %d", MaxQuantity)}
	}
	if taxRatePercent.IsNegative() {
		return LineResult{}, &InputError{Field: "tax_rate_percent", Reason: "must not be negative"}
	}
	if !taxRatePercent.Equal(taxRatePercent.Round(MoneyScale)) {
		return LineResult{}, &InputError{Field: "tax_rate_percent", Reason: fmt.Sprintf("must have at most %d decimal places", MoneyScale)}
	}
	if taxRatePercent.GreaterThan(MaxTaxRatePercent) {
		return LineResult{}, &InputError{Field: "tax_rate_percent", Reason: "must not exceed " + MaxTaxRatePercent.StringFixed(MoneyScale)}
	}

	subtotal := unitPrice.Mul(decimal.NewFromInt(quantity))
	tax := subtotal.Mul(taxRatePercent).Div(hundred).Round(MoneyScale)
	total := subtotal.Add(tax)
	if total.GreaterThan(MaxAmount) {
		return LineResult{}, &InputError{Field: "line_total", Reason: "must not exceed " + MaxAmount.StringFixed(MoneyScale)}
	}
	return LineResult{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    total,
	}, nil
}

// Aggregate sums per-line values. GrandTotal is Subtotal + TaxTotal.
func Aggregate(lines []LineResult) Totals {
	subtotal := decimal.Zero
	taxTotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.Subtotal)
		taxTotal = taxTotal.Add(line.Tax)
	}
	return Totals{
		Subtotal:   subtotal,
		TaxTotal:   taxTotal,
		GrandTotal: subtotal.Add(taxTotal),
	}
}

// Accumulator keeps a running total while lines are priced one by one.
type Accumulator struct {
	lines []LineResult
}

func (a *Accumulator) Add(line LineResult) {
	a.lines = append(a.lines, line)
}

func (a *Accumulator) Totals() Totals {
	return Aggregate(a.lines)
}
