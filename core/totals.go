/*
totals.go - Pure totals calculation

PURPOSE:
  Derives a quote's money figures from its line items and VAT config.
  Pure functions: identical inputs produce identical outputs, no storage
  or network access. Totals are never persisted; every read recomputes
  them from the authoritative lines.

PRECISION:
  Uses decimal.Decimal for all arithmetic. Two-decimal rounding is a
  presentation concern applied by Money() at render time, never
  mid-calculation.

OVERRIDE:
  TotalOverride is a presentation-layer escape hatch. When it is a
  non-blank numeric string it replaces the computed total; it never
  recomputes line items. Blank or non-numeric means "unset".

SEE ALSO:
  - types.go: Quote and QuoteLine
  - message: Renders these figures into the outbound text
*/
package core

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Totals is the derived money state of a quote.
type Totals struct {
	Subtotal       decimal.Decimal
	VATEnabled     bool
	VATRate        decimal.Decimal
	VATAmount      decimal.Decimal
	ComputedTotal  decimal.Decimal
	EffectiveTotal decimal.Decimal

	// Override is the trimmed override string when it parsed as a number,
	// "" otherwise.
	Override string
}

// LineTotal returns qty * unitPrice for a single line.
// Non-finite inputs coerce to 0 so NaN never propagates to output.
func LineTotal(l QuoteLine) decimal.Decimal {
	return safeDecimal(l.Qty).Mul(safeDecimal(l.UnitPrice))
}

// Subtotal sums LineTotal over all lines. An empty list yields 0.
func Subtotal(lines []QuoteLine) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(LineTotal(l))
	}
	return sum
}

// CalcTotals derives all money figures for a quote.
func CalcTotals(q *Quote) Totals {
	t := Totals{
		Subtotal:   Subtotal(q.Lines),
		VATEnabled: q.VATEnabled,
		VATRate:    safeDecimal(q.VATRate),
	}

	if t.VATEnabled {
		t.VATAmount = t.Subtotal.Mul(t.VATRate)
	} else {
		t.VATAmount = decimal.Zero
	}
	t.ComputedTotal = t.Subtotal.Add(t.VATAmount)
	t.EffectiveTotal = t.ComputedTotal

	if s := strings.TrimSpace(q.TotalOverride); s != "" {
		if override, err := decimal.NewFromString(s); err == nil {
			t.EffectiveTotal = override
			t.Override = s
		}
	}
	return t
}

// Money renders a figure with two decimal places. Presentation only.
func Money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func safeDecimal(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}
