/*
totals.go - Aggregate calculation over canonical line items

PURPOSE:
  Reduces line items to subtotal/tax/total under the tax-exemption policy.
  Totals are recomputed from the items on every call, never read from a
  stored subtotal, so a manual edit to any item reflects immediately with
  no separate recalculate step. When the raw record carries a persisted
  total that disagrees with the recomputation, the divergence is flagged
  and reported; it is never silently overwritten in either direction.

SEE ALSO:
  - types.go: LineItem.Recalculate for the edit path
*/
package invoice

import (
	"github.com/shopspring/decimal"
	"github.com/warp/invoice-engine/coalesce"
)

var hundred = decimal.NewFromInt(100)

// divergenceTolerance is one display cent; below it, float noise from
// upstream sources is not worth reporting.
var divergenceTolerance = decimal.NewFromFloat(0.01)

// Totals is the aggregate money block of a resolved invoice.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// ComputeTotals reduces items under the tax policy. Subtotal is the exact
// sum of item totals (explicit item totals included as trusted); tax applies
// only when not exempt.
func ComputeTotals(items []LineItem, taxExempt bool, taxRatePercent decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, li := range items {
		subtotal = subtotal.Add(li.Total)
	}

	if taxExempt {
		return Totals{Subtotal: subtotal, Tax: decimal.Zero, Total: subtotal}
	}

	tax := subtotal.Mul(taxRatePercent).Div(hundred)
	return Totals{Subtotal: subtotal, Tax: tax, Total: subtotal.Add(tax)}
}

// =============================================================================
// PERSISTED-TOTAL DIVERGENCE
// =============================================================================

// TotalsDivergence records a disagreement between the recomputed subtotal
// and a total persisted on the raw record.
type TotalsDivergence struct {
	Persisted decimal.Decimal
	Computed  decimal.Decimal
}

func (d TotalsDivergence) Delta() decimal.Decimal {
	return d.Computed.Sub(d.Persisted).Abs()
}

// CheckDivergence compares the recomputed subtotal against whichever
// persisted total the raw record carries. Nil means no persisted total or
// agreement within one cent.
func CheckDivergence(raw coalesce.Record, computed decimal.Decimal) *TotalsDivergence {
	persisted, found := coalesce.NumberOK(decimal.Zero,
		coalesce.Field(raw, "totalAmount"),
		coalesce.Field(raw, "total"),
		coalesce.Field(raw, "amount"),
		coalesce.Field(raw, "subtotal"),
	)
	if !found {
		return nil
	}
	if computed.Sub(persisted).Abs().LessThanOrEqual(divergenceTolerance) {
		return nil
	}
	return &TotalsDivergence{Persisted: persisted, Computed: computed}
}

// FormatMoney renders a monetary value to exactly two decimal places.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}
