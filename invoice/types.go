/*
Package invoice defines the canonical invoice model and the resolution
pipeline that produces it from inconsistent upstream records.

PURPOSE:
  The backend hands us an "invoice" assembled from up to four independent
  sources: the stored invoice row, a timesheet, an employee record, and a
  vendor/client record. Fields are renamed across sources, sometimes
  JSON-encoded as text, sometimes missing, sometimes duplicated. This
  package turns that into one canonical, fallback-free Invoice that both
  the on-screen preview and the PDF renderer consume.

KEY CONCEPTS IN THIS FILE (types.go):
  - LineItem: one canonical billable row (hours, rate, total)
  - Invoice: the fully-resolved model (parties, metadata, items, totals)
  - Period: the closed billing-date interval
  - Defaults: named fallback constants (the $45/hr rate lives here)

DESIGN PRINCIPLES:
  1. Precision: all money uses decimal.Decimal, formatted to 2dp at render
  2. Never empty: a resolved Invoice always has at least one line item
  3. Freshness: totals are recomputed from items on every resolution;
     a persisted subtotal is never trusted, only compared against

SEE ALSO:
  - lineitems.go: raw line-item variants and the normalizer
  - totals.go: aggregate calculation and divergence checks
  - errors.go: the error taxonomy for this subsystem
*/
package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DEFAULTS - Named fallback constants
// =============================================================================

// Defaults holds the configured fallback values applied when no source
// resolves a field. These mirror observed backend behavior and are
// deliberately named configuration, not inline literals.
type Defaults struct {
	// HourlyRate applies when no source supplies a rate at all.
	// Missing hours coerce to zero; a missing rate does not.
	HourlyRate decimal.Decimal

	// EmployeeName is the placeholder shown when no name resolves.
	EmployeeName string

	// MissingText fills unresolvable party fields (address, email, ...).
	MissingText string

	// PaymentTerms applies when the raw invoice carries none.
	PaymentTerms string
}

// StandardDefaults returns the production fallback set.
func StandardDefaults() Defaults {
	return Defaults{
		HourlyRate:   decimal.NewFromFloat(45.00),
		EmployeeName: "Employee Name",
		MissingText:  "N/A",
		PaymentTerms: "Net 30",
	}
}

// =============================================================================
// LINE ITEM - One canonical billable row
// =============================================================================

// LineItem is a single resolved billable row. HoursWorked and HourlyRate are
// always finite and non-negative. Total is trusted as supplied when the
// source gave one explicitly, otherwise HoursWorked x HourlyRate.
type LineItem struct {
	EmployeeName string
	Role         string
	Description  string
	HoursWorked  decimal.Decimal
	HourlyRate   decimal.Decimal
	Total        decimal.Decimal
}

// Recalculate returns the item with Total recomputed from hours and rate.
// Used on the user-edit path, where an edit invalidates any explicit total.
func (li LineItem) Recalculate() LineItem {
	li.Total = li.HoursWorked.Mul(li.HourlyRate)
	return li
}

// =============================================================================
// PERIOD - Closed billing-date interval
// =============================================================================

// Period is the closed date interval an invoice bills for.
type Period struct {
	From time.Time
	To   time.Time
}

// CurrentMonth returns the first through last day of now's month (UTC).
func CurrentMonth(now time.Time) Period {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{From: first, To: first.AddDate(0, 1, -1)}
}

// Valid reports whether both ends are set and From <= To.
func (p Period) Valid() bool {
	return !p.From.IsZero() && !p.To.IsZero() && !p.From.After(p.To)
}

func (p Period) String() string {
	return FormatDate(p.From) + " to " + FormatDate(p.To)
}

// dateLayouts are the formats upstream sources have been observed to use.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"01/02/2006",
	"Jan 2, 2006",
}

// ParseDate attempts the known upstream layouts. Failure is "not found",
// never an error.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatDate renders a date for display; zero renders as empty.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Jan 2, 2006")
}

// =============================================================================
// PARTIES
// =============================================================================

// Party is one side of the invoice (the issuing company or the bill-to).
type Party struct {
	Name    string
	Email   string
	Address string
	City    string
}

// =============================================================================
// INVOICE - The canonical resolved model
// =============================================================================

// Invoice is the canonical model produced by resolution. It is assembled
// fresh on every request and never persisted; only the raw record it came
// from is, plus optionally a frozen copy of totals on explicit save.
type Invoice struct {
	Number       string
	Status       string
	IssueDate    time.Time
	DueDate      time.Time
	PaymentTerms string

	Company Party
	BillTo  Party

	Period    Period
	LineItems []LineItem

	Subtotal       decimal.Decimal
	TaxExempt      bool
	TaxRatePercent decimal.Decimal
	Tax            decimal.Decimal
	Total          decimal.Decimal

	// LogoPNG is the embedded company logo image, when the raw record
	// carried one that decoded cleanly. Nil means "no logo block".
	LogoPNG []byte

	// Divergence is set when the recomputed subtotal disagrees with a
	// persisted total on the raw record. It is reported, never merged.
	Divergence *TotalsDivergence
}

// TotalHours sums hours across all line items.
func (inv Invoice) TotalHours() decimal.Decimal {
	sum := decimal.Zero
	for _, li := range inv.LineItems {
		sum = sum.Add(li.HoursWorked)
	}
	return sum
}
