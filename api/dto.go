/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the canonical domain model from the external API contract. All monetary
  fields serialize as fixed two-decimal strings, never floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
  - invoice/types.go: The canonical model these project
*/
package api

import (
	"time"

	"github.com/samber/lo"
	"github.com/warp/invoice-engine/invoice"
	"github.com/warp/invoice-engine/store/sqlite"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// InvoiceSummaryDTO is one row of the invoice listing.
type InvoiceSummaryDTO struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// PartyDTO is one side of the invoice.
type PartyDTO struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address"`
	City    string `json:"city"`
}

// LineItemDTO is one canonical billable row.
type LineItemDTO struct {
	EmployeeName string `json:"employee_name"`
	Role         string `json:"role,omitempty"`
	Description  string `json:"description"`
	HoursWorked  string `json:"hours_worked"`
	HourlyRate   string `json:"hourly_rate"`
	Total        string `json:"total"`
}

// DivergenceDTO reports a persisted total that disagrees with the
// recomputed subtotal. Presence means "flagged", never "merged".
type DivergenceDTO struct {
	Persisted string `json:"persisted"`
	Computed  string `json:"computed"`
	Delta     string `json:"delta"`
}

// ResolvedInvoiceDTO is the canonical invoice as shown in the preview.
type ResolvedInvoiceDTO struct {
	Number       string         `json:"number"`
	Status       string         `json:"status"`
	IssueDate    string         `json:"issue_date,omitempty"`
	DueDate      string         `json:"due_date,omitempty"`
	PaymentTerms string         `json:"payment_terms"`
	Company      PartyDTO       `json:"company"`
	BillTo       PartyDTO       `json:"bill_to"`
	PeriodFrom   string         `json:"period_from"`
	PeriodTo     string         `json:"period_to"`
	LineItems    []LineItemDTO  `json:"line_items"`
	TotalHours   string         `json:"total_hours"`
	Subtotal     string         `json:"subtotal"`
	TaxExempt    bool           `json:"tax_exempt"`
	TaxRate      string         `json:"tax_rate_percent"`
	Tax          string         `json:"tax"`
	Total        string         `json:"total"`
	Divergence   *DivergenceDTO `json:"totals_divergence,omitempty"`
}

// TotalsDTO is the aggregate block returned by the recalculate endpoint.
type TotalsDTO struct {
	LineItems []LineItemDTO `json:"line_items"`
	Subtotal  string        `json:"subtotal"`
	Tax       string        `json:"tax"`
	Total     string        `json:"total"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SaveInvoiceRequest carries the raw invoice fields to persist. The payload
// is stored as sent; resolution happens on read, not on write.
type SaveInvoiceRequest struct {
	Payload map[string]any `json:"payload"`
}

// RecalculateRequest is the user-edit path: new hours and rate for one item.
// Monetary inputs arrive as strings to avoid client float drift.
type RecalculateRequest struct {
	ItemIndex int    `json:"item_index"`
	Hours     string `json:"hours"`
	Rate      string `json:"rate"`
}

// =============================================================================
// PROJECTIONS
// =============================================================================

func toSummaryDTO(rec sqlite.InvoiceRecord) InvoiceSummaryDTO {
	dto := InvoiceSummaryDTO{ID: rec.ID, Number: rec.Number}
	if !rec.UpdatedAt.IsZero() {
		dto.UpdatedAt = rec.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toPartyDTO(p invoice.Party) PartyDTO {
	return PartyDTO{Name: p.Name, Email: p.Email, Address: p.Address, City: p.City}
}

func toLineItemDTO(li invoice.LineItem) LineItemDTO {
	return LineItemDTO{
		EmployeeName: li.EmployeeName,
		Role:         li.Role,
		Description:  li.Description,
		HoursWorked:  li.HoursWorked.StringFixed(2),
		HourlyRate:   invoice.FormatMoney(li.HourlyRate),
		Total:        invoice.FormatMoney(li.Total),
	}
}

func toResolvedDTO(inv invoice.Invoice) ResolvedInvoiceDTO {
	dto := ResolvedInvoiceDTO{
		Number:       inv.Number,
		Status:       inv.Status,
		IssueDate:    invoice.FormatDate(inv.IssueDate),
		DueDate:      invoice.FormatDate(inv.DueDate),
		PaymentTerms: inv.PaymentTerms,
		Company:      toPartyDTO(inv.Company),
		BillTo:       toPartyDTO(inv.BillTo),
		PeriodFrom:   invoice.FormatDate(inv.Period.From),
		PeriodTo:     invoice.FormatDate(inv.Period.To),
		LineItems:    lo.Map(inv.LineItems, func(li invoice.LineItem, _ int) LineItemDTO { return toLineItemDTO(li) }),
		TotalHours:   inv.TotalHours().StringFixed(2),
		Subtotal:     invoice.FormatMoney(inv.Subtotal),
		TaxExempt:    inv.TaxExempt,
		TaxRate:      inv.TaxRatePercent.String(),
		Tax:          invoice.FormatMoney(inv.Tax),
		Total:        invoice.FormatMoney(inv.Total),
	}
	if inv.Divergence != nil {
		dto.Divergence = &DivergenceDTO{
			Persisted: invoice.FormatMoney(inv.Divergence.Persisted),
			Computed:  invoice.FormatMoney(inv.Divergence.Computed),
			Delta:     invoice.FormatMoney(inv.Divergence.Delta()),
		}
	}
	return dto
}
