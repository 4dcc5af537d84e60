/*
Package assemble orchestrates invoice resolution.

PURPOSE:
  Takes one raw invoice record plus zero or more best-effort enrichment
  records (employee, vendor, client, timesheet) and produces the canonical
  Invoice consumed by both the preview DTOs and the PDF renderer.

ENRICHMENT MODEL:
  Lookups are independent, order-insensitive, and individually optional.
  They run concurrently and join before normalization (a barrier, not a
  pipeline): results from completed fetches are used even when a sibling
  fails, and a cancelled context abandons whatever is still in flight. A
  failed fetch is recorded, logged, and degrades that source's fields to
  the next link in the coalescing chain. There is no retry.

PURITY:
  Resolve itself is pure: the same raw record and enrichment always yield
  a structurally identical Invoice. All I/O lives in Enrich.

SEE ALSO:
  - invoice/lineitems.go: the normalizer Resolve drives
  - store/sqlite/sqlite.go: the Directory implementation
*/
package assemble

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/invoice-engine/coalesce"
	"github.com/warp/invoice-engine/invoice"
	"github.com/warp/invoice-engine/logger"
)

// =============================================================================
// ENRICHMENT SOURCES
// =============================================================================

// Directory looks up enrichment records by reference. Implementations are
// expected to honor context cancellation; every method is best-effort.
type Directory interface {
	Employee(ctx context.Context, id string) (coalesce.Record, error)
	Vendor(ctx context.Context, id string) (coalesce.Record, error)
	Client(ctx context.Context, id string) (coalesce.Record, error)
	Timesheet(ctx context.Context, id string) (coalesce.Record, error)
}

// Enrichment is the joined result of the optional lookups. Any field may be
// nil; Errors records which sources failed and why.
type Enrichment struct {
	Employee  coalesce.Record
	Vendor    coalesce.Record
	Client    coalesce.Record
	Timesheet coalesce.Record
	Errors    []error
}

// =============================================================================
// ASSEMBLER
// =============================================================================

// Assembler resolves raw invoice records into the canonical model.
type Assembler struct {
	Defaults invoice.Defaults
	Sources  Directory // optional; nil disables lookups

	// Now supplies "today" for the current-month billing fallback.
	// Injectable so resolution stays reproducible under test.
	Now func() time.Time

	log        *logger.Logger
	normalizer *invoice.Normalizer
}

func New(defaults invoice.Defaults, sources Directory, log *logger.Logger) *Assembler {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("assemble")
	return &Assembler{
		Defaults:   defaults,
		Sources:    sources,
		Now:        time.Now,
		log:        log,
		normalizer: invoice.NewNormalizer(defaults, log),
	}
}

// =============================================================================
// ENRICH - concurrent, best-effort, joined
// =============================================================================

// Enrich fires the optional lookups referenced by the raw record and joins
// them. Records already embedded in the raw payload short-circuit their
// lookup. Failures degrade, never abort.
func (a *Assembler) Enrich(ctx context.Context, raw coalesce.Record) Enrichment {
	enr := Enrichment{
		Employee:  embedded(raw, "employee"),
		Vendor:    embedded(raw, "vendor"),
		Client:    embedded(raw, "client"),
		Timesheet: embedded(raw, "timesheet"),
	}
	if a.Sources == nil {
		return enr
	}

	type result struct {
		source string
		rec    coalesce.Record
		err    error
	}

	var launched []string
	var wg sync.WaitGroup
	// Buffered to the maximum fan-out, so abandoned fetches never block
	// on their send.
	results := make(chan result, 4)

	fetch := func(source, id string, fn func(context.Context, string) (coalesce.Record, error)) {
		launched = append(launched, source)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := fn(ctx, id)
			results <- result{source: source, rec: rec, err: err}
		}()
	}

	if id := refID(raw, "employeeId", "employee_id"); id != "" && enr.Employee == nil {
		fetch("employee", id, a.Sources.Employee)
	}
	if id := refID(raw, "vendorId", "vendor_id"); id != "" && enr.Vendor == nil {
		fetch("vendor", id, a.Sources.Vendor)
	}
	if id := refID(raw, "clientId", "client_id"); id != "" && enr.Client == nil {
		fetch("client", id, a.Sources.Client)
	}
	if id := refID(raw, "timesheetId", "timesheet_id"); id != "" && enr.Timesheet == nil {
		fetch("timesheet", id, a.Sources.Timesheet)
	}
	if len(launched) == 0 {
		return enr
	}

	// Join barrier with an escape hatch: a cancelled context stops the
	// wait even when a Directory implementation ignores cancellation.
	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-ctx.Done():
	}

	// Every fetch sends before Done, so whatever completed is buffered;
	// anything still missing is in flight and abandoned.
	received := make(map[string]bool, len(launched))
	for range launched {
		select {
		case r := <-results:
			received[r.source] = true
			if r.err != nil {
				a.log.Warnw("enrichment lookup failed, degrading", "source", r.source, "error", r.err)
				enr.Errors = append(enr.Errors, &invoice.EnrichmentFetchError{Source: r.source, Cause: r.err})
				continue
			}
			switch r.source {
			case "employee":
				enr.Employee = r.rec
			case "vendor":
				enr.Vendor = r.rec
			case "client":
				enr.Client = r.rec
			case "timesheet":
				enr.Timesheet = r.rec
			}
		default:
		}
	}
	for _, source := range launched {
		if !received[source] {
			a.log.Warnw("enrichment lookup abandoned", "source", source, "error", ctx.Err())
			enr.Errors = append(enr.Errors, &invoice.EnrichmentFetchError{Source: source, Cause: ctx.Err()})
		}
	}
	return enr
}

// =============================================================================
// RESOLVE - pure assembly of the canonical model
// =============================================================================

// Resolve produces the canonical Invoice. It never fails: unresolvable
// fields take their documented placeholders and the line-item list always
// holds at least one row.
func (a *Assembler) Resolve(raw coalesce.Record, enr Enrichment) invoice.Invoice {
	period := a.resolvePeriod(raw, enr)

	items := a.normalizer.Normalize(
		invoice.ClassifyLineItems(rawValue(raw, "lineItems", "line_items", "items")),
		invoice.NormalizeInput{
			Raw:       raw,
			Employee:  enr.Employee,
			Timesheet: enr.Timesheet,
			Period:    period,
		},
	)

	taxExempt := coalesce.Bool(false,
		coalesce.Field(raw, "taxExempt"),
		coalesce.Field(raw, "tax_exempt"),
	)
	taxRate := coalesce.Number(decimal.Zero,
		coalesce.Field(raw, "taxRatePercent"),
		coalesce.Field(raw, "taxRate"),
		coalesce.Field(raw, "taxPercentage"),
	)

	totals := invoice.ComputeTotals(items, taxExempt, taxRate)

	inv := invoice.Invoice{
		Number: coalesce.String("",
			coalesce.Field(raw, "invoiceNumber"),
			coalesce.Field(raw, "number"),
		),
		Status: coalesce.String("draft",
			coalesce.Field(raw, "status"),
		),
		IssueDate: a.resolveDate(raw, "issueDate", "invoiceDate", "date"),
		DueDate:   a.resolveDate(raw, "dueDate"),
		PaymentTerms: coalesce.String(a.Defaults.PaymentTerms,
			coalesce.Field(raw, "paymentTerms"),
		),
		Company:        a.resolveCompany(raw, enr),
		BillTo:         a.resolveBillTo(raw, enr),
		Period:         period,
		LineItems:      items,
		Subtotal:       totals.Subtotal,
		TaxExempt:      taxExempt,
		TaxRatePercent: taxRate,
		Tax:            totals.Tax,
		Total:          totals.Total,
		LogoPNG:        decodeLogo(raw),
		Divergence:     invoice.CheckDivergence(raw, totals.Subtotal),
	}

	if inv.Divergence != nil {
		a.log.Warnw("persisted total diverges from recomputed subtotal",
			"invoice", inv.Number,
			"persisted", inv.Divergence.Persisted,
			"computed", inv.Divergence.Computed,
		)
	}
	return inv
}

// ResolveWithLookups is the full path: enrich, then resolve.
func (a *Assembler) ResolveWithLookups(ctx context.Context, raw coalesce.Record) invoice.Invoice {
	return a.Resolve(raw, a.Enrich(ctx, raw))
}

// ApplyEdit recomputes one item's total from user-edited hours and rate,
// then the whole invoice's aggregates, so no stale totals are ever shown.
// An edit supersedes any previously trusted explicit total on that item,
// and clears a divergence flag since the persisted total no longer applies.
func (a *Assembler) ApplyEdit(inv invoice.Invoice, index int, hours, rate decimal.Decimal) (invoice.Invoice, bool) {
	if index < 0 || index >= len(inv.LineItems) {
		return inv, false
	}

	items := make([]invoice.LineItem, len(inv.LineItems))
	copy(items, inv.LineItems)

	item := items[index]
	item.HoursWorked = hours
	item.HourlyRate = rate
	items[index] = item.Recalculate()

	totals := invoice.ComputeTotals(items, inv.TaxExempt, inv.TaxRatePercent)
	inv.LineItems = items
	inv.Subtotal = totals.Subtotal
	inv.Tax = totals.Tax
	inv.Total = totals.Total
	inv.Divergence = nil
	return inv, true
}

// =============================================================================
// FIELD RESOLUTION
// =============================================================================

func (a *Assembler) resolvePeriod(raw coalesce.Record, enr Enrichment) invoice.Period {
	from := a.resolveDateFrom(raw, enr.Timesheet, "billingPeriodStart", "billingFrom", "periodStart", "weekStart")
	to := a.resolveDateFrom(raw, enr.Timesheet, "billingPeriodEnd", "billingTo", "periodEnd", "weekEnd")

	p := invoice.Period{From: from, To: to}
	if !p.Valid() {
		return invoice.CurrentMonth(a.Now().UTC())
	}
	return p
}

func (a *Assembler) resolveDateFrom(raw, timesheet coalesce.Record, keys ...string) time.Time {
	candidates := make([]coalesce.Candidate, 0, 2*len(keys))
	for _, k := range keys {
		candidates = append(candidates, coalesce.Field(raw, k))
	}
	for _, k := range keys {
		candidates = append(candidates, coalesce.Field(timesheet, k))
	}

	s := coalesce.String("", candidates...)
	if s == "" {
		return time.Time{}
	}
	t, ok := invoice.ParseDate(s)
	if !ok {
		return time.Time{}
	}
	return t
}

func (a *Assembler) resolveDate(raw coalesce.Record, keys ...string) time.Time {
	return a.resolveDateFrom(raw, nil, keys...)
}

// resolveCompany builds the issuing-party block. In this system the issuer
// is the staffing vendor.
func (a *Assembler) resolveCompany(raw coalesce.Record, enr Enrichment) invoice.Party {
	na := a.Defaults.MissingText
	return invoice.Party{
		Name: coalesce.String(na,
			coalesce.Field(raw, "vendorName"),
			coalesce.Field(enr.Vendor, "name"),
			coalesce.Field(raw, "companyName"),
			coalesce.Field(enr.Employee, "vendor"),
		),
		Email: coalesce.String(na,
			coalesce.Field(raw, "vendorEmail"),
			coalesce.Field(enr.Vendor, "email"),
		),
		Address: coalesce.String(na,
			coalesce.Field(raw, "vendorAddress"),
			coalesce.Field(enr.Vendor, "address"),
		),
		City: coalesce.String(na,
			coalesce.Field(enr.Vendor, "city"),
		),
	}
}

func (a *Assembler) resolveBillTo(raw coalesce.Record, enr Enrichment) invoice.Party {
	na := a.Defaults.MissingText
	return invoice.Party{
		Name: coalesce.String(na,
			coalesce.Field(raw, "clientName"),
			coalesce.Field(enr.Client, "name"),
			coalesce.Field(enr.Employee, "client"),
		),
		Email: coalesce.String(na,
			coalesce.Field(raw, "clientEmail"),
			coalesce.Field(enr.Client, "email"),
		),
		Address: coalesce.String(na,
			coalesce.Field(raw, "clientAddress"),
			coalesce.Field(enr.Client, "address"),
		),
		City: coalesce.String(na,
			coalesce.Field(enr.Client, "city"),
		),
	}
}

// =============================================================================
// RAW-PAYLOAD HELPERS
// =============================================================================

// embedded extracts a nested enrichment object already present on the raw
// record, when the backend sent one inline.
func embedded(raw coalesce.Record, key string) coalesce.Record {
	v, ok := raw.Get(key)
	if !ok {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return coalesce.Record(m)
	}
	if r, ok := v.(coalesce.Record); ok {
		return r
	}
	return nil
}

func refID(raw coalesce.Record, keys ...string) string {
	candidates := make([]coalesce.Candidate, len(keys))
	for i, k := range keys {
		candidates[i] = coalesce.Field(raw, k)
	}
	return coalesce.String("", candidates...)
}

func rawValue(raw coalesce.Record, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw.Get(k); ok {
			return v
		}
	}
	return nil
}

// decodeLogo accepts the embedded companyLogo field as a data URL or bare
// base64 text. Anything undecodable yields no logo, never an error; the
// renderer separately validates that the bytes are a real image.
func decodeLogo(raw coalesce.Record) []byte {
	s := coalesce.String("",
		coalesce.Field(raw, "companyLogo"),
		coalesce.Field(raw, "logo"),
	)
	if s == "" {
		return nil
	}
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
