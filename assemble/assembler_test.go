package assemble_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/assemble"
	"github.com/warp/invoice-engine/coalesce"
	"github.com/warp/invoice-engine/invoice"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeDirectory returns canned records or errors per source.
type fakeDirectory struct {
	employee, vendor, client, timesheet coalesce.Record
	failVendor                          bool
	delay                               time.Duration
}

func (f *fakeDirectory) lookup(ctx context.Context, rec coalesce.Record, fail bool) (coalesce.Record, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("backend returned 503")
	}
	if rec == nil {
		return nil, errors.New("not found")
	}
	return rec, nil
}

func (f *fakeDirectory) Employee(ctx context.Context, id string) (coalesce.Record, error) {
	return f.lookup(ctx, f.employee, false)
}
func (f *fakeDirectory) Vendor(ctx context.Context, id string) (coalesce.Record, error) {
	return f.lookup(ctx, f.vendor, f.failVendor)
}
func (f *fakeDirectory) Client(ctx context.Context, id string) (coalesce.Record, error) {
	return f.lookup(ctx, f.client, false)
}
func (f *fakeDirectory) Timesheet(ctx context.Context, id string) (coalesce.Record, error) {
	return f.lookup(ctx, f.timesheet, false)
}

func newTestAssembler(dir assemble.Directory) *assemble.Assembler {
	a := assemble.New(invoice.StandardDefaults(), dir, nil)
	a.Now = func() time.Time {
		return time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	}
	return a
}

func num(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// =============================================================================
// FALLBACK COMPLETENESS & IDEMPOTENCE
// =============================================================================

func TestResolve_EmptyRawInvoice_NeverFails(t *testing.T) {
	// GIVEN: A completely empty raw record, no enrichment
	// THEN: One synthesized item: hours 0, rate 45.00, total 0

	a := newTestAssembler(nil)

	inv := a.Resolve(coalesce.Record{}, assemble.Enrichment{})

	require.Len(t, inv.LineItems, 1)
	li := inv.LineItems[0]
	assert.Equal(t, "Employee Name", li.EmployeeName)
	assert.True(t, li.HoursWorked.IsZero())
	assert.True(t, li.HourlyRate.Equal(num(45)))
	assert.True(t, li.Total.IsZero())
	assert.Equal(t, "N/A", inv.Company.Name)
	assert.Equal(t, "N/A", inv.BillTo.Name)
	assert.True(t, inv.Subtotal.IsZero())
}

func TestResolve_Idempotent(t *testing.T) {
	a := newTestAssembler(nil)
	raw := coalesce.Record{
		"invoiceNumber": "INV-9",
		"lineItems":     `[{"hours":10,"rate":50},{"hours":4,"rate":60}]`,
		"taxRate":       8.0,
	}

	inv1 := a.Resolve(raw, assemble.Enrichment{})
	inv2 := a.Resolve(raw, assemble.Enrichment{})

	assert.Equal(t, inv1, inv2)
}

func TestResolve_InvalidPeriodDefaultsToCurrentMonth(t *testing.T) {
	// GIVEN: A billing period with end before start
	a := newTestAssembler(nil)
	raw := coalesce.Record{"billingPeriodStart": "2025-03-31", "billingPeriodEnd": "2025-03-01"}

	inv := a.Resolve(raw, assemble.Enrichment{})

	assert.Equal(t, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), inv.Period.From)
	assert.Equal(t, time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC), inv.Period.To)
}

func TestResolve_PeriodFromTimesheet(t *testing.T) {
	a := newTestAssembler(nil)

	inv := a.Resolve(coalesce.Record{}, assemble.Enrichment{
		Timesheet: coalesce.Record{"weekStart": "2025-03-03", "weekEnd": "2025-03-09"},
	})

	assert.Equal(t, "Mar 3, 2025 to Mar 9, 2025", inv.Period.String())
}

// =============================================================================
// TOTALS & DIVERGENCE
// =============================================================================

func TestResolve_TotalsInvariant(t *testing.T) {
	a := newTestAssembler(nil)
	raw := coalesce.Record{
		"lineItems": []any{
			map[string]any{"hours": 10.0, "rate": 50.0},
			map[string]any{"hours": 8.0, "rate": 45.0},
		},
		"taxRate": 10.0,
	}

	inv := a.Resolve(raw, assemble.Enrichment{})

	sum := decimal.Zero
	for _, li := range inv.LineItems {
		sum = sum.Add(li.Total)
	}
	assert.True(t, inv.Subtotal.Equal(sum))
	assert.Equal(t, "946.00", invoice.FormatMoney(inv.Total))
}

func TestResolve_TaxExemptTotalEqualsSubtotal(t *testing.T) {
	a := newTestAssembler(nil)
	raw := coalesce.Record{
		"lineItems": `[{"hours":10,"rate":50}]`,
		"taxExempt": true,
		"taxRate":   8.25,
	}

	inv := a.Resolve(raw, assemble.Enrichment{})

	assert.True(t, inv.TaxExempt)
	assert.True(t, inv.Total.Equal(inv.Subtotal))
}

func TestResolve_FlagsPersistedTotalDivergence(t *testing.T) {
	// GIVEN: Items summing to 500 but a persisted totalAmount of 900
	// THEN: The recomputed value stands and the divergence is flagged

	a := newTestAssembler(nil)
	raw := coalesce.Record{
		"lineItems":   `[{"hours":10,"rate":50}]`,
		"totalAmount": 900.0,
	}

	inv := a.Resolve(raw, assemble.Enrichment{})

	assert.True(t, inv.Subtotal.Equal(num(500)))
	require.NotNil(t, inv.Divergence)
	assert.True(t, inv.Divergence.Persisted.Equal(num(900)))
}

// =============================================================================
// ENRICHMENT
// =============================================================================

func TestEnrich_VendorFailureStillUsesEmployee(t *testing.T) {
	// GIVEN: Vendor lookup fails, employee lookup succeeds
	// THEN: Employee-derived name resolves; vendor fields default to N/A

	dir := &fakeDirectory{
		employee:   coalesce.Record{"firstName": "Grace", "lastName": "Hopper", "hourlyRate": 90.0},
		failVendor: true,
	}
	a := newTestAssembler(dir)
	raw := coalesce.Record{"employeeId": "emp-1", "vendorId": "ven-1", "totalHours": 10.0}

	enr := a.Enrich(context.Background(), raw)
	inv := a.Resolve(raw, enr)

	require.Len(t, enr.Errors, 1)
	assert.ErrorIs(t, enr.Errors[0], invoice.ErrEnrichmentFetch)
	assert.Equal(t, "Grace Hopper", inv.LineItems[0].EmployeeName)
	assert.True(t, inv.LineItems[0].HourlyRate.Equal(num(90)))
	assert.Equal(t, "N/A", inv.Company.Name)
}

func TestEnrich_AllLookupsJoinConcurrently(t *testing.T) {
	// Four lookups at 50ms each should join in far less than 200ms.
	dir := &fakeDirectory{
		employee:  coalesce.Record{"firstName": "A"},
		vendor:    coalesce.Record{"name": "Warp Staffing"},
		client:    coalesce.Record{"name": "Acme"},
		timesheet: coalesce.Record{"totalHours": 40.0},
		delay:     50 * time.Millisecond,
	}
	a := newTestAssembler(dir)
	raw := coalesce.Record{
		"employeeId": "e", "vendorId": "v", "clientId": "c", "timesheetId": "t",
	}

	start := time.Now()
	enr := a.Enrich(context.Background(), raw)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 150*time.Millisecond, "lookups should run concurrently")
	assert.NotNil(t, enr.Employee)
	assert.NotNil(t, enr.Vendor)
	assert.NotNil(t, enr.Client)
	assert.NotNil(t, enr.Timesheet)
	assert.Empty(t, enr.Errors)
}

func TestEnrich_CancelledContextAbandonsFetches(t *testing.T) {
	dir := &fakeDirectory{employee: coalesce.Record{"firstName": "A"}, delay: time.Second}
	a := newTestAssembler(dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	enr := a.Enrich(ctx, coalesce.Record{"employeeId": "e"})

	assert.Nil(t, enr.Employee)
	require.Len(t, enr.Errors, 1)
	assert.ErrorIs(t, enr.Errors[0], invoice.ErrEnrichmentFetch)
}

// deafDirectory sleeps through cancellation: it never checks its context.
type deafDirectory struct {
	sleep time.Duration
}

func (d *deafDirectory) lookup() (coalesce.Record, error) {
	time.Sleep(d.sleep)
	return coalesce.Record{"name": "late"}, nil
}

func (d *deafDirectory) Employee(ctx context.Context, id string) (coalesce.Record, error) {
	return d.lookup()
}
func (d *deafDirectory) Vendor(ctx context.Context, id string) (coalesce.Record, error) {
	return d.lookup()
}
func (d *deafDirectory) Client(ctx context.Context, id string) (coalesce.Record, error) {
	return d.lookup()
}
func (d *deafDirectory) Timesheet(ctx context.Context, id string) (coalesce.Record, error) {
	return d.lookup()
}

func TestEnrich_IgnoredCancellationStillReleasesJoin(t *testing.T) {
	// GIVEN: A Directory that never honors its context
	// WHEN: The caller's context is already cancelled
	// THEN: Enrich returns without waiting out the slow fetch

	a := newTestAssembler(&deafDirectory{sleep: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	enr := a.Enrich(ctx, coalesce.Record{"employeeId": "e", "vendorId": "v"})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond, "join must not wait for a deaf source")
	assert.Nil(t, enr.Employee)
	assert.Nil(t, enr.Vendor)
	require.Len(t, enr.Errors, 2)
	for _, err := range enr.Errors {
		assert.ErrorIs(t, err, invoice.ErrEnrichmentFetch)
	}
}

func TestEnrich_EmbeddedRecordShortCircuitsLookup(t *testing.T) {
	// GIVEN: The backend inlined the employee object on the raw invoice
	// THEN: No lookup fires for it (the fake would error: no record canned)

	a := newTestAssembler(&fakeDirectory{})
	raw := coalesce.Record{
		"employeeId": "emp-1",
		"employee":   map[string]any{"firstName": "Inline", "lastName": "Person"},
	}

	enr := a.Enrich(context.Background(), raw)

	assert.Equal(t, "Inline", enr.Employee["firstName"])
	assert.Empty(t, enr.Errors)
}

// =============================================================================
// USER-EDIT PATH
// =============================================================================

func TestApplyEdit_RecomputesItemAndAggregates(t *testing.T) {
	// GIVEN: A resolved invoice with a trusted explicit item total
	// WHEN: The user edits that item's hours and rate
	// THEN: Item total and invoice aggregates recompute immediately

	a := newTestAssembler(nil)
	raw := coalesce.Record{
		"lineItems": `[{"hours":10,"rate":50,"total":999}]`,
		"taxRate":   10.0,
	}
	inv := a.Resolve(raw, assemble.Enrichment{})
	require.True(t, inv.Subtotal.Equal(num(999)))

	edited, ok := a.ApplyEdit(inv, 0, num(12), num(50))

	require.True(t, ok)
	assert.True(t, edited.LineItems[0].Total.Equal(num(600)))
	assert.True(t, edited.Subtotal.Equal(num(600)))
	assert.True(t, edited.Total.Equal(num(660)))
	// The original stays untouched.
	assert.True(t, inv.Subtotal.Equal(num(999)))
}

func TestApplyEdit_IndexOutOfRange(t *testing.T) {
	a := newTestAssembler(nil)
	inv := a.Resolve(coalesce.Record{}, assemble.Enrichment{})

	_, ok := a.ApplyEdit(inv, 5, num(1), num(1))

	assert.False(t, ok)
}
