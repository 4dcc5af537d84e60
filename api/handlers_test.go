/*
handlers_test.go - End-to-end tests through the HTTP surface

Tests for:
- Resolution preview of an empty and an enriched invoice
- PDF download headers and sanitized filename
- The recalculate (user-edit) path
- Explicit save freezing a totals snapshot
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/coalesce"
	"github.com/warp/invoice-engine/store/sqlite"
)

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(NewRouter(NewHandler(store, nil)))
	t.Cleanup(srv.Close)
	return srv, store
}

func seedInvoice(t *testing.T, store *sqlite.Store, payload coalesce.Record) string {
	rec, err := store.SaveInvoice(context.Background(), sqlite.InvoiceRecord{Payload: payload})
	require.NoError(t, err)
	return rec.ID
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestGetResolvedInvoice_EmptyPayloadReturnsPlaceholders(t *testing.T) {
	// GIVEN: A stored raw invoice with no usable fields
	// THEN: A complete canonical model with documented placeholders

	srv, store := newTestServer(t)
	id := seedInvoice(t, store, coalesce.Record{})

	var dto ResolvedInvoiceDTO
	resp := getJSON(t, srv.URL+"/api/invoices/"+id+"/resolved", &dto)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, dto.LineItems, 1)
	assert.Equal(t, "Employee Name", dto.LineItems[0].EmployeeName)
	assert.Equal(t, "45.00", dto.LineItems[0].HourlyRate)
	assert.Equal(t, "0.00", dto.LineItems[0].Total)
	assert.Equal(t, "N/A", dto.Company.Name)
	assert.Equal(t, "0.00", dto.Subtotal)
}

func TestGetResolvedInvoice_WithEnrichment(t *testing.T) {
	// GIVEN: An invoice referencing a seeded employee and vendor
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.SaveEnrichment(ctx, "employee", "emp-1",
		coalesce.Record{"firstName": "Grace", "lastName": "Hopper", "hourlyRate": 90.0}))
	require.NoError(t, store.SaveEnrichment(ctx, "vendor", "ven-1",
		coalesce.Record{"name": "Warp Staffing", "email": "billing@warp.test"}))

	id := seedInvoice(t, store, coalesce.Record{
		"invoiceNumber": "INV-2025-0007",
		"employeeId":    "emp-1",
		"vendorId":      "ven-1",
		"totalHours":    100.0,
		"taxRate":       10.0,
	})

	var dto ResolvedInvoiceDTO
	getJSON(t, srv.URL+"/api/invoices/"+id+"/resolved", &dto)

	require.Len(t, dto.LineItems, 1)
	assert.Equal(t, "Grace Hopper", dto.LineItems[0].EmployeeName)
	assert.Equal(t, "90.00", dto.LineItems[0].HourlyRate)
	assert.Equal(t, "Warp Staffing", dto.Company.Name)
	assert.Equal(t, "9000.00", dto.Subtotal)
	assert.Equal(t, "900.00", dto.Tax)
	assert.Equal(t, "9900.00", dto.Total)
}

func TestGetDocument_DownloadHeaders(t *testing.T) {
	srv, store := newTestServer(t)
	id := seedInvoice(t, store, coalesce.Record{
		"invoiceNumber": "INV-2025-0007",
		"lineItems":     `[{"employeeName":"O'Brien & Co.","hours":10,"rate":50}]`,
	})

	resp, err := http.Get(srv.URL + "/api/invoices/" + id + "/document")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="OBrien_Co_INV-2025-0007.pdf"`,
		resp.Header.Get("Content-Disposition"))

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))
}

func TestGetDocument_InlinePreview(t *testing.T) {
	srv, store := newTestServer(t)
	id := seedInvoice(t, store, coalesce.Record{"invoiceNumber": "INV-1"})

	resp, err := http.Get(srv.URL + "/api/invoices/" + id + "/document?inline=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Disposition"), "inline;"))
}

func TestRecalculate_UserEditRefreshesTotals(t *testing.T) {
	// GIVEN: An invoice with an explicit (trusted) item total of 999
	// WHEN: The user edits hours/rate through the API
	// THEN: Item and aggregates come back recomputed

	srv, store := newTestServer(t)
	id := seedInvoice(t, store, coalesce.Record{
		"lineItems": `[{"hours":10,"rate":50,"total":999}]`,
		"taxRate":   10.0,
	})

	body, _ := json.Marshal(RecalculateRequest{ItemIndex: 0, Hours: "12", Rate: "50"})
	resp, err := http.Post(srv.URL+"/api/invoices/"+id+"/recalculate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var totals TotalsDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&totals))
	assert.Equal(t, "600.00", totals.LineItems[0].Total)
	assert.Equal(t, "600.00", totals.Subtotal)
	assert.Equal(t, "660.00", totals.Total)
}

func TestRecalculate_IndexOutOfRange(t *testing.T) {
	srv, store := newTestServer(t)
	id := seedInvoice(t, store, coalesce.Record{})

	body, _ := json.Marshal(RecalculateRequest{ItemIndex: 7, Hours: "1", Rate: "1"})
	resp, err := http.Post(srv.URL+"/api/invoices/"+id+"/recalculate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSaveInvoice_FreezesTotalsSnapshot(t *testing.T) {
	// GIVEN: An existing invoice edited by the user
	// WHEN: PUT /api/invoices/{id}
	// THEN: Payload replaced and a totals snapshot frozen alongside

	srv, store := newTestServer(t)
	id := seedInvoice(t, store, coalesce.Record{"invoiceNumber": "INV-5"})

	body, _ := json.Marshal(SaveInvoiceRequest{Payload: map[string]any{
		"invoiceNumber": "INV-5",
		"lineItems":     `[{"hours":10,"rate":50}]`,
		"taxExempt":     true,
	}})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/invoices/"+id, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var dto ResolvedInvoiceDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	assert.Equal(t, "500.00", dto.Subtotal)
	assert.Equal(t, "500.00", dto.Total, "tax exempt")

	rec, err := store.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "500.00", rec.FrozenSubtotal)
	assert.Equal(t, "500.00", rec.FrozenTotal)
}

func TestGetInvoice_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/invoices/nope/resolved")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSeedEnrichment_UnknownSource(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/enrichment/warehouse/x",
		strings.NewReader(`{"name":"nope"}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
