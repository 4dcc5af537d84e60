/*
handlers.go - HTTP API handlers for the invoice engine

PURPOSE:
  Exposes invoice resolution and document rendering via REST. Handles HTTP
  request/response and JSON serialization, and delegates to the assembler,
  aggregate calculator, and layout engine.

ENDPOINTS:
  Invoices:
    GET    /api/invoices                    List persisted raw invoices
    POST   /api/invoices                    Persist a raw invoice payload
    GET    /api/invoices/{id}               Raw payload as stored
    PUT    /api/invoices/{id}               Save edited payload + freeze totals
    GET    /api/invoices/{id}/resolved      Canonical model (preview)
    GET    /api/invoices/{id}/document      Rendered PDF (?inline=1 previews)
    POST   /api/invoices/{id}/recalculate   Re-run with user-edited item

  Enrichment:
    PUT    /api/enrichment/{source}/{id}    Seed employee/vendor/client/timesheet

REQUEST FLOW:
  1. Parse HTTP request
  2. Load raw payload from store
  3. Enrich (concurrent, best-effort) + resolve
  4. Serialize canonical model or rendered bytes
  5. Handle errors

ERROR HANDLING:
  Resolution itself never fails; worst case is a placeholder-filled model.
  - 400: Malformed request bodies
  - 404: Unknown invoice / enrichment source
  - 500: Persistence and render failures (the only user-surfaced classes)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/invoice-engine/assemble"
	"github.com/warp/invoice-engine/invoice"
	"github.com/warp/invoice-engine/logger"
	"github.com/warp/invoice-engine/render"
	"github.com/warp/invoice-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Assembler *assemble.Assembler
	Renderer  *render.Engine
	Log       *logger.Logger
}

// NewHandler wires the resolution pipeline over the given store.
func NewHandler(store *sqlite.Store, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("api")
	return &Handler{
		Store:     store,
		Assembler: assemble.New(invoice.StandardDefaults(), store, log),
		Renderer:  render.NewEngine(log),
		Log:       log,
	}
}

// =============================================================================
// INVOICE CRUD
// =============================================================================

// ListInvoices returns all persisted raw invoices.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Store.ListInvoices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceSummaryDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toSummaryDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateInvoice persists a new raw invoice payload as sent.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req SaveInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Store.SaveInvoice(r.Context(), sqlite.InvoiceRecord{Payload: req.Payload})
	if err != nil {
		writeError(w, http.StatusInternalServerError, saveFailureMessage(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, toSummaryDTO(rec))
}

// GetInvoice returns the raw payload exactly as stored.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadInvoice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec.Payload)
}

// SaveInvoice handles the explicit-save path: persist the edited raw fields
// and freeze a snapshot of the recomputed totals alongside them. On failure
// the resolved model the client already holds stays valid for retry.
func (h *Handler) SaveInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SaveInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if _, err := h.Store.GetInvoice(r.Context(), id); errors.Is(err, invoice.ErrInvoiceNotFound) {
		writeError(w, http.StatusNotFound, "Invoice not found", err)
		return
	}

	rec, err := h.Store.SaveInvoice(r.Context(), sqlite.InvoiceRecord{ID: id, Payload: req.Payload})
	if err != nil {
		writeError(w, http.StatusInternalServerError, saveFailureMessage(err), err)
		return
	}

	inv := h.Assembler.ResolveWithLookups(r.Context(), rec.Payload)
	if err := h.Store.FreezeTotals(r.Context(), rec.ID,
		invoice.FormatMoney(inv.Subtotal), invoice.FormatMoney(inv.Total)); err != nil {
		writeError(w, http.StatusInternalServerError, "Invoice saved but totals snapshot failed; retry the save", err)
		return
	}

	writeJSON(w, http.StatusOK, toResolvedDTO(inv))
}

// =============================================================================
// RESOLUTION & RENDERING
// =============================================================================

// GetResolvedInvoice resolves the canonical model for on-screen preview.
func (h *Handler) GetResolvedInvoice(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadInvoice(w, r)
	if !ok {
		return
	}

	inv := h.Assembler.ResolveWithLookups(r.Context(), rec.Payload)
	writeJSON(w, http.StatusOK, toResolvedDTO(inv))
}

// GetDocument renders the invoice PDF. Default is a download with the
// sanitized filename; ?inline=1 streams it for in-browser preview.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadInvoice(w, r)
	if !ok {
		return
	}

	inv := h.Assembler.ResolveWithLookups(r.Context(), rec.Payload)
	doc, err := h.Renderer.Render(inv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render document", err)
		return
	}
	data := doc.Bytes()

	employeeName := ""
	if len(inv.LineItems) > 0 {
		employeeName = inv.LineItems[0].EmployeeName
	}
	filename := render.Filename(employeeName, inv.Number)

	disposition := "attachment"
	if r.URL.Query().Get("inline") == "1" {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`%s; filename="%s"`, disposition, filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	doc.WriteTo(w)
}

// Recalculate applies a user edit to one line item and returns the fresh
// aggregates, so the UI never shows stale totals.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadInvoice(w, r)
	if !ok {
		return
	}

	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	hours, err := decimal.NewFromString(req.Hours)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hours value", err)
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rate value", err)
		return
	}

	inv := h.Assembler.ResolveWithLookups(r.Context(), rec.Payload)
	edited, ok := h.Assembler.ApplyEdit(inv, req.ItemIndex, hours, rate)
	if !ok {
		writeError(w, http.StatusBadRequest, "Line item index out of range", nil)
		return
	}

	dtos := make([]LineItemDTO, len(edited.LineItems))
	for i, li := range edited.LineItems {
		dtos[i] = toLineItemDTO(li)
	}
	writeJSON(w, http.StatusOK, TotalsDTO{
		LineItems: dtos,
		Subtotal:  invoice.FormatMoney(edited.Subtotal),
		Tax:       invoice.FormatMoney(edited.Tax),
		Total:     invoice.FormatMoney(edited.Total),
	})
}

// =============================================================================
// ENRICHMENT SEEDING
// =============================================================================

// SeedEnrichment loads one enrichment record for later lookups.
func (h *Handler) SeedEnrichment(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	id := chi.URLParam(r, "id")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Store.SaveEnrichment(r.Context(), source, id, payload); err != nil {
		if errors.Is(err, invoice.ErrPersistence) {
			writeError(w, http.StatusInternalServerError, "Failed to save enrichment record", err)
			return
		}
		writeError(w, http.StatusNotFound, "Unknown enrichment source", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": source, "id": id})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadInvoice(w http.ResponseWriter, r *http.Request) (sqlite.InvoiceRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, err := h.Store.GetInvoice(r.Context(), id)
	if errors.Is(err, invoice.ErrInvoiceNotFound) {
		writeError(w, http.StatusNotFound, "Invoice not found", err)
		return rec, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load invoice", err)
		return rec, false
	}
	return rec, true
}

// saveFailureMessage adds retry guidance only to unrecoverable failures,
// where the edits the client still holds are the surviving copy.
func saveFailureMessage(err error) string {
	if invoice.IsRecoverable(err) {
		return "Failed to save invoice"
	}
	return "Failed to save invoice; your edits are kept in this session, retry the save"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]string{"error": message}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}
