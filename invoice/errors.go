/*
errors.go - Error taxonomy for the resolution and rendering subsystem

PURPOSE:
  Four failure classes, all non-fatal to the surrounding application:

  1. Source data errors   - malformed payloads, recovered by synthesis
  2. Enrichment errors    - best-effort lookups failed, degrade to fallbacks
  3. Render errors        - a visual element is skipped, never the document
  4. Persistence errors   - the only class surfaced to the user; the
                            in-memory resolved model survives for retry

USAGE:
  if errors.Is(err, invoice.ErrPersistence) {
      // surface actionable message, keep resolved model
  }

SEE ALSO:
  - lineitems.go: recovers SourceDataError locally
  - assemble/assembler.go: records EnrichmentFetchError and continues
*/
package invoice

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSourceData marks malformed or unparsable upstream payloads.
	ErrSourceData = errors.New("malformed source data")

	// ErrEnrichmentFetch marks a failed best-effort enrichment lookup.
	ErrEnrichmentFetch = errors.New("enrichment fetch failed")

	// ErrRender marks a layout element that could not be drawn.
	ErrRender = errors.New("render failed")

	// ErrPersistence marks a failed save/update of the raw invoice.
	ErrPersistence = errors.New("persistence failed")

	// ErrInvoiceNotFound is returned when a referenced invoice doesn't exist.
	ErrInvoiceNotFound = errors.New("invoice not found")

	errDoubleEncoded = errors.New("line items JSON-encoded more than once")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SourceDataError describes a field whose payload failed to parse.
type SourceDataError struct {
	Field string
	Cause error
}

func (e *SourceDataError) Error() string {
	return fmt.Sprintf("malformed source data in %q: %v", e.Field, e.Cause)
}

func (e *SourceDataError) Unwrap() error { return ErrSourceData }

// EnrichmentFetchError describes one failed lookup by source name.
type EnrichmentFetchError struct {
	Source string // "employee", "vendor", "client", "timesheet"
	Cause  error
}

func (e *EnrichmentFetchError) Error() string {
	return fmt.Sprintf("enrichment fetch %q failed: %v", e.Source, e.Cause)
}

func (e *EnrichmentFetchError) Unwrap() error { return ErrEnrichmentFetch }

// RenderError describes a visual element skipped during document layout.
type RenderError struct {
	Element string // e.g. "logo"
	Cause   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render element %q skipped: %v", e.Element, e.Cause)
}

func (e *RenderError) Unwrap() error { return ErrRender }

// PersistenceError describes a failed save, with the operation attempted.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return ErrPersistence }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRecoverable reports whether resolution can proceed past this error with
// degraded output. Only persistence failures require user action.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrSourceData) ||
		errors.Is(err, ErrEnrichmentFetch) ||
		errors.Is(err, ErrRender)
}
