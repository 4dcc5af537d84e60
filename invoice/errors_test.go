package invoice_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/invoice-engine/invoice"
)

func TestErrorTaxonomy_UnwrapsToSentinels(t *testing.T) {
	cases := map[string]struct {
		err      error
		sentinel error
	}{
		"source data": {&invoice.SourceDataError{Field: "lineItems", Cause: errors.New("bad json")}, invoice.ErrSourceData},
		"enrichment":  {&invoice.EnrichmentFetchError{Source: "vendor", Cause: errors.New("503")}, invoice.ErrEnrichmentFetch},
		"render":      {&invoice.RenderError{Element: "logo", Cause: errors.New("corrupt")}, invoice.ErrRender},
		"persistence": {&invoice.PersistenceError{Op: "save", Cause: errors.New("disk full")}, invoice.ErrPersistence},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, tc.err, tc.sentinel)
		})
	}
}

func TestIsRecoverable(t *testing.T) {
	// Everything degrades except persistence, which the user must retry.
	assert.True(t, invoice.IsRecoverable(&invoice.SourceDataError{Field: "x"}))
	assert.True(t, invoice.IsRecoverable(&invoice.EnrichmentFetchError{Source: "client"}))
	assert.True(t, invoice.IsRecoverable(&invoice.RenderError{Element: "logo"}))
	assert.False(t, invoice.IsRecoverable(&invoice.PersistenceError{Op: "save"}))
}
