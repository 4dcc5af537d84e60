/*
lineitems.go - Raw line-item variants and the normalizer

PURPOSE:
  The backend's lineItems field arrives in four shapes: absent, a
  JSON-encoded string, a single object, or an array of objects with
  inconsistent key names. This file classifies the payload into a tagged
  union and maps every element through per-field coalescing chains into
  canonical LineItems.

GUARANTEES:
  - The result is never empty: when nothing usable arrives, exactly one
    fallback item is synthesized from top-level invoice fields.
  - A malformed element defaults field-by-field; it never drops the list.
  - Ordering is stable and equals discovery order in the richest source
    (explicit array > single record > synthesized default).

SEE ALSO:
  - coalesce/coalesce.go: the candidate-chain primitive
  - types.go: LineItem, Defaults
*/
package invoice

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/warp/invoice-engine/coalesce"
	"github.com/warp/invoice-engine/logger"
)

// =============================================================================
// RAW LINE ITEMS - Tagged union over the four observed payload shapes
// =============================================================================

type RawLineItemsKind int

const (
	RawItemsUnset RawLineItemsKind = iota
	RawItemsJSON                   // JSON-encoded string, not yet decoded
	RawItemsSingle                 // one bare object
	RawItemsList                   // array of objects
)

// RawLineItems classifies the raw lineItems payload before decoding.
type RawLineItems struct {
	Kind RawLineItemsKind
	Text string            // RawItemsJSON
	Rows []coalesce.Record // RawItemsSingle, RawItemsList
}

// ClassifyLineItems inspects the raw payload and tags its shape. Elements of
// an array that are not objects are kept as empty records so positions (and
// therefore ordering) survive; their fields default downstream.
func ClassifyLineItems(v any) RawLineItems {
	switch items := v.(type) {
	case nil:
		return RawLineItems{Kind: RawItemsUnset}
	case string:
		if items == "" {
			return RawLineItems{Kind: RawItemsUnset}
		}
		return RawLineItems{Kind: RawItemsJSON, Text: items}
	case []any:
		if len(items) == 0 {
			return RawLineItems{Kind: RawItemsUnset}
		}
		rows := make([]coalesce.Record, len(items))
		for i, el := range items {
			if m, ok := el.(map[string]any); ok {
				rows[i] = coalesce.Record(m)
			} else {
				rows[i] = coalesce.Record{}
			}
		}
		return RawLineItems{Kind: RawItemsList, Rows: rows}
	case []coalesce.Record:
		if len(items) == 0 {
			return RawLineItems{Kind: RawItemsUnset}
		}
		return RawLineItems{Kind: RawItemsList, Rows: items}
	case map[string]any:
		return RawLineItems{Kind: RawItemsSingle, Rows: []coalesce.Record{coalesce.Record(items)}}
	case coalesce.Record:
		return RawLineItems{Kind: RawItemsSingle, Rows: []coalesce.Record{items}}
	default:
		return RawLineItems{Kind: RawItemsUnset}
	}
}

// decode resolves the union down to concrete rows. A JSON payload that fails
// to parse degrades to Unset; the caller logs and synthesizes a fallback.
func (r RawLineItems) decode() ([]coalesce.Record, error) {
	switch r.Kind {
	case RawItemsJSON:
		var parsed any
		if err := json.Unmarshal([]byte(r.Text), &parsed); err != nil {
			return nil, &SourceDataError{Field: "lineItems", Cause: err}
		}
		reclassified := ClassifyLineItems(parsed)
		if reclassified.Kind == RawItemsJSON {
			// Double-encoded payloads have not been observed; stop here
			// rather than recurse on hostile input.
			return nil, &SourceDataError{Field: "lineItems", Cause: errDoubleEncoded}
		}
		return reclassified.decode()
	case RawItemsSingle, RawItemsList:
		return r.Rows, nil
	default:
		return nil, nil
	}
}

// =============================================================================
// NORMALIZER
// =============================================================================

// NormalizeInput carries everything the coalescing chains may consult.
// Enrichment records are optional; nil simply shortens the chains.
type NormalizeInput struct {
	Raw       coalesce.Record // the full raw invoice record
	Employee  coalesce.Record // enrichment: employee lookup
	Timesheet coalesce.Record // enrichment: timesheet lookup
	Period    Period          // resolved billing period, for descriptions
}

// Normalizer maps raw line-item payloads to canonical LineItems.
type Normalizer struct {
	Defaults Defaults
	Log      *logger.Logger
}

func NewNormalizer(defaults Defaults, log *logger.Logger) *Normalizer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Normalizer{Defaults: defaults, Log: log}
}

// Normalize produces the canonical, never-empty line-item list.
func (n *Normalizer) Normalize(rawItems RawLineItems, in NormalizeInput) []LineItem {
	rows, err := rawItems.decode()
	if err != nil {
		// Recovered locally: a broken payload falls back to synthesis.
		n.Log.Warnw("line items unparsable, synthesizing fallback", "error", err)
	}

	if len(rows) == 0 {
		return []LineItem{n.synthesize(in)}
	}

	items := make([]LineItem, len(rows))
	for i, row := range rows {
		items[i] = n.normalizeRow(row, in)
	}
	return items
}

// normalizeRow resolves one raw element. Each field defaults independently;
// one broken field never discards the row.
func (n *Normalizer) normalizeRow(item coalesce.Record, in NormalizeInput) LineItem {
	hours := nonNegative(coalesce.Number(decimal.Zero,
		coalesce.Field(item, "hoursWorked"),
		coalesce.Field(item, "hours"),
		coalesce.Field(item, "quantity"),
		coalesce.Field(item, "totalHours"),
	))

	rate := nonNegative(coalesce.Number(n.Defaults.HourlyRate,
		coalesce.Field(item, "hourlyRate"),
		coalesce.Field(item, "rate"),
		coalesce.Field(item, "unitPrice"),
		coalesce.Field(item, "billRate"),
		coalesce.Field(in.Raw, "hourlyRate"),
		coalesce.Field(in.Employee, "hourlyRate"),
	))

	// An explicit total is trusted as-is; only its absence computes one.
	total := coalesce.Number(hours.Mul(rate),
		coalesce.Field(item, "total"),
		coalesce.Field(item, "amount"),
	)

	return LineItem{
		EmployeeName: coalesce.String(n.Defaults.EmployeeName,
			coalesce.Field(item, "employeeName"),
			coalesce.Field(item, "employee"),
			coalesce.Field(in.Raw, "employeeName"),
			employeeFullName(in.Employee),
		),
		Role: coalesce.String("",
			coalesce.Field(item, "role"),
			coalesce.Field(item, "position"),
			coalesce.Field(in.Raw, "position"),
			coalesce.Field(in.Employee, "position"),
		),
		Description: coalesce.String(in.Period.String(),
			coalesce.Field(item, "description"),
		),
		HoursWorked: hours,
		HourlyRate:  rate,
		Total:       total,
	}
}

// synthesize builds the single fallback item from top-level invoice fields,
// so the renderer always has at least one row.
func (n *Normalizer) synthesize(in NormalizeInput) LineItem {
	hours := nonNegative(coalesce.Number(decimal.Zero,
		coalesce.Field(in.Raw, "totalHours"),
		coalesce.Field(in.Raw, "hours"),
		coalesce.Field(in.Timesheet, "totalHours"),
	))

	rate := nonNegative(coalesce.Number(n.Defaults.HourlyRate,
		coalesce.Field(in.Raw, "hourlyRate"),
		coalesce.Field(in.Raw, "rate"),
		coalesce.Field(in.Employee, "hourlyRate"),
	))

	total := coalesce.Number(hours.Mul(rate),
		coalesce.Field(in.Raw, "total"),
		coalesce.Field(in.Raw, "totalAmount"),
		coalesce.Field(in.Raw, "amount"),
		coalesce.Field(in.Raw, "subtotal"),
	)

	return LineItem{
		EmployeeName: coalesce.String(n.Defaults.EmployeeName,
			coalesce.Field(in.Raw, "employeeName"),
			employeeFullName(in.Employee),
		),
		Role: coalesce.String("",
			coalesce.Field(in.Raw, "position"),
			coalesce.Field(in.Employee, "position"),
		),
		Description: in.Period.String(),
		HoursWorked: hours,
		HourlyRate:  rate,
		Total:       total,
	}
}

// employeeFullName joins firstName/lastName from an employee record into a
// single display-name candidate.
func employeeFullName(emp coalesce.Record) coalesce.Candidate {
	return func() (any, bool) {
		if emp == nil {
			return nil, false
		}
		first := coalesce.String("", coalesce.Field(emp, "firstName"))
		last := coalesce.String("", coalesce.Field(emp, "lastName"))
		switch {
		case first != "" && last != "":
			return first + " " + last, true
		case first != "":
			return first, true
		case last != "":
			return last, true
		default:
			return coalesce.Field(emp, "name")()
		}
	}
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
