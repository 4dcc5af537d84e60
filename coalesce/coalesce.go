/*
Package coalesce selects the first usable value from an ordered list of
candidate locations across loosely-typed source records.

PURPOSE:
  Invoice payloads arrive from up to four upstream sources (stored invoice,
  timesheet, employee, vendor/client) whose schemas disagree: fields are
  renamed, JSON-encoded as text, missing, or present in several places at
  once. This package is the single place that priority order lives, so the
  fallback chain for every field stays auditable and testable on its own.

KEY CONCEPTS:
  - Record: an untyped map decoded from backend JSON
  - Candidate: a deferred accessor; evaluating it never panics on missing
    intermediate paths (vendor.address with vendor absent is "not found")
  - String/Number: resolvers that walk candidates in order and return the
    first defined, non-null, non-empty (for strings) value, coerced

DESIGN PRINCIPLES:
  1. Declarative priority: callers list accessors in order, no nested ifs
  2. Absence is not an error: a missing path yields the next candidate
  3. Numeric precision: numbers coerce to decimal.Decimal, never float math

USAGE:
  rate := coalesce.Number(defaults.HourlyRate,
      coalesce.Field(item, "hourlyRate"),
      coalesce.Field(item, "rate"),
      coalesce.Field(invoice, "hourlyRate"),
  )

SEE ALSO:
  - invoice/lineitems.go: the per-field priority tables built on this package
*/
package coalesce

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECORD - Untyped source object
// =============================================================================

// Record is a loosely-typed record as decoded from backend JSON.
type Record map[string]any

// Get walks a key path through nested maps. It returns (nil, false) when any
// intermediate step is absent, null, or not a map, never an error.
func (r Record) Get(path ...string) (any, bool) {
	var cur any = r
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[key]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Record:
		return m, true
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}

// =============================================================================
// CANDIDATES - Deferred accessors
// =============================================================================

// Candidate produces a value that may or may not exist.
type Candidate func() (any, bool)

// Field reads a key path from a record. A nil record is simply "not found".
func Field(r Record, path ...string) Candidate {
	return func() (any, bool) {
		if r == nil {
			return nil, false
		}
		return r.Get(path...)
	}
}

// Value wraps an already-extracted value as a candidate.
func Value(v any) Candidate {
	return func() (any, bool) { return v, v != nil }
}

// =============================================================================
// RESOLVERS
// =============================================================================

// String returns the first candidate that coerces to a non-empty trimmed
// string, or fallback when none does.
func String(fallback string, candidates ...Candidate) string {
	for _, c := range candidates {
		v, ok := c()
		if !ok {
			continue
		}
		if s, ok := ToString(v); ok {
			return s
		}
	}
	return fallback
}

// Number returns the first candidate that coerces to a finite decimal, or
// fallback when none does. Zero is a defined value and terminates the chain.
func Number(fallback decimal.Decimal, candidates ...Candidate) decimal.Decimal {
	n, _ := NumberOK(fallback, candidates...)
	return n
}

// NumberOK is Number plus a flag reporting whether any candidate resolved,
// for callers that distinguish "explicit zero" from "nothing found".
func NumberOK(fallback decimal.Decimal, candidates ...Candidate) (decimal.Decimal, bool) {
	for _, c := range candidates {
		v, ok := c()
		if !ok {
			continue
		}
		if d, ok := ToNumber(v); ok {
			return d, true
		}
	}
	return fallback, false
}

// Bool returns the first candidate that coerces to a boolean. Accepts real
// booleans, "true"/"false" strings, and 0/1 numerics.
func Bool(fallback bool, candidates ...Candidate) bool {
	for _, c := range candidates {
		v, ok := c()
		if !ok {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true", "yes", "1":
				return true
			case "false", "no", "0":
				return false
			}
		case float64:
			return b != 0
		case int:
			return b != 0
		}
	}
	return fallback
}

// =============================================================================
// COERCION
// =============================================================================

// ToString coerces a value to a trimmed, non-empty string.
// Numeric values render in their shortest decimal form.
func ToString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		trimmed := strings.TrimSpace(s)
		return trimmed, trimmed != ""
	case float64:
		return decimal.NewFromFloat(s).String(), true
	case int:
		return decimal.NewFromInt(int64(s)).String(), true
	case int64:
		return decimal.NewFromInt(s).String(), true
	case json.Number:
		return s.String(), true
	case decimal.Decimal:
		return s.String(), true
	default:
		return "", false
	}
}

// ToNumber coerces a value to a decimal. Strings parse after trimming and
// stripping a leading currency symbol; anything unparsable is "not found".
func ToNumber(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	case string:
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(n), "$"))
		if trimmed == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(trimmed)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}
