// Package ledger stores income and expense records as JSON array documents.
//
// A Record is an open field bag; the only attribute the store manages is
// the integer "id". Each Store owns one collection document and re-reads,
// mutates and re-writes the whole document on every operation, so the file
// on disk is always the source of truth.
package ledger

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// IDField is the store-managed record attribute
const IDField = "id"

// Record is one ledger entry. Values are of the JSON kinds produced by a
// decoder with UseNumber: string, json.Number, bool, nil, map[string]any
// and []any.
type Record map[string]any

// ID returns the record's id coerced to an integer
func (r Record) ID() (int64, bool) {
	return CoerceID(r[IDField])
}

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// CoerceID converts an id of any JSON kind to an integer.
// Integral numbers and numeric strings are accepted; booleans, fractional
// numbers and everything else are not.
func CoerceID(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return floatID(f)
		}
	case float64:
		return floatID(n)
	case float32:
		return floatID(float64(n))
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatID(f)
		}
	}
	return 0, false
}

func floatID(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
