package ledger

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// millisThreshold separates epoch seconds from epoch milliseconds.
// Record ids are millisecond timestamps and leak into date-like fields.
const millisThreshold = 1e12

// maxEpochSeconds is 9999-12-31T23:59:59Z
const maxEpochSeconds = 253402300799

// isoLayouts are tried first, in order. Zone-less values are UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// calendarLayouts is the fixed fallback list. Day-first wins over
// month-first for ambiguous slashed dates.
var calendarLayouts = buildCalendarLayouts(
	[]string{"2006-01-02", "2006/01/02", "02/01/2006", "01/02/2006"},
	[]string{"", " 15:04", " 15:04:05.999999"},
)

func buildCalendarLayouts(dates, clocks []string) []string {
	layouts := make([]string, 0, len(dates)*len(clocks))
	for _, d := range dates {
		for _, c := range clocks {
			layouts = append(layouts, d+c)
		}
	}
	return layouts
}

// CoerceTime converts a date-like value of unknown shape to a point in time.
//
// Numbers are epoch seconds, or epoch milliseconds when their magnitude
// exceeds 1e12. Text is parsed as ISO-8601 and then against the calendar
// layouts; the first match wins. Anything else reports false. CoerceTime
// never fails: an unrecognizable value is a normal outcome.
func CoerceTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return epochTime(f)
	case float64:
		return epochTime(x)
	case float32:
		return epochTime(float64(x))
	case int:
		return epochTime(float64(x))
	case int64:
		return epochTime(float64(x))
	case int32:
		return epochTime(float64(x))
	case string:
		return parseText(x)
	default:
		return time.Time{}, false
	}
}

func epochTime(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if math.Abs(f) > millisThreshold {
		f /= 1000
	}
	if math.Abs(f) > maxEpochSeconds {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func parseText(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	for _, layout := range calendarLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
