package normalizer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// lookup resolves a possibly dotted key inside obj.
func lookup(obj map[string]interface{}, key string) (interface{}, bool) {
	if obj == nil {
		return nil, false
	}
	if v, ok := obj[key]; ok {
		return v, v != nil
	}
	head, rest, found := strings.Cut(key, ".")
	if !found {
		return nil, false
	}
	nested, ok := obj[head].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return lookup(nested, rest)
}

// firstString returns the first non-empty string-like value among keys.
// Numeric ids are formatted without exponent.
func firstString(obj map[string]interface{}, keys []string) string {
	for _, key := range keys {
		v, ok := lookup(obj, key)
		if !ok {
			continue
		}
		if s := toString(v); s != "" {
			return s
		}
	}
	return ""
}

// firstNumber returns the first finite numeric value among keys.
func firstNumber(obj map[string]interface{}, keys []string) (float64, bool) {
	for _, key := range keys {
		v, ok := lookup(obj, key)
		if !ok {
			continue
		}
		if n, ok := toNumber(v); ok {
			return n, true
		}
	}
	return 0, false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// toNumber parses numbers and numeric strings. Empty strings, booleans and
// non-finite values are rejected.
func toNumber(v interface{}) (float64, bool) {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int32:
		n = float64(t)
	case int64:
		n = float64(t)
	case uint64:
		n = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

const (
	// epochMillisThreshold separates epoch seconds from epoch milliseconds.
	epochMillisThreshold = 1e12
	// maxEpochMillis is the largest instant a JS Date can hold.
	maxEpochMillis = 8.64e15
)

// parseTimestamp accepts ISO-8601 strings and epoch numbers.
// Zone-less strings are read as UTC. Instants outside years 1..9999 are
// unparseable.
func parseTimestamp(v interface{}) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return inRange(ts.UTC())
			}
		}
		return time.Time{}, false
	}
	n, ok := toNumber(v)
	if !ok || n <= 0 {
		return time.Time{}, false
	}
	if n >= epochMillisThreshold {
		if n >= maxEpochMillis {
			return time.Time{}, false
		}
		return inRange(time.UnixMilli(int64(n)).UTC())
	}
	sec, frac := math.Modf(n)
	return inRange(time.Unix(int64(sec), int64(frac*1e9)).UTC())
}

func inRange(ts time.Time) (time.Time, bool) {
	if y := ts.Year(); y < 1 || y > 9999 {
		return time.Time{}, false
	}
	return ts, true
}

// firstTimestamp returns the first parseable timestamp among keys.
func firstTimestamp(obj map[string]interface{}, keys []string) (time.Time, bool) {
	for _, key := range keys {
		v, ok := lookup(obj, key)
		if !ok {
			continue
		}
		if ts, ok := parseTimestamp(v); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}
