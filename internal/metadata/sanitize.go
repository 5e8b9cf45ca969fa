package metadata

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var trailingZero = regexp.MustCompile(`^-?\d+\.0$`)

// Sanitize returns a copy of v in which values render as DHIS2-compatible
// JSON primitives: NaN and infinities become "" and integral floats become
// integers. Strings are kept verbatim except under a "value" key, where
// "N.0" loses the ".0" and a literal "nan" becomes "". Booleans are left to
// the encoder.
func Sanitize(v any) any {
	switch t := v.(type) {
	case Document:
		return sanitizeMap(t)
	case map[string]any:
		return sanitizeMap(t)
	case []Document:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeMap(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeMap(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Sanitize(item)
		}
		return out
	case float64:
		return sanitizeFloat(t)
	case float32:
		return sanitizeFloat(float64(t))
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && k == "value" {
			out[k] = CleanString(str)
			continue
		}
		out[k] = Sanitize(v)
	}
	return out
}

func sanitizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// CleanString applies the value string rules of Sanitize.
func CleanString(s string) string {
	if strings.EqualFold(s, "nan") {
		return ""
	}
	if trailingZero.MatchString(s) {
		return strings.TrimSuffix(s, ".0")
	}
	return s
}

// IsNaN reports whether a value string has no numeric meaning at all:
// empty, or a NaN literal. Non-numeric text is not NaN.
func IsNaN(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && math.IsNaN(f)
}

// Marshal encodes v after sanitizing it.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(Sanitize(v))
}
