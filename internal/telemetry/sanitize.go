package telemetry

import (
	"strings"
	"unicode"
)

// StripControl removes control characters other than tab, newline and
// carriage return.
func StripControl(s string) string {
	clean := true
	for _, r := range s {
		if isStripped(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	return strings.Map(func(r rune) rune {
		if isStripped(r) {
			return -1
		}
		return r
	}, s)
}

func isStripped(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	return unicode.IsControl(r)
}

// SanitizeValue applies StripControl to every string inside a decoded JSON
// value, including object keys.
func SanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return StripControl(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[StripControl(k)] = SanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SanitizeValue(val)
		}
		return out
	default:
		return v
	}
}
