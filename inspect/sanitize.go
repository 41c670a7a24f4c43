// sanitize.go
// Purpose: recursive input sanitization over the JSON value sum-type
// (string | number | bool | null | list | map). Sanitization only removes
// characters, so it is idempotent: sanitize(sanitize(x)) == sanitize(x).

package inspect

import (
	"regexp"
	"strings"
)

var (
	htmlTagPattern   = regexp.MustCompile(`<[^>]*>`)
	urlSchemePattern = regexp.MustCompile(`(?i)(javascript|data|vbscript)\s*:`)
	angleOrQuote     = strings.NewReplacer("<", "", ">", "", "'", "", `"`, "")
)

// SanitizeString strips basic XSS characters, dangerous URL schemes, and
// HTML tags from a single value.
func SanitizeString(s string) string {
	// Scheme removal loops so fragments cannot reassemble into a new
	// scheme token after one pass.
	for {
		next := urlSchemePattern.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}

	if strings.ContainsAny(s, "<>") {
		for {
			next := htmlTagPattern.ReplaceAllString(s, "")
			if next == s {
				break
			}
			s = next
		}
	}

	return angleOrQuote.Replace(s)
}

// SanitizeValue walks a decoded JSON value and sanitizes every string in
// place. Maps and slices are mutated; scalars are returned sanitized.
func SanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case map[string]interface{}:
		for k, elem := range val {
			val[k] = SanitizeValue(elem)
		}
		return val
	case []interface{}:
		for i, elem := range val {
			val[i] = SanitizeValue(elem)
		}
		return val
	default:
		// numbers, bools, nil pass through untouched
		return v
	}
}
