package sanitizer

import "strings"

// flattenToString concatenates every string leaf in v, depth-first,
// separated by newlines, so the built-in detectors and blocked
// patterns can scan one buffer instead of walking the tree themselves.
func flattenToString(v any) string {
	var b strings.Builder
	flattenInto(v, &b)
	return b.String()
}

func flattenInto(v any, b *strings.Builder) {
	switch t := v.(type) {
	case string:
		b.WriteString(t)
		b.WriteByte('\n')
	case map[string]any:
		for _, val := range t {
			flattenInto(val, b)
		}
	case []any:
		for _, val := range t {
			flattenInto(val, b)
		}
	}
}
