package sanitizer

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// controlCharRE matches C0 controls except \t \n \r, plus the C1
// range, mirroring the reference engine's strip set exactly.
var controlCharRE = regexp.MustCompile(`[\x{00}-\x{08}\x{0b}\x{0c}\x{0e}-\x{1f}\x{7f}-\x{9f}]`)

type keyBudget struct {
	remaining int
}

// walk deep-copies v, applying every enabled normalization, and
// reports whether anything changed plus any warnings about dropped
// data (excess keys, excess depth, truncated strings).
func (s *Sanitizer) walk(v any, depth int, budget *keyBudget, warnings *[]string, modified *bool) any {
	switch t := v.(type) {
	case map[string]any:
		if depth >= s.cfg.MaxArgsDepth {
			*warnings = append(*warnings, "max_args_depth exceeded, dict truncated")
			*modified = true
			return map[string]any{}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			if budget.remaining <= 0 {
				*warnings = append(*warnings, "max_total_keys exceeded, remaining keys dropped")
				*modified = true
				break
			}
			budget.remaining--
			out[k] = s.walk(val, depth+1, budget, warnings, modified)
		}
		return out
	case []any:
		if depth >= s.cfg.MaxArgsDepth {
			*warnings = append(*warnings, "max_args_depth exceeded, list truncated")
			*modified = true
			return []any{}
		}
		out := make([]any, 0, len(t))
		for _, val := range t {
			out = append(out, s.walk(val, depth+1, budget, warnings, modified))
		}
		return out
	case string:
		return s.walkString(t, warnings, modified)
	default:
		return v
	}
}

func (s *Sanitizer) walkString(str string, warnings *[]string, modified *bool) string {
	orig := str

	if s.cfg.StripNullBytes && strings.ContainsRune(str, 0) {
		str = strings.ReplaceAll(str, "\x00", "")
	}
	if s.cfg.StripControlChars {
		str = controlCharRE.ReplaceAllString(str, "")
	}
	if s.cfg.StripWhitespace {
		str = strings.TrimSpace(str)
	}
	if s.cfg.NormalizeUnicode {
		str = norm.NFC.String(str)
	}
	if s.cfg.MaxStringLength > 0 && len(str) > s.cfg.MaxStringLength {
		str = str[:s.cfg.MaxStringLength]
		*warnings = append(*warnings, "string truncated to max_string_length")
	}

	if str != orig {
		*modified = true
	}
	return str
}
