package pii

import (
	"fmt"
	"regexp"
	"sort"
)

// CustomPattern is a rule-file-supplied detector, compiled with
// PIIType.CUSTOM and given no validator — operators are trusted to
// write patterns tight enough on their own.
type CustomPattern struct {
	Name    string
	Pattern string
}

// Scanner holds the built-in detector table plus any custom patterns
// compiled from a rule file's pii_patterns section.
type Scanner struct {
	detectors []detector
}

// New compiles custom in addition to the built-in detectors. An
// invalid custom pattern is a rule-authoring error, reported eagerly.
func New(custom []CustomPattern) (*Scanner, error) {
	s := &Scanner{detectors: append([]detector(nil), builtinDetectors...)}
	for _, c := range custom {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pii: invalid pattern %q (%s): %w", c.Pattern, c.Name, err)
		}
		s.detectors = append(s.detectors, detector{
			piiType: TypeCustom,
			re:      re,
			mask:    maskGeneric,
		})
	}
	return s, nil
}

func maskGeneric(s string) string {
	if s == "" {
		return s
	}
	return "***"
}

// Scan finds every PII occurrence in s, field-tagged with the empty
// string (callers scanning a single value supply their own field name
// via ScanDict instead).
func (s *Scanner) Scan(str string) []Match {
	return s.scanField(str, "")
}

func (s *Scanner) scanField(str, field string) []Match {
	var matches []Match
	for _, d := range s.detectors {
		for _, loc := range d.re.FindAllStringIndex(str, -1) {
			matched := str[loc[0]:loc[1]]
			if d.validate != nil && !d.validate(matched) {
				continue
			}
			matches = append(matches, Match{
				PIIType:     d.piiType,
				Field:       field,
				Span:        [2]int{loc[0], loc[1]},
				MaskedValue: d.mask(matched),
			})
		}
	}
	return matches
}

// ScanDict walks d looking for PII in every string leaf, building
// dotted+bracketed field paths (users[0].email) as it descends.
func (s *Scanner) ScanDict(d map[string]any) []Match {
	var matches []Match
	for k, v := range d {
		matches = append(matches, s.scanValue(v, k)...)
	}
	return matches
}

func (s *Scanner) scanValue(v any, path string) []Match {
	switch t := v.(type) {
	case string:
		return s.scanField(t, path)
	case map[string]any:
		var matches []Match
		for k, val := range t {
			matches = append(matches, s.scanValue(val, path+"."+k)...)
		}
		return matches
	case []any:
		var matches []Match
		for i, val := range t {
			matches = append(matches, s.scanValue(val, fmt.Sprintf("%s[%d]", path, i))...)
		}
		return matches
	default:
		return nil
	}
}

// RedactDict returns a deep copy of d with every matched span replaced
// by its masked value. Non-string leaves, maps and lists not containing
// PII pass through unchanged but are still deep-copied.
func (s *Scanner) RedactDict(d map[string]any) map[string]any {
	out, _ := s.redactValue(d).(map[string]any)
	return out
}

func (s *Scanner) redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return s.redactString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.redactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.redactValue(val)
		}
		return out
	default:
		return v
	}
}

func (s *Scanner) redactString(str string) string {
	matches := s.scanField(str, "")
	if len(matches) == 0 {
		return str
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Span[0] < matches[j].Span[0] })
	// Replace right-to-left so earlier spans stay valid as later ones apply.
	out := str
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		out = out[:m.Span[0]] + m.MaskedValue + out[m.Span[1]:]
	}
	return out
}
