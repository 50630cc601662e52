package matcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/policyshield/policyshield/internal/domain/shield"
)

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// matchArg evaluates one argument predicate. A missing field fails
// every predicate except not_contains, which passes vacuously — a
// rule guarding against a forbidden substring should not fire just
// because the caller omitted the field entirely.
func matchArg(cr CompiledRule, am shield.ArgMatcher, args map[string]any) bool {
	value, present := args[am.Field]
	if !present {
		return am.Predicate == shield.PredicateNotContains
	}
	s := stringify(value)

	switch am.Predicate {
	case shield.PredicateRegex:
		re := cr.argRegexes[am.Field]
		if re == nil {
			return false
		}
		return re.MatchString(s)
	case shield.PredicateEq:
		return s == am.Value
	case shield.PredicateContains:
		return strings.Contains(s, am.Value)
	case shield.PredicateNotContains:
		return !strings.Contains(s, am.Value)
	default:
		return false
	}
}

func matchSender(cr CompiledRule, sender string) bool {
	if cr.senderRe == nil {
		return true
	}
	return cr.senderRe.MatchString(sender)
}

// matchSession evaluates one when.session entry against the caller's
// flattened session-state view (total_calls, tool_count.<name>,
// pii_tainted, tainted:<pii type>, and any other key the session layer
// exposes).
// A missing counter defaults to 0 rather than failing the condition —
// a brand new session with zero calls still has to be comparable
// against "total_calls gte 10".
func matchSession(cond shield.SessionCondition, session map[string]any) bool {
	value, present := session[cond.Key]
	if !present {
		value = 0
	}
	if cond.IsCmp {
		f, ok := toFloat(value)
		if !ok {
			return false
		}
		switch cond.Cmp {
		case shield.CmpGT:
			return f > cond.Value
		case shield.CmpGTE:
			return f >= cond.Value
		case shield.CmpLT:
			return f < cond.Value
		case shield.CmpLTE:
			return f <= cond.Value
		case shield.CmpEQ:
			return f == cond.Value
		default:
			return false
		}
	}
	return looseEquals(value, cond.Bare)
}

// matchContext evaluates a when.context entry. A key missing from ctx
// fails the positive form but passes the negated one: "!present" is
// itself satisfied by absence.
func matchContext(cond shield.ContextCondition, ctx map[string]any) bool {
	value, present := ctx[cond.Key]
	if !present {
		return cond.Negate
	}
	var match bool
	if cond.IsScalar {
		match = stringify(value) == cond.Scalar
	} else {
		s := stringify(value)
		for _, v := range cond.Values {
			if v == s {
				match = true
				break
			}
		}
	}
	if cond.Negate {
		return !match
	}
	return match
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// looseEquals compares a session-state value against a bare YAML
// scalar. When the stored value is a collection ([]string or []any),
// bare equality means membership rather than identity.
func looseEquals(value, bare any) bool {
	switch vals := value.(type) {
	case []string:
		target := stringify(bare)
		for _, v := range vals {
			if v == target {
				return true
			}
		}
		return false
	case []any:
		target := stringify(bare)
		for _, v := range vals {
			if stringify(v) == target {
				return true
			}
		}
		return false
	default:
		return stringify(value) == stringify(bare)
	}
}
