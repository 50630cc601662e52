// Package shield holds the core data model for PolicyShield: verdicts,
// rules, rule sets, PII matches and the result of checking a single
// tool call. Types here are pure values — no I/O, no locking — so every
// other package (matcher, sanitizer, pii, approval, engine) can depend
// on them without creating cycles.
package shield

import "time"

// Verdict is the outcome of evaluating a tool call against a rule set.
// Ordered by restrictiveness: Allow < Redact < Approve < Block.
type Verdict string

const (
	VerdictAllow   Verdict = "ALLOW"
	VerdictRedact  Verdict = "REDACT"
	VerdictApprove Verdict = "APPROVE"
	VerdictBlock   Verdict = "BLOCK"
)

// Restrictiveness returns a sort key such that a more restrictive verdict
// compares greater. Unknown verdicts sort as Allow.
func (v Verdict) Restrictiveness() int {
	switch ParseVerdict(string(v)) {
	case VerdictRedact:
		return 1
	case VerdictApprove:
		return 2
	case VerdictBlock:
		return 3
	default:
		return 0
	}
}

// ParseVerdict normalizes a case-insensitive verdict spelling ("block",
// "Block", "BLOCK" all parse the same way per the rule-file grammar).
// Unrecognized input returns VerdictAllow — callers that must reject
// unknown verdicts should validate at load time instead.
func ParseVerdict(s string) Verdict {
	switch upper(s) {
	case "ALLOW":
		return VerdictAllow
	case "REDACT":
		return VerdictRedact
	case "APPROVE":
		return VerdictApprove
	case "BLOCK":
		return VerdictBlock
	default:
		return VerdictAllow
	}
}

func upper(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}

// Severity is a secondary sort key used only to break ties between
// matching rules that carry the same verdict restrictiveness.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch ParseSeverity(string(s)) {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Rank exposes the severity ordinal for callers outside this package
// (the matcher's ranking comparator).
func (s Severity) Rank() int { return s.rank() }

// ParseSeverity normalizes a case-insensitive severity spelling.
func ParseSeverity(s string) Severity {
	switch upper(s) {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// PIIType enumerates the kinds of personally identifiable information
// the PII detector recognizes.
type PIIType string

const (
	PIIEmail        PIIType = "EMAIL"
	PIIPhone        PIIType = "PHONE"
	PIICreditCard   PIIType = "CREDIT_CARD"
	PIISSN          PIIType = "SSN"
	PIIIBAN         PIIType = "IBAN"
	PIIIPAddress    PIIType = "IP_ADDRESS"
	PIIPassport     PIIType = "PASSPORT"
	PIIDateOfBirth  PIIType = "DATE_OF_BIRTH"
	PIIInn          PIIType = "INN"
	PIISnils        PIIType = "SNILS"
	PIIRuPassport   PIIType = "RU_PASSPORT"
	PIIRuPhone      PIIType = "RU_PHONE"
	PIICustom       PIIType = "CUSTOM"
)

// ApprovalStrategy controls how long an APPROVE decision is cached once
// a human has answered it.
type ApprovalStrategy string

const (
	// StrategyOnce never caches — every call re-prompts.
	StrategyOnce ApprovalStrategy = "once"
	// StrategyPerSession caches per (session, rule).
	StrategyPerSession ApprovalStrategy = "per_session"
	// StrategyPerRule caches globally per rule, across all sessions.
	StrategyPerRule ApprovalStrategy = "per_rule"
	// StrategyPerTool caches per (session, tool).
	StrategyPerTool ApprovalStrategy = "per_tool"
)

// ParseApprovalStrategy parses a rule's approval_strategy field, falling
// back to ok=false for anything unrecognized so callers can apply their
// own default instead of silently guessing.
func ParseApprovalStrategy(s string) (ApprovalStrategy, bool) {
	switch s {
	case string(StrategyOnce), string(StrategyPerSession), string(StrategyPerRule), string(StrategyPerTool):
		return ApprovalStrategy(s), true
	default:
		return "", false
	}
}

// ArgPredicate is the comparison applied to a single argument field in a
// rule's `args`/`args_match` clause.
type ArgPredicate string

const (
	PredicateRegex       ArgPredicate = "regex"
	PredicateEq          ArgPredicate = "eq"
	PredicateContains    ArgPredicate = "contains"
	PredicateNotContains ArgPredicate = "not_contains"
)

// ArgMatcher is one compiled-from-YAML condition against a named
// argument field.
type ArgMatcher struct {
	Field     string
	Predicate ArgPredicate
	Value     string
}

// SessionCmp is a comparison operator for a rule's session condition
// ({gt,gte,lt,lte,eq}), in addition to bare-value equality.
type SessionCmp string

const (
	CmpGT  SessionCmp = "gt"
	CmpGTE SessionCmp = "gte"
	CmpLT  SessionCmp = "lt"
	CmpLTE SessionCmp = "lte"
	CmpEQ  SessionCmp = "eq"
)

// SessionCondition is one entry of a rule's `when.session` map.
type SessionCondition struct {
	Key string
	// Cmp/Value is set when the YAML value was a map ({gt: 5}); Bare is
	// set when it was a scalar (direct equality against Bare).
	Cmp   SessionCmp
	Value float64
	Bare  any
	IsCmp bool
}

// ContextCondition is one entry of a rule's `when.context` map, beyond
// the two built-ins (time_of_day, day_of_week) which get their own
// dedicated fields on When.
type ContextCondition struct {
	Key      string
	Negate   bool
	Values   []string // list-membership form
	Scalar   string   // bare scalar-eq form
	IsScalar bool
}

// ChainStep is one prerequisite of a chain rule: "tool X must have
// fired at least min_count times within within_seconds, optionally
// filtered to a specific verdict".
type ChainStep struct {
	Tool          string
	WithinSeconds float64
	MinCount      int
	Verdict       string // optional; empty means "any verdict"
}

// When is the full condition clause of a rule. Fields that were absent
// from the YAML are left at their zero value, which the matcher treats
// as "no constraint" for everything except the slices/maps it owns.
type When struct {
	Tool       string   // regex anchored ^...$, when `tool` was a single string
	ToolList   []string // exact-match alternation, when `tool` was a YAML list
	Sender     string   // regex anchored ^...$

	Args []ArgMatcher

	Session []SessionCondition

	TimeOfDay  string // "HH:MM-HH:MM", optional leading "!"
	DayOfWeek  string // "Mon-Fri" or "Sat,Sun", optional leading "!"
	Context    []ContextCondition

	Expr string // optional CEL boolean expression, additive escape hatch
}

// Rule is a single entry of a rule set.
type Rule struct {
	ID                string
	Description       string
	When              When
	Then              Verdict
	Message           string
	Severity          Severity
	Enabled           bool
	Priority          int // lower = more specific/first; default 1
	ApprovalStrategy  string
	Chain             []ChainStep
}

// Honeypot is a decoy tool name that should never legitimately be
// called; any call to it forces an immediate BLOCK.
type Honeypot struct {
	Name     string
	Alert    string
	Severity string
}

// PIIPatternConfig is an operator-supplied custom PII pattern from the
// rule file's top-level `pii_patterns` list; compiled as PIIType CUSTOM.
type PIIPatternConfig struct {
	Name    string
	Pattern string
}

// TaintChainConfig gates the optional "taint exfiltration" behavior:
// when enabled, a session that has been PII-tainted gets an implicit
// BLOCK against any of OutgoingTools, independent of explicit rules.
type TaintChainConfig struct {
	Enabled       bool
	OutgoingTools []string
}

// RuleSet is the immutable, validated output of the rule loader (§4.A).
// Once constructed it is never mutated; reload produces a new RuleSet.
type RuleSet struct {
	ShieldName     string
	Version        int
	Rules          []Rule
	DefaultVerdict Verdict
	Honeypots      []Honeypot
	PIIPatterns    []PIIPatternConfig
	TaintChain     TaintChainConfig
}

// EnabledRules returns only the rules with Enabled == true.
func (rs RuleSet) EnabledRules() []Rule {
	out := make([]Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// PIIMatch is one detected PII occurrence.
type PIIMatch struct {
	Type        PIIType
	Field       string // dotted + bracket-indexed path; empty for bare-string scans
	Start       int    // byte offset in the original UTF-8 string
	End         int
	MaskedValue string
}

// ShieldResult is the outcome of checking one tool call.
type ShieldResult struct {
	Verdict      Verdict
	RuleID       string
	Message      string
	PIIMatches   []PIIMatch
	OriginalArgs map[string]any
	ModifiedArgs map[string]any
	ApprovalID   string
}

// PostCheckResult is the outcome of scanning a tool's output.
type PostCheckResult struct {
	PIIMatches     []PIIMatch
	RedactedOutput *string
	SessionTainted bool
}

// TraceRecord is a single trace-file entry (§4.H). Fields with JSON
// omitempty semantics are applied by the trace writer, not here.
type TraceRecord struct {
	Timestamp  time.Time
	SessionID  string
	Tool       string
	Verdict    Verdict
	RuleID     string
	PIITypes   []string
	LatencyMs  float64
	Args       map[string]any
	ArgsHash   string
	Approval   map[string]any
}
