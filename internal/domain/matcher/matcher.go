// Package matcher implements PolicyShield's declarative rule matching:
// a precompiled, indexed predicate chain over tool/args/sender/session/
// context/time/chain conditions, with an optional CEL when.expr clause
// layered in as one more predicate. It holds no state about individual
// calls — callers pass a Call built fresh each time.
package matcher

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/policyshield/policyshield/internal/domain/shield"
)

// Call is everything the matcher needs to evaluate one tool invocation.
type Call struct {
	Tool    string
	Args    map[string]any
	Sender  string
	Session map[string]any // flattened session-state view
	Context map[string]any // caller-supplied environment (e.g. source IP, auth scope)
	Now     time.Time
	Events  EventLookup // optional, for chain rules
}

type snapshot struct {
	ruleSet  shield.RuleSet
	rules    []CompiledRule
	index    *RuleIndex
	honeypot *honeypotChecker
}

// Matcher holds a hot-reloadable, lock-free-readable compiled ruleset.
// Reload swaps in a new snapshot atomically; in-flight FindBestMatch
// calls always see one consistent snapshot end to end.
type Matcher struct {
	snap         atomic.Value // *snapshot
	exprCompiler ExprCompiler
}

// NewMatcher compiles rs and returns a ready Matcher. exprCompiler may
// be nil, in which case any rule using when.expr fails to load.
func NewMatcher(rs shield.RuleSet, exprCompiler ExprCompiler) (*Matcher, error) {
	m := &Matcher{exprCompiler: exprCompiler}
	if err := m.Reload(rs); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload atomically replaces the compiled ruleset. Callers already
// holding a Matcher reference see the new rules on their very next
// FindBestMatch call.
func (m *Matcher) Reload(rs shield.RuleSet) error {
	enabled := rs.EnabledRules()
	compiled := make([]CompiledRule, 0, len(enabled))
	for _, r := range enabled {
		cr, err := compileRule(r, m.exprCompiler)
		if err != nil {
			return fmt.Errorf("compile ruleset: %w", err)
		}
		compiled = append(compiled, cr)
	}

	snap := &snapshot{
		ruleSet:  rs,
		rules:    compiled,
		index:    buildIndex(compiled),
		honeypot: newHoneypotChecker(rs.Honeypots),
	}
	m.snap.Store(snap)
	return nil
}

func (m *Matcher) load() *snapshot {
	return m.snap.Load().(*snapshot)
}

// RuleCount returns the number of currently-enabled, compiled rules.
func (m *Matcher) RuleCount() int { return len(m.load().rules) }

// RuleSet returns the ruleset backing the current snapshot, for
// diagnostics (health/constraints endpoints).
func (m *Matcher) RuleSet() shield.RuleSet { return m.load().ruleSet }

// DefaultVerdict is returned by the engine when no rule matches.
func (m *Matcher) DefaultVerdict() shield.Verdict { return m.load().ruleSet.DefaultVerdict }

// CheckHoneypot reports whether toolName is a configured decoy.
// Honeypot checks are independent of ordinary rule matching and should
// run first: any call to a decoy tool is a compromise signal on its
// own, regardless of what the declarative rules say.
func (m *Matcher) CheckHoneypot(toolName string) (HoneypotMatch, bool) {
	return m.load().honeypot.check(toolName)
}

// rankLess implements the match-priority ordering: lower Priority is
// more specific and wins first; ties break toward the more restrictive
// verdict, then the higher severity, then candidate order (exact-tool
// rules before wildcard rules, each in declaration order).
func rankLess(a, b CompiledRule) bool {
	if a.Rule.Priority != b.Rule.Priority {
		return a.Rule.Priority < b.Rule.Priority
	}
	ar, br := a.Rule.Then.Restrictiveness(), b.Rule.Then.Restrictiveness()
	if ar != br {
		return ar > br
	}
	return a.Rule.Severity.Rank() > b.Rule.Severity.Rank()
}

// FindBestMatch returns the highest-ranked rule whose full predicate
// chain matches call, or ok=false if none does.
func (m *Matcher) FindBestMatch(call Call) (shield.Rule, bool) {
	snap := m.load()
	candidates := snap.index.candidates(call.Tool)
	if len(candidates) == 0 {
		return shield.Rule{}, false
	}

	ranked := make([]CompiledRule, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool { return rankLess(ranked[i], ranked[j]) })

	now := call.Now
	if now.IsZero() {
		now = time.Now()
	}

	for _, cr := range ranked {
		if matches(cr, call, now) {
			return cr.Rule, true
		}
	}
	return shield.Rule{}, false
}

func matches(cr CompiledRule, call Call, now time.Time) bool {
	if !cr.matchesTool(call.Tool) {
		return false
	}
	if !matchSender(cr, call.Sender) {
		return false
	}
	for _, am := range cr.Rule.When.Args {
		if !matchArg(cr, am, call.Args) {
			return false
		}
	}
	for _, sc := range cr.Rule.When.Session {
		if !matchSession(sc, call.Session) {
			return false
		}
	}
	for _, cc := range cr.Rule.When.Context {
		if !matchContext(cc, call.Context) {
			return false
		}
	}
	if cr.Rule.When.TimeOfDay != "" && !matchTimeOfDay(cr.Rule.When.TimeOfDay, now) {
		return false
	}
	if cr.Rule.When.DayOfWeek != "" && !matchDayOfWeek(cr.Rule.When.DayOfWeek, now) {
		return false
	}
	if len(cr.Rule.Chain) > 0 && !matchChain(cr.Rule.Chain, call.Events, now) {
		return false
	}
	if cr.expr != nil {
		ok, err := cr.expr.Eval(ExprVars{
			Tool:    call.Tool,
			Sender:  call.Sender,
			Args:    call.Args,
			Session: call.Session,
			Context: call.Context,
		})
		if err != nil || !ok {
			return false
		}
	}
	return true
}
