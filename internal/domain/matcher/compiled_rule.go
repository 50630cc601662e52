package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/policyshield/policyshield/internal/domain/shield"
)

// CompiledRule is a shield.Rule with its regex/expr fields pre-compiled
// so FindBestMatch never compiles on the hot path.
type CompiledRule struct {
	Rule shield.Rule

	toolRegex  *regexp.Regexp // set when Rule.When.Tool held a pattern
	toolExact  string         // set when Rule.When.Tool had no regex metacharacters
	toolList   []string       // set when Rule.When.Tool was a YAML list
	senderRe   *regexp.Regexp
	argRegexes map[string]*regexp.Regexp

	expr ExprProgram // compiled when.expr, nil if absent or no compiler wired
}

// toolMetachars mirrors the original matcher's classification: a tool
// pattern containing any of these runs through regex matching instead
// of being eligible for the exact-match index.
const toolMetachars = "*.+?[]()|^$\\"

func isLiteralTool(pattern string) bool {
	return !strings.ContainsAny(pattern, toolMetachars)
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern = pattern + "$"
	}
	return regexp.Compile(pattern)
}

// compileRule compiles one rule's when-clause. exprCompiler may be nil.
func compileRule(r shield.Rule, exprCompiler ExprCompiler) (CompiledRule, error) {
	cr := CompiledRule{Rule: r}

	switch {
	case len(r.When.ToolList) > 0:
		cr.toolList = r.When.ToolList
	case r.When.Tool != "":
		if isLiteralTool(r.When.Tool) {
			cr.toolExact = r.When.Tool
		} else {
			re, err := compileAnchored(r.When.Tool)
			if err != nil {
				return CompiledRule{}, fmt.Errorf("rule %q: when.tool: %w", r.ID, err)
			}
			cr.toolRegex = re
		}
	}

	if r.When.Sender != "" {
		re, err := compileAnchored(r.When.Sender)
		if err != nil {
			return CompiledRule{}, fmt.Errorf("rule %q: when.sender: %w", r.ID, err)
		}
		cr.senderRe = re
	}

	for _, am := range r.When.Args {
		if am.Predicate != shield.PredicateRegex {
			continue
		}
		re, err := regexp.Compile(am.Value)
		if err != nil {
			return CompiledRule{}, fmt.Errorf("rule %q: args.%s: %w", r.ID, am.Field, err)
		}
		if cr.argRegexes == nil {
			cr.argRegexes = make(map[string]*regexp.Regexp)
		}
		cr.argRegexes[am.Field] = re
	}

	if r.When.Expr != "" {
		if exprCompiler == nil {
			return CompiledRule{}, fmt.Errorf("rule %q: when.expr set but no expr compiler is wired", r.ID)
		}
		prg, err := exprCompiler.Compile(r.When.Expr)
		if err != nil {
			return CompiledRule{}, fmt.Errorf("rule %q: when.expr: %w", r.ID, err)
		}
		cr.expr = prg
	}

	return cr, nil
}

// matchesTool reports whether toolName satisfies this rule's when.tool
// clause. Exact-indexed rules are already known to match by virtue of
// the index lookup, but this is still called uniformly for wildcard
// candidates and as a cheap double-check.
func (cr CompiledRule) matchesTool(toolName string) bool {
	switch {
	case len(cr.toolList) > 0:
		for _, t := range cr.toolList {
			if t == toolName {
				return true
			}
		}
		return false
	case cr.toolRegex != nil:
		return cr.toolRegex.MatchString(toolName)
	case cr.toolExact != "":
		return cr.toolExact == toolName
	default:
		return true // no tool constraint: matches every call
	}
}
