// Package ruleset loads PolicyShield rule files into an immutable
// shield.RuleSet. Rule files are plain YAML with a strict schema —
// this package never consults viper or the environment; that split is
// deliberate, unlike internal/config's layered app configuration.
package ruleset

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/policyshield/policyshield/internal/domain/shield"
)

// MaxPatternLength bounds every regex field to defend against
// pathological/ReDoS-prone patterns in operator-supplied rule files.
const MaxPatternLength = 500

// rawFile mirrors the top-level YAML shape. Unknown keys are rejected
// by decoding through yaml.Decoder.KnownFields(true).
type rawFile struct {
	ShieldName     string           `yaml:"shield_name"`
	Version        int              `yaml:"version"`
	DefaultVerdict string           `yaml:"default_verdict"`
	Rules          []rawRule        `yaml:"rules"`
	Honeypots      []rawHoneypot    `yaml:"honeypots"`
	PIIPatterns    []rawPIIPattern  `yaml:"pii_patterns"`
	TaintChain     *rawTaintChain   `yaml:"taint_chain"`
}

type rawTaintChain struct {
	Enabled       bool     `yaml:"enabled"`
	OutgoingTools []string `yaml:"outgoing_tools"`
}

type rawHoneypot struct {
	Name     string `yaml:"name"`
	Tool     string `yaml:"tool"`
	Alert    string `yaml:"alert"`
	Severity string `yaml:"severity"`
}

type rawPIIPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type rawChainStep struct {
	Tool          string  `yaml:"tool"`
	WithinSeconds float64 `yaml:"within_seconds"`
	MinCount      int     `yaml:"min_count"`
	Verdict       string  `yaml:"verdict"`
}

type rawRule struct {
	ID               string         `yaml:"id"`
	Description      string         `yaml:"description"`
	When             yaml.Node      `yaml:"when"`
	Then             string         `yaml:"then"`
	Message          string         `yaml:"message"`
	Severity         string         `yaml:"severity"`
	Enabled          *bool          `yaml:"enabled"`
	Priority         *int           `yaml:"priority"`
	ApprovalStrategy string         `yaml:"approval_strategy"`
	Chain            []rawChainStep `yaml:"chain"`
}

// Load reads a single YAML rule file.
func Load(path string) (shield.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return shield.RuleSet{}, newErr(KindIoError, path, err.Error(), err)
	}
	return parse(path, data)
}

// LoadPath loads a rule file or, if path is a directory, every
// *.yaml/*.yml file in it in lexical order, concatenated into one
// RuleSet. shield_name/version/default_verdict/taint_chain come from
// the first file; rules/honeypots/pii_patterns from every file are
// appended in order. Duplicate rule IDs across files fail the load.
func LoadPath(path string) (shield.RuleSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return shield.RuleSet{}, newErr(KindIoError, path, err.Error(), err)
	}
	if !info.IsDir() {
		return Load(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return shield.RuleSet{}, newErr(KindIoError, path, err.Error(), err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(path, name))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return shield.RuleSet{}, newErr(KindIoError, path, "no *.yaml/*.yml files found", nil)
	}

	var merged shield.RuleSet
	seenIDs := map[string]string{} // id -> file it first appeared in
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return shield.RuleSet{}, newErr(KindIoError, f, err.Error(), err)
		}
		rs, err := parse(f, data)
		if err != nil {
			return shield.RuleSet{}, err
		}
		if i == 0 {
			merged.ShieldName = rs.ShieldName
			merged.Version = rs.Version
			merged.DefaultVerdict = rs.DefaultVerdict
			merged.TaintChain = rs.TaintChain
		}
		for _, r := range rs.Rules {
			if prev, ok := seenIDs[r.ID]; ok {
				return shield.RuleSet{}, newErr(KindDuplicateID, f,
					fmt.Sprintf("rule id %q already defined in %s", r.ID, prev), nil)
			}
			seenIDs[r.ID] = f
		}
		merged.Rules = append(merged.Rules, rs.Rules...)
		merged.Honeypots = append(merged.Honeypots, rs.Honeypots...)
		merged.PIIPatterns = append(merged.PIIPatterns, rs.PIIPatterns...)
	}
	return merged, nil
}

func parse(path string, data []byte) (shield.RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var raw rawFile
	if err := dec.Decode(&raw); err != nil {
		kind := KindYamlSyntax
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			kind = KindSchemaViolation
		}
		return shield.RuleSet{}, newErr(kind, path, err.Error(), err)
	}

	rs := shield.RuleSet{
		ShieldName:     raw.ShieldName,
		Version:        raw.Version,
		DefaultVerdict: shield.ParseVerdict(orDefault(raw.DefaultVerdict, "ALLOW")),
	}
	if raw.TaintChain != nil {
		rs.TaintChain = shield.TaintChainConfig{
			Enabled:       raw.TaintChain.Enabled,
			OutgoingTools: raw.TaintChain.OutgoingTools,
		}
	}

	seen := map[string]bool{}
	for _, rr := range raw.Rules {
		if rr.ID == "" {
			return shield.RuleSet{}, newErr(KindSchemaViolation, path, "rule missing required field 'id'", nil)
		}
		if seen[rr.ID] {
			return shield.RuleSet{}, newErr(KindDuplicateID, path, fmt.Sprintf("duplicate rule id %q", rr.ID), nil)
		}
		seen[rr.ID] = true

		when, err := decodeWhen(rr.ID, path, &rr.When)
		if err != nil {
			return shield.RuleSet{}, err
		}

		rule := shield.Rule{
			ID:               rr.ID,
			Description:      rr.Description,
			When:             when,
			Then:             shield.ParseVerdict(orDefault(rr.Then, "ALLOW")),
			Message:          rr.Message,
			Severity:         shield.ParseSeverity(orDefault(rr.Severity, "LOW")),
			Enabled:          rr.Enabled == nil || *rr.Enabled,
			Priority:         1,
			ApprovalStrategy: rr.ApprovalStrategy,
		}
		if rr.Priority != nil {
			rule.Priority = *rr.Priority
		}
		for _, cs := range rr.Chain {
			if err := checkPatternLength(path, rr.ID, "chain.tool", cs.Tool); err != nil {
				return shield.RuleSet{}, err
			}
			within := cs.WithinSeconds
			if within <= 0 {
				within = 300
			}
			minCount := cs.MinCount
			if minCount <= 0 {
				minCount = 1
			}
			rule.Chain = append(rule.Chain, shield.ChainStep{
				Tool:          cs.Tool,
				WithinSeconds: within,
				MinCount:      minCount,
				Verdict:       cs.Verdict,
			})
		}
		rs.Rules = append(rs.Rules, rule)
	}

	for _, h := range raw.Honeypots {
		name := h.Name
		if name == "" {
			name = h.Tool
		}
		if name == "" {
			return shield.RuleSet{}, newErr(KindSchemaViolation, path, "honeypot missing 'name' or 'tool'", nil)
		}
		alert := h.Alert
		if alert == "" {
			alert = fmt.Sprintf("Honeypot triggered: %s", name)
		}
		severity := h.Severity
		if severity == "" {
			severity = "critical"
		}
		rs.Honeypots = append(rs.Honeypots, shield.Honeypot{Name: name, Alert: alert, Severity: severity})
	}

	for _, p := range raw.PIIPatterns {
		if err := checkPatternLength(path, p.Name, "pii_patterns", p.Pattern); err != nil {
			return shield.RuleSet{}, err
		}
		rs.PIIPatterns = append(rs.PIIPatterns, shield.PIIPatternConfig{Name: p.Name, Pattern: p.Pattern})
	}

	return rs, nil
}

// decodeWhen interprets the `when` node generically since its shape
// varies per clause (tool can be a string or a list; args is a map of
// maps or scalars). yaml.Node lets us stay schema-strict on everything
// else while handling this one polymorphic field by hand.
func decodeWhen(ruleID, path string, node *yaml.Node) (shield.When, error) {
	var w shield.When
	if node.Kind == 0 {
		return w, nil // rule had no `when` — matches every call
	}

	var m map[string]yaml.Node
	if err := node.Decode(&m); err != nil {
		return w, newErr(KindSchemaViolation, path, fmt.Sprintf("rule %q: when: %s", ruleID, err.Error()), err)
	}

	for key := range m {
		switch key {
		case "tool", "args", "args_match", "sender", "session", "context", "expr", "chain", "time_of_day", "day_of_week":
		default:
			return w, newErr(KindSchemaViolation, path, fmt.Sprintf("rule %q: when: unknown key %q", ruleID, key), nil)
		}
	}

	if n, ok := m["tool"]; ok {
		if n.Kind == yaml.SequenceNode {
			var list []string
			if err := n.Decode(&list); err != nil {
				return w, newErr(KindSchemaViolation, path, err.Error(), err)
			}
			w.ToolList = list
		} else {
			var s string
			if err := n.Decode(&s); err != nil {
				return w, newErr(KindSchemaViolation, path, err.Error(), err)
			}
			if err := checkPatternLength(path, ruleID, "tool", s); err != nil {
				return w, err
			}
			w.Tool = s
		}
	}

	argsNode, hasArgs := m["args"]
	if !hasArgs {
		argsNode, hasArgs = m["args_match"]
	}
	if hasArgs {
		matchers, err := decodeArgs(ruleID, path, &argsNode)
		if err != nil {
			return w, err
		}
		w.Args = matchers
	}

	if n, ok := m["sender"]; ok {
		var s string
		if err := n.Decode(&s); err != nil {
			return w, newErr(KindSchemaViolation, path, err.Error(), err)
		}
		if err := checkPatternLength(path, ruleID, "sender", s); err != nil {
			return w, err
		}
		w.Sender = s
	}

	if n, ok := m["session"]; ok {
		conds, err := decodeSession(ruleID, path, &n)
		if err != nil {
			return w, err
		}
		w.Session = conds
	}

	if n, ok := m["time_of_day"]; ok {
		_ = n.Decode(&w.TimeOfDay)
	}
	if n, ok := m["day_of_week"]; ok {
		_ = n.Decode(&w.DayOfWeek)
	}
	if n, ok := m["context"]; ok {
		conds, err := decodeContext(&n)
		if err != nil {
			return w, newErr(KindSchemaViolation, path, err.Error(), err)
		}
		w.Context = conds
	}
	if n, ok := m["expr"]; ok {
		var s string
		_ = n.Decode(&s)
		if err := checkPatternLength(path, ruleID, "expr", s); err != nil {
			return w, err
		}
		w.Expr = s
	}

	return w, nil
}

func decodeArgs(ruleID, path string, node *yaml.Node) ([]shield.ArgMatcher, error) {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return nil, newErr(KindSchemaViolation, path, err.Error(), err)
	}
	var out []shield.ArgMatcher
	for field, n := range raw {
		var predicate shield.ArgPredicate
		var value string

		if n.Kind == yaml.MappingNode {
			var cond map[string]string
			if err := n.Decode(&cond); err != nil {
				return nil, newErr(KindSchemaViolation, path, err.Error(), err)
			}
			switch {
			case cond["predicate"] != "":
				predicate = shield.ArgPredicate(cond["predicate"])
				value = cond["value"]
			case cond["regex"] != "":
				predicate = shield.PredicateRegex
				value = cond["regex"]
			case cond["eq"] != "":
				predicate = shield.PredicateEq
				value = cond["eq"]
			case cond["contains"] != "":
				predicate = shield.PredicateContains
				value = cond["contains"]
			case cond["not_contains"] != "":
				predicate = shield.PredicateNotContains
				value = cond["not_contains"]
			default:
				predicate = shield.PredicateRegex
				for _, v := range cond {
					value = v
					break
				}
			}
		} else {
			predicate = shield.PredicateRegex
			_ = n.Decode(&value)
		}

		if err := checkPatternLength(path, ruleID, "args."+field, value); err != nil {
			return nil, err
		}
		if predicate == shield.PredicateRegex {
			if _, err := regexp.Compile(value); err != nil {
				return nil, newErr(KindInvalidRegex, path, fmt.Sprintf("rule %q: args.%s: %s", ruleID, field, err.Error()), err)
			}
		}
		out = append(out, shield.ArgMatcher{Field: field, Predicate: predicate, Value: value})
	}
	return out, nil
}

func decodeSession(ruleID, path string, node *yaml.Node) ([]shield.SessionCondition, error) {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return nil, newErr(KindSchemaViolation, path, fmt.Sprintf("rule %q: session: %s", ruleID, err.Error()), err)
	}
	var out []shield.SessionCondition
	for key, n := range raw {
		if n.Kind == yaml.MappingNode {
			var cmpMap map[string]float64
			if err := n.Decode(&cmpMap); err != nil {
				return nil, newErr(KindSchemaViolation, path, err.Error(), err)
			}
			for _, cmp := range []shield.SessionCmp{shield.CmpGT, shield.CmpGTE, shield.CmpLT, shield.CmpLTE, shield.CmpEQ} {
				if v, ok := cmpMap[string(cmp)]; ok {
					out = append(out, shield.SessionCondition{Key: key, Cmp: cmp, Value: v, IsCmp: true})
				}
			}
		} else {
			var bare any
			_ = n.Decode(&bare)
			out = append(out, shield.SessionCondition{Key: key, Bare: bare})
		}
	}
	return out, nil
}

func decodeContext(node *yaml.Node) ([]shield.ContextCondition, error) {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	var out []shield.ContextCondition
	for key, n := range raw {
		if n.Kind == yaml.SequenceNode {
			var list []string
			if err := n.Decode(&list); err != nil {
				return nil, err
			}
			cc := shield.ContextCondition{Key: key}
			for _, v := range list {
				if strings.HasPrefix(v, "!") {
					cc.Negate = true
					v = strings.TrimPrefix(v, "!")
				}
				cc.Values = append(cc.Values, v)
			}
			out = append(out, cc)
		} else {
			var s string
			if err := n.Decode(&s); err != nil {
				return nil, err
			}
			cc := shield.ContextCondition{Key: key, IsScalar: true}
			if strings.HasPrefix(s, "!") {
				cc.Negate = true
				s = strings.TrimPrefix(s, "!")
			}
			cc.Scalar = s
			out = append(out, cc)
		}
	}
	return out, nil
}

func checkPatternLength(path, ruleID, field, value string) error {
	if len(value) > MaxPatternLength {
		return newErr(KindInvalidRegex, path,
			fmt.Sprintf("rule %q: %s exceeds %d characters", ruleID, field, MaxPatternLength), nil)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
