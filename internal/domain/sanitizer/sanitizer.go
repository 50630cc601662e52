package sanitizer

import (
	"fmt"
	"regexp"
)

// Result is the outcome of one Sanitize call. Rejected calls carry no
// Args — the whole call is refused before it ever reaches the matcher.
type Result struct {
	Rejected        bool
	RejectionReason string
	Args            map[string]any
	Modified        bool
	Warnings        []string
}

// Sanitizer walks tool-call arguments, enforcing size/depth caps and
// rejecting known-malicious patterns. It never errors: the worst case
// outcome is Rejected=true.
type Sanitizer struct {
	cfg     Config
	blocked []*regexp.Regexp
}

// New compiles cfg's blocked patterns. An invalid regex in
// BlockedPatterns is reported as an error — these are operator config,
// not attacker input, so failing fast at construction is correct.
func New(cfg Config) (*Sanitizer, error) {
	s := &Sanitizer{cfg: cfg}
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("sanitizer: invalid blocked_pattern %q: %w", p, err)
		}
		s.blocked = append(s.blocked, re)
	}
	return s, nil
}

// Sanitize runs the built-in detectors, then the operator's blocked
// patterns, against a flattened view of args; either can reject the
// call outright. Only once both pass does it deep-walk and normalize
// the tree.
func (s *Sanitizer) Sanitize(args map[string]any) Result {
	flat := flattenToString(args)

	for _, d := range builtinDetectors {
		if d.re.MatchString(flat) {
			return Result{
				Rejected:        true,
				RejectionReason: fmt.Sprintf("Built-in detector %q matched", d.name),
			}
		}
	}
	for _, re := range s.blocked {
		if re.MatchString(flat) {
			return Result{
				Rejected:        true,
				RejectionReason: fmt.Sprintf("Blocked pattern matched: %q", re.String()),
			}
		}
	}

	budget := &keyBudget{remaining: s.cfg.MaxTotalKeys}
	var warnings []string
	var modified bool
	out := s.walk(args, 0, budget, &warnings, &modified)

	outMap, _ := out.(map[string]any)
	if outMap == nil {
		outMap = map[string]any{}
	}
	return Result{Args: outMap, Modified: modified, Warnings: warnings}
}
