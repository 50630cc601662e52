package matcher

import "github.com/policyshield/policyshield/internal/domain/shield"

// HoneypotMatch is the result of a call hitting a decoy tool name.
type HoneypotMatch struct {
	Honeypot shield.Honeypot
	ToolName string
}

// Message returns the alert text, falling back to a generic message
// when the rule file left it blank.
func (m HoneypotMatch) Message() string {
	if m.Honeypot.Alert != "" {
		return m.Honeypot.Alert
	}
	return "Honeypot triggered: " + m.ToolName
}

type honeypotChecker struct {
	byName map[string]shield.Honeypot
}

func newHoneypotChecker(honeypots []shield.Honeypot) *honeypotChecker {
	c := &honeypotChecker{byName: make(map[string]shield.Honeypot, len(honeypots))}
	for _, h := range honeypots {
		c.byName[h.Name] = h
	}
	return c
}

// check reports whether toolName is a configured honeypot. Honeypot
// checks run before ordinary rule matching: any call to a decoy tool
// is an unconditional, rule-independent signal of compromise.
func (c *honeypotChecker) check(toolName string) (HoneypotMatch, bool) {
	h, ok := c.byName[toolName]
	if !ok {
		return HoneypotMatch{}, false
	}
	return HoneypotMatch{Honeypot: h, ToolName: toolName}, true
}

func (c *honeypotChecker) len() int { return len(c.byName) }
