// Package session tracks per-session state across tool calls: call
// counters, PII taint propagation, and a bounded history of recent
// events consulted by the matcher's chain predicate.
package session

import "time"

// Event is one recorded tool call outcome, kept only long enough to
// satisfy chain-rule lookups.
type Event struct {
	Timestamp time.Time
	Tool      string
	Verdict   string
}

// State is the mutable record tracked per session_id.
type State struct {
	ID         string
	CreatedAt  time.Time
	LastAccess time.Time
	ToolCounts map[string]int
	TotalCalls int
	// Taints is the set of PII type names (pii.Type values, kept as
	// plain strings here so this package never imports internal/domain/pii)
	// that have propagated into this session.
	Taints         map[string]bool
	PIITainted     bool
	PIITaintReason string
	Events         *EventBuffer
}

// NewState creates an empty session record, ready to be stored.
func NewState(id string, eventBufferSize int) *State {
	now := time.Now().UTC()
	return &State{
		ID:         id,
		CreatedAt:  now,
		LastAccess: now,
		ToolCounts: make(map[string]int),
		Taints:     make(map[string]bool),
		Events:     NewEventBuffer(eventBufferSize),
	}
}

// Clone deep-copies s so callers can read/evaluate against it without
// racing a concurrent mutation.
func (s *State) Clone() *State {
	counts := make(map[string]int, len(s.ToolCounts))
	for k, v := range s.ToolCounts {
		counts[k] = v
	}
	taints := make(map[string]bool, len(s.Taints))
	for k, v := range s.Taints {
		taints[k] = v
	}
	return &State{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		LastAccess:     s.LastAccess,
		ToolCounts:     counts,
		TotalCalls:     s.TotalCalls,
		Taints:         taints,
		PIITainted:     s.PIITainted,
		PIITaintReason: s.PIITaintReason,
		Events:         s.Events.Clone(),
	}
}

// AsMap flattens the counter/taint fields into the generic
// map[string]any shape the matcher's session predicates consume.
func (s *State) AsMap() map[string]any {
	m := make(map[string]any, len(s.ToolCounts)+2)
	for tool, count := range s.ToolCounts {
		m["tool_count."+tool] = count
	}
	m["total_calls"] = s.TotalCalls
	m["pii_tainted"] = s.PIITainted
	for t := range s.Taints {
		m["tainted:"+t] = true
	}
	return m
}

// Increment bumps the counter for tool and the total call count.
func (s *State) Increment(tool string) {
	s.ToolCounts[tool]++
	s.TotalCalls++
}

// AddTaint records that PII of the given type has propagated into
// this session.
func (s *State) AddTaint(piiType string) {
	s.Taints[piiType] = true
}

// MarkTainted flags the session as carrying tainted PII, with reason.
func (s *State) MarkTainted(reason string) {
	s.PIITainted = true
	s.PIITaintReason = reason
}
