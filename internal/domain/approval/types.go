// Package approval models the human-in-the-loop approval plane: a
// capability interface any backend (in-memory, webhook, chat bot)
// implements, plus a strategy-keyed cache for batching decisions.
package approval

import (
	"time"

	"github.com/google/uuid"
)

// Request is a single request for human approval of a blocked tool call.
type Request struct {
	RequestID string
	Tool      string
	Args      map[string]any
	RuleID    string
	Message   string
	SessionID string
	CreatedAt time.Time
}

// NewRequest builds a Request with a fresh UUID and the current timestamp.
func NewRequest(tool string, args map[string]any, ruleID, message, sessionID string) Request {
	return Request{
		RequestID: uuid.NewString(),
		Tool:      tool,
		Args:      args,
		RuleID:    ruleID,
		Message:   message,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
}

// Response is a human decision on a Request.
type Response struct {
	RequestID string
	Approved  bool
	Responder string
	Comment   string
	Timestamp time.Time
}

// Strategy controls how long an approval decision is cached before the
// next matching call must be re-approved.
type Strategy string

const (
	// StrategyOnce approves only the exact call that triggered the request.
	StrategyOnce Strategy = "once"
	// StrategyPerSession approves every future match of the same rule
	// within this session.
	StrategyPerSession Strategy = "per_session"
	// StrategyPerRule approves every future match of the same rule
	// globally, across all sessions.
	StrategyPerRule Strategy = "per_rule"
	// StrategyPerTool approves every future call to the same tool
	// within this session.
	StrategyPerTool Strategy = "per_tool"
)

// Health reports a backend's operational status.
type Health struct {
	Healthy   bool
	LatencyMS float64
	Error     string
}
