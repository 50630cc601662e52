package trace

import (
	"time"

	"github.com/policyshield/policyshield/internal/domain/shield"
)

// jsonRecord is the on-disk JSONL shape: only the fields a record
// actually carries are written, matching the reference recorder's
// sparse dict construction rather than always emitting every field.
type jsonRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id"`
	Tool       string         `json:"tool"`
	Verdict    string         `json:"verdict"`
	RuleID     string         `json:"rule_id,omitempty"`
	PIITypes   []string       `json:"pii_types,omitempty"`
	LatencyMs  float64        `json:"latency_ms,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	ArgsHash   string         `json:"args_hash,omitempty"`
	Approval   map[string]any `json:"approval,omitempty"`
}

func newJSONRecord(rec shield.TraceRecord) jsonRecord {
	return jsonRecord{
		Timestamp: rec.Timestamp,
		SessionID: rec.SessionID,
		Tool:      rec.Tool,
		Verdict:   string(rec.Verdict),
		RuleID:    rec.RuleID,
		PIITypes:  rec.PIITypes,
		LatencyMs: rec.LatencyMs,
		Args:      rec.Args,
		ArgsHash:  rec.ArgsHash,
		Approval:  rec.Approval,
	}
}

func (j jsonRecord) toDomain() shield.TraceRecord {
	return shield.TraceRecord{
		Timestamp: j.Timestamp,
		SessionID: j.SessionID,
		Tool:      j.Tool,
		Verdict:   shield.ParseVerdict(j.Verdict),
		RuleID:    j.RuleID,
		PIITypes:  j.PIITypes,
		LatencyMs: j.LatencyMs,
		Args:      j.Args,
		ArgsHash:  j.ArgsHash,
		Approval:  j.Approval,
	}
}
