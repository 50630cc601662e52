package httpapi

import (
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/shield"
)

// checkRequest is the wire shape of POST /api/v1/check.
type checkRequest struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Sender    string         `json:"sender,omitempty"`
	SessionID string         `json:"session_id"`
	Context   map[string]any `json:"context,omitempty"`
}

// checkResponse mirrors shield.ShieldResult with JSON field names per
// the wire protocol.
type checkResponse struct {
	Verdict      shield.Verdict `json:"verdict"`
	RuleID       string         `json:"rule_id,omitempty"`
	Message      string         `json:"message,omitempty"`
	PIIMatches   []piiMatchDTO  `json:"pii_matches,omitempty"`
	OriginalArgs map[string]any `json:"original_args,omitempty"`
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`
	ApprovalID   string         `json:"approval_id,omitempty"`
	RequestID    string         `json:"request_id"`
}

func newCheckResponse(res shield.ShieldResult, requestID string) checkResponse {
	return checkResponse{
		Verdict:      res.Verdict,
		RuleID:       res.RuleID,
		Message:      res.Message,
		PIIMatches:   newPIIMatchDTOs(res.PIIMatches),
		OriginalArgs: res.OriginalArgs,
		ModifiedArgs: res.ModifiedArgs,
		ApprovalID:   res.ApprovalID,
		RequestID:    requestID,
	}
}

type piiMatchDTO struct {
	Type        shield.PIIType `json:"type"`
	Field       string         `json:"field,omitempty"`
	Start       int            `json:"start"`
	End         int            `json:"end"`
	MaskedValue string         `json:"masked_value"`
}

func newPIIMatchDTOs(matches []shield.PIIMatch) []piiMatchDTO {
	if len(matches) == 0 {
		return nil
	}
	out := make([]piiMatchDTO, len(matches))
	for i, m := range matches {
		out[i] = piiMatchDTO{
			Type:        m.Type,
			Field:       m.Field,
			Start:       m.Start,
			End:         m.End,
			MaskedValue: m.MaskedValue,
		}
	}
	return out
}

// postCheckRequest is the wire shape of POST /api/v1/post-check.
type postCheckRequest struct {
	Tool      string `json:"tool"`
	SessionID string `json:"session_id"`
	Output    any    `json:"output"`
}

type postCheckResponse struct {
	Verdict        shield.Verdict `json:"verdict"`
	PIIMatches     []piiMatchDTO  `json:"pii_matches,omitempty"`
	RedactedOutput *string        `json:"redacted_output,omitempty"`
	SessionTainted bool           `json:"session_tainted"`
	RequestID      string         `json:"request_id"`
}

func newPostCheckResponse(res shield.PostCheckResult, requestID string) postCheckResponse {
	return postCheckResponse{
		Verdict:        shield.VerdictAllow,
		PIIMatches:     newPIIMatchDTOs(res.PIIMatches),
		RedactedOutput: res.RedactedOutput,
		SessionTainted: res.SessionTainted,
		RequestID:      requestID,
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	RulesCount int    `json:"rules_count"`
	RulesHash  string `json:"rules_hash"`
	RequestID  string `json:"request_id"`
}

type statusResponse struct {
	Running    bool   `json:"running"`
	Killed     bool   `json:"killed"`
	Mode       string `json:"mode"`
	RulesCount int    `json:"rules_count"`
	Version    string `json:"version"`
	RequestID  string `json:"request_id"`
}

type reloadResponse struct {
	RulesCount int    `json:"rules_count"`
	RulesHash  string `json:"rules_hash"`
	RequestID  string `json:"request_id"`
}

type killRequest struct {
	Reason string `json:"reason"`
}

type killResponse struct {
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`
}

type resumeResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

type constraintsResponse struct {
	Summary   string `json:"summary"`
	RequestID string `json:"request_id"`
}

type checkApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
}

type checkApprovalResponse struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"` // "pending", "approved", "denied"
	Responder  string `json:"responder,omitempty"`
	Comment    string `json:"comment,omitempty"`
	RequestID  string `json:"request_id"`
}

type respondApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Responder  string `json:"responder"`
	Comment    string `json:"comment,omitempty"`
}

type respondApprovalResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

type pendingApprovalDTO struct {
	RequestID string         `json:"request_id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	RuleID    string         `json:"rule_id"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
}

func newPendingApprovalDTO(req approval.Request) pendingApprovalDTO {
	return pendingApprovalDTO{
		RequestID: req.RequestID,
		Tool:      req.Tool,
		Args:      req.Args,
		RuleID:    req.RuleID,
		Message:   req.Message,
		SessionID: req.SessionID,
		Timestamp: req.CreatedAt,
	}
}

type pendingApprovalsResponse struct {
	Approvals []pendingApprovalDTO `json:"approvals"`
	RequestID string               `json:"request_id"`
}

type clearTaintRequest struct {
	SessionID string `json:"session_id"`
}

type clearTaintResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

// errorResponse is the envelope returned for every failure path. It
// always carries a verdict so a caller never sees a bare 500.
type errorResponse struct {
	Error     string         `json:"error"`
	Verdict   shield.Verdict `json:"verdict"`
	RequestID string         `json:"request_id"`
}
