// Package httpapi is the thin HTTP boundary layer over the engine
// orchestrator: it decodes requests, enforces the wire-level validation
// caps, dispatches to *service.Engine, and encodes a JSON response that
// always carries a request ID and, on error, a verdict.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/shield"
	"github.com/policyshield/policyshield/internal/ruleset"
	"github.com/policyshield/policyshield/internal/service"
)

const (
	maxToolNameLength = 256
	maxArgsDepth      = 10
)

var toolNamePattern = regexp.MustCompile(`^[\w.\-:]+$`)

// Engine is the narrow surface this package depends on, satisfied by
// *service.Engine. Declared here (rather than importing the concrete
// type everywhere) keeps handler_test.go free to exercise a fake.
type Engine interface {
	Check(ctx context.Context, req service.CheckRequest) (shield.ShieldResult, error)
	PostCheck(ctx context.Context, tool, sessionID string, output any) (shield.PostCheckResult, error)
	Reload(rs shield.RuleSet) error
	Kill(reason string)
	Resume()
	IsKilled() (bool, string)
	Mode() service.Mode
	SetMode(service.Mode)
	RuleCount() int
	RuleSet() shield.RuleSet
	ClearTaint(ctx context.Context, sessionID string) error
	CheckApproval(requestID string) (approval.Response, bool)
	PendingApprovals(ctx context.Context) ([]approval.Request, error)
	RespondApproval(ctx context.Context, resp approval.Response) error
}

// Options configures a Handler's dependencies and the operator-facing
// knobs a deployment needs (auth, CORS, overload protection).
type Options struct {
	Engine          Engine
	ApprovalBackend approval.Backend // for /readyz; nil means approvals are always considered healthy
	RulesPath       string           // re-read by /api/v1/reload
	Logger          *slog.Logger

	AuthToken      string
	AuthTokensFile []string // pre-read argon2id hashes, one per line
	CORSOrigins    []string
	MaxBodyBytes   int64
	MaxConcurrent  int
	FailOpen       bool
	Version        string
}

// Handler serves the PolicyShield HTTP API.
type Handler struct {
	engine          Engine
	approvalBackend approval.Backend
	rulesPath       string
	logger          *slog.Logger
	failOpen        bool
	version         string
	startedAt       time.Time
}

// NewHandler builds a Handler from opts.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:          opts.Engine,
		approvalBackend: opts.ApprovalBackend,
		rulesPath:       opts.RulesPath,
		logger:          logger,
		failOpen:        opts.FailOpen,
		version:         opts.Version,
		startedAt:       time.Now().UTC(),
	}
}

// Routes builds the full middleware-wrapped mux. /api/v1/health is the
// only route exempt from bearer-token auth.
func Routes(opts Options) http.Handler {
	h := NewHandler(opts)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/check", h.handleCheck)
	mux.HandleFunc("POST /api/v1/post-check", h.handlePostCheck)
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	mux.HandleFunc("GET /api/v1/status", h.handleStatus)
	mux.HandleFunc("POST /api/v1/reload", h.handleReload)
	mux.HandleFunc("POST /api/v1/kill", h.handleKill)
	mux.HandleFunc("POST /api/v1/resume", h.handleResume)
	mux.HandleFunc("GET /api/v1/constraints", h.handleConstraints)
	mux.HandleFunc("POST /api/v1/check-approval", h.handleCheckApproval)
	mux.HandleFunc("POST /api/v1/respond-approval", h.handleRespondApproval)
	mux.HandleFunc("GET /api/v1/pending-approvals", h.handlePendingApprovals)
	mux.HandleFunc("GET /api/v1/pending-approvals/stream", h.handlePendingApprovalsStream)
	mux.HandleFunc("POST /api/v1/clear-taint", h.handleClearTaint)

	exempt := map[string]bool{"/api/v1/health": true}
	checker := newTokenChecker(opts.AuthToken, opts.AuthTokensFile)

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	var withAuth http.Handler = authMiddleware(checker, exempt)(mux)
	withAuth = bodyLimitAndContentType(maxBody)(withAuth)
	withAuth = overloadGuardPath("/api/v1/check", opts.MaxConcurrent)(withAuth)
	withAuth = corsOriginGuard(opts.CORSOrigins)(withAuth)
	return requestIDMiddleware(h.logger)(withAuth)
}

// overloadGuardPath applies the overload semaphore only to the given
// path, per the wire contract's "a semaphore bounds concurrent /checks"
// requirement — every other route is unaffected by check traffic bursts.
func overloadGuardPath(path string, capacity int) func(http.Handler) http.Handler {
	guard := overloadGuard(capacity)
	return func(next http.Handler) http.Handler {
		guarded := guard(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path {
				guarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- JSON helpers ---

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeError(w, r, status, message, h.failOpen)
}

func (h *Handler) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// validateToolName enforces the wire contract's length and character
// caps on a tool name, independent of whatever the rule set itself
// would make of it.
func validateToolName(tool string) error {
	if tool == "" {
		return fmt.Errorf("tool is required")
	}
	if len(tool) > maxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters", maxToolNameLength)
	}
	if !toolNamePattern.MatchString(tool) {
		return fmt.Errorf("tool name contains disallowed characters")
	}
	return nil
}

// validateArgsDepth rejects an args tree nested more than maxArgsDepth
// levels deep, bounding worst-case recursion in every downstream
// consumer (matcher, sanitizer, PII scanner).
func validateArgsDepth(v any, depth int) error {
	if depth > maxArgsDepth {
		return fmt.Errorf("args nesting exceeds depth %d", maxArgsDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if err := validateArgsDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := validateArgsDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- handlers ---

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := validateToolName(req.Tool); err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateArgsDepth(req.Args, 0); err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Check(r.Context(), service.CheckRequest{
		Tool:      req.Tool,
		Args:      req.Args,
		Sender:    req.Sender,
		SessionID: req.SessionID,
		Context:   req.Context,
	})
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, newCheckResponse(res, requestIDFromContext(r.Context())))
}

func (h *Handler) handlePostCheck(w http.ResponseWriter, r *http.Request) {
	var req postCheckRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := validateToolName(req.Tool); err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.PostCheck(r.Context(), req.Tool, req.SessionID, req.Output)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, newPostCheckResponse(res, requestIDFromContext(r.Context())))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	rs := h.engine.RuleSet()
	h.respondJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		RulesCount: h.engine.RuleCount(),
		RulesHash:  rulesHash(rs),
		RequestID:  requestIDFromContext(r.Context()),
	})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.approvalBackend == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	health := h.approvalBackend.Health(r.Context())
	if !health.Healthy {
		h.respondError(w, r, http.StatusServiceUnavailable, health.Error)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	killed, _ := h.engine.IsKilled()
	h.respondJSON(w, http.StatusOK, statusResponse{
		Running:    true,
		Killed:     killed,
		Mode:       string(h.engine.Mode()),
		RulesCount: h.engine.RuleCount(),
		Version:    h.version,
		RequestID:  requestIDFromContext(r.Context()),
	})
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if h.rulesPath == "" {
		h.respondError(w, r, http.StatusInternalServerError, "no rules path configured")
		return
	}
	rs, err := ruleset.Load(h.rulesPath)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("reload: %v", err))
		return
	}
	if err := h.engine.Reload(rs); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("reload: %v", err))
		return
	}
	h.respondJSON(w, http.StatusOK, reloadResponse{
		RulesCount: h.engine.RuleCount(),
		RulesHash:  rulesHash(h.engine.RuleSet()),
		RequestID:  requestIDFromContext(r.Context()),
	})
}

func (h *Handler) handleKill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	_ = h.readJSON(r, &req) // reason is optional; Kill defaults it
	h.engine.Kill(req.Reason)
	h.respondJSON(w, http.StatusOK, killResponse{
		Status:    "killed",
		Reason:    req.Reason,
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.engine.Resume()
	h.respondJSON(w, http.StatusOK, resumeResponse{
		Status:    "resumed",
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (h *Handler) handleConstraints(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, constraintsResponse{
		Summary:   summarizeRuleSet(h.engine.RuleSet()),
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (h *Handler) handleCheckApproval(w http.ResponseWriter, r *http.Request) {
	var req checkApprovalRequest
	if err := h.readJSON(r, &req); err != nil || req.ApprovalID == "" {
		h.respondError(w, r, http.StatusBadRequest, "approval_id is required")
		return
	}
	resp, ok := h.engine.CheckApproval(req.ApprovalID)
	if !ok {
		h.respondJSON(w, http.StatusOK, checkApprovalResponse{
			ApprovalID: req.ApprovalID,
			Status:     "pending",
			RequestID:  requestIDFromContext(r.Context()),
		})
		return
	}
	status := "denied"
	if resp.Approved {
		status = "approved"
	}
	h.respondJSON(w, http.StatusOK, checkApprovalResponse{
		ApprovalID: req.ApprovalID,
		Status:     status,
		Responder:  resp.Responder,
		Comment:    resp.Comment,
		RequestID:  requestIDFromContext(r.Context()),
	})
}

func (h *Handler) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var req respondApprovalRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.ApprovalID == "" || req.Responder == "" {
		h.respondError(w, r, http.StatusBadRequest, "approval_id and responder are required")
		return
	}
	err := h.engine.RespondApproval(r.Context(), approval.Response{
		RequestID: req.ApprovalID,
		Approved:  req.Approved,
		Responder: req.Responder,
		Comment:   req.Comment,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, respondApprovalResponse{
		Status:    "ok",
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (h *Handler) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.PendingApprovals(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	dtos := make([]pendingApprovalDTO, len(pending))
	for i, p := range pending {
		dtos[i] = newPendingApprovalDTO(p)
	}
	h.respondJSON(w, http.StatusOK, pendingApprovalsResponse{
		Approvals: dtos,
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (h *Handler) handleClearTaint(w http.ResponseWriter, r *http.Request) {
	var req clearTaintRequest
	if err := h.readJSON(r, &req); err != nil || req.SessionID == "" {
		h.respondError(w, r, http.StatusBadRequest, "session_id is required")
		return
	}
	if err := h.engine.ClearTaint(r.Context(), req.SessionID); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, clearTaintResponse{
		Status:    "ok",
		RequestID: requestIDFromContext(r.Context()),
	})
}

// rulesHash is a stable fingerprint of the live rule set so operators
// can tell at a glance whether two instances are running the same
// rules without diffing the YAML.
func rulesHash(rs shield.RuleSet) string {
	ids := make([]byte, 0, len(rs.Rules)*16)
	for _, rule := range rs.Rules {
		ids = append(ids, []byte(rule.ID)...)
		ids = append(ids, 0)
	}
	sum := sha256.Sum256(ids)
	return hex.EncodeToString(sum[:])
}

// summarizeRuleSet renders a short human-readable description of the
// active policy, for operators inspecting a running instance without
// access to the rule file itself.
func summarizeRuleSet(rs shield.RuleSet) string {
	enabled := rs.EnabledRules()
	summary := fmt.Sprintf("%s v%d: %d/%d rules enabled, default verdict %s",
		rs.ShieldName, rs.Version, len(enabled), len(rs.Rules), rs.DefaultVerdict)
	if len(rs.Honeypots) > 0 {
		summary += fmt.Sprintf(", %d honeypots", len(rs.Honeypots))
	}
	if rs.TaintChain.Enabled {
		summary += ", taint-chain enforcement enabled"
	}
	return summary
}
