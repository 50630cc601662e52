// Package service implements the PolicyShield engine orchestrator: the
// single component that runs a tool call through sanitization, rate
// limiting, honeypot detection, rule matching, PII scanning, and the
// approval plane, and produces one verdict.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/matcher"
	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/ratelimit"
	"github.com/policyshield/policyshield/internal/domain/sanitizer"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/domain/shield"
)

// Mode is the engine's operating posture.
type Mode string

const (
	ModeEnforce  Mode = "ENFORCE"
	ModeAudit    Mode = "AUDIT"
	ModeDisabled Mode = "DISABLED"
)

// ParseMode normalizes a case-insensitive mode spelling, defaulting to
// ModeEnforce for anything unrecognized.
func ParseMode(s string) Mode {
	m := Mode(strings.ToUpper(s))
	switch m {
	case ModeEnforce, ModeAudit, ModeDisabled:
		return m
	default:
		return ModeEnforce
	}
}

const (
	ruleKillSwitch    = "__kill_switch__"
	ruleSanitizer     = "__sanitizer__"
	ruleRateLimit     = "__rate_limit__"
	ruleHoneypotPfx   = "__honeypot__:"
	ruleInternalError = "__internal_error__"
)

// Config holds the orchestrator's tunables, distinct from any single
// component's own configuration.
type Config struct {
	Mode                 Mode
	FailOpen             bool
	ApprovalTimeout      time.Duration
	DefaultTimeoutAction string // "allow" or "deny"; applied when an approval wait times out
	WorkerPoolSize       int
}

func (c *Config) withDefaults() {
	if c.Mode == "" {
		c.Mode = ModeEnforce
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 5 * time.Minute
	}
	if c.DefaultTimeoutAction == "" {
		c.DefaultTimeoutAction = "deny"
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 16
	}
}

// CheckRequest is one tool call submitted for evaluation.
type CheckRequest struct {
	Tool      string
	Args      map[string]any
	Sender    string
	SessionID string
	Context   map[string]any
}

// Tracer is the narrow trace-recording port the engine depends on,
// satisfied by *trace.Writer without importing the adapter package
// directly (keeps internal/service free of outbound adapter imports).
type Tracer interface {
	Record(ctx context.Context, rec shield.TraceRecord) error
}

// matcherBox lets atomic.Value hold a possibly-nil *matcher.Matcher:
// atomic.Value requires every Store to carry the same concrete type,
// which a bare nil interface value can't satisfy consistently.
type matcherBox struct {
	m *matcher.Matcher
}

// Engine is the orchestrator. One instance serves every concurrent
// caller; reload and kill-switch state changes are visible to
// in-flight calls only at their next pipeline step, never retroactively.
type Engine struct {
	cfg Config

	mu            sync.Mutex // guards Reload/ReloadShadow swaps and mode/kill transitions
	liveMatcher   atomic.Value // matcherBox
	shadowMatcher atomic.Value // matcherBox
	mode          atomic.Value // Mode
	killed        atomic.Bool
	killReason    atomic.Value // string

	sanitizer *sanitizer.Sanitizer
	pii       *pii.Scanner
	limiter   ratelimit.Limiter
	sessions  *session.Manager

	approvalBackend approval.Backend
	approvalCache   *approval.Cache
	resolvedMu      sync.Mutex
	resolved        map[string]approval.Response // request_id -> outcome, for CheckApproval polling

	tracer Tracer
	logger *slog.Logger

	pool chan struct{}
}

// New builds an Engine. sanitizer, limiter, approvalBackend, and tracer
// may be nil. A nil sanitizer, limiter, or tracer skips the step it
// covers; with a nil approvalBackend, APPROVE rules resolve to BLOCK.
func New(
	cfg Config,
	rules shield.RuleSet,
	exprCompiler matcher.ExprCompiler,
	san *sanitizer.Sanitizer,
	scanner *pii.Scanner,
	limiter ratelimit.Limiter,
	sessions *session.Manager,
	approvalBackend approval.Backend,
	tracer Tracer,
	logger *slog.Logger,
) (*Engine, error) {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if scanner == nil {
		var err error
		scanner, err = pii.New(nil)
		if err != nil {
			return nil, fmt.Errorf("engine: default pii scanner: %w", err)
		}
	}
	if sessions == nil {
		return nil, errors.New("engine: session manager is required")
	}

	m, err := matcher.NewMatcher(rules, exprCompiler)
	if err != nil {
		return nil, fmt.Errorf("engine: compile rules: %w", err)
	}

	e := &Engine{
		cfg:             cfg,
		sanitizer:       san,
		pii:             scanner,
		limiter:         limiter,
		sessions:        sessions,
		approvalBackend: approvalBackend,
		approvalCache:   approval.NewCache(),
		resolved:        make(map[string]approval.Response),
		tracer:          tracer,
		logger:          logger,
		pool:            make(chan struct{}, cfg.WorkerPoolSize),
	}
	e.liveMatcher.Store(matcherBox{m: m})
	e.shadowMatcher.Store(matcherBox{m: nil})
	e.mode.Store(cfg.Mode)

	logger.Info("engine initialized", "mode", cfg.Mode, "rules", m.RuleCount())
	return e, nil
}

func (e *Engine) matcherFor() *matcher.Matcher {
	return e.liveMatcher.Load().(matcherBox).m
}

func (e *Engine) shadow() *matcher.Matcher {
	return e.shadowMatcher.Load().(matcherBox).m
}

// Reload atomically replaces the live rule set. In-flight Check calls
// finish against the snapshot they already loaded.
func (e *Engine) Reload(rs shield.RuleSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.matcherFor().Reload(rs); err != nil {
		return fmt.Errorf("engine: reload rules: %w", err)
	}
	e.logger.Info("rules reloaded", "rules", e.matcherFor().RuleCount())
	return nil
}

// ReloadShadow installs (or replaces) the shadow rule set evaluated
// alongside the live one purely for divergence logging. Passing a zero
// RuleSet (no rules, empty name) disables shadow evaluation.
func (e *Engine) ReloadShadow(rs shield.RuleSet, exprCompiler matcher.ExprCompiler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(rs.Rules) == 0 {
		e.shadowMatcher.Store(matcherBox{m: nil})
		return nil
	}
	m, err := matcher.NewMatcher(rs, exprCompiler)
	if err != nil {
		return fmt.Errorf("engine: compile shadow rules: %w", err)
	}
	e.shadowMatcher.Store(matcherBox{m: m})
	return nil
}

// Kill trips the kill switch: every subsequent Check returns BLOCK
// until Resume is called, overriding even AUDIT mode.
func (e *Engine) Kill(reason string) {
	if reason == "" {
		reason = "kill switch engaged"
	}
	e.killReason.Store(reason)
	e.killed.Store(true)
	e.logger.Warn("kill switch engaged", "reason", reason)
}

// Resume clears a previously engaged kill switch.
func (e *Engine) Resume() {
	e.killed.Store(false)
	e.logger.Info("kill switch resumed")
}

// IsKilled reports the kill switch state and its last-set reason.
func (e *Engine) IsKilled() (bool, string) {
	reason, _ := e.killReason.Load().(string)
	return e.killed.Load(), reason
}

// Mode returns the current operating mode.
func (e *Engine) Mode() Mode {
	return e.mode.Load().(Mode)
}

// SetMode changes the operating mode.
func (e *Engine) SetMode(m Mode) {
	e.mode.Store(m)
	e.logger.Info("mode changed", "mode", m)
}

// RuleCount reports the number of compiled rules in the live snapshot.
func (e *Engine) RuleCount() int {
	return e.matcherFor().RuleCount()
}

// RuleSet returns the ruleset behind the live snapshot, for diagnostics.
func (e *Engine) RuleSet() shield.RuleSet {
	return e.matcherFor().RuleSet()
}

// ClearTaint resets a session's PII taint state.
func (e *Engine) ClearTaint(ctx context.Context, sessionID string) error {
	return e.sessions.ClearTaint(ctx, sessionID)
}

// Check runs the full pipeline against a single tool call, inline on
// the calling goroutine.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (result shield.ShieldResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine panic recovered", "panic", r, "tool", req.Tool)
			result, err = e.failure(ctx, req, start, fmt.Errorf("panic: %v", r))
		}
	}()

	res, pipelineErr := e.runPipeline(ctx, req, start)
	if pipelineErr != nil {
		return e.failure(ctx, req, start, pipelineErr)
	}
	return res, nil
}

// CheckAsync runs the same pipeline but bounds concurrent CPU-bound
// work to the engine's worker pool, so a burst of checks can't starve
// other goroutines of compute. Per-call step ordering is unaffected —
// only cross-call concurrency is throttled.
func (e *Engine) CheckAsync(ctx context.Context, req CheckRequest) (shield.ShieldResult, error) {
	select {
	case e.pool <- struct{}{}:
	case <-ctx.Done():
		return shield.ShieldResult{}, ctx.Err()
	}
	defer func() { <-e.pool }()
	return e.Check(ctx, req)
}

func (e *Engine) failure(ctx context.Context, req CheckRequest, start time.Time, cause error) (shield.ShieldResult, error) {
	e.logger.Error("check pipeline error", "tool", req.Tool, "error", cause)
	if e.cfg.FailOpen {
		return shield.ShieldResult{Verdict: shield.VerdictAllow, Message: "fail-open: " + cause.Error()}, nil
	}
	res := shield.ShieldResult{
		Verdict: shield.VerdictBlock,
		RuleID:  ruleInternalError,
		Message: cause.Error(),
	}
	e.trace(ctx, res, req, time.Since(start))
	return res, nil
}

func (e *Engine) runPipeline(ctx context.Context, req CheckRequest, start time.Time) (shield.ShieldResult, error) {
	mode := e.Mode()

	// Step 1: DISABLED mode bypasses everything.
	if mode == ModeDisabled {
		return shield.ShieldResult{Verdict: shield.VerdictAllow}, nil
	}

	// Step 2: kill switch overrides everything, including AUDIT.
	if killed, reason := e.IsKilled(); killed {
		res := shield.ShieldResult{Verdict: shield.VerdictBlock, RuleID: ruleKillSwitch, Message: reason}
		e.trace(ctx, res, req, time.Since(start))
		return res, nil
	}

	args := req.Args

	// Step 3: sanitizer.
	if e.sanitizer != nil {
		san := e.sanitizer.Sanitize(args)
		if san.Rejected {
			res := shield.ShieldResult{Verdict: shield.VerdictBlock, RuleID: ruleSanitizer, Message: san.RejectionReason}
			res = e.finalize(ctx, res, req, mode, start)
			return res, nil
		}
		args = san.Args
	}

	// Step 4: rate limiter.
	if e.limiter != nil {
		rl, err := e.limiter.Check(ctx, req.Tool, req.SessionID)
		if err != nil {
			return shield.ShieldResult{}, fmt.Errorf("rate limiter check: %w", err)
		}
		if !rl.Allowed {
			res := shield.ShieldResult{Verdict: shield.VerdictBlock, RuleID: ruleRateLimit, Message: rl.Message}
			res = e.finalize(ctx, res, req, mode, start)
			return res, nil
		}
	}

	// Step 5: honeypot.
	if hp, ok := e.matcherFor().CheckHoneypot(req.Tool); ok {
		res := shield.ShieldResult{Verdict: shield.VerdictBlock, RuleID: ruleHoneypotPfx + req.Tool, Message: hp.Message()}
		res = e.finalize(ctx, res, req, mode, start)
		return res, nil
	}

	// Step 6: snapshot session state, find best matching rule.
	st, err := e.sessions.Snapshot(ctx, req.SessionID)
	if err != nil {
		return shield.ShieldResult{}, fmt.Errorf("session snapshot: %w", err)
	}

	call := matcher.Call{
		Tool:    req.Tool,
		Args:    args,
		Sender:  req.Sender,
		Session: st.AsMap(),
		Context: req.Context,
		Now:     time.Now(),
		Events:  st.Events,
	}
	rule, matched := e.matcherFor().FindBestMatch(call)

	e.shadowEval(ctx, call, rule, matched)

	if !matched {
		// Step 7: no match -> default verdict.
		res := shield.ShieldResult{Verdict: e.matcherFor().DefaultVerdict(), OriginalArgs: args}
		res = e.finalize(ctx, res, req, mode, start)
		return res, nil
	}

	// Step 8: PII scan, best-effort.
	var piiMatches []shield.PIIMatch
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("pii scan panic (fail-open)", "panic", r, "tool", req.Tool)
			}
		}()
		piiMatches = toShieldMatches(e.pii.ScanDict(args))
	}()

	// Step 9: taint the session for every matched PII type.
	for _, pm := range piiMatches {
		if err := e.sessions.AddTaint(ctx, req.SessionID, string(pm.Type)); err != nil {
			e.logger.Warn("add taint failed", "session", req.SessionID, "error", err)
		}
	}

	// Step 10: dispatch by rule.Then.
	res := e.dispatch(ctx, rule, req, args, piiMatches)
	res = e.finalize(ctx, res, req, mode, start)
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, rule shield.Rule, req CheckRequest, args map[string]any, piiMatches []shield.PIIMatch) shield.ShieldResult {
	switch rule.Then {
	case shield.VerdictBlock:
		return shield.ShieldResult{
			Verdict:      shield.VerdictBlock,
			RuleID:       rule.ID,
			Message:      rule.Message,
			PIIMatches:   piiMatches,
			OriginalArgs: args,
		}
	case shield.VerdictRedact:
		redacted := e.pii.RedactDict(args)
		return shield.ShieldResult{
			Verdict:      shield.VerdictRedact,
			RuleID:       rule.ID,
			Message:      rule.Message,
			PIIMatches:   piiMatches,
			OriginalArgs: args,
			ModifiedArgs: redacted,
		}
	case shield.VerdictApprove:
		return e.handleApproval(ctx, rule, req, args, piiMatches)
	default:
		return shield.ShieldResult{
			Verdict:      shield.VerdictAllow,
			RuleID:       rule.ID,
			Message:      rule.Message,
			PIIMatches:   piiMatches,
			OriginalArgs: args,
		}
	}
}

func (e *Engine) handleApproval(ctx context.Context, rule shield.Rule, req CheckRequest, args map[string]any, piiMatches []shield.PIIMatch) shield.ShieldResult {
	if e.approvalBackend == nil {
		return shield.ShieldResult{Verdict: shield.VerdictBlock, RuleID: rule.ID, Message: "no approval backend configured", OriginalArgs: args}
	}

	shieldStrategy, ok := shield.ParseApprovalStrategy(rule.ApprovalStrategy)
	if !ok {
		shieldStrategy = shield.StrategyOnce
	}
	strategy := approval.Strategy(shieldStrategy)

	if cached, ok := e.approvalCache.Get(strategy, req.SessionID, rule.ID, req.Tool); ok {
		return approvalResult(rule, args, piiMatches, cached)
	}

	areq := approval.NewRequest(req.Tool, args, rule.ID, rule.Message, req.SessionID)
	if err := e.approvalBackend.Submit(ctx, areq); err != nil {
		return shield.ShieldResult{Verdict: shield.VerdictBlock, RuleID: rule.ID, Message: "approval submit failed: " + err.Error(), OriginalArgs: args}
	}

	resp, err := e.approvalBackend.WaitForResponse(ctx, areq.RequestID, e.cfg.ApprovalTimeout)
	if err != nil || resp == nil {
		if e.cfg.DefaultTimeoutAction == "allow" {
			return shield.ShieldResult{Verdict: shield.VerdictAllow, RuleID: rule.ID, Message: "approval timed out (default: allow)", OriginalArgs: args, ApprovalID: areq.RequestID}
		}
		return shield.ShieldResult{Verdict: shield.VerdictBlock, RuleID: rule.ID, Message: "approval timed out", OriginalArgs: args, ApprovalID: areq.RequestID}
	}

	e.approvalCache.Put(strategy, req.SessionID, rule.ID, req.Tool, *resp)
	e.recordResolution(areq.RequestID, *resp)
	return approvalResult(rule, args, piiMatches, *resp)
}

func (e *Engine) recordResolution(requestID string, resp approval.Response) {
	e.resolvedMu.Lock()
	defer e.resolvedMu.Unlock()
	e.resolved[requestID] = resp
}

// CheckApproval reports the outcome of a previously submitted approval
// request: resolved=true with the decision if a human has answered,
// false if it's still pending or the request ID is unknown.
func (e *Engine) CheckApproval(requestID string) (approval.Response, bool) {
	e.resolvedMu.Lock()
	defer e.resolvedMu.Unlock()
	resp, ok := e.resolved[requestID]
	return resp, ok
}

// PendingApprovals lists requests awaiting a human decision.
func (e *Engine) PendingApprovals(ctx context.Context) ([]approval.Request, error) {
	if e.approvalBackend == nil {
		return nil, nil
	}
	return e.approvalBackend.Pending(ctx)
}

// RespondApproval records a human decision against a previously
// submitted request, unblocking whatever Check call is waiting on it.
func (e *Engine) RespondApproval(ctx context.Context, resp approval.Response) error {
	if e.approvalBackend == nil {
		return errors.New("engine: no approval backend configured")
	}
	return e.approvalBackend.Respond(ctx, resp)
}

func approvalResult(rule shield.Rule, args map[string]any, piiMatches []shield.PIIMatch, resp approval.Response) shield.ShieldResult {
	if resp.Approved {
		return shield.ShieldResult{
			Verdict:      shield.VerdictAllow,
			RuleID:       rule.ID,
			Message:      rule.Message,
			PIIMatches:   piiMatches,
			OriginalArgs: args,
			ApprovalID:   resp.RequestID,
		}
	}
	msg := "approval denied"
	if resp.Responder != "" {
		msg = "approval denied by " + resp.Responder
	}
	return shield.ShieldResult{Verdict: shield.VerdictBlock, RuleID: rule.ID, Message: msg, OriginalArgs: args, ApprovalID: resp.RequestID}
}

// finalize applies AUDIT-mode coercion, session/rate-limit bookkeeping,
// and the trace record — steps 11 through 13 of the pipeline.
func (e *Engine) finalize(ctx context.Context, res shield.ShieldResult, req CheckRequest, mode Mode, start time.Time) shield.ShieldResult {
	if mode == ModeAudit && res.Verdict != shield.VerdictAllow {
		e.logger.Info("audit: would enforce", "verdict", res.Verdict, "tool", req.Tool, "rule_id", res.RuleID)
		res = shield.ShieldResult{
			Verdict:      shield.VerdictAllow,
			RuleID:       res.RuleID,
			Message:      "[AUDIT] " + res.Message,
			PIIMatches:   res.PIIMatches,
			OriginalArgs: res.OriginalArgs,
			ModifiedArgs: res.ModifiedArgs,
		}
	}

	if res.Verdict != shield.VerdictBlock && res.Verdict != shield.VerdictApprove {
		if err := e.sessions.Increment(ctx, req.SessionID, req.Tool); err != nil {
			e.logger.Warn("session increment failed", "session", req.SessionID, "error", err)
		}
		if err := e.sessions.RecordEvent(ctx, req.SessionID, req.Tool, string(res.Verdict)); err != nil {
			e.logger.Warn("session record event failed", "session", req.SessionID, "error", err)
		}
		if e.limiter != nil {
			if err := e.limiter.Record(ctx, req.Tool, req.SessionID); err != nil {
				e.logger.Warn("rate limiter record failed", "tool", req.Tool, "error", err)
			}
		}
	}

	e.trace(ctx, res, req, time.Since(start))
	return res
}

func (e *Engine) trace(ctx context.Context, res shield.ShieldResult, req CheckRequest, latency time.Duration) {
	if e.tracer == nil {
		return
	}
	pii := make([]string, len(res.PIIMatches))
	for i, m := range res.PIIMatches {
		pii[i] = string(m.Type)
	}
	rec := shield.TraceRecord{
		Timestamp: time.Now().UTC(),
		SessionID: req.SessionID,
		Tool:      req.Tool,
		Verdict:   res.Verdict,
		RuleID:    res.RuleID,
		PIITypes:  pii,
		LatencyMs: float64(latency.Microseconds()) / 1000.0,
		Args:      req.Args,
	}
	if err := e.tracer.Record(ctx, rec); err != nil {
		e.logger.Warn("trace record failed", "error", err)
	}
}

// shadowEval matches call against the shadow rule set (if any) and
// logs when its verdict would differ from the live one. It never
// mutates the result returned to the caller.
func (e *Engine) shadowEval(ctx context.Context, call matcher.Call, liveRule shield.Rule, liveMatched bool) {
	shadow := e.shadow()
	if shadow == nil {
		return
	}
	shadowRule, shadowMatched := shadow.FindBestMatch(call)

	liveVerdict := shadow.DefaultVerdict()
	if liveMatched {
		liveVerdict = liveRule.Then
	}
	shadowVerdict := shadow.DefaultVerdict()
	if shadowMatched {
		shadowVerdict = shadowRule.Then
	}

	if liveVerdict != shadowVerdict {
		e.logger.Info("shadow verdict diverges from live verdict",
			"tool", call.Tool,
			"live_verdict", liveVerdict,
			"live_rule_id", liveRule.ID,
			"shadow_verdict", shadowVerdict,
			"shadow_rule_id", shadowRule.ID,
		)
	}
}

// PostCheck scans a tool's output for PII and taints the session
// accordingly; it never blocks the call that already happened.
func (e *Engine) PostCheck(ctx context.Context, tool, sessionID string, output any) (shield.PostCheckResult, error) {
	if e.Mode() == ModeDisabled {
		return shield.PostCheckResult{}, nil
	}

	var matches []pii.Match
	switch v := output.(type) {
	case string:
		matches = e.pii.Scan(v)
	case map[string]any:
		matches = e.pii.ScanDict(v)
	}

	for _, m := range matches {
		if err := e.sessions.AddTaint(ctx, sessionID, string(m.PIIType)); err != nil {
			e.logger.Warn("add taint failed", "session", sessionID, "error", err)
		}
	}

	return shield.PostCheckResult{
		PIIMatches:     toShieldMatches(matches),
		SessionTainted: len(matches) > 0,
	}, nil
}

func toShieldMatches(matches []pii.Match) []shield.PIIMatch {
	out := make([]shield.PIIMatch, len(matches))
	for i, m := range matches {
		out[i] = shield.PIIMatch{
			Type:        shield.PIIType(m.PIIType),
			Field:       m.Field,
			Start:       m.Span[0],
			End:         m.Span[1],
			MaskedValue: m.MaskedValue,
		}
	}
	return out
}
