package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/shield"
	"github.com/policyshield/policyshield/internal/service"
)

// fakeEngine is a minimal, hand-wired stand-in for *service.Engine that
// lets each test control exactly what the pipeline returns without
// standing up a real rule set.
type fakeEngine struct {
	checkResult shield.ShieldResult
	checkErr    error

	postCheckResult shield.PostCheckResult
	postCheckErr    error

	reloadErr error

	killed        bool
	killReason    string
	mode          service.Mode
	ruleCount     int
	ruleSet       shield.RuleSet
	clearTaintErr error

	resolved   map[string]approval.Response
	pending    []approval.Request
	respondErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		mode:     service.ModeEnforce,
		resolved: make(map[string]approval.Response),
		ruleSet:  shield.RuleSet{ShieldName: "test", Version: 1, DefaultVerdict: shield.VerdictAllow},
	}
}

func (f *fakeEngine) Check(context.Context, service.CheckRequest) (shield.ShieldResult, error) {
	return f.checkResult, f.checkErr
}

func (f *fakeEngine) PostCheck(context.Context, string, string, any) (shield.PostCheckResult, error) {
	return f.postCheckResult, f.postCheckErr
}

func (f *fakeEngine) Reload(shield.RuleSet) error { return f.reloadErr }

func (f *fakeEngine) Kill(reason string) {
	f.killed = true
	f.killReason = reason
}

func (f *fakeEngine) Resume() { f.killed = false }

func (f *fakeEngine) IsKilled() (bool, string) { return f.killed, f.killReason }

func (f *fakeEngine) Mode() service.Mode { return f.mode }

func (f *fakeEngine) SetMode(m service.Mode) { f.mode = m }

func (f *fakeEngine) RuleCount() int { return f.ruleCount }

func (f *fakeEngine) RuleSet() shield.RuleSet { return f.ruleSet }

func (f *fakeEngine) ClearTaint(context.Context, string) error { return f.clearTaintErr }

func (f *fakeEngine) CheckApproval(requestID string) (approval.Response, bool) {
	resp, ok := f.resolved[requestID]
	return resp, ok
}

func (f *fakeEngine) PendingApprovals(context.Context) ([]approval.Request, error) {
	return f.pending, nil
}

func (f *fakeEngine) RespondApproval(context.Context, approval.Response) error {
	return f.respondErr
}

func newTestHandler(engine *fakeEngine) http.Handler {
	return Routes(Options{
		Engine:        engine,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxBodyBytes:  1 << 20,
		MaxConcurrent: 8,
		Version:       "test",
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_CheckReturnsVerdict(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.checkResult = shield.ShieldResult{Verdict: shield.VerdictBlock, RuleID: "no-rm"}
	h := newTestHandler(engine)

	rr := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{
		Tool: "delete_file", Args: map[string]any{"path": "/etc/passwd"}, SessionID: "s1",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	var resp checkResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Verdict != shield.VerdictBlock {
		t.Errorf("Verdict = %q, want BLOCK", resp.Verdict)
	}
	if resp.RequestID == "" {
		t.Error("RequestID should never be empty")
	}
}

func TestHandler_CheckRejectsOversizedToolName(t *testing.T) {
	t.Parallel()

	h := newTestHandler(newFakeEngine())
	longTool := ""
	for i := 0; i < 300; i++ {
		longTool += "a"
	}
	rr := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: longTool, SessionID: "s1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestHandler_CheckRejectsDisallowedCharacters(t *testing.T) {
	t.Parallel()

	h := newTestHandler(newFakeEngine())
	rr := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "rm -rf $(echo x)", SessionID: "s1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestHandler_CheckRejectsDeepArgs(t *testing.T) {
	t.Parallel()

	h := newTestHandler(newFakeEngine())
	var nested any = "leaf"
	for i := 0; i < 15; i++ {
		nested = map[string]any{"child": nested}
	}
	rr := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{
		Tool: "ok_tool", SessionID: "s1", Args: map[string]any{"deep": nested},
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestHandler_ContentTypeMustBeJSON(t *testing.T) {
	t.Parallel()

	h := newTestHandler(newFakeEngine())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/check", bytes.NewBufferString(`{"tool":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rr.Code)
	}
}

func TestHandler_HealthNeedsNoAuthEvenWithTokenConfigured(t *testing.T) {
	t.Parallel()

	h := Routes(Options{
		Engine:    newFakeEngine(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		AuthToken: "secret",
	})
	rr := doJSON(t, h, http.MethodGet, "/api/v1/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (health is auth-exempt)", rr.Code)
	}
}

func TestHandler_OtherRoutesRequireBearerToken(t *testing.T) {
	t.Parallel()

	h := Routes(Options{
		Engine:    newFakeEngine(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		AuthToken: "secret",
	})
	rr := doJSON(t, h, http.MethodGet, "/api/v1/status", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a token", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, req)
	if rr2.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with a valid bearer token", rr2.Code)
	}
}

func TestHandler_StatusReportsKillState(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.killed = true
	engine.killReason = "incident-42"
	h := newTestHandler(engine)

	rr := doJSON(t, h, http.MethodGet, "/api/v1/status", nil)
	var resp statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Killed {
		t.Error("Killed should be true")
	}
}

func TestHandler_KillThenResume(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	h := newTestHandler(engine)

	rr := doJSON(t, h, http.MethodPost, "/api/v1/kill", killRequest{Reason: "drill"})
	if rr.Code != http.StatusOK {
		t.Fatalf("kill status = %d, want 200", rr.Code)
	}
	if !engine.killed || engine.killReason != "drill" {
		t.Errorf("engine state after kill = (%v, %q), want (true, drill)", engine.killed, engine.killReason)
	}

	rr2 := doJSON(t, h, http.MethodPost, "/api/v1/resume", nil)
	if rr2.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", rr2.Code)
	}
	if engine.killed {
		t.Error("engine should no longer be killed after resume")
	}
}

func TestHandler_CheckApprovalReportsPendingThenResolved(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	h := newTestHandler(engine)

	rr := doJSON(t, h, http.MethodPost, "/api/v1/check-approval", checkApprovalRequest{ApprovalID: "req-1"})
	var pendingResp checkApprovalResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &pendingResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pendingResp.Status != "pending" {
		t.Errorf("Status = %q, want pending before any response", pendingResp.Status)
	}

	engine.resolved["req-1"] = approval.Response{RequestID: "req-1", Approved: true, Responder: "alice"}
	rr2 := doJSON(t, h, http.MethodPost, "/api/v1/check-approval", checkApprovalRequest{ApprovalID: "req-1"})
	var resolvedResp checkApprovalResponse
	if err := json.Unmarshal(rr2.Body.Bytes(), &resolvedResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resolvedResp.Status != "approved" {
		t.Errorf("Status = %q, want approved", resolvedResp.Status)
	}
}

func TestHandler_RespondApprovalRequiresResponder(t *testing.T) {
	t.Parallel()

	h := newTestHandler(newFakeEngine())
	rr := doJSON(t, h, http.MethodPost, "/api/v1/respond-approval", respondApprovalRequest{ApprovalID: "req-1", Approved: true})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without a responder", rr.Code)
	}
}

func TestHandler_ClearTaintRequiresSessionID(t *testing.T) {
	t.Parallel()

	h := newTestHandler(newFakeEngine())
	rr := doJSON(t, h, http.MethodPost, "/api/v1/clear-taint", clearTaintRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without a session_id", rr.Code)
	}
}

func TestHandler_PendingApprovalsListsOutstandingRequests(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.pending = []approval.Request{
		{RequestID: "a", Tool: "delete_file", RuleID: "no-rm", SessionID: "s1"},
	}
	h := newTestHandler(engine)

	rr := doJSON(t, h, http.MethodGet, "/api/v1/pending-approvals", nil)
	var resp pendingApprovalsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Approvals) != 1 || resp.Approvals[0].RequestID != "a" {
		t.Errorf("Approvals = %+v, want one entry with request_id=a", resp.Approvals)
	}
}

func TestHandler_EveryErrorCarriesAVerdict(t *testing.T) {
	t.Parallel()

	h := newTestHandler(newFakeEngine())
	rr := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: ""})
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Verdict != shield.VerdictBlock {
		t.Errorf("Verdict = %q, want BLOCK on a fail-closed deployment", resp.Verdict)
	}
	if resp.RequestID == "" {
		t.Error("even an error response should carry a request_id")
	}
}

// blockingEngine's Check blocks until release is closed, letting a test
// hold the overload guard's single slot open while it fires a second
// request that must then overflow.
type blockingEngine struct {
	*fakeEngine
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEngine) Check(ctx context.Context, req service.CheckRequest) (shield.ShieldResult, error) {
	close(b.entered)
	<-b.release
	return b.fakeEngine.Check(ctx, req)
}

func TestHandler_OverloadGuardRejectsBeyondCapacity(t *testing.T) {
	t.Parallel()

	engine := &blockingEngine{fakeEngine: newFakeEngine(), entered: make(chan struct{}), release: make(chan struct{})}
	engine.checkResult = shield.ShieldResult{Verdict: shield.VerdictAllow}
	h := Routes(Options{
		Engine:        engine,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxConcurrent: 1,
	})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s1"})
	}()
	<-engine.entered // first request now holds the only slot

	overflow := doJSON(t, h, http.MethodPost, "/api/v1/check", checkRequest{Tool: "read_file", SessionID: "s2"})
	if overflow.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while the single slot is held", overflow.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(overflow.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "server_overloaded" {
		t.Errorf("Error = %q, want server_overloaded", resp.Error)
	}

	close(engine.release)
	first := <-done
	if first.Code != http.StatusOK {
		t.Errorf("first request status = %d, want 200 once it completes", first.Code)
	}
}
