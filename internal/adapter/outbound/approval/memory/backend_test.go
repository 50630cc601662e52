package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"go.uber.org/goleak"
)

func TestBackend_SubmitAndRespondApproved(t *testing.T) {
	t.Parallel()
	b := New(0)
	ctx := context.Background()

	req := approval.NewRequest("delete_file", map[string]any{"path": "/x"}, "rule1", "needs approval", "sess1")
	if err := b.Submit(ctx, req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var resp *approval.Response
	var waitErr error
	go func() {
		defer wg.Done()
		resp, waitErr = b.WaitForResponse(ctx, req.RequestID, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.Respond(ctx, approval.Response{RequestID: req.RequestID, Approved: true, Responder: "alice"}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	wg.Wait()

	if waitErr != nil {
		t.Fatalf("WaitForResponse() error = %v", waitErr)
	}
	if !resp.Approved || resp.Responder != "alice" {
		t.Errorf("resp = %+v, want approved by alice", resp)
	}
}

func TestBackend_WaitForResponseTimesOut(t *testing.T) {
	t.Parallel()
	b := New(0)
	ctx := context.Background()

	req := approval.NewRequest("delete_file", nil, "rule1", "needs approval", "sess1")
	_ = b.Submit(ctx, req)

	_, err := b.WaitForResponse(ctx, req.RequestID, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("WaitForResponse() expected timeout error, got nil")
	}
}

func TestBackend_WaitForResponseCtxCancelled(t *testing.T) {
	t.Parallel()
	b := New(0)
	ctx, cancel := context.WithCancel(context.Background())

	req := approval.NewRequest("delete_file", nil, "rule1", "needs approval", "sess1")
	_ = b.Submit(ctx, req)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.WaitForResponse(ctx, req.RequestID, time.Second)
	if err != context.Canceled {
		t.Errorf("WaitForResponse() error = %v, want context.Canceled", err)
	}
}

func TestBackend_FIFOEvictionDeniesOldest(t *testing.T) {
	t.Parallel()
	b := New(1)
	ctx := context.Background()

	req1 := approval.NewRequest("tool_a", nil, "rule1", "", "sess1")
	_ = b.Submit(ctx, req1)

	var wg sync.WaitGroup
	wg.Add(1)
	var resp *approval.Response
	go func() {
		defer wg.Done()
		resp, _ = b.WaitForResponse(ctx, req1.RequestID, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	req2 := approval.NewRequest("tool_b", nil, "rule1", "", "sess1")
	_ = b.Submit(ctx, req2)

	wg.Wait()
	if resp == nil || resp.Approved {
		t.Fatalf("resp = %+v, want evicted/denied", resp)
	}
}

func TestBackend_Pending(t *testing.T) {
	t.Parallel()
	b := New(0)
	ctx := context.Background()

	req := approval.NewRequest("tool_a", nil, "rule1", "", "sess1")
	_ = b.Submit(ctx, req)

	pending, err := b.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].RequestID != req.RequestID {
		t.Errorf("Pending() = %+v, want single entry for %s", pending, req.RequestID)
	}
}

func TestBackend_RespondUnknownRequest(t *testing.T) {
	t.Parallel()
	b := New(0)
	if err := b.Respond(context.Background(), approval.Response{RequestID: "nope"}); err == nil {
		t.Errorf("Respond() expected error for unknown request")
	}
}

func TestBackend_Health(t *testing.T) {
	t.Parallel()
	b := New(0)
	if h := b.Health(context.Background()); !h.Healthy {
		t.Errorf("Health() = %+v, want Healthy=true", h)
	}
}

func TestBackendNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(0)
	ctx := context.Background()
	req := approval.NewRequest("tool_a", nil, "rule1", "", "sess1")
	_ = b.Submit(ctx, req)
	_, _ = b.WaitForResponse(ctx, req.RequestID, 20*time.Millisecond)
}
