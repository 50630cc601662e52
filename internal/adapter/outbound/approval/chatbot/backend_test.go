package chatbot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

func TestBackend_SubmitPostsCard(t *testing.T) {
	t.Parallel()
	posted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := New(Config{Platform: PlatformSlack, PostURL: srv.URL, ChatID: "C123"})
	req := approval.NewRequest("delete_file", nil, "rule1", "please approve", "sess1")
	if err := b.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !posted {
		t.Errorf("Submit() did not POST the approval card")
	}
}

func TestBackend_WaitForResponseResolvesOnRespond(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	req := approval.NewRequest("delete_file", nil, "rule1", "msg", "sess1")
	_ = b.Submit(context.Background(), req)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Respond(context.Background(), approval.Response{RequestID: req.RequestID, Approved: true, Responder: "bob"})
	}()

	resp, err := b.WaitForResponse(context.Background(), req.RequestID, time.Second)
	if err != nil {
		t.Fatalf("WaitForResponse() error = %v", err)
	}
	if !resp.Approved || resp.Responder != "bob" {
		t.Errorf("resp = %+v, want approved by bob", resp)
	}
}

func TestBackend_WaitForResponseTimesOut(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	req := approval.NewRequest("delete_file", nil, "rule1", "msg", "sess1")
	_ = b.Submit(context.Background(), req)

	_, err := b.WaitForResponse(context.Background(), req.RequestID, 30*time.Millisecond)
	if err == nil {
		t.Errorf("WaitForResponse() expected timeout error")
	}
}

func TestBackend_HealthRequiresPostURL(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	if h := b.Health(context.Background()); h.Healthy {
		t.Errorf("Health() = %+v, want unhealthy with no post URL", h)
	}
}

func TestBackend_Pending(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	req := approval.NewRequest("delete_file", nil, "rule1", "msg", "sess1")
	_ = b.Submit(context.Background(), req)

	pending, _ := b.Pending(context.Background())
	if len(pending) != 1 {
		t.Errorf("Pending() = %v, want 1 unresolved request", pending)
	}
}
