package sqlitestate

import (
	"context"
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/domain/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", time.Hour, 8)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "absent"); err != session.ErrNotFound {
		t.Errorf("Get() error = %v, want session.ErrNotFound", err)
	}
}

func TestStore_MutateCreatesAndPersists(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Mutate(ctx, "sess-1", func(st *session.State) {
		st.Increment("read_file")
		st.AddTaint("EMAIL")
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if got.TotalCalls != 1 || got.ToolCounts["read_file"] != 1 {
		t.Errorf("Mutate() counts = %+v, want total=1 read_file=1", got)
	}
	if !got.Taints["EMAIL"] {
		t.Errorf("Mutate() taints = %+v, want EMAIL present", got.Taints)
	}

	reloaded, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() after Mutate error = %v", err)
	}
	if reloaded.TotalCalls != 1 {
		t.Errorf("Get() after Mutate TotalCalls = %d, want 1", reloaded.TotalCalls)
	}
}

func TestStore_EventsRoundTripChronologically(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	_, err := s.Mutate(ctx, "sess-2", func(st *session.State) {
		st.Events.Add(session.Event{Timestamp: base, Tool: "a", Verdict: "ALLOW"})
		st.Events.Add(session.Event{Timestamp: base.Add(time.Second), Tool: "b", Verdict: "BLOCK"})
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	reloaded, err := s.Get(ctx, "sess-2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	count := reloaded.Events.CountSince("b", base, "BLOCK")
	if count != 1 {
		t.Errorf("CountSince(b, BLOCK) = %d, want 1", count)
	}
}

func TestStore_DeleteRemovesState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Mutate(ctx, "sess-3", func(st *session.State) { st.Increment("x") }); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if err := s.Delete(ctx, "sess-3"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "sess-3"); err != session.ErrNotFound {
		t.Errorf("Get() after Delete error = %v, want session.ErrNotFound", err)
	}
}

func TestStore_SweepRemovesIdleSessions(t *testing.T) {
	t.Parallel()
	s, err := Open(":memory:", time.Millisecond, 4)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	if _, err := s.Mutate(ctx, "sess-4", func(st *session.State) {}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() removed = %d, want 1", n)
	}
	if s.Size() != 0 {
		t.Errorf("Size() after Sweep = %d, want 0", s.Size())
	}
}
