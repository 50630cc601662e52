package session

import (
	"context"
	"testing"
)

type fakeStore struct {
	states map[string]*State
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*State)}
}

func (f *fakeStore) Get(_ context.Context, id string) (*State, error) {
	s, ok := f.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (f *fakeStore) Mutate(_ context.Context, id string, fn func(*State)) (*State, error) {
	s, ok := f.states[id]
	if !ok {
		s = NewState(id, DefaultEventBufferSize)
		f.states[id] = s
	}
	fn(s)
	return s.Clone(), nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	delete(f.states, id)
	return nil
}

func (f *fakeStore) Sweep(_ context.Context) (int, error) { return 0, nil }
func (f *fakeStore) Size() int                            { return len(f.states) }

func TestManager_ClearTaintResetsPIIStateOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	mgr := NewManager(store, 0)

	if err := mgr.Increment(ctx, "s1", "read_file"); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if err := mgr.AddTaint(ctx, "s1", "EMAIL"); err != nil {
		t.Fatalf("AddTaint() error = %v", err)
	}
	if err := mgr.MarkTainted(ctx, "s1", "email detected"); err != nil {
		t.Fatalf("MarkTainted() error = %v", err)
	}

	if err := mgr.ClearTaint(ctx, "s1"); err != nil {
		t.Fatalf("ClearTaint() error = %v", err)
	}

	st, err := mgr.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if st.PIITainted {
		t.Error("PIITainted should be false after ClearTaint")
	}
	if len(st.Taints) != 0 {
		t.Errorf("Taints = %v, want empty", st.Taints)
	}
	if st.PIITaintReason != "" {
		t.Errorf("PIITaintReason = %q, want empty", st.PIITaintReason)
	}
	if st.ToolCounts["read_file"] != 1 {
		t.Errorf("ToolCounts[read_file] = %d, want 1 (ClearTaint must not touch counters)", st.ToolCounts["read_file"])
	}
}
