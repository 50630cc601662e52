package session

import (
	"testing"
	"time"
)

func TestEventBuffer_CountSince(t *testing.T) {
	t.Parallel()

	buf := NewEventBuffer(10)
	now := time.Now()
	buf.Add(Event{Timestamp: now.Add(-5 * time.Second), Tool: "delete_file", Verdict: "ALLOW"})
	buf.Add(Event{Timestamp: now.Add(-2 * time.Second), Tool: "delete_file", Verdict: "ALLOW"})
	buf.Add(Event{Timestamp: now.Add(-1 * time.Second), Tool: "read_file", Verdict: "ALLOW"})

	got := buf.CountSince("delete_file", now.Add(-10*time.Second), "ALLOW")
	if got != 2 {
		t.Errorf("CountSince(delete_file) = %d, want 2", got)
	}

	got = buf.CountSince("delete_file", now.Add(-3*time.Second), "ALLOW")
	if got != 1 {
		t.Errorf("CountSince within 3s = %d, want 1", got)
	}

	got = buf.CountSince("delete_file", now.Add(-10*time.Second), "BLOCK")
	if got != 0 {
		t.Errorf("CountSince with verdict filter BLOCK = %d, want 0", got)
	}
}

func TestEventBuffer_OverflowDropsOldest(t *testing.T) {
	t.Parallel()

	buf := NewEventBuffer(2)
	now := time.Now()
	buf.Add(Event{Timestamp: now.Add(-3 * time.Second), Tool: "a", Verdict: "ALLOW"})
	buf.Add(Event{Timestamp: now.Add(-2 * time.Second), Tool: "b", Verdict: "ALLOW"})
	buf.Add(Event{Timestamp: now.Add(-1 * time.Second), Tool: "c", Verdict: "ALLOW"})

	if buf.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", buf.Len())
	}
	if got := buf.CountSince("a", now.Add(-10*time.Second), ""); got != 0 {
		t.Errorf("oldest event 'a' should have been evicted, CountSince = %d", got)
	}
	if got := buf.CountSince("c", now.Add(-10*time.Second), ""); got != 1 {
		t.Errorf("CountSince(c) = %d, want 1", got)
	}
}

func TestEventBuffer_FindRecentNewestFirst(t *testing.T) {
	t.Parallel()

	buf := NewEventBuffer(10)
	now := time.Now()
	buf.Add(Event{Timestamp: now.Add(-3 * time.Second), Tool: "t", Verdict: "ALLOW"})
	buf.Add(Event{Timestamp: now.Add(-1 * time.Second), Tool: "t", Verdict: "BLOCK"})

	events := buf.FindRecent("t", 10*time.Second, "", now)
	if len(events) != 2 {
		t.Fatalf("FindRecent() returned %d events, want 2", len(events))
	}
	if events[0].Verdict != "BLOCK" {
		t.Errorf("events[0].Verdict = %q, want BLOCK (newest first)", events[0].Verdict)
	}
}

func TestState_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	st := NewState("s1", 4)
	st.Increment("tool_a")
	st.AddTaint("EMAIL")

	clone := st.Clone()
	clone.Increment("tool_a")
	clone.AddTaint("SSN")

	if st.ToolCounts["tool_a"] != 1 {
		t.Errorf("original ToolCounts[tool_a] = %d, want 1 (unaffected by clone mutation)", st.ToolCounts["tool_a"])
	}
	if st.Taints["SSN"] {
		t.Errorf("original Taints should not contain SSN added only to the clone")
	}
}

func TestState_AsMapReflectsCounters(t *testing.T) {
	t.Parallel()

	st := NewState("s1", 4)
	st.Increment("delete_file")
	st.Increment("delete_file")
	st.MarkTainted("matched EMAIL")

	m := st.AsMap()
	if m["tool_count.delete_file"] != 2 {
		t.Errorf("tool_count.delete_file = %v, want 2", m["tool_count.delete_file"])
	}
	if m["pii_tainted"] != true {
		t.Errorf("pii_tainted = %v, want true", m["pii_tainted"])
	}
}
