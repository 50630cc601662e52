package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID creates a cryptographically random session identifier:
// 64 hex characters from 32 bytes of crypto/rand, matching the
// teacher's GenerateSessionID convention.
func GenerateID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Manager is the engine-facing façade over a Store: it knows how to
// create, look up, and mutate sessions without callers touching
// locking details directly.
type Manager struct {
	store           Store
	eventBufferSize int
}

// NewManager wraps store. eventBufferSize of 0 uses DefaultEventBufferSize.
func NewManager(store Store, eventBufferSize int) *Manager {
	if eventBufferSize <= 0 {
		eventBufferSize = DefaultEventBufferSize
	}
	return &Manager{store: store, eventBufferSize: eventBufferSize}
}

// Snapshot returns a read-only copy of the session's state for
// condition evaluation, creating it first if it doesn't yet exist.
func (m *Manager) Snapshot(ctx context.Context, id string) (*State, error) {
	st, err := m.store.Get(ctx, id)
	if err == nil {
		return st, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	return m.store.Mutate(ctx, id, func(s *State) {
		if s.Events == nil {
			s.Events = NewEventBuffer(m.eventBufferSize)
		}
	})
}

// Increment bumps tool_counts[tool] and total_calls for the session.
func (m *Manager) Increment(ctx context.Context, id, tool string) error {
	_, err := m.store.Mutate(ctx, id, func(s *State) {
		s.Increment(tool)
	})
	return err
}

// AddTaint records PII-type propagation into the session.
func (m *Manager) AddTaint(ctx context.Context, id, piiType string) error {
	_, err := m.store.Mutate(ctx, id, func(s *State) {
		s.AddTaint(piiType)
	})
	return err
}

// MarkTainted flags the session pii_tainted with reason.
func (m *Manager) MarkTainted(ctx context.Context, id, reason string) error {
	_, err := m.store.Mutate(ctx, id, func(s *State) {
		s.MarkTainted(reason)
	})
	return err
}

// ClearTaint resets a session's PII taint state, leaving its call
// counters and event history untouched.
func (m *Manager) ClearTaint(ctx context.Context, id string) error {
	_, err := m.store.Mutate(ctx, id, func(s *State) {
		s.Taints = make(map[string]bool)
		s.PIITainted = false
		s.PIITaintReason = ""
	})
	return err
}

// RecordEvent appends (now, tool, verdict) to the session's event buffer.
func (m *Manager) RecordEvent(ctx context.Context, id, tool, verdict string) error {
	_, err := m.store.Mutate(ctx, id, func(s *State) {
		if s.Events == nil {
			s.Events = NewEventBuffer(m.eventBufferSize)
		}
		s.Events.Add(Event{Timestamp: time.Now(), Tool: tool, Verdict: verdict})
	})
	return err
}

// Delete removes a session's tracked state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Sweep removes idle sessions past the store's configured TTL.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.store.Sweep(ctx)
}
