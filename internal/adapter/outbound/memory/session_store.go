package memory

import (
	"context"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/session"
)

// DefaultSessionIdleTTL matches the reference engine's idle eviction window.
const DefaultSessionIdleTTL = 30 * time.Minute

type sessionEntry struct {
	mu    sync.Mutex
	state *session.State
}

// SessionStore is an in-memory session.Store keyed by session id. A
// per-session mutex (guarded by an outer map mutex for the entries
// map itself) serializes concurrent Mutate calls on the same session
// without blocking unrelated sessions, per the reference engine's
// "per-session locks for mutation" requirement.
type SessionStore struct {
	mapMu   sync.RWMutex
	entries map[string]*sessionEntry

	eventBufferSize int
	idleTTL         time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewSessionStore creates a store with the default idle TTL and event
// buffer size.
func NewSessionStore() *SessionStore {
	return NewSessionStoreWithConfig(DefaultSessionIdleTTL, session.DefaultEventBufferSize)
}

// NewSessionStoreWithConfig creates a store with custom idle TTL and
// per-session event buffer capacity.
func NewSessionStoreWithConfig(idleTTL time.Duration, eventBufferSize int) *SessionStore {
	return &SessionStore{
		entries:         make(map[string]*sessionEntry),
		idleTTL:         idleTTL,
		eventBufferSize: eventBufferSize,
		stopChan:        make(chan struct{}),
	}
}

// StartSweep starts a background goroutine that calls Sweep on
// sweepInterval, stopping when ctx is cancelled or Stop is called.
func (s *SessionStore) StartSweep(ctx context.Context, sweepInterval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				_, _ = s.Sweep(ctx)
			}
		}
	}()
}

// Stop gracefully stops the sweep goroutine. Safe to call multiple times.
func (s *SessionStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *SessionStore) entry(id string, create bool) (*sessionEntry, bool) {
	s.mapMu.RLock()
	e, ok := s.entries[id]
	s.mapMu.RUnlock()
	if ok || !create {
		return e, ok
	}

	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if e, ok = s.entries[id]; ok {
		return e, true
	}
	e = &sessionEntry{state: session.NewState(id, s.eventBufferSize)}
	s.entries[id] = e
	return e, false
}

// Get returns a copy of the session's state.
func (s *SessionStore) Get(_ context.Context, id string) (*session.State, error) {
	e, ok := s.entry(id, false)
	if !ok {
		return nil, session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// Mutate loads (or creates) the session under its own lock, applies
// fn, and returns a copy of the result.
func (s *SessionStore) Mutate(_ context.Context, id string, fn func(*session.State)) (*session.State, error) {
	e, _ := s.entry(id, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.LastAccess = time.Now().UTC()
	fn(e.state)
	return e.state.Clone(), nil
}

// Delete removes a session's tracked state.
func (s *SessionStore) Delete(_ context.Context, id string) error {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	delete(s.entries, id)
	return nil
}

// Sweep removes sessions idle past idleTTL.
func (s *SessionStore) Sweep(_ context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.idleTTL)

	s.mapMu.RLock()
	stale := make([]string, 0)
	for id, e := range s.entries {
		e.mu.Lock()
		if e.state.LastAccess.Before(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	s.mapMu.RUnlock()

	if len(stale) == 0 {
		return 0, nil
	}

	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	removed := 0
	for _, id := range stale {
		if e, ok := s.entries[id]; ok {
			e.mu.Lock()
			expired := e.state.LastAccess.Before(cutoff)
			e.mu.Unlock()
			if expired {
				delete(s.entries, id)
				removed++
			}
		}
	}
	return removed, nil
}

// Size returns the number of tracked sessions.
func (s *SessionStore) Size() int {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	return len(s.entries)
}

var _ session.Store = (*SessionStore)(nil)
