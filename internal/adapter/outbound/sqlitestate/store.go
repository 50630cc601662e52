// Package sqlitestate provides a durable session.Store backed by
// SQLite, for deployments where session state (tool counts, PII
// taint, chain-rule event history) must survive a process restart.
// It keeps the in-memory store's per-session-lock concurrency shape;
// every Mutate round-trips through a JSON snapshot in a single table.
package sqlitestate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/policyshield/policyshield/internal/domain/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	data        TEXT NOT NULL,
	last_access INTEGER NOT NULL
);
`

// record is the JSON shape persisted per session. It mirrors
// session.State field-for-field, substituting EventBuffer's
// unexported ring-buffer storage for a plain chronological slice.
type record struct {
	ID             string          `json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccess     time.Time       `json:"last_access"`
	ToolCounts     map[string]int  `json:"tool_counts"`
	TotalCalls     int             `json:"total_calls"`
	Taints         map[string]bool `json:"taints"`
	PIITainted     bool            `json:"pii_tainted"`
	PIITaintReason string          `json:"pii_taint_reason"`
	Events         []session.Event `json:"events"`
}

// Store is a sqlite-backed session.Store.
type Store struct {
	db *sql.DB

	mapMu sync.RWMutex
	locks map[string]*sync.Mutex

	eventBufferSize int
	idleTTL         time.Duration
}

// Open creates (or attaches to) a SQLite database at path and ensures
// its schema exists. idleTTL governs Sweep; eventBufferSize bounds how
// much per-session chain-rule history is kept.
func Open(path string, idleTTL time.Duration, eventBufferSize int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestate: open %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes at the connection level;
	// a single connection avoids SQLITE_BUSY under concurrent Mutate
	// calls on different sessions rather than retrying around it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestate: create schema: %w", err)
	}
	return &Store{
		db:              db,
		locks:           make(map[string]*sync.Mutex),
		eventBufferSize: eventBufferSize,
		idleTTL:         idleTTL,
	}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mapMu.RLock()
	l, ok := s.locks[id]
	s.mapMu.RUnlock()
	if ok {
		return l
	}
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if l, ok = s.locks[id]; ok {
		return l
	}
	l = &sync.Mutex{}
	s.locks[id] = l
	return l
}

func (s *Store) load(ctx context.Context, id string) (*session.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestate: load %s: %w", id, err)
	}
	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("sqlitestate: decode %s: %w", id, err)
	}
	return rec.toState(s.eventBufferSize), nil
}

func (s *Store) save(ctx context.Context, st *session.State) error {
	data, err := json.Marshal(newRecord(st))
	if err != nil {
		return fmt.Errorf("sqlitestate: encode %s: %w", st.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, data, last_access) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, last_access = excluded.last_access
	`, st.ID, string(data), st.LastAccess.Unix())
	if err != nil {
		return fmt.Errorf("sqlitestate: save %s: %w", st.ID, err)
	}
	return nil
}

func newRecord(st *session.State) record {
	return record{
		ID:             st.ID,
		CreatedAt:      st.CreatedAt,
		LastAccess:     st.LastAccess,
		ToolCounts:     st.ToolCounts,
		TotalCalls:     st.TotalCalls,
		Taints:         st.Taints,
		PIITainted:     st.PIITainted,
		PIITaintReason: st.PIITaintReason,
		Events:         st.Events.Snapshot(),
	}
}

func (r record) toState(eventBufferSize int) *session.State {
	toolCounts := r.ToolCounts
	if toolCounts == nil {
		toolCounts = make(map[string]int)
	}
	taints := r.Taints
	if taints == nil {
		taints = make(map[string]bool)
	}
	return &session.State{
		ID:             r.ID,
		CreatedAt:      r.CreatedAt,
		LastAccess:     r.LastAccess,
		ToolCounts:     toolCounts,
		TotalCalls:     r.TotalCalls,
		Taints:         taints,
		PIITainted:     r.PIITainted,
		PIITaintReason: r.PIITaintReason,
		Events:         session.RestoreEventBuffer(eventBufferSize, r.Events),
	}
}

// Get returns a copy of the session's persisted state.
func (s *Store) Get(ctx context.Context, id string) (*session.State, error) {
	st, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Mutate loads (or creates) the session under its own lock, applies
// fn, persists the result, and returns a copy.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*session.State)) (*session.State, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.load(ctx, id)
	if err == session.ErrNotFound {
		st = session.NewState(id, s.eventBufferSize)
	} else if err != nil {
		return nil, err
	}

	st.LastAccess = time.Now().UTC()
	fn(st)
	if err := s.save(ctx, st); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Delete removes a session's persisted state.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mapMu.Lock()
	delete(s.locks, id)
	s.mapMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlitestate: delete %s: %w", id, err)
	}
	return nil
}

// Sweep removes sessions idle past idleTTL.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.idleTTL).Unix()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE last_access < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlitestate: sweep query: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlitestate: sweep scan: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sqlitestate: sweep rows: %w", err)
	}

	for _, id := range stale {
		if err := s.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Size returns the number of tracked sessions.
func (s *Store) Size() int {
	var n int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n
}

var _ session.Store = (*Store)(nil)
