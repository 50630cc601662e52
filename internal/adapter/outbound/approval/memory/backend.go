// Package memory implements an in-process approval.Backend: requests
// queue in memory and WaitForResponse blocks on a per-request channel
// until a human calls Respond, a timeout fires, or the caller's
// context is cancelled.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

// DefaultMaxPending bounds the number of requests held at once; the
// oldest is auto-denied (FIFO eviction) once the bound is reached.
const DefaultMaxPending = 100

type pendingEntry struct {
	req    approval.Request
	status string // "pending", "approved", "denied"
	result chan approval.Response
}

// Backend is an in-memory approval.Backend.
type Backend struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	order   []string
	maxSize int
}

// New creates a Backend. maxSize <= 0 uses DefaultMaxPending.
func New(maxSize int) *Backend {
	if maxSize <= 0 {
		maxSize = DefaultMaxPending
	}
	return &Backend{
		pending: make(map[string]*pendingEntry),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
	}
}

// Submit enqueues req. If the backend is at capacity the oldest
// pending request is evicted and resolved as denied.
func (b *Backend) Submit(_ context.Context, req approval.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.order) >= b.maxSize {
		oldID := b.order[0]
		b.order = b.order[1:]
		if old, ok := b.pending[oldID]; ok {
			old.status = "denied"
			select {
			case old.result <- approval.Response{RequestID: oldID, Approved: false, Comment: "evicted: approval queue at capacity", Timestamp: time.Now().UTC()}:
			default:
			}
			delete(b.pending, oldID)
		}
	}

	b.pending[req.RequestID] = &pendingEntry{
		req:    req,
		status: "pending",
		result: make(chan approval.Response, 1),
	}
	b.order = append(b.order, req.RequestID)
	return nil
}

// WaitForResponse blocks until requestID resolves, timeout elapses, or
// ctx is cancelled.
func (b *Backend) WaitForResponse(ctx context.Context, requestID string, timeout time.Duration) (*approval.Response, error) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("approval/memory: request %s not found", requestID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.result:
		b.remove(requestID)
		return &resp, nil
	case <-timer.C:
		b.remove(requestID)
		return nil, fmt.Errorf("approval/memory: request %s timed out after %s", requestID, timeout)
	case <-ctx.Done():
		b.remove(requestID)
		return nil, ctx.Err()
	}
}

// Respond resolves a pending request with a human decision. The first
// response wins; a later one for an already-resolved request is dropped.
func (b *Backend) Respond(_ context.Context, resp approval.Response) error {
	b.mu.Lock()
	entry, ok := b.pending[resp.RequestID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval/memory: request %s not found", resp.RequestID)
	}

	b.mu.Lock()
	if entry.status != "pending" {
		b.mu.Unlock()
		return nil
	}
	if resp.Approved {
		entry.status = "approved"
	} else {
		entry.status = "denied"
	}
	b.mu.Unlock()

	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	select {
	case entry.result <- resp:
	default:
	}
	return nil
}

// Pending lists requests still awaiting a decision, oldest first.
func (b *Backend) Pending(_ context.Context) ([]approval.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reqs := make([]approval.Request, 0, len(b.order))
	for _, id := range b.order {
		if e, ok := b.pending[id]; ok && e.status == "pending" {
			reqs = append(reqs, e.req)
		}
	}
	return reqs, nil
}

// Health always reports healthy — the in-memory backend has no
// external dependency to fail.
func (b *Backend) Health(_ context.Context) approval.Health {
	return approval.Health{Healthy: true}
}

func (b *Backend) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

var _ approval.Backend = (*Backend)(nil)
