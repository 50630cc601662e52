package ratelimit

import "context"

// Limiter is the storage-agnostic rate-limiting port. Implementations
// back it with an in-memory sliding window or a distributed store.
type Limiter interface {
	// Check reports whether a call to tool in sessionID is within every
	// configured limit that applies to it, without recording the call.
	Check(ctx context.Context, tool, sessionID string) (Result, error)

	// Record registers that a call happened, advancing the sliding
	// window for every config that applies to tool. Callers only invoke
	// this when the call is going to count — a BLOCK or APPROVE verdict
	// never reaches Record.
	Record(ctx context.Context, tool, sessionID string) error

	// Reset clears tracked state for sessionID, or every session when
	// sessionID is empty.
	Reset(ctx context.Context, sessionID string) error
}
