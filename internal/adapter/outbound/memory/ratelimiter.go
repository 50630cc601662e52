// Package memory provides in-memory implementations of outbound ports:
// rate limiting, session storage, and approval queuing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/ratelimit"
)

const globalSessionKey = "__global__"

type windowKey struct {
	tool    string
	session string
}

// RateLimiter is a sliding-window rate limiter keyed by (tool, session)
// or (tool, "__global__") for non-per-session configs, with an
// optional adaptive burst/cooldown narrowing isolated per session.
// Thread-safe; includes background cleanup of idle keys.
type RateLimiter struct {
	mu            sync.Mutex
	configs       []ratelimit.Config
	windows       map[windowKey][]time.Time
	cooldownUntil map[windowKey]time.Time
	lastSeen      map[windowKey]time.Time

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxIdle         time.Duration
}

// NewRateLimiter creates a limiter with default idle-cleanup settings
// (5 minute sweep, 1 hour max idle), matching the teacher's defaults.
func NewRateLimiter(configs []ratelimit.Config) *RateLimiter {
	return NewRateLimiterWithCleanup(configs, 5*time.Minute, time.Hour)
}

// NewRateLimiterWithCleanup creates a limiter with custom cleanup settings.
func NewRateLimiterWithCleanup(configs []ratelimit.Config, cleanupInterval, maxIdle time.Duration) *RateLimiter {
	return &RateLimiter{
		configs:         configs,
		windows:         make(map[windowKey][]time.Time),
		cooldownUntil:   make(map[windowKey]time.Time),
		lastSeen:        make(map[windowKey]time.Time),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxIdle:         maxIdle,
	}
}

func keyFor(cfg ratelimit.Config, sessionID string) windowKey {
	session := globalSessionKey
	if cfg.PerSession {
		session = sessionID
	}
	return windowKey{tool: cfg.Tool, session: session}
}

func matches(cfg ratelimit.Config, tool string) bool {
	return cfg.Tool == "*" || cfg.Tool == tool
}

// trim drops timestamps outside the window and returns the remaining count.
// Caller must hold r.mu.
func (r *RateLimiter) trim(k windowKey, now time.Time, window time.Duration) int {
	ts := r.windows[k]
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.windows[k] = kept
	return len(kept)
}

// Check reports whether tool is within every configured limit for
// sessionID, without recording a call.
func (r *RateLimiter) Check(_ context.Context, tool, sessionID string) (ratelimit.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, cfg := range r.configs {
		if !matches(cfg, tool) {
			continue
		}
		k := keyFor(cfg, sessionID)
		window := time.Duration(cfg.WindowSeconds * float64(time.Second))
		count := r.trim(k, now, window)

		limit := cfg.MaxCalls
		if cfg.Adaptive != nil && cfg.PerSession {
			if until, ok := r.cooldownUntil[k]; ok && now.Before(until) {
				limit = halve(cfg.MaxCalls)
			}
		}

		if count >= limit {
			return ratelimit.Result{
				Allowed:       false,
				Tool:          tool,
				Limit:         limit,
				WindowSeconds: cfg.WindowSeconds,
				CurrentCount:  count,
				Message:       cfg.Message,
			}, nil
		}
	}
	return ratelimit.Result{Allowed: true, Tool: tool}, nil
}

func halve(n int) int {
	h := n / 2
	if h < 1 {
		return 1
	}
	return h
}

// Record advances the sliding window for every config matching tool,
// and arms the adaptive cooldown when a session bursts past threshold.
func (r *RateLimiter) Record(_ context.Context, tool, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, cfg := range r.configs {
		if !matches(cfg, tool) {
			continue
		}
		k := keyFor(cfg, sessionID)
		window := time.Duration(cfg.WindowSeconds * float64(time.Second))
		r.trim(k, now, window)
		r.windows[k] = append(r.windows[k], now)
		r.lastSeen[k] = now

		if cfg.Adaptive != nil && cfg.PerSession {
			if len(r.windows[k]) > cfg.Adaptive.BurstThreshold {
				r.cooldownUntil[k] = now.Add(time.Duration(cfg.Adaptive.CooldownSeconds * float64(time.Second)))
			}
		}
	}
	return nil
}

// Reset clears tracked state for sessionID, or everything when sessionID is empty.
func (r *RateLimiter) Reset(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionID == "" {
		r.windows = make(map[windowKey][]time.Time)
		r.cooldownUntil = make(map[windowKey]time.Time)
		r.lastSeen = make(map[windowKey]time.Time)
		return nil
	}
	for k := range r.windows {
		if k.session == sessionID {
			delete(r.windows, k)
			delete(r.cooldownUntil, k)
			delete(r.lastSeen, k)
		}
	}
	return nil
}

// StartCleanup starts the background sweep of idle keys. Stops when ctx
// is cancelled or Stop is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.maxIdle)
	for k, seen := range r.lastSeen {
		if seen.Before(cutoff) {
			delete(r.windows, k)
			delete(r.cooldownUntil, k)
			delete(r.lastSeen, k)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the number of tracked (tool, session) windows.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)
