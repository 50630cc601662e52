// Package redis provides distributed, redis-backed implementations of
// outbound ports for deployments that share state across processes.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/policyshield/policyshield/internal/domain/ratelimit"
)

const keyPrefix = "policyshield:ratelimit:"

// RateLimiter implements ratelimit.Limiter on top of Redis sorted sets:
// one ZSET per (tool, session) key, scored by call timestamp, trimmed
// to the window on every Check/Record so the window never grows
// unbounded even without a separate sweep.
type RateLimiter struct {
	client  *redis.Client
	configs []ratelimit.Config
}

// NewRateLimiter wraps an existing redis client with the configured
// rate limit rules.
func NewRateLimiter(client *redis.Client, configs []ratelimit.Config) *RateLimiter {
	return &RateLimiter{client: client, configs: configs}
}

func zsetKey(tool, session string) string {
	return keyPrefix + tool + ":" + session
}

func sessionFor(cfg ratelimit.Config, sessionID string) string {
	if cfg.PerSession {
		return sessionID
	}
	return "__global__"
}

func matches(cfg ratelimit.Config, tool string) bool {
	return cfg.Tool == "*" || cfg.Tool == tool
}

func cooldownKey(tool, session string) string {
	return keyPrefix + "cooldown:" + tool + ":" + session
}

// Check reports whether tool is within every configured limit for
// sessionID. It trims expired entries as a side effect but does not
// add a new one — only Record does that.
func (r *RateLimiter) Check(ctx context.Context, tool, sessionID string) (ratelimit.Result, error) {
	now := time.Now()
	for _, cfg := range r.configs {
		if !matches(cfg, tool) {
			continue
		}
		session := sessionFor(cfg, sessionID)
		key := zsetKey(cfg.Tool, session)
		window := time.Duration(cfg.WindowSeconds * float64(time.Second))
		cutoff := now.Add(-window)

		if err := r.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff.UnixNano())).Err(); err != nil {
			return ratelimit.Result{}, fmt.Errorf("redis ratelimit: trim window: %w", err)
		}
		count, err := r.client.ZCard(ctx, key).Result()
		if err != nil {
			return ratelimit.Result{}, fmt.Errorf("redis ratelimit: count window: %w", err)
		}

		limit := cfg.MaxCalls
		if cfg.Adaptive != nil && cfg.PerSession {
			until, err := r.client.Get(ctx, cooldownKey(cfg.Tool, session)).Int64()
			if err == nil && now.UnixNano() < until {
				limit = halve(cfg.MaxCalls)
			} else if err != nil && err != redis.Nil {
				return ratelimit.Result{}, fmt.Errorf("redis ratelimit: read cooldown: %w", err)
			}
		}

		if int(count) >= limit {
			return ratelimit.Result{
				Allowed:       false,
				Tool:          tool,
				Limit:         limit,
				WindowSeconds: cfg.WindowSeconds,
				CurrentCount:  int(count),
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

// Record adds the current call to every matching config's window, and
// arms the adaptive cooldown key when a session bursts past threshold.
func (r *RateLimiter) Record(ctx context.Context, tool, sessionID string) error {
	now := time.Now()
	for _, cfg := range r.configs {
		if !matches(cfg, tool) {
			continue
		}
		session := sessionFor(cfg, sessionID)
		key := zsetKey(cfg.Tool, session)
		window := time.Duration(cfg.WindowSeconds * float64(time.Second))

		member := fmt.Sprintf("%d-%s", now.UnixNano(), sessionID)
		if err := r.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
			return fmt.Errorf("redis ratelimit: record call: %w", err)
		}
		r.client.Expire(ctx, key, window+time.Minute)

		if cfg.Adaptive != nil && cfg.PerSession {
			count, err := r.client.ZCard(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("redis ratelimit: count after record: %w", err)
			}
			if int(count) > cfg.Adaptive.BurstThreshold {
				cooldown := time.Duration(cfg.Adaptive.CooldownSeconds * float64(time.Second))
				until := now.Add(cooldown).UnixNano()
				r.client.Set(ctx, cooldownKey(cfg.Tool, session), until, cooldown)
			}
		}
	}
	return nil
}

// Reset deletes tracked windows for sessionID, or every tracked key
// this process knows about (by config) when sessionID is empty.
func (r *RateLimiter) Reset(ctx context.Context, sessionID string) error {
	if sessionID != "" {
		var keys []string
		for _, cfg := range r.configs {
			session := sessionFor(cfg, sessionID)
			keys = append(keys, zsetKey(cfg.Tool, session), cooldownKey(cfg.Tool, session))
		}
		if len(keys) == 0 {
			return nil
		}
		return r.client.Del(ctx, keys...).Err()
	}

	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis ratelimit: scan for reset: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)
