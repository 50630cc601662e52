package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/domain/ratelimit"
	"go.uber.org/goleak"
)

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rl := NewRateLimiter([]ratelimit.Config{
		{Tool: "web_fetch", MaxCalls: 3, WindowSeconds: 60, PerSession: true},
	})

	for i := 0; i < 3; i++ {
		res, err := rl.Check(ctx, "web_fetch", "s1")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: Allowed = false, want true", i)
		}
		if err := rl.Record(ctx, "web_fetch", "s1"); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	res, err := rl.Check(ctx, "web_fetch", "s1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed {
		t.Errorf("4th call: Allowed = true, want false after exhausting max_calls=3")
	}
	if res.CurrentCount != 3 {
		t.Errorf("CurrentCount = %d, want 3", res.CurrentCount)
	}
}

func TestRateLimiter_PerSessionIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rl := NewRateLimiter([]ratelimit.Config{
		{Tool: "*", MaxCalls: 1, WindowSeconds: 60, PerSession: true},
	})

	if err := rl.Record(ctx, "any_tool", "session-a"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	resA, _ := rl.Check(ctx, "any_tool", "session-a")
	if resA.Allowed {
		t.Errorf("session-a: Allowed = true, want false (exhausted)")
	}
	resB, _ := rl.Check(ctx, "any_tool", "session-b")
	if !resB.Allowed {
		t.Errorf("session-b: Allowed = false, want true (isolated from session-a)")
	}
}

func TestRateLimiter_GlobalConfigSharedAcrossSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rl := NewRateLimiter([]ratelimit.Config{
		{Tool: "shared", MaxCalls: 1, WindowSeconds: 60, PerSession: false},
	})

	if err := rl.Record(ctx, "shared", "session-a"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	res, _ := rl.Check(ctx, "shared", "session-b")
	if res.Allowed {
		t.Errorf("Allowed = true, want false (global limit exhausted by another session)")
	}
}

func TestRateLimiter_WindowSlidesOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rl := NewRateLimiter([]ratelimit.Config{
		{Tool: "t", MaxCalls: 1, WindowSeconds: 0.05, PerSession: true},
	})

	_ = rl.Record(ctx, "t", "s1")
	res, _ := rl.Check(ctx, "t", "s1")
	if res.Allowed {
		t.Fatalf("Allowed = true immediately after recording, want false")
	}

	time.Sleep(80 * time.Millisecond)
	res, _ = rl.Check(ctx, "t", "s1")
	if !res.Allowed {
		t.Errorf("Allowed = false after window elapsed, want true")
	}
}

func TestRateLimiter_AdaptiveBurstHalvesLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rl := NewRateLimiter([]ratelimit.Config{
		{
			Tool:          "t",
			MaxCalls:      10,
			WindowSeconds: 60,
			PerSession:    true,
			Adaptive:      &ratelimit.AdaptiveConfig{BurstThreshold: 2, CooldownSeconds: 60},
		},
	})

	for i := 0; i < 3; i++ {
		_ = rl.Record(ctx, "t", "s1")
	}

	res, _ := rl.Check(ctx, "t", "s1")
	if res.Limit != 5 {
		t.Errorf("Limit = %d, want 5 (half of max_calls=10 during cooldown)", res.Limit)
	}
}

func TestRateLimiter_AdaptiveCooldownIsolatedPerSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rl := NewRateLimiter([]ratelimit.Config{
		{
			Tool:          "t",
			MaxCalls:      10,
			WindowSeconds: 60,
			PerSession:    true,
			Adaptive:      &ratelimit.AdaptiveConfig{BurstThreshold: 2, CooldownSeconds: 60},
		},
	})

	for i := 0; i < 3; i++ {
		_ = rl.Record(ctx, "t", "bursty-session")
	}

	res, _ := rl.Check(ctx, "t", "calm-session")
	if res.Limit != 0 && res.Limit != 10 {
		t.Errorf("calm-session Limit = %d, want unaffected (10 or zero-value)", res.Limit)
	}
}

func TestRateLimiter_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rl := NewRateLimiter([]ratelimit.Config{
		{Tool: "t", MaxCalls: 1, WindowSeconds: 60, PerSession: true},
	})

	_ = rl.Record(ctx, "t", "s1")
	if err := rl.Reset(ctx, "s1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	res, _ := rl.Check(ctx, "t", "s1")
	if !res.Allowed {
		t.Errorf("Allowed = false after Reset, want true")
	}
}

func TestRateLimiter_WildcardToolAppliesToEveryCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rl := NewRateLimiter([]ratelimit.Config{
		{Tool: "*", MaxCalls: 1, WindowSeconds: 60, PerSession: true},
	})

	_ = rl.Record(ctx, "tool_a", "s1")
	res, _ := rl.Check(ctx, "tool_b", "s1")
	if res.Allowed {
		t.Errorf("Allowed = true for tool_b, want false (wildcard config shared across tools for this session)")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiterWithCleanup(nil, 20*time.Millisecond, 40*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl.StartCleanup(ctx)
	defer rl.Stop()

	rl.configs = []ratelimit.Config{{Tool: "t", MaxCalls: 5, WindowSeconds: 60, PerSession: true}}
	_ = rl.Record(ctx, "t", "s1")

	if rl.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", rl.Size())
	}

	time.Sleep(150 * time.Millisecond)

	if got := rl.Size(); got != 0 {
		t.Errorf("Size() = %d after cleanup, want 0", got)
	}
}

func TestRateLimiterNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiterWithCleanup(nil, 20*time.Millisecond, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	rl.StartCleanup(ctx)

	cancel()
	rl.Stop()
}

func TestRateLimiterStopMultipleCalls(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiterWithCleanup(nil, 50*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl.StartCleanup(ctx)
	rl.Stop()
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rl := NewRateLimiter([]ratelimit.Config{
		{Tool: "t", MaxCalls: 1000, WindowSeconds: 60, PerSession: true},
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rl.Check(ctx, "t", "shared-session")
			_ = rl.Record(ctx, "t", "shared-session")
		}()
	}
	wg.Wait()
}
