package approval

import (
	"strings"
	"sync"
)

// globalScope is the session key PER_RULE entries are cached under,
// making them visible across every session.
const globalScope = "__global__"

// Cache remembers approval decisions so a Strategy other than Once
// doesn't re-prompt a human for every matching call. Keys are scoped by
// Strategy exactly as the reference engine's approval cache does:
//
//	PerSession: "{session_id}:{rule_id}"
//	PerRule:    "__global__:{rule_id}"
//	PerTool:    "{session_id}:{tool_name}"
//	Once:       never cached — Get/Put are no-ops.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Response
}

// NewCache returns an empty approval cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Response)}
}

// Key computes the cache key for a decision under strategy, or "" if
// strategy never caches (StrategyOnce or unrecognized).
func Key(strategy Strategy, sessionID, ruleID, tool string) string {
	switch strategy {
	case StrategyPerSession:
		return sessionID + ":" + ruleID
	case StrategyPerRule:
		return globalScope + ":" + ruleID
	case StrategyPerTool:
		return sessionID + ":" + tool
	default:
		return ""
	}
}

// Get returns a previously cached decision for the given scope, if any.
func (c *Cache) Get(strategy Strategy, sessionID, ruleID, tool string) (Response, bool) {
	key := Key(strategy, sessionID, ruleID, tool)
	if key == "" {
		return Response{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.entries[key]
	return resp, ok
}

// Put stores a decision under the scope strategy dictates. A no-op for
// StrategyOnce.
func (c *Cache) Put(strategy Strategy, sessionID, ruleID, tool string, resp Response) {
	key := Key(strategy, sessionID, ruleID, tool)
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = resp
}

// Clear removes every cache entry scoped to sessionID, preserving
// PER_RULE ("__global__:"-prefixed) entries — those are cleared only
// by ClearGlobal.
func (c *Cache) Clear(sessionID string) {
	prefix := sessionID + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, globalScope+":") {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// ClearGlobal removes only PER_RULE ("__global__:"-prefixed) entries.
func (c *Cache) ClearGlobal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, globalScope+":") {
			delete(c.entries, key)
		}
	}
}

// Size returns the number of cached entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
