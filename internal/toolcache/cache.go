// Package toolcache implements the tool-result TTL cache (part of
// component D): entries survive past expiry for a grace window so the
// fallback chain can serve stale-but-recent results when a tool is
// failing.
package toolcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// KeyStrategy names how a cache key is derived for a tool call.
type KeyStrategy string

const (
	// StrategyParamsHash hashes the tool name and a canonical encoding of
	// params; identical calls by any user share a cache entry.
	StrategyParamsHash KeyStrategy = "params-hash"
	// StrategyUserScoped additionally mixes in the calling user ID.
	StrategyUserScoped KeyStrategy = "user-scoped"
	// StrategyCustom defers entirely to a caller-supplied KeyFunc.
	StrategyCustom KeyStrategy = "custom"
)

// KeyFunc computes a cache key for a custom strategy.
type KeyFunc func(tool string, params map[string]any, userID string) string

// Key computes the cache key for tool/params/userID under strategy. keyFn
// is only consulted when strategy is StrategyCustom.
func Key(strategy KeyStrategy, tool string, params map[string]any, userID string, keyFn KeyFunc) string {
	switch strategy {
	case StrategyCustom:
		if keyFn != nil {
			return keyFn(tool, params, userID)
		}
		fallthrough
	case StrategyUserScoped:
		return tool + ":" + userID + ":" + hashParams(params)
	default: // StrategyParamsHash
		return tool + ":" + hashParams(params)
	}
}

func hashParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	canonical := make(map[string]any, len(params))
	for _, k := range keys {
		canonical[k] = params[k]
	}
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type entry struct {
	value      any
	expiresAt  time.Time
	staleUntil time.Time
}

// Config configures a Cache.
type Config struct {
	DefaultTTL  time.Duration
	StaleWindow time.Duration // how long past expiry getStale still serves an entry
}

func (c *Config) setDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.StaleWindow <= 0 {
		c.StaleWindow = 30 * time.Minute
	}
}

// Cache is a TTL cache of tool results with a stale-serving grace window.
type Cache struct {
	cfg     Config
	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	cfg.setDefaults()
	return &Cache{cfg: cfg, entries: make(map[string]*entry)}
}

// Get returns a fresh (non-expired) value for key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// GetStale returns key's value even if expired, as long as it is within
// the stale window. Used only by the fallback chain.
func (c *Cache) GetStale(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.staleUntil) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the cache's default TTL. Callers must
// only call Set after a successful tool execution, never after a failure.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.cfg.DefaultTTL)
}

// SetWithTTL stores value under key with a custom TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{
		value:      value,
		expiresAt:  now.Add(ttl),
		staleUntil: now.Add(ttl).Add(c.cfg.StaleWindow),
	}
}

// Delete removes key unconditionally.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Cleanup removes entries whose stale window has also elapsed, returning
// the number removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.staleUntil) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
