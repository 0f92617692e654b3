// Package tool implements the tool plugin framework (components C-G):
// the plugin contract, registry, per-tool rate limiter, executor
// pipeline with fallback chain, step orchestrator, and provider protocol
// adapters.
package tool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaygate/gateway/internal/toolcache"
)

// Metadata identifies a plugin.
type Metadata struct {
	Name    string
	Version string
	Enabled bool
}

// RateLimitConfig bounds concurrent/per-minute calls to one tool.
type RateLimitConfig struct {
	MaxConcurrent int
	MaxPerMinute  int
	Timeout       time.Duration
}

// ToolCacheConfig configures result caching for one tool.
type ToolCacheConfig struct {
	Enabled     bool
	TTL         time.Duration
	KeyStrategy toolcache.KeyStrategy
	KeyFunc     toolcache.KeyFunc
}

// BreakerConfig configures the circuit breaker guarding one tool.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenRequests int
}

// RetryConfig carries a plugin's retry settings. No code in this module
// reads it: the executor pipeline does not retry, and the orchestrator's
// OnFailureRetry re-runs a failed step once regardless of it.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// FallbackStrategy names one link of a fallback chain.
type FallbackStrategy string

const (
	FallbackCache      FallbackStrategy = "cache"
	FallbackStaleCache FallbackStrategy = "stale-cache"
	FallbackTool       FallbackStrategy = "fallback-tool"
	FallbackSimplified FallbackStrategy = "simplified"
	FallbackDefault    FallbackStrategy = "default"
)

// FallbackConfig configures a plugin's fallback chain.
type FallbackConfig struct {
	Strategies       []FallbackStrategy
	FallbackToolName string
	SimplifiedParams map[string]any
	DefaultResponse  *Result
	AllowStaleCache  bool
	FallbackTimeout  time.Duration
}

// Result is the outcome of a tool execution.
type Result struct {
	Success bool           `json:"success"`
	Output  any            `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Plugin is a tool that can be exposed to the LLM via function calling.
type Plugin interface {
	Metadata() Metadata
	Schema() json.RawMessage
	RateLimit() *RateLimitConfig
	Cache() *ToolCacheConfig
	Breaker() *BreakerConfig
	Retry() *RetryConfig
	Fallback() *FallbackConfig
	Validate(params map[string]any) error
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Initializer is optionally implemented by plugins that need one-time
// setup when registered.
type Initializer interface {
	OnInit() error
}

// Schema is the JSON-Schema-shaped description of a tool's parameters,
// attached to completion requests as the LLM function-calling surface.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
