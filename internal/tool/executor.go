package tool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaygate/gateway/internal/breaker"
	"github.com/relaygate/gateway/internal/event"
	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/toolcache"
	"github.com/relaygate/gateway/pkg/types"
)

// ExecuteOptions customizes one executor pass.
type ExecuteOptions struct {
	SkipCache      bool
	SkipRateLimit  bool
	Timeout        time.Duration
	UserID         string
	ConversationID string
	RequestID      string
	Timestamp      time.Time
}

// ExecutionResult is the outcome of Executor.Execute.
type ExecutionResult struct {
	Result     *Result
	FromCache  bool
	Degraded   bool
	DegradedBy FallbackStrategy
	Duration   time.Duration
	Err        error
}

type toolMetrics struct {
	totalCalls int64
}

// Executor runs the 4.F tool execution pipeline in front of the
// registry, cache, breakers, and per-tool rate limiter.
type Executor struct {
	registry *Registry
	cache    *toolcache.Cache
	limiter  *RateLimiter

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
	metrics  map[string]*toolMetrics
}

// NewExecutor constructs an Executor.
func NewExecutor(registry *Registry, cache *toolcache.Cache, limiter *RateLimiter) *Executor {
	return &Executor{
		registry: registry,
		cache:    cache,
		limiter:  limiter,
		breakers: make(map[string]*breaker.Breaker),
		metrics:  make(map[string]*toolMetrics),
	}
}

func (e *Executor) breakerFor(name string, cfg *BreakerConfig) *breaker.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[name]; ok {
		return b
	}
	bc := breaker.Config{Name: name}
	if cfg != nil {
		bc.FailureThreshold = cfg.FailureThreshold
		bc.ResetTimeout = cfg.ResetTimeout
		bc.HalfOpenRequests = cfg.HalfOpenRequests
	}
	b := breaker.New(bc)
	e.breakers[name] = b
	return b
}

func (e *Executor) metricsFor(name string) *toolMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.metrics[name]
	if !ok {
		m = &toolMetrics{}
		e.metrics[name] = m
	}
	return m
}

// TotalCalls returns the total-calls counter for a tool (for
// /api/tool-system/status).
func (e *Executor) TotalCalls(name string) int64 {
	return atomic.LoadInt64(&e.metricsFor(name).totalCalls)
}

// BreakerState returns the circuit state for a tool that has executed at
// least once, for /api/tool-system/status. ok is false if no breaker has
// been created yet (the tool has never run, so it is implicitly closed).
func (e *Executor) BreakerState(name string) (state types.CircuitState, ok bool) {
	e.mu.Lock()
	b, ok := e.breakers[name]
	e.mu.Unlock()
	if !ok {
		return types.CircuitState{}, false
	}
	return b.State(), true
}

// Execute runs the component-F pipeline for one tool invocation.
func (e *Executor) Execute(ctx context.Context, toolName string, params map[string]any, opts ExecuteOptions) ExecutionResult {
	start := time.Now()

	// Step 1: locate plugin.
	plugin, ok := e.registry.Get(toolName)
	if !ok || !plugin.Metadata().Enabled {
		return ExecutionResult{Err: fmt.Errorf("tool: %q not found or disabled", toolName), Duration: time.Since(start)}
	}

	// Step 2: total-calls metric.
	atomic.AddInt64(&e.metricsFor(toolName).totalCalls, 1)

	event.Publish(event.Event{Type: event.ToolCallStarted, Data: event.ToolCallStartedData{RequestID: opts.RequestID, Tool: toolName, Params: params}})

	cacheCfg := plugin.Cache()
	cacheKey := ""
	if cacheCfg != nil && cacheCfg.Enabled {
		cacheKey = toolcache.Key(cacheCfg.KeyStrategy, toolName, params, opts.UserID, cacheCfg.KeyFunc)
	}

	// Step 3: cache lookup.
	if !opts.SkipCache && cacheKey != "" {
		if v, hit := e.cache.Get(cacheKey); hit {
			res := v.(*Result)
			e.complete(opts.RequestID, toolName, true, false, true)
			return ExecutionResult{Result: res, FromCache: true, Duration: time.Since(start)}
		}
	}

	// Step 4: circuit breaker.
	b := e.breakerFor(toolName, plugin.Breaker())
	done, breakerErr := b.Allow()
	if breakerErr != nil {
		return e.fallback(ctx, plugin, toolName, params, opts, cacheKey, breakerErr, start)
	}

	// Step 5: rate limiter.
	if !opts.SkipRateLimit {
		rlOK, release, reason := e.limiter.Acquire(toolName, plugin.RateLimit())
		if !rlOK {
			done(false)
			e.complete(opts.RequestID, toolName, false, false, false)
			return ExecutionResult{Err: fmt.Errorf("tool: %s", reason), Duration: time.Since(start)}
		}
		defer release()
	}

	// Step 6: validate.
	if err := plugin.Validate(params); err != nil {
		done(false)
		e.complete(opts.RequestID, toolName, false, false, false)
		return ExecutionResult{Err: fmt.Errorf("tool: validation failed: %w", err), Duration: time.Since(start)}
	}

	// Step 7: execute with timeout.
	timeout := opts.Timeout
	if timeout <= 0 {
		if rl := plugin.RateLimit(); rl != nil && rl.Timeout > 0 {
			timeout = rl.Timeout
		} else {
			timeout = 30 * time.Second
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := plugin.Execute(execCtx, params)

	// Step 8/9.
	if err == nil && result != nil && result.Success {
		done(true)
		if cacheKey != "" && cacheCfg != nil {
			ttl := cacheCfg.TTL
			if ttl <= 0 {
				ttl = 5 * time.Minute
			}
			e.cache.SetWithTTL(cacheKey, result, ttl)
		}
		e.complete(opts.RequestID, toolName, true, false, false)
		return ExecutionResult{Result: result, Duration: time.Since(start)}
	}

	done(false)
	if err == nil {
		err = fmt.Errorf("tool: %q reported failure: %s", toolName, result.Error)
	}
	return e.fallback(ctx, plugin, toolName, params, opts, cacheKey, err, start)
}

// fallback implements step 10.
func (e *Executor) fallback(ctx context.Context, plugin Plugin, toolName string, params map[string]any, opts ExecuteOptions, cacheKey string, lastErr error, start time.Time) ExecutionResult {
	fb := plugin.Fallback()
	if fb == nil || len(fb.Strategies) == 0 {
		e.complete(opts.RequestID, toolName, false, false, false)
		return ExecutionResult{Err: lastErr, Duration: time.Since(start)}
	}

	timeout := fb.FallbackTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for _, strategy := range fb.Strategies {
		fbCtx, cancel := context.WithTimeout(ctx, timeout)
		res, degraded := e.tryStrategy(fbCtx, strategy, plugin, toolName, params, opts, cacheKey, fb)
		cancel()
		if degraded {
			fromCache := strategy == FallbackCache || strategy == FallbackStaleCache
			e.complete(opts.RequestID, toolName, true, true, fromCache)
			logging.Info().Str("tool", toolName).Str("strategy", string(strategy)).Msg("tool fallback satisfied request")
			return ExecutionResult{Result: res, FromCache: fromCache, Degraded: true, DegradedBy: strategy, Duration: time.Since(start)}
		}
	}

	e.complete(opts.RequestID, toolName, false, false, false)
	return ExecutionResult{Err: lastErr, Duration: time.Since(start)}
}

func (e *Executor) tryStrategy(ctx context.Context, strategy FallbackStrategy, plugin Plugin, toolName string, params map[string]any, opts ExecuteOptions, cacheKey string, fb *FallbackConfig) (*Result, bool) {
	switch strategy {
	case FallbackCache:
		if cacheKey == "" {
			return nil, false
		}
		if v, ok := e.cache.Get(cacheKey); ok {
			return v.(*Result), true
		}
		return nil, false

	case FallbackStaleCache:
		if cacheKey == "" || !fb.AllowStaleCache {
			return nil, false
		}
		if v, ok := e.cache.GetStale(cacheKey); ok {
			return v.(*Result), true
		}
		return nil, false

	case FallbackTool:
		if fb.FallbackToolName == "" {
			return nil, false
		}
		res := e.Execute(ctx, fb.FallbackToolName, params, ExecuteOptions{
			SkipCache: opts.SkipCache, UserID: opts.UserID, ConversationID: opts.ConversationID, RequestID: opts.RequestID,
		})
		if res.Err != nil || res.Result == nil {
			return nil, false
		}
		return res.Result, true

	case FallbackSimplified:
		merged := make(map[string]any, len(params)+len(fb.SimplifiedParams))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range fb.SimplifiedParams {
			merged[k] = v
		}
		res, err := plugin.Execute(ctx, merged)
		if err != nil || res == nil || !res.Success {
			return nil, false
		}
		return res, true

	case FallbackDefault:
		if fb.DefaultResponse == nil {
			return nil, false
		}
		return fb.DefaultResponse, true
	}
	return nil, false
}

func (e *Executor) complete(requestID, toolName string, success, degraded, fromCache bool) {
	event.Publish(event.Event{Type: event.ToolCallCompleted, Data: event.ToolCallCompletedData{
		RequestID: requestID, Tool: toolName, Success: success, Degraded: degraded, FromCache: fromCache,
	}})
}
