package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaygate/gateway/internal/toolcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutorFixture() (*Executor, *Registry) {
	reg := NewRegistry()
	cache := toolcache.New(toolcache.Config{})
	limiter := NewRateLimiter()
	return NewExecutor(reg, cache, limiter), reg
}

func TestExecutor_SuccessfulCallCachesResult(t *testing.T) {
	ex, reg := newExecutorFixture()
	calls := 0
	p := newFakePlugin("echo", true)
	p.cacheCfg = &ToolCacheConfig{Enabled: true, TTL: time.Minute, KeyStrategy: toolcache.StrategyParamsHash}
	p.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		calls++
		return &Result{Success: true, Output: params["q"]}, nil
	}
	require.NoError(t, reg.Register(p))

	res1 := ex.Execute(context.Background(), "echo", map[string]any{"q": "hi"}, ExecuteOptions{})
	require.NoError(t, res1.Err)
	assert.False(t, res1.FromCache)

	res2 := ex.Execute(context.Background(), "echo", map[string]any{"q": "hi"}, ExecuteOptions{})
	require.NoError(t, res2.Err)
	assert.True(t, res2.FromCache)
	assert.Equal(t, 1, calls)
}

func TestExecutor_MissingToolErrors(t *testing.T) {
	ex, _ := newExecutorFixture()
	res := ex.Execute(context.Background(), "nope", nil, ExecuteOptions{})
	assert.Error(t, res.Err)
}

func TestExecutor_RateLimiterDenyProducesNoFallback(t *testing.T) {
	ex, reg := newExecutorFixture()
	p := newFakePlugin("limited", true)
	p.rate = &RateLimitConfig{MaxConcurrent: 1}
	p.fallback = &FallbackConfig{Strategies: []FallbackStrategy{FallbackDefault}, DefaultResponse: &Result{Success: true, Output: "fallback"}}
	block := make(chan struct{})
	p.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		<-block
		return &Result{Success: true}, nil
	}
	require.NoError(t, reg.Register(p))

	done := make(chan ExecutionResult, 1)
	go func() {
		done <- ex.Execute(context.Background(), "limited", nil, ExecuteOptions{})
	}()
	time.Sleep(50 * time.Millisecond)

	res2 := ex.Execute(context.Background(), "limited", nil, ExecuteOptions{})
	assert.Error(t, res2.Err)
	assert.False(t, res2.Degraded)

	close(block)
	<-done
}

func TestExecutor_FallbackServesStaleCacheAfterFailure(t *testing.T) {
	ex, reg := newExecutorFixture()
	p := newFakePlugin("flaky", true)
	p.cacheCfg = &ToolCacheConfig{Enabled: true, TTL: time.Millisecond, KeyStrategy: toolcache.StrategyParamsHash}
	p.fallback = &FallbackConfig{Strategies: []FallbackStrategy{FallbackStaleCache}, AllowStaleCache: true}
	fail := false
	p.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &Result{Success: true, Output: "fresh"}, nil
	}
	require.NoError(t, reg.Register(p))

	res1 := ex.Execute(context.Background(), "flaky", map[string]any{"q": "x"}, ExecuteOptions{})
	require.NoError(t, res1.Err)

	time.Sleep(5 * time.Millisecond)
	fail = true
	res2 := ex.Execute(context.Background(), "flaky", map[string]any{"q": "x"}, ExecuteOptions{})
	require.NoError(t, res2.Err)
	assert.True(t, res2.Degraded)
	assert.Equal(t, FallbackStaleCache, res2.DegradedBy)
}

func TestExecutor_CircuitOpenTriggersFallback(t *testing.T) {
	ex, reg := newExecutorFixture()
	p := newFakePlugin("unstable", true)
	p.breaker = &BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}
	p.fallback = &FallbackConfig{Strategies: []FallbackStrategy{FallbackDefault}, DefaultResponse: &Result{Success: true, Output: "safe"}}
	p.execFn = func(ctx context.Context, params map[string]any) (*Result, error) {
		return nil, errors.New("down")
	}
	require.NoError(t, reg.Register(p))

	res1 := ex.Execute(context.Background(), "unstable", nil, ExecuteOptions{})
	assert.True(t, res1.Degraded)

	res2 := ex.Execute(context.Background(), "unstable", nil, ExecuteOptions{})
	assert.True(t, res2.Degraded)
	assert.Equal(t, FallbackDefault, res2.DegradedBy)
}
