package tool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_NilConfigAlwaysAdmits(t *testing.T) {
	l := NewRateLimiter()
	ok, release, _ := l.Acquire("search", nil)
	require.True(t, ok)
	release()
}

func TestRateLimiter_DeniesBeyondMaxConcurrent(t *testing.T) {
	l := NewRateLimiter()
	cfg := &RateLimitConfig{MaxConcurrent: 1}

	ok1, release1, _ := l.Acquire("search", cfg)
	require.True(t, ok1)

	ok2, _, reason := l.Acquire("search", cfg)
	assert.False(t, ok2)
	assert.NotEmpty(t, reason)

	release1()
	ok3, release3, _ := l.Acquire("search", cfg)
	assert.True(t, ok3)
	release3()
}

func TestRateLimiter_DeniesBeyondMaxPerMinute(t *testing.T) {
	l := NewRateLimiter()
	cfg := &RateLimitConfig{MaxPerMinute: 2}

	ok1, release1, _ := l.Acquire("search", cfg)
	require.True(t, ok1)
	release1()

	ok2, release2, _ := l.Acquire("search", cfg)
	require.True(t, ok2)
	release2()

	ok3, _, reason := l.Acquire("search", cfg)
	assert.False(t, ok3)
	assert.NotEmpty(t, reason)
}

func TestRateLimiter_ReleaseIsIdempotent(t *testing.T) {
	l := NewRateLimiter()
	cfg := &RateLimitConfig{MaxConcurrent: 1}
	_, release, _ := l.Acquire("search", cfg)
	release()
	assert.NotPanics(t, func() { release() })

	ok, release2, _ := l.Acquire("search", cfg)
	require.True(t, ok)
	release2()
}

func TestRateLimiter_PerMinuteWindowSlides(t *testing.T) {
	l := NewRateLimiter()
	cfg := &RateLimitConfig{MaxPerMinute: 1}
	st := &toolLimitState{callTimes: []time.Time{time.Now().Add(-2 * time.Minute)}}
	l.state["search"] = st

	ok, release, _ := l.Acquire("search", cfg)
	assert.True(t, ok)
	release()
}
