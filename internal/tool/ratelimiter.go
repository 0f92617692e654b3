package tool

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter bounds concurrent and per-minute calls, keyed per tool
// name (component D's per-tool rate limiter — functions like 4.B's
// queue but denies immediately rather than queuing).
type RateLimiter struct {
	mu    sync.Mutex
	state map[string]*toolLimitState
}

type toolLimitState struct {
	active    int
	callTimes []time.Time
}

// NewRateLimiter constructs an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{state: make(map[string]*toolLimitState)}
}

// Acquire attempts to reserve a slot for tool under cfg. On success it
// returns a release func that must be called exactly once.
func (l *RateLimiter) Acquire(name string, cfg *RateLimitConfig) (ok bool, release func(), reason string) {
	if cfg == nil {
		return true, func() {}, ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, exists := l.state[name]
	if !exists {
		st = &toolLimitState{}
		l.state[name] = st
	}

	if cfg.MaxConcurrent > 0 && st.active >= cfg.MaxConcurrent {
		return false, nil, fmt.Sprintf("tool %q at max concurrency (%d)", name, cfg.MaxConcurrent)
	}

	if cfg.MaxPerMinute > 0 {
		cutoff := time.Now().Add(-time.Minute)
		kept := st.callTimes[:0]
		for _, t := range st.callTimes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		st.callTimes = kept
		if len(st.callTimes) >= cfg.MaxPerMinute {
			return false, nil, fmt.Sprintf("tool %q exceeded %d calls/min", name, cfg.MaxPerMinute)
		}
		st.callTimes = append(st.callTimes, time.Now())
	}

	st.active++
	released := false
	return true, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		st.active--
	}, ""
}
