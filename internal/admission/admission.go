// Package admission implements the SSE admission limiter and wait queue
// (component A): it bounds concurrent streaming connections globally and
// per user, and schedules FIFO fairness for callers that must wait.
package admission

import (
	"container/list"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/gateway/internal/event"
	"github.com/relaygate/gateway/pkg/types"
)

// Config configures the admission limiter.
type Config struct {
	MaxGlobal       int
	MaxPerUser      int
	ReleaseRate     float64       // slots released from head of queue per second
	TokenTTL        time.Duration // default 3min
	RetryJitterMin  time.Duration // default 300ms
	RetryJitterMax  time.Duration // default 1000ms
	AbuseWindow     time.Duration // default 10s
	AbuseThreshold  int           // default 3
	AbuseCooldown   time.Duration // default 30s
}

func (c *Config) setDefaults() {
	if c.ReleaseRate <= 0 {
		c.ReleaseRate = 5
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 3 * time.Minute
	}
	if c.RetryJitterMin <= 0 {
		c.RetryJitterMin = 300 * time.Millisecond
	}
	if c.RetryJitterMax <= 0 {
		c.RetryJitterMax = 1000 * time.Millisecond
	}
	if c.AbuseWindow <= 0 {
		c.AbuseWindow = 10 * time.Second
	}
	if c.AbuseThreshold <= 0 {
		c.AbuseThreshold = 3
	}
	if c.AbuseCooldown <= 0 {
		c.AbuseCooldown = 30 * time.Second
	}
}

// ResultKind is the outcome of an acquire call.
type ResultKind int

const (
	Ok ResultKind = iota
	Queued
	Rejected
)

// Result is the outcome of acquire.
type Result struct {
	Kind          ResultKind
	Release       func() // set only when Kind == Ok
	Token         string // set when Kind == Queued
	Position      int    // 0-based queue position, set when Kind == Queued
	RetryAfterSec int    // set when Kind == Queued
	CooldownSec   int    // set when Kind == Rejected
}

type queueEntry struct {
	types.QueueToken
	elem *list.Element
}

// Admission is the process-local admission limiter. Its internal tables are
// mutated under a single mutex; there is no cross-process coordination.
type Admission struct {
	cfg Config

	mu sync.Mutex

	globalActive int
	userActive   map[string]int

	fifo    *list.List // of *queueEntry
	byToken map[string]*queueEntry

	// issuedTokens remembers tokens we minted, past their queue removal,
	// for one extra TTL window so a token that merely expired is not
	// mistaken for a forged one when judging abuse.
	issuedTokens map[string]time.Time

	invalidAttempts map[string][]time.Time
	cooldownUntil   map[string]time.Time
}

// New constructs an Admission limiter.
func New(cfg Config) *Admission {
	cfg.setDefaults()
	return &Admission{
		cfg:             cfg,
		userActive:      make(map[string]int),
		fifo:            list.New(),
		byToken:         make(map[string]*queueEntry),
		issuedTokens:    make(map[string]time.Time),
		invalidAttempts: make(map[string][]time.Time),
		cooldownUntil:   make(map[string]time.Time),
	}
}

// Acquire implements the four-case decision described in the spec: admit
// immediately, refresh an in-queue token, punish an invalid token, or mint a
// new queue token. Cleanup of expired queue entries happens lazily here.
func (a *Admission) Acquire(userID, existingToken string) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.reapExpiredLocked(now)

	if until, ok := a.cooldownUntil[userID]; ok {
		if now.Before(until) {
			return Result{Kind: Rejected, CooldownSec: int(until.Sub(now).Seconds()) + 1}
		}
		delete(a.cooldownUntil, userID)
		delete(a.invalidAttempts, userID)
	}

	// Case 1: room available now.
	if a.globalActive < a.cfg.MaxGlobal && a.userActive[userID] < a.cfg.MaxPerUser {
		if existingToken != "" {
			if entry, ok := a.byToken[existingToken]; ok {
				a.fifo.Remove(entry.elem)
				delete(a.byToken, existingToken)
			}
		}
		a.globalActive++
		a.userActive[userID]++
		released := false
		event.Publish(event.Event{Type: event.QueueAdmitted, Data: event.QueueAdmittedData{UserID: userID}})
		return Result{Kind: Ok, Release: func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if released {
				return
			}
			released = true
			a.globalActive--
			a.userActive[userID]--
			if a.userActive[userID] <= 0 {
				delete(a.userActive, userID)
			}
		}}
	}

	// Case 2: caller holds a token already in the queue.
	if existingToken != "" {
		if entry, ok := a.byToken[existingToken]; ok {
			entry.ExpiresAt = now.Add(a.cfg.TokenTTL)
			a.issuedTokens[existingToken] = entry.ExpiresAt.Add(a.cfg.TokenTTL)
			pos := a.positionLocked(entry)
			return Result{Kind: Queued, Token: entry.Token, Position: pos, RetryAfterSec: a.retryAfterSeconds(pos)}
		}

		// Case 3: caller presents a token that isn't in the queue. A token
		// we previously issued that simply expired is not abuse; only a
		// token we never minted counts toward the abuse window.
		if grace, ok := a.issuedTokens[existingToken]; !ok || now.After(grace) {
			attempts := append(a.invalidAttempts[userID], now)
			cutoff := now.Add(-a.cfg.AbuseWindow)
			pruned := attempts[:0]
			for _, t := range attempts {
				if t.After(cutoff) {
					pruned = append(pruned, t)
				}
			}
			a.invalidAttempts[userID] = pruned
			if len(pruned) >= a.cfg.AbuseThreshold {
				until := now.Add(a.cfg.AbuseCooldown)
				a.cooldownUntil[userID] = until
				event.Publish(event.Event{Type: event.QueueRejected, Data: event.QueueRejectedData{UserID: userID, CooldownSec: int(a.cfg.AbuseCooldown.Seconds())}})
				return Result{Kind: Rejected, CooldownSec: int(a.cfg.AbuseCooldown.Seconds())}
			}
		}
	}

	// Case 4: mint a new token and enqueue.
	entry := &queueEntry{QueueToken: types.QueueToken{
		Token:     uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(a.cfg.TokenTTL),
	}}
	entry.elem = a.fifo.PushBack(entry)
	a.byToken[entry.Token] = entry
	a.issuedTokens[entry.Token] = now.Add(2 * a.cfg.TokenTTL)
	pos := a.positionLocked(entry)
	return Result{Kind: Queued, Token: entry.Token, Position: pos, RetryAfterSec: a.retryAfterSeconds(pos)}
}

// Release removes a queued token from the wait queue (used when a waiter
// gives up, distinct from the Release closure returned for an Ok result).
func (a *Admission) Release(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.byToken[token]
	if !ok {
		return
	}
	a.fifo.Remove(entry.elem)
	delete(a.byToken, token)
}

// Stats is a snapshot of admission state, for /api/metrics.
type Stats struct {
	GlobalActive int
	QueueDepth   int
}

// Stats returns a snapshot of current admission occupancy.
func (a *Admission) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{GlobalActive: a.globalActive, QueueDepth: a.fifo.Len()}
}

// positionLocked returns entry's 0-based position in the FIFO queue.
func (a *Admission) positionLocked(entry *queueEntry) int {
	pos := 0
	for e := a.fifo.Front(); e != nil; e = e.Next() {
		if e == entry.elem {
			return pos
		}
		pos++
	}
	return pos
}

func (a *Admission) retryAfterSeconds(position int) int {
	base := float64(position+1) / a.cfg.ReleaseRate
	jitterRange := a.cfg.RetryJitterMax - a.cfg.RetryJitterMin
	jitter := a.cfg.RetryJitterMin
	if jitterRange > 0 {
		jitter += time.Duration(rand.Int63n(int64(jitterRange)))
	}
	total := time.Duration(base*float64(time.Second)) + jitter
	secs := int(total.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// reapExpiredLocked drops queue entries whose TTL has elapsed, and forgets
// issued-token grace records once their window has also elapsed. Must be
// called with a.mu held.
func (a *Admission) reapExpiredLocked(now time.Time) {
	var next *list.Element
	for e := a.fifo.Front(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(*queueEntry)
		if now.After(entry.ExpiresAt) {
			a.fifo.Remove(e)
			delete(a.byToken, entry.Token)
		}
	}
	for token, grace := range a.issuedTokens {
		if now.After(grace) {
			delete(a.issuedTokens, token)
		}
	}
}
