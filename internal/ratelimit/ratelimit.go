package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter throttles trigger-endpoint callers with a per-caller token
// bucket so an aggressive cron cannot stack dispatch runs.
type RateLimiter struct {
	mu              sync.Mutex
	callerTokens    map[string]int
	callerLastReset map[string]time.Time
	maxRunsPerMin   int
}

// New creates a new RateLimiter
func New(maxRunsPerMin int) *RateLimiter {
	return &RateLimiter{
		callerTokens:    make(map[string]int),
		callerLastReset: make(map[string]time.Time),
		maxRunsPerMin:   maxRunsPerMin,
	}
}

// Allow checks if a caller may trigger another run
func (rl *RateLimiter) Allow(callerID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	lastReset, exists := rl.callerLastReset[callerID]

	// Refill the bucket once a minute has passed
	if !exists || now.Sub(lastReset) > time.Minute {
		rl.callerTokens[callerID] = rl.maxRunsPerMin
		rl.callerLastReset[callerID] = now
	}

	if rl.callerTokens[callerID] > 0 {
		rl.callerTokens[callerID]--
		return true
	}

	return false
}
