package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter tracks per-agent check-in usage within a fixed window. Entries
// whose window has long passed are pruned opportunistically so a churning
// fleet does not grow the map without bound.
type RateLimiter struct {
	mu        sync.Mutex
	entries   map[string]rateRecord
	lastPrune time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord)}
}

// Allow returns true if the caller may proceed under the provided limit and
// window.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastPrune) > window {
		for k, rec := range rl.entries {
			if now.After(rec.reset.Add(window)) {
				delete(rl.entries, k)
			}
		}
		rl.lastPrune = now
	}

	rec, ok := rl.entries[key]
	if !ok || now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}
