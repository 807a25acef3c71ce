// Package applog centralizes structured logging for the sync engine.
// Every component gets a named logger so log filtering/level control
// works the same way operators already expect from go-log-based tools.
package applog

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

func init() {
	// The underlying transports/discovery stacks are chatty at debug level;
	// keep them quiet by default so a peer's terminal stays readable.
	logging.SetLogLevel("roomsync/transport", "info")
	logging.SetLogLevel("roomsync/discovery", "warn")
}

// Get returns a named logger, e.g. applog.Get("clock").
func Get(component string) *logging.ZapEventLogger {
	return logging.Logger("roomsync/" + component)
}

// RateLimiter suppresses repeated log lines for the same key more often
// than once per interval. Used for the spec's tolerant wire-decode
// requirement: unknown message types are logged at no more than 1/2s.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

// NewRateLimiter creates a limiter allowing at most one log line per key
// per interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether a log line for key may be emitted now, and records
// that it was (so the next call within interval returns false).
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if prev, ok := r.last[key]; ok && now.Sub(prev) < r.interval {
		return false
	}
	r.last[key] = now
	return true
}
