package web

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter enforces a per-key token bucket on the command endpoints
// so a misbehaving dashboard cannot flood the daemon with adapter or
// call commands. Keys are client remote addresses.
type rateLimiter struct {
	limiters sync.Map // key → *limiterEntry
	r        rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter builds a limiter refilling rpm requests per minute.
// rpm <= 0 disables limiting entirely.
func newRateLimiter(rpm, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	return &rateLimiter{r: r, burst: burst}
}

func (rl *rateLimiter) allow(key string) bool {
	if rl.r == 0 {
		return true
	}
	entry := rl.getOrCreate(key)
	if !entry.limiter.Allow() {
		slog.Warn("command rate limited", "client", key)
		return false
	}
	entry.lastSeen = time.Now()
	return true
}

func (rl *rateLimiter) getOrCreate(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(rl.r, rl.burst),
		lastSeen: time.Now(),
	}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

// sweep drops entries idle for longer than cutoff. Called from the
// server's housekeeping ticker.
func (rl *rateLimiter) sweep(cutoff time.Duration) {
	deadline := time.Now().Add(-cutoff)
	rl.limiters.Range(func(key, value any) bool {
		if value.(*limiterEntry).lastSeen.Before(deadline) {
			rl.limiters.Delete(key)
		}
		return true
	})
}
