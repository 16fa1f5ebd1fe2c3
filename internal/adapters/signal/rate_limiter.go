package signal

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/domain"
)

// JoinRateLimiter allows at most limit joins per client id within a sliding
// window of interval.
type JoinRateLimiter struct {
	clock    clock.Clock
	limit    int
	interval time.Duration

	mu      sync.Mutex
	history map[domain.ClientID][]time.Time
}

func NewJoinRateLimiter(limit int, interval time.Duration, clk clock.Clock) *JoinRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &JoinRateLimiter{
		clock:    clk,
		limit:    limit,
		interval: interval,
		history:  make(map[domain.ClientID][]time.Time),
	}
}

// Allow records a join attempt for id and reports whether it is within the limit.
func (rl *JoinRateLimiter) Allow(id domain.ClientID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

// Prune forgets ids with no attempt inside the window.
func (rl *JoinRateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	windowStart := rl.clock.Now().Add(-rl.interval)
	for id, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, id)
		}
	}
}

func (rl *JoinRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}
