// Package ratelimit enforces a minimum interval between bets per user.
// The check is fail-fast and taken before any engine lock: a request
// inside the window is rejected with no state touched.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerUser hands out one token-bucket limiter per user id, each allowing
// a single bet per interval with no burst.
type PerUser struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

// NewPerUser creates a limiter registry with the given minimum inter-bet
// interval.
func NewPerUser(interval time.Duration) *PerUser {
	return &PerUser{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the user may place a bet now, consuming the slot
// if so.
func (p *PerUser) Allow(userID string) bool {
	return p.limiterFor(userID).Allow()
}

func (p *PerUser) limiterFor(userID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[userID] = l
	}
	return l
}
