// Package breaker implements a volatility-driven circuit breaker for new
// wagers. Every price observation feeds a trailing window and immediately
// re-evaluates the state; nothing polls.
//
// The clock is injected so cooldown behavior is testable without sleeping.
package breaker

import (
	"sync"
	"time"
)

// Level is the breaker's volatility regime.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelExtreme  Level = "extreme"
)

// State is a read-only snapshot of the breaker.
type State struct {
	Active               bool      `json:"active"` // betting disallowed
	Reason               string    `json:"reason,omitempty"`
	Level                Level     `json:"level"`
	Volatility           float64   `json:"volatility"`
	AllowBetting         bool      `json:"allow_betting"`
	MultiplierAdjustment float64   `json:"multiplier_adjustment"` // (0, 1]
	CooldownUntil        time.Time `json:"cooldown_until,omitempty"`
}

// Thresholds configure the volatility bands and the cooldown applied when
// the extreme band trips.
type Thresholds struct {
	Elevated float64 // ≥ → adjustment 0.75
	High     float64 // ≥ → adjustment 0.5
	Extreme  float64 // ≥ → betting disallowed
	Cooldown time.Duration
}

type observation struct {
	price float64
	at    time.Time
}

// Breaker derives realized volatility from a rolling price window and maps
// it to a betting-allowed flag and a global multiplier dampening factor.
// A manual activation overrides automatic evaluation until its cooldown
// elapses.
type Breaker struct {
	mu         sync.Mutex
	window     time.Duration
	thresholds Thresholds
	now        func() time.Time

	prices []observation

	level         Level
	volatility    float64
	cooldownUntil time.Time

	manualUntil  time.Time
	manualReason string
}

// New creates a breaker with the given trailing window and thresholds.
// now may be nil, in which case time.Now is used.
func New(window time.Duration, thresholds Thresholds, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		window:     window,
		thresholds: thresholds,
		now:        now,
		level:      LevelNormal,
	}
}

// Observe feeds a new price into the window and re-evaluates the state.
func (b *Breaker) Observe(price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.now()
	b.prices = append(b.prices, observation{price: price, at: ts})
	b.prune(ts)

	b.volatility = b.realizedVolatility()
	b.evaluate(ts)
}

// ActivateManual forces the disallowed state for the given duration,
// independent of volatility. It overrides automatic evaluation until the
// manual cooldown elapses.
func (b *Breaker) ActivateManual(reason string, cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.manualUntil = b.now().Add(cooldown)
	b.manualReason = reason
}

// State returns the current snapshot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.now()

	if ts.Before(b.manualUntil) {
		return State{
			Active:               true,
			Reason:               b.manualReason,
			Level:                LevelExtreme,
			Volatility:           b.volatility,
			AllowBetting:         false,
			MultiplierAdjustment: 1.0,
			CooldownUntil:        b.manualUntil,
		}
	}

	// Re-evaluate against the clock on every read. A stalled price
	// stream must not pin the breaker past its cooldown: with no fresh
	// observations the window drains and the level decays on its own.
	b.prune(ts)
	b.volatility = b.realizedVolatility()
	b.evaluate(ts)

	st := State{
		Level:                b.level,
		Volatility:           b.volatility,
		AllowBetting:         true,
		MultiplierAdjustment: adjustmentFor(b.level),
	}

	if b.level == LevelExtreme {
		st.Active = true
		st.Reason = "extreme volatility"
		st.AllowBetting = false
		st.CooldownUntil = b.cooldownUntil
	}
	return st
}

// AllowBetting reports whether new wagers are currently admitted.
func (b *Breaker) AllowBetting() bool {
	return b.State().AllowBetting
}

// MultiplierAdjustment returns the global dampening factor for quoted
// multipliers.
func (b *Breaker) MultiplierAdjustment() float64 {
	return b.State().MultiplierAdjustment
}

// Volatility returns the current realized volatility of the window.
func (b *Breaker) Volatility() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volatility
}

// evaluate maps volatility to a level. An extreme trip starts (or extends)
// the cooldown; the breaker only returns to normal once the cooldown has
// elapsed and volatility has subsided.
func (b *Breaker) evaluate(ts time.Time) {
	v := b.volatility

	if v >= b.thresholds.Extreme {
		b.level = LevelExtreme
		b.cooldownUntil = ts.Add(b.thresholds.Cooldown)
		return
	}

	if b.level == LevelExtreme && ts.Before(b.cooldownUntil) {
		return // still cooling down
	}

	switch {
	case v >= b.thresholds.High:
		b.level = LevelHigh
	case v >= b.thresholds.Elevated:
		b.level = LevelElevated
	default:
		b.level = LevelNormal
	}
}

// realizedVolatility is (max-min)/min over the window. Needs at least
// two observations.
func (b *Breaker) realizedVolatility() float64 {
	if len(b.prices) < 2 {
		return 0
	}

	lo, hi := b.prices[0].price, b.prices[0].price
	for _, o := range b.prices[1:] {
		if o.price < lo {
			lo = o.price
		}
		if o.price > hi {
			hi = o.price
		}
	}
	if lo <= 0 {
		return 0
	}
	return (hi - lo) / lo
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	idx := 0
	for idx < len(b.prices) && !b.prices[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.prices = b.prices[idx:]
	}
}

func adjustmentFor(level Level) float64 {
	switch level {
	case LevelElevated:
		return 0.75
	case LevelHigh:
		return 0.5
	default:
		return 1.0
	}
}
