// Package event delivers engine events to external consumers (chat,
// leaderboard, notifications) through a typed sink interface. The engine
// emits and never awaits: a slow or broken consumer cannot block or
// corrupt settlement.
package event

import (
	"sync"

	"github.com/tapx/risk-engine/internal/breaker"
	"github.com/tapx/risk-engine/internal/model"
)

// Sink receives engine events. Implementations must be safe for
// concurrent calls; they are invoked on dedicated goroutines.
type Sink interface {
	OnBetPlaced(bet *model.Bet)
	OnBetResolved(result *model.SettlementResult)
	OnBreakerChanged(state breaker.State)
}

// Fanout dispatches each event to every registered sink on its own
// goroutine.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Register adds a sink. Not safe to call concurrently with event
// delivery ordering guarantees; register during startup.
func (f *Fanout) Register(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) OnBetPlaced(bet *model.Bet) {
	f.each(func(s Sink) { s.OnBetPlaced(bet) })
}

func (f *Fanout) OnBetResolved(result *model.SettlementResult) {
	f.each(func(s Sink) { s.OnBetResolved(result) })
}

func (f *Fanout) OnBreakerChanged(state breaker.State) {
	f.each(func(s Sink) { s.OnBreakerChanged(state) })
}

func (f *Fanout) each(fn func(Sink)) {
	f.mu.RLock()
	sinks := make([]Sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	for _, s := range sinks {
		go fn(s)
	}
}
