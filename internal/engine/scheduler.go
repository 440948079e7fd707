package engine

import (
	"math/rand"
	"sync"
	"time"
)

// Scheduler fires one cancellable timer per bet at target time plus a
// random jitter. Jitter makes the exact resolution instant unpredictable,
// which discourages front-running the settlement price.
//
// Cancellation can race with firing; the store's status compare-and-set
// keeps resolution exactly-once regardless of who wins.
type Scheduler struct {
	mu        sync.Mutex
	timers    map[string]*time.Timer
	fire      func(betID string)
	jitterMin time.Duration
	jitterMax time.Duration
	now       func() time.Time
}

// NewScheduler creates a scheduler that calls fire on each due bet.
// now may be nil, defaulting to time.Now.
func NewScheduler(fire func(betID string), jitterMin, jitterMax time.Duration, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		timers:    make(map[string]*time.Timer),
		fire:      fire,
		jitterMin: jitterMin,
		jitterMax: jitterMax,
		now:       now,
	}
}

// Schedule arms a timer for the bet. A bet already scheduled is left
// alone. A target time in the past fires almost immediately (still with
// jitter).
func (s *Scheduler) Schedule(betID string, targetTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[betID]; ok {
		return
	}

	delay := targetTime.Sub(s.now()) + s.jitter()
	if delay < 0 {
		delay = s.jitter()
	}

	s.timers[betID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, betID)
		s.mu.Unlock()
		s.fire(betID)
	})
}

// Cancel disarms the bet's timer, if still pending. Used when the expiry
// sweep pre-empts a resolution.
func (s *Scheduler) Cancel(betID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[betID]; ok {
		t.Stop()
		delete(s.timers, betID)
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer. Called on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) jitter() time.Duration {
	span := s.jitterMax - s.jitterMin
	if span <= 0 {
		return s.jitterMin
	}
	return s.jitterMin + time.Duration(rand.Int63n(int64(span)))
}
