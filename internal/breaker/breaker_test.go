package breaker

import (
	"testing"
	"time"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		Elevated: 0.02,
		High:     0.05,
		Extreme:  0.10,
		Cooldown: 5 * time.Minute,
	}
}

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(5*time.Minute, defaultThresholds(), clock.Now)
	return b, clock
}

func TestBreaker_NormalByDefault(t *testing.T) {
	b, _ := newTestBreaker()

	st := b.State()
	if st.Level != LevelNormal || !st.AllowBetting || st.MultiplierAdjustment != 1.0 {
		t.Errorf("fresh breaker should be normal, got %+v", st)
	}
}

func TestBreaker_LevelsTrackVolatility(t *testing.T) {
	tests := []struct {
		name      string
		high      float64 // second price after 200 base
		wantLevel Level
		wantAdj   float64
		wantAllow bool
	}{
		{"calm", 201, LevelNormal, 1.0, true},       // 0.5%
		{"elevated", 206, LevelElevated, 0.75, true}, // 3%
		{"high", 212, LevelHigh, 0.5, true},          // 6%
		{"extreme", 224, LevelExtreme, 1.0, false},   // 12%
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker()
			b.Observe(200)
			clock.Advance(time.Second)
			b.Observe(tt.high)

			st := b.State()
			if st.Level != tt.wantLevel {
				t.Errorf("level = %s, want %s", st.Level, tt.wantLevel)
			}
			if st.AllowBetting != tt.wantAllow {
				t.Errorf("allowBetting = %v, want %v", st.AllowBetting, tt.wantAllow)
			}
			if st.MultiplierAdjustment != tt.wantAdj {
				t.Errorf("adjustment = %v, want %v", st.MultiplierAdjustment, tt.wantAdj)
			}
		})
	}
}

func TestBreaker_ExtremeVolatilityScenario(t *testing.T) {
	// Trailing volatility of 0.12 must produce the extreme state with
	// betting disallowed.
	b, clock := newTestBreaker()
	b.Observe(100)
	clock.Advance(time.Second)
	b.Observe(112)

	st := b.State()
	if st.Level != LevelExtreme {
		t.Fatalf("level = %s, want extreme", st.Level)
	}
	if st.AllowBetting {
		t.Error("betting should be disallowed at 12% volatility")
	}
	if !st.Active {
		t.Error("breaker should report active")
	}
	if st.CooldownUntil.IsZero() {
		t.Error("extreme trip should set a cooldown")
	}
}

func TestBreaker_CooldownHoldsAfterVolatilitySubsides(t *testing.T) {
	b, clock := newTestBreaker()
	b.Observe(100)
	clock.Advance(time.Second)
	b.Observe(112) // trip

	// Window slides past the spike; volatility subsides but cooldown holds.
	clock.Advance(6 * time.Minute)
	b.Observe(112)
	clock.Advance(time.Second)
	b.Observe(112.1)

	// Cooldown was extended by the trip at t+1s; we are now past it.
	st := b.State()
	if st.Level != LevelNormal {
		t.Errorf("after cooldown and calm prices, level = %s, want normal", st.Level)
	}
	if !st.AllowBetting {
		t.Error("betting should resume after cooldown elapses")
	}
}

func TestBreaker_CooldownBlocksEarlyRecovery(t *testing.T) {
	b, clock := newTestBreaker()
	b.Observe(100)
	clock.Advance(time.Second)
	b.Observe(112) // trip, cooldown runs 5 minutes

	// Two minutes later volatility is back under the extreme threshold,
	// but the cooldown has not elapsed.
	clock.Advance(2 * time.Minute)
	b.Observe(112)

	st := b.State()
	if st.Level != LevelExtreme {
		t.Errorf("inside cooldown, level = %s, want extreme", st.Level)
	}
	if st.AllowBetting {
		t.Error("betting must stay disallowed inside cooldown")
	}
}

func TestBreaker_RecoversWithoutFreshPrices(t *testing.T) {
	// If the price feed stalls after an extreme trip, reads alone must
	// still clear the breaker once the cooldown and window have elapsed.
	b, clock := newTestBreaker()
	b.Observe(100)
	clock.Advance(time.Second)
	b.Observe(112) // trip

	if b.AllowBetting() {
		t.Fatal("betting should be disallowed right after the trip")
	}

	// No further observations at all.
	clock.Advance(11 * time.Minute)

	st := b.State()
	if st.Level != LevelNormal {
		t.Errorf("stalled feed past cooldown, level = %s, want normal", st.Level)
	}
	if !st.AllowBetting {
		t.Error("betting should resume without fresh prices once cooldown elapses")
	}
}

func TestBreaker_ManualActivation(t *testing.T) {
	b, clock := newTestBreaker()

	b.ActivateManual("maintenance", 10*time.Minute)

	st := b.State()
	if st.AllowBetting {
		t.Error("manual activation must disallow betting")
	}
	if st.Reason != "maintenance" {
		t.Errorf("reason = %q, want maintenance", st.Reason)
	}

	// Calm prices do not clear a manual activation.
	b.Observe(100)
	clock.Advance(time.Second)
	b.Observe(100.1)
	if b.AllowBetting() {
		t.Error("calm prices must not clear manual activation")
	}

	// The manual cooldown elapsing does.
	clock.Advance(10 * time.Minute)
	if !b.AllowBetting() {
		t.Error("betting should resume after manual cooldown")
	}
}

func TestBreaker_WindowPrunesOldPrices(t *testing.T) {
	b, clock := newTestBreaker()

	b.Observe(100)
	clock.Advance(time.Second)
	b.Observe(106) // 6% → high

	if b.State().Level != LevelHigh {
		t.Fatalf("expected high, got %s", b.State().Level)
	}

	// Six minutes later the old prices have left the 5-minute window.
	clock.Advance(6 * time.Minute)
	b.Observe(106)
	clock.Advance(time.Second)
	b.Observe(106.2)

	if got := b.State().Level; got != LevelNormal {
		t.Errorf("after window slides, level = %s, want normal", got)
	}
}
