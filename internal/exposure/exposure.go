// Package exposure tracks the platform's aggregate open risk per outcome
// direction and converts it into a risk level and a multiplier dampening
// factor for new wagers.
//
// All monetary values use shopspring/decimal — never float64 for money.
package exposure

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tapx/risk-engine/internal/model"
)

var (
	// ErrDuplicateBet is returned when a bet id is added twice.
	ErrDuplicateBet = errors.New("exposure: bet already tracked")

	// ErrUnknownBet is returned when removing a bet id that was never
	// added (or was already removed).
	ErrUnknownBet = errors.New("exposure: bet not tracked")

	// ErrLimitExceeded is returned when an Add would push total exposure
	// past the platform limit.
	ErrLimitExceeded = errors.New("exposure: platform limit exceeded")
)

// Risk level names, ordered by fraction of the platform exposure limit.
const (
	RiskLow      = "low"
	RiskModerate = "moderate"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

type directionState struct {
	totalStake      decimal.Decimal
	potentialPayout decimal.Decimal
	betIDs          map[string]struct{}
}

// Tracker maintains per-direction exposure aggregates. Each bet id is
// counted exactly once: a second Add or a Remove without a prior Add is
// an error, which keeps the aggregates conserved under retries.
type Tracker struct {
	mu          sync.Mutex
	maxExposure decimal.Decimal
	directions  map[model.Direction]*directionState
}

// NewTracker creates a tracker with the given platform-wide exposure limit.
func NewTracker(maxPlatformExposure decimal.Decimal) *Tracker {
	return &Tracker{
		maxExposure: maxPlatformExposure,
		directions: map[model.Direction]*directionState{
			model.DirectionUp:   newDirectionState(),
			model.DirectionDown: newDirectionState(),
		},
	}
}

func newDirectionState() *directionState {
	return &directionState{
		totalStake:      decimal.Zero,
		potentialPayout: decimal.Zero,
		betIDs:          make(map[string]struct{}),
	}
}

// Add records a newly placed bet's stake and potential payout against
// its direction. The platform limit is enforced here, under the same
// lock as the reservation, so concurrent placements cannot jointly
// overshoot it: an Add that would exceed the limit fails with
// ErrLimitExceeded and reserves nothing.
func (t *Tracker) Add(betID string, direction model.Direction, stake, potentialPayout decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ds := t.directions[direction]
	if _, ok := ds.betIDs[betID]; ok {
		return ErrDuplicateBet
	}
	if t.maxExposure.IsPositive() && t.totalLocked().Add(potentialPayout).GreaterThan(t.maxExposure) {
		return ErrLimitExceeded
	}

	ds.betIDs[betID] = struct{}{}
	ds.totalStake = ds.totalStake.Add(stake)
	ds.potentialPayout = ds.potentialPayout.Add(potentialPayout)
	return nil
}

// Remove releases a bet's exposure on resolution or expiry. Arguments
// must match the Add call; the bet id guard makes a double Remove a
// no-op error rather than a corruption.
func (t *Tracker) Remove(betID string, direction model.Direction, stake, potentialPayout decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ds := t.directions[direction]
	if _, ok := ds.betIDs[betID]; !ok {
		return ErrUnknownBet
	}

	delete(ds.betIDs, betID)
	ds.totalStake = ds.totalStake.Sub(stake)
	ds.potentialPayout = ds.potentialPayout.Sub(potentialPayout)

	// Aggregates are invariantly non-negative; clamp guards against a
	// mismatched Remove amount leaving phantom negative exposure.
	if ds.totalStake.IsNegative() {
		ds.totalStake = decimal.Zero
	}
	if ds.potentialPayout.IsNegative() {
		ds.potentialPayout = decimal.Zero
	}
	return nil
}

// TotalExposure returns the platform-wide sum of active potential payouts.
func (t *Tracker) TotalExposure() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalLocked()
}

func (t *Tracker) totalLocked() decimal.Decimal {
	total := decimal.Zero
	for _, ds := range t.directions {
		total = total.Add(ds.potentialPayout)
	}
	return total
}

// Snapshot returns a point-in-time view of exposure and risk level.
func (t *Tracker) Snapshot() model.ExposureSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	per := make(map[model.Direction]model.DirectionExposure, len(t.directions))
	for dir, ds := range t.directions {
		per[dir] = model.DirectionExposure{
			TotalStake:      ds.totalStake,
			PotentialPayout: ds.potentialPayout,
			BetCount:        len(ds.betIDs),
		}
	}

	total := t.totalLocked()
	return model.ExposureSnapshot{
		PerDirection:  per,
		TotalExposure: total,
		RiskLevel:     riskLevel(t.utilization(total)),
	}
}

// MultiplierAdjustment returns the dampening factor, in (0, 1], to apply
// to multipliers quoted for new bets on the given direction. The caller
// combines it with the circuit breaker's factor and floors the result at
// the minimum multiplier.
func (t *Tracker) MultiplierAdjustment(direction model.Direction) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Adjustment keys off total utilization; direction is accepted for
	// future per-side skew policies.
	_ = direction

	switch u := t.utilization(t.totalLocked()); {
	case u >= 0.90:
		return 0.50
	case u >= 0.50:
		return 0.75
	case u >= 0.30:
		return 0.90
	default:
		return 1.0
	}
}

// utilization returns total exposure as a fraction of the platform limit.
func (t *Tracker) utilization(total decimal.Decimal) float64 {
	if !t.maxExposure.IsPositive() {
		return 0
	}
	u, _ := total.Div(t.maxExposure).Float64()
	return u
}

func riskLevel(utilization float64) string {
	switch {
	case utilization >= 0.90:
		return RiskCritical
	case utilization >= 0.50:
		return RiskHigh
	case utilization >= 0.30:
		return RiskModerate
	default:
		return RiskLow
	}
}
