// Package arbitrage detects wager combinations that guarantee a profit
// regardless of outcome. A user holding opposite-direction positions
// whose guaranteed minimum payout exceeds their combined stake has locked
// in risk-free money at the platform's expense; such a new wager is
// rejected before any state mutation.
package arbitrage

import (
	"github.com/shopspring/decimal"

	"github.com/tapx/risk-engine/internal/model"
)

// maxImpliedProbabilitySum rejects position pairs whose combined implied
// probabilities (1/multiplier per side) cover more than 95% of the outcome
// space. Opposite positions resolve against the same reference price, so
// near-full coverage makes one payout close to certain even without a
// strict guaranteed profit.
const maxImpliedProbabilitySum = 0.95

// Result is the outcome of an arbitrage check.
type Result struct {
	IsArbitrage               bool            `json:"is_arbitrage"`
	PotentialGuaranteedProfit decimal.Decimal `json:"potential_guaranteed_profit"`
	Reason                    string          `json:"reason,omitempty"`
}

// Guard evaluates new wagers against a user's existing open positions.
// Stateless; all inputs are passed per call.
type Guard struct{}

// NewGuard creates a Guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Check evaluates whether placing a new bet of newAmount at newMultiplier
// on newDirection, alongside the user's existing active bets, guarantees
// a profit regardless of which way the price resolves.
func (g *Guard) Check(existing []*model.Bet, newDirection model.Direction, newAmount, newMultiplier decimal.Decimal) Result {
	opposite := newDirection.Opposite()

	// Collect the user's open positions on the opposite side.
	var oppositeStake decimal.Decimal
	bestOppositePayout := decimal.Zero
	bestOppositeMultiplier := decimal.Zero

	for _, b := range existing {
		if b.Status != model.StatusActive || b.Direction != opposite {
			continue
		}
		oppositeStake = oppositeStake.Add(b.Amount)
		if payout := b.PotentialPayout(); payout.GreaterThan(bestOppositePayout) {
			bestOppositePayout = payout
			bestOppositeMultiplier = b.Multiplier
		}
	}

	if bestOppositePayout.IsZero() {
		return Result{PotentialGuaranteedProfit: decimal.Zero}
	}

	newPayout := newAmount.Mul(newMultiplier)
	totalStake := newAmount.Add(oppositeStake)

	// Worst case for the user is whichever side pays less; if even that
	// exceeds everything staked, the profit is guaranteed.
	worstPayout := decimal.Min(newPayout, bestOppositePayout)
	if worstPayout.GreaterThan(totalStake) {
		return Result{
			IsArbitrage:               true,
			PotentialGuaranteedProfit: worstPayout.Sub(totalStake),
			Reason:                    "guaranteed profit across opposite positions",
		}
	}

	// Implied probability screen: 1/multiplier per side.
	impliedSum := impliedProbability(newMultiplier) + impliedProbability(bestOppositeMultiplier)
	if impliedSum > maxImpliedProbabilitySum {
		return Result{
			IsArbitrage:               true,
			PotentialGuaranteedProfit: decimal.Zero,
			Reason:                    "implied probabilities exceed threshold",
		}
	}

	return Result{PotentialGuaranteedProfit: decimal.Zero}
}

func impliedProbability(multiplier decimal.Decimal) float64 {
	m, _ := multiplier.Float64()
	if m <= 0 {
		return 0
	}
	return 1.0 / m
}
