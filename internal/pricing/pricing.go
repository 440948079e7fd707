// Package pricing converts a wager's geometry (price distance, time to
// target, current volatility) into a win probability and a payout
// multiplier.
//
// The probability model is an explicit policy heuristic, not a calibrated
// financial model: exponential decay in price distance, square-root
// scaling in time, linear sensitivity to volatility relative to baseline.
// It is kept behind the Model interface so it can be swapped without
// touching admission or settlement.
//
// Multipliers are money-adjacent and returned as shopspring/decimal,
// rounded to 2 decimal places. Internal transcendental math uses float64.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPrice is returned when the current price is not positive.
	ErrInvalidPrice = errors.New("pricing: current price must be positive")

	// ErrTargetNotAhead is returned when the target time does not lie
	// after the current time.
	ErrTargetNotAhead = errors.New("pricing: target time must be after current time")
)

// Quote is the result of pricing one prospective wager.
type Quote struct {
	TrueProbability   float64
	FairMultiplier    decimal.Decimal
	DisplayMultiplier decimal.Decimal
	HouseEdge         float64
}

// Model prices a prospective wager. currentMillis/targetMillis are Unix
// epoch milliseconds; volatility is the realized volatility of the
// trailing price window.
type Model interface {
	Price(currentPrice, targetPrice float64, currentMillis, targetMillis int64, volatility float64) (Quote, error)
}

// EdgeTier applies a distinct house edge to wagers whose price distance
// falls below MaxDistance. Tiers are evaluated in order; the first match
// wins.
type EdgeTier struct {
	MaxDistance float64 // fractional price distance upper bound
	Edge        float64
}

// Heuristic is the default Model.
type Heuristic struct {
	// DistanceDecay is k₁ in exp(-distance·k₁). Higher = probability
	// falls off faster with distance.
	DistanceDecay float64

	// BaseVolatility normalizes the volatility input; at exactly
	// BaseVolatility the volatility term is neutral.
	BaseVolatility float64

	// MinProbability and MaxProbability clamp the raw probability.
	MinProbability float64
	MaxProbability float64

	// HouseEdge is the default fractional edge; EdgeTiers, when set,
	// override it by price-distance band.
	HouseEdge float64
	EdgeTiers []EdgeTier

	// MinMultiplier and MaxMultiplier clamp the display multiplier.
	MinMultiplier float64
	MaxMultiplier float64
}

// NewHeuristic returns a Heuristic with the standard policy constants
// and the given house edge and multiplier bounds.
func NewHeuristic(houseEdge, minMultiplier, maxMultiplier float64) *Heuristic {
	return &Heuristic{
		DistanceDecay:  25.0,
		BaseVolatility: 0.02,
		MinProbability: 0.01,
		MaxProbability: 0.95,
		HouseEdge:      houseEdge,
		MinMultiplier:  minMultiplier,
		MaxMultiplier:  maxMultiplier,
	}
}

// referenceTimeMinutes is the time horizon at which the sqrt time term
// is neutral.
const referenceTimeMinutes = 5.0

// timeEpsilonMinutes floors the time term so a target a few milliseconds
// ahead never produces a zero probability.
const timeEpsilonMinutes = 0.01

// Price implements Model.
func (h *Heuristic) Price(currentPrice, targetPrice float64, currentMillis, targetMillis int64, volatility float64) (Quote, error) {
	if currentPrice <= 0 {
		return Quote{}, ErrInvalidPrice
	}
	if targetMillis <= currentMillis {
		return Quote{}, ErrTargetNotAhead
	}

	priceDistance := math.Abs(targetPrice-currentPrice) / currentPrice

	timeMinutes := float64(targetMillis-currentMillis) / 60000.0
	if timeMinutes < timeEpsilonMinutes {
		timeMinutes = timeEpsilonMinutes
	}

	distanceTerm := math.Exp(-priceDistance * h.DistanceDecay)
	timeTerm := math.Sqrt(timeMinutes / referenceTimeMinutes)

	volTerm := 1.0
	if h.BaseVolatility > 0 {
		volTerm = 1.0 + (volatility/h.BaseVolatility-1.0)*0.5
	}
	if volTerm < 0 {
		volTerm = 0
	}

	p := distanceTerm * timeTerm * volTerm
	p = clamp(p, h.MinProbability, h.MaxProbability)

	edge := h.edgeFor(priceDistance)

	fair := 1.0 / p
	display := clamp(fair*(1.0-edge), h.MinMultiplier, h.MaxMultiplier)

	return Quote{
		TrueProbability:   p,
		FairMultiplier:    decimal.NewFromFloat(fair).Round(2),
		DisplayMultiplier: decimal.NewFromFloat(display).Round(2),
		HouseEdge:         edge,
	}, nil
}

func (h *Heuristic) edgeFor(priceDistance float64) float64 {
	for _, tier := range h.EdgeTiers {
		if priceDistance < tier.MaxDistance {
			return tier.Edge
		}
	}
	return h.HouseEdge
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
