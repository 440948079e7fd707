package pricing

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newModel() *Heuristic {
	return NewHeuristic(0.20, 1.01, 50)
}

const minute = int64(60000)

func TestPrice_InvalidInputs(t *testing.T) {
	m := newModel()

	if _, err := m.Price(0, 206, 0, 2*minute, 0.02); err != ErrInvalidPrice {
		t.Errorf("expected ErrInvalidPrice for zero price, got %v", err)
	}
	if _, err := m.Price(-5, 206, 0, 2*minute, 0.02); err != ErrInvalidPrice {
		t.Errorf("expected ErrInvalidPrice for negative price, got %v", err)
	}
	if _, err := m.Price(200, 206, 2*minute, minute, 0.02); err != ErrTargetNotAhead {
		t.Errorf("expected ErrTargetNotAhead for past target, got %v", err)
	}
	if _, err := m.Price(200, 206, minute, minute, 0.02); err != ErrTargetNotAhead {
		t.Errorf("expected ErrTargetNotAhead for equal times, got %v", err)
	}
}

func TestPrice_FairIsInverseProbability(t *testing.T) {
	m := newModel()

	// Scenario: current=200, target=206, Δt=2min, baseline volatility.
	q, err := m.Price(200, 206, 0, 2*minute, m.BaseVolatility)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantFair := 1.0 / q.TrueProbability
	gotFair, _ := q.FairMultiplier.Float64()
	if math.Abs(gotFair-wantFair) > 0.01 {
		t.Errorf("fair multiplier %v should be ≈ 1/p = %v", gotFair, wantFair)
	}
}

func TestPrice_DisplayReflectsHouseEdge(t *testing.T) {
	m := newModel()

	q, err := m.Price(200, 206, 0, 2*minute, m.BaseVolatility)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fair, _ := q.FairMultiplier.Float64()
	display, _ := q.DisplayMultiplier.Float64()

	// When unclamped, display/fair ≈ 1 - houseEdge within rounding.
	if display > m.MinMultiplier && display < m.MaxMultiplier {
		ratio := display / fair
		if math.Abs(ratio-0.80) > 0.01 {
			t.Errorf("display/fair = %v, want ≈ 0.80", ratio)
		}
	}
}

func TestPrice_MultiplierAlwaysWithinBounds(t *testing.T) {
	m := newModel()

	tests := []struct {
		name         string
		current      float64
		target       float64
		targetMillis int64
		volatility   float64
	}{
		{"tiny distance short time", 200, 200.01, 5000, 0.02},
		{"huge distance", 200, 400, 2 * minute, 0.02},
		{"long horizon", 200, 210, 60 * minute, 0.02},
		{"zero volatility", 200, 206, 2 * minute, 0},
		{"extreme volatility", 200, 206, 2 * minute, 0.50},
		{"millisecond horizon", 200, 206, 1, 0.02},
	}

	lo := d(m.MinMultiplier)
	hi := d(m.MaxMultiplier)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := m.Price(tt.current, tt.target, 0, tt.targetMillis, tt.volatility)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.DisplayMultiplier.LessThan(lo) || q.DisplayMultiplier.GreaterThan(hi) {
				t.Errorf("display multiplier %s out of [%s, %s]",
					q.DisplayMultiplier, lo, hi)
			}
			if q.TrueProbability < m.MinProbability || q.TrueProbability > m.MaxProbability {
				t.Errorf("probability %v out of [%v, %v]",
					q.TrueProbability, m.MinProbability, m.MaxProbability)
			}
		})
	}
}

func TestPrice_FartherTargetLowersProbability(t *testing.T) {
	m := newModel()

	near, _ := m.Price(200, 202, 0, 2*minute, m.BaseVolatility)
	far, _ := m.Price(200, 212, 0, 2*minute, m.BaseVolatility)

	if far.TrueProbability >= near.TrueProbability {
		t.Errorf("farther target should be less probable: near=%v far=%v",
			near.TrueProbability, far.TrueProbability)
	}
	if far.FairMultiplier.LessThanOrEqual(near.FairMultiplier) {
		t.Errorf("farther target should pay more: near=%s far=%s",
			near.FairMultiplier, far.FairMultiplier)
	}
}

func TestPrice_MoreTimeRaisesProbability(t *testing.T) {
	m := newModel()

	short, _ := m.Price(200, 206, 0, minute, m.BaseVolatility)
	long, _ := m.Price(200, 206, 0, 30*minute, m.BaseVolatility)

	if long.TrueProbability <= short.TrueProbability {
		t.Errorf("more time should raise probability: short=%v long=%v",
			short.TrueProbability, long.TrueProbability)
	}
}

func TestPrice_HigherVolatilityRaisesProbability(t *testing.T) {
	m := newModel()

	calm, _ := m.Price(200, 206, 0, 2*minute, 0.01)
	wild, _ := m.Price(200, 206, 0, 2*minute, 0.08)

	if wild.TrueProbability <= calm.TrueProbability {
		t.Errorf("higher volatility should raise probability: calm=%v wild=%v",
			calm.TrueProbability, wild.TrueProbability)
	}
}

func TestPrice_EdgeTiersByDistanceBand(t *testing.T) {
	m := newModel()
	m.EdgeTiers = []EdgeTier{
		{MaxDistance: 0.01, Edge: 0.10},
		{MaxDistance: 0.05, Edge: 0.20},
	}

	near, _ := m.Price(200, 201, 0, 2*minute, m.BaseVolatility) // 0.5% away
	mid, _ := m.Price(200, 206, 0, 2*minute, m.BaseVolatility)  // 3% away
	far, _ := m.Price(200, 220, 0, 2*minute, m.BaseVolatility)  // 10% away

	if near.HouseEdge != 0.10 {
		t.Errorf("near band edge = %v, want 0.10", near.HouseEdge)
	}
	if mid.HouseEdge != 0.20 {
		t.Errorf("mid band edge = %v, want 0.20", mid.HouseEdge)
	}
	if far.HouseEdge != m.HouseEdge {
		t.Errorf("beyond all tiers edge = %v, want default %v", far.HouseEdge, m.HouseEdge)
	}
}
