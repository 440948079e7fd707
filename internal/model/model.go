// Package model defines the core domain types shared across the risk engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Prices, probabilities, and volatility are market data, not money, and
// stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the outcome side of a wager: will the price be above or
// below the target at the target time.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionUp {
		return DirectionDown
	}
	return DirectionUp
}

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// BetStatus is the lifecycle state of a bet. A bet transitions from
// active to exactly one terminal status, exactly once.
type BetStatus string

const (
	StatusActive  BetStatus = "active"
	StatusWon     BetStatus = "won"
	StatusLost    BetStatus = "lost"
	StatusExpired BetStatus = "expired"
)

// Terminal reports whether s is a terminal status.
func (s BetStatus) Terminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusExpired
}

// Bet is the record of a single wager. Owned exclusively by the Ledger;
// created only by a successful placement, mutated exactly once by
// settlement or the expiry sweep, and never deleted afterwards.
type Bet struct {
	ID               string           `json:"id" db:"id"`
	UserID           string           `json:"user_id" db:"user_id"`
	Amount           decimal.Decimal  `json:"amount" db:"amount"`
	Direction        Direction        `json:"direction" db:"direction"`
	TargetPrice      float64          `json:"target_price" db:"target_price"`
	TargetTime       time.Time        `json:"target_time" db:"target_time"`
	Multiplier       decimal.Decimal  `json:"multiplier" db:"multiplier"`
	PriceAtPlacement float64          `json:"price_at_placement" db:"price_at_placement"`
	Status           BetStatus        `json:"status" db:"status"`
	PlacedAt         time.Time        `json:"placed_at" db:"placed_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
	Payout           *decimal.Decimal `json:"payout,omitempty" db:"payout"`
	NeedsReview      bool             `json:"needs_review" db:"needs_review"`
}

// PotentialPayout is the gross amount owed if the bet wins.
func (b *Bet) PotentialPayout() decimal.Decimal {
	return b.Amount.Mul(b.Multiplier)
}

// UserState is the per-user balance and bookkeeping record.
// DailyPayoutTotal resets when DailyPayoutDay changes (local-day rollover).
type UserState struct {
	UserID           string          `json:"user_id" db:"user_id"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`
	DailyPayoutTotal decimal.Decimal `json:"daily_payout_total" db:"daily_payout_total"`
	DailyPayoutDay   string          `json:"daily_payout_day" db:"daily_payout_day"` // YYYY-MM-DD local
	LastBetAt        time.Time       `json:"last_bet_at" db:"last_bet_at"`
}

// PriceQuote is a single upstream source's view of the price.
type PriceQuote struct {
	Source    string    `json:"source"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Stale     bool      `json:"stale"`
}

// Confidence tiers for an aggregated price.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// VerifiedPrice is the aggregated, manipulation-checked reference price.
type VerifiedPrice struct {
	Price       float64   `json:"price"`
	Sources     int       `json:"sources"`
	SpreadPct   float64   `json:"spread_pct"`
	Confidence  string    `json:"confidence"`
	Manipulated bool      `json:"manipulated"`
	Reasons     []string  `json:"reasons,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// DirectionExposure is the aggregate open risk on one outcome direction.
type DirectionExposure struct {
	TotalStake      decimal.Decimal `json:"total_stake"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	BetCount        int             `json:"bet_count"`
}

// ExposureSnapshot is a point-in-time view of platform risk.
type ExposureSnapshot struct {
	PerDirection  map[Direction]DirectionExposure `json:"per_direction"`
	TotalExposure decimal.Decimal                 `json:"total_exposure"`
	RiskLevel     string                          `json:"risk_level"` // low | moderate | high | critical
}

// SettlementResult describes a resolved or expired bet for event consumers.
type SettlementResult struct {
	Bet         *Bet            `json:"bet"`
	Won         bool            `json:"won"`
	FinalPrice  float64         `json:"final_price"`
	GrossPayout decimal.Decimal `json:"gross_payout"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	NetPayout   decimal.Decimal `json:"net_payout"`
}
