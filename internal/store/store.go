// Package store defines the Ledger, the bet and per-user state of record.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// The engine depends only on this contract, never on a storage technology.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tapx/risk-engine/internal/model"
)

var (
	// ErrBetNotFound is returned when a bet id is unknown.
	ErrBetNotFound = errors.New("store: bet not found")

	// ErrUserNotFound is returned when a user id is unknown.
	ErrUserNotFound = errors.New("store: user not found")

	// ErrInsufficientBalance is returned when a debit would take a balance
	// negative.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// Ledger is the persistence contract. Multi-step money movements are
// atomic inside each call: a failed call leaves no partial state.
type Ledger interface {
	// --- Users ---

	// EnsureUser returns the user's state, creating it with the given
	// starting balance on first sight.
	EnsureUser(ctx context.Context, userID string, initialBalance decimal.Decimal) (*model.UserState, error)

	// GetUserState returns the user's current state.
	GetUserState(ctx context.Context, userID string) (*model.UserState, error)

	// Credit adds amount to the user's balance.
	Credit(ctx context.Context, userID string, amount decimal.Decimal) error

	// Debit subtracts amount from the user's balance, failing with
	// ErrInsufficientBalance rather than going negative.
	Debit(ctx context.Context, userID string, amount decimal.Decimal) error

	// --- Bets ---

	// PlaceBet atomically debits the stake and inserts the bet with
	// status active, updating the user's last-bet timestamp.
	PlaceBet(ctx context.Context, bet *model.Bet) error

	// GetBet returns a bet by id.
	GetBet(ctx context.Context, betID string) (*model.Bet, error)

	// BetsByUser returns all of a user's bets, newest first.
	BetsByUser(ctx context.Context, userID string) ([]*model.Bet, error)

	// ActiveBetsByUser returns the user's currently active bets.
	ActiveBetsByUser(ctx context.Context, userID string) ([]*model.Bet, error)

	// ActiveBets returns every active bet; the expiry sweep scans these.
	ActiveBets(ctx context.Context) ([]*model.Bet, error)

	// SettleBet transitions an active bet to the given terminal status,
	// credits payout to the user (zero for a loss), and rolls the user's
	// daily payout total when status is won. Returns false without error
	// when the bet was already terminal — settlement is idempotent.
	SettleBet(ctx context.Context, betID string, status model.BetStatus, payout decimal.Decimal, resolvedAt time.Time) (bool, error)

	// MarkForReview flags a bet for manual intervention after repeated
	// resolution failure. The bet stays active so funds remain accounted.
	MarkForReview(ctx context.Context, betID string) error
}
