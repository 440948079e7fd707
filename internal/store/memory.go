package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tapx/risk-engine/internal/model"
)

// MemoryLedger implements Ledger with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryLedger struct {
	mu    sync.RWMutex
	bets  map[string]*model.Bet
	users map[string]*model.UserState
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		bets:  make(map[string]*model.Bet),
		users: make(map[string]*model.UserState),
	}
}

func (s *MemoryLedger) EnsureUser(_ context.Context, userID string, initialBalance decimal.Decimal) (*model.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = &model.UserState{
			UserID:           userID,
			Balance:          initialBalance,
			DailyPayoutTotal: decimal.Zero,
		}
		s.users[userID] = u
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryLedger) GetUserState(_ context.Context, userID string) (*model.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryLedger) Credit(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(userID, amount)
}

func (s *MemoryLedger) creditLocked(userID string, amount decimal.Decimal) error {
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	u.Balance = u.Balance.Add(amount)
	return nil
}

func (s *MemoryLedger) Debit(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(userID, amount)
}

func (s *MemoryLedger) debitLocked(userID string, amount decimal.Decimal) error {
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if u.Balance.LessThan(amount) {
		return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientBalance, u.Balance, amount)
	}
	u.Balance = u.Balance.Sub(amount)
	return nil
}

func (s *MemoryLedger) PlaceBet(_ context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bets[bet.ID]; exists {
		return fmt.Errorf("store: bet %s already exists", bet.ID)
	}
	if err := s.debitLocked(bet.UserID, bet.Amount); err != nil {
		return err
	}

	s.users[bet.UserID].LastBetAt = bet.PlacedAt

	// Store a copy to avoid external mutation.
	copy := *bet
	s.bets[bet.ID] = &copy
	return nil
}

func (s *MemoryLedger) GetBet(_ context.Context, betID string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[betID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBetNotFound, betID)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryLedger) BetsByUser(_ context.Context, userID string) ([]*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []*model.Bet
	for _, b := range s.bets {
		if b.UserID == userID {
			copy := *b
			bets = append(bets, &copy)
		}
	}
	sort.Slice(bets, func(i, j int) bool { return bets[i].PlacedAt.After(bets[j].PlacedAt) })
	return bets, nil
}

func (s *MemoryLedger) ActiveBetsByUser(_ context.Context, userID string) ([]*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []*model.Bet
	for _, b := range s.bets {
		if b.UserID == userID && b.Status == model.StatusActive {
			copy := *b
			bets = append(bets, &copy)
		}
	}
	return bets, nil
}

func (s *MemoryLedger) ActiveBets(_ context.Context) ([]*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []*model.Bet
	for _, b := range s.bets {
		if b.Status == model.StatusActive {
			copy := *b
			bets = append(bets, &copy)
		}
	}
	return bets, nil
}

func (s *MemoryLedger) SettleBet(_ context.Context, betID string, status model.BetStatus, payout decimal.Decimal, resolvedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("store: settle with non-terminal status %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrBetNotFound, betID)
	}
	if b.Status != model.StatusActive {
		return false, nil // already settled; idempotent
	}

	if payout.IsPositive() {
		if err := s.creditLocked(b.UserID, payout); err != nil {
			return false, err
		}
	}
	if status == model.StatusWon {
		s.addDailyPayoutLocked(b.UserID, payout, resolvedAt)
	}

	b.Status = status
	b.ResolvedAt = &resolvedAt
	b.Payout = &payout
	b.NeedsReview = false
	return true, nil
}

// addDailyPayoutLocked accumulates the user's winnings for the local day,
// resetting the total at day rollover.
func (s *MemoryLedger) addDailyPayoutLocked(userID string, payout decimal.Decimal, at time.Time) {
	u, ok := s.users[userID]
	if !ok {
		return
	}
	day := at.Local().Format("2006-01-02")
	if u.DailyPayoutDay != day {
		u.DailyPayoutDay = day
		u.DailyPayoutTotal = decimal.Zero
	}
	u.DailyPayoutTotal = u.DailyPayoutTotal.Add(payout)
}

func (s *MemoryLedger) MarkForReview(_ context.Context, betID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBetNotFound, betID)
	}
	b.NeedsReview = true
	return nil
}
