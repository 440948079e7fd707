package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tapx/risk-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedBet(t *testing.T, s *MemoryLedger, id, userID string, amount float64) *model.Bet {
	t.Helper()
	bet := &model.Bet{
		ID:               id,
		UserID:           userID,
		Amount:           d(amount),
		Direction:        model.DirectionUp,
		TargetPrice:      206,
		TargetTime:       time.Now().Add(2 * time.Minute),
		Multiplier:       d(2.0),
		PriceAtPlacement: 200,
		Status:           model.StatusActive,
		PlacedAt:         time.Now(),
	}
	if err := s.PlaceBet(context.Background(), bet); err != nil {
		t.Fatalf("seed bet: %v", err)
	}
	return bet
}

func TestPlaceBet_DebitsAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedger()
	s.EnsureUser(ctx, "user1", d(100))

	seedBet(t, s, "bet-1", "user1", 30)

	u, err := s.GetUserState(ctx, "user1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.Balance.Equal(d(70)) {
		t.Errorf("balance = %s, want 70", u.Balance)
	}

	b, err := s.GetBet(ctx, "bet-1")
	if err != nil {
		t.Fatalf("get bet: %v", err)
	}
	if b.Status != model.StatusActive {
		t.Errorf("status = %s, want active", b.Status)
	}
}

func TestPlaceBet_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedger()
	s.EnsureUser(ctx, "user1", d(10))

	bet := &model.Bet{
		ID:     "bet-1",
		UserID: "user1",
		Amount: d(50),
		Status: model.StatusActive,
	}
	err := s.PlaceBet(ctx, bet)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// No partial state: the bet must not exist.
	if _, err := s.GetBet(ctx, "bet-1"); !errors.Is(err, ErrBetNotFound) {
		t.Errorf("rejected bet should not be stored, got %v", err)
	}
}

func TestSettleBet_WinCreditsAndTracksDaily(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedger()
	s.EnsureUser(ctx, "user1", d(100))
	seedBet(t, s, "bet-1", "user1", 10)

	now := time.Now()
	applied, err := s.SettleBet(ctx, "bet-1", model.StatusWon, d(19.50), now)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !applied {
		t.Fatal("first settlement should apply")
	}

	u, _ := s.GetUserState(ctx, "user1")
	if !u.Balance.Equal(d(109.50)) { // 100 - 10 + 19.50
		t.Errorf("balance = %s, want 109.50", u.Balance)
	}
	if !u.DailyPayoutTotal.Equal(d(19.50)) {
		t.Errorf("daily payout = %s, want 19.50", u.DailyPayoutTotal)
	}

	b, _ := s.GetBet(ctx, "bet-1")
	if b.Status != model.StatusWon || b.ResolvedAt == nil || b.Payout == nil {
		t.Errorf("settled bet incomplete: %+v", b)
	}
}

func TestSettleBet_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedger()
	s.EnsureUser(ctx, "user1", d(100))
	seedBet(t, s, "bet-1", "user1", 10)

	if applied, _ := s.SettleBet(ctx, "bet-1", model.StatusWon, d(20), time.Now()); !applied {
		t.Fatal("first settlement should apply")
	}
	applied, err := s.SettleBet(ctx, "bet-1", model.StatusWon, d(20), time.Now())
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if applied {
		t.Error("second settlement must be a no-op")
	}

	u, _ := s.GetUserState(ctx, "user1")
	if !u.Balance.Equal(d(110)) { // exactly one credit
		t.Errorf("balance = %s, want 110", u.Balance)
	}
}

func TestSettleBet_ConcurrentExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedger()
	s.EnsureUser(ctx, "user1", d(100))
	seedBet(t, s, "bet-1", "user1", 10)

	const n = 20
	appliedCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.SettleBet(ctx, "bet-1", model.StatusWon, d(20), time.Now())
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			if applied {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if appliedCount != 1 {
		t.Errorf("settlement applied %d times, want exactly 1", appliedCount)
	}
	u, _ := s.GetUserState(ctx, "user1")
	if !u.Balance.Equal(d(110)) {
		t.Errorf("balance = %s, want 110", u.Balance)
	}
}

func TestSettleBet_LossPaysNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedger()
	s.EnsureUser(ctx, "user1", d(100))
	seedBet(t, s, "bet-1", "user1", 10)

	if _, err := s.SettleBet(ctx, "bet-1", model.StatusLost, decimal.Zero, time.Now()); err != nil {
		t.Fatalf("settle: %v", err)
	}

	u, _ := s.GetUserState(ctx, "user1")
	if !u.Balance.Equal(d(90)) {
		t.Errorf("balance = %s, want 90 (stake kept by house)", u.Balance)
	}
	if !u.DailyPayoutTotal.Equal(decimal.Zero) {
		t.Errorf("losses must not count toward daily payouts, got %s", u.DailyPayoutTotal)
	}
}

func TestSettleBet_ExpiredRefundsStake(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedger()
	s.EnsureUser(ctx, "user1", d(100))
	bet := seedBet(t, s, "bet-1", "user1", 10)

	if _, err := s.SettleBet(ctx, bet.ID, model.StatusExpired, bet.Amount, time.Now()); err != nil {
		t.Fatalf("settle: %v", err)
	}

	u, _ := s.GetUserState(ctx, "user1")
	if !u.Balance.Equal(d(100)) {
		t.Errorf("balance = %s, want full refund back to 100", u.Balance)
	}
	if !u.DailyPayoutTotal.Equal(decimal.Zero) {
		t.Errorf("refunds must not count toward daily payouts, got %s", u.DailyPayoutTotal)
	}
}

func TestActiveBets_FiltersTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedger()
	s.EnsureUser(ctx, "user1", d(100))
	seedBet(t, s, "bet-1", "user1", 10)
	seedBet(t, s, "bet-2", "user1", 10)
	s.SettleBet(ctx, "bet-1", model.StatusLost, decimal.Zero, time.Now())

	active, err := s.ActiveBets(ctx)
	if err != nil {
		t.Fatalf("active bets: %v", err)
	}
	if len(active) != 1 || active[0].ID != "bet-2" {
		t.Errorf("active bets = %v, want only bet-2", active)
	}
}

func TestMarkForReview(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedger()
	s.EnsureUser(ctx, "user1", d(100))
	seedBet(t, s, "bet-1", "user1", 10)

	if err := s.MarkForReview(ctx, "bet-1"); err != nil {
		t.Fatalf("mark review: %v", err)
	}
	b, _ := s.GetBet(ctx, "bet-1")
	if !b.NeedsReview {
		t.Error("bet should be flagged for review")
	}
	if b.Status != model.StatusActive {
		t.Error("flagged bet must stay active so funds remain accounted")
	}
}
