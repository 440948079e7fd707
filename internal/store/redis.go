package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tapx/risk-engine/internal/model"
)

// CachedLedger wraps a primary Ledger (PostgreSQL) with a Redis
// read-through cache for bet and user reads. Writes go to the primary
// and invalidate the cache.
type CachedLedger struct {
	primary Ledger
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedLedger creates a cached wrapper around a primary ledger.
func NewCachedLedger(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedLedger {
	return &CachedLedger{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedLedger) EnsureUser(ctx context.Context, userID string, initialBalance decimal.Decimal) (*model.UserState, error) {
	u, err := s.primary.EnsureUser(ctx, userID, initialBalance)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedLedger) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := s.primary.Credit(ctx, userID, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(userID))
	return nil
}

func (s *CachedLedger) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := s.primary.Debit(ctx, userID, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(userID))
	return nil
}

func (s *CachedLedger) PlaceBet(ctx context.Context, bet *model.Bet) error {
	if err := s.primary.PlaceBet(ctx, bet); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(bet.UserID))
	s.cacheBet(ctx, bet)
	return nil
}

func (s *CachedLedger) SettleBet(ctx context.Context, betID string, status model.BetStatus, payout decimal.Decimal, resolvedAt time.Time) (bool, error) {
	applied, err := s.primary.SettleBet(ctx, betID, status, payout, resolvedAt)
	if err != nil {
		return false, err
	}
	if applied {
		// Invalidate both; next read re-populates from the primary.
		s.rdb.Del(ctx, betKey(betID))
		if bet, berr := s.primary.GetBet(ctx, betID); berr == nil {
			s.rdb.Del(ctx, userKey(bet.UserID))
		}
	}
	return applied, nil
}

func (s *CachedLedger) MarkForReview(ctx context.Context, betID string) error {
	if err := s.primary.MarkForReview(ctx, betID); err != nil {
		return err
	}
	s.rdb.Del(ctx, betKey(betID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedLedger) GetBet(ctx context.Context, betID string) (*model.Bet, error) {
	data, err := s.rdb.Get(ctx, betKey(betID)).Bytes()
	if err == nil {
		var b model.Bet
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	s.cacheBet(ctx, b)
	return b, nil
}

func (s *CachedLedger) GetUserState(ctx context.Context, userID string) (*model.UserState, error) {
	data, err := s.rdb.Get(ctx, userKey(userID)).Bytes()
	if err == nil {
		var u model.UserState
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUserState(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	return u, nil
}

// --- Passthrough (not cached: status-filtered lists go stale too fast) ---

func (s *CachedLedger) BetsByUser(ctx context.Context, userID string) ([]*model.Bet, error) {
	return s.primary.BetsByUser(ctx, userID)
}

func (s *CachedLedger) ActiveBetsByUser(ctx context.Context, userID string) ([]*model.Bet, error) {
	return s.primary.ActiveBetsByUser(ctx, userID)
}

func (s *CachedLedger) ActiveBets(ctx context.Context) ([]*model.Bet, error) {
	return s.primary.ActiveBets(ctx)
}

// --- Cache helpers ---

func (s *CachedLedger) cacheBet(ctx context.Context, b *model.Bet) {
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, betKey(b.ID), data, s.ttl)
	}
}

func (s *CachedLedger) cacheUser(ctx context.Context, u *model.UserState) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.UserID), data, s.ttl)
	}
}

func betKey(id string) string  { return fmt.Sprintf("bet:%s", id) }
func userKey(id string) string { return fmt.Sprintf("user:%s", id) }
