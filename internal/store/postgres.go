package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tapx/risk-engine/internal/model"
)

// PostgresLedger implements Ledger using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const betColumns = `id, user_id, amount::TEXT, direction, target_price, target_time,
       multiplier::TEXT, price_at_placement, status, placed_at,
       resolved_at, payout::TEXT, needs_review`

func (s *PostgresLedger) EnsureUser(ctx context.Context, userID string, initialBalance decimal.Decimal) (*model.UserState, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, balance, daily_payout_total, daily_payout_day)
		 VALUES ($1, $2::NUMERIC, 0, '')
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, initialBalance.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure user %s: %w", userID, err)
	}
	return s.GetUserState(ctx, userID)
}

func (s *PostgresLedger) GetUserState(ctx context.Context, userID string) (*model.UserState, error) {
	var u model.UserState
	var balance, dailyTotal string
	var lastBetAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, daily_payout_total::TEXT, daily_payout_day, last_bet_at
		 FROM users WHERE user_id = $1`, userID).
		Scan(&u.UserID, &balance, &dailyTotal, &u.DailyPayoutDay, &lastBetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}

	u.Balance, _ = decimal.NewFromString(balance)
	u.DailyPayoutTotal, _ = decimal.NewFromString(dailyTotal)
	if lastBetAt != nil {
		u.LastBetAt = *lastBetAt
	}
	return &u, nil
}

func (s *PostgresLedger) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE user_id = $1`,
		userID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("credit %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

func (s *PostgresLedger) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	// The balance guard in the WHERE clause makes the debit atomic.
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = balance - $2::NUMERIC
		 WHERE user_id = $1 AND balance >= $2::NUMERIC`,
		userID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("debit %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, uerr := s.GetUserState(ctx, userID); uerr != nil {
			return uerr
		}
		return fmt.Errorf("%w: user %s", ErrInsufficientBalance, userID)
	}
	return nil
}

func (s *PostgresLedger) PlaceBet(ctx context.Context, bet *model.Bet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("place bet: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2::NUMERIC, last_bet_at = $3
		 WHERE user_id = $1 AND balance >= $2::NUMERIC`,
		bet.UserID, bet.Amount.String(), bet.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("place bet: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrInsufficientBalance, bet.UserID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO bets (id, user_id, amount, direction, target_price, target_time,
		                   multiplier, price_at_placement, status, placed_at, needs_review)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8, $9, $10, false)`,
		bet.ID, bet.UserID, bet.Amount.String(), string(bet.Direction),
		bet.TargetPrice, bet.TargetTime,
		bet.Multiplier.String(), bet.PriceAtPlacement,
		string(bet.Status), bet.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("place bet: insert: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresLedger) GetBet(ctx context.Context, betID string) (*model.Bet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE id = $1`, betID)

	bet, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBetNotFound, betID)
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", betID, err)
	}
	return bet, nil
}

func (s *PostgresLedger) BetsByUser(ctx context.Context, userID string) ([]*model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE user_id = $1 ORDER BY placed_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func (s *PostgresLedger) ActiveBetsByUser(ctx context.Context, userID string) ([]*model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE user_id = $1 AND status = 'active'`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func (s *PostgresLedger) ActiveBets(ctx context.Context) ([]*model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func (s *PostgresLedger) SettleBet(ctx context.Context, betID string, status model.BetStatus, payout decimal.Decimal, resolvedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("store: settle with non-terminal status %s", status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("settle bet: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Compare-and-set on status makes concurrent settlement attempts
	// apply exactly once.
	var userID string
	err = tx.QueryRow(ctx,
		`UPDATE bets
		 SET status = $2, resolved_at = $3, payout = $4::NUMERIC, needs_review = false
		 WHERE id = $1 AND status = 'active'
		 RETURNING user_id`,
		betID, string(status), resolvedAt, payout.String(),
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil // already terminal (or unknown); idempotent no-op
	}
	if err != nil {
		return false, fmt.Errorf("settle bet %s: %w", betID, err)
	}

	if payout.IsPositive() {
		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance + $2::NUMERIC WHERE user_id = $1`,
			userID, payout.String(),
		); err != nil {
			return false, fmt.Errorf("settle bet %s: credit: %w", betID, err)
		}
	}

	if status == model.StatusWon {
		day := resolvedAt.Local().Format("2006-01-02")
		if _, err := tx.Exec(ctx,
			`UPDATE users
			 SET daily_payout_total = CASE WHEN daily_payout_day = $2
			                               THEN daily_payout_total + $3::NUMERIC
			                               ELSE $3::NUMERIC END,
			     daily_payout_day = $2
			 WHERE user_id = $1`,
			userID, day, payout.String(),
		); err != nil {
			return false, fmt.Errorf("settle bet %s: daily payout: %w", betID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresLedger) MarkForReview(ctx context.Context, betID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bets SET needs_review = true WHERE id = $1`, betID)
	if err != nil {
		return fmt.Errorf("mark review %s: %w", betID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrBetNotFound, betID)
	}
	return nil
}

// scanBet reads one bet row.
func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var amount, multiplier string
	var payout *string
	var direction, status string

	err := row.Scan(&b.ID, &b.UserID, &amount, &direction, &b.TargetPrice, &b.TargetTime,
		&multiplier, &b.PriceAtPlacement, &status, &b.PlacedAt,
		&b.ResolvedAt, &payout, &b.NeedsReview)
	if err != nil {
		return nil, err
	}

	b.Amount, _ = decimal.NewFromString(amount)
	b.Multiplier, _ = decimal.NewFromString(multiplier)
	b.Direction = model.Direction(direction)
	b.Status = model.BetStatus(status)
	if payout != nil {
		p, _ := decimal.NewFromString(*payout)
		b.Payout = &p
	}
	return &b, nil
}

func scanBets(rows pgx.Rows) ([]*model.Bet, error) {
	var bets []*model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}
