package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tapx/risk-engine/internal/arbitrage"
	"github.com/tapx/risk-engine/internal/breaker"
	"github.com/tapx/risk-engine/internal/exposure"
	"github.com/tapx/risk-engine/internal/metrics"
	"github.com/tapx/risk-engine/internal/model"
	"github.com/tapx/risk-engine/internal/oracle"
	"github.com/tapx/risk-engine/internal/pricing"
	"github.com/tapx/risk-engine/internal/ratelimit"
	"github.com/tapx/risk-engine/internal/store"
)

// EventSink receives engine events. See the event package for the fan-out
// and concrete sinks.
type EventSink interface {
	OnBetPlaced(bet *model.Bet)
	OnBetResolved(result *model.SettlementResult)
	OnBreakerChanged(state breaker.State)
}

// Config is the engine's admission and settlement policy.
type Config struct {
	MinBet              decimal.Decimal
	MaxBet              decimal.Decimal
	MaxSinglePayout     decimal.Decimal
	MaxDailyPayout      decimal.Decimal
	MaxPlatformExposure decimal.Decimal
	MaxActiveBets       int
	InitialBalance      decimal.Decimal // starting balance for first-seen users

	MinMultiplier float64
	FeeRate       decimal.Decimal // platform fee on winnings

	MinPriceDistancePct  float64
	MaxPriceDistancePct  float64
	SlippageTolerancePct float64

	MinTargetLead time.Duration
	MaxTargetLead time.Duration

	JitterMin     time.Duration
	JitterMax     time.Duration
	ExpiryGrace   time.Duration
	SweepInterval time.Duration

	ResolveTimeout time.Duration
}

// Service wires the oracle, pricing model, risk trackers, and ledger into
// the placement and settlement flows. One instance owns all engine state.
type Service struct {
	cfg     Config
	ledger  store.Ledger
	oracle  *oracle.Oracle
	model   pricing.Model
	tracker *exposure.Tracker
	breaker *breaker.Breaker
	guard   *arbitrage.Guard
	limiter *ratelimit.PerUser
	events  EventSink
	sched   *Scheduler
	now     func() time.Time

	// userLocks serializes a user's placement validation and commit.
	// Lock order is always user → exposure (the tracker locks itself).
	userLocks sync.Map // userID → *sync.Mutex

	levelMu   sync.Mutex
	lastLevel breaker.Level
}

// New creates the engine service. events may be nil; now may be nil.
func New(cfg Config, ledger store.Ledger, orc *oracle.Oracle, priceModel pricing.Model,
	tracker *exposure.Tracker, brk *breaker.Breaker, limiter *ratelimit.PerUser,
	events EventSink, now func() time.Time) *Service {

	if now == nil {
		now = time.Now
	}
	s := &Service{
		cfg:       cfg,
		ledger:    ledger,
		oracle:    orc,
		model:     priceModel,
		tracker:   tracker,
		breaker:   brk,
		guard:     arbitrage.NewGuard(),
		limiter:   limiter,
		events:    events,
		now:       now,
		lastLevel: breaker.LevelNormal,
	}
	s.sched = NewScheduler(s.resolveFromTimer, cfg.JitterMin, cfg.JitterMax, now)

	// Every aggregated oracle price feeds the breaker.
	orc.OnPrice = s.observePrice
	return s
}

// Scheduler exposes the settlement scheduler, for shutdown.
func (s *Service) Scheduler() *Scheduler {
	return s.sched
}

// PlaceBetRequest is the engine's placement input, as supplied by the
// API layer (which has already resolved identity).
type PlaceBetRequest struct {
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	TargetPrice      float64         `json:"target_price"`
	TargetTime       string          `json:"target_time"` // ISO 8601
	PriceAtPlacement float64         `json:"price_at_placement"`
}

// PlaceBetResponse is returned on a committed placement.
type PlaceBetResponse struct {
	ID              string          `json:"id"`
	Direction       model.Direction `json:"direction"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	TargetTime      time.Time       `json:"target_time"`
}

// PlaceBet runs the full admission pipeline and, on success, commits the
// debit, the bet record, and the exposure as one unit, then schedules
// settlement. Every rejection is a *Error and leaves no state behind.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResponse, error) {
	start := s.now()

	// Fail fast before any lock.
	if !s.limiter.Allow(req.UserID) {
		return nil, s.rejected(reject(CodeRateLimited, "minimum interval between bets not elapsed"))
	}

	if req.Amount.LessThan(s.cfg.MinBet) || req.Amount.GreaterThan(s.cfg.MaxBet) {
		return nil, s.rejected(reject(CodeInvalidAmount,
			"amount %s outside [%s, %s]", req.Amount, s.cfg.MinBet, s.cfg.MaxBet))
	}

	targetTime, err := time.Parse(time.RFC3339, req.TargetTime)
	if err != nil {
		return nil, s.rejected(reject(CodeInvalidTargetTime, "target_time: %v", err))
	}
	lead := targetTime.Sub(start)
	if lead < s.cfg.MinTargetLead || lead > s.cfg.MaxTargetLead {
		return nil, s.rejected(reject(CodeInvalidTargetTime,
			"target must be %s to %s ahead, got %s", s.cfg.MinTargetLead, s.cfg.MaxTargetLead, lead))
	}

	if !s.breaker.AllowBetting() {
		return nil, s.rejected(reject(CodeCircuitBreakerActive, "betting is temporarily halted"))
	}

	// Pricing inputs are read outside any engine lock; the oracle is the
	// only suspension point in the pipeline.
	vp, err := s.oracle.GetVerifiedPrice(ctx)
	if err != nil {
		return nil, s.rejected(reject(CodeOracleUnavailable, "reference price unavailable: %v", err))
	}
	if vp.Manipulated {
		return nil, s.rejected(reject(CodeOracleManipulated, "reference price failed verification"))
	}
	current := vp.Price

	distance := math.Abs(req.TargetPrice-current) / current
	if distance < s.cfg.MinPriceDistancePct || distance > s.cfg.MaxPriceDistancePct {
		return nil, s.rejected(reject(CodeInvalidTargetPrice,
			"target %.4f is %.4f%% from current price, outside allowed band",
			req.TargetPrice, distance*100))
	}

	if math.Abs(req.PriceAtPlacement-current)/current > s.cfg.SlippageTolerancePct {
		return nil, s.rejected(reject(CodeSlippageExceeded,
			"placement price %.4f drifted from current %.4f", req.PriceAtPlacement, current))
	}

	direction := model.DirectionUp
	if req.TargetPrice < current {
		direction = model.DirectionDown
	}

	quote, err := s.model.Price(current, req.TargetPrice, start.UnixMilli(), targetTime.UnixMilli(), s.breaker.Volatility())
	if err != nil {
		return nil, s.rejected(reject(CodeInvalidTargetPrice, "pricing failed: %v", err))
	}

	multiplier := s.adjustedMultiplier(quote.DisplayMultiplier, direction)
	potential := req.Amount.Mul(multiplier)

	if potential.GreaterThan(s.cfg.MaxSinglePayout) {
		return nil, s.rejected(reject(CodePayoutLimitExceeded,
			"potential payout %s exceeds single-bet limit %s", potential, s.cfg.MaxSinglePayout))
	}

	// User-scoped checks and the commit run under the user's lock, taken
	// before any exposure mutation (fixed global order).
	unlock := s.lockUser(req.UserID)
	defer unlock()

	user, err := s.ledger.EnsureUser(ctx, req.UserID, s.cfg.InitialBalance)
	if err != nil {
		return nil, err
	}
	if user.Balance.LessThan(req.Amount) {
		return nil, s.rejected(reject(CodeInsufficientBalance,
			"balance %s below stake %s", user.Balance, req.Amount))
	}

	active, err := s.ledger.ActiveBetsByUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if len(active) >= s.cfg.MaxActiveBets {
		return nil, s.rejected(reject(CodeActiveBetLimit,
			"%d active bets at limit %d", len(active), s.cfg.MaxActiveBets))
	}

	if day := start.Local().Format("2006-01-02"); user.DailyPayoutDay == day {
		if user.DailyPayoutTotal.Add(potential).GreaterThan(s.cfg.MaxDailyPayout) {
			return nil, s.rejected(reject(CodePayoutLimitExceeded,
				"daily payout limit %s would be exceeded", s.cfg.MaxDailyPayout))
		}
	}

	if res := s.guard.Check(active, direction, req.Amount, multiplier); res.IsArbitrage {
		return nil, s.rejected(reject(CodeArbitrageDetected, "%s", res.Reason))
	}

	bet := &model.Bet{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Amount:           req.Amount,
		Direction:        direction,
		TargetPrice:      req.TargetPrice,
		TargetTime:       targetTime,
		Multiplier:       multiplier,
		PriceAtPlacement: req.PriceAtPlacement,
		Status:           model.StatusActive,
		PlacedAt:         start,
	}

	// Reserve exposure before touching the ledger. The tracker checks the
	// platform limit under its own lock, so the reservation is atomic
	// with the check even across concurrent placements by other users.
	if err := s.tracker.Add(bet.ID, direction, bet.Amount, potential); err != nil {
		if errors.Is(err, exposure.ErrLimitExceeded) {
			return nil, s.rejected(reject(CodePayoutLimitExceeded,
				"platform exposure limit %s would be exceeded", s.cfg.MaxPlatformExposure))
		}
		return nil, err
	}

	if err := s.ledger.PlaceBet(ctx, bet); err != nil {
		if rerr := s.tracker.Remove(bet.ID, direction, bet.Amount, potential); rerr != nil {
			slog.Error("exposure rollback failed", "bet", bet.ID, "err", rerr)
		}
		if errors.Is(err, store.ErrInsufficientBalance) {
			return nil, s.rejected(reject(CodeInsufficientBalance, "balance below stake"))
		}
		return nil, err
	}

	s.sched.Schedule(bet.ID, bet.TargetTime)

	slog.Info("bet placed",
		"bet", bet.ID,
		"user", bet.UserID,
		"direction", string(direction),
		"amount", bet.Amount.String(),
		"multiplier", multiplier.String(),
		"target_price", bet.TargetPrice,
		"target_time", bet.TargetTime,
	)

	metrics.BetsPlaced.WithLabelValues(string(direction)).Inc()
	metrics.PlacementLatency.Observe(s.now().Sub(start).Seconds())
	s.publishExposure()

	if s.events != nil {
		s.events.OnBetPlaced(bet)
	}

	return &PlaceBetResponse{
		ID:              bet.ID,
		Direction:       direction,
		Multiplier:      multiplier,
		PotentialPayout: potential,
		TargetTime:      targetTime,
	}, nil
}

// ResolveBet settles one bet against a verified resolution price. It is
// idempotent: a bet already terminal is a no-op, and concurrent calls
// apply exactly once via the ledger's compare-and-set.
func (s *Service) ResolveBet(ctx context.Context, betID string) error {
	bet, err := s.ledger.GetBet(ctx, betID)
	if err != nil {
		if errors.Is(err, store.ErrBetNotFound) {
			return reject(CodeBetNotFound, "bet %s", betID)
		}
		return err
	}
	if bet.Status != model.StatusActive {
		return nil
	}

	// The oracle call happens before any lock: pricing inputs are read,
	// not held, under lock.
	price, verified, sources, err := s.oracle.GetResolutionPrice(ctx)
	if err != nil {
		return err
	}
	if !verified {
		slog.Warn("resolving on unverified fallback price", "bet", betID, "price", price, "sources", sources)
	}

	unlock := s.lockUser(bet.UserID)
	defer unlock()

	won := s.wonAt(bet, price)

	gross := decimal.Zero
	fee := decimal.Zero
	net := decimal.Zero
	status := model.StatusLost
	if won {
		status = model.StatusWon
		gross = bet.Amount.Mul(bet.Multiplier)
		fee = gross.Sub(bet.Amount).Mul(s.cfg.FeeRate).Round(2)
		net = gross.Sub(fee)
	}

	resolvedAt := s.now()
	applied, err := s.ledger.SettleBet(ctx, betID, status, net, resolvedAt)
	if err != nil {
		return err
	}
	if !applied {
		return nil // lost the race; the winner released exposure
	}

	if err := s.tracker.Remove(bet.ID, bet.Direction, bet.Amount, bet.PotentialPayout()); err != nil {
		slog.Error("exposure release failed", "bet", bet.ID, "err", err)
	}

	bet.Status = status
	bet.ResolvedAt = &resolvedAt
	bet.Payout = &net

	slog.Info("bet resolved",
		"bet", bet.ID,
		"user", bet.UserID,
		"status", string(status),
		"final_price", price,
		"net_payout", net.String(),
		"verified", verified,
	)

	metrics.Settlements.WithLabelValues(string(status)).Inc()
	s.publishExposure()

	if s.events != nil {
		s.events.OnBetResolved(&model.SettlementResult{
			Bet:         bet,
			Won:         won,
			FinalPrice:  price,
			GrossPayout: gross,
			PlatformFee: fee,
			NetPayout:   net,
		})
	}
	return nil
}

// resolveFromTimer is the scheduler callback: resolve, retry once on
// failure, and flag the bet for manual review if it still fails. A bet is
// never silently dropped — it either resolves, expires via the sweep, or
// surfaces for review.
func (s *Service) resolveFromTimer(betID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
	defer cancel()

	err := s.ResolveBet(ctx, betID)
	if err == nil {
		return
	}
	slog.Warn("resolution failed, retrying once", "bet", betID, "err", err)

	if err = s.ResolveBet(ctx, betID); err == nil {
		return
	}
	slog.Error("resolution failed after retry, flagging for review", "bet", betID, "err", err)
	if markErr := s.ledger.MarkForReview(ctx, betID); markErr != nil {
		slog.Error("failed to flag bet for review", "bet", betID, "err", markErr)
	}
}

// RunSweeper periodically expires overdue bets until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired(ctx)
		}
	}
}

// SweepExpired refunds every active bet whose target time has passed by
// more than the grace period. The refund path is the failure-safe
// default: currency is never left unaccounted.
func (s *Service) SweepExpired(ctx context.Context) {
	active, err := s.ledger.ActiveBets(ctx)
	if err != nil {
		slog.Error("expiry sweep: list active bets", "err", err)
		return
	}

	cutoff := s.now().Add(-s.cfg.ExpiryGrace)
	for _, bet := range active {
		if bet.NeedsReview || bet.TargetTime.After(cutoff) {
			continue
		}
		s.expireBet(ctx, bet)
	}
}

func (s *Service) expireBet(ctx context.Context, bet *model.Bet) {
	s.sched.Cancel(bet.ID)

	unlock := s.lockUser(bet.UserID)
	defer unlock()

	resolvedAt := s.now()
	refund := bet.Amount
	applied, err := s.ledger.SettleBet(ctx, bet.ID, model.StatusExpired, refund, resolvedAt)
	if err != nil {
		slog.Error("expiry failed", "bet", bet.ID, "err", err)
		return
	}
	if !applied {
		return // resolved in the meantime
	}

	if err := s.tracker.Remove(bet.ID, bet.Direction, bet.Amount, bet.PotentialPayout()); err != nil {
		slog.Error("exposure release failed on expiry", "bet", bet.ID, "err", err)
	}

	bet.Status = model.StatusExpired
	bet.ResolvedAt = &resolvedAt
	bet.Payout = &refund

	slog.Info("bet expired and refunded", "bet", bet.ID, "user", bet.UserID, "refund", refund.String())
	metrics.Settlements.WithLabelValues(string(model.StatusExpired)).Inc()
	s.publishExposure()

	if s.events != nil {
		s.events.OnBetResolved(&model.SettlementResult{
			Bet:        bet,
			FinalPrice: 0,
			NetPayout:  refund,
		})
	}
}

// GetExposureSnapshot returns the platform risk view.
func (s *Service) GetExposureSnapshot() model.ExposureSnapshot {
	return s.tracker.Snapshot()
}

// GetCircuitBreakerState returns the breaker's current state.
func (s *Service) GetCircuitBreakerState() breaker.State {
	return s.breaker.State()
}

// ActivateCircuitBreaker manually halts betting for the given cooldown.
func (s *Service) ActivateCircuitBreaker(reason string, cooldown time.Duration) {
	s.breaker.ActivateManual(reason, cooldown)
	st := s.breaker.State()
	slog.Warn("circuit breaker manually activated", "reason", reason, "until", st.CooldownUntil)
	if s.events != nil {
		s.events.OnBreakerChanged(st)
	}
}

// observePrice feeds the breaker and publishes level transitions.
func (s *Service) observePrice(price float64) {
	s.breaker.Observe(price)
	st := s.breaker.State()

	s.levelMu.Lock()
	changed := st.Level != s.lastLevel
	s.lastLevel = st.Level
	s.levelMu.Unlock()

	metrics.BreakerLevel.Set(levelOrdinal(st.Level))
	if changed {
		slog.Info("circuit breaker level changed", "level", string(st.Level), "volatility", st.Volatility)
		if s.events != nil {
			s.events.OnBreakerChanged(st)
		}
	}
}

// adjustedMultiplier applies the exposure and breaker dampening factors
// to the model's display multiplier, flooring at the minimum.
func (s *Service) adjustedMultiplier(display decimal.Decimal, direction model.Direction) decimal.Decimal {
	adj := s.tracker.MultiplierAdjustment(direction) * s.breaker.MultiplierAdjustment()
	m := display.Mul(decimal.NewFromFloat(adj)).Round(2)

	floor := decimal.NewFromFloat(s.cfg.MinMultiplier)
	if m.LessThan(floor) {
		return floor
	}
	return m
}

// wonAt decides the outcome: the price must have moved past the target in
// the bet's direction, within the slippage tolerance.
func (s *Service) wonAt(bet *model.Bet, finalPrice float64) bool {
	tol := s.cfg.SlippageTolerancePct
	if bet.Direction == model.DirectionUp {
		return finalPrice >= bet.TargetPrice*(1-tol)
	}
	return finalPrice <= bet.TargetPrice*(1+tol)
}

func (s *Service) lockUser(userID string) func() {
	v, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) publishExposure() {
	total, _ := s.tracker.TotalExposure().Float64()
	metrics.PlatformExposure.Set(total)
}

// rejected records the rejection metric and passes the error through.
func (s *Service) rejected(err *Error) error {
	metrics.BetsRejected.WithLabelValues(err.Code).Inc()
	return err
}

func levelOrdinal(l breaker.Level) float64 {
	switch l {
	case breaker.LevelElevated:
		return 1
	case breaker.LevelHigh:
		return 2
	case breaker.LevelExtreme:
		return 3
	default:
		return 0
	}
}
