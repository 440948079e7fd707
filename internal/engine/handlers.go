package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tapx/risk-engine/internal/store"
)

// Handlers exposes the engine over HTTP. Identity is resolved upstream;
// requests carry the already-authenticated user id.
type Handlers struct {
	svc *Service
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Register mounts the engine routes on the router.
func (h *Handlers) Register(r chi.Router) {
	r.Post("/bets", h.placeBet)
	r.Post("/bets/{betID}/resolve", h.resolveBet)
	r.Get("/bets/{betID}", h.getBet)
	r.Get("/users/{userID}/bets", h.getUserBets)
	r.Get("/exposure", h.getExposure)
	r.Get("/breaker", h.getBreaker)
	r.Post("/breaker/activate", h.activateBreaker)
}

func (h *Handlers) placeBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}

	resp, err := h.svc.PlaceBet(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) resolveBet(w http.ResponseWriter, r *http.Request) {
	betID := chi.URLParam(r, "betID")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.svc.ResolveBet(ctx, betID); err != nil {
		writeEngineError(w, err)
		return
	}

	bet, err := h.svc.ledger.GetBet(r.Context(), betID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

func (h *Handlers) getBet(w http.ResponseWriter, r *http.Request) {
	bet, err := h.svc.ledger.GetBet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

func (h *Handlers) getUserBets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	bets, err := h.svc.ledger.BetsByUser(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"bets":    bets,
	})
}

func (h *Handlers) getExposure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetExposureSnapshot())
}

func (h *Handlers) getBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetCircuitBreakerState())
}

func (h *Handlers) activateBreaker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason          string `json:"reason"`
		CooldownSeconds int    `json:"cooldown_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "reason is required")
		return
	}
	if req.CooldownSeconds <= 0 {
		req.CooldownSeconds = 300
	}

	h.svc.ActivateCircuitBreaker(req.Reason, time.Duration(req.CooldownSeconds)*time.Second)
	writeJSON(w, http.StatusOK, h.svc.GetCircuitBreakerState())
}

// writeEngineError maps engine and store errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var engErr *Error
	if errors.As(err, &engErr) {
		writeError(w, statusFor(engErr.Code), engErr.Code, engErr.Message)
		return
	}
	if errors.Is(err, store.ErrBetNotFound) || errors.Is(err, store.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func statusFor(code string) int {
	switch code {
	case CodeBetNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case CodeCircuitBreakerActive, CodeOracleUnavailable, CodeOracleManipulated:
		return http.StatusServiceUnavailable
	case CodeArbitrageDetected, CodeActiveBetLimit, CodePayoutLimitExceeded, CodeSlippageExceeded:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
