package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(t *testing.T) (*Service, http.Handler) {
	t.Helper()
	svc, _, _ := newTestService(t, testConfig(), 0)

	r := chi.NewRouter()
	NewHandlers(svc).Register(r)
	return svc, r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func placeBody(userID string, amount, targetPrice float64) map[string]any {
	return map[string]any{
		"user_id":            userID,
		"amount":             amount,
		"target_price":       targetPrice,
		"target_time":        time.Now().Add(time.Minute).Format(time.RFC3339),
		"price_at_placement": 100.0,
	}
}

func TestHandlers_PlaceBet(t *testing.T) {
	_, r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/bets", placeBody("u1", 10, 102.0))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var resp PlaceBetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == "" {
		t.Error("response missing bet id")
	}

	rec = doJSON(t, r, http.MethodGet, "/bets/"+resp.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get bet status = %d, want 200", rec.Code)
	}
}

func TestHandlers_PlaceBet_MalformedBody(t *testing.T) {
	_, r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/bets", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandlers_PlaceBet_RejectionStatusMapping(t *testing.T) {
	_, r := newTestRouter(t)

	// Stake above the maximum maps to 400 with the engine's code.
	rec := doJSON(t, r, http.MethodPost, "/bets", placeBody("u1", 99999, 102.0))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != CodeInvalidAmount {
		t.Errorf("code = %s, want %s", body.Error.Code, CodeInvalidAmount)
	}
}

func TestHandlers_GetBet_NotFound(t *testing.T) {
	_, r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/bets/no-such-bet", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandlers_UserBets(t *testing.T) {
	_, r := newTestRouter(t)

	if rec := doJSON(t, r, http.MethodPost, "/bets", placeBody("u1", 10, 102.0)); rec.Code != http.StatusCreated {
		t.Fatalf("place: %d %s", rec.Code, rec.Body.String())
	}

	rec := doJSON(t, r, http.MethodGet, "/users/u1/bets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		UserID string            `json:"user_id"`
		Bets   []json.RawMessage `json:"bets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Bets) != 1 {
		t.Errorf("bets = %d, want 1", len(body.Bets))
	}
}

func TestHandlers_BreakerActivateBlocksPlacement(t *testing.T) {
	_, r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/breaker/activate", map[string]any{
		"reason":           "ops drill",
		"cooldown_seconds": 60,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/breaker", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("breaker status = %d", rec.Code)
	}
	var state struct {
		AllowBetting bool `json:"allow_betting"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.AllowBetting {
		t.Error("breaker reports betting allowed after manual activation")
	}

	rec = doJSON(t, r, http.MethodPost, "/bets", placeBody("u1", 10, 102.0))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("placement status = %d, want 503", rec.Code)
	}
}

func TestHandlers_ExposureSnapshot(t *testing.T) {
	_, r := newTestRouter(t)

	for i := 0; i < 3; i++ {
		user := fmt.Sprintf("u%d", i)
		if rec := doJSON(t, r, http.MethodPost, "/bets", placeBody(user, 10, 102.0)); rec.Code != http.StatusCreated {
			t.Fatalf("place %s: %d %s", user, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, r, http.MethodGet, "/exposure", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var snap struct {
		TotalExposure string `json:"total_exposure"`
		RiskLevel     string `json:"risk_level"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.TotalExposure == "" || snap.TotalExposure == "0" {
		t.Errorf("total exposure = %q, want non-zero", snap.TotalExposure)
	}
	if snap.RiskLevel != "low" {
		t.Errorf("risk level = %q, want low at tiny utilization", snap.RiskLevel)
	}
}

func TestHandlers_ResolveEndpoint(t *testing.T) {
	svc, ledger, _ := newTestService(t, testConfig(), 0)
	r := chi.NewRouter()
	NewHandlers(svc).Register(r)

	// Seed directly so the win condition is deterministic: oracle price
	// 100 is above the target of 99, so the up bet wins.
	bet := seedBet(t, svc, ledger, "u1", 10, 2.0, 99.0, time.Now().Add(time.Minute))

	rec := doJSON(t, r, http.MethodPost, "/bets/"+bet.ID+"/resolve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resolved struct {
		Status string `json:"status"`
		Payout string `json:"payout"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resolved.Status != "won" {
		t.Errorf("status = %q, want won", resolved.Status)
	}
	if resolved.Payout != "19.5" {
		t.Errorf("payout = %q, want 19.5", resolved.Payout)
	}
}
