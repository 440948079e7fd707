// Package engine composes admission checks, commits placements, and
// settles bets. It is the only package that mutates money.
package engine

import "fmt"

// Error codes returned to the API layer. Stable strings; the HTTP status
// mapping lives in the handlers.
const (
	CodeInvalidAmount        = "INVALID_AMOUNT"
	CodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	CodeInvalidTargetPrice   = "INVALID_TARGET_PRICE"
	CodeInvalidTargetTime    = "INVALID_TARGET_TIME"
	CodeActiveBetLimit       = "ACTIVE_BET_LIMIT_REACHED"
	CodeSlippageExceeded     = "SLIPPAGE_EXCEEDED"
	CodePayoutLimitExceeded  = "PAYOUT_LIMIT_EXCEEDED"
	CodeArbitrageDetected    = "ARBITRAGE_DETECTED"
	CodeCircuitBreakerActive = "CIRCUIT_BREAKER_ACTIVE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeOracleUnavailable    = "ORACLE_UNAVAILABLE"
	CodeOracleManipulated    = "ORACLE_MANIPULATED"
	CodeBetNotFound          = "BET_NOT_FOUND"
)

// Error is a structured rejection. Every admission failure carries one,
// always before any state mutation.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// reject builds a structured Error.
func reject(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
