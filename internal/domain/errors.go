package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	// Bet intake.
	ErrDecryption            = errors.New("bet decryption failed")
	ErrInvalidBet            = errors.New("invalid bet payload")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrStaleBet              = errors.New("bet sequence older than stored bet")
	ErrMarketClosed          = errors.New("market not open for bets")

	// Settlement.
	ErrNoBets                = errors.New("no bets for market")
	ErrTooManyBets           = errors.New("too many bets for proof width")
	ErrConservationViolation = errors.New("conservation invariant violated")
	ErrProofGeneration       = errors.New("proof generation failed")

	// Channel network.
	ErrRPCTimeout          = errors.New("rpc request timed out")
	ErrChannelDisconnected = errors.New("channel connection closed")
	ErrAuthFailed          = errors.New("channel authentication failed")
	ErrUnknownMessage      = errors.New("unrecognised channel message")

	// Chain.
	ErrChainSubmission = errors.New("chain submission failed")
	ErrAlreadySettled  = errors.New("market already settled on chain")

	ErrKeyUnavailable = errors.New("engine key unavailable")
)

// ConservationError reports a payout set whose sum plus fee differs from the
// pool. Settlement must halt when one is raised.
type ConservationError struct {
	MarketID    MarketID
	PayoutSum   string
	PlatformFee string
	TotalPool   string
}

func (e *ConservationError) Error() string {
	return fmt.Sprintf("market %s: payouts %s + fee %s != pool %s",
		e.MarketID, e.PayoutSum, e.PlatformFee, e.TotalPool)
}

func (e *ConservationError) Unwrap() error { return ErrConservationViolation }

// ProofError wraps a prover or local verification failure. It is recoverable:
// the settlement is still recorded, only without a proof.
type ProofError struct {
	MarketID MarketID
	Stage    string // "witness", "prove", "verify"
	Err      error
}

func (e *ProofError) Error() string {
	return fmt.Sprintf("market %s: proof %s: %v", e.MarketID, e.Stage, e.Err)
}

func (e *ProofError) Unwrap() []error { return []error{ErrProofGeneration, e.Err} }

// SubmissionError is returned when a settlement transaction could not be
// confirmed on chain.
type SubmissionError struct {
	MarketID MarketID
	TxHash   string
	Err      error
}

func (e *SubmissionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("market %s: tx %s: %v", e.MarketID, e.TxHash, e.Err)
	}
	return fmt.Sprintf("market %s: %v", e.MarketID, e.Err)
}

func (e *SubmissionError) Unwrap() []error { return []error{ErrChainSubmission, e.Err} }
