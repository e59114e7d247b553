package domain

import "errors"

// Error taxonomy shared by the coordinator and its ports. Callers match with
// errors.Is; wrapped messages carry the specifics.
var (
	// ErrValidation covers malformed secrets, hashes, indices and leaf counts.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrencyConflict means an auction key already has a winner.
	ErrConcurrencyConflict = errors.New("already has a winner")

	// ErrVerificationMismatch means on-chain escrow parameters disagree with
	// the order. The secret must never be requested after this.
	ErrVerificationMismatch = errors.New("escrow parameters mismatch order")

	// ErrTimeout means a counterparty did not respond within the bounded
	// wait. Routes to the cancellation path, not a hard failure.
	ErrTimeout = errors.New("counterparty timed out")

	// ErrChainCall means an escrow-contract call was rejected or reverted.
	// Callers must read current on-chain state before any retry.
	ErrChainCall = errors.New("chain call failed")

	// ErrRescueUnavailable means rescue was attempted before the rescue
	// delay elapsed.
	ErrRescueUnavailable = errors.New("rescue not yet available")

	// ErrNotFound is returned by repositories for missing entities.
	ErrNotFound = errors.New("not found")
)
