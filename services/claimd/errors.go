package claimd

import (
	"errors"

	"claimledger/services/claimd/auth"
	"claimledger/storage"
)

var (
	// ErrInvalidAddress reports a malformed wallet address.
	ErrInvalidAddress = errors.New("claimd: invalid address")
	// ErrInvalidAmount reports a malformed or out-of-range amount.
	ErrInvalidAmount = errors.New("claimd: invalid amount")
	// ErrInvalidNonce reports a malformed reservation nonce.
	ErrInvalidNonce = errors.New("claimd: invalid reservation nonce")
	// ErrNothingToReserve indicates the address has no claimable amount left.
	ErrNothingToReserve = errors.New("claimd: nothing to reserve")
	// ErrTooManyReservations indicates the live reservation limit was reached.
	ErrTooManyReservations = errors.New("claimd: too many live reservations")
	// ErrPoolEmpty indicates the reward pool cannot fund any transfer right now.
	ErrPoolEmpty = errors.New("claimd: reward pool balance insufficient")
	// ErrReservationNotFound indicates no live reservation matches the nonce.
	ErrReservationNotFound = errors.New("claimd: reservation not found")
	// ErrNotConfigured indicates a required collaborator (signer, secret) is missing.
	ErrNotConfigured = errors.New("claimd: not configured")
	// ErrCorruptRecord indicates a stored ledger record could not be decoded.
	ErrCorruptRecord = errors.New("claimd: corrupt ledger record")
)

// Category is the caller-facing class of a failure.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryAuth       Category = "auth"
	CategoryNotFound   Category = "not_found"
	CategoryCapacity   Category = "capacity"
	CategoryBackend    Category = "backend"
	CategoryConfig     Category = "config"
)

// Retryable reports whether the caller may retry the same request later
// without starting over. Zero claimable is "nothing to do", not "retry".
func Retryable(err error) bool {
	switch Classify(err) {
	case CategoryBackend:
		return true
	case CategoryCapacity:
		return !errors.Is(err, ErrNothingToReserve)
	default:
		return false
	}
}

// Classify maps an error onto the failure taxonomy. Unknown errors are
// treated as backend failures so nothing is ever reported as success.
func Classify(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidNonce),
		errors.Is(err, auth.ErrMalformedMessage):
		return CategoryValidation
	case errors.Is(err, auth.ErrNonceInvalid),
		errors.Is(err, auth.ErrNonceExpired),
		errors.Is(err, auth.ErrSignatureMismatch),
		errors.Is(err, auth.ErrSessionInvalid):
		return CategoryAuth
	case errors.Is(err, ErrReservationNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrNothingToReserve),
		errors.Is(err, ErrTooManyReservations),
		errors.Is(err, ErrPoolEmpty):
		return CategoryCapacity
	case errors.Is(err, ErrNotConfigured), errors.Is(err, auth.ErrSecretRequired):
		return CategoryConfig
	case errors.Is(err, storage.ErrConflict), errors.Is(err, ErrCorruptRecord):
		return CategoryBackend
	default:
		return CategoryBackend
	}
}
