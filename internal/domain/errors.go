package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationActive   = errors.New("reservation already in progress")
	ErrNoTickets           = errors.New("no account creation tickets available")
	ErrIdempotencyMismatch = errors.New("idempotency key reuse with mismatched payload")
	ErrOrderNotFound       = errors.New("order not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountNameTaken    = errors.New("account name already exists on chain")
	ErrInvalidAccountName  = errors.New("invalid account name")
	ErrReservationRefunded = errors.New("reservation already refunded")
	ErrKeyMismatch         = errors.New("key does not match on-chain authority")
	ErrIntegrity           = errors.New("ledger integrity violation")
)

// TransientError marks a failure as retryable external trouble
// (network, timeout, node unavailable) as opposed to a definitive outcome.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
