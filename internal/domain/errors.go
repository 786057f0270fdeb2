package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateNonce a nonce collided with an existing ledger row. With 256-bit
	// random nonces this should never happen; it is alerted, never retried.
	ErrDuplicateNonce = errors.New("duplicate nonce")
	// ErrDuplicatePrescriptionNumber the generated prescription number is taken.
	// Unlike a nonce collision this is expected and the issuer draws a new number.
	ErrDuplicatePrescriptionNumber = errors.New("duplicate prescription number")
	// ErrPersistence wraps storage failures surfaced to callers.
	ErrPersistence = errors.New("persistence failure")
	// ErrReconciliationRequired the nonce was consumed but the dispensation or
	// status change could not be committed or rolled back.
	ErrReconciliationRequired = errors.New("redemption left inconsistent, manual reconciliation required")
	// ErrForbidden caller role or establishment does not allow the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput request validation failure.
	ErrInvalidInput = errors.New("invalid input")
)

// IllegalTransitionError a status change outside the allowed edge table.
type IllegalTransitionError struct {
	PrescriptionID string
	From           PrescriptionStatus
	To             PrescriptionStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal prescription transition %s -> %s (prescription_id=%s)", e.From, e.To, e.PrescriptionID)
}

// Persistence wraps err so that errors.Is(err, ErrPersistence) holds.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
