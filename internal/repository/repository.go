package repository

import (
	"context"
	"errors"
	"time"

	"securordo/internal/domain"
)

// PrescriptionRepository 处方及处方明细
type PrescriptionRepository interface {
	// CreatePrescription inserts the prescription and its items. Items keep
	// their slice order, which is the order they were signed in.
	CreatePrescription(ctx context.Context, p *domain.Prescription) error
	// GetPrescription returns the prescription with items, domain.ErrNotFound if absent.
	GetPrescription(ctx context.Context, id string) (*domain.Prescription, error)
	// UpdateStatus moves id to `to` only if its current status is one of `from`.
	// It reports whether a row changed.
	UpdateStatus(ctx context.Context, id string, from []domain.PrescriptionStatus, to domain.PrescriptionStatus, now time.Time) (bool, error)
	// LockPrescription returns the current status and holds a row lock until
	// the surrounding transaction ends.
	LockPrescription(ctx context.Context, id string) (domain.PrescriptionStatus, error)
	// ListByPrescriber newest first.
	ListByPrescriber(ctx context.Context, prescriberID string, limit int) ([]*domain.Prescription, error)
}

// NonceRepository anti-replay ledger
type NonceRepository interface {
	// InsertNonce returns domain.ErrDuplicateNonce when the nonce already exists.
	InsertNonce(ctx context.Context, rec *domain.NonceRecord) error
	// GetNonce returns domain.ErrNotFound if absent.
	GetNonce(ctx context.Context, nonce string) (*domain.NonceRecord, error)
	// MarkUsed sets used_at = now where the nonce is unused and not expired at
	// now, in a single conditional write. It reports whether a row changed.
	MarkUsed(ctx context.Context, nonce string, now time.Time) (bool, error)
}

// DispensationRepository 配药记录
type DispensationRepository interface {
	// InsertDispensation inserts the dispensation and its items.
	InsertDispensation(ctx context.Context, d *domain.Dispensation) error
	ListByPrescription(ctx context.Context, prescriptionID string) ([]*domain.Dispensation, error)
	// DispensedQuantities total quantity already handed over per prescription item.
	DispensedQuantities(ctx context.Context, prescriptionID string) (map[string]int, error)
}

// FraudAlertRepository append-only alert log
type FraudAlertRepository interface {
	InsertFraudAlert(ctx context.Context, a *domain.FraudAlert) error
	ListFraudAlerts(ctx context.Context, filters domain.FraudAlertFilters) ([]*domain.FraudAlert, error)
}

// PublicKeyRepository provisioned signing keys, by user id
type PublicKeyRepository interface {
	// GetPublicKey returns the compressed P-256 key (hex) or domain.ErrNotFound.
	GetPublicKey(ctx context.Context, userID string) (string, error)
}

// Store is the persistence port. Repositories obtained from the Store passed to
// a WithinTx callback share that transaction.
type Store interface {
	Prescriptions() PrescriptionRepository
	Nonces() NonceRepository
	Dispensations() DispensationRepository
	FraudAlerts() FraudAlertRepository
	PublicKeys() PublicKeyRepository

	// WithinTx runs fn in one unit of work: commit if fn returns nil, roll back
	// otherwise. Calling WithinTx on a transactional Store reuses the transaction.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

var (
	// ErrRollbackFailed fn failed and the rollback failed too; the outcome
	// of the writes made by fn is unknown.
	ErrRollbackFailed = errors.New("transaction rollback failed")
	// ErrCommitFailed fn succeeded but the commit did not.
	ErrCommitFailed = errors.New("transaction commit failed")
)

// IsUncertainTx reports whether the outcome of a unit of work is unknown.
func IsUncertainTx(err error) bool {
	return errors.Is(err, ErrRollbackFailed) || errors.Is(err, ErrCommitFailed)
}

const defaultListLimit = 50
