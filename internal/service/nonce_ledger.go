package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"securordo/internal/clock"
	"securordo/internal/domain"
	"securordo/internal/repository"
	"securordo/internal/store"
)

// ConsumeOutcome result of a consume attempt
type ConsumeOutcome string

const (
	NonceConsumed    ConsumeOutcome = "consumed"
	NonceAlreadyUsed ConsumeOutcome = "already_used"
	NonceNotFound    ConsumeOutcome = "not_found"
	NonceExpired     ConsumeOutcome = "expired"
)

// NonceStatus read-only view of a ledger row
type NonceStatus struct {
	Found     bool
	Expired   bool
	Used      bool
	UsedAt    *time.Time
	ExpiresAt time.Time
}

// NonceLedger 防重放账本
type NonceLedger interface {
	// Create registers a fresh nonce. domain.ErrDuplicateNonce is never retried.
	Create(ctx context.Context, nonce, prescriptionID string, expiresAt time.Time) error
	CheckValid(ctx context.Context, nonce string) (NonceStatus, error)
	// Consume marks the nonce used with a single conditional write. Among any
	// number of concurrent callers exactly one sees NonceConsumed.
	Consume(ctx context.Context, nonce string) (ConsumeOutcome, error)
	// Remember caches a committed consumption.
	Remember(ctx context.Context, nonce string, usedAt time.Time)
	// In binds the ledger to a unit of work.
	In(tx repository.Store) NonceLedger
}

type nonceLedger struct {
	store  repository.Store
	inTx   bool
	cache  *store.NonceCache // optional
	clock  clock.Clock
	logger *zap.Logger
}

// NewNonceLedger cache may be nil.
func NewNonceLedger(st repository.Store, cache *store.NonceCache, clk clock.Clock, logger *zap.Logger) NonceLedger {
	return &nonceLedger{store: st, cache: cache, clock: clk, logger: logger}
}

func (l *nonceLedger) In(tx repository.Store) NonceLedger {
	cp := *l
	cp.store = tx
	cp.inTx = true
	return &cp
}

func (l *nonceLedger) Create(ctx context.Context, nonce, prescriptionID string, expiresAt time.Time) error {
	err := l.store.Nonces().InsertNonce(ctx, &domain.NonceRecord{
		Nonce:            nonce,
		PrescriptionID:   prescriptionID,
		ExpiresAt:        expiresAt,
		VerificationMode: domain.VerificationOnline,
		CreatedAt:        l.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateNonce) {
			l.logger.Error("Nonce collision on insert",
				zap.String("nonce", nonce),
				zap.String("prescription_id", prescriptionID),
			)
			return err
		}
		return domain.Persistence("insert nonce", err)
	}
	return nil
}

func (l *nonceLedger) CheckValid(ctx context.Context, nonce string) (NonceStatus, error) {
	if usedAt, ok := l.cachedUse(ctx, nonce); ok {
		return NonceStatus{Found: true, Used: true, UsedAt: &usedAt}, nil
	}

	rec, err := l.store.Nonces().GetNonce(ctx, nonce)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return NonceStatus{}, nil
		}
		return NonceStatus{}, domain.Persistence("get nonce", err)
	}
	return NonceStatus{
		Found:     true,
		Expired:   rec.ExpiredAt(l.clock.Now()),
		Used:      rec.Used(),
		UsedAt:    rec.UsedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (l *nonceLedger) Consume(ctx context.Context, nonce string) (ConsumeOutcome, error) {
	if _, ok := l.cachedUse(ctx, nonce); ok {
		return NonceAlreadyUsed, nil
	}

	now := l.clock.Now()
	ok, err := l.store.Nonces().MarkUsed(ctx, nonce, now)
	if err != nil {
		return "", domain.Persistence("consume nonce", err)
	}
	if ok {
		if !l.inTx {
			l.Remember(ctx, nonce, now)
		}
		return NonceConsumed, nil
	}

	// nothing changed: find out why
	rec, err := l.store.Nonces().GetNonce(ctx, nonce)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return NonceNotFound, nil
		}
		return "", domain.Persistence("get nonce", err)
	}
	switch {
	case rec.Used():
		l.Remember(ctx, nonce, *rec.UsedAt)
		return NonceAlreadyUsed, nil
	case rec.ExpiredAt(now):
		return NonceExpired, nil
	default:
		return "", domain.Persistence("consume nonce", fmt.Errorf("nonce %s neither consumed nor rejected", nonce))
	}
}

func (l *nonceLedger) Remember(ctx context.Context, nonce string, usedAt time.Time) {
	if l.cache == nil {
		return
	}
	if err := l.cache.MarkUsed(ctx, nonce, usedAt); err != nil {
		l.logger.Warn("Failed to cache consumed nonce", zap.String("nonce", nonce), zap.Error(err))
	}
}

// cachedUse only ever short-circuits to "used".
func (l *nonceLedger) cachedUse(ctx context.Context, nonce string) (time.Time, bool) {
	if l.cache == nil {
		return time.Time{}, false
	}
	usedAt, err := l.cache.UsedAt(ctx, nonce)
	if err != nil {
		if !store.IsMiss(err) {
			l.logger.Warn("Nonce cache unavailable", zap.Error(err))
		}
		return time.Time{}, false
	}
	return usedAt, true
}
