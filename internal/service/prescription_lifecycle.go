package service

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"securordo/internal/clock"
	"securordo/internal/cryptoengine"
	"securordo/internal/domain"
	"securordo/internal/keystore"
	"securordo/internal/qrcodec"
	"securordo/internal/repository"
)

// allowedTransitions 状态机. Nothing ever returns to active.
var allowedTransitions = map[domain.PrescriptionStatus][]domain.PrescriptionStatus{
	domain.StatusActive: {
		domain.StatusPartiallyDispensed,
		domain.StatusFullyDispensed,
		domain.StatusExpired,
		domain.StatusCancelled,
	},
	domain.StatusPartiallyDispensed: {
		domain.StatusFullyDispensed,
		domain.StatusCancelled,
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to domain.PrescriptionStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// predecessors statuses from which `to` may be reached
func predecessors(to domain.PrescriptionStatus) []domain.PrescriptionStatus {
	var out []domain.PrescriptionStatus
	for _, from := range []domain.PrescriptionStatus{domain.StatusActive, domain.StatusPartiallyDispensed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// VerifiedPrescription a prescription whose QR code passed every check. It is
// the only input DispensationRecorder accepts.
type VerifiedPrescription struct {
	Prescription *domain.Prescription
	Record       qrcodec.Record
	PublicKey    string
}

// VerificationResult exactly one of Verified or Rejection is set.
type VerificationResult struct {
	Verified  *VerifiedPrescription
	Rejection *domain.Rejection
}

// PrescriptionLifecycle 处方状态机与验证
type PrescriptionLifecycle interface {
	// Verify checks signature, then status, then nonce. Rejections are values;
	// errors are infrastructure failures.
	Verify(ctx context.Context, user domain.CurrentUser, p *domain.Prescription, rec qrcodec.Record) (VerificationResult, error)
	// CheckSignature verifies rec.Signature over the payload rebuilt from p and rec.
	CheckSignature(ctx context.Context, p *domain.Prescription, rec qrcodec.Record) (bool, string, error)
	// Advance applies one state-machine edge as a conditional update.
	Advance(ctx context.Context, id string, to domain.PrescriptionStatus) error
	// Cancel lets the issuing prescriber (or an admin) withdraw a prescription.
	Cancel(ctx context.Context, user domain.CurrentUser, id string) error
	In(tx repository.Store) PrescriptionLifecycle
}

type prescriptionLifecycle struct {
	store  repository.Store
	engine cryptoengine.Engine
	keys   keystore.PublicKeyResolver
	ledger NonceLedger
	fraud  FraudDetector
	clock  clock.Clock
	logger *zap.Logger
}

func NewPrescriptionLifecycle(
	st repository.Store,
	engine cryptoengine.Engine,
	keys keystore.PublicKeyResolver,
	ledger NonceLedger,
	fraud FraudDetector,
	clk clock.Clock,
	logger *zap.Logger,
) PrescriptionLifecycle {
	return &prescriptionLifecycle{
		store:  st,
		engine: engine,
		keys:   keys,
		ledger: ledger,
		fraud:  fraud,
		clock:  clk,
		logger: logger,
	}
}

func (l *prescriptionLifecycle) In(tx repository.Store) PrescriptionLifecycle {
	cp := *l
	cp.store = tx
	cp.ledger = l.ledger.In(tx)
	return &cp
}

func (l *prescriptionLifecycle) CheckSignature(ctx context.Context, p *domain.Prescription, rec qrcodec.Record) (bool, string, error) {
	pub, err := l.keys.PublicKey(ctx, p.PrescriberID)
	if err != nil {
		return false, "", fmt.Errorf("failed to resolve prescriber key: %w", err)
	}
	payload := BuildSignedPayload(rec.PrescriptionNumber, p.PatientID, rec.PatientInsNumber, p.Items, rec.Nonce, rec.Timestamp)
	digest, err := l.engine.HashPayload(payload)
	if err != nil {
		return false, "", err
	}
	return l.engine.Verify(rec.Signature, hex.EncodeToString(digest), pub), pub, nil
}

func (l *prescriptionLifecycle) Verify(ctx context.Context, user domain.CurrentUser, p *domain.Prescription, rec qrcodec.Record) (VerificationResult, error) {
	event := func(t domain.FraudAlertType, desc string, details map[string]any) {
		l.fraud.Observe(ctx, FraudEvent{
			Type:               t,
			PrescriptionID:     p.ID,
			PrescriptionNumber: p.Number,
			User:               &user,
			Description:        desc,
			Details:            details,
		})
	}

	// 1. signature
	ok, pub, err := l.CheckSignature(ctx, p, rec)
	if err != nil {
		return VerificationResult{}, err
	}
	if !ok {
		event(domain.AlertInvalidSignature,
			fmt.Sprintf("Invalid signature on prescription %s. Possible forgery or tampering.", p.Number),
			map[string]any{
				"qrSignature":       rec.Signature,
				"storedSignature":   p.Signature,
				"prescriberKeyHint": fingerprint(pub),
			})
		return reject(domain.RejectInvalidSignature, ""), nil
	}

	// 2. status
	now := l.clock.Now()
	switch p.Status {
	case domain.StatusFullyDispensed:
		return reject(domain.RejectAlreadyDispensed, ""), nil
	case domain.StatusCancelled:
		return reject(domain.RejectCancelled, ""), nil
	case domain.StatusExpired:
		return reject(domain.RejectExpired, ""), nil
	}
	if p.ExpiredAt(now) {
		if p.Status == domain.StatusActive {
			if err := l.Advance(ctx, p.ID, domain.StatusExpired); err != nil {
				l.logger.Warn("Failed to mark prescription expired",
					zap.String("prescription_id", p.ID),
					zap.Error(err),
				)
			}
		}
		return reject(domain.RejectExpired, fmt.Sprintf("valid until %s", p.ValidUntil.Format("2006-01-02"))), nil
	}

	// 3. nonce
	if subtle.ConstantTimeCompare([]byte(rec.Nonce), []byte(p.Nonce)) != 1 {
		event(domain.AlertInvalidNonce,
			"QR nonce does not match the prescription. Possible forged prescription.",
			map[string]any{"nonce": rec.Nonce})
		return reject(domain.RejectInvalidNonce, ""), nil
	}
	st, err := l.ledger.CheckValid(ctx, rec.Nonce)
	if err != nil {
		return VerificationResult{}, err
	}
	switch {
	case !st.Found:
		event(domain.AlertInvalidNonce,
			"Nonce not found in ledger. Possible forged prescription.",
			map[string]any{"nonce": rec.Nonce})
		return reject(domain.RejectInvalidNonce, ""), nil
	case st.Used:
		event(domain.AlertReplayAttempt,
			"Replay blocked: nonce was already used.",
			map[string]any{
				"nonce":              rec.Nonce,
				"previousUseTime":    st.UsedAt,
				"currentAttemptTime": now,
			})
		return reject(domain.RejectReplay, ""), nil
	case st.Expired:
		event(domain.AlertExpiredNonce,
			fmt.Sprintf("Prescription nonce expired at %s", st.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")),
			map[string]any{
				"nonce":       rec.Nonce,
				"expiresAt":   st.ExpiresAt,
				"currentTime": now,
			})
		return reject(domain.RejectNonceExpired, ""), nil
	}

	return VerificationResult{Verified: &VerifiedPrescription{
		Prescription: p,
		Record:       rec,
		PublicKey:    pub,
	}}, nil
}

func (l *prescriptionLifecycle) Advance(ctx context.Context, id string, to domain.PrescriptionStatus) error {
	preds := predecessors(to)
	if len(preds) > 0 {
		ok, err := l.store.Prescriptions().UpdateStatus(ctx, id, preds, to, l.clock.Now())
		if err != nil {
			return domain.Persistence("update prescription status", err)
		}
		if ok {
			l.logger.Info("Prescription status changed",
				zap.String("prescription_id", id),
				zap.String("status", string(to)),
			)
			return nil
		}
	}

	p, err := l.store.Prescriptions().GetPrescription(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return domain.Persistence("get prescription", err)
	}
	return &domain.IllegalTransitionError{PrescriptionID: id, From: p.Status, To: to}
}

func (l *prescriptionLifecycle) Cancel(ctx context.Context, user domain.CurrentUser, id string) error {
	if user.Role != domain.RolePrescriber && user.Role != domain.RoleAdmin {
		return domain.ErrForbidden
	}
	p, err := l.store.Prescriptions().GetPrescription(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return domain.Persistence("get prescription", err)
	}
	if user.Role == domain.RolePrescriber && p.PrescriberID != user.ID {
		return domain.ErrForbidden
	}
	return l.Advance(ctx, id, domain.StatusCancelled)
}

func reject(reason domain.RejectionReason, detail string) VerificationResult {
	return VerificationResult{Rejection: domain.Reject(reason, detail)}
}

func fingerprint(pub string) string {
	if len(pub) < cryptoengine.FingerprintLen {
		return pub
	}
	return pub[:cryptoengine.FingerprintLen]
}
