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
)

// DispensationPolicy decides when a prescription's nonce is consumed.
type DispensationPolicy string

const (
	// PolicyFullOnly every dispensation delivers all remaining quantities.
	PolicyFullOnly DispensationPolicy = "full_only"
	// PolicyConsumeOnFirstFill partial delivery allowed; the first fill spends the QR code.
	PolicyConsumeOnFirstFill DispensationPolicy = "consume_on_first_fill"
	// PolicyConsumeOnFinalFill the QR code stays valid until every line is delivered.
	PolicyConsumeOnFinalFill DispensationPolicy = "consume_on_final_fill"
)

// ParseDispensationPolicy empty selects PolicyFullOnly.
func ParseDispensationPolicy(s string) (DispensationPolicy, error) {
	switch p := DispensationPolicy(s); p {
	case "":
		return PolicyFullOnly, nil
	case PolicyFullOnly, PolicyConsumeOnFirstFill, PolicyConsumeOnFinalFill:
		return p, nil
	default:
		return "", fmt.Errorf("unknown dispensation policy %q", s)
	}
}

// DispenseLine quantity handed over for one prescription line
type DispenseLine struct {
	PrescriptionItemID string `json:"prescription_item_id"`
	Quantity           int    `json:"quantity"`
	Substituted        bool   `json:"substituted,omitempty"`
	SubstituteCisCode  string `json:"substitute_ciscode,omitempty"`
	SubstitutionReason string `json:"substitution_reason,omitempty"`
}

// RedeemRequest 配药请求
type RedeemRequest struct {
	User     domain.CurrentUser
	Verified *VerifiedPrescription
	Items    []DispenseLine // empty: everything still owed
	Notes    string
}

// RedeemResult either a recorded dispensation or a rejection
type RedeemResult struct {
	Dispensation *domain.Dispensation      `json:"dispensation,omitempty"`
	Status       domain.PrescriptionStatus `json:"status,omitempty"`
	Rejection    *domain.Rejection         `json:"rejection,omitempty"`
}

// DispensationRecorder the only component that consumes nonces.
type DispensationRecorder interface {
	Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error)
}

type dispensationRecorder struct {
	store     repository.Store
	lifecycle PrescriptionLifecycle
	ledger    NonceLedger
	fraud     FraudDetector
	clock     clock.Clock
	policy    DispensationPolicy
	timeout   time.Duration
	logger    *zap.Logger
}

func NewDispensationRecorder(
	st repository.Store,
	lifecycle PrescriptionLifecycle,
	ledger NonceLedger,
	fraud FraudDetector,
	clk clock.Clock,
	policy DispensationPolicy,
	timeout time.Duration,
	logger *zap.Logger,
) DispensationRecorder {
	if policy == "" {
		policy = PolicyFullOnly
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &dispensationRecorder{
		store:     st,
		lifecycle: lifecycle,
		ledger:    ledger,
		fraud:     fraud,
		clock:     clk,
		policy:    policy,
		timeout:   timeout,
		logger:    logger,
	}
}

// errRejected rolls back the unit of work on a business rejection.
var errRejected = errors.New("redemption rejected")

func (r *dispensationRecorder) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	if req.User.Role != domain.RolePharmacist {
		return nil, domain.ErrForbidden
	}
	if req.User.EstablishmentID == "" {
		return nil, fmt.Errorf("pharmacist not associated with a pharmacy: %w", domain.ErrForbidden)
	}
	if req.Verified == nil || req.Verified.Prescription == nil {
		return nil, fmt.Errorf("verified prescription is required: %w", domain.ErrInvalidInput)
	}
	p := req.Verified.Prescription
	rec := req.Verified.Record
	if err := validateLines(p, req.Items); err != nil {
		return nil, err
	}

	// re-verify: the verified value may be stale or hand-built
	ok, _, err := r.lifecycle.CheckSignature(ctx, p, rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.fraud.Observe(ctx, FraudEvent{
			Type:               domain.AlertInvalidSignature,
			PrescriptionID:     p.ID,
			PrescriptionNumber: p.Number,
			User:               &req.User,
			Description:        fmt.Sprintf("Invalid signature on prescription %s at dispensation.", p.Number),
			Details:            map[string]any{"qrSignature": rec.Signature},
		})
		return &RedeemResult{Rejection: domain.Reject(domain.RejectInvalidSignature, "")}, nil
	}

	txCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		consumed  bool
		now       = r.clock.Now()
		rejection *domain.Rejection
		pending   *FraudEvent
		result    *RedeemResult
	)
	rejectWith := func(reason domain.RejectionReason, ev *FraudEvent) error {
		rejection = domain.Reject(reason, "")
		pending = ev
		return errRejected
	}
	event := func(t domain.FraudAlertType, desc string) *FraudEvent {
		return &FraudEvent{
			Type:               t,
			PrescriptionID:     p.ID,
			PrescriptionNumber: p.Number,
			User:               &req.User,
			Description:        desc,
			Details:            map[string]any{"nonce": rec.Nonce, "currentAttemptTime": now},
		}
	}

	err = r.store.WithinTx(txCtx, func(tx repository.Store) error {
		ledger := r.ledger.In(tx)
		lifecycle := r.lifecycle.In(tx)

		status, err := tx.Prescriptions().LockPrescription(txCtx, p.ID)
		if err != nil {
			return err
		}

		consume := func() error {
			outcome, err := ledger.Consume(txCtx, rec.Nonce)
			if err != nil {
				return err
			}
			switch outcome {
			case NonceConsumed:
				consumed = true
				return nil
			case NonceAlreadyUsed:
				return rejectWith(domain.RejectReplay, event(domain.AlertReplayAttempt, "Replay blocked at dispensation: nonce was already used."))
			case NonceExpired:
				return rejectWith(domain.RejectNonceExpired, event(domain.AlertExpiredNonce, "Nonce expired before dispensation."))
			default:
				return rejectWith(domain.RejectInvalidNonce, event(domain.AlertInvalidNonce, "Nonce not found at dispensation."))
			}
		}
		// nonce before status, so a replayed code is reported as a replay
		if r.policy == PolicyConsumeOnFinalFill {
			st, err := ledger.CheckValid(txCtx, rec.Nonce)
			if err != nil {
				return err
			}
			switch {
			case !st.Found:
				return rejectWith(domain.RejectInvalidNonce, event(domain.AlertInvalidNonce, "Nonce not found at dispensation."))
			case st.Used:
				return rejectWith(domain.RejectReplay, event(domain.AlertReplayAttempt, "Replay blocked at dispensation: nonce was already used."))
			case st.Expired:
				return rejectWith(domain.RejectNonceExpired, event(domain.AlertExpiredNonce, "Nonce expired before dispensation."))
			}
		} else if err := consume(); err != nil {
			return err
		}

		if reason, blocked := statusRejection(status); blocked {
			return rejectWith(reason, nil)
		}

		already, err := tx.Dispensations().DispensedQuantities(txCtx, p.ID)
		if err != nil {
			return domain.Persistence("sum dispensed quantities", err)
		}
		lines := req.Items
		if len(lines) == 0 {
			lines = remainingLines(p, already)
		}
		complete, err := coverage(p, already, lines)
		if err != nil {
			return err
		}
		if r.policy == PolicyFullOnly && !complete {
			return fmt.Errorf("partial dispensation is not allowed: %w", domain.ErrInvalidInput)
		}
		if r.policy == PolicyConsumeOnFinalFill && complete {
			if err := consume(); err != nil {
				return err
			}
		}

		d := &domain.Dispensation{
			PrescriptionID:    p.ID,
			PharmacyID:        req.User.EstablishmentID,
			PharmacistID:      req.User.ID,
			DispensationType:  domain.DispensationFull,
			SignatureVerified: true,
			NonceVerified:     true,
			VerificationMode:  domain.VerificationOnline,
			Notes:             req.Notes,
			DispensedAt:       now,
		}
		target := domain.StatusFullyDispensed
		if !complete {
			d.DispensationType = domain.DispensationPartial
			target = domain.StatusPartiallyDispensed
		}
		for _, l := range lines {
			d.Items = append(d.Items, domain.DispensationItem{
				PrescriptionItemID: l.PrescriptionItemID,
				QuantityDispensed:  l.Quantity,
				Substituted:        l.Substituted,
				SubstituteCisCode:  l.SubstituteCisCode,
				SubstitutionReason: l.SubstitutionReason,
			})
		}
		if err := tx.Dispensations().InsertDispensation(txCtx, d); err != nil {
			return domain.Persistence("insert dispensation", err)
		}

		if status != target {
			if err := lifecycle.Advance(txCtx, p.ID, target); err != nil {
				var ite *domain.IllegalTransitionError
				if errors.As(err, &ite) {
					if reason, blocked := statusRejection(ite.From); blocked {
						return rejectWith(reason, nil)
					}
				}
				return err
			}
		}

		result = &RedeemResult{Dispensation: d, Status: target}
		return nil
	})

	if pending != nil {
		r.fraud.Observe(ctx, *pending)
	}

	switch {
	case err == nil:
	case consumed && repository.IsUncertainTx(err):
		r.logger.Error("Nonce consumed but redemption not settled, manual reconciliation required",
			zap.String("prescription_id", p.ID),
			zap.String("prescription_number", p.Number),
			zap.String("nonce", rec.Nonce),
			zap.String("pharmacy_id", req.User.EstablishmentID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: prescription %s: %v", domain.ErrReconciliationRequired, p.ID, err)
	case errors.Is(err, errRejected):
		r.logger.Info("Redemption rejected",
			zap.String("prescription_id", p.ID),
			zap.String("reason", string(rejection.Reason)),
		)
		return &RedeemResult{Rejection: rejection}, nil
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrPersistence):
		return nil, err
	default:
		return nil, domain.Persistence("redeem", err)
	}

	if consumed {
		r.ledger.Remember(ctx, rec.Nonce, now)
	}
	r.logger.Info("Prescription dispensed",
		zap.String("prescription_id", p.ID),
		zap.String("dispensation_id", result.Dispensation.ID),
		zap.String("status", string(result.Status)),
		zap.String("pharmacy_id", req.User.EstablishmentID),
	)
	return result, nil
}

func statusRejection(s domain.PrescriptionStatus) (domain.RejectionReason, bool) {
	switch s {
	case domain.StatusFullyDispensed:
		return domain.RejectAlreadyDispensed, true
	case domain.StatusCancelled:
		return domain.RejectCancelled, true
	case domain.StatusExpired:
		return domain.RejectExpired, true
	}
	return "", false
}

// validateLines checks shape only; quantities owed are checked in the transaction.
func validateLines(p *domain.Prescription, lines []DispenseLine) error {
	seen := map[string]bool{}
	for _, l := range lines {
		if _, ok := p.ItemByID(l.PrescriptionItemID); !ok {
			return fmt.Errorf("unknown prescription item %q: %w", l.PrescriptionItemID, domain.ErrInvalidInput)
		}
		if seen[l.PrescriptionItemID] {
			return fmt.Errorf("prescription item %q listed twice: %w", l.PrescriptionItemID, domain.ErrInvalidInput)
		}
		seen[l.PrescriptionItemID] = true
		if l.Quantity <= 0 {
			return fmt.Errorf("quantity must be positive: %w", domain.ErrInvalidInput)
		}
		if l.Substituted && l.SubstituteCisCode == "" {
			return fmt.Errorf("substitute ciscode is required: %w", domain.ErrInvalidInput)
		}
	}
	return nil
}

func remainingLines(p *domain.Prescription, already map[string]int) []DispenseLine {
	var out []DispenseLine
	for _, it := range p.Items {
		if left := it.Quantity - already[it.ID]; left > 0 {
			out = append(out, DispenseLine{PrescriptionItemID: it.ID, Quantity: left})
		}
	}
	return out
}

// coverage reports whether lines complete the prescription and rejects over-delivery.
func coverage(p *domain.Prescription, already map[string]int, lines []DispenseLine) (bool, error) {
	if len(lines) == 0 {
		return false, fmt.Errorf("nothing left to dispense: %w", domain.ErrInvalidInput)
	}
	now := make(map[string]int, len(lines))
	for _, l := range lines {
		now[l.PrescriptionItemID] += l.Quantity
	}
	complete := true
	for _, it := range p.Items {
		total := already[it.ID] + now[it.ID]
		if total > it.Quantity {
			return false, fmt.Errorf("item %s: %d exceeds prescribed %d: %w", it.ID, total, it.Quantity, domain.ErrInvalidInput)
		}
		if total < it.Quantity {
			complete = false
		}
	}
	return complete, nil
}
