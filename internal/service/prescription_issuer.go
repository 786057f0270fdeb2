package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"securordo/internal/clock"
	"securordo/internal/cryptoengine"
	"securordo/internal/domain"
	"securordo/internal/keystore"
	"securordo/internal/qrcodec"
	"securordo/internal/repository"
)

// IssueItem one medication line as entered by the prescriber
type IssueItem struct {
	CisCode             string `json:"ciscode"`
	Dci                 string `json:"dci"`
	CommercialName      string `json:"commercial_name,omitempty"`
	Dosage              string `json:"dosage"`
	PharmaceuticalForm  string `json:"pharmaceutical_form"`
	AdministrationRoute string `json:"administration_route"`
	Posology            string `json:"posology"`
	Quantity            int    `json:"quantity"`
	DurationDays        int    `json:"duration_days"`
}

// IssueRequest 开具处方请求
type IssueRequest struct {
	User             domain.CurrentUser
	PatientID        string
	PatientInsNumber string
	Items            []IssueItem
}

// IssueResult 开具处方响应
type IssueResult struct {
	Prescription       *domain.Prescription `json:"prescription"`
	PrescriptionNumber string               `json:"prescription_number"`
	QRPayload          string               `json:"qr_payload"`
}

// IssuerOptions validity windows
type IssuerOptions struct {
	NonceTTL     time.Duration // default 24h
	ValidityDays int           // default 365
}

// PrescriptionIssuer 处方开具
type PrescriptionIssuer interface {
	Issue(ctx context.Context, req IssueRequest) (*IssueResult, error)
	// List the prescriber's most recent prescriptions.
	List(ctx context.Context, user domain.CurrentUser, limit int) ([]*domain.Prescription, error)
}

// maxNumberAttempts bounds redraws of a colliding prescription number.
const maxNumberAttempts = 5

type prescriptionIssuer struct {
	// sequence draws the 4-digit daily sequence of the prescription number
	sequence func() int

	store  repository.Store
	engine cryptoengine.Engine
	keys   keystore.PrivateKeyProvider
	ledger NonceLedger
	clock  clock.Clock
	opts   IssuerOptions
	logger *zap.Logger
}

func NewPrescriptionIssuer(
	st repository.Store,
	engine cryptoengine.Engine,
	keys keystore.PrivateKeyProvider,
	ledger NonceLedger,
	clk clock.Clock,
	opts IssuerOptions,
	logger *zap.Logger,
) PrescriptionIssuer {
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = 24 * time.Hour
	}
	if opts.ValidityDays <= 0 {
		opts.ValidityDays = 365
	}
	return &prescriptionIssuer{
		sequence: func() int { return rand.Intn(10000) },
		store:    st,
		engine:   engine,
		keys:     keys,
		ledger:   ledger,
		clock:    clk,
		opts:     opts,
		logger:   logger,
	}
}

func (s *prescriptionIssuer) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.User.Role != domain.RolePrescriber {
		return nil, domain.ErrForbidden
	}
	if req.User.RPPSNumber == "" {
		return nil, fmt.Errorf("prescriber has no RPPS number: %w", domain.ErrForbidden)
	}
	if err := validateIssue(req); err != nil {
		return nil, err
	}

	privateKey, err := s.keys.PrivateKey(ctx, req.User.RPPSNumber)
	if err != nil {
		s.logger.Error("Prescriber signing key unavailable",
			zap.String("rpps_number", req.User.RPPSNumber),
			zap.Error(err),
		)
		return nil, fmt.Errorf("cryptographic keys not available: %w", err)
	}

	now := s.clock.Now()
	nonce, err := s.engine.GenerateNonce()
	if err != nil {
		return nil, err
	}

	p := &domain.Prescription{
		PrescriberID:     req.User.ID,
		PatientID:        req.PatientID,
		PatientInsNumber: req.PatientInsNumber,
		Status:           domain.StatusActive,
		ValidUntil:       now.Truncate(24*time.Hour).AddDate(0, 0, s.opts.ValidityDays),
		Nonce:            nonce,
		SignedAt:         now.UnixMilli(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, it := range req.Items {
		p.Items = append(p.Items, domain.PrescriptionItem{
			CisCode:             strings.TrimSpace(it.CisCode),
			Dci:                 strings.TrimSpace(it.Dci),
			CommercialName:      strings.TrimSpace(it.CommercialName),
			Dosage:              it.Dosage,
			PharmaceuticalForm:  it.PharmaceuticalForm,
			AdministrationRoute: it.AdministrationRoute,
			Posology:            it.Posology,
			Quantity:            it.Quantity,
			DurationDays:        it.DurationDays,
		})
	}

	// the number is part of the signed payload, so a taken number means
	// re-signing; the nonce is kept
	for attempt := 1; ; attempt++ {
		p.Number = fmt.Sprintf("FR-%s-%s-%04d-XX", req.User.RPPSNumber, now.Format("20060102"), s.sequence())
		if err := s.sign(p, privateKey, req.User.RPPSNumber); err != nil {
			return nil, err
		}

		err = s.store.WithinTx(ctx, func(tx repository.Store) error {
			if err := tx.Prescriptions().CreatePrescription(ctx, p); err != nil {
				if errors.Is(err, domain.ErrDuplicatePrescriptionNumber) {
					return err
				}
				return domain.Persistence("create prescription", err)
			}
			return s.ledger.In(tx).Create(ctx, p.Nonce, p.ID, now.Add(s.opts.NonceTTL))
		})
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrDuplicatePrescriptionNumber) {
			return nil, err
		}
		if attempt == maxNumberAttempts {
			return nil, domain.Persistence("create prescription", err)
		}
		s.logger.Info("Prescription number taken, drawing another",
			zap.String("prescription_number", p.Number),
			zap.Int("attempt", attempt),
		)
	}

	qr, err := qrcodec.Encode(qrcodec.Record{
		PrescriptionID:     p.ID,
		PrescriptionNumber: p.Number,
		PatientInsNumber:   p.PatientInsNumber,
		Signature:          p.Signature,
		Nonce:              p.Nonce,
		Timestamp:          p.SignedAt,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Prescription issued",
		zap.String("prescription_id", p.ID),
		zap.String("prescription_number", p.Number),
		zap.String("prescriber_id", p.PrescriberID),
		zap.Int("items", len(p.Items)),
	)
	return &IssueResult{Prescription: p, PrescriptionNumber: p.Number, QRPayload: qr}, nil
}

func (s *prescriptionIssuer) sign(p *domain.Prescription, privateKey, rpps string) error {
	payload := BuildSignedPayload(p.Number, p.PatientID, p.PatientInsNumber, p.Items, p.Nonce, p.SignedAt)
	digest, err := s.engine.HashPayload(payload)
	if err != nil {
		return err
	}
	p.PayloadHash = fmt.Sprintf("%x", digest)
	p.Signature, err = s.engine.Sign(payload, privateKey)
	if err != nil {
		s.logger.Error("Prescription signing failed",
			zap.String("rpps_number", rpps),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *prescriptionIssuer) List(ctx context.Context, user domain.CurrentUser, limit int) ([]*domain.Prescription, error) {
	if user.Role != domain.RolePrescriber {
		return nil, domain.ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	out, err := s.store.Prescriptions().ListByPrescriber(ctx, user.ID, limit)
	if err != nil {
		return nil, domain.Persistence("list prescriptions", err)
	}
	return out, nil
}

func validateIssue(req IssueRequest) error {
	if strings.TrimSpace(req.PatientID) == "" {
		return fmt.Errorf("patient_id is required: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(req.PatientInsNumber) == "" {
		return fmt.Errorf("patient_ins_number is required: %w", domain.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("at least one item is required: %w", domain.ErrInvalidInput)
	}
	for i, it := range req.Items {
		if strings.TrimSpace(it.CisCode) == "" || strings.TrimSpace(it.Dci) == "" {
			return fmt.Errorf("item %d: ciscode and dci are required: %w", i, domain.ErrInvalidInput)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive: %w", i, domain.ErrInvalidInput)
		}
		if it.DurationDays < 0 {
			return fmt.Errorf("item %d: duration_days must not be negative: %w", i, domain.ErrInvalidInput)
		}
	}
	return nil
}
