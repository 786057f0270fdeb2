package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"securordo/internal/domain"
	"securordo/internal/qrcodec"
	"securordo/internal/repository"
)

// ScanResult what the pharmacist sees after scanning
type ScanResult struct {
	Prescription *domain.Prescription `json:"prescription,omitempty"`
	Verified     bool                 `json:"verified"`
	Rejection    *domain.Rejection    `json:"rejection,omitempty"`
	Message      string               `json:"message,omitempty"`

	verified *VerifiedPrescription
}

// DispenseRequest 药房配药请求
type DispenseRequest struct {
	User      domain.CurrentUser
	QRPayload string
	Items     []DispenseLine
	Notes     string
}

// DispenseResult 药房配药响应
type DispenseResult struct {
	*RedeemResult
	Message string `json:"message,omitempty"`
}

// PharmacyService 药房工作流：扫码、配药
type PharmacyService interface {
	Scan(ctx context.Context, user domain.CurrentUser, qrPayload string) (*ScanResult, error)
	Dispense(ctx context.Context, req DispenseRequest) (*DispenseResult, error)
}

type pharmacyService struct {
	store     repository.Store
	lifecycle PrescriptionLifecycle
	recorder  DispensationRecorder
	logger    *zap.Logger
}

func NewPharmacyService(st repository.Store, lifecycle PrescriptionLifecycle, recorder DispensationRecorder, logger *zap.Logger) PharmacyService {
	return &pharmacyService{
		store:     st,
		lifecycle: lifecycle,
		recorder:  recorder,
		logger:    logger,
	}
}

// Scan decodes, loads and verifies. A *qrcodec.DecodeError is returned as
// an error and never reported as a signature failure.
func (s *pharmacyService) Scan(ctx context.Context, user domain.CurrentUser, qrPayload string) (*ScanResult, error) {
	if user.Role != domain.RolePharmacist {
		return nil, domain.ErrForbidden
	}
	rec, err := qrcodec.Decode(qrPayload)
	if err != nil {
		s.logger.Info("Unreadable QR payload", zap.String("user_id", user.ID), zap.Error(err))
		return nil, err
	}

	p, err := s.store.Prescriptions().GetPrescription(ctx, rec.PrescriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, domain.Persistence("get prescription", err)
	}

	res, err := s.lifecycle.Verify(ctx, user, p, rec)
	if err != nil {
		return nil, err
	}
	if res.Rejection != nil {
		return &ScanResult{
			Rejection: res.Rejection,
			Message:   res.Rejection.Message(),
		}, nil
	}
	return &ScanResult{
		Prescription: p,
		Verified:     true,
		verified:     res.Verified,
	}, nil
}

// Dispense scans again, then redeems what was asked for.
func (s *pharmacyService) Dispense(ctx context.Context, req DispenseRequest) (*DispenseResult, error) {
	if req.User.Role != domain.RolePharmacist {
		return nil, domain.ErrForbidden
	}
	if req.User.EstablishmentID == "" {
		return nil, fmt.Errorf("pharmacist not associated with a pharmacy: %w", domain.ErrForbidden)
	}

	scan, err := s.Scan(ctx, req.User, req.QRPayload)
	if err != nil {
		return nil, err
	}
	if scan.Rejection != nil {
		return &DispenseResult{
			RedeemResult: &RedeemResult{Rejection: scan.Rejection},
			Message:      scan.Message,
		}, nil
	}

	res, err := s.recorder.Redeem(ctx, RedeemRequest{
		User:     req.User,
		Verified: scan.verified,
		Items:    req.Items,
		Notes:    req.Notes,
	})
	if err != nil {
		return nil, err
	}
	out := &DispenseResult{RedeemResult: res}
	if res.Rejection != nil {
		out.Message = res.Rejection.Message()
	}
	return out, nil
}
