package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"securordo/internal/clock"
	"securordo/internal/domain"
	"securordo/internal/repository"
)

// FraudEvent something suspicious seen while verifying or redeeming
type FraudEvent struct {
	Type               domain.FraudAlertType
	PrescriptionID     string // empty when unknown
	PrescriptionNumber string
	User               *domain.CurrentUser // who scanned, when known
	Description        string
	Details            map[string]any
}

// FraudNotifier fan-out target for persisted alerts
type FraudNotifier interface {
	Name() string
	NotifyFraud(ctx context.Context, alert *domain.FraudAlert) error
}

// FraudDetector 欺诈检测
type FraudDetector interface {
	// Observe records the event. It never fails the caller: errors are logged.
	Observe(ctx context.Context, ev FraudEvent)
	ListAlerts(ctx context.Context, user domain.CurrentUser, filters domain.FraudAlertFilters) ([]*domain.FraudAlert, error)
}

// SeverityFor fixed mapping from event type to severity.
func SeverityFor(t domain.FraudAlertType) domain.FraudSeverity {
	switch t {
	case domain.AlertInvalidSignature, domain.AlertReplayAttempt:
		return domain.SeverityCritical
	case domain.AlertInvalidNonce:
		return domain.SeverityHigh
	default:
		return domain.SeverityMedium
	}
}

type fraudDetector struct {
	alerts    repository.FraudAlertRepository
	notifiers []FraudNotifier
	clock     clock.Clock
	timeout   time.Duration
	logger    *zap.Logger
}

// NewFraudDetector timeout bounds the alert write and each notification.
func NewFraudDetector(alerts repository.FraudAlertRepository, clk clock.Clock, timeout time.Duration, logger *zap.Logger, notifiers ...FraudNotifier) FraudDetector {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &fraudDetector{
		alerts:    alerts,
		notifiers: notifiers,
		clock:     clk,
		timeout:   timeout,
		logger:    logger,
	}
}

func (d *fraudDetector) Observe(ctx context.Context, ev FraudEvent) {
	// the request may already be cancelled; the alert must still be written
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	alert := &domain.FraudAlert{
		AlertType:   ev.Type,
		Severity:    SeverityFor(ev.Type),
		Status:      domain.FraudAlertOpen,
		Description: ev.Description,
		CreatedAt:   d.clock.Now(),
	}
	if ev.PrescriptionID != "" {
		id := ev.PrescriptionID
		alert.PrescriptionID = &id
	}
	if ev.User != nil {
		if ev.User.EstablishmentID != "" {
			pharmacy := ev.User.EstablishmentID
			alert.PharmacyID = &pharmacy
		}
		if ev.User.ID != "" {
			pharmacist := ev.User.ID
			alert.PharmacistID = &pharmacist
		}
	}
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			d.logger.Warn("Failed to encode fraud alert details", zap.Error(err))
		} else {
			alert.Details = raw
		}
	}

	fields := []zap.Field{
		zap.String("alert_type", string(alert.AlertType)),
		zap.String("severity", string(alert.Severity)),
		zap.String("prescription_id", ev.PrescriptionID),
		zap.String("prescription_number", ev.PrescriptionNumber),
	}
	if err := d.alerts.InsertFraudAlert(ctx, alert); err != nil {
		d.logger.Error("Failed to persist fraud alert", append(fields, zap.Error(err))...)
		return
	}
	d.logger.Warn("Fraud alert raised", append(fields, zap.String("alert_id", alert.ID))...)

	for _, n := range d.notifiers {
		if err := n.NotifyFraud(ctx, alert); err != nil {
			d.logger.Warn("Fraud alert notification failed",
				zap.String("notifier", n.Name()),
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
}

func (d *fraudDetector) ListAlerts(ctx context.Context, user domain.CurrentUser, filters domain.FraudAlertFilters) ([]*domain.FraudAlert, error) {
	if user.Role != domain.RoleAdmin {
		return nil, domain.ErrForbidden
	}
	out, err := d.alerts.ListFraudAlerts(ctx, filters)
	if err != nil {
		return nil, domain.Persistence("list fraud alerts", err)
	}
	return out, nil
}
