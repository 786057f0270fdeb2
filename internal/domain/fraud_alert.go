package domain

import (
	"encoding/json"
	"time"
)

// FraudAlertType 欺诈告警类型
type FraudAlertType string

const (
	AlertInvalidSignature FraudAlertType = "invalid_signature"
	AlertInvalidNonce     FraudAlertType = "invalid_nonce"
	AlertReplayAttempt    FraudAlertType = "replay_attempt"
	AlertExpiredNonce     FraudAlertType = "expired_nonce"
)

// FraudSeverity 告警级别
type FraudSeverity string

const (
	SeverityMedium   FraudSeverity = "medium"
	SeverityHigh     FraudSeverity = "high"
	SeverityCritical FraudSeverity = "critical"
)

// FraudAlertStatus investigation status; new alerts are always open
type FraudAlertStatus string

const FraudAlertOpen FraudAlertStatus = "open"

// FraudAlert append-only audit record
type FraudAlert struct {
	ID             string           `json:"id"`
	AlertType      FraudAlertType   `json:"alert_type"`
	Severity       FraudSeverity    `json:"severity"`
	Status         FraudAlertStatus `json:"status"`
	PrescriptionID *string          `json:"prescription_id,omitempty"`
	PharmacyID     *string          `json:"pharmacy_id,omitempty"`
	PharmacistID   *string          `json:"pharmacist_id,omitempty"`
	Description    string           `json:"description"`
	Details        json.RawMessage  `json:"details,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// FraudAlertFilters listing filters
type FraudAlertFilters struct {
	PrescriptionID *string
	Severity       *FraudSeverity
	AlertType      *FraudAlertType
	Since          *time.Time
	Limit          int
}
