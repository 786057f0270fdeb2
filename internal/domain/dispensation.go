package domain

import "time"

// DispensationType full or partial delivery
type DispensationType string

const (
	DispensationFull    DispensationType = "full"
	DispensationPartial DispensationType = "partial"
)

// Dispensation pharmacy-side record of one redemption event
type Dispensation struct {
	ID                string             `json:"id"`
	PrescriptionID    string             `json:"prescription_id"`
	PharmacyID        string             `json:"pharmacy_id"`
	PharmacistID      string             `json:"pharmacist_id"`
	DispensationType  DispensationType   `json:"dispensation_type"`
	SignatureVerified bool               `json:"signature_verified"`
	NonceVerified     bool               `json:"nonce_verified"`
	VerificationMode  VerificationMode   `json:"verification_mode"`
	Notes             string             `json:"notes,omitempty"`
	DispensedAt       time.Time          `json:"dispensed_at"`
	Items             []DispensationItem `json:"items"`
}

// DispensationItem quantity handed over against one prescription line
type DispensationItem struct {
	ID                 string `json:"id"`
	DispensationID     string `json:"dispensation_id"`
	PrescriptionItemID string `json:"prescription_item_id"`
	QuantityDispensed  int    `json:"quantity_dispensed"`
	Substituted        bool   `json:"substituted"`
	SubstituteCisCode  string `json:"substitute_ciscode,omitempty"`
	SubstitutionReason string `json:"substitution_reason,omitempty"`
}
