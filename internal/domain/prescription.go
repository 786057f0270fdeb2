package domain

import "time"

// PrescriptionStatus prescription state machine state
type PrescriptionStatus string

const (
	StatusActive             PrescriptionStatus = "active"
	StatusPartiallyDispensed PrescriptionStatus = "partially_dispensed"
	StatusFullyDispensed     PrescriptionStatus = "fully_dispensed"
	StatusExpired            PrescriptionStatus = "expired"
	StatusCancelled          PrescriptionStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s PrescriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPartiallyDispensed, StatusFullyDispensed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s PrescriptionStatus) Terminal() bool {
	return s == StatusFullyDispensed || s == StatusExpired || s == StatusCancelled
}

// Prescription 处方. Status is the only field mutated after creation.
type Prescription struct {
	ID               string             `json:"id"`
	Number           string             `json:"prescription_number"`
	PrescriberID     string             `json:"prescriber_id"`
	PatientID        string             `json:"patient_id"`
	PatientInsNumber string             `json:"patient_ins_number"`
	Status           PrescriptionStatus `json:"status"`
	ValidUntil       time.Time          `json:"valid_until"` // date, UTC midnight
	Nonce            string             `json:"nonce"`
	Signature        string             `json:"signature"`
	PayloadHash      string             `json:"payload_hash"`
	SignedAt         int64              `json:"signed_at"` // epoch ms carried in the signed payload
	Items            []PrescriptionItem `json:"items"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// PrescriptionItem one medication line, immutable once written
type PrescriptionItem struct {
	ID                  string `json:"id"`
	PrescriptionID      string `json:"prescription_id"`
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

// ItemByID returns the line with the given id.
func (p *Prescription) ItemByID(id string) (PrescriptionItem, bool) {
	for _, it := range p.Items {
		if it.ID == id {
			return it, true
		}
	}
	return PrescriptionItem{}, false
}

// ExpiredAt reports whether the prescription's validity date is behind now.
// ValidUntil is inclusive: a prescription valid until 2026-01-15 can still be
// dispensed on that day.
func (p *Prescription) ExpiredAt(now time.Time) bool {
	if p.ValidUntil.IsZero() {
		return false
	}
	today := now.UTC().Truncate(24 * time.Hour)
	return p.ValidUntil.UTC().Truncate(24 * time.Hour).Before(today)
}
