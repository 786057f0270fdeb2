package service

import "securordo/internal/domain"

// SignedPayload is what the prescriber's key signs. Field order is part of the
// signature: prescriptionNumber, patientId, patientInsNumber, items, nonce,
// timestamp.
type SignedPayload struct {
	PrescriptionNumber string       `json:"prescriptionNumber"`
	PatientID          string       `json:"patientId"`
	PatientInsNumber   string       `json:"patientInsNumber"`
	Items              []SignedItem `json:"items"`
	Nonce              string       `json:"nonce"`
	Timestamp          int64        `json:"timestamp"`
}

// SignedItem one medication line as signed.
type SignedItem struct {
	CisCode             string `json:"ciscode"`
	Dci                 string `json:"dci"`
	CommercialName      string `json:"commercialName"`
	Dosage              string `json:"dosage"`
	PharmaceuticalForm  string `json:"pharmaceuticalForm"`
	AdministrationRoute string `json:"administrationRoute"`
	Posology            string `json:"posology"`
	Quantity            int    `json:"quantity"`
	DurationDays        int    `json:"durationDays"`
}

// BuildSignedPayload rebuilds the signed payload from stored lines plus the
// claims carried by the QR code.
func BuildSignedPayload(number, patientID, insNumber string, items []domain.PrescriptionItem, nonce string, timestamp int64) SignedPayload {
	out := SignedPayload{
		PrescriptionNumber: number,
		PatientID:          patientID,
		PatientInsNumber:   insNumber,
		Items:              make([]SignedItem, 0, len(items)),
		Nonce:              nonce,
		Timestamp:          timestamp,
	}
	for _, it := range items {
		out.Items = append(out.Items, SignedItem{
			CisCode:             it.CisCode,
			Dci:                 it.Dci,
			CommercialName:      it.CommercialName,
			Dosage:              it.Dosage,
			PharmaceuticalForm:  it.PharmaceuticalForm,
			AdministrationRoute: it.AdministrationRoute,
			Posology:            it.Posology,
			Quantity:            it.Quantity,
			DurationDays:        it.DurationDays,
		})
	}
	return out
}
