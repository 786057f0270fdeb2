package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"securordo/internal/domain"
	"securordo/internal/service"
)

// PrescriberHandler 处方开具、列表、撤销
type PrescriberHandler struct {
	issuer    service.PrescriptionIssuer
	lifecycle service.PrescriptionLifecycle
	logger    *zap.Logger
}

func NewPrescriberHandler(issuer service.PrescriptionIssuer, lifecycle service.PrescriptionLifecycle, logger *zap.Logger) *PrescriberHandler {
	return &PrescriberHandler{issuer: issuer, lifecycle: lifecycle, logger: logger}
}

type createPrescriptionBody struct {
	PatientID        string              `json:"patient_id"`
	PatientInsNumber string              `json:"patient_ins_number"`
	Items            []service.IssueItem `json:"items"`
}

func (h *PrescriberHandler) CreatePrescription(w http.ResponseWriter, r *http.Request) {
	var body createPrescriptionBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	res, err := h.issuer.Issue(r.Context(), service.IssueRequest{
		User:             currentUser(r),
		PatientID:        body.PatientID,
		PatientInsNumber: body.PatientInsNumber,
		Items:            body.Items,
	})
	if err != nil {
		writeError(w, h.logger, "CreatePrescription", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

func (h *PrescriberHandler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	out, err := h.issuer.List(r.Context(), currentUser(r), limit)
	if err != nil {
		writeError(w, h.logger, "ListPrescriptions", err)
		return
	}
	if out == nil {
		out = []*domain.Prescription{}
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

func (h *PrescriberHandler) CancelPrescription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.lifecycle.Cancel(r.Context(), currentUser(r), id); err != nil {
		writeError(w, h.logger, "CancelPrescription", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"prescription_id": id,
		"status":          domain.StatusCancelled,
	}))
}
