package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"securordo/internal/service"
)

// PharmacistHandler 扫码、配药
type PharmacistHandler struct {
	pharmacy service.PharmacyService
	logger   *zap.Logger
}

func NewPharmacistHandler(pharmacy service.PharmacyService, logger *zap.Logger) *PharmacistHandler {
	return &PharmacistHandler{pharmacy: pharmacy, logger: logger}
}

type scanBody struct {
	QRPayload string `json:"qr_payload"`
}

type dispenseBody struct {
	QRPayload string                 `json:"qr_payload"`
	Items     []service.DispenseLine `json:"items"`
	Notes     string                 `json:"notes"`
}

// rejected business rejections are a 200 with type "warning" and the
// plain-language message.
func rejected[T any](result T, message string) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "warning", Message: message, Result: result}
}

func (h *PharmacistHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var body scanBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	res, err := h.pharmacy.Scan(r.Context(), currentUser(r), body.QRPayload)
	if err != nil {
		writeError(w, h.logger, "Scan", err)
		return
	}
	if res.Rejection != nil {
		writeJSON(w, http.StatusOK, rejected(res, res.Message))
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

func (h *PharmacistHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	var body dispenseBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	res, err := h.pharmacy.Dispense(r.Context(), service.DispenseRequest{
		User:      currentUser(r),
		QRPayload: body.QRPayload,
		Items:     body.Items,
		Notes:     body.Notes,
	})
	if err != nil {
		writeError(w, h.logger, "Dispense", err)
		return
	}
	if res.Rejection != nil {
		writeJSON(w, http.StatusOK, rejected(res, res.Message))
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}
