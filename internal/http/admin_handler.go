package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"securordo/internal/domain"
	"securordo/internal/service"
)

// AdminHandler 欺诈告警查询
type AdminHandler struct {
	fraud  service.FraudDetector
	logger *zap.Logger
}

func NewAdminHandler(fraud service.FraudDetector, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{fraud: fraud, logger: logger}
}

func (h *AdminHandler) ListFraudAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := domain.FraudAlertFilters{Limit: parseInt(q.Get("limit"), 50)}
	if filters.Limit <= 0 || filters.Limit > 500 {
		filters.Limit = 50
	}
	if v := strings.TrimSpace(q.Get("prescription_id")); v != "" {
		filters.PrescriptionID = &v
	}
	if v := strings.TrimSpace(q.Get("severity")); v != "" {
		s := domain.FraudSeverity(v)
		filters.Severity = &s
	}
	if v := strings.TrimSpace(q.Get("alert_type")); v != "" {
		t := domain.FraudAlertType(v)
		filters.AlertType = &t
	}
	if v := strings.TrimSpace(q.Get("since")); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("since must be RFC3339"))
			return
		}
		filters.Since = &since
	}

	out, err := h.fraud.ListAlerts(r.Context(), currentUser(r), filters)
	if err != nil {
		writeError(w, h.logger, "ListFraudAlerts", err)
		return
	}
	if out == nil {
		out = []*domain.FraudAlert{}
	}
	writeJSON(w, http.StatusOK, Ok(out))
}
