package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"securordo/internal/cryptoengine"
	"securordo/internal/domain"
	"securordo/internal/qrcodec"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// writeError maps service errors to a status code. Infrastructure details stay
// in the log; callers get a generic message.
func writeError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	var (
		decodeErr *qrcodec.DecodeError
		keyErr    *cryptoengine.KeyFormatError
		illegal   *domain.IllegalTransitionError
	)
	switch {
	case errors.As(err, &decodeErr):
		writeJSON(w, http.StatusBadRequest, Fail("unreadable QR code: "+decodeErr.Error()))
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, Fail("forbidden"))
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail("prescription not found"))
	case errors.As(err, &illegal):
		writeJSON(w, http.StatusConflict, Fail("prescription is "+string(illegal.From)))
	case errors.As(err, &keyErr):
		logger.Error(op+" failed: key configuration", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("cryptographic keys are misconfigured"))
	case errors.Is(err, domain.ErrReconciliationRequired):
		logger.Error(op+" failed: reconciliation required", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("dispensation state uncertain, contact support before retrying"))
	default:
		logger.Error(op+" failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
	}
}
