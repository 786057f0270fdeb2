package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Router gorilla/mux routes grouped by audience, each group behind auth.
type Router struct {
	mux    *mux.Router
	auth   mux.MiddlewareFunc
	logger *zap.Logger
}

func NewRouter(auth func(http.Handler) http.Handler, logger *zap.Logger) *Router {
	return &Router{
		mux:    mux.NewRouter(),
		auth:   auth,
		logger: logger,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) group(prefix string) *mux.Router {
	sub := r.mux.PathPrefix(prefix).Subrouter()
	sub.Use(r.auth)
	return sub
}

// RegisterHealthRoutes ping reports whether the store is reachable.
func (r *Router) RegisterHealthRoutes(ping func(ctx context.Context) error) {
	r.mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if ping != nil {
			if err := ping(ctx); err != nil {
				r.logger.Warn("Health check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, Fail("store unavailable"))
				return
			}
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	}).Methods(http.MethodGet)
}

// RegisterPrescriberRoutes 处方医生
func (r *Router) RegisterPrescriberRoutes(h *PrescriberHandler) {
	sub := r.group("/prescriber/api/v1")
	sub.HandleFunc("/prescriptions", h.CreatePrescription).Methods(http.MethodPost)
	sub.HandleFunc("/prescriptions", h.ListPrescriptions).Methods(http.MethodGet)
	sub.HandleFunc("/prescriptions/{id}/cancel", h.CancelPrescription).Methods(http.MethodPost)
}

// RegisterPharmacistRoutes 药剂师
func (r *Router) RegisterPharmacistRoutes(h *PharmacistHandler) {
	sub := r.group("/pharmacist/api/v1")
	sub.HandleFunc("/scan", h.Scan).Methods(http.MethodPost)
	sub.HandleFunc("/dispense", h.Dispense).Methods(http.MethodPost)
}

// RegisterAdminRoutes 管理员
func (r *Router) RegisterAdminRoutes(h *AdminHandler) {
	sub := r.group("/admin/api/v1")
	sub.HandleFunc("/fraud-alerts", h.ListFraudAlerts).Methods(http.MethodGet)
}
