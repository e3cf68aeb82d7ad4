package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"unigate/internal/tenant/models"
	"unigate/pkg/platform/httputil"
	"unigate/pkg/requestcontext"
)

// Service is the slice of the tenant service exposed to platform operators.
type Service interface {
	DeactivateTenant(ctx context.Context, universityCode string) (*models.Tenant, error)
	ReactivateTenant(ctx context.Context, universityCode string) (*models.Tenant, error)
}

// Handler serves platform tenant routes. The router guards it with the
// X-Admin-Token middleware.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/platform/tenants/{code}/deactivate", h.HandleDeactivate)
	r.Post("/platform/tenants/{code}/reactivate", h.HandleReactivate)
}

// HandleDeactivate handles POST /platform/tenants/{code}/deactivate.
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "deactivate", h.service.DeactivateTenant)
}

// HandleReactivate handles POST /platform/tenants/{code}/reactivate.
func (h *Handler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "reactivate", h.service.ReactivateTenant)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, action string,
	fn func(context.Context, string) (*models.Tenant, error),
) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()
	code := chi.URLParam(r, "code")

	tenant, err := fn(ctx, code)
	if err != nil {
		h.logger.WarnContext(ctx, "tenant status change failed",
			"request_id", requestID,
			"action", action,
			"university_code", code,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "tenant status changed",
		"request_id", requestID,
		"action", action,
		"tenant_id", tenant.ID,
		"status", tenant.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, toTenantResponse(tenant))
}

type TenantResponse struct {
	ID             string `json:"id"`
	UniversityCode string `json:"universityCode"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	UpdatedAt      string `json:"updatedAt"`
}

func toTenantResponse(t *models.Tenant) TenantResponse {
	return TenantResponse{
		ID:             t.ID.String(),
		UniversityCode: t.UniversityCode,
		Name:           t.Name,
		Status:         string(t.Status),
		UpdatedAt:      t.UpdatedAt.Format(time.RFC3339),
	}
}
