package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"unigate/internal/regcode/models"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/platform/httputil"
	"unigate/pkg/requestcontext"
)

type Service interface {
	Generate(ctx context.Context, tenantID id.TenantID, adminID id.PrincipalID, codeType models.CodeType, count int, validFor time.Duration) ([]*models.RegistrationCode, error)
	List(ctx context.Context, tenantID id.TenantID, filter models.Filter) ([]*models.RegistrationCode, error)
	Get(ctx context.Context, tenantID id.TenantID, code string) (*models.RegistrationCode, error)
	Revoke(ctx context.Context, tenantID id.TenantID, code string) (*models.RegistrationCode, error)
	Delete(ctx context.Context, tenantID id.TenantID, codes []string) (int, error)
}

// Handler serves the admin registration code routes. It expects the auth
// and admin role middleware in front of it.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/registration-code", h.HandleList)
	r.Post("/registration-code", h.HandleGenerate)
	r.Post("/registration-code/delete", h.HandleDelete)
	r.Get("/registration-code/{code}", h.HandleGet)
	r.Post("/registration-code/{code}/revoke", h.HandleRevoke)
}

type GenerateRequest struct {
	Type      string `json:"type"`
	Count     int    `json:"count"`
	ValidDays int    `json:"validDays,omitempty"`
}

func (r *GenerateRequest) Validate() error {
	if !models.CodeType(r.Type).IsValid() {
		return dErrors.New(dErrors.CodeValidation, "type must be faculty or student")
	}
	if r.Count < 1 {
		return dErrors.New(dErrors.CodeValidation, "count must be at least 1")
	}
	if r.ValidDays < 0 {
		return dErrors.New(dErrors.CodeValidation, "validDays must be positive")
	}
	return nil
}

type DeleteRequest struct {
	Codes []string `json:"codes"`
}

func (r *DeleteRequest) Validate() error {
	if len(r.Codes) == 0 {
		return dErrors.New(dErrors.CodeValidation, "codes is required")
	}
	return nil
}

type CodeResponse struct {
	Code      string  `json:"code"`
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Used      bool    `json:"used"`
	UsedBy    string  `json:"usedBy,omitempty"`
	UsedAt    *string `json:"usedAt,omitempty"`
	IsActive  bool    `json:"isActive"`
	ExpiresAt string  `json:"expiresAt"`
	CreatedAt string  `json:"createdAt"`
	// DeletableAt is set for used codes still inside their retention window.
	DeletableAt *string `json:"deletableAt,omitempty"`
}

type ListResponse struct {
	Codes []CodeResponse `json:"codes"`
	Count int            `json:"count"`
}

type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

// HandleGenerate handles POST /registration-code.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	admin := requestcontext.Principal(ctx)

	req, ok := httputil.DecodeAndPrepare[GenerateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	validFor := time.Duration(req.ValidDays) * 24 * time.Hour
	codes, err := h.service.Generate(ctx, admin.TenantID, admin.ID, models.CodeType(req.Type), req.Count, validFor)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to generate registration codes",
			"request_id", requestID,
			"tenant_id", admin.TenantID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "registration codes generated",
		"request_id", requestID,
		"tenant_id", admin.TenantID,
		"type", req.Type,
		"count", len(codes),
	)
	httputil.WriteJSON(w, http.StatusCreated, toListResponse(codes, requestcontext.Now(ctx)))
}

// HandleList handles GET /registration-code?type=&used=&limit=.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	admin := requestcontext.Principal(ctx)

	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	codes, err := h.service.List(ctx, admin.TenantID, filter)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to list registration codes",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toListResponse(codes, requestcontext.Now(ctx)))
}

// HandleGet handles GET /registration-code/{code}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	admin := requestcontext.Principal(ctx)

	code, err := h.service.Get(ctx, admin.TenantID, chi.URLParam(r, "code"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toCodeResponse(code, requestcontext.Now(ctx)))
}

// HandleRevoke handles POST /registration-code/{code}/revoke.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	admin := requestcontext.Principal(ctx)
	raw := chi.URLParam(r, "code")

	code, err := h.service.Revoke(ctx, admin.TenantID, raw)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to revoke registration code",
			"request_id", requestID,
			"code", raw,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "registration code revoked",
		"request_id", requestID,
		"code", code.Code,
	)
	httputil.WriteJSON(w, http.StatusOK, toCodeResponse(code, requestcontext.Now(ctx)))
}

// HandleDelete handles POST /registration-code/delete.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	admin := requestcontext.Principal(ctx)

	req, ok := httputil.DecodeAndPrepare[DeleteRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	n, err := h.service.Delete(ctx, admin.TenantID, req.Codes)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to delete registration codes",
			"request_id", requestID,
			"requested", len(req.Codes),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "registration codes deleted",
		"request_id", requestID,
		"deleted", n,
	)
	httputil.WriteJSON(w, http.StatusOK, DeleteResponse{Deleted: n})
}

func parseFilter(r *http.Request) (models.Filter, error) {
	q := r.URL.Query()
	filter := models.Filter{Type: models.CodeType(q.Get("type"))}
	if raw := q.Get("used"); raw != "" {
		used, err := strconv.ParseBool(raw)
		if err != nil {
			return models.Filter{}, dErrors.New(dErrors.CodeBadRequest, "used must be true or false")
		}
		filter.Used = &used
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return models.Filter{}, dErrors.New(dErrors.CodeBadRequest, "limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func toListResponse(codes []*models.RegistrationCode, now time.Time) ListResponse {
	out := make([]CodeResponse, 0, len(codes))
	for _, c := range codes {
		out = append(out, toCodeResponse(c, now))
	}
	return ListResponse{Codes: out, Count: len(out)}
}

func toCodeResponse(c *models.RegistrationCode, now time.Time) CodeResponse {
	resp := CodeResponse{
		Code:      c.Code,
		Type:      string(c.Type),
		Status:    c.Status(now),
		Used:      c.Used,
		IsActive:  c.IsActive,
		ExpiresAt: c.ExpiresAt.Format(time.RFC3339),
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
	if c.Used {
		resp.UsedBy = c.UsedBy.String()
	}
	if c.UsedAt != nil {
		usedAt := c.UsedAt.Format(time.RFC3339)
		resp.UsedAt = &usedAt
		if !c.CanDelete(now) {
			deletable := c.DeletableAt().Format(time.RFC3339)
			resp.DeletableAt = &deletable
		}
	}
	return resp
}
