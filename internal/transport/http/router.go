package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	identityhandler "unigate/internal/identity/handler"
	"unigate/internal/platform/metrics"
	regcodehandler "unigate/internal/regcode/handler"
	tenanthandler "unigate/internal/tenant/handler"
	id "unigate/pkg/domain"
	"unigate/pkg/platform/httputil"
	adminmw "unigate/pkg/platform/middleware/admin"
	"unigate/pkg/platform/middleware/auth"
	"unigate/pkg/platform/middleware/metadata"
	"unigate/pkg/platform/middleware/request"
	"unigate/pkg/platform/middleware/requesttime"
)

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps is everything the router mounts.
type Deps struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Sessions auth.TokenValidator
	// PlatformAdminToken guards tenant suspension. Empty disables those routes.
	PlatformAdminToken string
	Health             map[string]HealthCheck

	Identity *identityhandler.Handler
	Codes    *regcodehandler.Handler
	Tenants  *tenanthandler.Handler
}

// NewRouter wires the public, admin-session and platform-operator route
// groups behind the shared request middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(d.Logger))
	r.Use(request.Logger(d.Logger, observer(d.Metrics), routePattern))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)

	r.Get("/health", healthHandler(d.Health))
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	d.Identity.Register(r)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(d.Sessions, d.Logger))
		r.Use(auth.RequireRole(d.Logger, id.RoleAdmin))
		d.Identity.RegisterAdmin(r)
		d.Codes.Register(r)
	})

	if d.PlatformAdminToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(adminmw.RequireAdminToken(d.PlatformAdminToken, d.Logger))
			d.Tenants.Register(r)
		})
	}
	return r
}

func observer(m *metrics.Metrics) request.LatencyObserver {
	if m == nil {
		return nil
	}
	return m
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
