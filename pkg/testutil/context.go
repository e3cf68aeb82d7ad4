package testutil

import (
	"net/http"

	id "unigate/pkg/domain"
	"unigate/pkg/requestcontext"
)

// WithPrincipal attaches an authenticated principal to the request context,
// as the auth middleware would after validating a session token.
func WithPrincipal(req *http.Request, principalID id.PrincipalID, role id.Role, tenantID id.TenantID) *http.Request {
	ctx := requestcontext.WithPrincipal(req.Context(), requestcontext.AuthenticatedPrincipal{
		ID:       principalID,
		Role:     role,
		TenantID: tenantID,
	})
	return req.WithContext(ctx)
}

// WithAdmin is WithPrincipal for a tenant admin with a fresh principal id.
func WithAdmin(req *http.Request, tenantID id.TenantID) *http.Request {
	return WithPrincipal(req, id.NewPrincipalID(), id.RoleAdmin, tenantID)
}
