package api

import (
	"context"
	"net/http"

	"github.com/flowgate/ctrlplane/internal/daemon/auth"
	"github.com/flowgate/ctrlplane/internal/daemon/httputil"
)

type tenantKey struct{}

// TenantAuthenticator resolves a bearer token to the tenant it belongs to
// (spec §4.9: "requests carry a bearer token resolved to a tenant; all
// queries are tenant-scoped"). Tokens are loaded once at startup from
// config; there is no token-issuance endpoint in scope.
type TenantAuthenticator struct {
	bearer *auth.BearerAuthenticator
	tokens map[string]string // token -> tenant ID
}

// NewTenantAuthenticator builds a TenantAuthenticator from a static
// token-to-tenant map.
func NewTenantAuthenticator(tokens map[string]string) *TenantAuthenticator {
	return &TenantAuthenticator{bearer: auth.NewBearerAuthenticator(), tokens: tokens}
}

// Middleware resolves the request's bearer token to a tenant ID and stores
// it in the request context, or rejects the request with 401.
func (a *TenantAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := a.bearer.ExtractBearerToken(r)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		tenantID, ok := a.tokens[token]
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey{}, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantFromContext returns the tenant ID a request was authenticated as.
// Handlers reachable only through Middleware may assume ok is always true.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantKey{}).(string)
	return tenantID, ok
}
