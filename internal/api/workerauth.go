package api

import (
	"net/http"

	"github.com/flowgate/ctrlplane/internal/daemon/auth"
	"github.com/flowgate/ctrlplane/internal/daemon/httputil"
)

// WorkerAuthenticator verifies the shared-secret bearer token workers
// present on the policy-oracle and result-callback routes (spec §6). This
// is distinct from TenantAuthenticator: a worker is not itself a tenant, it
// authenticates once with the control plane and then acts on whichever
// run's tenant its queued step belongs to.
type WorkerAuthenticator struct {
	bearer *auth.BearerAuthenticator
	secret string
}

// NewWorkerAuthenticator builds a WorkerAuthenticator checking tokens
// against secret.
func NewWorkerAuthenticator(secret string) *WorkerAuthenticator {
	return &WorkerAuthenticator{bearer: auth.NewBearerAuthenticator(), secret: secret}
}

// Middleware rejects requests without a valid worker bearer token.
func (a *WorkerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.bearer.Authenticate(r, a.secret); err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
