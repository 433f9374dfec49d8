// Package api is the control plane's HTTP boundary (spec §4.9, §6): bearer
// token tenant resolution, `/v1` resource CRUD over workflows and runs, the
// worker-facing policy oracle and result callback, approval resolution, and
// health probes.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowgate/ctrlplane/internal/daemon/auth"
	"github.com/flowgate/ctrlplane/internal/daemon/httputil"
	"github.com/flowgate/ctrlplane/internal/log"
	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/internal/tracing"
)

// RouterConfig holds static router metadata.
type RouterConfig struct {
	Version string

	// RateLimit bounds requests per caller (keyed on the raw Authorization
	// header, tenant bearer token or worker secret alike). Disabled when
	// Enabled is false, which is also the zero value.
	RateLimit auth.RateLimitConfig
}

// Router wraps an http.ServeMux with the same correlation/tracing/logging
// middleware chain spec §6's route table expects on every request.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	logger *slog.Logger

	health  HealthProvider
	limiter *auth.RateLimiter
}

// HealthProvider reports liveness/readiness of the control plane's
// dependencies (store, queue).
type HealthProvider interface {
	Ready(r *http.Request) error
}

// StoreHealth is the default HealthProvider: ready iff the store's
// connection is reachable.
type StoreHealth struct {
	Store store.Store
}

// Ready implements HealthProvider.
func (h StoreHealth) Ready(r *http.Request) error {
	return h.Store.Ping(r.Context())
}

// NewRouter builds a Router with health and version endpoints registered;
// callers then call RegisterRoutes on each resource handler to fill in the
// rest of the `/v1` surface.
func NewRouter(cfg RouterConfig, health HealthProvider) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		config:  cfg,
		logger:  log.New(log.FromEnv()),
		health:  health,
		limiter: auth.NewRateLimiter(cfg.RateLimit),
	}
	r.mux.HandleFunc("GET /v1/health/live", r.handleLive)
	r.mux.HandleFunc("GET /v1/health/ready", r.handleReady)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	return r
}

// Mux returns the underlying ServeMux for handlers to register routes on.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = r.mux

	innerHandler := handler
	if r.config.RateLimit.Enabled {
		innerHandler = rateLimitMiddleware(r.limiter, innerHandler)
	}
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		innerHandler.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)

	handler.ServeHTTP(w, req)
}

// rateLimitMiddleware enforces limiter's token bucket keyed on the caller's
// raw Authorization header (shared by tenant bearer tokens and the worker
// secret alike), falling back to the remote address for unauthenticated
// requests.
func rateLimitMiddleware(limiter *auth.RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := req.Header.Get("Authorization")
		if key == "" {
			key = req.RemoteAddr
		}
		if !limiter.Allow(key) {
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) handleLive(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.health != nil {
		if err := r.health.Ready(req); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": err.Error()})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"version": r.config.Version})
}
