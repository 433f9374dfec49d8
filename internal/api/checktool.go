package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowgate/ctrlplane/internal/daemon/httputil"
	"github.com/flowgate/ctrlplane/internal/idgen"
	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/pkg/policy"
)

// PolicyResolver resolves the Policy document that applies to a tenant
// (spec §4.5: tool decisions are evaluated per-tenant). A control plane
// with no configured policy store falls back to a single default policy
// for every tenant.
type PolicyResolver interface {
	Resolve(tenantID string) policy.Policy
}

// StaticPolicyResolver returns the same Policy for every tenant, the
// control plane's default until a tenant-scoped policy store exists.
type StaticPolicyResolver struct {
	Default policy.Policy
}

// Resolve implements PolicyResolver.
func (r StaticPolicyResolver) Resolve(tenantID string) policy.Policy { return r.Default }

// CheckToolHandler implements the worker-facing policy oracle (spec §6:
// POST /v1/runs/{id}/check-tool).
type CheckToolHandler struct {
	store     store.Store
	policies  PolicyResolver
	inspector policy.Inspector // optional Airlock RASP oracle; nil disables it
}

// NewCheckToolHandler builds a CheckToolHandler. inspector may be nil.
func NewCheckToolHandler(st store.Store, policies PolicyResolver, inspector policy.Inspector) *CheckToolHandler {
	return &CheckToolHandler{store: st, policies: policies, inspector: inspector}
}

// RegisterRoutes registers the check-tool route behind worker auth.
func (h *CheckToolHandler) RegisterRoutes(mux *http.ServeMux, auth *WorkerAuthenticator) {
	mux.Handle("POST /v1/runs/{id}/check-tool", auth.Middleware(http.HandlerFunc(h.handle)))
}

type checkToolRequest struct {
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// checkToolResponse mirrors internal/worker.CheckToolResult's wire shape
// exactly - the two sides of the same HTTP contract, defined independently
// since the API and the worker have no Go-level dependency on each other.
type checkToolResponse struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason"`
	DecisionID       string `json:"decision_id"`
}

func (h *CheckToolHandler) handle(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req checkToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := policy.ValidateToolName(req.ToolName); err != nil {
		writeErr(w, err)
		return
	}

	decisionID := idgen.New(idgen.PrefixPolicy)
	decision := h.policies.Resolve(run.TenantID).Decide(req.ToolName)

	resp := checkToolResponse{DecisionID: decisionID}
	var action store.AuditAction
	switch decision {
	case policy.Allow:
		resp.Allowed = true
		action = store.ActionPolicyAllowed
	case policy.Approval:
		resp.Allowed = true
		resp.RequiresApproval = true
		action = store.ActionPolicyApprovalRequired
	default:
		resp.Reason = "denied by policy"
		action = store.ActionPolicyDenied
	}

	// An Airlock-style inspector may override an Allow/Approval verdict
	// with a Deny, but never loosens a policy-level Deny (spec §4.5's
	// "deny wins ties" extends to the external oracle).
	if h.inspector != nil && decision != policy.Deny {
		verdict, err := h.inspector.Inspect(r.Context(), req.ToolName, req.Arguments)
		if err == nil && !verdict.Allowed {
			resp.Allowed = false
			resp.RequiresApproval = false
			resp.Reason = verdict.Reason
			resp.DecisionID = verdict.DecisionID
			action = store.ActionPolicyDenied
		}
	}

	_ = h.store.AppendAudit(r.Context(), store.AuditEvent{
		ID:        idgen.New(idgen.PrefixRun),
		RunID:     runID,
		Action:    action,
		Actor:     "policy",
		Timestamp: idgen.Now(),
		Details:   map[string]interface{}{"tool_name": req.ToolName, "decision_id": resp.DecisionID},
	})

	status := http.StatusOK
	if !resp.Allowed {
		status = http.StatusForbidden
	}
	httputil.WriteJSON(w, status, resp)
}
