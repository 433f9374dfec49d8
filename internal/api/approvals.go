package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/flowgate/ctrlplane/internal/daemon/httputil"
	"github.com/flowgate/ctrlplane/internal/store"
	ctrlerrors "github.com/flowgate/ctrlplane/pkg/errors"
	"github.com/flowgate/ctrlplane/pkg/scheduler"
)

// ApprovalsHandler implements approval resolution (spec §6: POST
// /v1/approvals/{id}/grant and /reject). An approval is identified by the
// StepExecution ID of the waiting step - there is no separate approval
// entity, since a run has at most one outstanding approval per step and
// the step IS the thing being approved.
type ApprovalsHandler struct {
	scheduler *scheduler.Scheduler
	store     store.Store
}

// NewApprovalsHandler builds an ApprovalsHandler.
func NewApprovalsHandler(s *scheduler.Scheduler, st store.Store) *ApprovalsHandler {
	return &ApprovalsHandler{scheduler: s, store: st}
}

// RegisterRoutes registers approval routes behind tenant auth.
func (h *ApprovalsHandler) RegisterRoutes(mux *http.ServeMux, auth *TenantAuthenticator) {
	mux.Handle("POST /v1/approvals/{id}/grant", auth.Middleware(http.HandlerFunc(h.handleGrant)))
	mux.Handle("POST /v1/approvals/{id}/reject", auth.Middleware(http.HandlerFunc(h.handleReject)))
}

type grantRequest struct {
	Output map[string]interface{} `json:"output,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *ApprovalsHandler) handleGrant(w http.ResponseWriter, r *http.Request) {
	step, err := h.tenantStep(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.scheduler.GrantApproval(r.Context(), step.RunID, step.ID, req.Output); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (h *ApprovalsHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	step, err := h.tenantStep(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.scheduler.RejectApproval(r.Context(), step.RunID, step.ID, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// tenantStep resolves the {id} path step and verifies its owning run
// belongs to the caller's tenant.
func (h *ApprovalsHandler) tenantStep(r *http.Request) (store.StepExecution, error) {
	id := r.PathValue("id")
	step, err := h.store.GetStep(r.Context(), id)
	if err != nil {
		return store.StepExecution{}, err
	}
	run, err := h.store.GetRun(r.Context(), step.RunID)
	if err != nil {
		return store.StepExecution{}, err
	}
	tenantID, _ := TenantFromContext(r.Context())
	if run.TenantID != tenantID {
		return store.StepExecution{}, &ctrlerrors.NotFoundError{Resource: "approval", ID: id}
	}
	return step, nil
}
