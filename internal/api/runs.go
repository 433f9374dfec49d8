package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowgate/ctrlplane/internal/daemon/httputil"
	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/pkg/budget"
	ctrlerrors "github.com/flowgate/ctrlplane/pkg/errors"
	"github.com/flowgate/ctrlplane/pkg/scheduler"
	"github.com/flowgate/ctrlplane/pkg/workflow"
)

// RunsHandler implements the workflow-run resource (spec §6): starting,
// reading, listing steps, and cancelling a run.
type RunsHandler struct {
	scheduler *scheduler.Scheduler
	store     store.Store
	registry  *workflow.Registry
}

// NewRunsHandler builds a RunsHandler.
func NewRunsHandler(s *scheduler.Scheduler, st store.Store, registry *workflow.Registry) *RunsHandler {
	return &RunsHandler{scheduler: s, store: st, registry: registry}
}

// RegisterRoutes registers run routes behind tenant auth.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux, auth *TenantAuthenticator) {
	mux.Handle("POST /v1/workflow-runs", auth.Middleware(http.HandlerFunc(h.handleStart)))
	mux.Handle("GET /v1/workflow-runs/{id}", auth.Middleware(http.HandlerFunc(h.handleGet)))
	mux.Handle("GET /v1/workflow-runs/{id}/steps", auth.Middleware(http.HandlerFunc(h.handleListSteps)))
	mux.Handle("POST /v1/workflow-runs/{id}/cancel", auth.Middleware(http.HandlerFunc(h.handleCancel)))
}

// startRunRequest is the wire body of POST /v1/workflow-runs.
type startRunRequest struct {
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion string                 `json:"workflow_version,omitempty"`
	AgentID         string                 `json:"agent_id,omitempty"`
	Input           map[string]interface{} `json:"input,omitempty"`
	Budget          *budget.Limits         `json:"budget,omitempty"`
}

func (h *RunsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	entry, err := h.registry.Get(req.WorkflowID, req.WorkflowVersion)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entry.TenantID != tenantID {
		httputil.WriteError(w, http.StatusNotFound, "workflow not found: "+req.WorkflowID)
		return
	}

	limits := budget.Limits{}
	if req.Budget != nil {
		limits = *req.Budget
	}

	runID, err := h.scheduler.StartRun(r.Context(), scheduler.StartRequest{
		TenantID:        tenantID,
		AgentID:         req.AgentID,
		WorkflowID:      entry.ID,
		WorkflowVersion: entry.Definition.Version,
		Input:           req.Input,
		Budget:          limits,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"id": runID})
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.getTenantRun(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) handleListSteps(w http.ResponseWriter, r *http.Request) {
	run, err := h.getTenantRun(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	steps, err := h.store.ListStepsByRun(r.Context(), run.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"steps": steps, "count": len(steps)})
}

func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.getTenantRun(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.scheduler.Cancel(r.Context(), run.ID); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// getTenantRun fetches the {id} path run and verifies it belongs to the
// caller's tenant, returning a NotFoundError (rather than leaking another
// tenant's run) on mismatch.
func (h *RunsHandler) getTenantRun(r *http.Request) (store.Run, error) {
	id := r.PathValue("id")
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		return store.Run{}, err
	}
	tenantID, _ := TenantFromContext(r.Context())
	if run.TenantID != tenantID {
		return store.Run{}, &ctrlerrors.NotFoundError{Resource: "run", ID: id}
	}
	return run, nil
}
