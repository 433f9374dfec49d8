package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowgate/ctrlplane/internal/daemon/httputil"
	"github.com/flowgate/ctrlplane/internal/idgen"
	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/pkg/budget"
	"github.com/flowgate/ctrlplane/pkg/scheduler"
)

// StepResultHandler implements the worker result callback (spec §6: POST
// /v1/runs/{id}/steps/{step_id}).
type StepResultHandler struct {
	scheduler *scheduler.Scheduler
	store     store.Store
}

// NewStepResultHandler builds a StepResultHandler.
func NewStepResultHandler(s *scheduler.Scheduler, st store.Store) *StepResultHandler {
	return &StepResultHandler{scheduler: s, store: st}
}

// RegisterRoutes registers the step-result route behind worker auth.
func (h *StepResultHandler) RegisterRoutes(mux *http.ServeMux, auth *WorkerAuthenticator) {
	mux.Handle("POST /v1/runs/{id}/steps/{step_id}", auth.Middleware(http.HandlerFunc(h.handle)))
}

// stepResultRequest mirrors internal/worker.StepResult's wire shape.
type stepResultRequest struct {
	Status     string                 `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	OutputHash string                 `json:"output_hash,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Usage      budget.Usage           `json:"usage"`
}

var stepResultStatus = map[string]store.StepStatus{
	"completed":        store.StepCompleted,
	"failed":           store.StepFailed,
	"waiting_approval": store.StepWaitingApproval,
}

func (h *StepResultHandler) handle(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	stepID := r.PathValue("step_id")

	var req stepResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	status, ok := stepResultStatus[req.Status]
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "unknown step status: "+req.Status)
		return
	}

	step, err := h.store.GetStep(r.Context(), stepID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if step.RunID != runID {
		httputil.WriteError(w, http.StatusNotFound, "step not found: "+stepID)
		return
	}

	output := req.Output
	if output == nil && req.OutputHash != "" {
		output = map[string]interface{}{"output_hash": req.OutputHash}
	}

	err = h.scheduler.HandleStepResult(r.Context(), runID, step.StepDefID, stepID, step.Attempt, store.StepOutcome{
		Status:      status,
		Output:      output,
		Error:       req.Error,
		Usage:       req.Usage,
		CompletedAt: idgen.Now(),
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
