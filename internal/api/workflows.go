package api

import (
	"io"
	"net/http"

	"github.com/flowgate/ctrlplane/internal/daemon/httputil"
	"github.com/flowgate/ctrlplane/internal/idgen"
	"github.com/flowgate/ctrlplane/pkg/workflow"
)

// WorkflowsHandler implements the workflow-template resource (spec §6:
// POST/GET/List `/v1/workflows`).
type WorkflowsHandler struct {
	registry *workflow.Registry
}

// NewWorkflowsHandler builds a WorkflowsHandler over registry.
func NewWorkflowsHandler(registry *workflow.Registry) *WorkflowsHandler {
	return &WorkflowsHandler{registry: registry}
}

// RegisterRoutes registers workflow routes, each behind auth.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux, auth *TenantAuthenticator) {
	mux.Handle("POST /v1/workflows", auth.Middleware(http.HandlerFunc(h.handleCreate)))
	mux.Handle("GET /v1/workflows/{id}", auth.Middleware(http.HandlerFunc(h.handleGet)))
	mux.Handle("GET /v1/workflows", auth.Middleware(http.HandlerFunc(h.handleList)))
}

// workflowResponse is the wire shape of a registered workflow: its
// assigned ID plus the template body.
type workflowResponse struct {
	ID         string               `json:"id"`
	Definition *workflow.Definition `json:"definition"`
}

func (h *WorkflowsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	// ParseDefinition accepts both YAML and JSON (YAML is a JSON
	// superset), so the body is read as-is regardless of Content-Type.
	data, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	def, err := workflow.ParseDefinition(data)
	if err != nil {
		writeErr(w, err)
		return
	}

	id := idgen.New(idgen.PrefixWorkflow)
	if err := h.registry.Register(id, tenantID, def); err != nil {
		writeErr(w, err)
		return
	}

	entry, _ := h.registry.Get(id, def.Version)
	httputil.WriteJSON(w, http.StatusCreated, workflowResponse{ID: entry.ID, Definition: entry.Definition})
}

func (h *WorkflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := r.URL.Query().Get("version")

	entry, err := h.registry.Get(id, version)
	if err != nil {
		writeErr(w, err)
		return
	}
	tenantID, _ := TenantFromContext(r.Context())
	if entry.TenantID != tenantID {
		httputil.WriteError(w, http.StatusNotFound, "workflow not found: "+id)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, workflowResponse{ID: entry.ID, Definition: entry.Definition})
}

func (h *WorkflowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())
	entries := h.registry.List(tenantID)

	out := make([]workflowResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, workflowResponse{ID: entry.ID, Definition: entry.Definition})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workflows": out, "count": len(out)})
}
