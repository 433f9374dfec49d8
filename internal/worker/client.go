package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowgate/ctrlplane/pkg/budget"
	"github.com/flowgate/ctrlplane/pkg/httpclient"
)

// ControlPlaneClient is the worker's HTTP boundary back to the control
// plane (spec §6): the policy oracle and the step-result callback.
type ControlPlaneClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewControlPlaneClient builds a ControlPlaneClient against baseURL (e.g.
// "http://localhost:8080"), authenticating with apiKey as a bearer token.
func NewControlPlaneClient(baseURL, apiKey string) (*ControlPlaneClient, error) {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 30 * time.Second
	cfg.UserAgent = "ctrlplane-worker/1.0"
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("worker: building control-plane http client: %w", err)
	}
	return &ControlPlaneClient{baseURL: baseURL, apiKey: apiKey, http: client}, nil
}

// CheckToolResult is the policy oracle's verdict for one tool invocation.
type CheckToolResult struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason"`
	DecisionID       string `json:"decision_id"`
}

// CheckTool asks the control plane's policy oracle (POST
// /v1/runs/{id}/check-tool) whether toolName may run for runID (spec §4.7
// step 2, §6). The decision is evaluated control-plane-side so the worker
// never needs its own copy of tenant policy documents.
func (c *ControlPlaneClient) CheckTool(ctx context.Context, runID, toolName string) (CheckToolResult, error) {
	body, err := json.Marshal(map[string]string{"tool_name": toolName})
	if err != nil {
		return CheckToolResult{}, fmt.Errorf("worker: marshaling check-tool request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs/"+runID+"/check-tool", bytes.NewReader(body))
	if err != nil {
		return CheckToolResult{}, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return CheckToolResult{}, fmt.Errorf("worker: check-tool request: %w", err)
	}
	defer resp.Body.Close()

	var result CheckToolResult
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusForbidden {
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return CheckToolResult{}, fmt.Errorf("worker: decoding check-tool response: %w", err)
		}
		return result, nil
	}
	return CheckToolResult{}, fmt.Errorf("worker: check-tool returned status %d", resp.StatusCode)
}

// StepResult is the wire body of the worker's result callback.
type StepResult struct {
	Status       string                 `json:"status"`
	Output       map[string]interface{} `json:"output,omitempty"`
	OutputHash   string                 `json:"output_hash,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Usage        budget.Usage           `json:"usage"`
	TraceContext map[string]interface{} `json:"trace_context,omitempty"`
}

// SubmitStepResult POSTs a step's outcome back to the control plane (spec
// §4.7 step 4, §6: POST /v1/runs/{id}/steps/{step_id}). The caller must
// only ACK the source envelope once this returns nil (spec §4.7 step 5).
func (c *ControlPlaneClient) SubmitStepResult(ctx context.Context, runID, stepID string, result StepResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("worker: marshaling step result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/runs/"+runID+"/steps/"+stepID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker: submitting step result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("worker: step result rejected with status %d: %s", resp.StatusCode, string(msg))
}

func (c *ControlPlaneClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}
