package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/flowgate/ctrlplane/pkg/httpclient"
)

// InspectorMode controls how an Airlock denial is enforced.
type InspectorMode string

const (
	// ModeEnforce honors the inspector's verdict: a deny from Airlock
	// overrides an Allow from the tool-name policy.
	ModeEnforce InspectorMode = "enforce"

	// ModeShadow logs the inspector's verdict but never changes the
	// decision the tool-name policy already reached.
	ModeShadow InspectorMode = "shadow"
)

// RiskLevel buckets a numeric risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// InspectorResponse is the Airlock RASP verdict for one tool call, wire
// compatible with the inspector's published JSON contract.
type InspectorResponse struct {
	Allowed           bool      `json:"allowed"`
	RequiresApproval  bool      `json:"requires_approval"`
	DecisionID        string    `json:"decision_id"`
	Reason            string    `json:"reason"`
	RiskScore         int       `json:"risk_score"`
	RiskLevel         RiskLevel `json:"risk_level"`
	ViolationType     string    `json:"violation_type,omitempty"`
	ViolationDetails  string    `json:"violation_details,omitempty"`
	BlockedByAirlock  bool      `json:"blocked_by_airlock"`
	ShadowMode        bool      `json:"shadow_mode"`
}

// IsSecurityViolation reports whether Airlock flagged a violation type.
func (r InspectorResponse) IsSecurityViolation() bool { return r.ViolationType != "" }

// IsHighRisk reports whether the risk level is high or critical.
func (r InspectorResponse) IsHighRisk() bool {
	return r.RiskLevel == RiskHigh || r.RiskLevel == RiskCritical
}

// Inspector consults an external risk oracle before a tool dispatch.
type Inspector interface {
	Inspect(ctx context.Context, toolName string, args map[string]interface{}) (InspectorResponse, error)
}

// AirlockClient is an HTTP-backed Inspector.
type AirlockClient struct {
	baseURL string
	client  *http.Client
	mode    InspectorMode
}

// NewAirlockClient builds an Inspector that POSTs tool-call payloads to the
// Airlock base URL for inspection.
func NewAirlockClient(baseURL string, mode InspectorMode) (*AirlockClient, error) {
	client, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("policy: building airlock client: %w", err)
	}
	return &AirlockClient{baseURL: strings.TrimRight(baseURL, "/"), client: client, mode: mode}, nil
}

// Inspect submits one tool call for Airlock's verdict.
func (a *AirlockClient) Inspect(ctx context.Context, toolName string, args map[string]interface{}) (InspectorResponse, error) {
	body, err := json.Marshal(map[string]interface{}{"tool_name": toolName, "args": args})
	if err != nil {
		return InspectorResponse{}, fmt.Errorf("policy: marshaling inspect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/inspect", bytes.NewReader(body))
	if err != nil {
		return InspectorResponse{}, fmt.Errorf("policy: building inspect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return InspectorResponse{}, fmt.Errorf("policy: calling airlock: %w", err)
	}
	defer resp.Body.Close()

	var out InspectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return InspectorResponse{}, fmt.Errorf("policy: decoding airlock response: %w", err)
	}
	out.ShadowMode = a.mode == ModeShadow
	return out, nil
}

// ApplyInspection folds an Inspector's verdict into a Decide result per
// spec §4.5: in enforce mode a denial from the inspector overrides an
// Allow; in shadow mode the inspector's verdict never changes the outcome.
func ApplyInspection(toolDecision Decision, resp InspectorResponse, mode InspectorMode) Decision {
	if mode == ModeShadow {
		return toolDecision
	}
	if !resp.Allowed && toolDecision == Allow {
		return Deny
	}
	if resp.RequiresApproval && toolDecision == Allow {
		return Approval
	}
	return toolDecision
}
