package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowgate/ctrlplane/internal/mcp"
	"github.com/flowgate/ctrlplane/pkg/policy"
)

// ToolRouter owns a pool of MCP server connections (spec §4.7 step 2: Tool
// dispatch) and resolves a tool name to the server that provides it,
// mirroring the discovery pass the reference worker runs once at startup.
type ToolRouter struct {
	manager    mcp.MCPManagerProvider
	toolServer map[string]string
	schemas    map[string]json.RawMessage
}

// NewToolRouter connects manager to every configured server and indexes
// each server's tools by name.
func NewToolRouter(ctx context.Context, manager mcp.MCPManagerProvider, servers []mcp.ServerConfig) (*ToolRouter, error) {
	r := &ToolRouter{
		manager:    manager,
		toolServer: make(map[string]string),
		schemas:    make(map[string]json.RawMessage),
	}
	for _, cfg := range servers {
		if err := manager.Start(cfg); err != nil {
			return nil, fmt.Errorf("worker: starting mcp server %s: %w", cfg.Name, err)
		}
		client, err := manager.GetClient(cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("worker: connecting to mcp server %s: %w", cfg.Name, err)
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("worker: listing tools on %s: %w", cfg.Name, err)
		}
		for _, t := range tools {
			r.toolServer[t.Name] = cfg.Name
			r.schemas[t.Name] = t.InputSchema
		}
	}
	return r, nil
}

// ToolCallResult is the normalized outcome of one MCP tool invocation.
type ToolCallResult struct {
	Text    string
	IsError bool
}

// Call validates arguments against the tool's declared JSON schema
// (required fields, typed properties), then dispatches to the owning MCP
// server (spec §4.7 step 2: "validate arguments against the tool's JSON
// schema ... call the MCP tool, capture text/structured content").
func (r *ToolRouter) Call(ctx context.Context, toolName string, arguments map[string]interface{}) (ToolCallResult, error) {
	if err := policy.ValidateToolName(toolName); err != nil {
		return ToolCallResult{}, err
	}
	serverName, ok := r.toolServer[toolName]
	if !ok {
		return ToolCallResult{}, fmt.Errorf("worker: no mcp server provides tool %q", toolName)
	}
	if schema, ok := r.schemas[toolName]; ok {
		if err := validateArguments(schema, arguments); err != nil {
			return ToolCallResult{}, err
		}
	}

	client, err := r.manager.GetClient(serverName)
	if err != nil {
		return ToolCallResult{}, fmt.Errorf("worker: fetching client for %s: %w", serverName, err)
	}
	resp, err := client.CallTool(ctx, mcp.ToolCallRequest{Name: toolName, Arguments: arguments})
	if err != nil {
		return ToolCallResult{}, fmt.Errorf("worker: calling tool %s: %w", toolName, err)
	}

	var text string
	for _, item := range resp.Content {
		if item.Type == "text" {
			if text != "" {
				text += "\n"
			}
			text += item.Text
		}
	}
	return ToolCallResult{Text: text, IsError: resp.IsError}, nil
}

// toolSchema is the minimal JSON-Schema-object shape validateArguments
// understands: a flat object with required fields and per-property types.
type toolSchema struct {
	Type       string                 `json:"type"`
	Required   []string               `json:"required"`
	Properties map[string]schemaField `json:"properties"`
}

type schemaField struct {
	Type string `json:"type"`
}

// validateArguments checks that every schema-required field is present and
// that present fields match their declared JSON type. It intentionally
// does not implement the full JSON Schema spec (nested $refs, oneOf,
// etc.) - only the flat object shape MCP tool schemas use in practice.
func validateArguments(rawSchema json.RawMessage, arguments map[string]interface{}) error {
	if len(rawSchema) == 0 {
		return nil
	}
	var schema toolSchema
	if err := json.Unmarshal(rawSchema, &schema); err != nil {
		return fmt.Errorf("worker: parsing tool input schema: %w", err)
	}
	for _, field := range schema.Required {
		if _, ok := arguments[field]; !ok {
			return fmt.Errorf("worker: missing required argument %q", field)
		}
	}
	for name, value := range arguments {
		field, ok := schema.Properties[name]
		if !ok || field.Type == "" {
			continue
		}
		if !matchesJSONType(value, field.Type) {
			return fmt.Errorf("worker: argument %q does not match schema type %q", name, field.Type)
		}
	}
	return nil
}

func matchesJSONType(value interface{}, jsonType string) bool {
	switch jsonType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}
