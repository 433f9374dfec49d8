// Package llmclient is the worker's LLM provider call path (spec §4.7 step
// 2, LLM dispatch): a thin adapter from pkg/llm's provider-agnostic
// CompletionRequest/Response types onto the Anthropic Messages API via the
// official SDK, with provider-side rate limiting so a burst of concurrent
// step executions cannot itself trip the upstream rate limiter.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	ctrlerrors "github.com/flowgate/ctrlplane/pkg/errors"
	"github.com/flowgate/ctrlplane/pkg/llm"
)

const defaultModel = "claude-sonnet-4-5-20250929"
const defaultMaxTokens = 4096

var supportedModels = []llm.ModelInfo{
	{ID: "claude-opus-4-1-20250805", Tier: "strategic"},
	{ID: "claude-sonnet-4-5-20250929", Tier: "balanced"},
	{ID: "claude-haiku-4-5-20251001", Tier: "fast"},
}

// Client implements llm.Provider against the Anthropic API.
type Client struct {
	inner   anthropic.Client
	limiter *rate.Limiter
	usage   *llm.UsageTracker
}

// New builds a Client. requestsPerSecond bounds outbound call rate; a
// worker process typically sets this to the number of concurrent step
// consumers it runs so no single worker can exceed its fair share of the
// account's rate limit.
func New(apiKey string, requestsPerSecond float64) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		inner:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		usage:   llm.NewUsageTracker(),
	}
}

func (c *Client) Name() string { return "anthropic" }

// Usage returns the tracker accumulating measured token usage for every
// completion this client has made, keyed by run and model (spec §4.2's
// per-run token accounting).
func (c *Client) Usage() *llm.UsageTracker { return c.usage }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: false, Tools: true, Models: supportedModels}
}

// Complete sends one non-streaming Messages.New request (spec §4.7:
// "call LLM provider with (model, max_tokens, temperature)").
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, &ctrlerrors.ValidationError{Field: "messages", Message: "completion request must have at least one message"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llmclient: rate limit wait: %w", err)
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	var system strings.Builder
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.MessageRoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case llm.MessageRoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case llm.MessageRoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case llm.MessageRoleTool:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system.Len() > 0 {
		params.System = []anthropic.TextBlockParam{{Text: system.String()}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	start := time.Now()
	msg, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}

	var text strings.Builder
	var toolCalls []llm.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	usage := llm.TokenUsage{
		InputTokens:         int(msg.Usage.InputTokens),
		OutputTokens:        int(msg.Usage.OutputTokens),
		TotalTokens:         int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
	}
	c.usage.Track(llm.UsageRecord{
		RequestID: msg.ID,
		RunID:     req.Metadata["run_id"],
		StepID:    req.Metadata["step_id"],
		TenantID:  req.Metadata["tenant_id"],
		Provider:  c.Name(),
		Model:     string(msg.Model),
		Timestamp: start,
		Duration:  time.Since(start),
		Usage:     usage,
	})

	return &llm.CompletionResponse{
		Content:      text.String(),
		ToolCalls:    toolCalls,
		FinishReason: finishReason(string(msg.StopReason)),
		Usage:        usage,
		Model:        string(msg.Model),
		RequestID:    msg.ID,
		Created:      time.Now(),
	}, nil
}

// Stream is unimplemented: the worker only issues synchronous step
// completions (spec §4.7 never asks for partial deltas).
func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("llmclient: streaming not supported")
}

func finishReason(stopReason string) llm.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return llm.FinishReasonStop
	case "max_tokens":
		return llm.FinishReasonLength
	case "tool_use":
		return llm.FinishReasonToolCalls
	default:
		return llm.FinishReasonStop
	}
}

// transientMarkers identifies Anthropic API failures the worker should
// treat as retryable (spec §4.7 step 2 / §7 Transient): connection resets,
// timeouts, rate limiting, and upstream overload.
var transientMarkers = []string{
	"rate_limit", "overloaded_error", "timeout", "deadline exceeded",
	"connection reset", "EOF", "503", "529", "502", "500",
}

func classifyError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return &ctrlerrors.TransientError{Operation: "llmclient.Complete", Cause: err}
		}
	}
	return err
}
