// Package worker is the step executor (spec §4.7): a long-lived process
// that joins one consumer group on the durable step queue, pulls step
// envelopes, dispatches LLM/Tool/Approval work, and reports results back to
// the control plane.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowgate/ctrlplane/internal/log"
	"github.com/flowgate/ctrlplane/internal/streamqueue"
	"github.com/flowgate/ctrlplane/internal/worker/artifact"
	"github.com/flowgate/ctrlplane/pkg/budget"
	ctrlerrors "github.com/flowgate/ctrlplane/pkg/errors"
	"github.com/flowgate/ctrlplane/pkg/llm"
)

// Config controls one Worker instance.
type Config struct {
	Group         string
	Consumer      string
	MaxRetries    int
	RetryDelay    time.Duration
	StepTimeout   time.Duration
	InputRisk     InputRiskMode
	RiskThreshold float64
}

// Worker drives the consume loop described in spec §4.7.
type Worker struct {
	cfg       Config
	queue     streamqueueQueue
	cp        *ControlPlaneClient
	llm       llm.Provider
	tools     *ToolRouter
	artifacts *artifact.Store
	logger    *slog.Logger
}

// streamqueueQueue is the subset of streamqueue.Queue the worker consumes.
// Declared locally so tests can supply a fake without importing the redis
// dependency chain.
type streamqueueQueue interface {
	Subscribe(ctx context.Context, group, consumer string, timeout time.Duration) (streamqueue.Delivery, error)
	Ack(ctx context.Context, group, messageID string) error
}

// New builds a Worker. llmProvider and tools may be nil if the deployment
// never dispatches LLM or Tool steps respectively (e.g. a worker pool
// dedicated to one step kind).
func New(cfg Config, queue streamqueueQueue, cp *ControlPlaneClient, llmProvider llm.Provider, tools *ToolRouter, artifacts *artifact.Store) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.RiskThreshold <= 0 {
		cfg.RiskThreshold = DefaultInputRiskThreshold
	}
	if cfg.InputRisk == "" {
		cfg.InputRisk = InputRiskModeBlock
	}
	return &Worker{
		cfg:       cfg,
		queue:     queue,
		cp:        cp,
		llm:       llmProvider,
		tools:     tools,
		artifacts: artifacts,
		logger:    slog.Default(),
	}
}

// Run blocks, pulling envelopes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		delivery, err := w.queue.Subscribe(ctx, w.cfg.Group, w.cfg.Consumer, 5*time.Second)
		if errors.Is(err, streamqueue.ErrNoMessage) {
			continue
		}
		var poison *streamqueue.PoisonError
		if errors.As(err, &poison) {
			w.logger.Warn("dropping poison envelope", slog.String("message_id", poison.MessageID), slog.String("error", poison.Error()))
			_ = w.queue.Ack(ctx, w.cfg.Group, poison.MessageID)
			continue
		}
		if err != nil {
			return fmt.Errorf("worker: subscribing: %w", err)
		}

		if err := w.handle(ctx, delivery); err != nil {
			w.logger.Error("step handling failed", slog.String("error", err.Error()), slog.String(log.StepIDKey, delivery.Envelope.Payload.StepID))
			continue
		}
		if err := w.queue.Ack(ctx, w.cfg.Group, delivery.MessageID); err != nil {
			w.logger.Error("ack failed, envelope will be redelivered", slog.String("error", err.Error()))
		}
	}
}

// handle executes one envelope end to end and submits its result. It
// returns an error only when the result POST itself failed - every other
// outcome (including a Failed step status) is reported to the control
// plane and the caller should still ACK (spec §4.7 step 5).
func (w *Worker) handle(ctx context.Context, delivery streamqueue.Delivery) error {
	payload := delivery.Envelope.Payload
	stepCtx, cancel := context.WithTimeout(ctx, w.cfg.StepTimeout)
	defer cancel()

	started := time.Now()
	result := w.execute(stepCtx, payload)
	result.Usage.WallTimeMS = time.Since(started).Milliseconds()

	if result.Output != nil {
		sanitized, err := sanitizeOutput(result.Output, defaultOutputLimits)
		if err != nil {
			result = StepResult{Status: "failed", Error: fmt.Sprintf("output sanitisation: %v", err), Usage: result.Usage}
		} else if m, ok := sanitized.(map[string]interface{}); ok {
			result.Output = m
		}
	}

	if w.artifacts != nil && result.Output != nil {
		meta, err := w.artifacts.StoreJSON(payload.RunID, payload.StepID, result.Output)
		if err != nil {
			w.logger.Warn("artifact store failed", slog.String("error", err.Error()))
		} else {
			result.OutputHash = meta.Hash
		}
	}
	result.TraceContext = payload.Context.TraceContext

	return w.cp.SubmitStepResult(ctx, payload.RunID, payload.StepID, result)
}

// execute dispatches by step_type (spec §4.7 step 2) and never returns an
// error directly: every failure mode becomes a StepResult so handle can
// always attempt the result POST.
func (w *Worker) execute(ctx context.Context, payload streamqueue.Payload) StepResult {
	switch payload.StepType {
	case "llm":
		return w.executeLLM(ctx, payload)
	case "tool":
		return w.executeTool(ctx, payload)
	case "approval":
		return StepResult{Status: "waiting_approval"}
	default:
		return StepResult{Status: "failed", Error: fmt.Sprintf("worker: unsupported step_type %q", payload.StepType)}
	}
}

func (w *Worker) executeLLM(ctx context.Context, payload streamqueue.Payload) StepResult {
	if w.llm == nil {
		return StepResult{Status: "failed", Error: "worker: no llm provider configured"}
	}

	req, risk, err := buildCompletionRequest(payload.Input)
	if err != nil {
		return StepResult{Status: "failed", Error: err.Error()}
	}
	req.Metadata = map[string]string{
		"run_id":    payload.RunID,
		"step_id":   payload.StepID,
		"tenant_id": payload.Context.TenantID,
	}
	if w.cfg.InputRisk == InputRiskModeBlock && risk > w.cfg.RiskThreshold {
		return StepResult{Status: "failed", Error: fmt.Sprintf("input_risk: score %.2f exceeds threshold %.2f", risk, w.cfg.RiskThreshold)}
	}

	var resp *llm.CompletionResponse
	attempt := 0
	for {
		attempt++
		resp, err = w.llm.Complete(ctx, req)
		if err == nil {
			break
		}
		var transient *ctrlerrors.TransientError
		if !errors.As(err, &transient) || attempt > w.cfg.MaxRetries {
			return StepResult{Status: "failed", Error: err.Error()}
		}
		select {
		case <-ctx.Done():
			return StepResult{Status: "failed", Error: "timeout"}
		case <-time.After(w.cfg.RetryDelay * time.Duration(attempt)):
		}
	}

	return StepResult{
		Status: "completed",
		Output: map[string]interface{}{
			"content":       resp.Content,
			"finish_reason": string(resp.FinishReason),
		},
		Usage: budget.Usage{
			InputTokens:  int64(resp.Usage.InputTokens),
			OutputTokens: int64(resp.Usage.OutputTokens),
			TotalTokens:  int64(resp.Usage.TotalTokens),
		},
	}
}

func (w *Worker) executeTool(ctx context.Context, payload streamqueue.Payload) StepResult {
	if w.tools == nil {
		return StepResult{Status: "failed", Error: "worker: no tool router configured"}
	}
	toolName, _ := payload.Input["tool_name"].(string)
	arguments, _ := payload.Input["arguments"].(map[string]interface{})

	check, err := w.cp.CheckTool(ctx, payload.RunID, toolName)
	if err != nil {
		return StepResult{Status: "failed", Error: fmt.Sprintf("policy check: %v", err)}
	}
	if check.RequiresApproval {
		return StepResult{Status: "waiting_approval"}
	}
	if !check.Allowed {
		return StepResult{Status: "failed", Error: fmt.Sprintf("policy_denied: %s", check.Reason)}
	}

	var toolResult ToolCallResult
	attempt := 0
	for {
		attempt++
		toolResult, err = w.tools.Call(ctx, toolName, arguments)
		if err == nil {
			break
		}
		if attempt > w.cfg.MaxRetries {
			return StepResult{Status: "failed", Error: err.Error()}
		}
		select {
		case <-ctx.Done():
			return StepResult{Status: "failed", Error: "timeout"}
		case <-time.After(w.cfg.RetryDelay * time.Duration(attempt)):
		}
	}
	if toolResult.IsError {
		return StepResult{Status: "failed", Error: toolResult.Text}
	}

	return StepResult{
		Status: "completed",
		Output: map[string]interface{}{
			"result": toolResult.Text,
			"tool":   toolName,
		},
		Usage: budget.Usage{ToolCalls: 1},
	}
}

// buildCompletionRequest composes the LLM messages from the step's input
// (spec §4.7 step 2: "compose messages (system_prompt, context)"), applying
// input sanitisation to the user-supplied portion and returning its
// aggregate risk score for the caller's block/shadow decision.
func buildCompletionRequest(input map[string]interface{}) (llm.CompletionRequest, float64, error) {
	task, _ := input["task"].(string)
	if task == "" {
		task, _ = input["prompt"].(string)
	}
	if task == "" {
		task, _ = input["content"].(string)
	}
	if task == "" {
		return llm.CompletionRequest{}, 0, fmt.Errorf("worker: llm step input has no task/prompt/content field")
	}
	cleaned, risk := scoreInputRisk(task)

	messages := []llm.Message{{Role: llm.MessageRoleUser, Content: delimitUserContent(cleaned)}}
	if system, ok := input["system_prompt"].(string); ok && system != "" {
		messages = append([]llm.Message{{Role: llm.MessageRoleSystem, Content: system}}, messages...)
	}

	req := llm.CompletionRequest{Messages: messages}
	if model, ok := input["model"].(string); ok {
		req.Model = model
	}
	if temp, ok := input["temperature"].(float64); ok {
		req.Temperature = &temp
	}
	if maxTokens, ok := input["max_tokens"].(float64); ok {
		n := int(maxTokens)
		req.MaxTokens = &n
	}
	return req, risk, nil
}
