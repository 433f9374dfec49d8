package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/flowgate/ctrlplane/internal/idgen"
	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/internal/streamqueue"
	"github.com/flowgate/ctrlplane/pkg/workflow"
)

// maybeRetry schedules a new attempt for a failed step if its StepDef
// carries a RetryPolicy with attempts remaining (spec §4.6.3). Retries
// share the parent StepDef id; only the attempt counter advances.
func (s *Scheduler) maybeRetry(ctx context.Context, runID, stepDefID, failedStepID string, failedAttempt int, outcome store.StepOutcome) (bool, error) {
	run, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	def, err := s.Definitions(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return false, err
	}
	stepDef, kind, ok := findStepDef(def.Steps, stepDefID)
	if !ok || stepDef.Retry == nil || failedAttempt >= stepDef.Retry.MaxAttempts {
		return false, nil
	}

	delay := computeRetryDelay(*stepDef.Retry, failedAttempt, rand.Float64())
	time.Sleep(delay)

	nextAttempt := failedAttempt + 1
	stepID := s.IDs.New(idgen.PrefixStep)
	step := store.StepExecution{
		ID:        stepID,
		RunID:     runID,
		StepDefID: stepDefID,
		Attempt:   nextAttempt,
		Status:    store.StepPending,
		Input:     stepDef.Config,
	}
	if err := s.Store.CreateStep(ctx, step); err != nil {
		return false, err
	}

	envelope := streamqueue.NewEnvelope(streamqueue.Payload{
		RunID:    runID,
		StepID:   stepID,
		StepType: string(kind),
		Input:    stepDef.Config,
		Context: streamqueue.Context{
			TenantID: run.TenantID,
			AgentID:  run.AgentID,
		},
	})
	if _, err := s.Queue.Publish(ctx, envelope); err != nil {
		return false, err
	}
	if err := s.appendAudit(ctx, runID, stepID, store.ActionStepQueued, "scheduler", map[string]interface{}{
		"step_def_id": stepDefID,
		"attempt":     nextAttempt,
		"retry_of":    failedStepID,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// findStepDef looks up a StepDef (including nested Loop/Parallel contents)
// by the composite id a StepExecution carries.
func findStepDef(defs []workflow.StepDefinition, id string) (workflow.StepDefinition, workflow.StepKind, bool) {
	for _, d := range defs {
		if d.ID == id {
			return d, d.Kind, true
		}
		if len(d.Steps) > 0 {
			if found, kind, ok := findStepDef(d.Steps, id); ok {
				return found, kind, true
			}
		}
	}
	return workflow.StepDefinition{}, "", false
}
