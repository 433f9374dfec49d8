// Package scheduler is the run kernel (spec §4.6): the per-run cooperative
// loop that releases steps as their dependencies settle, enforces budget at
// release time, drives Loop/Parallel nested plans, and carries a run to a
// terminal status. It never talks to workers directly; all dispatch goes
// through the stream queue adapter, and all state lives in the store behind
// the run lease.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/flowgate/ctrlplane/internal/idgen"
	"github.com/flowgate/ctrlplane/internal/metrics"
	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/internal/streamqueue"
	"github.com/flowgate/ctrlplane/pkg/budget"
	"github.com/flowgate/ctrlplane/pkg/condition"
	"github.com/flowgate/ctrlplane/pkg/replay"
	"github.com/flowgate/ctrlplane/pkg/workflow"
)

// DefinitionLookup resolves a workflow's compiled template by id and
// version. The scheduler never stores the definition itself.
type DefinitionLookup func(ctx context.Context, workflowID, version string) (*workflow.Definition, error)

// Scheduler drives run loops against a persistent store and a durable
// queue. A single Scheduler instance is shared by all run loops in a
// process; exclusivity per run comes from store.WithRunLease, not from any
// in-process lock.
type Scheduler struct {
	Store       store.Store
	Queue       streamqueue.Queue
	Definitions DefinitionLookup
	Conditions  *condition.Evaluator
	IDs         *idgen.Source

	// Replay is consulted before dispatching an LLM or Condition step's
	// first attempt (spec §9); nil disables the lookup entirely. Tool and
	// Approval steps always dispatch, since their side effects can't be
	// assumed idempotent.
	Replay replay.Store

	// Metrics records run/step counters; nil disables instrumentation.
	Metrics *metrics.Registry
}

// New builds a Scheduler. Conditions and IDs default to their package-level
// defaults when nil. Replay is left nil; set it on the returned Scheduler
// to enable deterministic replay.
func New(st store.Store, q streamqueue.Queue, defs DefinitionLookup) *Scheduler {
	return &Scheduler{
		Store:       st,
		Queue:       q,
		Definitions: defs,
		Conditions:  condition.New(),
		IDs:         idgen.Default,
	}
}

// StartRequest describes a new run to start.
type StartRequest struct {
	TenantID        string
	AgentID         string
	WorkflowID      string
	WorkflowVersion string
	Input           map[string]interface{}
	Budget          budget.Limits
}

// StartRun creates the run row, enqueues its initial step layer, and
// transitions Created -> Queued (spec §3, §4.6).
func (s *Scheduler) StartRun(ctx context.Context, req StartRequest) (string, error) {
	def, err := s.Definitions(ctx, req.WorkflowID, req.WorkflowVersion)
	if err != nil {
		return "", fmt.Errorf("scheduler: resolving workflow definition: %w", err)
	}
	if _, err := def.Compile(); err != nil {
		return "", err
	}

	runID := s.IDs.New(idgen.PrefixRun)
	run := store.Run{
		ID:              runID,
		TenantID:        req.TenantID,
		AgentID:         req.AgentID,
		WorkflowID:      req.WorkflowID,
		WorkflowVersion: req.WorkflowVersion,
		Input:           req.Input,
		CreatedAt:       s.IDs.Now(),
		Budget:          req.Budget,
		Status:          store.RunCreated,
		Variables:       map[string]interface{}{},
	}
	err = s.Store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		if err := s.Store.CreateRun(ctx, run); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, runID, "", store.ActionRunCreated, "api", nil); err != nil {
			return err
		}
		released, err := s.releaseSteps(ctx, runID)
		if err != nil {
			return err
		}
		if released > 0 {
			return s.Store.UpdateRunStatus(ctx, runID, store.RunCreated, store.RunQueued)
		}
		return nil
	})
	return runID, err
}

// HandleStepResult records a worker-reported outcome, advances the run's
// first-pickup transition, handles retry scheduling, and re-runs the
// release algorithm (spec §4.6, §4.6.3, §4.6.4).
func (s *Scheduler) HandleStepResult(ctx context.Context, runID, stepDefID, stepID string, attempt int, outcome store.StepOutcome) error {
	return s.Store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		run, err := s.Store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == store.RunQueued {
			if err := s.Store.UpdateRunStatus(ctx, runID, store.RunQueued, store.RunRunning); err != nil {
				return err
			}
		}

		if err := s.Store.UpdateStepResult(ctx, stepID, attempt, outcome); err != nil {
			return err
		}

		if err := s.recordUsage(ctx, runID, outcome.Usage); err != nil {
			return err
		}

		action := store.ActionStepCompleted
		if outcome.Status == store.StepFailed {
			action = store.ActionStepFailed
		}
		if err := s.appendAudit(ctx, runID, stepID, action, "worker", map[string]interface{}{"step_def_id": stepDefID}); err != nil {
			return err
		}

		if s.Replay != nil && outcome.Status == store.StepCompleted {
			if err := s.recordReplay(ctx, run, stepDefID, stepID, attempt); err != nil {
				return err
			}
		}

		if s.Metrics != nil {
			if kind, found, err := s.stepKind(ctx, run, stepDefID); err == nil && found {
				s.Metrics.StepsTotal.WithLabelValues(string(kind), string(outcome.Status)).Inc()
			}
		}

		if outcome.Status == store.StepWaitingApproval {
			return s.enterWaitingApproval(ctx, runID, stepID)
		}

		if outcome.Status == store.StepFailed {
			retried, err := s.maybeRetry(ctx, runID, stepDefID, stepID, attempt, outcome)
			if err != nil {
				return err
			}
			if retried {
				return nil
			}
		}

		_, err = s.releaseSteps(ctx, runID)
		return err
	})
}

func (s *Scheduler) enterWaitingApproval(ctx context.Context, runID, stepID string) error {
	run, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunWaitingApproval {
		return nil
	}
	if err := s.Store.UpdateRunStatus(ctx, runID, run.Status, store.RunWaitingApproval); err != nil {
		return err
	}
	return s.appendAudit(ctx, runID, stepID, store.ActionPolicyApprovalRequired, "scheduler", nil)
}

// GrantApproval resumes a WaitingApproval run after an external grant event
// (spec §4.6.4): the blocking step is marked Completed and release resumes.
func (s *Scheduler) GrantApproval(ctx context.Context, runID, stepID string, output map[string]interface{}) error {
	return s.Store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		step, err := s.Store.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		if err := s.Store.UpdateStepResult(ctx, stepID, step.Attempt, store.StepOutcome{
			Status:      store.StepCompleted,
			Output:      output,
			CompletedAt: s.IDs.Now(),
		}); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, runID, stepID, store.ActionApprovalGranted, "api", nil); err != nil {
			return err
		}
		run, err := s.Store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == store.RunWaitingApproval {
			if err := s.Store.UpdateRunStatus(ctx, runID, store.RunWaitingApproval, store.RunRunning); err != nil {
				return err
			}
		}
		_, err = s.releaseSteps(ctx, runID)
		return err
	})
}

// RejectApproval fails the run after an external reject event.
func (s *Scheduler) RejectApproval(ctx context.Context, runID, stepID, reason string) error {
	return s.Store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		step, err := s.Store.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		if err := s.Store.UpdateStepResult(ctx, stepID, step.Attempt, store.StepOutcome{
			Status:      store.StepFailed,
			Error:       reason,
			CompletedAt: s.IDs.Now(),
		}); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, runID, stepID, store.ActionApprovalRejected, "api", map[string]interface{}{"reason": reason}); err != nil {
			return err
		}
		run, err := s.Store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		run.Status = store.RunFailed
		run.Error = reason
		completed := s.IDs.Now()
		run.CompletedAt = &completed
		return s.Store.UpdateRun(ctx, run)
	})
}

// Cancel moves a non-terminal run to Cancelled.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	return s.Store.WithRunLease(ctx, runID, func(ctx context.Context) error {
		run, err := s.Store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return nil
		}
		run.Status = store.RunCancelled
		completed := s.IDs.Now()
		run.CompletedAt = &completed
		return s.Store.UpdateRun(ctx, run)
	})
}

func (s *Scheduler) recordUsage(ctx context.Context, runID string, usage budget.Usage) error {
	run, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	enforcer := budget.NewEnforcerWithUsage(run.Budget, run.Usage)
	recordErr := enforcer.Record(budget.Estimate{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		ToolCalls:    usage.ToolCalls,
		WallTimeMS:   usage.WallTimeMS,
		CostCents:    usage.CostCents,
	})
	run.Usage = enforcer.Usage()
	if recordErr != nil {
		run.Status = store.RunBudgetKilled
		run.Error = recordErr.Error()
		completed := s.IDs.Now()
		run.CompletedAt = &completed
		if err := s.Store.UpdateRun(ctx, run); err != nil {
			return err
		}
		return s.appendAudit(ctx, runID, "", store.ActionBudgetExceeded, "scheduler", map[string]interface{}{"reason": recordErr.Error()})
	}
	return s.Store.UpdateRun(ctx, run)
}

func (s *Scheduler) appendAudit(ctx context.Context, runID, stepID string, action store.AuditAction, actor string, details map[string]interface{}) error {
	return s.Store.AppendAudit(ctx, store.AuditEvent{
		ID:        s.IDs.New(idgen.PrefixRun),
		RunID:     runID,
		StepID:    stepID,
		Action:    action,
		Actor:     actor,
		Timestamp: s.IDs.Now(),
		Details:   details,
	})
}

// computeRetryDelay returns initial_delay_ms * backoff_multiplier^(attempt-1)
// with up to 20% jitter (spec §4.6.3). attempt is the attempt number that
// just failed (1-indexed).
func computeRetryDelay(policy workflow.RetryPolicy, attempt int, jitter float64) time.Duration {
	base := float64(policy.InitialDelayMS)
	for i := 1; i < attempt; i++ {
		base *= policy.BackoffMultiplier
	}
	jittered := base * (1 + (jitter*2-1)*0.2)
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered) * time.Millisecond
}
