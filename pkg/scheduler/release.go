package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/flowgate/ctrlplane/internal/idgen"
	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/internal/streamqueue"
	"github.com/flowgate/ctrlplane/pkg/budget"
	"github.com/flowgate/ctrlplane/pkg/condition"
	"github.com/flowgate/ctrlplane/pkg/replay"
	"github.com/flowgate/ctrlplane/pkg/workflow"
)

// containerSep separates a Loop/Parallel container's id from its nested
// step ids and iteration index in a synthetic StepExecution.StepDefID,
// e.g. "review_loop::i0::fetch". Nested ids share the parent's namespace
// only within the nested block (spec §4.4 rule 5), so this composite key
// never collides with a top-level StepDef id.
const containerSep = "::"

// releaseSteps runs one pass of the step-release algorithm (spec §4.6)
// under the caller's run lease and returns the number of newly queued or
// completed steps. It is idempotent: calling it again with no settled
// steps in between is a no-op.
func (s *Scheduler) releaseSteps(ctx context.Context, runID string) (int, error) {
	run, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.Status.IsTerminal() || run.Status == store.RunWaitingApproval {
		return 0, nil
	}

	def, err := s.Definitions(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return 0, err
	}

	execs, err := s.Store.ListStepsByRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	latest := latestByStepDefID(execs)

	released := 0
	anyPending := false
	anyFailed := false
	waitingApproval := false

	steps := make([]workflow.StepDefinition, len(def.Steps))
	copy(steps, def.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })

	for _, d := range steps {
		exec, exists := latest[d.ID]
		if exists {
			switch exec.Status {
			case store.StepPending, store.StepRunning:
				anyPending = true
			case store.StepWaitingApproval:
				waitingApproval = true
			case store.StepFailed:
				anyFailed = true
			}
			continue
		}

		depsSatisfied, blocked := depsSettled(d.DependsOn, latest)
		if blocked {
			anyFailed = true
			continue
		}
		if !depsSatisfied {
			anyPending = true
			continue
		}

		runCtx := buildContext(run, latest)
		ok, err := s.Conditions.Evaluate(d.Condition, runCtx)
		if err != nil {
			return released, fmt.Errorf("scheduler: evaluating condition for step %q: %w", d.ID, err)
		}
		if !ok {
			if err := s.createStep(ctx, runID, d.ID, 1, store.StepSkipped, nil); err != nil {
				return released, err
			}
			released++
			continue
		}

		enforcer := budget.NewEnforcerWithUsage(run.Budget, run.Usage)
		if err := enforcer.Precheck(budget.Estimate{}); err != nil {
			return released, s.killBudget(ctx, run, err)
		}

		switch d.Kind {
		case workflow.StepKindLoop, workflow.StepKindParallel:
			n, pending, err := s.driveContainer(ctx, run, d, latest)
			if err != nil {
				return released, err
			}
			released += n
			if pending {
				anyPending = true
			}
		case workflow.StepKindCondition:
			if err := s.completeInline(ctx, runID, d.ID, map[string]interface{}{}); err != nil {
				return released, err
			}
			released++
		default:
			if d.Kind == workflow.StepKindLLM {
				replayed, err := s.tryReplay(ctx, run, d.ID, 1, d.Config)
				if err != nil {
					return released, err
				}
				if replayed {
					released++
					continue
				}
			}
			if err := s.publishStep(ctx, run, d.ID, 1, d.Kind, d.Config); err != nil {
				return released, err
			}
			released++
			anyPending = true
		}
	}

	if waitingApproval {
		return released, s.enterWaitingApproval(ctx, runID, "")
	}

	if !anyPending {
		finalStatus := store.RunCompleted
		if anyFailed && def.OnError != workflow.OnErrorContinue {
			finalStatus = store.RunFailed
		}
		run, err = s.Store.GetRun(ctx, runID)
		if err != nil {
			return released, err
		}
		if run.Status.IsTerminal() {
			return released, nil
		}
		run.Status = finalStatus
		run.Output = resolveOutputs(def.Outputs, buildContext(run, latest))
		completed := s.IDs.Now()
		run.CompletedAt = &completed
		if err := s.Store.UpdateRun(ctx, run); err != nil {
			return released, err
		}
		if finalStatus == store.RunCompleted {
			if err := s.appendAudit(ctx, runID, "", store.ActionRunCompleted, "scheduler", nil); err != nil {
				return released, err
			}
		}
		if s.Metrics != nil {
			s.Metrics.RunsTotal.WithLabelValues(string(finalStatus)).Inc()
		}
	}

	return released, nil
}

// depsSettled reports whether every dep has a Completed/Skipped execution
// (satisfied=true), or whether any dep has failed terminally without
// retry, which blocks this step forever (blocked=true).
func depsSettled(deps []string, latest map[string]store.StepExecution) (satisfied bool, blocked bool) {
	for _, dep := range deps {
		exec, ok := latest[dep]
		if !ok {
			return false, false
		}
		switch exec.Status {
		case store.StepCompleted, store.StepSkipped:
			continue
		case store.StepFailed, store.StepCancelled:
			return false, true
		default:
			return false, false
		}
	}
	return true, false
}

func latestByStepDefID(execs []store.StepExecution) map[string]store.StepExecution {
	out := make(map[string]store.StepExecution, len(execs))
	for _, e := range execs {
		cur, ok := out[e.StepDefID]
		if !ok || e.Attempt >= cur.Attempt {
			out[e.StepDefID] = e
		}
	}
	return out
}

func (s *Scheduler) createStep(ctx context.Context, runID, stepDefID string, attempt int, status store.StepStatus, output map[string]interface{}) error {
	now := s.IDs.Now()
	step := store.StepExecution{
		ID:        s.IDs.New(idgen.PrefixStep),
		RunID:     runID,
		StepDefID: stepDefID,
		Attempt:   attempt,
		Status:    status,
		Output:    output,
	}
	if status.IsTerminal() {
		step.CompletedAt = &now
	}
	return s.Store.CreateStep(ctx, step)
}

// completeInline creates and immediately completes a StepExecution for
// steps the scheduler resolves itself, without a worker round trip
// (Condition-kind gates).
func (s *Scheduler) completeInline(ctx context.Context, runID, stepDefID string, output map[string]interface{}) error {
	if err := s.createStep(ctx, runID, stepDefID, 1, store.StepCompleted, output); err != nil {
		return err
	}
	return s.appendAudit(ctx, runID, stepDefID, store.ActionStepCompleted, "scheduler", nil)
}

// publishStep creates a Pending StepExecution and enqueues its envelope.
func (s *Scheduler) publishStep(ctx context.Context, run store.Run, stepDefID string, attempt int, kind workflow.StepKind, input map[string]interface{}) error {
	stepID := s.IDs.New(idgen.PrefixStep)
	step := store.StepExecution{
		ID:        stepID,
		RunID:     run.ID,
		StepDefID: stepDefID,
		Attempt:   attempt,
		Status:    store.StepPending,
		Input:     input,
	}
	if err := s.Store.CreateStep(ctx, step); err != nil {
		return err
	}

	envelope := streamqueue.NewEnvelope(streamqueue.Payload{
		RunID:    run.ID,
		StepID:   stepID,
		StepType: string(kind),
		Input:    input,
		Context: streamqueue.Context{
			TenantID: run.TenantID,
			AgentID:  run.AgentID,
		},
	})
	if _, err := s.Queue.Publish(ctx, envelope); err != nil {
		return fmt.Errorf("scheduler: publishing step %s: %w", stepID, err)
	}
	return s.appendAudit(ctx, run.ID, stepID, store.ActionStepQueued, "scheduler", map[string]interface{}{"step_def_id": stepDefID, "attempt": attempt})
}

// tryReplay consults the replay store for stepDefID/attempt/input and, on a
// hit, completes the step inline instead of dispatching it to a worker.
// s.Replay == nil short-circuits to a miss.
func (s *Scheduler) tryReplay(ctx context.Context, run store.Run, stepDefID string, attempt int, input map[string]interface{}) (bool, error) {
	if s.Replay == nil {
		return false, nil
	}
	hash, err := replay.HashInput(input)
	if err != nil {
		return false, err
	}
	entry, ok, err := s.Replay.Lookup(ctx, replay.Key{StepDefID: stepDefID, Attempt: attempt, InputHash: hash})
	if err != nil || !ok {
		return false, err
	}
	if err := s.createStep(ctx, run.ID, stepDefID, attempt, store.StepCompleted, entry.Output); err != nil {
		return false, err
	}
	if s.Metrics != nil {
		s.Metrics.StepReplays.Inc()
	}
	return true, s.appendAudit(ctx, run.ID, stepDefID, store.ActionStepReplayed, "scheduler", map[string]interface{}{"step_def_id": stepDefID, "attempt": attempt})
}

// stepKind looks up stepDefID's kind within run's workflow definition. The
// bool is false if the step is unknown to the current definition (e.g. a
// workflow edited after the run started).
func (s *Scheduler) stepKind(ctx context.Context, run store.Run, stepDefID string) (workflow.StepKind, bool, error) {
	def, err := s.Definitions(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return "", false, err
	}
	for _, d := range def.Steps {
		if d.ID == stepDefID {
			return d.Kind, true, nil
		}
	}
	return "", false, nil
}

// recordReplay stores an LLM step's completed outcome so a future run with
// an identical (step_def_id, attempt, input) can short-circuit it. Non-LLM
// steps and steps the workflow no longer defines are left unrecorded.
func (s *Scheduler) recordReplay(ctx context.Context, run store.Run, stepDefID, stepID string, attempt int) error {
	kind, found, err := s.stepKind(ctx, run, stepDefID)
	if err != nil {
		return err
	}
	if !found || kind != workflow.StepKindLLM {
		return nil
	}

	step, err := s.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	hash, err := replay.HashInput(step.Input)
	if err != nil {
		return err
	}
	return s.Replay.Record(ctx, replay.Key{StepDefID: stepDefID, Attempt: attempt, InputHash: hash}, replay.Entry{
		Output:     step.Output,
		RecordedAt: s.IDs.Now(),
	})
}

func (s *Scheduler) killBudget(ctx context.Context, run store.Run, cause error) error {
	run.Status = store.RunBudgetKilled
	run.Error = cause.Error()
	completed := s.IDs.Now()
	run.CompletedAt = &completed
	if err := s.Store.UpdateRun(ctx, run); err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.BudgetKills.Inc()
	}
	return s.appendAudit(ctx, run.ID, "", store.ActionBudgetExceeded, "scheduler", map[string]interface{}{"reason": cause.Error()})
}

// buildContext projects run + step state into the condition/output
// resolution context (spec §4.6.1): $.input, $.variables, and $.<step_id>
// for every settled top-level step. Loop/Parallel containers additionally
// expose $.<container_id> (see nested.go).
func buildContext(run store.Run, latest map[string]store.StepExecution) condition.Context {
	steps := make(map[string]interface{}, len(latest))
	for id, exec := range latest {
		if containsSep(id) {
			continue
		}
		if exec.Status == store.StepCompleted {
			steps[id] = exec.Output
		}
	}
	return condition.Context{
		Input:     run.Input,
		Steps:     steps,
		Variables: run.Variables,
	}
}

func containsSep(id string) bool {
	for i := 0; i+len(containerSep) <= len(id); i++ {
		if id[i:i+len(containerSep)] == containerSep {
			return true
		}
	}
	return false
}

// resolveOutputs maps each OutputDefinition's JSON-path expression against
// the final run context to build the run's terminal Output.
func resolveOutputs(outs []workflow.OutputDefinition, ctx condition.Context) map[string]interface{} {
	if len(outs) == 0 {
		return nil
	}
	result := make(map[string]interface{}, len(outs))
	for _, o := range outs {
		result[o.Name] = condition.Resolve(o.From, ctx)
	}
	return result
}
