package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/pkg/budget"
	"github.com/flowgate/ctrlplane/pkg/condition"
	"github.com/flowgate/ctrlplane/pkg/workflow"
)

// driveContainer advances one Loop or Parallel StepDef (spec §4.6.2). A
// Parallel container has a single implicit iteration ("p"); a Loop
// container runs its nested plan once per iteration, propagating results
// under $.<loop_id>.iterations[k].<inner_id> and terminating early on a
// `done: true` inner output or at max_iterations.
func (s *Scheduler) driveContainer(ctx context.Context, run store.Run, d workflow.StepDefinition, topLatest map[string]store.StepExecution) (released int, pending bool, err error) {
	prefix := d.ID + containerSep
	iter, started := currentIteration(d, topLatest, prefix)
	iterPrefix := prefix + iter + containerSep

	nestedLatest := make(map[string]store.StepExecution, len(d.Steps))
	for id, exec := range topLatest {
		if inner, ok := strings.CutPrefix(id, iterPrefix); ok {
			nestedLatest[inner] = exec
		}
	}

	if !started {
		n, err := s.releaseNested(ctx, run, d.Steps, iterPrefix, topLatest)
		if err != nil {
			return released, true, err
		}
		return n, true, nil
	}

	allSettled := true
	anyFailed := false
	for _, inner := range d.Steps {
		exec, ok := nestedLatest[inner.ID]
		if !ok || !exec.Status.IsTerminal() {
			allSettled = false
			break
		}
		if exec.Status == store.StepFailed {
			anyFailed = true
		}
	}

	if !allSettled {
		n, err := s.releaseNested(ctx, run, d.Steps, iterPrefix, topLatest)
		if err != nil {
			return released, true, err
		}
		return n, true, nil
	}

	aggregated := aggregateInner(d.Steps, nestedLatest)

	if anyFailed {
		if err := s.createStep(ctx, run.ID, d.ID, 1, store.StepFailed, aggregated); err != nil {
			return released, false, err
		}
		return released + 1, false, s.appendAudit(ctx, run.ID, d.ID, store.ActionStepFailed, "scheduler", nil)
	}

	if d.Kind == workflow.StepKindParallel || loopShouldStop(d, iter, aggregated) {
		if err := s.createStep(ctx, run.ID, d.ID, 1, store.StepCompleted, aggregated); err != nil {
			return released, false, err
		}
		return released + 1, false, s.appendAudit(ctx, run.ID, d.ID, store.ActionStepCompleted, "scheduler", nil)
	}

	// Loop continues: start the next iteration.
	nextIter := "i" + strconv.Itoa(iterIndex(iter)+1)
	nextPrefix := prefix + nextIter + containerSep
	n, err := s.releaseNested(ctx, run, d.Steps, nextPrefix, topLatest)
	if err != nil {
		return released, true, err
	}
	return released + n, true, nil
}

// currentIteration finds the highest-numbered (or only, for Parallel)
// iteration tag already present among topLatest's prefixed keys. started is
// false when the container has not begun any iteration yet.
func currentIteration(d workflow.StepDefinition, topLatest map[string]store.StepExecution, prefix string) (iter string, started bool) {
	if d.Kind == workflow.StepKindParallel {
		for id := range topLatest {
			if strings.HasPrefix(id, prefix+"p"+containerSep) {
				return "p", true
			}
		}
		return "p", false
	}

	highest := -1
	for id := range topLatest {
		rest, ok := strings.CutPrefix(id, prefix)
		if !ok {
			continue
		}
		tag, _, ok := strings.Cut(rest, containerSep)
		if !ok || !strings.HasPrefix(tag, "i") {
			continue
		}
		if n := iterIndex(tag); n > highest {
			highest = n
		}
	}
	if highest < 0 {
		return "i0", false
	}
	return "i" + strconv.Itoa(highest), true
}

func iterIndex(tag string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(tag, "i"))
	if err != nil {
		return 0
	}
	return n
}

// loopShouldStop reports whether a Loop container terminates after the
// iteration whose aggregated output is given: max_iterations reached, or
// any inner step's output carries `done: true` (spec §4.6.2).
func loopShouldStop(d workflow.StepDefinition, iter string, aggregated map[string]interface{}) bool {
	if iterIndex(iter)+1 >= d.MaxIterations {
		return true
	}
	for _, output := range aggregated {
		m, ok := output.(map[string]interface{})
		if !ok {
			continue
		}
		if done, ok := m["done"].(bool); ok && done {
			return true
		}
	}
	return false
}

func aggregateInner(defs []workflow.StepDefinition, nestedLatest map[string]store.StepExecution) map[string]interface{} {
	out := make(map[string]interface{}, len(defs))
	for _, inner := range defs {
		if exec, ok := nestedLatest[inner.ID]; ok && exec.Status == store.StepCompleted {
			out[inner.ID] = exec.Output
		}
	}
	return out
}

// releaseNested runs one pass of the release algorithm over a Loop/Parallel
// container's nested step graph, storing results under idPrefix+innerID and
// publishing worker-bound kinds through the normal queue path. topLatest is
// the full run-wide StepExecution index, so a recursive container call can
// in turn resolve its own nested iterations against real stored state.
func (s *Scheduler) releaseNested(ctx context.Context, run store.Run, defs []workflow.StepDefinition, idPrefix string, topLatest map[string]store.StepExecution) (int, error) {
	released := 0
	nestedLatest := make(map[string]store.StepExecution, len(defs))
	for id, exec := range topLatest {
		if inner, ok := strings.CutPrefix(id, idPrefix); ok {
			nestedLatest[inner] = exec
		}
	}
	nestedCtx := nestedContext(run, nestedLatest)

	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	byID := make(map[string]workflow.StepDefinition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	for _, id := range ids {
		d := byID[id]
		if _, exists := nestedLatest[d.ID]; exists {
			continue
		}
		satisfied, blocked := depsSettled(d.DependsOn, nestedLatest)
		if blocked || !satisfied {
			continue
		}

		ok, err := s.Conditions.Evaluate(d.Condition, nestedCtx)
		if err != nil {
			return released, fmt.Errorf("scheduler: evaluating nested condition for step %q: %w", d.ID, err)
		}
		stepDefID := idPrefix + d.ID
		if !ok {
			if err := s.createStep(ctx, run.ID, stepDefID, 1, store.StepSkipped, nil); err != nil {
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
			n, _, err := s.driveContainer(ctx, run, relabel(d, idPrefix), topLatest)
			if err != nil {
				return released, err
			}
			released += n
		case workflow.StepKindCondition:
			if err := s.completeInline(ctx, run.ID, stepDefID, map[string]interface{}{}); err != nil {
				return released, err
			}
			released++
		default:
			if err := s.publishStep(ctx, run, stepDefID, 1, d.Kind, d.Config); err != nil {
				return released, err
			}
			released++
		}
	}
	return released, nil
}

// relabel rewrites a nested container's own id to include its parent's id
// prefix, so a doubly-nested Loop/Parallel gets its own disjoint namespace.
func relabel(d workflow.StepDefinition, idPrefix string) workflow.StepDefinition {
	d.ID = strings.TrimSuffix(idPrefix, containerSep) + "." + d.ID
	return d
}

func nestedContext(run store.Run, nestedLatest map[string]store.StepExecution) condition.Context {
	steps := make(map[string]interface{}, len(nestedLatest))
	for id, exec := range nestedLatest {
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
