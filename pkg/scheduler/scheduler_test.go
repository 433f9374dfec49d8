package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/internal/streamqueue"
	"github.com/flowgate/ctrlplane/pkg/budget"
	"github.com/flowgate/ctrlplane/pkg/workflow"
)

// fakeQueue records every published envelope in publish order. Subscribe,
// Pending, and Claim are unused by the scheduler and left as stubs.
type fakeQueue struct {
	mu        sync.Mutex
	published []streamqueue.Envelope
}

func (q *fakeQueue) Publish(ctx context.Context, e streamqueue.Envelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, e)
	return e.ID, nil
}

func (q *fakeQueue) Subscribe(ctx context.Context, group, consumer string, timeout time.Duration) (streamqueue.Delivery, error) {
	return streamqueue.Delivery{}, streamqueue.ErrNoMessage
}

func (q *fakeQueue) Ack(ctx context.Context, group, messageID string) error { return nil }

func (q *fakeQueue) Pending(ctx context.Context, group string, minIdle time.Duration) ([]streamqueue.Pending, error) {
	return nil, nil
}

func (q *fakeQueue) Claim(ctx context.Context, group, consumer string, messageIDs []string) ([]streamqueue.Delivery, error) {
	return nil, nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) stepIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.published))
	for i, e := range q.published {
		out[i] = e.Payload.StepID
	}
	return out
}


func newTestScheduler(def *workflow.Definition) (*Scheduler, *store.MemoryStore, *fakeQueue) {
	st := store.NewMemoryStore()
	q := &fakeQueue{}
	s := New(st, q, func(ctx context.Context, workflowID, version string) (*workflow.Definition, error) {
		return def, nil
	})
	return s, st, q
}

func step(id, kind string, deps ...string) workflow.StepDefinition {
	return workflow.StepDefinition{
		ID:        id,
		Kind:      workflow.StepKind(kind),
		DependsOn: deps,
	}
}

func onlyPendingStepID(t *testing.T, st *store.MemoryStore, runID string) string {
	t.Helper()
	execs, err := st.ListStepsByRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	return execs[0].ID
}

// TestLinearHappyPath exercises A -> B -> C, completing each step in turn
// and confirming the run reaches Completed only after C finishes.
func TestLinearHappyPath(t *testing.T) {
	def := &workflow.Definition{
		Name:    "linear",
		Version: "1.0",
		Steps: []workflow.StepDefinition{
			step("a", "llm"),
			step("b", "llm", "a"),
			step("c", "llm", "b"),
		},
	}
	s, st, q := newTestScheduler(def)
	ctx := context.Background()

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "linear", WorkflowVersion: "1.0"})
	require.NoError(t, err)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, run.Status)
	assert.Equal(t, []string{"a"}, stepDefIDs(t, st, runID))

	aID := onlyPendingStepID(t, st, runID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "a", aID, 1, store.StepOutcome{Status: store.StepCompleted, Output: map[string]interface{}{"ok": true}}))

	run, err = st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)

	execs, err := st.ListStepsByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	var bID string
	for _, e := range execs {
		if e.StepDefID == "b" {
			bID = e.ID
		}
	}
	require.NotEmpty(t, bID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "b", bID, 1, store.StepOutcome{Status: store.StepCompleted}))

	execs, err = st.ListStepsByRun(ctx, runID)
	require.NoError(t, err)
	var cID string
	for _, e := range execs {
		if e.StepDefID == "c" {
			cID = e.ID
		}
	}
	require.NotEmpty(t, cID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "c", cID, 1, store.StepOutcome{Status: store.StepCompleted}))

	run, err = st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.Len(t, q.stepIDs(), 3, "a, b, and c were each published once")
}

func stepDefIDs(t *testing.T, st *store.MemoryStore, runID string) []string {
	t.Helper()
	execs, err := st.ListStepsByRun(context.Background(), runID)
	require.NoError(t, err)
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.StepDefID
	}
	return out
}

// TestParallelFanIn starts a root step whose two children have no mutual
// dependency; once the root completes, both children are released in the
// same pass, in deterministic step-id order.
func TestParallelFanIn(t *testing.T) {
	def := &workflow.Definition{
		Name:    "fanin",
		Version: "1.0",
		Steps: []workflow.StepDefinition{
			step("start", "llm"),
			step("branch_a", "llm", "start"),
			step("branch_b", "llm", "start"),
			step("end", "llm", "branch_a", "branch_b"),
		},
	}
	s, st, q := newTestScheduler(def)
	ctx := context.Background()

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "fanin", WorkflowVersion: "1.0"})
	require.NoError(t, err)

	startID := onlyPendingStepID(t, st, runID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "start", startID, 1, store.StepOutcome{Status: store.StepCompleted}))

	execs, err := st.ListStepsByRun(ctx, runID)
	require.NoError(t, err)
	defIDs := make(map[string]bool, len(execs))
	for _, e := range execs {
		defIDs[e.StepDefID] = true
	}
	assert.True(t, defIDs["branch_a"])
	assert.True(t, defIDs["branch_b"])
	assert.False(t, defIDs["end"], "end must wait for both branches")

	// publish order across the whole run: start, then branch_a, branch_b
	// (ascending id order within the released layer).
	ids := q.stepIDs()
	require.Len(t, ids, 3)
	execByID := make(map[string]string, len(execs))
	for _, e := range execs {
		execByID[e.ID] = e.StepDefID
	}
	execByID[startID] = "start"
	assert.Equal(t, "start", execByID[ids[0]])
	assert.Equal(t, "branch_a", execByID[ids[1]], "branch_a releases before branch_b in id order")
	assert.Equal(t, "branch_b", execByID[ids[2]])
}

// TestBudgetKill verifies that a step's reported usage breaching a run's
// budget kills the run before release continues.
func TestBudgetKill(t *testing.T) {
	def := &workflow.Definition{
		Name:    "budget",
		Version: "1.0",
		Steps: []workflow.StepDefinition{
			step("only", "llm"),
		},
	}
	s, st, _ := newTestScheduler(def)
	ctx := context.Background()

	limit := int64(100)
	runID, err := s.StartRun(ctx, StartRequest{
		TenantID:        "ten_1",
		WorkflowID:      "budget",
		WorkflowVersion: "1.0",
		Budget:          budget.Limits{MaxInputTokens: &limit},
	})
	require.NoError(t, err)

	stepID := onlyPendingStepID(t, st, runID)
	err = s.HandleStepResult(ctx, runID, "only", stepID, 1, store.StepOutcome{
		Status: store.StepCompleted,
		Usage:  budget.Usage{InputTokens: 500},
	})
	require.NoError(t, err)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunBudgetKilled, run.Status)

	events, err := st.ListAuditByRun(ctx, runID)
	require.NoError(t, err)
	var sawExceeded bool
	for _, e := range events {
		if e.Action == store.ActionBudgetExceeded {
			sawExceeded = true
		}
	}
	assert.True(t, sawExceeded)
}

// TestApprovalGrantResumesRun exercises the waiting_approval detour: the
// approval step parks the run, and a grant resumes release to completion.
func TestApprovalGrantResumesRun(t *testing.T) {
	def := &workflow.Definition{
		Name:    "approval",
		Version: "1.0",
		Steps: []workflow.StepDefinition{
			step("gate", "approval"),
			step("after", "llm", "gate"),
		},
	}
	s, st, _ := newTestScheduler(def)
	ctx := context.Background()

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "approval", WorkflowVersion: "1.0"})
	require.NoError(t, err)

	gateID := onlyPendingStepID(t, st, runID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "gate", gateID, 1, store.StepOutcome{Status: store.StepWaitingApproval}))

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunWaitingApproval, run.Status)

	require.NoError(t, s.GrantApproval(ctx, runID, gateID, map[string]interface{}{"approved": true}))

	run, err = st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)

	execs, err := st.ListStepsByRun(ctx, runID)
	require.NoError(t, err)
	var afterID string
	for _, e := range execs {
		if e.StepDefID == "after" {
			afterID = e.ID
		}
	}
	require.NotEmpty(t, afterID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "after", afterID, 1, store.StepOutcome{Status: store.StepCompleted}))

	run, err = st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
}

// TestApprovalRejectFailsRun confirms a rejection fails the run outright.
func TestApprovalRejectFailsRun(t *testing.T) {
	def := &workflow.Definition{
		Name:    "approval_reject",
		Version: "1.0",
		Steps:   []workflow.StepDefinition{step("gate", "approval")},
	}
	s, st, _ := newTestScheduler(def)
	ctx := context.Background()

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "approval_reject", WorkflowVersion: "1.0"})
	require.NoError(t, err)

	gateID := onlyPendingStepID(t, st, runID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "gate", gateID, 1, store.StepOutcome{Status: store.StepWaitingApproval}))
	require.NoError(t, s.RejectApproval(ctx, runID, gateID, "not authorized"))

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, "not authorized", run.Error)
}

// TestRetryReschedulesFailedStep checks that a step with a RetryPolicy gets
// a second attempt published instead of failing the run outright.
func TestRetryReschedulesFailedStep(t *testing.T) {
	retryStep := step("flaky", "llm")
	retryStep.Retry = &workflow.RetryPolicy{MaxAttempts: 2, InitialDelayMS: 1, BackoffMultiplier: 1}
	def := &workflow.Definition{
		Name:    "retry",
		Version: "1.0",
		Steps:   []workflow.StepDefinition{retryStep},
	}
	s, st, q := newTestScheduler(def)
	ctx := context.Background()

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "retry", WorkflowVersion: "1.0"})
	require.NoError(t, err)

	firstID := onlyPendingStepID(t, st, runID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "flaky", firstID, 1, store.StepOutcome{Status: store.StepFailed, Error: "boom"}))

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.False(t, run.Status.IsTerminal())

	execs, err := st.ListStepsByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Len(t, q.stepIDs(), 2)

	var secondID string
	for _, e := range execs {
		if e.Attempt == 2 {
			secondID = e.ID
		}
	}
	require.NotEmpty(t, secondID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "flaky", secondID, 2, store.StepOutcome{Status: store.StepCompleted}))

	run, err = st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
}

// TestRetryExhaustedFailsRun confirms a step without attempts remaining
// fails the run once on_error is "fail" (the default).
func TestRetryExhaustedFailsRun(t *testing.T) {
	retryStep := step("flaky", "llm")
	retryStep.Retry = &workflow.RetryPolicy{MaxAttempts: 1, InitialDelayMS: 1, BackoffMultiplier: 1}
	def := &workflow.Definition{
		Name:    "retry_exhausted",
		Version: "1.0",
		Steps:   []workflow.StepDefinition{retryStep},
	}
	s, st, _ := newTestScheduler(def)
	ctx := context.Background()

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "retry_exhausted", WorkflowVersion: "1.0"})
	require.NoError(t, err)

	firstID := onlyPendingStepID(t, st, runID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "flaky", firstID, 1, store.StepOutcome{Status: store.StepFailed, Error: "boom"}))

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
}

// TestParallelContainerCompletesBothBranches drives a Parallel container
// with two inner steps to completion in a single settle pass.
func TestParallelContainerCompletesBothBranches(t *testing.T) {
	container := workflow.StepDefinition{
		ID:   "fanout",
		Kind: workflow.StepKindParallel,
		Steps: []workflow.StepDefinition{
			step("left", "llm"),
			step("right", "llm"),
		},
	}
	def := &workflow.Definition{
		Name:    "parallel_container",
		Version: "1.0",
		Steps:   []workflow.StepDefinition{container},
	}
	s, st, _ := newTestScheduler(def)
	ctx := context.Background()

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "parallel_container", WorkflowVersion: "1.0"})
	require.NoError(t, err)

	execs, err := st.ListStepsByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for _, e := range execs {
		require.NoError(t, s.HandleStepResult(ctx, runID, e.StepDefID, e.ID, 1, store.StepOutcome{Status: store.StepCompleted, Output: map[string]interface{}{"side": e.StepDefID}}))
	}

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
}

// TestLoopContainerStopsOnDone drives a Loop container whose inner step
// reports done=true on its first iteration, confirming the loop does not
// run a second iteration.
func TestLoopContainerStopsOnDone(t *testing.T) {
	container := workflow.StepDefinition{
		ID:            "poll",
		Kind:          workflow.StepKindLoop,
		MaxIterations: 5,
		Steps: []workflow.StepDefinition{
			step("check", "llm"),
		},
	}
	def := &workflow.Definition{
		Name:    "loop_container",
		Version: "1.0",
		Steps:   []workflow.StepDefinition{container},
	}
	s, st, _ := newTestScheduler(def)
	ctx := context.Background()

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "loop_container", WorkflowVersion: "1.0"})
	require.NoError(t, err)

	execs, err := st.ListStepsByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	inner := execs[0]
	require.NoError(t, s.HandleStepResult(ctx, runID, inner.StepDefID, inner.ID, 1, store.StepOutcome{
		Status: store.StepCompleted,
		Output: map[string]interface{}{"done": true},
	}))

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)

	execs, err = st.ListStepsByRun(ctx, runID)
	require.NoError(t, err)
	// exactly one iteration's worth of inner step plus the container's own
	// synthetic completion record.
	assert.Len(t, execs, 2)
}
