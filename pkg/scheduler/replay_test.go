package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/ctrlplane/internal/store"
	"github.com/flowgate/ctrlplane/pkg/replay"
	"github.com/flowgate/ctrlplane/pkg/workflow"
)

// TestReplaySkipsDispatchOnHit seeds the replay store with a prior LLM
// outcome for the run's first step and confirms StartRun completes it
// inline, without publishing an envelope.
func TestReplaySkipsDispatchOnHit(t *testing.T) {
	def := &workflow.Definition{
		Name:    "cached",
		Version: "1.0",
		Steps: []workflow.StepDefinition{
			step("plan", "llm"),
		},
	}
	s, st, q := newTestScheduler(def)
	rs := replay.NewMemoryStore()
	s.Replay = rs
	ctx := context.Background()

	hash, err := replay.HashInput(nil)
	require.NoError(t, err)
	require.NoError(t, rs.Record(ctx, replay.Key{StepDefID: "plan", Attempt: 1, InputHash: hash}, replay.Entry{
		Output: map[string]interface{}{"cached": true},
	}))

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "cached", WorkflowVersion: "1.0"})
	require.NoError(t, err)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Empty(t, q.stepIDs(), "replayed step must not be dispatched to a worker")

	execs, err := st.ListStepsByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, store.StepCompleted, execs[0].Status)
	assert.Equal(t, map[string]interface{}{"cached": true}, execs[0].Output)
}

// TestReplayMissDispatchesAndRecords confirms an uncached run dispatches
// normally, and that completing it records an entry a later run can hit.
func TestReplayMissDispatchesAndRecords(t *testing.T) {
	def := &workflow.Definition{
		Name:    "cached",
		Version: "1.0",
		Steps: []workflow.StepDefinition{
			step("plan", "llm"),
		},
	}
	s, st, q := newTestScheduler(def)
	s.Replay = replay.NewMemoryStore()
	ctx := context.Background()

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "cached", WorkflowVersion: "1.0"})
	require.NoError(t, err)
	assert.Len(t, q.stepIDs(), 1, "uncached step is dispatched to a worker")

	stepID := onlyPendingStepID(t, st, runID)
	require.NoError(t, s.HandleStepResult(ctx, runID, "plan", stepID, 1, store.StepOutcome{
		Status: store.StepCompleted,
		Output: map[string]interface{}{"result": 42},
	}))

	hash, err := replay.HashInput(nil)
	require.NoError(t, err)
	entry, ok, err := s.Replay.Lookup(ctx, replay.Key{StepDefID: "plan", Attempt: 1, InputHash: hash})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"result": 42}, entry.Output)
}

// TestReplayNeverConsultedForToolSteps confirms Tool-kind steps always
// dispatch, even with a matching replay entry present under the same key.
func TestReplayNeverConsultedForToolSteps(t *testing.T) {
	def := &workflow.Definition{
		Name:    "toolrun",
		Version: "1.0",
		Steps: []workflow.StepDefinition{
			step("fetch", "tool"),
		},
	}
	s, st, q := newTestScheduler(def)
	rs := replay.NewMemoryStore()
	s.Replay = rs
	ctx := context.Background()

	hash, err := replay.HashInput(nil)
	require.NoError(t, err)
	require.NoError(t, rs.Record(ctx, replay.Key{StepDefID: "fetch", Attempt: 1, InputHash: hash}, replay.Entry{
		Output: map[string]interface{}{"cached": true},
	}))

	runID, err := s.StartRun(ctx, StartRequest{TenantID: "ten_1", WorkflowID: "toolrun", WorkflowVersion: "1.0"})
	require.NoError(t, err)
	assert.Len(t, q.stepIDs(), 1, "tool steps always dispatch regardless of replay entries")

	_ = st
}
