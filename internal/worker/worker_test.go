package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/ctrlplane/internal/streamqueue"
	"github.com/flowgate/ctrlplane/internal/worker/artifact"
	ctrlerrors "github.com/flowgate/ctrlplane/pkg/errors"
	"github.com/flowgate/ctrlplane/pkg/llm"
)

type fakeQueue struct {
	mu         sync.Mutex
	deliveries []streamqueue.Delivery
	acked      []string
	exhausted  bool
}

func (f *fakeQueue) Subscribe(ctx context.Context, group, consumer string, timeout time.Duration) (streamqueue.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deliveries) == 0 {
		f.exhausted = true
		return streamqueue.Delivery{}, streamqueue.ErrNoMessage
	}
	d := f.deliveries[0]
	f.deliveries = f.deliveries[1:]
	return d, nil
}

func (f *fakeQueue) Ack(ctx context.Context, group, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, messageID)
	return nil
}

type fakeLLM struct {
	resp      *llm.CompletionResponse
	err       error
	failTimes int
	calls     int
}

func (f *fakeLLM) Name() string                   { return "fake" }
func (f *fakeLLM) Capabilities() llm.Capabilities { return llm.Capabilities{} }
func (f *fakeLLM) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("unsupported")
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return nil, &ctrlerrors.TransientError{Operation: "test", Cause: errors.New("overloaded")}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestControlPlane(t *testing.T, handler http.HandlerFunc) *ControlPlaneClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewControlPlaneClient(server.URL, "secret")
	require.NoError(t, err)
	return client
}

func TestExecuteLLMReturnsCompletedResult(t *testing.T) {
	fake := &fakeLLM{resp: &llm.CompletionResponse{Content: "hello", FinishReason: llm.FinishReasonStop, Usage: llm.TokenUsage{TotalTokens: 5}}}
	w := New(Config{}, nil, nil, fake, nil, nil)

	result := w.executeLLM(t.Context(), streamqueue.Payload{
		Input: map[string]interface{}{"task": "say hi"},
	})

	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "hello", result.Output["content"])
	assert.EqualValues(t, 5, result.Usage.TotalTokens)
}

func TestExecuteLLMRetriesTransientErrors(t *testing.T) {
	fake := &fakeLLM{failTimes: 2, resp: &llm.CompletionResponse{Content: "ok"}}
	w := New(Config{MaxRetries: 3, RetryDelay: time.Millisecond}, nil, nil, fake, nil, nil)

	result := w.executeLLM(t.Context(), streamqueue.Payload{
		Input: map[string]interface{}{"task": "retry me"},
	})

	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, 3, fake.calls)
}

func TestExecuteLLMFailsAfterExhaustingRetries(t *testing.T) {
	fake := &fakeLLM{failTimes: 10, resp: &llm.CompletionResponse{Content: "ok"}}
	w := New(Config{MaxRetries: 2, RetryDelay: time.Millisecond}, nil, nil, fake, nil, nil)

	result := w.executeLLM(t.Context(), streamqueue.Payload{
		Input: map[string]interface{}{"task": "never works"},
	})

	assert.Equal(t, "failed", result.Status)
}

func TestExecuteLLMBlocksHighRiskInput(t *testing.T) {
	fake := &fakeLLM{resp: &llm.CompletionResponse{Content: "hello"}}
	w := New(Config{InputRisk: InputRiskModeBlock, RiskThreshold: 0.3}, nil, nil, fake, nil, nil)

	result := w.executeLLM(t.Context(), streamqueue.Payload{
		Input: map[string]interface{}{"task": "<script>eval(x)</script> subprocess os.system('x') {{7}}"},
	})

	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Error, "input_risk")
	assert.Equal(t, 0, fake.calls)
}

func TestExecuteLLMMissingInputFails(t *testing.T) {
	fake := &fakeLLM{}
	w := New(Config{}, nil, nil, fake, nil, nil)

	result := w.executeLLM(t.Context(), streamqueue.Payload{Input: map[string]interface{}{}})
	assert.Equal(t, "failed", result.Status)
}

func TestExecuteToolReturnsWaitingApprovalWhenOracleRequiresIt(t *testing.T) {
	cp := newTestControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(CheckToolResult{RequiresApproval: true, DecisionID: "dec_1"})
	})
	w := &Worker{cfg: Config{MaxRetries: 1, RetryDelay: time.Millisecond}, cp: cp, tools: &ToolRouter{toolServer: map[string]string{}, schemas: map[string]json.RawMessage{}}, logger: slog.Default()}

	result := w.executeTool(t.Context(), streamqueue.Payload{
		RunID: "run_1",
		Input: map[string]interface{}{"tool_name": "fs.write", "arguments": map[string]interface{}{}},
	})
	assert.Equal(t, "waiting_approval", result.Status)
}

func TestExecuteToolReturnsFailedWhenOracleDenies(t *testing.T) {
	cp := newTestControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(CheckToolResult{Allowed: false, Reason: "blocked"})
	})
	w := &Worker{cfg: Config{MaxRetries: 1, RetryDelay: time.Millisecond}, cp: cp, tools: &ToolRouter{toolServer: map[string]string{}, schemas: map[string]json.RawMessage{}}, logger: slog.Default()}

	result := w.executeTool(t.Context(), streamqueue.Payload{
		RunID: "run_1",
		Input: map[string]interface{}{"tool_name": "fs.write", "arguments": map[string]interface{}{}},
	})
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Error, "policy_denied")
}

func TestExecuteDispatchesUnsupportedStepType(t *testing.T) {
	w := New(Config{}, nil, nil, nil, nil, nil)
	result := w.execute(t.Context(), streamqueue.Payload{StepType: "unknown"})
	assert.Equal(t, "failed", result.Status)
}

func TestExecuteApprovalStepReturnsWaiting(t *testing.T) {
	w := New(Config{}, nil, nil, nil, nil, nil)
	result := w.execute(t.Context(), streamqueue.Payload{StepType: "approval"})
	assert.Equal(t, "waiting_approval", result.Status)
}

func TestHandleSubmitsResultAndAckOnlyAfterSuccess(t *testing.T) {
	var gotResult StepResult
	cp := newTestControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotResult))
		w.WriteHeader(http.StatusNoContent)
	})
	fake := &fakeLLM{resp: &llm.CompletionResponse{Content: "hi"}}
	queue := &fakeQueue{}
	artifacts := mustArtifactStore(t)
	w := New(Config{}, queue, cp, fake, nil, artifacts)

	delivery := streamqueue.Delivery{
		MessageID: "msg_1",
		Envelope: streamqueue.Envelope{
			Payload: streamqueue.Payload{
				RunID: "run_1", StepID: "stp_1", StepType: "llm",
				Input: map[string]interface{}{"task": "hi"},
			},
		},
	}

	err := w.handle(t.Context(), delivery)
	require.NoError(t, err)
	assert.Equal(t, "completed", gotResult.Status)
	assert.NotEmpty(t, gotResult.OutputHash)
}

func TestHandleReturnsErrorWhenSubmitFails(t *testing.T) {
	cp := newTestControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	fake := &fakeLLM{resp: &llm.CompletionResponse{Content: "hi"}}
	w := New(Config{}, nil, cp, fake, nil, mustArtifactStore(t))

	delivery := streamqueue.Delivery{
		Envelope: streamqueue.Envelope{
			Payload: streamqueue.Payload{RunID: "run_1", StepID: "stp_1", StepType: "llm", Input: map[string]interface{}{"task": "hi"}},
		},
	}
	err := w.handle(t.Context(), delivery)
	assert.Error(t, err)
}

func TestRunAcksPoisonEnvelopesWithoutRetry(t *testing.T) {
	poisonErr := &streamqueue.PoisonError{MessageID: "bad_1", Cause: errors.New("invalid json")}
	queue := &poisonThenStopQueue{poisonErr: poisonErr}
	w := New(Config{}, queue, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_ = w.Run(ctx)

	assert.Contains(t, queue.acked, "bad_1")
}

type poisonThenStopQueue struct {
	poisonErr *streamqueue.PoisonError
	delivered bool
	acked     []string
}

func (q *poisonThenStopQueue) Subscribe(ctx context.Context, group, consumer string, timeout time.Duration) (streamqueue.Delivery, error) {
	if !q.delivered {
		q.delivered = true
		return streamqueue.Delivery{}, q.poisonErr
	}
	<-ctx.Done()
	return streamqueue.Delivery{}, streamqueue.ErrNoMessage
}

func (q *poisonThenStopQueue) Ack(ctx context.Context, group, messageID string) error {
	q.acked = append(q.acked, messageID)
	return nil
}

func mustArtifactStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.New(t.TempDir())
	require.NoError(t, err)
	return store
}
