package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flowgate/ctrlplane/internal/streamqueue"
)

func TestRegistryCountersIncrementAndExport(t *testing.T) {
	reg := NewRegistry()
	reg.RunsTotal.WithLabelValues("completed").Inc()
	reg.StepsTotal.WithLabelValues("llm", "completed").Inc()
	reg.BudgetKills.Inc()
	reg.StepReplays.Inc()
	reg.QueuePending.Set(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(reg.RunsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.StepsTotal.WithLabelValues("llm", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.BudgetKills))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.StepReplays))
	assert.Equal(t, float64(3), testutil.ToFloat64(reg.QueuePending))
}

func TestRegistryHandlerServesExpositionFormat(t *testing.T) {
	reg := NewRegistry()
	reg.RunsTotal.WithLabelValues("failed").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	reg.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "ctrlplane_runs_total")
}

// fakeQueue satisfies streamqueue.Queue with a canned Pending response; all
// other methods are unused by WatchQueue.
type fakeQueue struct {
	pending []streamqueue.Pending
}

func (q *fakeQueue) Publish(ctx context.Context, e streamqueue.Envelope) (string, error) {
	return "", nil
}
func (q *fakeQueue) Subscribe(ctx context.Context, group, consumer string, timeout time.Duration) (streamqueue.Delivery, error) {
	return streamqueue.Delivery{}, streamqueue.ErrNoMessage
}
func (q *fakeQueue) Ack(ctx context.Context, group, messageID string) error { return nil }
func (q *fakeQueue) Pending(ctx context.Context, group string, minIdle time.Duration) ([]streamqueue.Pending, error) {
	return q.pending, nil
}
func (q *fakeQueue) Claim(ctx context.Context, group, consumer string, messageIDs []string) ([]streamqueue.Delivery, error) {
	return nil, nil
}
func (q *fakeQueue) Close() error { return nil }

func TestWatchQueueReflectsPendingCount(t *testing.T) {
	reg := NewRegistry()
	q := &fakeQueue{pending: []streamqueue.Pending{{MessageID: "1"}, {MessageID: "2"}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	WatchQueue(ctx, reg, q, "step-workers", 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.QueuePending) == 2
	}, time.Second, 10*time.Millisecond)
}
