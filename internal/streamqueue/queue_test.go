package streamqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(context.Background(), Config{RedisURL: "redis://" + mr.Addr(), Stream: "test:steps"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testEnvelope() Envelope {
	return NewEnvelope(Payload{
		RunID:    "run_01HZZZZZZZZZZZZZZZZZZZZZZZ",
		StepID:   "stp_01HZZZZZZZZZZZZZZZZZZZZZZZ",
		StepType: "llm",
		Input:    map[string]interface{}{"prompt": "hello"},
		Context:  Context{TenantID: "ten_01HZZZZZZZZZZZZZZZZZZZZZZZ", AgentID: "agt_01HZZZZZZZZZZZZZZZZZZZZZZZ"},
	})
}

func TestPublishSubscribeAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "workers"))

	env := testEnvelope()
	msgID, err := q.Publish(ctx, env)
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	delivery, err := q.Subscribe(ctx, "workers", "worker-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, env.ID, delivery.Envelope.ID)
	require.Equal(t, "run_01HZZZZZZZZZZZZZZZZZZZZZZZ", delivery.Envelope.Payload.RunID)

	require.NoError(t, q.Ack(ctx, "workers", delivery.MessageID))

	pending, err := q.Pending(ctx, "workers", 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSubscribeTimesOutWithNoMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "workers"))

	_, err := q.Subscribe(ctx, "workers", "worker-1", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrNoMessage)
}

func TestUnackedMessageIsPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "workers"))

	_, err := q.Publish(ctx, testEnvelope())
	require.NoError(t, err)

	delivery, err := q.Subscribe(ctx, "workers", "worker-1", time.Second)
	require.NoError(t, err)

	pending, err := q.Pending(ctx, "workers", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, delivery.MessageID, pending[0].MessageID)
	require.Equal(t, "worker-1", pending[0].Consumer)
}

func TestClaimReassignsPendingMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "workers"))

	env := testEnvelope()
	_, err := q.Publish(ctx, env)
	require.NoError(t, err)

	delivery, err := q.Subscribe(ctx, "workers", "worker-1", time.Second)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "workers", "worker-2", []string{delivery.MessageID})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, env.ID, claimed[0].Envelope.ID)

	pending, err := q.Pending(ctx, "workers", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "worker-2", pending[0].Consumer)
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "workers"))
	require.NoError(t, q.EnsureGroup(ctx, "workers"))
}
