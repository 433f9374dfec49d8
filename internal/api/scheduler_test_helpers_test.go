package api

import (
	"context"
	"time"

	"github.com/flowgate/ctrlplane/internal/streamqueue"
)

// fakeQueue is a no-op streamqueue.Queue: the HTTP layer only needs the
// scheduler to successfully publish envelopes, never to actually deliver
// them back out in these tests.
type fakeQueue struct{}

func (fakeQueue) Publish(ctx context.Context, e streamqueue.Envelope) (string, error) {
	return "msg_1", nil
}

func (fakeQueue) Subscribe(ctx context.Context, group, consumer string, timeout time.Duration) (streamqueue.Delivery, error) {
	return streamqueue.Delivery{}, streamqueue.ErrNoMessage
}

func (fakeQueue) Ack(ctx context.Context, group, messageID string) error { return nil }

func (fakeQueue) Pending(ctx context.Context, group string, minIdle time.Duration) ([]streamqueue.Pending, error) {
	return nil, nil
}

func (fakeQueue) Claim(ctx context.Context, group, consumer string, messageIDs []string) ([]streamqueue.Delivery, error) {
	return nil, nil
}

func (fakeQueue) Close() error { return nil }
