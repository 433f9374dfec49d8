// Package streamqueue is the durable step queue adapter (spec §4.3): an
// append-only stream with consumer groups, at-least-once delivery, and
// explicit acknowledgement. The production implementation runs on Redis
// Streams; a miniredis-backed fake is used in unit tests.
package streamqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Context carries cross-cutting request metadata through the envelope.
type Context struct {
	TenantID     string                 `json:"tenant_id"`
	AgentID      string                 `json:"agent_id"`
	TraceContext map[string]interface{} `json:"trace_context,omitempty"`
}

// Payload is the step-dispatch body of an Envelope.
type Payload struct {
	RunID    string                 `json:"run_id"`
	StepID   string                 `json:"step_id"`
	StepType string                 `json:"step_type"`
	Input    map[string]interface{} `json:"input"`
	Context  Context                `json:"context"`
}

// Envelope is the wire-compatible unit of work on the queue (spec §6).
type Envelope struct {
	ID      string  `json:"id"`
	Payload Payload `json:"payload"`
}

// NewEnvelope mints an envelope with a fresh ULID id.
func NewEnvelope(payload Payload) Envelope {
	return Envelope{ID: ulid.Make().String(), Payload: payload}
}

// Delivery is one unacknowledged message handed back by Subscribe, carrying
// the broker-assigned message id needed to Ack it.
type Delivery struct {
	MessageID string
	Envelope  Envelope
}

// ErrNoMessage is returned by Subscribe when the block timeout elapses with
// nothing delivered.
var ErrNoMessage = errors.New("streamqueue: no message available")

// Pending describes one not-yet-acknowledged message, as returned by
// Pending, used by the janitor to detect and reclaim orphaned deliveries.
type Pending struct {
	MessageID string
	Consumer  string
	Idle      time.Duration
}

// Queue is the durable step queue's operation set (spec §4.3).
type Queue interface {
	// Publish appends envelope to the stream and returns only after the
	// broker confirms durability.
	Publish(ctx context.Context, envelope Envelope) (messageID string, err error)

	// Subscribe blocks up to timeout for the next unacknowledged envelope
	// delivered to consumer within group. Returns ErrNoMessage on timeout.
	Subscribe(ctx context.Context, group, consumer string, timeout time.Duration) (Delivery, error)

	// Ack acknowledges a processed message, removing it from the group's
	// pending entries list.
	Ack(ctx context.Context, group, messageID string) error

	// Pending lists entries idle longer than minIdle, for janitor recovery.
	Pending(ctx context.Context, group string, minIdle time.Duration) ([]Pending, error)

	// Claim reassigns pending messages to consumer, returning their
	// envelopes so the janitor can redeliver or fail them.
	Claim(ctx context.Context, group, consumer string, messageIDs []string) ([]Delivery, error)

	Close() error
}

// RedisQueue is the production Queue backed by a single Redis Streams key.
type RedisQueue struct {
	client *redis.Client
	stream string
}

// Config configures a RedisQueue.
type Config struct {
	RedisURL string
	Stream   string
}

// DefaultStream is the stream key used when Config.Stream is empty,
// matching the reference worker's default.
const DefaultStream = "ctrlplane:queue:steps"

// NewRedisQueue connects to Redis and returns a RedisQueue ready to
// Publish/Subscribe against cfg.Stream.
func NewRedisQueue(ctx context.Context, cfg Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("streamqueue: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("streamqueue: connecting to redis: %w", err)
	}
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisQueue{client: client, stream: stream}, nil
}

// EnsureGroup creates group at the start of the stream if it does not
// already exist, tolerating the BUSYGROUP response.
func (q *RedisQueue) EnsureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("streamqueue: creating consumer group %s: %w", group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (q *RedisQueue) Publish(ctx context.Context, envelope Envelope) (string, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("streamqueue: marshaling envelope: %w", err)
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("streamqueue: publishing envelope: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Subscribe(ctx context.Context, group, consumer string, timeout time.Duration) (Delivery, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, ErrNoMessage
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("streamqueue: reading group %s: %w", group, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return Delivery{}, ErrNoMessage
	}
	return deliveryFromMessage(res[0].Messages[0])
}

func deliveryFromMessage(msg redis.XMessage) (Delivery, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return Delivery{}, fmt.Errorf("streamqueue: message %s missing data field", msg.ID)
	}
	var envelope Envelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return Delivery{}, &PoisonError{MessageID: msg.ID, Cause: err}
	}
	return Delivery{MessageID: msg.ID, Envelope: envelope}, nil
}

// PoisonError marks a message whose payload could not be parsed as an
// Envelope; callers must ack it rather than retry (spec §4.7.1).
type PoisonError struct {
	MessageID string
	Cause     error
}

func (e *PoisonError) Error() string {
	return fmt.Sprintf("streamqueue: poison message %s: %v", e.MessageID, e.Cause)
}

func (e *PoisonError) Unwrap() error { return e.Cause }

func (q *RedisQueue) Ack(ctx context.Context, group, messageID string) error {
	if err := q.client.XAck(ctx, q.stream, group, messageID).Err(); err != nil {
		return fmt.Errorf("streamqueue: acking %s: %w", messageID, err)
	}
	return nil
}

func (q *RedisQueue) Pending(ctx context.Context, group string, minIdle time.Duration) ([]Pending, error) {
	entries, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("streamqueue: listing pending for %s: %w", group, err)
	}
	out := make([]Pending, 0, len(entries))
	for _, e := range entries {
		out = append(out, Pending{MessageID: e.ID, Consumer: e.Consumer, Idle: e.Idle})
	}
	return out, nil
}

func (q *RedisQueue) Claim(ctx context.Context, group, consumer string, messageIDs []string) ([]Delivery, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("streamqueue: claiming messages for %s: %w", group, err)
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		d, err := deliveryFromMessage(m)
		if err != nil {
			var poison *PoisonError
			if errors.As(err, &poison) {
				out = append(out, Delivery{MessageID: m.ID})
				continue
			}
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (q *RedisQueue) Close() error { return q.client.Close() }
