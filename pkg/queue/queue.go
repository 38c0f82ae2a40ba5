// Package queue implements the reliable, at-least-once message queue used
// by every bot in the pipeline. Each queue is a Redis stream with named
// consumer groups:
//   - Push appends a serialized message to the stream (XADD)
//   - Pop claims the oldest unclaimed message for the calling group
//     (XREADGROUP), falling back to re-claiming deliveries whose visibility
//     timeout has elapsed (XAUTOCLAIM)
//   - Ack permanently removes a delivery (XACK)
//
// A popped-but-never-acked item becomes redeliverable to any consumer in
// the group once it has been idle past the visibility timeout; this is the
// sole recovery mechanism for a worker crash mid-processing, so consumers
// must be idempotent. Different consumer groups on the same queue each
// receive an independent copy of every message.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// itemField is the single stream entry field holding the encoded message.
const itemField = "item"

// DefaultVisibilityTimeout is used when no per-queue timeout is configured.
const DefaultVisibilityTimeout = 3 * time.Minute

// MalformedItemError reports a delivery whose payload could not be decoded
// into the queue's message type. The item is not retried automatically: the
// caller decides whether to Ack-and-drop it or escalate.
type MalformedItemError struct {
	ItemID string
	Err    error
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("queue item %s: could not deserialize: %v", e.ItemID, e.Err)
}

func (e *MalformedItemError) Unwrap() error { return e.Err }

// RQItem is a single claimed delivery. ItemID identifies this delivery
// attempt (not the logical message) and is required to ack it.
type RQItem[T any] struct {
	ItemID       string
	Deserialized T
}

// Options tune a ReliableQueue. The zero value selects the defaults noted
// on each field.
type Options struct {
	// VisibilityTimeout is how long a claimed delivery stays invisible to
	// the rest of the group before it becomes redeliverable. Must be
	// generous relative to expected worker runtime. Default 3m.
	VisibilityTimeout time.Duration

	// MaxDeliveries bounds redelivery: a delivery claimed more than this
	// many times is acked and appended to the queue's dead-letter stream
	// instead of being handed out again. 0 means unbounded.
	MaxDeliveries int64

	// ReaderName identifies this consumer within the group. Default
	// "rqueue_<uuid>".
	ReaderName string
}

// ReliableQueue is a typed handle on one (stream, consumer group) pair.
// The type parameter fixes the message schema at compile time; pushing a
// message of the wrong type does not compile.
type ReliableQueue[T any] struct {
	rdb               *redis.Client
	queueName         string
	groupName         string
	readerName        string
	visibilityTimeout time.Duration
	maxDeliveries     int64
}

// New creates the consumer group on the stream if it does not exist yet and
// returns a queue handle for it.
func New[T any](ctx context.Context, rdb *redis.Client, queueName QueueName, groupName GroupName, opts Options) (*ReliableQueue[T], error) {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.ReaderName == "" {
		opts.ReaderName = fmt.Sprintf("rqueue_%s", uuid.NewString())
	}

	err := rdb.XGroupCreateMkStream(ctx, string(queueName), string(groupName), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", groupName, queueName, err)
	}

	return &ReliableQueue[T]{
		rdb:               rdb,
		queueName:         string(queueName),
		groupName:         string(groupName),
		readerName:        opts.ReaderName,
		visibilityTimeout: opts.VisibilityTimeout,
		maxDeliveries:     opts.MaxDeliveries,
	}, nil
}

// Push appends a message to the queue. Order is preserved for messages
// pushed on a single connection; transport errors are returned as-is.
func (q *ReliableQueue[T]) Push(ctx context.Context, msg T) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize message for %s: %w", q.queueName, err)
	}

	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.queueName,
		Values: map[string]interface{}{itemField: data},
	}).Err()
}

// Pop claims the oldest available message for this consumer group,
// returning (nil, nil) if none is available. New messages are preferred;
// when there are none, a delivery that has been pending longer than the
// visibility timeout is re-claimed instead. A claim whose payload cannot be
// decoded yields a *MalformedItemError carrying the item ID.
func (q *ReliableQueue[T]) Pop(ctx context.Context) (*RQItem[T], error) {
	msg, err := q.readNew(ctx)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		msg, err = q.claimStale(ctx)
		if err != nil || msg == nil {
			return nil, err
		}
	}
	return q.decode(*msg)
}

// Ack permanently removes the delivery referenced by itemID.
func (q *ReliableQueue[T]) Ack(ctx context.Context, itemID string) error {
	return q.rdb.XAck(ctx, q.queueName, q.groupName, itemID).Err()
}

// Size returns the number of entries currently in the stream.
func (q *ReliableQueue[T]) Size(ctx context.Context) (int64, error) {
	return q.rdb.XLen(ctx, q.queueName).Result()
}

// ReaderName returns the consumer name this handle claims deliveries under.
func (q *ReliableQueue[T]) ReaderName() string { return q.readerName }

// DeadLetterName is the stream receiving deliveries that exceeded the
// MaxDeliveries bound.
func (q *ReliableQueue[T]) DeadLetterName() string {
	return q.queueName + ":deadletter"
}

func (q *ReliableQueue[T]) readNew(ctx context.Context) (*redis.XMessage, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.groupName,
		Consumer: q.readerName,
		Streams:  []string{q.queueName, ">"},
		Count:    1,
		Block:    -1, // non-blocking; the serve loops provide the pacing
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return &streams[0].Messages[0], nil
}

func (q *ReliableQueue[T]) claimStale(ctx context.Context) (*redis.XMessage, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.queueName,
		Group:    q.groupName,
		Consumer: q.readerName,
		MinIdle:  q.visibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	if q.maxDeliveries > 0 {
		exceeded, err := q.deliveriesExceeded(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		if exceeded {
			if err := q.deadLetter(ctx, msg); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}
	return &msg, nil
}

func (q *ReliableQueue[T]) deliveriesExceeded(ctx context.Context, itemID string) (bool, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.queueName,
		Group:  q.groupName,
		Start:  itemID,
		End:    itemID,
		Count:  1,
	}).Result()
	if err != nil {
		return false, err
	}
	return len(pending) > 0 && pending[0].RetryCount > q.maxDeliveries, nil
}

func (q *ReliableQueue[T]) deadLetter(ctx context.Context, msg redis.XMessage) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DeadLetterName(),
		Values: msg.Values,
	})
	pipe.XAck(ctx, q.queueName, q.groupName, msg.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *ReliableQueue[T]) decode(msg redis.XMessage) (*RQItem[T], error) {
	raw, ok := msg.Values[itemField].(string)
	if !ok {
		return nil, &MalformedItemError{ItemID: msg.ID, Err: fmt.Errorf("missing %q field", itemField)}
	}

	var payload T
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, &MalformedItemError{ItemID: msg.ID, Err: err}
	}

	return &RQItem[T]{ItemID: msg.ID, Deserialized: payload}, nil
}
