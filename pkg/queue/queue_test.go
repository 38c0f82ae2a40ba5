package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/buttercup-sub003/pkg/messages"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func newTestQueue(t *testing.T, rdb *redis.Client, opts Options) *ReliableQueue[messages.BuildRequest] {
	t.Helper()
	q, err := New[messages.BuildRequest](context.Background(), rdb, "test_queue", "test_group", opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestPushPopAck(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	q := newTestQueue(t, rdb, Options{})

	msg := messages.BuildRequest{
		TaskID:    "task-1",
		Engine:    "libfuzzer",
		Sanitizer: "address",
		BuildType: messages.BuildTypeFuzzer,
	}
	if err := q.Push(ctx, msg); err != nil {
		t.Fatalf("Push: %v", err)
	}

	size, err := q.Size(ctx)
	if err != nil || size != 1 {
		t.Fatalf("Size = %d, %v; want 1", size, err)
	}

	item, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if item == nil {
		t.Fatal("Pop returned nil item")
	}
	if item.Deserialized != msg {
		t.Errorf("Pop payload = %+v, want %+v", item.Deserialized, msg)
	}

	if err := q.Ack(ctx, item.ItemID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// After ack nothing in the group may return this delivery again, even
	// once the visibility timeout would have elapsed.
	again, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop after ack: %v", err)
	}
	if again != nil {
		t.Errorf("Pop after ack returned %+v, want nil", again)
	}
}

func TestPopEmptyQueue(t *testing.T) {
	rdb := setupTestRedis(t)
	q := newTestQueue(t, rdb, Options{})

	item, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if item != nil {
		t.Errorf("Pop on empty queue = %+v, want nil", item)
	}
}

func TestRedeliveryAfterVisibilityTimeout(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	opts := Options{VisibilityTimeout: 50 * time.Millisecond}
	q := newTestQueue(t, rdb, opts)

	msg := messages.BuildRequest{TaskID: "task-redeliver", Engine: "libfuzzer", Sanitizer: "address"}
	if err := q.Push(ctx, msg); err != nil {
		t.Fatalf("Push: %v", err)
	}

	item, err := q.Pop(ctx)
	if err != nil || item == nil {
		t.Fatalf("first Pop = %v, %v", item, err)
	}
	// No ack: the delivery must become redeliverable to another consumer
	// in the same group after the visibility timeout.

	time.Sleep(100 * time.Millisecond)

	other := newTestQueue(t, rdb, opts)
	redelivered, err := other.Pop(ctx)
	if err != nil {
		t.Fatalf("second Pop: %v", err)
	}
	if redelivered == nil {
		t.Fatal("unacked item was not redelivered")
	}
	if redelivered.ItemID != item.ItemID {
		t.Errorf("redelivered item ID = %s, want %s", redelivered.ItemID, item.ItemID)
	}
	if redelivered.Deserialized != msg {
		t.Errorf("redelivered payload = %+v, want %+v", redelivered.Deserialized, msg)
	}
}

func TestClaimedItemInvisibleWithinTimeout(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	opts := Options{VisibilityTimeout: time.Hour}
	q := newTestQueue(t, rdb, opts)

	if err := q.Push(ctx, messages.BuildRequest{TaskID: "task-hidden"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	other := newTestQueue(t, rdb, opts)
	item, err := other.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if item != nil {
		t.Errorf("claimed item visible to second consumer: %+v", item)
	}
}

func TestGroupIsolation(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()

	producer, err := New[messages.BuildRequest](ctx, rdb, "shared_queue", "group_a", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	groupB, err := New[messages.BuildRequest](ctx, rdb, "shared_queue", "group_b", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg := messages.BuildRequest{TaskID: "task-broadcast", Engine: "libfuzzer"}
	if err := producer.Push(ctx, msg); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Each consumer group receives its own independent copy.
	itemA, err := producer.Pop(ctx)
	if err != nil || itemA == nil {
		t.Fatalf("group_a Pop = %v, %v", itemA, err)
	}
	itemB, err := groupB.Pop(ctx)
	if err != nil || itemB == nil {
		t.Fatalf("group_b Pop = %v, %v", itemB, err)
	}
	if itemA.Deserialized != msg || itemB.Deserialized != msg {
		t.Errorf("groups saw %+v / %+v, want %+v", itemA.Deserialized, itemB.Deserialized, msg)
	}
}

func TestSingleProducerOrder(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	q := newTestQueue(t, rdb, Options{})

	ids := []string{"t1", "t2", "t3"}
	for _, id := range ids {
		if err := q.Push(ctx, messages.BuildRequest{TaskID: id}); err != nil {
			t.Fatalf("Push %s: %v", id, err)
		}
	}

	for _, want := range ids {
		item, err := q.Pop(ctx)
		if err != nil || item == nil {
			t.Fatalf("Pop = %v, %v", item, err)
		}
		if item.Deserialized.TaskID != want {
			t.Errorf("Pop order: got %s, want %s", item.Deserialized.TaskID, want)
		}
		if err := q.Ack(ctx, item.ItemID); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestMalformedItem(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	q := newTestQueue(t, rdb, Options{})

	// Bytes that do not decode into the declared message type.
	err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "test_queue",
		Values: map[string]interface{}{"item": "not json"},
	}).Err()
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	_, err = q.Pop(ctx)
	var malformed *MalformedItemError
	if !errors.As(err, &malformed) {
		t.Fatalf("Pop error = %v, want MalformedItemError", err)
	}

	// The caller can ack-and-drop using the reported item ID.
	if err := q.Ack(ctx, malformed.ItemID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	item, err := q.Pop(ctx)
	if err != nil || item != nil {
		t.Errorf("Pop after dropping malformed item = %v, %v; want nil, nil", item, err)
	}
}

func TestDeadLetterAfterMaxDeliveries(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	opts := Options{VisibilityTimeout: 20 * time.Millisecond, MaxDeliveries: 1}
	q := newTestQueue(t, rdb, opts)

	if err := q.Push(ctx, messages.BuildRequest{TaskID: "task-poison"}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	item, err := q.Pop(ctx)
	if err != nil || item == nil {
		t.Fatalf("first Pop = %v, %v", item, err)
	}

	time.Sleep(50 * time.Millisecond)

	// Second claim would be delivery number two, past the bound: the item
	// goes to the dead-letter stream instead of being handed out.
	redelivered, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("second Pop: %v", err)
	}
	if redelivered != nil {
		t.Errorf("expected dead-lettering, got redelivery %+v", redelivered)
	}

	dead, err := rdb.XLen(ctx, q.DeadLetterName()).Result()
	if err != nil {
		t.Fatalf("XLen dead letter: %v", err)
	}
	if dead != 1 {
		t.Errorf("dead letter length = %d, want 1", dead)
	}
}

func TestFactoryQueues(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	factory := NewFactory(rdb)

	buildQ, err := factory.BuildQueue(ctx, GroupBuilderBot)
	if err != nil {
		t.Fatalf("BuildQueue: %v", err)
	}
	outputQ, err := factory.BuildOutputQueue(ctx, GroupOrchestrator)
	if err != nil {
		t.Fatalf("BuildOutputQueue: %v", err)
	}

	req := messages.BuildRequest{TaskID: "task-f", Engine: "libfuzzer", Sanitizer: "address"}
	if err := buildQ.Push(ctx, req); err != nil {
		t.Fatalf("Push: %v", err)
	}
	item, err := buildQ.Pop(ctx)
	if err != nil || item == nil {
		t.Fatalf("Pop = %v, %v", item, err)
	}
	if item.Deserialized != req {
		t.Errorf("build queue payload = %+v, want %+v", item.Deserialized, req)
	}

	out := messages.BuildOutput{TaskID: "task-f", PackageName: "libpng", Sanitizer: "address", BuildType: messages.BuildTypeFuzzer}
	if err := outputQ.Push(ctx, out); err != nil {
		t.Fatalf("Push output: %v", err)
	}
	outItem, err := outputQ.Pop(ctx)
	if err != nil || outItem == nil {
		t.Fatalf("Pop output = %v, %v", outItem, err)
	}
	if outItem.Deserialized != out {
		t.Errorf("output queue payload = %+v, want %+v", outItem.Deserialized, out)
	}
}

func TestTargetListQueue(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	factory := NewFactory(rdb)

	producer, err := factory.TargetListQueue(ctx, GroupOrchestrator)
	if err != nil {
		t.Fatalf("TargetListQueue: %v", err)
	}
	consumer, err := factory.TargetListQueue(ctx, GroupFuzzerBot)
	if err != nil {
		t.Fatalf("TargetListQueue: %v", err)
	}

	wh := messages.WeightedHarness{
		Weight:      1.0,
		HarnessName: "read_fuzzer",
		PackageName: "libpng",
		TaskID:      "task-t",
	}
	if err := producer.Push(ctx, wh); err != nil {
		t.Fatalf("Push: %v", err)
	}

	item, err := consumer.Pop(ctx)
	if err != nil || item == nil {
		t.Fatalf("Pop = %v, %v", item, err)
	}
	if item.Deserialized != wh {
		t.Errorf("target list payload = %+v, want %+v", item.Deserialized, wh)
	}
	if err := consumer.Ack(ctx, item.ItemID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}
