package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-sub003/pkg/messages"
)

func setupRegistry(t *testing.T) *TaskRegistry {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return NewTaskRegistry(redis.NewClient(&redis.Options{Addr: s.Addr()}))
}

func sampleTask(id string) messages.Task {
	now := time.Now().Unix()
	return messages.Task{
		TaskID:      id,
		ProjectName: "libpng",
		Focus:       "pngread",
		MessageTime: now,
		Deadline:    now + 3600,
		Status:      messages.TaskStatusPending,
	}
}

func TestUpdateIsIdempotentUpsert(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	task := sampleTask("Task-ABC")

	require.NoError(t, r.Update(ctx, task))
	require.NoError(t, r.Update(ctx, task))

	count, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := r.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task, *got)
}

func TestIdentityIsCaseInsensitive(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	task := sampleTask("Task-Mixed-Case")

	require.NoError(t, r.Update(ctx, task))

	got, err := r.Get(ctx, "task-mixed-case")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.TaskID, got.TaskID)

	// Re-registering under a different case must not duplicate the record.
	task.Status = messages.TaskStatusRunning
	task.TaskID = "TASK-MIXED-CASE"
	require.NoError(t, r.Update(ctx, task))
	count, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGetMissingTaskReturnsNil(t *testing.T) {
	r := setupRegistry(t)

	got, err := r.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	task := sampleTask("task-del")

	require.NoError(t, r.Update(ctx, task))
	require.NoError(t, r.MarkCancelled(ctx, task.TaskID))
	require.NoError(t, r.Delete(ctx, task.TaskID))

	got, err := r.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Nil(t, got)

	cancelled, err := r.IsCancelled(ctx, task.TaskID)
	require.NoError(t, err)
	assert.False(t, cancelled, "delete must clear the cancelled marker")
}

func TestCancellation(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	task := sampleTask("task-cancel")
	require.NoError(t, r.Update(ctx, task))

	cancelled, err := r.IsCancelled(ctx, task.TaskID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, r.MarkCancelled(ctx, task.TaskID))

	cancelled, err = r.IsCancelled(ctx, task.TaskID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// The cancelled set, not the stored record, is authoritative.
	got, err := r.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Cancelled)
	assert.Equal(t, messages.TaskStatusCancelled, got.Status)
}

func TestExpiryMonotonicity(t *testing.T) {
	task := sampleTask("task-exp")
	task.Deadline = time.Now().Unix() - 100

	// Deadline passed 100s ago: expired with a 50s grace, not with 200s.
	assert.True(t, IsExpired(task, 0))
	assert.True(t, IsExpired(task, 50*time.Second))
	assert.False(t, IsExpired(task, 200*time.Second))

	future := sampleTask("task-live")
	assert.False(t, IsExpired(future, 0))
}

func TestShouldStopProcessing(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	live := sampleTask("task-live")
	require.NoError(t, r.Update(ctx, live))
	stop, err := r.ShouldStopProcessing(ctx, live.TaskID)
	require.NoError(t, err)
	assert.False(t, stop)

	expired := sampleTask("task-expired")
	expired.Deadline = time.Now().Unix() - 10
	require.NoError(t, r.Update(ctx, expired))
	stop, err = r.ShouldStopProcessing(ctx, expired.TaskID)
	require.NoError(t, err)
	assert.True(t, stop)

	require.NoError(t, r.MarkCancelled(ctx, live.TaskID))
	stop, err = r.ShouldStopProcessing(ctx, live.TaskID)
	require.NoError(t, err)
	assert.True(t, stop)

	// Unknown tasks are neither cancelled nor expired.
	stop, err = r.ShouldStopProcessing(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, stop)
}

func TestLiveTasks(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	live := sampleTask("task-1")
	expired := sampleTask("task-2")
	expired.Deadline = time.Now().Unix() - 10
	cancelled := sampleTask("task-3")

	require.NoError(t, r.Update(ctx, live))
	require.NoError(t, r.Update(ctx, expired))
	require.NoError(t, r.Update(ctx, cancelled))
	require.NoError(t, r.MarkCancelled(ctx, cancelled.TaskID))

	tasks, err := r.LiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, live.TaskID, tasks[0].TaskID)
}

func TestCountByStatus(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	pending := sampleTask("task-p")
	running := sampleTask("task-r")
	running.Status = messages.TaskStatusRunning
	running2 := sampleTask("task-r2")
	running2.Status = messages.TaskStatusRunning
	cancelled := sampleTask("task-c")

	require.NoError(t, r.Update(ctx, pending))
	require.NoError(t, r.Update(ctx, running))
	require.NoError(t, r.Update(ctx, running2))
	require.NoError(t, r.Update(ctx, cancelled))
	require.NoError(t, r.MarkCancelled(ctx, cancelled.TaskID))

	counts, err := r.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[messages.TaskStatus]int{
		messages.TaskStatusPending:   1,
		messages.TaskStatusRunning:   2,
		messages.TaskStatusCancelled: 1,
	}, counts)
}

func TestTerminalStateSets(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()
	task := sampleTask("task-done")
	require.NoError(t, r.Update(ctx, task))

	ok, err := r.IsSucceeded(ctx, task.TaskID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.MarkSucceeded(ctx, task.TaskID))
	ok, err = r.IsSucceeded(ctx, task.TaskID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.MarkErrored(ctx, "task-bad"))
	ok, err = r.IsErrored(ctx, "TASK-BAD")
	require.NoError(t, err)
	assert.True(t, ok)
}
