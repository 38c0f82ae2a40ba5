// Package registry keeps the durable record of every task in the system:
// identity, deadline and cancellation state, plus the derived lifecycle
// queries each worker runs before doing expensive work.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/buttercup-sub003/pkg/messages"
)

// TasksRegistryHashName is the hash holding the serialized task records.
const TasksRegistryHashName = "tasks_registry"

// Side sets tracking terminal task states by prepared task ID.
const (
	CancelledTasksSet = "cancelled_tasks"
	SucceededTasksSet = "succeeded_tasks"
	ErroredTasksSet   = "errored_tasks"
)

// TaskRegistry stores tasks in a single hash keyed by uppercased task ID,
// so task identity is case-insensitive. Mutations are atomic per task ID
// (single HSET/pipeline); scans under concurrent churn are approximate.
type TaskRegistry struct {
	rdb      *redis.Client
	hashName string
}

func NewTaskRegistry(rdb *redis.Client) *TaskRegistry {
	return &TaskRegistry{rdb: rdb, hashName: TasksRegistryHashName}
}

func prepareKey(taskID string) string {
	return strings.ToUpper(taskID)
}

// Update upserts the full task record.
func (r *TaskRegistry) Update(ctx context.Context, task messages.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.TaskID, err)
	}
	return r.rdb.HSet(ctx, r.hashName, prepareKey(task.TaskID), data).Err()
}

// Get returns the task, or nil if it is not registered. The returned
// task's Cancelled flag reflects the cancelled set, not the stored record.
func (r *TaskRegistry) Get(ctx context.Context, taskID string) (*messages.Task, error) {
	key := prepareKey(taskID)
	raw, err := r.rdb.HGet(ctx, r.hashName, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var task messages.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}

	cancelled, err := r.rdb.SIsMember(ctx, CancelledTasksSet, key).Result()
	if err != nil {
		return nil, err
	}
	task.Cancelled = cancelled
	if cancelled {
		task.Status = messages.TaskStatusCancelled
	}
	return &task, nil
}

// Delete removes the task record and its entries in the terminal-state
// sets in one pipeline.
func (r *TaskRegistry) Delete(ctx context.Context, taskID string) error {
	key := prepareKey(taskID)
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, r.hashName, key)
	pipe.SRem(ctx, CancelledTasksSet, key)
	pipe.SRem(ctx, SucceededTasksSet, key)
	pipe.SRem(ctx, ErroredTasksSet, key)
	_, err := pipe.Exec(ctx)
	return err
}

// Contains reports whether the task ID is registered.
func (r *TaskRegistry) Contains(ctx context.Context, taskID string) (bool, error) {
	return r.rdb.HExists(ctx, r.hashName, prepareKey(taskID)).Result()
}

// Len returns the number of registered tasks.
func (r *TaskRegistry) Len(ctx context.Context) (int64, error) {
	return r.rdb.HLen(ctx, r.hashName).Result()
}

// MarkCancelled flags the task as cancelled. The stored record is not
// rewritten; the cancelled set is the source of truth for the flag.
func (r *TaskRegistry) MarkCancelled(ctx context.Context, taskID string) error {
	return r.rdb.SAdd(ctx, CancelledTasksSet, prepareKey(taskID)).Err()
}

func (r *TaskRegistry) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return r.rdb.SIsMember(ctx, CancelledTasksSet, prepareKey(taskID)).Result()
}

// MarkSucceeded records that the task completed successfully.
func (r *TaskRegistry) MarkSucceeded(ctx context.Context, taskID string) error {
	return r.rdb.SAdd(ctx, SucceededTasksSet, prepareKey(taskID)).Err()
}

func (r *TaskRegistry) IsSucceeded(ctx context.Context, taskID string) (bool, error) {
	return r.rdb.SIsMember(ctx, SucceededTasksSet, prepareKey(taskID)).Result()
}

// MarkErrored records that the task failed permanently.
func (r *TaskRegistry) MarkErrored(ctx context.Context, taskID string) error {
	return r.rdb.SAdd(ctx, ErroredTasksSet, prepareKey(taskID)).Err()
}

func (r *TaskRegistry) IsErrored(ctx context.Context, taskID string) (bool, error) {
	return r.rdb.SIsMember(ctx, ErroredTasksSet, prepareKey(taskID)).Result()
}

// IsExpired reports whether the task's deadline passed more than delta
// ago. Cancellation is not considered.
func IsExpired(task messages.Task, delta time.Duration) bool {
	return time.Unix(task.Deadline, 0).Add(delta).Unix() <= time.Now().Unix()
}

// IsExpiredByID is IsExpired for a task looked up by ID. An unregistered
// task is not expired.
func (r *TaskRegistry) IsExpiredByID(ctx context.Context, taskID string, delta time.Duration) (bool, error) {
	task, err := r.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return IsExpired(*task, delta), nil
}

// ShouldStopProcessing is the single check every worker performs before
// doing expensive work on a task: true when the task is cancelled or its
// deadline has passed.
func (r *TaskRegistry) ShouldStopProcessing(ctx context.Context, taskID string) (bool, error) {
	cancelled, err := r.IsCancelled(ctx, taskID)
	if err != nil {
		return false, err
	}
	if cancelled {
		return true, nil
	}
	return r.IsExpiredByID(ctx, taskID, 0)
}

// All returns every registered task, with the Cancelled flag set from the
// cancelled set. Order is not guaranteed.
func (r *TaskRegistry) All(ctx context.Context) ([]messages.Task, error) {
	raw, err := r.rdb.HGetAll(ctx, r.hashName).Result()
	if err != nil {
		return nil, err
	}

	cancelledIDs, err := r.rdb.SMembers(ctx, CancelledTasksSet).Result()
	if err != nil {
		return nil, err
	}
	cancelled := make(map[string]bool, len(cancelledIDs))
	for _, id := range cancelledIDs {
		cancelled[id] = true
	}

	tasks := make([]messages.Task, 0, len(raw))
	for key, item := range raw {
		var task messages.Task
		if err := json.Unmarshal([]byte(item), &task); err != nil {
			return nil, fmt.Errorf("task %s: %w", key, err)
		}
		task.Cancelled = cancelled[key]
		if task.Cancelled {
			task.Status = messages.TaskStatusCancelled
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// LiveTasks returns the tasks that are neither cancelled nor expired.
func (r *TaskRegistry) LiveTasks(ctx context.Context) ([]messages.Task, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	live := make([]messages.Task, 0, len(all))
	for _, task := range all {
		if !task.Cancelled && !IsExpired(task, 0) {
			live = append(live, task)
		}
	}
	return live, nil
}

// CountByStatus is a full-scan aggregate over all registered tasks, used
// for system status reporting. Counts are approximate under concurrent
// churn.
func (r *TaskRegistry) CountByStatus(ctx context.Context) (map[messages.TaskStatus]int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[messages.TaskStatus]int)
	for _, task := range all {
		counts[task.Status]++
	}
	return counts, nil
}
