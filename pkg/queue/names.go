package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/buttercup-sub003/pkg/messages"
)

// QueueName is the logical name of one stream in the shared store. One
// queue exists per message kind.
type QueueName string

const (
	QueueBuild                    QueueName = "fuzzer_build_queue"
	QueueBuildOutput              QueueName = "fuzzer_build_output_queue"
	QueueCrash                    QueueName = "fuzzer_crash_queue"
	QueueConfirmedVulnerabilities QueueName = "confirmed_vulnerabilities_queue"
	QueueTracedVulnerabilities    QueueName = "traced_vulnerabilities_queue"
	QueueIndex                    QueueName = "index_queue"
	QueueIndexOutput              QueueName = "index_output_queue"
	QueueReadyTasks               QueueName = "ready_tasks_queue"
	QueueDownloadTasks            QueueName = "orchestrator_download_tasks_queue"
	QueueDeleteTask               QueueName = "delete_task_queue"
	QueueTargetList               QueueName = "fuzzer_target_list"
)

// GroupName is a named subscriber identity on a queue. Each group receives
// its own copy of every message, load-shared among its members.
type GroupName string

const (
	GroupBuilderBot    GroupName = "build_bot_consumers"
	GroupFuzzerBot     GroupName = "fuzzer_bot_consumers"
	GroupOrchestrator  GroupName = "orchestrator_group"
	GroupTracerBot     GroupName = "tracer_bot_consumers"
	GroupPatcher       GroupName = "patcher_group"
	GroupIndexBot      GroupName = "index_bot_consumers"
	GroupDownloadTasks GroupName = "orchestrator_download_tasks_group"
)

// Per-queue visibility timeouts, sized to the expected worker runtime for
// the message kind.
const (
	BuildTaskTimeout       = 15 * time.Minute
	BuildOutputTaskTimeout = 3 * time.Minute
	DownloadTaskTimeout    = 10 * time.Minute
	IndexTaskTimeout       = 15 * time.Minute
	CrashTaskTimeout       = 5 * time.Minute
)

// Factory resolves a logical queue name plus consumer group to a concrete
// ReliableQueue, so producers and consumers never hardcode transport
// details or timeouts.
type Factory struct {
	rdb *redis.Client
}

func NewFactory(rdb *redis.Client) Factory {
	return Factory{rdb: rdb}
}

func (f Factory) BuildQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.BuildRequest], error) {
	return New[messages.BuildRequest](ctx, f.rdb, QueueBuild, group, Options{VisibilityTimeout: BuildTaskTimeout})
}

func (f Factory) BuildOutputQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.BuildOutput], error) {
	return New[messages.BuildOutput](ctx, f.rdb, QueueBuildOutput, group, Options{VisibilityTimeout: BuildOutputTaskTimeout})
}

func (f Factory) CrashQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.Crash], error) {
	return New[messages.Crash](ctx, f.rdb, QueueCrash, group, Options{VisibilityTimeout: CrashTaskTimeout})
}

func (f Factory) ConfirmedVulnerabilitiesQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.ConfirmedVulnerability], error) {
	return New[messages.ConfirmedVulnerability](ctx, f.rdb, QueueConfirmedVulnerabilities, group, Options{})
}

func (f Factory) TracedVulnerabilitiesQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.TracedCrash], error) {
	return New[messages.TracedCrash](ctx, f.rdb, QueueTracedVulnerabilities, group, Options{})
}

func (f Factory) IndexQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.IndexRequest], error) {
	return New[messages.IndexRequest](ctx, f.rdb, QueueIndex, group, Options{VisibilityTimeout: IndexTaskTimeout})
}

func (f Factory) IndexOutputQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.IndexOutput], error) {
	return New[messages.IndexOutput](ctx, f.rdb, QueueIndexOutput, group, Options{})
}

func (f Factory) ReadyTasksQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.TaskReady], error) {
	return New[messages.TaskReady](ctx, f.rdb, QueueReadyTasks, group, Options{})
}

func (f Factory) DownloadTasksQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.TaskDownload], error) {
	return New[messages.TaskDownload](ctx, f.rdb, QueueDownloadTasks, group, Options{VisibilityTimeout: DownloadTaskTimeout})
}

func (f Factory) DeleteTaskQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.TaskDelete], error) {
	return New[messages.TaskDelete](ctx, f.rdb, QueueDeleteTask, group, Options{})
}

// TargetListQueue announces newly available weighted targets. The
// harness-weights map holds the current offers; this stream carries the
// change notifications.
func (f Factory) TargetListQueue(ctx context.Context, group GroupName) (*ReliableQueue[messages.WeightedHarness], error) {
	return New[messages.WeightedHarness](ctx, f.rdb, QueueTargetList, group, Options{})
}
