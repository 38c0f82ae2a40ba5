// The orchestrator tracks every task in the registry and turns finished
// builds into fuzzing work: build outputs are recorded in the build map and
// published as weighted harness targets, ready tasks become build requests,
// delete requests tear registry state down, and a periodic sweeper garbage
// collects tasks that expired past a grace period.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/trailofbits/buttercup-sub003/pkg/logger"
	"github.com/trailofbits/buttercup-sub003/pkg/maps"
	"github.com/trailofbits/buttercup-sub003/pkg/messages"
	"github.com/trailofbits/buttercup-sub003/pkg/queue"
	"github.com/trailofbits/buttercup-sub003/pkg/registry"
)

const defaultWeight = 1.0

var (
	tasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buttercup_tasks_by_status",
		Help: "Number of registered tasks per lifecycle status",
	}, []string{"status"})

	buildsRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buttercup_builds_registered_total",
		Help: "Build outputs recorded in the build map",
	}, []string{"build_type"})

	tasksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buttercup_tasks_swept_total",
		Help: "Expired tasks garbage collected by the sweeper",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buttercup_queue_depth",
		Help: "Entries currently in each stream, acked ones included",
	}, []string{"queue"})
)

type config struct {
	redisAddr   string
	metricsAddr string
	sleep       time.Duration
	sweepGrace  time.Duration
}

func loadConfig() config {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg := config{
		redisAddr:   envOr("BUTTERCUP_REDIS_ADDR", "127.0.0.1:6379"),
		metricsAddr: envOr("BUTTERCUP_METRICS_ADDR", ":8080"),
		sleep:       time.Second,
		sweepGrace:  10 * time.Minute,
	}
	if ms, err := strconv.Atoi(envOr("BUTTERCUP_TIMER_MS", "1000")); err == nil && ms > 0 {
		cfg.sleep = time.Duration(ms) * time.Millisecond
	}
	if s, err := strconv.Atoi(envOr("BUTTERCUP_SWEEP_GRACE_SECONDS", "600")); err == nil && s >= 0 {
		cfg.sweepGrace = time.Duration(s) * time.Second
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type orchestrator struct {
	log      zerolog.Logger
	reg      *registry.TaskRegistry
	builds   *maps.BuildMap
	harness  *maps.HarnessWeights
	readyQ   *queue.ReliableQueue[messages.TaskReady]
	outputQ  *queue.ReliableQueue[messages.BuildOutput]
	deleteQ  *queue.ReliableQueue[messages.TaskDelete]
	buildQ   *queue.ReliableQueue[messages.BuildRequest]
	indexQ   *queue.ReliableQueue[messages.IndexRequest]
	targetQ  *queue.ReliableQueue[messages.WeightedHarness]
	sweepAge time.Duration
}

// serveReady registers a freshly downloaded task and requests its builds.
func (o *orchestrator) serveReady(ctx context.Context) (bool, error) {
	item, err := o.readyQ.Pop(ctx)
	if err != nil || item == nil {
		return false, dropMalformed(ctx, o.log, o.readyQ, err)
	}

	task := item.Deserialized.Task
	task.Status = messages.TaskStatusPending
	if err := o.reg.Update(ctx, task); err != nil {
		return false, err
	}

	req := messages.BuildRequest{
		TaskID:    task.TaskID,
		Engine:    "libfuzzer",
		Sanitizer: "address",
		BuildType: messages.BuildTypeFuzzer,
	}
	if err := o.buildQ.Push(ctx, req); err != nil {
		return false, err
	}
	o.log.Info().Str("task_id", task.TaskID).Str("project", task.ProjectName).Msg("Task registered, build requested")
	return true, o.readyQ.Ack(ctx, item.ItemID)
}

// serveBuildOutput records a finished build and offers its harnesses to
// the fuzzer fleet.
func (o *orchestrator) serveBuildOutput(ctx context.Context) (bool, error) {
	item, err := o.outputQ.Pop(ctx)
	if err != nil || item == nil {
		return false, dropMalformed(ctx, o.log, o.outputQ, err)
	}

	build := item.Deserialized
	stop, err := o.reg.ShouldStopProcessing(ctx, build.TaskID)
	if err != nil {
		return false, err
	}
	if stop {
		// Cancelled or expired: acknowledge and move on.
		o.log.Info().Str("task_id", build.TaskID).Msg("Dropping build output for stopped task")
		return true, o.outputQ.Ack(ctx, item.ItemID)
	}

	if err := o.builds.AddBuild(ctx, build); err != nil {
		return false, err
	}
	buildsRegistered.WithLabelValues(string(build.BuildType)).Inc()

	if build.BuildType == messages.BuildTypeFuzzer {
		if err := o.indexQ.Push(ctx, messages.IndexRequest{
			TaskID:      build.TaskID,
			PackageName: build.PackageName,
			TaskDir:     build.TaskDir,
			BuildType:   build.BuildType,
		}); err != nil {
			return false, err
		}

		for _, harnessName := range harnessesForBuild(build) {
			wh := messages.WeightedHarness{
				Weight:      defaultWeight,
				HarnessName: harnessName,
				PackageName: build.PackageName,
				TaskID:      build.TaskID,
			}
			if err := o.harness.PushHarness(ctx, wh); err != nil {
				return false, err
			}
			if err := o.targetQ.Push(ctx, wh); err != nil {
				return false, err
			}
			o.log.Info().Str("harness", harnessName).Str("task_id", build.TaskID).Msg("Adding target")
		}
	}

	if task, err := o.reg.Get(ctx, build.TaskID); err == nil && task != nil && task.Status == messages.TaskStatusPending {
		task.Status = messages.TaskStatusRunning
		if err := o.reg.Update(ctx, *task); err != nil {
			return false, err
		}
	}

	return true, o.outputQ.Ack(ctx, item.ItemID)
}

// serveDelete tears down registry state for a task, or for all tasks.
func (o *orchestrator) serveDelete(ctx context.Context) (bool, error) {
	item, err := o.deleteQ.Pop(ctx)
	if err != nil || item == nil {
		return false, dropMalformed(ctx, o.log, o.deleteQ, err)
	}

	del := item.Deserialized
	if del.All {
		tasks, err := o.reg.All(ctx)
		if err != nil {
			return false, err
		}
		for _, task := range tasks {
			if err := o.reg.Delete(ctx, task.TaskID); err != nil {
				return false, err
			}
		}
		o.log.Info().Int("count", len(tasks)).Msg("Deleted all tasks")
	} else {
		if err := o.reg.Delete(ctx, del.TaskID); err != nil {
			return false, err
		}
		o.log.Info().Str("task_id", del.TaskID).Msg("Deleted task")
	}
	return true, o.deleteQ.Ack(ctx, item.ItemID)
}

// sweepExpired deletes tasks whose deadline passed more than the grace
// period ago and tells the rest of the pipeline to drop their state.
func (o *orchestrator) sweepExpired(ctx context.Context) {
	tasks, err := o.reg.All(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("Sweeper could not list tasks")
		return
	}

	for _, task := range tasks {
		if !registry.IsExpired(task, o.sweepAge) {
			continue
		}
		if err := o.reg.Delete(ctx, task.TaskID); err != nil {
			o.log.Error().Err(err).Str("task_id", task.TaskID).Msg("Sweeper delete failed")
			continue
		}
		if err := o.deleteQ.Push(ctx, messages.TaskDelete{TaskID: task.TaskID}); err != nil {
			o.log.Error().Err(err).Str("task_id", task.TaskID).Msg("Sweeper delete broadcast failed")
			continue
		}
		tasksSwept.Inc()
		o.log.Info().Str("task_id", task.TaskID).Msg("Swept expired task")
	}
}

func (o *orchestrator) collectStatusMetrics(ctx context.Context) {
	counts, err := o.reg.CountByStatus(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("Status scan failed")
		return
	}
	tasksByStatus.Reset()
	for status, count := range counts {
		tasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	for name, size := range map[string]func(context.Context) (int64, error){
		string(queue.QueueReadyTasks):  o.readyQ.Size,
		string(queue.QueueBuild):       o.buildQ.Size,
		string(queue.QueueBuildOutput): o.outputQ.Size,
		string(queue.QueueDeleteTask):  o.deleteQ.Size,
		string(queue.QueueIndex):       o.indexQ.Size,
		string(queue.QueueTargetList):  o.targetQ.Size,
	} {
		depth, err := size(ctx)
		if err != nil {
			o.log.Error().Err(err).Str("queue", name).Msg("Depth scan failed")
			continue
		}
		queueDepth.WithLabelValues(name).Set(float64(depth))
	}
}

// harnessesForBuild lists the fuzz targets a build ships. Real target
// discovery scans the build output directory, which lives outside this
// layer; the convention here is one harness named after the package.
func harnessesForBuild(build messages.BuildOutput) []string {
	return []string{build.PackageName + "_fuzzer"}
}

// dropMalformed acks-and-drops undecodable deliveries so they are not
// retried in a tight loop; every other error is passed through.
func dropMalformed[T any](ctx context.Context, log zerolog.Logger, q *queue.ReliableQueue[T], err error) error {
	var malformed *queue.MalformedItemError
	if errors.As(err, &malformed) {
		log.Error().Err(err).Str("item_id", malformed.ItemID).Msg("Dropping undeserializable item")
		return q.Ack(ctx, malformed.ItemID)
	}
	return err
}

func main() {
	cfg := loadConfig()
	log := logger.New("orchestrator", os.Getenv("BUTTERCUP_LOG_LEVEL"))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := queue.NewFactory(rdb)
	readyQ, err := factory.ReadyTasksQueue(ctx, queue.GroupOrchestrator)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue setup failed")
	}
	outputQ, err := factory.BuildOutputQueue(ctx, queue.GroupOrchestrator)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue setup failed")
	}
	deleteQ, err := factory.DeleteTaskQueue(ctx, queue.GroupOrchestrator)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue setup failed")
	}
	buildQ, err := factory.BuildQueue(ctx, queue.GroupBuilderBot)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue setup failed")
	}
	indexQ, err := factory.IndexQueue(ctx, queue.GroupIndexBot)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue setup failed")
	}
	targetQ, err := factory.TargetListQueue(ctx, queue.GroupFuzzerBot)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue setup failed")
	}

	o := &orchestrator{
		log:      log,
		reg:      registry.NewTaskRegistry(rdb),
		builds:   maps.NewBuildMap(rdb),
		harness:  maps.NewHarnessWeights(rdb),
		readyQ:   readyQ,
		outputQ:  outputQ,
		deleteQ:  deleteQ,
		buildQ:   buildQ,
		indexQ:   indexQ,
		targetQ:  targetQ,
		sweepAge: cfg.sweepGrace,
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info().Str("addr", cfg.metricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.metricsAddr, nil); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		o.sweepExpired(ctx)
		o.collectStatusMetrics(ctx)
	}); err != nil {
		log.Fatal().Err(err).Msg("Sweeper setup failed")
	}
	c.Start()
	defer c.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutting down orchestrator...")
		cancel()
	}()

	log.Info().Str("redis", cfg.redisAddr).Msg("Orchestrator started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		didWork := false
		for _, serve := range []func(context.Context) (bool, error){
			o.serveReady,
			o.serveBuildOutput,
			o.serveDelete,
		} {
			did, err := serve(ctx)
			if err != nil {
				// Transport errors are retryable: log and retry the whole
				// poll cycle.
				log.Error().Err(err).Msg("Serve cycle failed")
				break
			}
			didWork = didWork || did
		}

		if !didWork {
			time.Sleep(cfg.sleep)
		}
	}
}
