// The builder bot consumes build requests, produces the corresponding
// build artifacts and publishes build outputs for the orchestrator to
// record. Requests for cancelled or expired tasks are acknowledged and
// dropped without building.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/trailofbits/buttercup-sub003/pkg/logger"
	"github.com/trailofbits/buttercup-sub003/pkg/messages"
	"github.com/trailofbits/buttercup-sub003/pkg/queue"
	"github.com/trailofbits/buttercup-sub003/pkg/registry"
)

var (
	buildsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buttercup_builds_completed_total",
		Help: "Builds finished by this bot",
	}, []string{"build_type", "sanitizer"})

	buildsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buttercup_builds_skipped_total",
		Help: "Build requests dropped because their task was cancelled or expired",
	})
)

type builderBot struct {
	log        zerolog.Logger
	reg        *registry.TaskRegistry
	requests   *queue.ReliableQueue[messages.BuildRequest]
	outputs    *queue.ReliableQueue[messages.BuildOutput]
	scratchDir string
}

// build produces the artifact for one request. The compile step itself is
// delegated to the task's fuzz tooling; this bot owns the bookkeeping
// around it.
func (b *builderBot) build(ctx context.Context, req messages.BuildRequest) (messages.BuildOutput, error) {
	task, err := b.reg.Get(ctx, req.TaskID)
	if err != nil {
		return messages.BuildOutput{}, err
	}

	out := messages.BuildOutput{
		TaskID:          req.TaskID,
		Engine:          req.Engine,
		Sanitizer:       req.Sanitizer,
		BuildType:       req.BuildType,
		ApplyDiff:       req.ApplyDiff,
		InternalPatchID: req.InternalPatchID,
		TaskDir:         filepath.Join(b.scratchDir, req.TaskID, string(req.BuildType), req.Sanitizer),
	}
	if task != nil {
		out.PackageName = task.ProjectName
	}

	if err := os.MkdirAll(out.TaskDir, 0o755); err != nil {
		return messages.BuildOutput{}, err
	}
	return out, nil
}

// serve handles at most one build request. It reports whether it did work.
func (b *builderBot) serve(ctx context.Context) (bool, error) {
	item, err := b.requests.Pop(ctx)
	if err != nil {
		var malformed *queue.MalformedItemError
		if errors.As(err, &malformed) {
			b.log.Error().Err(err).Str("item_id", malformed.ItemID).Msg("Dropping undeserializable build request")
			return false, b.requests.Ack(ctx, malformed.ItemID)
		}
		return false, err
	}
	if item == nil {
		return false, nil
	}

	req := item.Deserialized
	log := b.log.With().Str("task_id", req.TaskID).Str("build_type", string(req.BuildType)).Str("sanitizer", req.Sanitizer).Logger()

	stop, err := b.reg.ShouldStopProcessing(ctx, req.TaskID)
	if err != nil {
		return false, err
	}
	if stop {
		buildsSkipped.Inc()
		log.Info().Msg("Skipping build for stopped task")
		return true, b.requests.Ack(ctx, item.ItemID)
	}

	out, err := b.build(ctx, req)
	if err != nil {
		// Leave the request pending so another bot retries it after the
		// visibility timeout.
		log.Error().Err(err).Msg("Build failed")
		return false, nil
	}

	if err := b.outputs.Push(ctx, out); err != nil {
		return false, err
	}
	buildsCompleted.WithLabelValues(string(req.BuildType), req.Sanitizer).Inc()
	log.Info().Str("task_dir", out.TaskDir).Msg("Build finished")

	return true, b.requests.Ack(ctx, item.ItemID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()
	log := logger.New("builder", os.Getenv("BUTTERCUP_LOG_LEVEL"))

	redisAddr := envOr("BUTTERCUP_REDIS_ADDR", "127.0.0.1:6379")
	metricsAddr := envOr("BUTTERCUP_METRICS_ADDR", ":8081")
	scratchDir := envOr("BUTTERCUP_SCRATCH_DIR", "/tmp/buttercup/builds")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := queue.NewFactory(rdb)
	requests, err := factory.BuildQueue(ctx, queue.GroupBuilderBot)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue setup failed")
	}
	outputs, err := factory.BuildOutputQueue(ctx, queue.GroupOrchestrator)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue setup failed")
	}

	bot := &builderBot{
		log:        log,
		reg:        registry.NewTaskRegistry(rdb),
		requests:   requests,
		outputs:    outputs,
		scratchDir: scratchDir,
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutting down builder...")
		cancel()
	}()

	log.Info().Str("redis", redisAddr).Msg("Builder started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		did, err := bot.serve(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Serve cycle failed")
		}
		if !did {
			time.Sleep(time.Second)
		}
	}
}
