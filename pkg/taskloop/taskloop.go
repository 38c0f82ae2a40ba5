// Package taskloop is the polling loop every bot runs: list the currently
// offered weighted harness units, draw one at random with probability
// proportional to weight, verify the required build artifacts exist, and
// dispatch exactly one unit of work per cycle.
package taskloop

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/trailofbits/buttercup-sub003/pkg/maps"
	"github.com/trailofbits/buttercup-sub003/pkg/messages"
)

// Runner is the worker-specific part of a task loop.
type Runner interface {
	// RequiredBuilds declares which build artifact kinds must already
	// exist before this worker may run a selected unit.
	RequiredBuilds() []messages.BuildType

	// RunTask performs the worker's action on the drawn unit. builds holds
	// the available builds for every required kind, each non-empty. An
	// error terminates the loop (fail-fast); workers that want to continue
	// must contain their own failures.
	RunTask(ctx context.Context, unit messages.WeightedHarness, builds map[messages.BuildType][]messages.BuildOutput) error
}

// TaskLoop polls the harness-weights map and dispatches work to a Runner.
// One process runs one loop; parallelism comes from running many worker
// processes against the same store.
type TaskLoop struct {
	runner         Runner
	harnessWeights *maps.HarnessWeights
	builds         *maps.BuildMap
	sleep          time.Duration
	log            zerolog.Logger
	rng            *rand.Rand
}

func New(rdb *redis.Client, runner Runner, sleep time.Duration, log zerolog.Logger) *TaskLoop {
	return &TaskLoop{
		runner:         runner,
		harnessWeights: maps.NewHarnessWeights(rdb),
		builds:         maps.NewBuildMap(rdb),
		sleep:          sleep,
		log:            log,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ServeItem runs one poll cycle. It reports whether a unit of work was
// dispatched; an empty unit list or a missing prerequisite build is an
// expected condition, not an error.
func (l *TaskLoop) ServeItem(ctx context.Context) (bool, error) {
	all, err := l.harnessWeights.ListHarnesses(ctx)
	if err != nil {
		return false, err
	}

	units := make([]messages.WeightedHarness, 0, len(all))
	for _, unit := range all {
		if unit.Weight > 0 {
			units = append(units, unit)
		}
	}
	if len(units) == 0 {
		return false, nil
	}

	l.log.Debug().Int("targets", len(units)).Msg("Received weighted targets")
	unit := units[weightedChoice(l.rng, units)]

	builds := make(map[messages.BuildType][]messages.BuildOutput)
	hasAllBuilds := true
	for _, required := range l.runner.RequiredBuilds() {
		available, err := l.builds.Builds(ctx, unit.TaskID, required)
		if err != nil {
			return false, err
		}
		if len(available) == 0 {
			l.log.Warn().
				Str("build_type", string(required)).
				Str("task_id", unit.TaskID).
				Msg("Build not found")
			hasAllBuilds = false
		}
		builds[required] = available
	}
	if !hasAllBuilds {
		// Partial availability is treated as full unavailability.
		return false, nil
	}

	l.log.Info().
		Str("harness", unit.HarnessName).
		Str("package", unit.PackageName).
		Str("task_id", unit.TaskID).
		Msg("Running task")
	if err := l.runner.RunTask(ctx, unit, builds); err != nil {
		return false, err
	}
	return true, nil
}

// Run executes ServeItem forever with a fixed sleep after every cycle,
// until the context is cancelled or the runner fails.
func (l *TaskLoop) Run(ctx context.Context) error {
	for {
		if _, err := l.ServeItem(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.sleep):
		}
	}
}

// weightedChoice draws one index with probability proportional to weight,
// using cumulative weights and a binary search. All weights are > 0.
func weightedChoice(rng *rand.Rand, units []messages.WeightedHarness) int {
	cumulative := make([]float64, len(units))
	total := 0.0
	for i, unit := range units {
		total += unit.Weight
		cumulative[i] = total
	}

	r := rng.Float64() * total
	idx := sort.SearchFloat64s(cumulative, r)
	if idx >= len(units) {
		idx = len(units) - 1
	}
	return idx
}
