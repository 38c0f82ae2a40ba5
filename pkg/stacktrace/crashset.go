package stacktrace

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/buttercup-sub003/pkg/maps"
	"github.com/trailofbits/buttercup-sub003/pkg/sets"
)

// crashSetName is the shared dedup namespace for all fuzzer bots.
const crashSetName = "crash_set"

// CrashSet deduplicates crashes across fuzzer instances. The identity of a
// crash is the canonical tuple (project, harness, task, sanitizer, crash
// state, instrumentation key, final frame line); similar-but-not-identical
// crashes are left for the tracer/orchestrator to merge.
type CrashSet struct {
	set *sets.RedisSet
}

func NewCrashSet(rdb *redis.Client) *CrashSet {
	return &CrashSet{set: sets.NewRedisSet(rdb, crashSetName)}
}

// Add canonicalizes the crash and records it. Returns true if this exact
// crash was already seen, in which case the caller should not forward it
// for triage.
func (c *CrashSet) Add(ctx context.Context, project, harnessName, taskID, sanitizer, stacktrace string) (bool, error) {
	info := Parse(stacktrace)
	key := maps.CanonicalKey(
		project,
		harnessName,
		taskID,
		sanitizer,
		info.CrashState,
		InstKey(stacktrace),
		info.FinalFrameLine(),
	)

	wasNew, err := c.set.Add(ctx, key)
	if err != nil {
		return false, err
	}
	return !wasNew, nil
}
