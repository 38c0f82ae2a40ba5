// Package maps provides the keyed-store primitives over Redis hashes:
// a generic typed map plus the two concrete instances the pipeline shares,
// the harness-weights map and the build-outputs map.
package maps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/buttercup-sub003/pkg/messages"
	"github.com/trailofbits/buttercup-sub003/pkg/sets"
)

// Stable logical names for the shared maps. Each logical map is its own
// hash namespace, so keys never collide across maps.
const (
	HarnessWeightsMapName = "harness_weights"
	buildMapName          = "build_list"
	buildSanMapName       = "build_san_list"
)

// CanonicalKey serializes the given parts as a JSON array, giving a
// byte-stable composite key: fixed element order, no floating ambiguity
// for string and integer parts.
func CanonicalKey(parts ...any) string {
	data, err := json.Marshal(parts)
	if err != nil {
		// Only reachable with non-serializable parts, which would be a
		// programmer error in a key.
		panic(fmt.Sprintf("maps: unserializable key parts: %v", err))
	}
	return string(data)
}

// RedisMap stores JSON-serialized records of one type by string key inside
// a single hash.
type RedisMap[T any] struct {
	rdb      *redis.Client
	hashName string
}

func NewRedisMap[T any](rdb *redis.Client, hashName string) *RedisMap[T] {
	return &RedisMap[T]{rdb: rdb, hashName: hashName}
}

// Get returns the record stored under key, or nil if absent.
func (m *RedisMap[T]) Get(ctx context.Context, key string) (*T, error) {
	raw, err := m.rdb.HGet(ctx, m.hashName, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("map %s key %s: %w", m.hashName, key, err)
	}
	return &value, nil
}

func (m *RedisMap[T]) Set(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("map %s key %s: %w", m.hashName, key, err)
	}
	return m.rdb.HSet(ctx, m.hashName, key, data).Err()
}

// Values returns every record in the map. Iteration order is not
// guaranteed; concurrent writers may make the result a point-in-time
// approximation.
func (m *RedisMap[T]) Values(ctx context.Context) ([]T, error) {
	raw, err := m.rdb.HGetAll(ctx, m.hashName).Result()
	if err != nil {
		return nil, err
	}

	values := make([]T, 0, len(raw))
	for key, item := range raw {
		var value T
		if err := json.Unmarshal([]byte(item), &value); err != nil {
			return nil, fmt.Errorf("map %s key %s: %w", m.hashName, key, err)
		}
		values = append(values, value)
	}
	return values, nil
}

// HarnessWeights is the map of currently offered fuzzing units, written by
// the orchestrator when a new build+harness pair becomes available and read
// by every fuzzer-class task loop.
type HarnessWeights struct {
	mp *RedisMap[messages.WeightedHarness]
}

func NewHarnessWeights(rdb *redis.Client) *HarnessWeights {
	return &HarnessWeights{mp: NewRedisMap[messages.WeightedHarness](rdb, HarnessWeightsMapName)}
}

func (h *HarnessWeights) ListHarnesses(ctx context.Context) ([]messages.WeightedHarness, error) {
	return h.mp.Values(ctx)
}

// PushHarness upserts the harness entry; pushing the same
// (package, harness, task) triple again only updates its weight.
func (h *HarnessWeights) PushHarness(ctx context.Context, harness messages.WeightedHarness) error {
	key := CanonicalKey(harness.PackageName, harness.HarnessName, harness.TaskID)
	return h.mp.Set(ctx, key, harness)
}

// BuildMap records finished builds so that for a given task and build type
// the available (sanitizer, output) pairs can be listed cheaply. Only one
// build per (task, type, sanitizer, patch id) is kept.
type BuildMap struct {
	rdb *redis.Client
}

func NewBuildMap(rdb *redis.Client) *BuildMap {
	return &BuildMap{rdb: rdb}
}

func (b *BuildMap) sanSetKey(taskID string, buildType messages.BuildType) string {
	return CanonicalKey(taskID, buildMapName, buildType)
}

func (b *BuildMap) buildOutputKey(taskID string, buildType messages.BuildType, sanitizer, internalPatchID string) string {
	return CanonicalKey(taskID, buildSanMapName, buildType, sanitizer, internalPatchID)
}

// AddBuild registers one build output. The sanitizer-set insert and the
// output write go through one pipeline.
func (b *BuildMap) AddBuild(ctx context.Context, build messages.BuildOutput) error {
	data, err := json.Marshal(build)
	if err != nil {
		return fmt.Errorf("build output %s: %w", build.TaskID, err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, b.sanSetKey(build.TaskID, build.BuildType), build.Sanitizer)
	pipe.Set(ctx, b.buildOutputKey(build.TaskID, build.BuildType, build.Sanitizer, build.InternalPatchID), data, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// Builds returns every available build of the given type for the task, one
// per recorded sanitizer. An empty slice means the prerequisite is not
// ready yet; that is an expected condition, not an error.
func (b *BuildMap) Builds(ctx context.Context, taskID string, buildType messages.BuildType) ([]messages.BuildOutput, error) {
	return b.BuildsForPatch(ctx, taskID, buildType, "")
}

// BuildsForPatch is Builds for patched builds: internalPatchID selects the
// patch attempt and is only meaningful for BuildTypePatch.
func (b *BuildMap) BuildsForPatch(ctx context.Context, taskID string, buildType messages.BuildType, internalPatchID string) ([]messages.BuildOutput, error) {
	sanitizers := sets.NewRedisSet(b.rdb, b.sanSetKey(taskID, buildType))
	members, err := sanitizers.Members(ctx)
	if err != nil {
		return nil, err
	}

	builds := make([]messages.BuildOutput, 0, len(members))
	for _, san := range members {
		build, err := b.BuildForSanitizer(ctx, taskID, buildType, san, internalPatchID)
		if err != nil {
			return nil, err
		}
		if build != nil {
			builds = append(builds, *build)
		}
	}
	return builds, nil
}

// BuildForSanitizer returns the build for one exact
// (task, type, sanitizer, patch id) coordinate, or nil if absent.
func (b *BuildMap) BuildForSanitizer(ctx context.Context, taskID string, buildType messages.BuildType, sanitizer, internalPatchID string) (*messages.BuildOutput, error) {
	raw, err := b.rdb.Get(ctx, b.buildOutputKey(taskID, buildType, sanitizer, internalPatchID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var build messages.BuildOutput
	if err := json.Unmarshal([]byte(raw), &build); err != nil {
		return nil, fmt.Errorf("build output %s/%s/%s: %w", taskID, buildType, sanitizer, err)
	}
	return &build, nil
}
