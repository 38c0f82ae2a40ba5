// Package messages defines the wire records exchanged through the shared
// Redis store. Every record is JSON-encoded with fixed field tags so that
// any producer/consumer pair agrees on the structure regardless of process
// identity.
package messages

import "time"

// BuildType identifies the kind of build artifact a worker needs.
type BuildType string

const (
	BuildTypeFuzzer   BuildType = "fuzzer"
	BuildTypeCoverage BuildType = "coverage"
	BuildTypeTracer   BuildType = "tracer"
	BuildTypePatch    BuildType = "patch"
)

// TaskStatus is the lifecycle state of a Task as tracked by the registry.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// SourceType distinguishes the artifacts attached to a task.
type SourceType string

const (
	SourceTypeRepo        SourceType = "repo"
	SourceTypeFuzzTooling SourceType = "fuzz-tooling"
	SourceTypeDiff        SourceType = "diff"
)

// SourceDetail describes one downloadable source artifact of a task.
type SourceDetail struct {
	SHA256 string     `json:"sha256"`
	Type   SourceType `json:"type"`
	URL    string     `json:"url"`
}

// Task is one fuzzing/patching campaign instance, tracked end-to-end across
// all workers. It is owned by the task registry; MessageTime and Deadline
// are epoch seconds.
type Task struct {
	TaskID      string         `json:"task_id"`
	ProjectName string         `json:"project_name"`
	Focus       string         `json:"focus"`
	Sources     []SourceDetail `json:"sources,omitempty"`
	MessageTime int64          `json:"message_time"`
	Deadline    int64          `json:"deadline"`
	Status      TaskStatus     `json:"status"`
	Cancelled   bool           `json:"cancelled"`
}

// DeadlineTime returns the deadline as a time.Time.
func (t Task) DeadlineTime() time.Time {
	return time.Unix(t.Deadline, 0)
}

// TaskReady announces a fully downloaded task to the scheduler.
type TaskReady struct {
	Task Task `json:"task"`
}

// TaskDownload asks the downloader to fetch a task's sources.
type TaskDownload struct {
	Task Task `json:"task"`
}

// TaskDelete asks every worker to drop state for a task. All set means
// every known task.
type TaskDelete struct {
	TaskID string `json:"task_id,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// BuildRequest asks a builder bot for one (engine, sanitizer) build of a
// task's project. Patch and InternalPatchID are set only for patch builds.
type BuildRequest struct {
	TaskID          string    `json:"task_id"`
	Engine          string    `json:"engine"`
	Sanitizer       string    `json:"sanitizer"`
	BuildType       BuildType `json:"build_type"`
	ApplyDiff       bool      `json:"apply_diff,omitempty"`
	Patch           string    `json:"patch,omitempty"`
	InternalPatchID string    `json:"internal_patch_id,omitempty"`
}

// BuildOutput describes one finished build, addressable by
// (task, build type, sanitizer, patch id).
type BuildOutput struct {
	TaskID          string    `json:"task_id"`
	PackageName     string    `json:"package_name"`
	Engine          string    `json:"engine"`
	Sanitizer       string    `json:"sanitizer"`
	BuildType       BuildType `json:"build_type"`
	TaskDir         string    `json:"task_dir"`
	ApplyDiff       bool      `json:"apply_diff,omitempty"`
	InternalPatchID string    `json:"internal_patch_id,omitempty"`
}

// WeightedHarness is a candidate unit of fuzzing work plus its relative
// selection probability.
type WeightedHarness struct {
	Weight      float64 `json:"weight"`
	HarnessName string  `json:"harness_name"`
	PackageName string  `json:"package_name"`
	TaskID      string  `json:"task_id"`
}

// Crash is a raw crash discovered by a fuzzer bot.
type Crash struct {
	Target         BuildOutput `json:"target"`
	HarnessName    string      `json:"harness_name"`
	CrashInputPath string      `json:"crash_input_path"`
	Stacktrace     string      `json:"stacktrace"`
	CrashToken     string      `json:"crash_token"`
}

// TracedCrash is a crash re-run under the tracer build.
type TracedCrash struct {
	Crash            Crash  `json:"crash"`
	TracerStacktrace string `json:"tracer_stacktrace"`
}

// ConfirmedVulnerability groups the traced crashes that were confirmed to
// be one vulnerability.
type ConfirmedVulnerability struct {
	Crashes         []TracedCrash `json:"crashes"`
	InternalPatchID string        `json:"internal_patch_id,omitempty"`
}

// Patch is a candidate fix produced by the patcher.
type Patch struct {
	TaskID          string `json:"task_id"`
	InternalPatchID string `json:"internal_patch_id"`
	Patch           string `json:"patch"`
}

// IndexRequest asks the program-model bot to index one build.
type IndexRequest struct {
	TaskID      string    `json:"task_id"`
	PackageName string    `json:"package_name"`
	TaskDir     string    `json:"task_dir"`
	BuildType   BuildType `json:"build_type"`
}

// IndexOutput reports a finished program-model index.
type IndexOutput struct {
	TaskID      string    `json:"task_id"`
	PackageName string    `json:"package_name"`
	BuildType   BuildType `json:"build_type"`
}
