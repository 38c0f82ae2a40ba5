package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-sub003/pkg/messages"
)

func TestLibFuzzerRunReturnsWithoutWaiting(t *testing.T) {
	target := messages.BuildOutput{
		TaskID:      "task-1",
		PackageName: "libpng",
		Sanitizer:   "address",
		BuildType:   messages.BuildTypeFuzzer,
		TaskDir:     t.TempDir(),
	}

	start := time.Now()
	reports, err := libFuzzerRun(context.Background(), target, "read_fuzzer", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Less(t, time.Since(start), 5*time.Second, "session setup must not block for the fuzz duration")

	entries, err := os.ReadDir(filepath.Join(target.TaskDir, "sessions"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLibFuzzerRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := libFuzzerRun(ctx, messages.BuildOutput{TaskDir: t.TempDir()}, "read_fuzzer", time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
