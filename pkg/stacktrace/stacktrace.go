// Package stacktrace normalizes raw crash reports into symbol-stable crash
// descriptors and backs the crash deduplication shared by all fuzzer bots.
// Raw stack text commonly differs between runs (addresses, PIDs,
// timestamps); the crash state extracted here does not.
package stacktrace

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// crashStateFrames is how many top frames make up the crash state.
const crashStateFrames = 3

var (
	ansiEscapeRe = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

	// "    #0 0x55e5a3f2 in png_read_info /src/libpng/pngread.c:143:7"
	sanitizerFrameRe = regexp.MustCompile(`^\s*#(\d+)\s+0x[0-9a-fA-F]+\s+in\s+(.+?)(?:\s+([^\s]+?):(\d+)(?::\d+)?)?\s*$`)

	// "\tat org.apache.commons.Foo.bar(Foo.java:123)"
	javaFrameRe = regexp.MustCompile(`^\s*at\s+([\w.$<>]+)\(([^():]*)(?::(\d+))?\)`)

	// "==123==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x6020..."
	sanitizerErrorRe = regexp.MustCompile(`ERROR: (\w+Sanitizer): ([-\w]+)(?:\s+on\s+(?:unknown\s+)?address\s+(0x[0-9a-fA-F]+))?`)

	libFuzzerErrorRe = regexp.MustCompile(`ERROR: libFuzzer: ([-\w ]+)`)

	javaExceptionRe = regexp.MustCompile(`== Java Exception:\s+([\w.$]+)`)

	instrumentedRe = regexp.MustCompile(`Instrumented\s([A-Za-z0-9.]*)\s`)
)

// Frame prefixes that never contribute to crash identity.
var ignoredFramePrefixes = []string{
	"__asan",
	"__msan",
	"__ubsan",
	"__lsan",
	"__tsan",
	"__sanitizer",
	"__interceptor",
	"__libc",
	"_start",
	"abort",
	"raise",
}

// StackFrame is one parsed frame of a crash report.
type StackFrame struct {
	Function string
	FilePath string
	Line     int
}

// CrashInfo is the normalized descriptor of one crash report.
type CrashInfo struct {
	// CrashType is the reported fault kind, e.g. "heap-buffer-overflow".
	CrashType string
	// CrashAddress is the raw fault address text, if any ("0x...").
	CrashAddress string
	// CrashState is the symbol-stable identity: the top frames' symbols,
	// one per line.
	CrashState string
	// Frames are the parsed frames, innermost first.
	Frames []StackFrame
}

// FinalFrameLine returns the source line of the innermost frame, 0 when
// unknown.
func (c CrashInfo) FinalFrameLine() int {
	if len(c.Frames) > 0 {
		return c.Frames[0].Line
	}
	return 0
}

// StripANSI removes terminal control sequences, which fuzzing engines
// commonly leave in captured output.
func StripANSI(s string) string {
	return ansiEscapeRe.ReplaceAllString(s, "")
}

func ignoredFrame(function string) bool {
	for _, prefix := range ignoredFramePrefixes {
		if strings.HasPrefix(function, prefix) {
			return true
		}
	}
	return false
}

// Parse extracts the normalized crash descriptor from a raw stacktrace.
// It understands sanitizer (ASan/MSan/UBSan), libFuzzer and Jazzer-style
// reports; unknown formats degrade to an empty descriptor rather than
// failing.
func Parse(stacktrace string) CrashInfo {
	var info CrashInfo

	for _, line := range strings.Split(StripANSI(stacktrace), "\n") {
		if info.CrashType == "" {
			if m := sanitizerErrorRe.FindStringSubmatch(line); m != nil {
				info.CrashType = strings.TrimSpace(m[2])
				info.CrashAddress = m[3]
				continue
			}
			if m := javaExceptionRe.FindStringSubmatch(line); m != nil {
				info.CrashType = m[1]
				continue
			}
			if m := libFuzzerErrorRe.FindStringSubmatch(line); m != nil {
				info.CrashType = strings.TrimSpace(m[1])
				continue
			}
		}

		if m := sanitizerFrameRe.FindStringSubmatch(line); m != nil {
			function := strings.TrimSpace(m[2])
			if ignoredFrame(function) {
				continue
			}
			lineNo, _ := strconv.Atoi(m[4])
			info.Frames = append(info.Frames, StackFrame{
				Function: function,
				FilePath: m[3],
				Line:     lineNo,
			})
			continue
		}

		if m := javaFrameRe.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[3])
			info.Frames = append(info.Frames, StackFrame{
				Function: m[1],
				FilePath: m[2],
				Line:     lineNo,
			})
		}
	}

	var state []string
	for _, frame := range info.Frames {
		if len(state) == crashStateFrames {
			break
		}
		state = append(state, frame.Function)
	}
	if len(state) == 0 && info.CrashType != "" {
		// No usable frames; fall back to the fault kind so distinct crash
		// types still separate.
		state = append(state, info.CrashType)
	}
	if len(state) > 0 {
		info.CrashState = strings.Join(state, "\n") + "\n"
	}

	return info
}

// CrashData returns the symbol-stable crash state for a raw stacktrace.
func CrashData(stacktrace string) string {
	return Parse(stacktrace).CrashState
}

// InstKey derives the instrumentation fingerprint: the sorted set of
// "Instrumented <fragment>" markers emitted by the instrumentation
// toolchain, newline-joined. Empty when the trace carries no markers.
func InstKey(stacktrace string) string {
	matches := instrumentedRe.FindAllStringSubmatch(stacktrace, -1)
	if len(matches) == 0 {
		return ""
	}

	fragments := make([]string, 0, len(matches))
	for _, m := range matches {
		fragments = append(fragments, m[1])
	}
	sort.Strings(fragments)
	return strings.Join(fragments, "\n")
}

// CrashToken combines the crash state and the instrumentation key. For any
// given crash only one of the two is expected to be non-empty; this makes
// sure a token is produced either way.
func CrashToken(stacktrace string) string {
	return CrashData(stacktrace) + InstKey(stacktrace)
}
