package track

import (
	"runtime"
	"strconv"
	"strings"
)

// DefaultDepth is how many resolved frames a recorded backtrace keeps
const DefaultDepth = 16

// Frames belonging to the instrumentation itself are noise in a
// user-facing trace and are filtered out.
var internalPrefixes = []string{
	"github.com/psantana5/reftrack/pkg/refs.",
	"github.com/psantana5/reftrack/pkg/track.",
	"runtime.",
}

func isInternalFrame(function string) bool {
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(function, prefix) {
			return true
		}
	}
	return false
}

// callerTrace resolves the current goroutine's stack into display
// lines, skipping instrumentation frames. The returned site is the
// innermost remaining function, the place the reference operation
// happened.
func callerTrace(depth int) (site string, lines []string) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	pc := make([]uintptr, depth+8)
	n := runtime.Callers(2, pc)
	if n == 0 {
		return "", nil
	}

	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isInternalFrame(frame.Function) {
			if site == "" {
				site = frame.Function
			}
			lines = append(lines, formatFrame(frame))
			if len(lines) >= depth {
				break
			}
		}
		if !more {
			break
		}
	}
	return site, lines
}

func formatFrame(frame runtime.Frame) string {
	location := "???"
	if frame.File != "" {
		location = frame.File + ":" + strconv.Itoa(frame.Line)
	}
	return frame.Function + " at " + location
}
