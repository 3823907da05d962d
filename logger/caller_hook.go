package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook rewrites the caller logrus reports so entries point at
// the call site in pipeline code rather than at this wrapper package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	// Skip runtime.Callers, this hook, logrus internals and the
	// wrapper methods in this package.
	pcs := make([]uintptr, 16)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(6, pcs)])
	for frame, more := frames.Next(); more; frame, more = frames.Next() {
		if internalFrame(frame.Function) {
			continue
		}
		entry.Caller = &frame
		return nil
	}
	return nil
}

func internalFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.Contains(fn, "jobflow/logger")
}
