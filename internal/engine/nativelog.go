package engine

import (
	"fmt"
	"strings"

	"kvengine/internal/logging"
)

// nativeLogAdapter routes the wrapped engine's log lines through the shared
// structured logger so native background threads (flush, compaction, GC)
// show up in the same stream as adapter operations.
type nativeLogAdapter struct {
	log *logging.Logger
}

func newNativeLogAdapter(log *logging.Logger) *nativeLogAdapter {
	return &nativeLogAdapter{log: log.WithField("source", "native")}
}

func (a *nativeLogAdapter) Errorf(format string, args ...interface{}) {
	a.log.Error(trim(format, args...))
}

func (a *nativeLogAdapter) Warningf(format string, args ...interface{}) {
	a.log.Warn(trim(format, args...))
}

func (a *nativeLogAdapter) Infof(format string, args ...interface{}) {
	a.log.Info(trim(format, args...))
}

func (a *nativeLogAdapter) Debugf(format string, args ...interface{}) {
	a.log.Debug(trim(format, args...))
}

// trim drops the trailing newline the native logger appends.
func trim(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
