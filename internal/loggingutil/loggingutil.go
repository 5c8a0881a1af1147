// Package loggingutil holds small pslog helpers shared by every package.
package loggingutil

import (
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins the non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry written through the returned logger with
// sys=<subsystem>. A nil logger yields the no-op logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	logger = EnsureLogger(logger)
	sys := Subsystem(parts...)
	if sys == "" {
		return logger
	}
	return logger.With("sys", sys)
}
