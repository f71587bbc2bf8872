// Package loggingutil carries the small logger plumbing shared across busd
// subsystems.
package loggingutil

import (
	"io"
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

// WithSubsystem tags every entry from the returned logger with a subsystem
// field.
func WithSubsystem(l pslog.Logger, subsystem string) pslog.Logger {
	if subsystem == "" {
		return EnsureLogger(l)
	}
	return EnsureLogger(l).With("subsystem", subsystem)
}
