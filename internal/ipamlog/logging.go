// Package ipamlog provides the daemon's structured logger, following the
// shape of Cilium's pkg/logging package: a slog.Logger constructor, a
// block of well-known attribute keys, and a Fatal helper that logs before
// terminating the process.
package ipamlog

import (
	"log/slog"
	"os"
)

// Field names used consistently across log call sites, mirroring Cilium's
// pkg/logging/logfields constants.
const (
	FieldError       = "error"
	FieldNetwork     = "network"
	FieldContainerID = "containerID"
	FieldAddress     = "address"
	FieldSessionID   = "sessionID"
	FieldSocketPath  = "socketPath"
	FieldCommand     = "command"
)

// New returns a logger writing structured text to stderr at the given
// level, suitable for both the daemon and the plugin front-end.
func New(level slog.Level) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Fatal logs msg at error level with the given attributes, then exits the
// process with status 1. Used for conditions spec.md requires to be fatal
// to the daemon, such as ErrSessionLost during renewal.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
