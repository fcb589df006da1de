// Package runc supervises the OCI-runtime binary as short-lived
// subprocesses: create/start/kill/delete, each spawned and waited on
// synchronously with stdio redirected away from the caller (spec §4.2).
package runc

import (
	"context"

	"feos/pkg/ids"
)

// Config controls which runtime binary to invoke.
type Config struct {
	// RuntimeBinaryPath is the OCI runtime binary, e.g. "youki" or "runc".
	RuntimeBinaryPath string
}

// ExitNotifier receives container exit notifications from the background
// reaper spawned by Start (spec §4.2).
type ExitNotifier interface {
	NotifyContainerExit(ctx context.Context, id ids.ContainerId, exitCode int, failed bool)
}
