// Package vmm supervises Cloud-Hypervisor child processes: one per VM,
// speaking its HTTP-over-UDS control API, tracking process status and
// reaping exits (spec §4.1).
package vmm

import (
	"context"
	"time"

	"feos/pkg/ids"
)

// Config controls how the supervisor spawns and talks to Cloud-Hypervisor.
type Config struct {
	// CloudHypervisorBin is the binary to exec for every VM.
	CloudHypervisorBin string
	// APISocketDir and ConsoleSocketDir hold the per-id socket files; paths
	// are exactly "{dir}/{id}.api" and "{dir}/{id}.console" (spec §3).
	APISocketDir    string
	ConsoleSocketDir string
	// RunDetached starts children with no controlling terminal so they
	// survive the agent restarting (carried from the teacher's
	// RunDetached/FirecrackerDetatch flag, see SPEC_FULL.md).
	RunDetached bool
	// DeleteVMTimeout bounds the grace period in Delete between
	// vm.shutdown-vmm and SIGKILL.
	DeleteVMTimeout time.Duration
}

// ExitNotifier receives exit notifications from the reaper (spec §4.1:
// "posts VmStopped{exit_code} or VmFailed to the owning dispatcher").
type ExitNotifier interface {
	NotifyExit(ctx context.Context, id ids.WorkloadId, exitCode int, failed bool, detail string)
}

func (c Config) apiSocketPath(id ids.WorkloadId) string {
	return c.APISocketDir + "/" + id.String() + ".api"
}

func (c Config) consoleSocketPath(id ids.WorkloadId) string {
	return c.ConsoleSocketDir + "/" + id.String() + ".console"
}
