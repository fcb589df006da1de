package dispatcher

import (
	"context"

	"feos/pkg/ids"
	"feos/pkg/models"
)

// vmmBackend is the subset of *vmm.Service a vmActor drives, pulled out as
// an interface so tests can substitute a fake Cloud-Hypervisor supervisor
// instead of spawning a real one.
type vmmBackend interface {
	Init(ctx context.Context, id ids.WorkloadId, waitForSocket bool) error
	Create(ctx context.Context, id ids.WorkloadId, cpu uint32, memoryBytes uint64, boot models.Boot, disks []models.DiskAttachment) error
	AddNet(ctx context.Context, id ids.WorkloadId, nic models.NicAttachment) error
	Boot(ctx context.Context, id ids.WorkloadId) error
	Pause(ctx context.Context, id ids.WorkloadId) error
	Resume(ctx context.Context, id ids.WorkloadId) error
	Shutdown(ctx context.Context, id ids.WorkloadId) error
	Delete(ctx context.Context, id ids.WorkloadId) error
	Ping(ctx context.Context, id ids.WorkloadId) (string, error)
	AddDisk(ctx context.Context, id ids.WorkloadId, path string, readOnly bool) (string, error)
	RemoveDisk(ctx context.Context, id ids.WorkloadId, diskID string) error
	PID(id ids.WorkloadId) (int, bool)
	Sockets(id ids.WorkloadId) (apiSocket, consoleSocket string, ok bool)
}

// runcBackend is the subset of *runc.Service a containerActor drives, for
// the same reason as vmmBackend.
type runcBackend interface {
	Create(ctx context.Context, id ids.ContainerId, bundlePath string) (int, error)
	Start(ctx context.Context, id ids.ContainerId, pid int) error
	Kill(ctx context.Context, id ids.ContainerId, signalName string) error
	Delete(ctx context.Context, id ids.ContainerId) error
}
