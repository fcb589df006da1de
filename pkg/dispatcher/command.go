// Package dispatcher implements the WorkloadDispatcher of spec §4.6: one
// actor goroutine per WorkloadId, a bounded priority command channel, and
// per-workload event fan-out.
package dispatcher

import "feos/pkg/models"

// VmCommandKind tags a VmCommand's operation.
type VmCommandKind int

const (
	VmCmdCreate VmCommandKind = iota
	VmCmdStart
	VmCmdPause
	VmCmdResume
	VmCmdShutdown
	VmCmdDelete
	VmCmdGet
	VmCmdPing
	VmCmdAttachDisk
	VmCmdRemoveDisk
	VmCmdStreamEvents
)

// isLifecycle reports whether this command kind must preempt info commands
// within the same poll (spec §4.6).
func (k VmCommandKind) isLifecycle() bool {
	switch k {
	case VmCmdCreate, VmCmdStart, VmCmdPause, VmCmdResume, VmCmdShutdown, VmCmdDelete, VmCmdAttachDisk, VmCmdRemoveDisk:
		return true
	default:
		return false
	}
}

// VmCommand carries one operation and its reply channel into a vmActor.
type VmCommand struct {
	Kind VmCommandKind

	CPU         uint32
	MemoryBytes uint64
	ImageID     string
	Boot        models.Boot
	Disks       []models.DiskAttachment
	Nics        []models.NicAttachment

	DiskPath string
	ReadOnly bool
	DiskID   string

	EventSub chan models.Event

	Reply chan VmResult
}

// VmResult is returned on a VmCommand's reply channel.
type VmResult struct {
	Record   *models.VmRecord
	PingInfo string
	DiskID   string
	Err      error
}

// ContainerCommandKind tags a ContainerCommand's operation.
type ContainerCommandKind int

const (
	ContainerCmdCreate ContainerCommandKind = iota
	ContainerCmdStart
	ContainerCmdKill
	ContainerCmdDelete
	ContainerCmdGet
	ContainerCmdStreamEvents
)

func (k ContainerCommandKind) isLifecycle() bool {
	switch k {
	case ContainerCmdCreate, ContainerCmdStart, ContainerCmdKill, ContainerCmdDelete:
		return true
	default:
		return false
	}
}

// ContainerCommand carries one operation and its reply channel into a
// containerActor.
type ContainerCommand struct {
	Kind ContainerCommandKind

	BundlePath string
	Image      string
	Command    []string
	Signal     string

	EventSub chan models.Event

	Reply chan ContainerResult
}

// ContainerResult is returned on a ContainerCommand's reply channel.
type ContainerResult struct {
	Record *models.ContainerRecord
	Err    error
}
