package models

import "feos/pkg/ids"

// ContainerState is the state machine driven by the dispatcher for a
// container (spec §3).
type ContainerState int

const (
	ContainerCreated ContainerState = iota
	ContainerRunning
	ContainerExited
	ContainerFailed
)

func (s ContainerState) String() string {
	switch s {
	case ContainerCreated:
		return "Created"
	case ContainerRunning:
		return "Running"
	case ContainerExited:
		return "Exited"
	case ContainerFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ContainerRecord is the dispatcher-owned record for a single container
// (spec §3).
type ContainerRecord struct {
	ID           ids.ContainerId
	BundlePath   string
	Image        string
	Command      []string
	State        ContainerState
	PID          *int
	ExitCode     *int
	FailedReason FailureReason
}

// Snapshot returns a copy safe to hand to readers outside the owning
// dispatcher.
func (c *ContainerRecord) Snapshot() *ContainerRecord {
	if c == nil {
		return nil
	}

	cp := *c

	if c.PID != nil {
		pid := *c.PID
		cp.PID = &pid
	}

	if c.ExitCode != nil {
		code := *c.ExitCode
		cp.ExitCode = &code
	}

	cp.Command = append([]string(nil), c.Command...)

	return &cp
}

// IsolatedPodRecord holds the micro-VM backing an isolated pod and the
// containers nested inside it (spec §3). It is destroyed only after the VM
// is destroyed.
type IsolatedPodRecord struct {
	VM         *VmRecord
	Containers []*ContainerRecord
	// InnerIDs maps a container's ID in this record to the guest agent's
	// own container id for that workload (spec §4.7).
	InnerIDs map[ids.ContainerId]string
}
