package models

import "feos/pkg/ids"

// EventKind enumerates the lifecycle events a WorkloadDispatcher publishes
// (spec §3).
type EventKind int

const (
	EventVmCreated EventKind = iota
	EventVmBooted
	EventVmStopped
	EventVmFailed
	EventVmDeleted
	EventContainerCreated
	EventContainerStarted
	EventContainerStopped
	EventContainerFailed
)

func (k EventKind) String() string {
	switch k {
	case EventVmCreated:
		return "VmCreated"
	case EventVmBooted:
		return "VmBooted"
	case EventVmStopped:
		return "VmStopped"
	case EventVmFailed:
		return "VmFailed"
	case EventVmDeleted:
		return "VmDeleted"
	case EventContainerCreated:
		return "ContainerCreated"
	case EventContainerStarted:
		return "ContainerStarted"
	case EventContainerStopped:
		return "ContainerStopped"
	case EventContainerFailed:
		return "ContainerFailed"
	default:
		return "Unknown"
	}
}

// Event is published by a WorkloadDispatcher and consumed by streaming RPCs
// and the optional persistence writer (spec §3).
type Event struct {
	Kind       EventKind
	WorkloadID ids.WorkloadId

	ExitCode int            // VmStopped, ContainerStopped, ContainerFailed
	Reason   FailureReason  // VmFailed, ContainerFailed
	PID      int            // ContainerCreated
}

// IsTerminal reports whether this event ends a workload's lifecycle, i.e.
// is the last event a streaming RPC delivers before closing (spec §7).
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case EventVmStopped, EventVmFailed, EventContainerStopped, EventContainerFailed:
		return true
	default:
		return false
	}
}
