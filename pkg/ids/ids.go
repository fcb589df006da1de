// Package ids defines the process-unique 128-bit identifiers used for
// workloads and their nested containers (spec §3).
package ids

import (
	"github.com/google/uuid"
)

// WorkloadId identifies a VM top-level workload (containers use
// ContainerId). An isolated pod reuses its backing VM's WorkloadId.
type WorkloadId uuid.UUID

// NewWorkloadId generates a fresh random WorkloadId.
func NewWorkloadId() WorkloadId {
	return WorkloadId(uuid.New())
}

func (id WorkloadId) String() string {
	return uuid.UUID(id).String()
}

// ShortHex returns the first 8 hex characters, used to derive deterministic
// TAP names (spec §4.7: "feos-{first-8-hex}").
func (id WorkloadId) ShortHex() string {
	s := uuid.UUID(id).String()
	hex := ""
	for _, r := range s {
		if r == '-' {
			continue
		}
		hex += string(r)
		if len(hex) == 8 {
			break
		}
	}
	return hex
}

func (id WorkloadId) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// ParseWorkloadId parses a WorkloadId from its string form.
func ParseWorkloadId(s string) (WorkloadId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return WorkloadId{}, err
	}

	return WorkloadId(u), nil
}

// ContainerId identifies one container, either a top-level container or
// one nested inside an isolated pod.
type ContainerId uuid.UUID

// NewContainerId generates a fresh random ContainerId.
func NewContainerId() ContainerId {
	return ContainerId(uuid.New())
}

func (id ContainerId) String() string {
	return uuid.UUID(id).String()
}

// ParseContainerId parses a ContainerId from its string form.
func ParseContainerId(s string) (ContainerId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ContainerId{}, err
	}

	return ContainerId(u), nil
}
