package vmm

import (
	"context"
	"net"

	"feos/pkg/ids"
	"feos/pkg/models"
)

// AddNet attaches a NIC to id, either by TAP name (the agent created the
// TAP externally, see pkg/network) or by PCI passthrough (spec §4.1).
func (s *Service) AddNet(ctx context.Context, id ids.WorkloadId, nic models.NicAttachment) error {
	e, ok := s.get(id)
	if !ok {
		return errNotInitialised(id)
	}

	switch nic.Kind {
	case models.NicTap:
		_, err := chCall(ctx, e.apiSocket, "PUT", "vm.add-net", vmAddNetBody{
			Tap:     nic.TapName,
			HostMAC: macString(nic.MAC),
		})

		return err

	case models.NicPciPassthru:
		if err := bindVfioPci(nic.BDF); err != nil {
			return err
		}

		_, err := chCall(ctx, e.apiSocket, "PUT", "vm.add-device", vmAddDeviceBody{
			Path: "/sys/bus/pci/devices/" + nic.BDF,
		})

		return err

	default:
		return errInvalidNicKind()
	}
}

func macString(mac net.HardwareAddr) string {
	if mac == nil {
		return ""
	}

	return mac.String()
}
