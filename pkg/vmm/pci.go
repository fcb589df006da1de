package vmm

import (
	"fmt"
	"os"
	"strings"

	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
)

// bindVfioPci drives the sysfs sequence spec §4.1/§6 describes for PCI
// passthrough: read the device's vendor/device pair, write it to
// vfio-pci's new_id table (idempotently, ignoring EEXIST), so the kernel
// rebinds the device to vfio-pci ahead of the vm.add-device call.
func bindVfioPci(bdf string) error {
	base := "/sys/bus/pci/devices/" + bdf

	vendor, err := readSysfsHex(base + "/vendor")
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "reading pci vendor for "+bdf, err)
	}

	device, err := readSysfsHex(base + "/device")
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "reading pci device for "+bdf, err)
	}

	newID := fmt.Sprintf("%s %s\n", vendor, device)

	err = os.WriteFile("/sys/bus/pci/drivers/vfio-pci/new_id", []byte(newID), 0o200)
	if err != nil && !os.IsExist(err) && !strings.Contains(err.Error(), "exists") {
		return feoserrors.Wrap(feoserrors.KindInternal, "binding vfio-pci for "+bdf, err)
	}

	return nil
}

// enableSRIOV is the optional sysfs write named in spec §6: it sets an
// SR-IOV physical function's virtual-function count. No code path calls
// it; AddNet's passthrough path only binds the BDF to vfio-pci.
func enableSRIOV(ifaceName string, numVFs int) error {
	path := fmt.Sprintf("/sys/class/net/%s/device/sriov_numvfs", ifaceName)

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", numVFs)), 0o200); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "setting sriov_numvfs for "+ifaceName, err)
	}

	return nil
}

func readSysfsHex(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")), nil
}

func errNotInitialised(id ids.WorkloadId) error {
	return feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
}

func errInvalidNicKind() error {
	return feoserrors.New(feoserrors.KindInvalidArgument, "unsupported nic attachment kind")
}
