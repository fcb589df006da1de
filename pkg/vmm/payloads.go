package vmm

import (
	"bytes"
	"encoding/json"
	"fmt"

	feoserrors "feos/pkg/errors"
	"feos/pkg/models"
)

// vmCreateBody is the JSON body for PUT vm.create (spec §6). Field names
// mirror the documented Cloud-Hypervisor API surface. Keeping a typed
// struct instead of building a map[string]any guards against field drift
// (spec §9's design note) on the way out. The body is not round-tripped and
// no vm.info response is read; the only response decoded with unknown
// fields rejected is GET vmm.ping (parsePingResponse).
type vmCreateBody struct {
	CPUs    vmCPUsConfig    `json:"cpus"`
	Memory  vmMemoryConfig  `json:"memory"`
	Payload vmPayloadConfig `json:"payload"`
	Disks   []vmDiskConfig  `json:"disks,omitempty"`
	Net     []vmNetConfig   `json:"net,omitempty"`
	Serial  vmConsoleConfig `json:"serial"`
	Console vmConsoleConfig `json:"console"`
}

type vmCPUsConfig struct {
	BootVCPUs uint32 `json:"boot_vcpus"`
	MaxVCPUs  uint32 `json:"max_vcpus"`
}

type vmMemoryConfig struct {
	SizeBytes uint64 `json:"size"`
}

type vmPayloadConfig struct {
	Firmware  string `json:"firmware,omitempty"`
	Kernel    string `json:"kernel,omitempty"`
	Initramfs string `json:"initramfs,omitempty"`
	Cmdline   string `json:"cmdline,omitempty"`
}

type vmDiskConfig struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readonly"`
}

type vmNetConfig struct {
	Tap     string `json:"tap,omitempty"`
	HostMAC string `json:"host_mac,omitempty"`
}

type vmConsoleConfig struct {
	Mode string `json:"mode"`
	Socket string `json:"socket,omitempty"`
}

func buildCreateBody(cpu uint32, memoryBytes uint64, boot models.Boot, disks []models.DiskAttachment, consoleSocket string) vmCreateBody {
	body := vmCreateBody{
		CPUs:   vmCPUsConfig{BootVCPUs: cpu, MaxVCPUs: cpu},
		Memory: vmMemoryConfig{SizeBytes: memoryBytes},
		Serial: vmConsoleConfig{Mode: "Off"},
		Console: vmConsoleConfig{Mode: "Socket", Socket: consoleSocket},
	}

	switch boot.Kind {
	case models.BootFirmware:
		body.Payload.Firmware = boot.FirmwarePath
	case models.BootKernel:
		body.Payload.Kernel = boot.KernelPath
		body.Payload.Initramfs = boot.InitramfsPath
		body.Payload.Cmdline = boot.Cmdline
	}

	for _, d := range disks {
		body.Disks = append(body.Disks, vmDiskConfig{Path: d.Path, ReadOnly: d.ReadOnly})
	}

	return body
}

// vmPingResponse is the body of GET vmm.ping.
type vmPingResponse struct {
	BuildVersion string `json:"build_version"`
}

func parsePingResponse(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var resp vmPingResponse
	if err := dec.Decode(&resp); err != nil {
		return "", feoserrors.Wrap(feoserrors.KindInternal, "decoding vmm.ping response", err)
	}

	if resp.BuildVersion == "" {
		return "", feoserrors.New(feoserrors.KindBackendRejected, "vmm.ping returned empty build string")
	}

	return resp.BuildVersion, nil
}

// vmAddNetBody is the body for PUT vm.add-net (TAP attachment, spec §4.1).
type vmAddNetBody struct {
	Tap     string `json:"tap"`
	HostMAC string `json:"host_mac,omitempty"`
}

// vmAddDeviceBody is the body for PUT vm.add-device (PCI passthrough, spec
// §4.1).
type vmAddDeviceBody struct {
	Path string `json:"path"`
}

// vmAddDiskBody/vmAddDiskResponse are the body/response for PUT
// vm.add-disk.
type vmAddDiskBody struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readonly"`
}

type vmAddDiskResponse struct {
	ID string `json:"id"`
}

func parseAddDiskResponse(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var resp vmAddDiskResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", feoserrors.Wrap(feoserrors.KindInternal, "decoding vm.add-disk response", err)
	}

	return resp.ID, nil
}

// vmRemoveDeviceBody is the body for PUT vm.remove-device.
type vmRemoveDeviceBody struct {
	ID string `json:"id"`
}

func pciDeviceID(bdf string) string {
	return fmt.Sprintf("pci-%s", bdf)
}
