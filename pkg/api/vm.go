package api

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"feos/pkg/dispatcher"
	"feos/pkg/ids"
	"feos/pkg/models"
)

const maxBodySize = 1 << 20

type bootRequest struct {
	Kind          string `json:"kind"`
	FirmwarePath  string `json:"firmware_path"`
	KernelPath    string `json:"kernel_path"`
	InitramfsPath string `json:"initramfs_path"`
	Cmdline       string `json:"cmdline"`
}

func (b bootRequest) toModel() models.Boot {
	if b.Kind == "kernel" {
		return models.Boot{
			Kind:          models.BootKernel,
			KernelPath:    b.KernelPath,
			InitramfsPath: b.InitramfsPath,
			Cmdline:       b.Cmdline,
		}
	}

	return models.Boot{Kind: models.BootFirmware, FirmwarePath: b.FirmwarePath}
}

type diskRequest struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"read_only"`
}

type nicRequest struct {
	Kind    string `json:"kind"`
	TapName string `json:"tap_name"`
	MAC     string `json:"mac"`
	BDF     string `json:"bdf"`
}

func (n nicRequest) toModel() models.NicAttachment {
	if n.Kind == "pci_passthru" {
		return models.NicAttachment{Kind: models.NicPciPassthru, BDF: n.BDF}
	}

	mac, _ := net.ParseMAC(n.MAC)

	return models.NicAttachment{Kind: models.NicTap, TapName: n.TapName, MAC: mac}
}

type createVmRequest struct {
	CPU         uint32        `json:"cpu"`
	MemoryBytes uint64        `json:"memory_bytes"`
	ImageID     string        `json:"image_id"`
	Boot        bootRequest   `json:"boot"`
	Disks       []diskRequest `json:"disks"`
	Nics        []nicRequest  `json:"nics"`
}

type vmResponse struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	CPU         uint32 `json:"cpu"`
	MemoryBytes uint64 `json:"memory_bytes"`
	ImageID     string `json:"image_id"`
	PID         *int   `json:"pid,omitempty"`
}

func renderVm(r *models.VmRecord) vmResponse {
	return vmResponse{
		ID:          r.ID.String(),
		State:       r.State.String(),
		CPU:         r.CPU,
		MemoryBytes: r.MemoryBytes,
		ImageID:     r.ImageID,
		PID:         r.PID,
	}
}

func (s *Server) handleCreateVm(w http.ResponseWriter, r *http.Request) {
	var req createVmRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid JSON body")

		return
	}

	if req.ImageID == "" {
		s.writeBadRequest(w, "image_id is required")

		return
	}

	if req.CPU == 0 {
		s.writeBadRequest(w, "cpu must be > 0")

		return
	}

	disks := make([]models.DiskAttachment, len(req.Disks))
	for i, d := range req.Disks {
		disks[i] = models.DiskAttachment{Path: d.Path, ReadOnly: d.ReadOnly}
	}

	nics := make([]models.NicAttachment, len(req.Nics))
	for i, n := range req.Nics {
		nics[i] = n.toModel()
	}

	id := ids.NewWorkloadId()

	res := s.dispatcher.SubmitVm(r.Context(), id, dispatcher.VmCommand{
		Kind:        dispatcher.VmCmdCreate,
		CPU:         req.CPU,
		MemoryBytes: req.MemoryBytes,
		ImageID:     req.ImageID,
		Boot:        req.Boot.toModel(),
		Disks:       disks,
		Nics:        nics,
	})

	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	s.writeJSON(w, http.StatusCreated, renderVm(res.Record))
}

func (s *Server) parseWorkloadID(w http.ResponseWriter, r *http.Request) (ids.WorkloadId, bool) {
	id, err := ids.ParseWorkloadId(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBadRequest(w, "malformed id")

		return ids.WorkloadId{}, false
	}

	return id, true
}

func (s *Server) simpleVmCommand(w http.ResponseWriter, r *http.Request, kind dispatcher.VmCommandKind) {
	id, ok := s.parseWorkloadID(w, r)
	if !ok {
		return
	}

	res := s.dispatcher.SubmitVm(r.Context(), id, dispatcher.VmCommand{Kind: kind})
	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	s.writeJSON(w, http.StatusOK, renderVm(res.Record))
}

func (s *Server) handleGetVm(w http.ResponseWriter, r *http.Request) {
	s.simpleVmCommand(w, r, dispatcher.VmCmdGet)
}

func (s *Server) handleStartVm(w http.ResponseWriter, r *http.Request) {
	s.simpleVmCommand(w, r, dispatcher.VmCmdStart)
}

func (s *Server) handlePauseVm(w http.ResponseWriter, r *http.Request) {
	s.simpleVmCommand(w, r, dispatcher.VmCmdPause)
}

func (s *Server) handleResumeVm(w http.ResponseWriter, r *http.Request) {
	s.simpleVmCommand(w, r, dispatcher.VmCmdResume)
}

func (s *Server) handleShutdownVm(w http.ResponseWriter, r *http.Request) {
	s.simpleVmCommand(w, r, dispatcher.VmCmdShutdown)
}

func (s *Server) handleDeleteVm(w http.ResponseWriter, r *http.Request) {
	s.simpleVmCommand(w, r, dispatcher.VmCmdDelete)
}

func (s *Server) handlePingVm(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseWorkloadID(w, r)
	if !ok {
		return
	}

	res := s.dispatcher.SubmitVm(r.Context(), id, dispatcher.VmCommand{Kind: dispatcher.VmCmdPing})
	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"build": res.PingInfo})
}

type attachDiskRequest struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"read_only"`
}

func (s *Server) handleAttachDisk(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseWorkloadID(w, r)
	if !ok {
		return
	}

	var req attachDiskRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid JSON body")

		return
	}

	if req.Path == "" {
		s.writeBadRequest(w, "path is required")

		return
	}

	res := s.dispatcher.SubmitVm(r.Context(), id, dispatcher.VmCommand{
		Kind:     dispatcher.VmCmdAttachDisk,
		DiskPath: req.Path,
		ReadOnly: req.ReadOnly,
	})

	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"disk_id": res.DiskID})
}

func (s *Server) handleRemoveDisk(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseWorkloadID(w, r)
	if !ok {
		return
	}

	diskID := chi.URLParam(r, "diskId")
	if diskID == "" {
		s.writeBadRequest(w, "disk id is required")

		return
	}

	res := s.dispatcher.SubmitVm(r.Context(), id, dispatcher.VmCommand{Kind: dispatcher.VmCmdRemoveDisk, DiskID: diskID})
	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	s.writeJSON(w, http.StatusOK, renderVm(res.Record))
}
