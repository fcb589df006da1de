package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"feos/pkg/ids"
	"feos/pkg/models"
)

type createPodRequest struct {
	Image   string   `json:"image"`
	Command []string `json:"command"`
}

type podResponse struct {
	VM         vmResponse          `json:"vm"`
	Containers []containerResponse `json:"containers"`
}

func renderPod(r *models.IsolatedPodRecord) podResponse {
	containers := make([]containerResponse, len(r.Containers))
	for i, c := range r.Containers {
		containers[i] = renderContainer(c)
	}

	return podResponse{VM: renderVm(r.VM), Containers: containers}
}

func (s *Server) handleCreatePod(w http.ResponseWriter, r *http.Request) {
	var req createPodRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid JSON body")

		return
	}

	if req.Image == "" {
		s.writeBadRequest(w, "image is required")

		return
	}

	record, err := s.pods.CreateIsolatedPod(r.Context(), req.Image, req.Command)
	if err != nil {
		s.writeAPIError(w, err)

		return
	}

	s.writeJSON(w, http.StatusCreated, renderPod(record))
}

func (s *Server) podAndContainerIDs(w http.ResponseWriter, r *http.Request) (ids.WorkloadId, ids.ContainerId, bool) {
	podID, err := ids.ParseWorkloadId(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBadRequest(w, "malformed pod id")

		return ids.WorkloadId{}, ids.ContainerId{}, false
	}

	containerID, err := ids.ParseContainerId(chi.URLParam(r, "cid"))
	if err != nil {
		s.writeBadRequest(w, "malformed container id")

		return ids.WorkloadId{}, ids.ContainerId{}, false
	}

	return podID, containerID, true
}

func (s *Server) handleRunPodContainer(w http.ResponseWriter, r *http.Request) {
	podID, containerID, ok := s.podAndContainerIDs(w, r)
	if !ok {
		return
	}

	if err := s.pods.RunContainer(r.Context(), podID, containerID); err != nil {
		s.writeAPIError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type killPodContainerRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) handleKillPodContainer(w http.ResponseWriter, r *http.Request) {
	podID, containerID, ok := s.podAndContainerIDs(w, r)
	if !ok {
		return
	}

	var req killPodContainerRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeBadRequest(w, "invalid JSON body")

			return
		}
	}

	if req.Signal == "" {
		req.Signal = "SIGTERM"
	}

	if err := s.pods.KillContainer(r.Context(), podID, containerID, req.Signal); err != nil {
		s.writeAPIError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatePodContainer(w http.ResponseWriter, r *http.Request) {
	podID, containerID, ok := s.podAndContainerIDs(w, r)
	if !ok {
		return
	}

	state, err := s.pods.StateContainer(r.Context(), podID, containerID)
	if err != nil {
		s.writeAPIError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

func (s *Server) handleDeletePodContainer(w http.ResponseWriter, r *http.Request) {
	podID, containerID, ok := s.podAndContainerIDs(w, r)
	if !ok {
		return
	}

	if err := s.pods.DeleteContainer(r.Context(), podID, containerID); err != nil {
		s.writeAPIError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePod(w http.ResponseWriter, r *http.Request) {
	id, err := ids.ParseWorkloadId(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBadRequest(w, "malformed id")

		return
	}

	if err := s.pods.DeleteIsolatedPod(r.Context(), id); err != nil {
		s.writeAPIError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
