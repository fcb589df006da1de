package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"feos/pkg/dispatcher"
	"feos/pkg/ids"
	"feos/pkg/models"
)

type createContainerRequest struct {
	BundlePath string   `json:"bundle_path"`
	Image      string   `json:"image"`
	Command    []string `json:"command"`
}

type containerResponse struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Image      string `json:"image"`
	BundlePath string `json:"bundle_path"`
	PID        *int   `json:"pid,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
}

func renderContainer(r *models.ContainerRecord) containerResponse {
	return containerResponse{
		ID:         r.ID.String(),
		State:      r.State.String(),
		Image:      r.Image,
		BundlePath: r.BundlePath,
		PID:        r.PID,
		ExitCode:   r.ExitCode,
	}
}

func (s *Server) parseContainerID(w http.ResponseWriter, r *http.Request) (ids.ContainerId, bool) {
	id, err := ids.ParseContainerId(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBadRequest(w, "malformed id")

		return ids.ContainerId{}, false
	}

	return id, true
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid JSON body")

		return
	}

	if req.Image == "" {
		s.writeBadRequest(w, "image is required")

		return
	}

	if req.BundlePath == "" {
		s.writeBadRequest(w, "bundle_path is required")

		return
	}

	id := ids.NewContainerId()

	res := s.dispatcher.SubmitContainer(r.Context(), id, dispatcher.ContainerCommand{
		Kind:       dispatcher.ContainerCmdCreate,
		BundlePath: req.BundlePath,
		Image:      req.Image,
		Command:    req.Command,
	})

	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	s.writeJSON(w, http.StatusCreated, renderContainer(res.Record))
}

func (s *Server) simpleContainerCommand(w http.ResponseWriter, r *http.Request, kind dispatcher.ContainerCommandKind) {
	id, ok := s.parseContainerID(w, r)
	if !ok {
		return
	}

	res := s.dispatcher.SubmitContainer(r.Context(), id, dispatcher.ContainerCommand{Kind: kind})
	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	s.writeJSON(w, http.StatusOK, renderContainer(res.Record))
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	s.simpleContainerCommand(w, r, dispatcher.ContainerCmdGet)
}

func (s *Server) handleStartContainer(w http.ResponseWriter, r *http.Request) {
	s.simpleContainerCommand(w, r, dispatcher.ContainerCmdStart)
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	s.simpleContainerCommand(w, r, dispatcher.ContainerCmdDelete)
}

type killContainerRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) handleKillContainer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseContainerID(w, r)
	if !ok {
		return
	}

	var req killContainerRequest

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

	res := s.dispatcher.SubmitContainer(r.Context(), id, dispatcher.ContainerCommand{Kind: dispatcher.ContainerCmdKill, Signal: req.Signal})
	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	s.writeJSON(w, http.StatusOK, renderContainer(res.Record))
}
