package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"feos/pkg/defaults"
	"feos/pkg/dispatcher"
	"feos/pkg/models"
)

type eventResponse struct {
	Kind       string `json:"kind"`
	WorkloadID string `json:"workload_id"`
	ExitCode   int    `json:"exit_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

func renderEvent(evt models.Event) eventResponse {
	return eventResponse{
		Kind:       evt.Kind.String(),
		WorkloadID: evt.WorkloadID.String(),
		ExitCode:   evt.ExitCode,
		Reason:     string(evt.Reason),
		PID:        evt.PID,
	}
}

// writeSSEEvent writes evt as a single SSE "data:" event (spec §4.8:
// "pipes messages until the client cancels or the workload terminates").
func writeSSEEvent(w http.ResponseWriter, evt models.Event) error {
	body, err := json.Marshal(renderEvent(evt))
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return err
	}

	return nil
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if ok {
		flusher.Flush()
	}

	return flusher, ok
}

func (s *Server) handleStreamVmEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseWorkloadID(w, r)
	if !ok {
		return
	}

	sub := make(chan models.Event, defaults.EventMailboxCapacity)

	res := s.dispatcher.SubmitVm(r.Context(), id, dispatcher.VmCommand{Kind: dispatcher.VmCmdStreamEvents, EventSub: sub})
	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	flusher, canFlush := startSSE(w)

	for {
		select {
		case evt, open := <-sub:
			if !open {
				return
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}

			if canFlush {
				flusher.Flush()
			}

			if evt.IsTerminal() {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleStreamContainerEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseContainerID(w, r)
	if !ok {
		return
	}

	sub := make(chan models.Event, defaults.EventMailboxCapacity)

	res := s.dispatcher.SubmitContainer(r.Context(), id, dispatcher.ContainerCommand{Kind: dispatcher.ContainerCmdStreamEvents, EventSub: sub})
	if res.Err != nil {
		s.writeAPIError(w, res.Err)

		return
	}

	flusher, canFlush := startSSE(w)

	for {
		select {
		case evt, open := <-sub:
			if !open {
				return
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}

			if canFlush {
				flusher.Flush()
			}

			if evt.IsTerminal() {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

// handleStreamVmConsole relays the VM's raw console bytes to the client
// until it disconnects (spec §4.1, "the process socket remains open"). This
// is a read-only passthrough, so it talks to Vmm directly rather than
// going through the dispatcher's command channel.
func (s *Server) handleStreamVmConsole(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseWorkloadID(w, r)
	if !ok {
		return
	}

	console, err := s.vmm.ConsoleStream(r.Context(), id)
	if err != nil {
		s.writeAPIError(w, err)

		return
	}

	defer console.Close()

	w.Header().Set("Content-Type", "application/octet-stream")

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, console); err != nil {
		s.logger.WithError(err).Debug("console stream ended")
	}
}
