package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/arloliu/go-dnc/dnc"
	"github.com/arloliu/go-dnc/serialport"
	"github.com/arloliu/go-dnc/transfer"
)

const maxBodyBytes = 64 << 10

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("decode body: %v", err))
		return
	}

	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id, err := s.mgr.Submit(r.Context(), req)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	st, err := s.mgr.Status(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	w.Header().Set("Location", "/transfers/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{TransferID: id, Status: st})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Status(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Forget(r.PathValue("id")); err != nil {
		writeManagerError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.mgr.Cancel)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.mgr.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.mgr.Resume)
}

// control applies fn to the transfer and answers with its new status.
func (s *Server) control(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		writeManagerError(w, err)
		return
	}

	st, err := s.mgr.Status(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePrograms(w http.ResponseWriter, _ *http.Request) {
	progs, err := s.mgr.Programs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "program_dir_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, progs)
}

func (s *Server) handlePorts(w http.ResponseWriter, _ *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "port_enumeration_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ports)
}

type healthResponse struct {
	Status string `json:"status"`
	dnc.Health
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.mgr.Health()
	if h.ShuttingDown {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "shutting_down", Health: h})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Health: h})
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dnc.ErrTransferNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, dnc.ErrProgramNotFound):
		writeError(w, http.StatusNotFound, "program_not_found", err.Error())
	case errors.Is(err, dnc.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, serialport.ErrPortBusy):
		writeError(w, http.StatusConflict, "port_busy", err.Error())
	case errors.Is(err, dnc.ErrTransferActive):
		writeError(w, http.StatusConflict, "transfer_active", err.Error())
	case errors.Is(err, transfer.ErrPauseUnsupported):
		writeError(w, http.StatusConflict, "pause_unsupported", err.Error())
	case errors.Is(err, transfer.ErrNotRunning):
		writeError(w, http.StatusConflict, "not_running", err.Error())
	case errors.Is(err, dnc.ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
