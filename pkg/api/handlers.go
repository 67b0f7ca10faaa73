package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/trialctl/pkg/lifecycle"
	"github.com/ethpandaops/trialctl/pkg/registry"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePreflight runs the host checks.
func (s *server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	report, err := s.checker.Run(r.Context())

	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, report)
}

func (s *server) handleListTrials(w http.ResponseWriter, r *http.Request) {
	listing, err := s.manager.ListEnvironments(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list trials")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, listing)
}

func (s *server) handleGetTrial(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	detail, err := s.manager.GetEnvironment(r.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"trial not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get trial")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, detail)
}

type createTrialRequest struct {
	Name       string `json:"name"`
	ClientCode string `json:"client_code"`
}

func (s *server) handleCreateTrial(w http.ResponseWriter, r *http.Request) {
	var req createTrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	outcome, err := s.manager.CreateEnvironment(r.Context(), req.ClientCode, req.Name)
	if err != nil {
		s.log.WithError(err).WithField("trial", req.Name).Warn("Create failed")
	}

	status := statusFor(outcome.Result)

	switch {
	case outcome.Result == lifecycle.ResultOK:
		status = http.StatusCreated
	case errors.Is(err, registry.ErrConflict):
		status = http.StatusConflict
	}

	writeJSON(w, status, outcome)
}

func (s *server) handleDeleteTrial(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	outcome, err := s.manager.DeleteEnvironment(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("id", id).Warn("Delete failed")
	}

	writeJSON(w, statusFor(outcome.Result), outcome)
}

// statusFor maps a workflow result to an HTTP status.
func statusFor(result lifecycle.Result) int {
	switch result {
	case lifecycle.ResultOK:
		return http.StatusOK
	case lifecycle.ResultValidation:
		return http.StatusBadRequest
	case lifecycle.ResultResolutionMiss, lifecycle.ResultNotFound:
		return http.StatusNotFound
	case lifecycle.ResultExternalFailure, lifecycle.ResultExternalFault:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return 0, false
	}

	return uint(id), true
}
