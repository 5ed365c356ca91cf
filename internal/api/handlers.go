package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/dispatch"
	"github.com/BTreeMap/ForwardPipe/internal/models"
	"github.com/BTreeMap/ForwardPipe/internal/store"
	"github.com/google/uuid"
)

// submitResult is the result body of POST /messages.
type submitResult struct {
	JobID string `json:"job_id"`
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	slog.Debug("Server.submitHandler: processing submit request", "remote_addr", r.RemoteAddr)

	var req models.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		slog.Warn("Server.submitHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	jobID, err := s.intake.Accept(r.Context(), req.ToInbound())
	switch {
	case err == nil:
	case isValidationError(err):
		slog.Warn("Server.submitHandler: validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatch.ErrClosed):
		writeBusy(w, "Service is shutting down")
		return
	case errors.Is(err, r.Context().Err()):
		slog.Warn("Server.submitHandler: request ended before a worker was free", "error", err)
		writeBusy(w, "All workers busy, try again")
		return
	default:
		slog.Error("Server.submitHandler: failed to accept message", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to accept message")
		return
	}

	slog.Info("Server.submitHandler: message accepted", "job_id", jobID, "origin", req.Origin)
	w.Header().Set("Location", "/jobs/"+jobID.String())
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(submitResult{JobID: jobID.String()}))
}

func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrEmptyOrigin, models.ErrOriginTooLong, models.ErrEmptyContent,
		models.ErrContentTooLong, models.ErrFutureTimestamp,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) jobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid job id")
		return
	}
	report, pending, ok := s.opts.Jobs.Lookup(id)
	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "Job not found or expired")
	case pending:
		writeJSONResponse(w, http.StatusAccepted, models.Accepted(submitResult{JobID: id.String()}))
	default:
		writeJSONResponse(w, http.StatusOK, models.Success(report))
	}
}

// admissionState describes the limiter in API responses.
type admissionState struct {
	Used          int    `json:"used"`
	Capacity      int    `json:"capacity"`
	Window        string `json:"window"`
	NextSlotAfter string `json:"next_slot_after"`
}

func (s *Server) admission() admissionState {
	return admissionState{
		Used:          s.limiter.CurrentCount(),
		Capacity:      s.limiter.Capacity(),
		Window:        s.limiter.Window().String(),
		NextSlotAfter: s.limiter.TimeUntilNextSlot().String(),
	}
}

func (s *Server) backlogStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := store.CollectStats(s.backlog, time.Now())
	if err != nil {
		slog.Error("Server.backlogStatsHandler: failed to collect backlog stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to collect backlog statistics")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"backlog":   stats,
		"admission": s.admission(),
	}))
}

// healthResult is the result body of GET /healthz.
type healthResult struct {
	Uptime        string         `json:"uptime"`
	Reachable     bool           `json:"reachable"`
	Connection    string         `json:"connection"`
	Description   string         `json:"description"`
	MonitorMode   string         `json:"monitor_mode"`
	LastCheckedAt time.Time      `json:"last_checked_at"`
	Admission     admissionState `json:"admission"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.network.Status()
	writeJSONResponse(w, http.StatusOK, models.Success(healthResult{
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		Reachable:     status.Reachable,
		Connection:    string(status.Kind),
		Description:   s.network.StatusDescription(),
		MonitorMode:   s.network.Mode(),
		LastCheckedAt: status.CheckedAt,
		Admission:     s.admission(),
	}))
}
