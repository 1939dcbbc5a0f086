package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/oszuidwest/minutememo-recorder/internal/audio"
	"github.com/oszuidwest/minutememo-recorder/internal/eventlog"
	"github.com/oszuidwest/minutememo-recorder/internal/recording"
	"github.com/oszuidwest/minutememo-recorder/internal/server"
	"github.com/oszuidwest/minutememo-recorder/internal/types"
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseJSON reads, parses and validates JSON from the request body.
// An empty body decodes to the zero value. Returns the parsed value and
// true on success; on failure the error response has already been written.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return v, false
		}
	}
	if err := server.Validate(&v); err != nil {
		ve := server.ValidationErrors(err)
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error(), "errors": ve.Errors})
		return v, false
	}
	return v, true
}

// statusForError maps recorder errors to HTTP status codes.
func statusForError(err error) int {
	var regErr *recording.RegistrationError
	var stageErr *recording.StageError
	switch {
	case errors.Is(err, recording.ErrAlreadyRecording),
		errors.Is(err, recording.ErrNotRecording),
		errors.Is(err, recording.ErrStageRunning):
		return http.StatusConflict
	case errors.Is(err, recording.ErrMissingTarget):
		return http.StatusBadRequest
	case errors.Is(err, recording.ErrPipelineNotFound):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrPermissionDenied),
		errors.Is(err, audio.ErrDeviceUnavailable),
		errors.Is(err, audio.ErrNoAudioDevice):
		return http.StatusServiceUnavailable
	case errors.As(err, &regErr), errors.As(err, &stageErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeRecorderError(w http.ResponseWriter, err error) {
	s.writeError(w, statusForError(err), recording.UserMessage(err))
}

// handleAPIStartRecording starts a recording for a meeting session.
// POST /api/recording/start
func (s *Server) handleAPIStartRecording(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.StartRecordingRequest](s, w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), server.StartTimeout)
	defer cancel()
	if err := s.recorder.Start(ctx, req.Target()); err != nil {
		s.writeRecorderError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.recorder.Status())
}

// handleAPIStopRecording stops the active recording. Finalization continues
// in the background.
// POST /api/recording/stop
func (s *Server) handleAPIStopRecording(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), server.StopTimeout)
	defer cancel()
	if err := s.recorder.Stop(ctx); err != nil {
		s.writeRecorderError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.recorder.Status())
}

// handleAPIRecordingStatus returns the live recorder status.
// GET /api/recording/status
func (s *Server) handleAPIRecordingStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.recorder.Status())
}

// GET /api/pipelines
func (s *Server) handleAPIListPipelines(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pipelines":     s.recorder.Pipelines(),
		"manual_stages": s.recorder.ManualStages(),
	})
}

// GET /api/pipelines/{id}
func (s *Server) handleAPIGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.recorder.Pipeline(r.PathValue("id"))
	if err != nil {
		s.writeRecorderError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// handleAPIRetryStage reruns one finalization stage in the background.
// POST /api/pipelines/{id}/stages/{stage}/retry
func (s *Server) handleAPIRetryStage(w http.ResponseWriter, r *http.Request) {
	stage, ok := types.ParseStage(r.PathValue("stage"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Unknown stage: "+r.PathValue("stage"))
		return
	}
	id := r.PathValue("id")
	if err := s.recorder.RetryStage(id, stage); err != nil {
		s.writeRecorderError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"recording_id": id, "stage": string(stage)})
}

// handleAPIDevices returns available audio devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": audio.Devices(),
		"input":   s.config.AudioInput(),
	})
}

// handleAPIEvents returns the most recent entries of the event log.
// GET /api/events?filter=chunk&limit=50&offset=0
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := server.EventsViewRequest{Filter: q.Get("filter")}
	var err error
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.Atoi(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "offset must be a number")
			return
		}
	}
	if err := server.Validate(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := req.Limit
	if limit == 0 {
		limit = server.DefaultLogEvents
	}
	events, hasMore, err := eventlog.ReadLast(s.eventLogPath, limit, req.Offset, eventlog.TypeFilter(req.Filter))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to read event log")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "has_more": hasMore})
}
