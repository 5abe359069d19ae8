package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/logger"
	"github.com/ole-vi/prompt-sharing-sub002/internal/queue"
	"github.com/ole-vi/prompt-sharing-sub002/internal/version"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.errorResponse(w, r, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// ListQueue handles GET /api/v1/queue
func (s *Server) ListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.List(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to fetch queue", err)
		return
	}
	if items == nil {
		items = []*db.QueueItem{}
	}
	s.jsonResponse(w, http.StatusOK, QueueListResponse{Items: items, Total: len(items)})
}

// AddQueueItem handles POST /api/v1/queue
func (s *Server) AddQueueItem(w http.ResponseWriter, r *http.Request) {
	var req queue.AddRequest
	if !s.decode(w, r, &req) {
		return
	}

	item, err := s.queue.Add(r.Context(), UserIDFromContext(r.Context()), req)
	if err != nil {
		s.queueError(w, r, "Failed to add queue item", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, item)
}

// GetQueueItem handles GET /api/v1/queue/{id}
func (s *Server) GetQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.queueError(w, r, "Failed to fetch queue item", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, item)
}

// EditQueueItem handles PUT /api/v1/queue/{id}
func (s *Server) EditQueueItem(w http.ResponseWriter, r *http.Request) {
	var req queue.EditRequest
	if !s.decode(w, r, &req) {
		return
	}

	item, err := s.queue.Edit(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		s.queueError(w, r, "Failed to update queue item", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, item)
}

// DeleteQueueItem handles DELETE /api/v1/queue/{id}
func (s *Server) DeleteQueueItem(w http.ResponseWriter, r *http.Request) {
	err := s.queue.Delete(r.Context(), UserIDFromContext(r.Context()), []string{chi.URLParam(r, "id")})
	if err != nil {
		s.queueError(w, r, "Failed to delete queue item", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Queue item deleted"})
}

// DeleteQueueItems handles DELETE /api/v1/queue
func (s *Server) DeleteQueueItems(w http.ResponseWriter, r *http.Request) {
	var req IDsRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.queue.Delete(r.Context(), UserIDFromContext(r.Context()), req.IDs); err != nil {
		s.queueError(w, r, "Failed to delete queue items", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Queue items deleted"})
}

// ConvertQueueItem handles POST /api/v1/queue/{id}/convert
func (s *Server) ConvertQueueItem(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if !s.decode(w, r, &req) {
		return
	}

	userID := UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var item *db.QueueItem
	var err error
	switch req.To {
	case db.ItemTypeSingle:
		item, err = s.queue.ConvertToSingle(r.Context(), userID, id)
	case db.ItemTypeSubtasks:
		item, err = s.queue.ConvertToSubtasks(r.Context(), userID, id)
	default:
		s.errorResponse(w, r, http.StatusBadRequest, string(errInvalidConversion), nil)
		return
	}
	if err != nil {
		s.queueError(w, r, "Failed to convert queue item", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, item)
}

// DeleteSubtasks handles POST /api/v1/queue/{id}/subtasks/delete
func (s *Server) DeleteSubtasks(w http.ResponseWriter, r *http.Request) {
	var req SubtaskIndicesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Indices) == 0 {
		s.errorResponse(w, r, http.StatusBadRequest, string(errNoSubtasksSelected), nil)
		return
	}

	item, err := s.queue.DeleteSubtasks(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"), req.Indices)
	if err != nil {
		s.queueError(w, r, "Failed to delete subtasks", err)
		return
	}
	if item == nil {
		s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Queue item deleted"})
		return
	}
	s.jsonResponse(w, http.StatusOK, item)
}

// SplitQueueItem handles POST /api/v1/queue/{id}/split
func (s *Server) SplitQueueItem(w http.ResponseWriter, r *http.Request) {
	item, analysis, err := s.queue.Split(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNothingToSplit) {
		s.errorResponse(w, r, http.StatusUnprocessableEntity, analysis.Recommendation, err)
		return
	}
	if err != nil {
		s.queueError(w, r, "Failed to split queue item", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SplitResponse{Item: item, Analysis: analysis})
}

// AnalyzePrompt handles POST /api/v1/queue/analyze
func (s *Server) AnalyzePrompt(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.errorResponse(w, r, http.StatusBadRequest, string(errEmptyPrompt), nil)
		return
	}
	s.jsonResponse(w, http.StatusOK, queue.Analyze(req.Prompt))
}

// RunQueueItems handles POST /api/v1/queue/run
func (s *Server) RunQueueItems(w http.ResponseWriter, r *http.Request) {
	var req IDsRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.queue.Run(r.Context(), UserIDFromContext(r.Context()), req.IDs)
	if err != nil {
		s.queueError(w, r, "Failed to run queue items", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// RunSubtasks handles POST /api/v1/queue/{id}/subtasks/run
func (s *Server) RunSubtasks(w http.ResponseWriter, r *http.Request) {
	var req SubtaskIndicesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Indices) == 0 {
		s.errorResponse(w, r, http.StatusBadRequest, string(errNoSubtasksSelected), nil)
		return
	}

	res, err := s.queue.RunSubtasks(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"), req.Indices)
	if err != nil {
		s.queueError(w, r, "Failed to run subtasks", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// ScheduleQueueItems handles POST /api/v1/queue/schedule
func (s *Server) ScheduleQueueItems(w http.ResponseWriter, r *http.Request) {
	var req queue.ScheduleRequest
	if !s.decode(w, r, &req) {
		return
	}

	userID := UserIDFromContext(r.Context())
	if req.TimeZone == "" {
		req.TimeZone = s.queue.UserTimeZone(r.Context(), userID)
	}

	at, err := s.queue.Schedule(r.Context(), userID, req)
	if err != nil {
		s.queueError(w, r, "Failed to schedule queue items", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ScheduleResponse{ScheduledAt: at, TimeZone: req.TimeZone, Count: len(req.IDs)})
}

// UnscheduleQueueItems handles POST /api/v1/queue/unschedule
func (s *Server) UnscheduleQueueItems(w http.ResponseWriter, r *http.Request) {
	var req IDsRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.queue.Unschedule(r.Context(), UserIDFromContext(r.Context()), req.IDs); err != nil {
		s.queueError(w, r, "Failed to unschedule queue items", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Queue items unscheduled"})
}

// GetTimeZone handles GET /api/v1/settings/timezone
func (s *Server) GetTimeZone(w http.ResponseWriter, r *http.Request) {
	zone := s.queue.UserTimeZone(r.Context(), UserIDFromContext(r.Context()))
	s.jsonResponse(w, http.StatusOK, TimeZoneResponse{TimeZone: zone})
}

// UpdateTimeZone handles PUT /api/v1/settings/timezone
func (s *Server) UpdateTimeZone(w http.ResponseWriter, r *http.Request) {
	var req TimeZoneRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.queue.SetUserTimeZone(r.Context(), UserIDFromContext(r.Context()), req.TimeZone); err != nil {
		s.queueError(w, r, "Failed to update time zone", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, TimeZoneResponse{TimeZone: req.TimeZone})
}

// RunTick handles POST /api/v1/scheduler/tick
func (s *Server) RunTick(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.errorResponse(w, r, http.StatusServiceUnavailable, "Scheduler not configured", nil)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.scheduler.Tick(r.Context()))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// queueError maps store and service errors onto HTTP statuses
func (s *Server) queueError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.errorResponse(w, r, http.StatusNotFound, "Queue item not found", err)
	case errors.Is(err, db.ErrItemBusy):
		s.errorResponse(w, r, http.StatusConflict, "Queue item is being activated", err)
	case errors.Is(err, db.ErrItemChanged):
		s.errorResponse(w, r, http.StatusConflict, "Queue item changed, reload and try again", err)
	case errors.Is(err, queue.ErrNoAPIKey):
		s.errorResponse(w, r, http.StatusNotFound, "No Jules API key stored. Please save your API key first.", err)
	case errors.Is(err, queue.ErrRunUnavailable):
		s.errorResponse(w, r, http.StatusServiceUnavailable, message, err)
	case errors.Is(err, db.ErrInvalidItem),
		errors.Is(err, db.ErrInvalidSourceID),
		errors.Is(err, queue.ErrWrongType),
		errors.Is(err, queue.ErrScheduleInPast),
		errors.Is(err, queue.ErrInvalidTimeZone),
		errors.Is(err, queue.ErrInvalidSchedule),
		errors.Is(err, queue.ErrNoItemsSelected),
		errors.Is(err, queue.ErrConflictingEdits):
		s.errorResponse(w, r, http.StatusBadRequest, message, err)
	default:
		s.errorResponse(w, r, http.StatusInternalServerError, message, err)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
	}
	if err != nil {
		resp.Details = err.Error()
		if status >= http.StatusInternalServerError {
			logger.FromContext(r.Context(), s.logger).Error(message, "error", err)
		}
	}
	s.jsonResponse(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Validation errors
type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errEmptyPrompt        validationError = "promptText must be a non-empty string"
	errEmptyKey           validationError = "API key is required"
	errInvalidConversion  validationError = "Conversion target must be \"single\" or \"subtasks\""
	errNoSubtasksSelected validationError = "No subtasks selected"
	errInvalidSourceID    validationError = "Invalid sourceId format"
)
