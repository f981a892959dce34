// Package api exposes HTTP handlers for the timelog service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"example.com/timelog/internal/domain"
	"example.com/timelog/internal/engine"
	"example.com/timelog/internal/instant"
	"example.com/timelog/internal/merge"
)

// Handler coordinates HTTP requests with the timelog engine.
type Handler struct {
	engine *engine.Engine
}

// NewHandler builds a Handler.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{engine: eng}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/timelogs", h.timelogs)
	mux.HandleFunc("/v1/timelogs/", h.timelogByID)
	mux.HandleFunc("/v1/timelogs/active", h.activeSession)
	mux.HandleFunc("/v1/timelogs/stream", h.stream)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) timelogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createTimeLog(w, r)
	case http.MethodGet:
		h.listTimeLogs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) timelogByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/timelogs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing timelog id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getTimeLog(w, r, id)
	case http.MethodPatch:
		h.patchTimeLog(w, r, id)
	case http.MethodDelete:
		h.deleteTimeLog(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) createTimeLog(w http.ResponseWriter, r *http.Request) {
	var req CreateTimeLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	id, err := h.engine.Create(r.Context(), engine.Entry{
		ID:              req.ID,
		OwnerKey:        req.DriverKey,
		OwnerID:         req.DriverID,
		OwnerEmail:      req.DriverEmail,
		OwnerName:       req.DriverName,
		SubjectRef:      req.RideID,
		Mode:            req.Mode,
		Start:           req.Start,
		End:             req.End,
		LoggedAt:        req.LoggedAt,
		Duration:        req.Duration,
		Status:          req.Status,
		Note:            req.Note,
		SessionNote:     req.SessionNote,
		TripRefs:        req.TripIDs,
		IsNonRideTask:   req.IsNonRideTask,
		IsMultipleRides: req.IsMultipleRides,
		IsPaused:        req.IsPaused,
		PausedAt:        req.PausedAt,
		TotalPausedMS:   req.TotalPausedMS,
		Source:          req.Source,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateTimeLogResponse{TimeLogID: id})
}

func (h *Handler) getTimeLog(w http.ResponseWriter, r *http.Request, id string) {
	record, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimeLogView(*record))
}

func (h *Handler) patchTimeLog(w http.ResponseWriter, r *http.Request, id string) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "empty patch")
		return
	}

	if err := h.engine.Patch(r.Context(), id, fields); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteTimeLog(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.engine.Remove(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTimeLogs(w http.ResponseWriter, r *http.Request) {
	keys, opts, err := querySelector(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	records, err := h.engine.Snapshot(r.Context(), keys, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]TimeLogView, 0, len(records))
	for _, record := range records {
		items = append(items, toTimeLogView(record))
	}
	writeJSON(w, http.StatusOK, ListTimeLogsResponse{Items: items})
}

func (h *Handler) activeSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	keys, _, err := querySelector(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if len(keys) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "at least one identity parameter is required")
		return
	}

	record, err := h.engine.ActiveSession(r.Context(), keys)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if record == nil {
		writeJSON(w, http.StatusOK, ActiveSessionResponse{Active: false})
		return
	}
	view := toTimeLogView(*record)
	writeJSON(w, http.StatusOK, ActiveSessionResponse{Active: true, Session: &view})
}

// stream pushes the merged live view over server-sent events. Each emission
// carries the full sorted window as one data frame.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	keys, opts, err := querySelector(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The callbacks run serialised under the subscription lock, so writing
	// to the response without extra locking is safe.
	sub, err := h.engine.Subscribe(r.Context(), keys, opts,
		func(records []domain.TimeRecord) {
			items := make([]TimeLogView, 0, len(records))
			for _, record := range records {
				items = append(items, toTimeLogView(record))
			}
			payload, err := json.Marshal(items)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: rows\ndata: %s\n\n", payload)
			flusher.Flush()
		},
		func(err error) {
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
			flusher.Flush()
		},
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	defer sub.Close()

	<-r.Context().Done()
}

// querySelector translates identity query parameters into the fan-out key
// set. An email parameter targets both owner email fields.
func querySelector(r *http.Request) ([]merge.IdentityKey, merge.Options, error) {
	q := r.URL.Query()

	var keys []merge.IdentityKey
	add := func(field, param string) {
		if value := strings.TrimSpace(q.Get(param)); value != "" {
			keys = append(keys, merge.IdentityKey{Field: field, Value: value})
		}
	}
	add("driverKey", "driver_key")
	add("driverId", "driver_id")
	add("userId", "user_id")
	add("driverEmail", "email")
	add("userEmail", "email")

	opts := merge.Options{SubjectRef: strings.TrimSpace(q.Get("ride_id"))}
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, merge.Options{}, errors.New("invalid limit")
		}
		opts.WindowSize = parsed
	}
	return keys, opts, nil
}

// CreateTimeLogRequest is the payload for POST /v1/timelogs. Instant fields
// accept any coercible form: RFC3339 strings, epoch numbers, seconds and
// nanoseconds pairs, or the "server" sentinel.
type CreateTimeLogRequest struct {
	ID              string   `json:"id"`
	DriverKey       string   `json:"driver_key"`
	DriverID        string   `json:"driver_id"`
	DriverEmail     string   `json:"driver_email"`
	DriverName      string   `json:"driver_name"`
	RideID          string   `json:"ride_id"`
	Mode            string   `json:"mode"`
	Start           any      `json:"start"`
	End             any      `json:"end"`
	LoggedAt        any      `json:"logged_at"`
	Duration        any      `json:"duration"`
	Status          string   `json:"status"`
	Note            string   `json:"note"`
	SessionNote     string   `json:"session_note"`
	TripIDs         []string `json:"trip_ids"`
	IsNonRideTask   any      `json:"is_non_ride_task"`
	IsMultipleRides any      `json:"is_multiple_rides"`
	IsPaused        any      `json:"is_paused"`
	PausedAt        any      `json:"paused_at"`
	TotalPausedMS   any      `json:"total_paused_ms"`
	Source          string   `json:"source"`
}

// CreateTimeLogResponse describes the response body for create.
type CreateTimeLogResponse struct {
	TimeLogID string `json:"timelog_id"`
}

// TimeLogView exposes the normalized shape of a time record.
type TimeLogView struct {
	TimeLogID       string           `json:"timelog_id"`
	DriverKey       string           `json:"driver_key"`
	DriverID        string           `json:"driver_id,omitempty"`
	DriverName      string           `json:"driver_name,omitempty"`
	DriverEmail     string           `json:"driver_email,omitempty"`
	RideID          string           `json:"ride_id,omitempty"`
	Mode            string           `json:"mode"`
	IsNonRideTask   bool             `json:"is_non_ride_task"`
	IsMultipleRides bool             `json:"is_multiple_rides"`
	Start           *instant.Instant `json:"start,omitempty"`
	End             *instant.Instant `json:"end,omitempty"`
	DurationMinutes *int             `json:"duration_minutes,omitempty"`
	Status          string           `json:"status"`
	Note            string           `json:"note,omitempty"`
	SessionNote     string           `json:"session_note,omitempty"`
	TripIDs         []string         `json:"trip_ids,omitempty"`
	IsPaused        bool             `json:"is_paused"`
	PausedAt        *instant.Instant `json:"paused_at,omitempty"`
	TotalPausedMS   int64            `json:"total_paused_ms,omitempty"`
}

// ListTimeLogsResponse packages snapshot results.
type ListTimeLogsResponse struct {
	Items []TimeLogView `json:"items"`
}

// ActiveSessionResponse reports whether an open session exists.
type ActiveSessionResponse struct {
	Active  bool         `json:"active"`
	Session *TimeLogView `json:"session,omitempty"`
}

func writeEngineError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	var persistence *domain.PersistenceError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", validation.Error())
	case errors.Is(err, domain.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found", "timelog not found")
	case errors.As(err, &persistence):
		writeError(w, http.StatusBadGateway, "persistence_failed", persistence.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toTimeLogView(record domain.TimeRecord) TimeLogView {
	return TimeLogView{
		TimeLogID:       record.ID,
		DriverKey:       record.OwnerKey,
		DriverID:        record.OwnerID,
		DriverName:      record.OwnerName,
		DriverEmail:     record.OwnerEmail,
		RideID:          record.SubjectRef,
		Mode:            string(record.Mode),
		IsNonRideTask:   record.IsNonRideTask,
		IsMultipleRides: record.IsMultipleRides,
		Start:           record.Start,
		End:             record.End,
		DurationMinutes: record.DurationMinutes,
		Status:          string(record.Status),
		Note:            record.Note,
		SessionNote:     record.SessionNote,
		TripIDs:         record.TripRefs,
		IsPaused:        record.IsPaused,
		PausedAt:        record.PausedAt,
		TotalPausedMS:   record.TotalPausedMS,
	}
}
