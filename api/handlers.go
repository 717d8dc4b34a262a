/*
handlers.go - HTTP API handlers for the schedule change engine

PURPOSE:
  Exposes the change detection and dispatch engine via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Cycles:
    POST   /api/users/{id}/cycle       Trigger a manual detection cycle
    GET    /api/users/{id}/cycles      Cycle audit history

  Snapshots:
    POST   /api/users/{id}/snapshot    Ingest a fresh schedule capture

  Preferences:
    GET    /api/users/{id}/preferences Read notification preferences
    PUT    /api/users/{id}/preferences Replace notification preferences

  Ledger:
    POST   /api/users/{id}/completed   Record completed job ids

  Digest:
    GET    /api/users/{id}/digest      View pending digest queue

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (dispatcher, store)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown user (no snapshot on record)
  - 409: Cycle already in progress for the user
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Background cycle / digest-flush loops
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/routewatch/schedule-engine/engine"
	"github.com/routewatch/schedule-engine/metrics"
	"github.com/routewatch/schedule-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Dispatcher *engine.Dispatcher
	Logger     *log.Logger
}

// NewHandler creates a new handler with the given store and dispatcher.
func NewHandler(store *sqlite.Store, dispatcher *engine.Dispatcher, logger *log.Logger) *Handler {
	return &Handler{Store: store, Dispatcher: dispatcher, Logger: logger}
}

// =============================================================================
// CYCLE ENDPOINTS
// =============================================================================

// TriggerCycle runs a manual detection cycle for one user.
// POST /api/users/{id}/cycle
func (h *Handler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required", nil)
		return
	}

	result, err := h.Dispatcher.RequestCycle(r.Context(), userID, engine.SourceManual)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrCycleInProgress):
			metrics.CyclesTotal.WithLabelValues(string(engine.SourceManual), "rejected").Inc()
			writeError(w, http.StatusConflict, "a cycle for this user is already running", err)
		case errors.Is(err, engine.ErrUnknownUser):
			writeError(w, http.StatusNotFound, "no snapshot on record for user", err)
		default:
			metrics.CyclesTotal.WithLabelValues(string(engine.SourceManual), "error").Inc()
			writeError(w, http.StatusInternalServerError, "cycle failed", err)
		}
		return
	}

	h.recordCycle(r, result)
	writeJSON(w, http.StatusOK, toCycleResultDTO(result))
}

// ListCycleRuns returns the most recent cycle audit entries for a user.
// GET /api/users/{id}/cycles?limit=N
func (h *Handler) ListCycleRuns(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListCycleRuns(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cycle runs", err)
		return
	}

	dtos := make([]CycleRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, CycleRunDTO{
			ID:         run.ID,
			Source:     string(run.Source),
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Summary:    run.Summary,
			Outcomes:   run.Outcomes,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// recordCycle persists the audit row and bumps the metrics for a finished
// cycle. Audit failures are logged, never surfaced to the caller.
func (h *Handler) recordCycle(r *http.Request, result *engine.CycleResult) {
	metrics.CyclesTotal.WithLabelValues(string(result.Source), "completed").Inc()
	metrics.CycleDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	for _, ch := range result.Channels {
		metrics.NotificationsTotal.WithLabelValues(ch.Channel, string(ch.Outcome)).Inc()
	}

	run := sqlite.CycleRun{
		ID:         result.CycleID,
		UserID:     result.UserID,
		Source:     result.Source,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Outcomes:   result.Channels,
	}
	if result.ChangeSet != nil {
		run.Summary = result.ChangeSet.Summary
		for _, rec := range result.ChangeSet.Records {
			metrics.ChangesDetected.WithLabelValues(string(rec.Kind())).Inc()
		}
	}
	if err := h.Store.SaveCycleRun(r.Context(), run); err != nil && h.Logger != nil {
		h.Logger.Printf("[API] failed to save cycle run %s: %v", result.CycleID, err)
	}
}

// =============================================================================
// SNAPSHOT ENDPOINTS
// =============================================================================

// IngestSnapshot stores a fresh schedule capture, demoting the previous one.
// POST /api/users/{id}/snapshot
func (h *Handler) IngestSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required", nil)
		return
	}

	var req IngestSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	snap := &engine.ScheduleSnapshot{
		OwnerUserID: userID,
		Jobs:        make(map[string]engine.JobRecord, len(req.Jobs)),
	}
	if req.CapturedAt != nil {
		snap.CapturedAt = req.CapturedAt.UTC()
	} else {
		snap.CapturedAt = time.Now().UTC()
	}

	for i, dto := range req.Jobs {
		if dto.ID == "" {
			writeError(w, http.StatusBadRequest, "job id is required for every job", nil)
			return
		}
		if _, dup := snap.Jobs[dto.ID]; dup {
			writeError(w, http.StatusBadRequest, "duplicate job id "+dto.ID, nil)
			return
		}
		date, err := engine.ParseVisitDate(dto.VisitDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid visit_date at index "+strconv.Itoa(i), err)
			return
		}
		snap.Jobs[dto.ID] = engine.JobRecord{
			ID:             dto.ID,
			StoreID:        dto.StoreID,
			StoreName:      dto.StoreName,
			Address:        dto.Address,
			VisitDate:      date,
			VisitTime:      dto.VisitTime,
			DispenserCount: dto.DispenserCount,
			ServiceList:    dto.ServiceList,
			Instructions:   dto.Instructions,
		}
	}

	if err := h.Store.Save(r.Context(), snap); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store snapshot", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":     userID,
		"captured_at": snap.CapturedAt,
		"job_count":   len(snap.Jobs),
	})
}

// =============================================================================
// PREFERENCE ENDPOINTS
// =============================================================================

// GetPreferences returns the stored preferences, or the defaults when the
// user never configured anything.
// GET /api/users/{id}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	prefs, err := h.Store.Preferences(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load preferences", err)
		return
	}

	writeJSON(w, http.StatusOK, PreferencesDTO{
		Cadence:        string(prefs.Cadence),
		MutedStoreIDs:  prefs.MutedStoreIDs,
		ServiceKeyword: prefs.ServiceKeyword,
	})
}

// UpdatePreferences replaces the stored preferences wholesale.
// PUT /api/users/{id}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required", nil)
		return
	}

	var dto PreferencesDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	cadence := engine.Cadence(dto.Cadence)
	if dto.Cadence == "" {
		cadence = engine.CadenceImmediate
	}
	if cadence != engine.CadenceImmediate && cadence != engine.CadenceDigest {
		writeError(w, http.StatusBadRequest, "cadence must be immediate or digest", nil)
		return
	}

	prefs := engine.Preferences{
		UserID:         userID,
		Cadence:        cadence,
		MutedStoreIDs:  dto.MutedStoreIDs,
		ServiceKeyword: dto.ServiceKeyword,
	}
	if err := h.Store.SavePreferences(r.Context(), prefs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save preferences", err)
		return
	}

	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

// AppendCompleted records completed job ids so their disappearance from a
// future snapshot is not reported as a removal.
// POST /api/users/{id}/completed
func (h *Handler) AppendCompleted(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required", nil)
		return
	}

	var req AppendCompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.JobIDs) == 0 {
		writeError(w, http.StatusBadRequest, "job_ids must not be empty", nil)
		return
	}

	if err := h.Store.AppendCompleted(r.Context(), userID, req.JobIDs...); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record completed jobs", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":  userID,
		"recorded": len(req.JobIDs),
	})
}

// =============================================================================
// DIGEST ENDPOINTS
// =============================================================================

// GetDigestQueue returns the change sets queued for the user's next digest.
// GET /api/users/{id}/digest
func (h *Handler) GetDigestQueue(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	pending, err := h.Store.PendingDigests(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load digest queue", err)
		return
	}

	dto := DigestQueueDTO{UserID: userID, Pending: make([]ChangeSetDTO, 0, len(pending))}
	for _, cs := range pending {
		dto.Pending = append(dto.Pending, toChangeSetDTO(cs))
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
