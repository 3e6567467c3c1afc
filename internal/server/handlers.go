package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/solastral/reverie/internal/checkpoint"
	"github.com/solastral/reverie/internal/config"
	"github.com/solastral/reverie/internal/memory"
	"github.com/solastral/reverie/internal/storage"
	"github.com/solastral/reverie/pkg/types"
)

// apiHandlers contains the HTTP handlers for the REST API.
type apiHandlers struct {
	memory      *memory.Manager
	checkpoints *checkpoint.Engine
	config      *config.Config
	db          *sql.DB // Optional, for settings persistence
	hub         *ActivityHub
}

func newAPIHandlers(mgr *memory.Manager, engine *checkpoint.Engine, cfg *config.Config, db *sql.DB, hub *ActivityHub) *apiHandlers {
	return &apiHandlers{
		memory:      mgr,
		checkpoints: engine,
		config:      cfg,
		db:          db,
		hub:         hub,
	}
}

// ErrorResponse is the JSON shape of every error reply.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SaveRecordRequest is the request body for creating or updating a record.
type SaveRecordRequest struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
	Project string `json:"project,omitempty"`
	Version int64  `json:"version,omitempty"` // Required for updates
}

// CreateRecord handles POST /api/records.
func (h *apiHandlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req SaveRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required", nil)
		return
	}
	if req.Project == "" {
		req.Project = h.config.User.DefaultProject
	}

	record, err := h.memory.Save(r.Context(), req.Content, memory.SaveOptions{
		Type:    types.RecordType(req.Type),
		Project: req.Project,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid record", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to save record", err)
		return
	}

	respondJSON(w, http.StatusCreated, record)
}

// UpdateRecord handles PUT /api/records/{id} - version-checked content update.
func (h *apiHandlers) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "record ID is required", nil)
		return
	}

	var req SaveRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required", nil)
		return
	}
	if req.Version <= 0 {
		respondError(w, http.StatusBadRequest, "version is required for updates", nil)
		return
	}

	record, err := h.memory.Save(r.Context(), req.Content, memory.SaveOptions{
		ID:      id,
		Version: req.Version,
		Type:    types.RecordType(req.Type),
		Project: req.Project,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			respondError(w, http.StatusConflict, "version conflict", err)
		case errors.Is(err, storage.ErrNotFound):
			respondError(w, http.StatusNotFound, "record not found", err)
		case errors.Is(err, storage.ErrInvalidInput):
			respondError(w, http.StatusBadRequest, "invalid record", err)
		default:
			respondError(w, http.StatusInternalServerError, "failed to update record", err)
		}
		return
	}

	respondJSON(w, http.StatusOK, record)
}

// GetRecord handles GET /api/records/{id}.
func (h *apiHandlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "record ID is required", nil)
		return
	}

	record, err := h.memory.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get record", err)
		return
	}

	respondJSON(w, http.StatusOK, record)
}

// DeleteRecord handles DELETE /api/records/{id} - soft delete.
func (h *apiHandlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "record ID is required", nil)
		return
	}

	if err := h.memory.SoftDelete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete record", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// QueryResponse wraps query results with the request echo.
type QueryResponse struct {
	Query   string               `json:"query"`
	Results []memory.QueryResult `json:"results"`
	Count   int                  `json:"count"`
}

// QueryRecords handles GET /api/query?q=...&limit=...&type=...&project=...
func (h *apiHandlers) QueryRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		respondError(w, http.StatusBadRequest, "query parameter q is required", nil)
		return
	}

	opts := memory.QueryOptions{
		Limit:   parseInt(r.URL.Query().Get("limit"), 10),
		Type:    types.RecordType(r.URL.Query().Get("type")),
		Project: r.URL.Query().Get("project"),
	}

	results, err := h.memory.Query(r.Context(), q, opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	if results == nil {
		results = []memory.QueryResult{}
	}

	respondJSON(w, http.StatusOK, QueryResponse{Query: q, Results: results, Count: len(results)})
}

// RunRepair handles POST /api/repair.
func (h *apiHandlers) RunRepair(w http.ResponseWriter, r *http.Request) {
	report, err := h.memory.Repair(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "repair failed", err)
		return
	}

	h.hub.Broadcast(ActivityEvent{
		Type:   EventRepairRun,
		Detail: fmt.Sprintf("requeued %d, purged %d embeddings", report.Requeued, report.EmbeddingsPurged),
	})
	respondJSON(w, http.StatusOK, report)
}

// ListCheckpoints handles GET /api/checkpoints - newest first.
func (h *apiHandlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	batches, err := h.checkpoints.ListBatches(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list checkpoints", err)
		return
	}
	if batches == nil {
		batches = []*types.CheckpointBatch{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": batches,
		"count":       len(batches),
	})
}

// GetCheckpoint handles GET /api/checkpoints/{id}.
func (h *apiHandlers) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "checkpoint ID is required", nil)
		return
	}

	batch, err := h.checkpoints.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrBatchNotFound) {
			respondError(w, http.StatusNotFound, "checkpoint not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get checkpoint", err)
		return
	}

	respondJSON(w, http.StatusOK, batch)
}

// RollbackCheckpoint handles POST /api/checkpoints/{id}/rollback.
func (h *apiHandlers) RollbackCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "checkpoint ID is required", nil)
		return
	}

	report, err := h.checkpoints.Rollback(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, checkpoint.ErrBatchNotFound):
			respondError(w, http.StatusNotFound, "checkpoint not found", err)
		case errors.Is(err, checkpoint.ErrBatchOpen):
			respondError(w, http.StatusConflict, "checkpoint batch is still open", err)
		default:
			respondError(w, http.StatusInternalServerError, "rollback failed", err)
		}
		return
	}

	h.hub.Broadcast(ActivityEvent{
		Type:    EventCheckpointRollback,
		BatchID: id,
		Detail:  fmt.Sprintf("%d reversed, %d conflicts", len(report.Reversed), len(report.Failed)),
	})
	respondJSON(w, http.StatusOK, report)
}

// UserConfigResponse is the JSON shape of the persisted user settings.
type UserConfigResponse struct {
	DefaultProject string `json:"default_project"`
}

// GetUserConfig handles GET /api/config/user.
func (h *apiHandlers) GetUserConfig(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		respondJSON(w, http.StatusOK, UserConfigResponse{DefaultProject: h.config.User.DefaultProject})
		return
	}

	cfg, err := config.LoadConfigFromDB(h.db)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load user config", err)
		return
	}
	respondJSON(w, http.StatusOK, UserConfigResponse{DefaultProject: cfg.User.DefaultProject})
}

// PostUserConfig handles POST /api/config/user - persists user settings.
func (h *apiHandlers) PostUserConfig(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		respondError(w, http.StatusServiceUnavailable, "settings persistence unavailable", nil)
		return
	}

	var req UserConfigResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}

	h.config.User.DefaultProject = req.DefaultProject
	if err := h.config.SaveConfig(h.db); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save user config", err)
		return
	}

	respondJSON(w, http.StatusOK, UserConfigResponse{DefaultProject: req.DefaultProject})
}

// parseInt parses s as an int, returning defaultValue on absence or failure.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already sent; nothing to do but log.
		log.Printf("server: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}
