// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/peak1031/go-crmsync/internal/auth"
)

// HTTPSyncHandlers provides the trigger and operational HTTP surface of the
// sync engine. Triggered runs execute asynchronously; the handlers only
// report run ids and audit state. Authentication happens upstream in
// JWTAuth.Middleware, which places the caller identity in the request
// context.
type HTTPSyncHandlers struct {
	orchestrator *Orchestrator
	audit        AuditLog
	appName      string
	logger       *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(orchestrator *Orchestrator, audit AuditLog, appName string, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		orchestrator: orchestrator,
		audit:        audit,
		appName:      appName,
		logger:       logger,
	}
}

// HandleTrigger starts a sync run for one entity type.
// POST /sync/trigger?entity=contacts&strategy=incremental
func (h *HTTPSyncHandlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "authentication required")
		return
	}

	entityType := r.URL.Query().Get("entity")
	if !IsValidEntityType(entityType) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "entity must be one of contacts, matters, tasks")
		return
	}

	strategy := r.URL.Query().Get("strategy")
	if strategy == "" {
		strategy = StrategyIncremental
	}
	if strategy != StrategyIncremental && strategy != StrategyFull {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "strategy must be incremental or full")
		return
	}

	// The run outlives the request; detach from its cancellation.
	runID, err := h.orchestrator.TriggerSync(context.WithoutCancel(r.Context()), entityType, strategy)
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			h.writeError(w, http.StatusConflict, "sync_in_progress", err.Error())
			return
		}
		h.logger.Error("Failed to trigger sync", "error", err, "entity_type", entityType, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "trigger_failed", "Failed to trigger sync")
		return
	}

	h.logger.Info("Sync triggered",
		"run_id", runID, "entity_type", entityType, "strategy", strategy, "user_id", userID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(TriggerResponse{
		SyncRunID:  runID,
		EntityType: entityType,
		Strategy:   strategy,
	})
}

// HandleListRuns lists recent sync runs for operational tooling.
// GET /sync/runs?entity=contacts&limit=50
func (h *HTTPSyncHandlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	if _, ok := auth.GetUserID(r.Context()); !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "authentication required")
		return
	}

	entityType := r.URL.Query().Get("entity")
	if entityType != "" && !IsValidEntityType(entityType) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "unknown entity type")
		return
	}

	limit := 100
	if ls := r.URL.Query().Get("limit"); ls != "" {
		v, err := strconv.Atoi(ls)
		if err != nil || v < 1 || v > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	runs, err := h.audit.ListRuns(r.Context(), entityType, limit)
	if err != nil {
		h.logger.Error("Failed to list sync runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_runs_failed", "Failed to list sync runs")
		return
	}

	out := make([]*RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.ToRunResponse())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// HandleStatus returns service status.
// GET /sync/status
func (h *HTTPSyncHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		Status:      "healthy",
		AppName:     h.appName,
		EntityTypes: EntityTypes,
	})
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
