package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"catalog-sync-service/internal/admin"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/realtime"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
	"catalog-sync-service/internal/webhook"
)

var errBadRequest = errors.New("bad request")

type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.Warn("Failed to encode response", zap.Error(err))
	}
}

func respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{Success: true, Data: data})
}

func fail(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, Response{Error: &ErrorBody{Code: code, Message: message, Details: details}})
}

// respondError maps the error taxonomy onto HTTP statuses.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *admin.InvalidConfigError
	switch {
	case errors.As(err, &invalid):
		fail(w, http.StatusBadRequest, "invalid_config", err.Error(), invalid.Errors)
	case errors.Is(err, store.ErrNotFound):
		fail(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, platform.ErrUnsupportedPlatform):
		fail(w, http.StatusNotFound, "unsupported_platform", err.Error(), nil)
	case errors.Is(err, sync.ErrSyncInProgress):
		fail(w, http.StatusConflict, "sync_in_progress", err.Error(), nil)
	case errors.Is(err, sync.ErrIntegrationInactive):
		fail(w, http.StatusConflict, "integration_inactive", err.Error(), nil)
	case errors.Is(err, store.ErrDuplicate):
		fail(w, http.StatusConflict, "duplicate", err.Error(), nil)
	case errors.Is(err, webhook.ErrInvalidSignature):
		fail(w, http.StatusUnauthorized, "invalid_signature", err.Error(), nil)
	case errors.Is(err, sync.ErrQueueFull), errors.Is(err, sync.ErrPoolStopped):
		fail(w, http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, errBadRequest), errors.Is(err, realtime.ErrInvalidKind), platform.IsValidation(err):
		fail(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		logger.Log.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		fail(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
