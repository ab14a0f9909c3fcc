package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/metrics-engine/internal/model"
)

type successEnvelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Debug("write response failed", zap.Error(err))
	}
}

func writeData(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, successEnvelope{Success: true, Data: data, Message: message})
}

func writeFailure(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errorEnvelope{Error: msg, Details: details})
}

// writeError maps err onto a status code: validation 400, not found 404,
// anything else 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case model.IsValidation(err):
		writeFailure(w, http.StatusBadRequest, "validation failed", model.ValidationMessage(err))
	case errors.Is(err, model.ErrNotFound):
		writeFailure(w, http.StatusNotFound, "not found", err.Error())
	default:
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeFailure(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}
