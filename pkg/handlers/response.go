package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/services"
)

// ApiResponse wraps successful payloads.
type ApiResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Fragment string `json:"fragment,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	return WriteJSON(w, statusCode, ErrorBody{Error: errorCode, Message: message})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// statusFor maps a typed query-core error code to its HTTP status.
var statusFor = map[apperrors.Code]int{
	apperrors.CodeNotFound:                http.StatusNotFound,
	apperrors.CodeDataSourceNotFound:      http.StatusNotFound,
	apperrors.CodeFileUnavailable:         http.StatusFailedDependency,
	apperrors.CodeAmbiguousTableReference: http.StatusUnprocessableEntity,
	apperrors.CodeQuerySyntaxError:        http.StatusBadRequest,
	apperrors.CodeEngineUnavailable:       http.StatusServiceUnavailable,
	apperrors.CodeQueryTimeout:            http.StatusGatewayTimeout,
	apperrors.CodeResultTooLarge:          http.StatusRequestEntityTooLarge,
}

// writeServiceError writes err as a JSON error response. Typed errors keep their
// code, message and fragment; anything unclassified is a 500 whose details are
// only logged.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error, fallbackMessage string) {
	var body ErrorBody
	status := http.StatusInternalServerError

	var typed *apperrors.Error
	switch {
	case errors.As(err, &typed):
		if s, ok := statusFor[typed.Code]; ok {
			status = s
		}
		body = ErrorBody{Error: string(typed.Code), Message: typed.Message, Fragment: typed.Fragment}
		if body.Message == "" {
			body.Message = fallbackMessage
		}
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
		body = ErrorBody{Error: "not_found", Message: "Resource not found"}
	case errors.Is(err, apperrors.ErrConflict):
		status = http.StatusConflict
		body = ErrorBody{Error: "conflict", Message: "The request conflicts with the current state"}
	case errors.Is(err, apperrors.ErrCredentialsKeyMismatch):
		body = ErrorBody{Error: "credentials_key_mismatch", Message: "Data source credentials cannot be decrypted with the configured key"}
	case errors.Is(err, services.ErrInvalidDataSource):
		status = http.StatusBadRequest
		body = ErrorBody{Error: "invalid_datasource", Message: err.Error()}
	case errors.Is(err, services.ErrSchemaUnsupported):
		status = http.StatusBadRequest
		body = ErrorBody{Error: "schema_unsupported", Message: err.Error()}
	default:
		body = ErrorBody{Error: "internal_error", Message: fallbackMessage}
	}

	if status >= http.StatusInternalServerError {
		logger.Error(fallbackMessage, zap.Int("status", status), zap.Error(err))
	} else {
		logger.Debug("Request failed", zap.String("code", body.Error), zap.Error(err))
	}
	if err := WriteJSON(w, status, body); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeBadRequest(w http.ResponseWriter, logger *zap.Logger, code, message string) {
	if err := ErrorResponse(w, http.StatusBadRequest, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeData(w http.ResponseWriter, logger *zap.Logger, status int, data any) {
	if err := WriteJSON(w, status, ApiResponse{Success: true, Data: data}); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}
