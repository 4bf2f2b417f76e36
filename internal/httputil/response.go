package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/stillwater-app/journal-server-go/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string              `json:"error"`
	Code    apperrors.ErrorCode `json:"code"`
	Details any                 `json:"details,omitempty"`
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		// Unknown errors stay generic; full context is already logged server-side.
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	status := statusFromCode(appErr.Code)
	response := ErrorResponse{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
	}

	if appErr.Code == apperrors.ErrCodeRatelimited || appErr.Code == apperrors.ErrCodeBackpressure {
		w.Header().Set("Retry-After", "30")
	}
	if appErr.Code == apperrors.ErrCodeExternal || appErr.Code == apperrors.ErrCodeDatabase {
		w.Header().Set("Retry-After", "5")
	}

	WriteJSON(w, status, response)
}

// statusFromCode maps ErrorCode to HTTP status code
func statusFromCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeInvalidInput,
		apperrors.ErrCodeMissingRequired:
		return http.StatusBadRequest

	case apperrors.ErrCodeUnauthorized,
		apperrors.ErrCodeKeyUnavailable:
		return http.StatusUnauthorized

	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden

	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	case apperrors.ErrCodeConflict,
		apperrors.ErrCodeBadState,
		apperrors.ErrCodeStoreRaced:
		return http.StatusConflict

	case apperrors.ErrCodeRatelimited,
		apperrors.ErrCodeBackpressure:
		return http.StatusTooManyRequests

	case apperrors.ErrCodeExternal,
		apperrors.ErrCodeDatabase:
		return http.StatusServiceUnavailable

	case apperrors.ErrCodeInternal:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}
