package httpx

import (
	"errors"
	"net/http"

	"github.com/dylinzl/mlflow-auth/internal/shared"
)

// errorBody mirrors the error payload shape of the upstream tracking
// server so API clients see a uniform surface.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Error sends a JSON error response with the given code and message.
func Error(w http.ResponseWriter, status int, code, msg string) {
	JSON(w, status, errorBody{ErrorCode: code, Message: msg})
}

// RespondError maps store and validation errors to HTTP responses.
// Unknown errors become an opaque 500; the caller is expected to log them.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Error(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", err.Error())
	case errors.Is(err, shared.ErrAlreadyExists):
		Error(w, http.StatusConflict, "RESOURCE_ALREADY_EXISTS", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		Message(w, http.StatusUnauthorized, "Invalid username or password")
	default:
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
