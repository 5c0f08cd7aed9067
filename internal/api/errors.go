package api

import (
	"errors"
	"net/http"
)

// AppError is an error with an HTTP status and an optional machine-readable code.
type AppError struct {
	Code      int    `json:"-"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrUnauthorized   = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrNotFound       = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrInternalServer = &AppError{Code: http.StatusInternalServerError, ErrorCode: "INTERNAL_ERROR", Message: "internal server error"}
	ErrInvalidToken   = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
)

// NewCodedError builds an AppError carrying a domain error code.
func NewCodedError(status int, code, msg string) *AppError {
	return &AppError{Code: status, ErrorCode: code, Message: msg}
}

func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.Code, Response{Error: appErr.Message, ErrorCode: appErr.ErrorCode})
		return
	}
	writeJSON(w, http.StatusInternalServerError, Response{Error: ErrInternalServer.Message, ErrorCode: ErrInternalServer.ErrorCode})
}
