package service

import (
	"fmt"
	"net/http"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, "INTERNAL_ERROR", msg, true, cause)
}

const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeUnknownEventType    = "UNKNOWN_EVENT_TYPE"
	CodeUnknownSubjectType  = "UNKNOWN_SUBJECT_TYPE"
	CodeMalformedPayload    = "MALFORMED_PAYLOAD"
	CodeBackdatedEvent      = "BACKDATED_EVENT"
	CodeSubjectTypeMismatch = "SUBJECT_TYPE_MISMATCH"
	CodeDedupConflict       = "DEDUP_CONFLICT"
	CodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	CodeNotFound            = "NOT_FOUND"
)

func invalid(code, msg string) *AppError {
	return NewAppError(http.StatusBadRequest, code, msg, false, nil)
}

func unprocessable(code, msg string) *AppError {
	return NewAppError(http.StatusUnprocessableEntity, code, msg, false, nil)
}

func storageUnavailable(msg string, cause error) *AppError {
	return NewAppError(http.StatusServiceUnavailable, CodeStorageUnavailable, msg, true, cause)
}
