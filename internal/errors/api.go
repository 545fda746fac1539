package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrCode is the machine-readable code of a structured API error.
type ErrCode string

const (
	Canceled           ErrCode = "canceled"
	Unknown            ErrCode = "unknown"
	InvalidArgument    ErrCode = "invalid_argument"
	DeadlineExceeded   ErrCode = "deadline_exceeded"
	NotFound           ErrCode = "not_found"
	AlreadyExists      ErrCode = "already_exists"
	PermissionDenied   ErrCode = "permission_denied"
	ResourceExhausted  ErrCode = "resource_exhausted"
	FailedPrecondition ErrCode = "failed_precondition"
	Aborted            ErrCode = "aborted"
	OutOfRange         ErrCode = "out_of_range"
	Unimplemented      ErrCode = "unimplemented"
	Internal           ErrCode = "internal"
	Unavailable        ErrCode = "unavailable"
	DataLoss           ErrCode = "data_loss"
	Unauthenticated    ErrCode = "unauthenticated"
)

var codeStatus = map[ErrCode]int{
	Canceled:           499,
	Unknown:            http.StatusInternalServerError,
	InvalidArgument:    http.StatusBadRequest,
	DeadlineExceeded:   http.StatusGatewayTimeout,
	NotFound:           http.StatusNotFound,
	AlreadyExists:      http.StatusConflict,
	PermissionDenied:   http.StatusForbidden,
	ResourceExhausted:  http.StatusTooManyRequests,
	FailedPrecondition: http.StatusBadRequest,
	Aborted:            http.StatusConflict,
	OutOfRange:         http.StatusBadRequest,
	Unimplemented:      http.StatusNotImplemented,
	Internal:           http.StatusInternalServerError,
	Unavailable:        http.StatusServiceUnavailable,
	DataLoss:           http.StatusInternalServerError,
	Unauthenticated:    http.StatusUnauthorized,
}

// StatusCode returns the HTTP status for the code. Unrecognized codes are 500.
func (c ErrCode) StatusCode() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// APIError is a structured error whose payload is rendered verbatim as the
// JSON response body.
type APIError struct {
	Code    ErrCode         `json:"code"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	cause   error
}

// NewAPIError creates a structured API error.
func NewAPIError(code ErrCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// WrapAPIError creates a structured API error that keeps the underlying cause
// for logging. The cause is never rendered.
func WrapAPIError(err error, code ErrCode, message string) *APIError {
	return &APIError{Code: code, Message: message, cause: err}
}

// WithDetails returns a copy of the error with the given JSON details.
func (e *APIError) WithDetails(details json.RawMessage) *APIError {
	return &APIError{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

func (e *APIError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// StatusCode returns the HTTP status the error renders with.
func (e *APIError) StatusCode() int {
	return e.Code.StatusCode()
}

// Body returns the JSON payload of the error.
func (e *APIError) Body() ([]byte, error) {
	return json.Marshal(e)
}
