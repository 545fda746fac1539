package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType classifies what went wrong while proxying a request.
type ErrorType int

const (
	TypeUnknown ErrorType = iota
	TypeHTTPStatus
	TypeInternal
	TypeConnectError
	TypeConnectTimeout
	TypeTLSError
	TypeReadError
	TypeWriteError
	TypeConnectionClosed
	TypeInvalidRequest
)

var typeNames = [...]string{
	TypeUnknown:          "unknown",
	TypeHTTPStatus:       "http_status",
	TypeInternal:         "internal",
	TypeConnectError:     "connect_error",
	TypeConnectTimeout:   "connect_timeout",
	TypeTLSError:         "tls_error",
	TypeReadError:        "read_error",
	TypeWriteError:       "write_error",
	TypeConnectionClosed: "connection_closed",
	TypeInvalidRequest:   "invalid_request",
}

func (t ErrorType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// ErrorSource says which side of the proxy an error originated from.
type ErrorSource int

const (
	SourceUnset ErrorSource = iota
	SourceUpstream
	SourceDownstream
	SourceInternal
)

func (s ErrorSource) String() string {
	switch s {
	case SourceUpstream:
		return "upstream"
	case SourceDownstream:
		return "downstream"
	case SourceInternal:
		return "internal"
	default:
		return "unset"
	}
}

// ProxyError is the error carried through the gateway's failure channel.
// API is set when the failure has a structured payload to render.
type ProxyError struct {
	Type    ErrorType
	Source  ErrorSource
	Status  int // only meaningful for TypeHTTPStatus
	Context string
	API     *APIError
	Cause   error
}

func (e *ProxyError) Error() string {
	msg := e.Type.String()
	if e.Type == TypeHTTPStatus {
		msg = fmt.Sprintf("http status %d", e.Status)
	}
	if e.Context != "" {
		msg += ": " + e.Context
	}
	switch {
	case e.API != nil:
		msg += ": " + e.API.Error()
	case e.Cause != nil:
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProxyError) Unwrap() error {
	if e.API != nil {
		return e.API
	}
	return e.Cause
}

// Explain creates an internal-source proxy error without a cause.
func Explain(typ ErrorType, context string) *ProxyError {
	return &ProxyError{Type: typ, Source: SourceInternal, Context: context}
}

// Because creates an internal-source proxy error with a cause.
func Because(typ ErrorType, context string, cause error) *ProxyError {
	return &ProxyError{Type: typ, Source: SourceInternal, Context: context, Cause: cause}
}

// HTTPStatus creates a proxy error that renders with an explicit status.
func HTTPStatus(code int, context string, cause error) *ProxyError {
	return &ProxyError{Type: TypeHTTPStatus, Source: SourceInternal, Status: code, Context: context, Cause: cause}
}

// FromAPI creates a proxy error that renders the given structured payload.
func FromAPI(typ ErrorType, context string, apiErr *APIError) *ProxyError {
	return &ProxyError{Type: typ, Source: SourceInternal, Context: context, API: apiErr}
}

// Upstream creates an upstream-origin transport error.
func Upstream(typ ErrorType, context string, cause error) *ProxyError {
	return &ProxyError{Type: typ, Source: SourceUpstream, Context: context, Cause: cause}
}

// Downstream creates a downstream-origin error.
func Downstream(typ ErrorType, context string, cause error) *ProxyError {
	return &ProxyError{Type: typ, Source: SourceDownstream, Context: context, Cause: cause}
}

// connectionDead reports whether the downstream connection is known to be gone.
func (e *ProxyError) connectionDead() bool {
	if e.Source != SourceDownstream {
		return false
	}
	switch e.Type {
	case TypeReadError, TypeWriteError, TypeConnectionClosed:
		return true
	}
	return false
}

// StatusCode classifies the error into the status the client should see.
// It returns 0 when the downstream connection is already dead and no
// response must be attempted. A structured payload's own status wins over
// the classified one since that is what gets rendered.
func (e *ProxyError) StatusCode() int {
	if e.connectionDead() {
		return 0
	}
	if e.API != nil {
		return e.API.StatusCode()
	}
	if e.Type == TypeHTTPStatus && e.Status > 0 {
		return e.Status
	}
	switch e.Source {
	case SourceUpstream:
		return http.StatusBadGateway
	case SourceDownstream:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AsProxyError normalizes any error into a ProxyError. Errors that are not
// already proxy errors are treated as internal; a bare APIError keeps its
// structured payload.
func AsProxyError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	var pe *ProxyError
	if stderrors.As(err, &pe) {
		return pe
	}
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return FromAPI(TypeInternal, "", apiErr)
	}
	return Because(TypeUnknown, "", err)
}
