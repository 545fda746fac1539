// Package errors holds the error types the gateway renders to clients:
// generic status pages, structured API errors and the proxy failure type.
package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
)

// GatewayError is the generic status page rendered when a failure carries
// no structured payload. Values are immutable; the body is encoded once.
type GatewayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	body    []byte
}

func newStatusPage(code int, message string) *GatewayError {
	e := &GatewayError{Code: code, Message: message}
	b, err := json.Marshal(e)
	if err != nil {
		b = []byte(`{"code":500,"message":"Internal Server Error"}`)
	}
	e.body = append(b, '\n')
	return e
}

func (e *GatewayError) Error() string {
	return strconv.Itoa(e.Code) + " " + e.Message
}

// Body returns the encoded JSON body. Callers must not modify it.
func (e *GatewayError) Body() []byte {
	return e.body
}

// WriteJSON writes the status page as a complete response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(e.body)))
	w.WriteHeader(e.Code)
	_, _ = w.Write(e.body)
}

var (
	ErrBadRequest         = newStatusPage(http.StatusBadRequest, "Bad Request")
	ErrUnauthorized       = newStatusPage(http.StatusUnauthorized, "Unauthorized")
	ErrForbidden          = newStatusPage(http.StatusForbidden, "Forbidden")
	ErrNotFound           = newStatusPage(http.StatusNotFound, "Not Found")
	ErrMethodNotAllowed   = newStatusPage(http.StatusMethodNotAllowed, "Method Not Allowed")
	ErrInternalServer     = newStatusPage(http.StatusInternalServerError, "Internal Server Error")
	ErrBadGateway         = newStatusPage(http.StatusBadGateway, "Bad Gateway")
	ErrServiceUnavailable = newStatusPage(http.StatusServiceUnavailable, "Service Unavailable")
	ErrGatewayTimeout     = newStatusPage(http.StatusGatewayTimeout, "Gateway Timeout")
)

// pages caches status pages by code, seeded with the singletons above.
var pages sync.Map

func init() {
	for _, e := range []*GatewayError{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound, ErrMethodNotAllowed,
		ErrInternalServer, ErrBadGateway, ErrServiceUnavailable, ErrGatewayTimeout,
	} {
		pages.Store(e.Code, e)
	}
}

// ForStatus returns the status page for code. Codes outside 100-599 render
// as 500.
func ForStatus(code int) *GatewayError {
	if code < 100 || code > 599 {
		return ErrInternalServer
	}
	if e, ok := pages.Load(code); ok {
		return e.(*GatewayError)
	}
	msg := http.StatusText(code)
	if msg == "" {
		msg = "Status " + strconv.Itoa(code)
	}
	e, _ := pages.LoadOrStore(code, newStatusPage(code, msg))
	return e.(*GatewayError)
}
