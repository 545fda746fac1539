package gateway

import "net/http"

// Session is the downstream side of one request as the hooks see it. The
// proxy engine provides the implementation.
type Session interface {
	// Request returns the inbound request.
	Request() *http.Request

	// Respond sends a complete response. header replaces anything set so far.
	Respond(status int, header http.Header, body []byte) error

	// Started reports whether response headers have already been sent.
	Started() bool

	// DisableKeepAlive closes the connection after the current response.
	DisableKeepAlive()
}
