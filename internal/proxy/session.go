package proxy

import (
	"errors"
	"net/http"
	"strconv"
)

var errResponseStarted = errors.New("response already started")

// session is the downstream half of one exchange. It wraps the server's
// ResponseWriter to track what was sent and whether the connection died.
type session struct {
	http.ResponseWriter
	req       *http.Request
	status    int
	bytes     int64
	started   bool
	dead      bool
	closeConn bool
}

func newSession(w http.ResponseWriter, r *http.Request) *session {
	return &session{ResponseWriter: w, req: r}
}

func (s *session) Request() *http.Request {
	return s.req
}

func (s *session) Started() bool {
	return s.started
}

// DisableKeepAlive asks for the connection to be closed after this
// response. Only HTTP/1 has a per-response way to say so.
func (s *session) DisableKeepAlive() {
	s.closeConn = true
}

func (s *session) Respond(status int, header http.Header, body []byte) error {
	if s.started {
		return errResponseStarted
	}
	h := s.Header()
	clear(h)
	for k, v := range header {
		h[k] = v
	}
	if h.Get("Content-Length") == "" && bodyAllowed(s.req, status) {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	s.WriteHeader(status)
	if len(body) == 0 || !bodyAllowed(s.req, status) {
		return nil
	}
	_, err := s.Write(body)
	return err
}

func (s *session) WriteHeader(code int) {
	if s.started {
		return
	}
	// Informational responses may precede the final one.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		s.ResponseWriter.WriteHeader(code)
		return
	}
	if s.closeConn && s.req.ProtoMajor == 1 {
		s.Header().Set("Connection", "close")
	}
	s.status = code
	s.started = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *session) Write(b []byte) (int, error) {
	if !s.started {
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	if err != nil {
		s.dead = true
	}
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController, which
// the reverse proxy uses for flushing and connection upgrades.
func (s *session) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func bodyAllowed(r *http.Request, status int) bool {
	if r.Method == http.MethodHead {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified && status >= 200
}
