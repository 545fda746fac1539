package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/wudi/svcgate/internal/config"
	gwerrors "github.com/wudi/svcgate/internal/errors"
)

func TestSessionRespond(t *testing.T) {
	rec := httptest.NewRecorder()
	s := newSession(rec, httptest.NewRequest("GET", "/", nil))
	rec.Header().Set("X-Stale", "1")

	s.DisableKeepAlive()
	h := http.Header{"Content-Type": {"application/json"}}
	if err := s.Respond(http.StatusNotFound, h, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusNotFound || rec.Body.String() != `{}` {
		t.Errorf("response = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Stale") != "" {
		t.Error("Respond must replace headers set earlier")
	}
	if rec.Header().Get("Content-Length") != "2" {
		t.Errorf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}
	if rec.Header().Get("Connection") != "close" {
		t.Error("expected Connection: close on HTTP/1")
	}
	if !s.Started() || s.status != http.StatusNotFound || s.bytes != 2 {
		t.Errorf("session state = %+v", s)
	}
	if err := s.Respond(http.StatusOK, nil, nil); !errors.Is(err, errResponseStarted) {
		t.Errorf("second Respond = %v", err)
	}
}

func TestSessionKeepAliveHTTP2(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.ProtoMajor, r.ProtoMinor, r.Proto = 2, 0, "HTTP/2.0"
	rec := httptest.NewRecorder()
	s := newSession(rec, r)
	s.DisableKeepAlive()
	s.Respond(http.StatusBadGateway, nil, []byte("x"))
	if rec.Header().Get("Connection") != "" {
		t.Error("Connection header is not valid on HTTP/2")
	}
}

func TestSessionHeadHasNoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	s := newSession(rec, httptest.NewRequest("HEAD", "/", nil))
	if err := s.Respond(http.StatusNotFound, nil, []byte(`{"code":"not_found"}`)); err != nil {
		t.Fatal(err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body = %q", rec.Body.String())
	}
}

type failingWriter struct {
	http.ResponseWriter
}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSessionMarksDeadOnWriteError(t *testing.T) {
	s := newSession(failingWriter{httptest.NewRecorder()}, httptest.NewRequest("GET", "/", nil))
	if _, err := s.Write([]byte("x")); err == nil {
		t.Fatal("expected write error")
	}
	if !s.dead || s.status != http.StatusOK {
		t.Errorf("dead=%v status=%d", s.dead, s.status)
	}
}

func TestClassify(t *testing.T) {
	dialRefused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errors.New("connection refused"))}
	dialTimeout := &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}

	tests := []struct {
		name   string
		ctx    func() context.Context
		err    error
		source gwerrors.ErrorSource
		typ    gwerrors.ErrorType
	}{
		{"connect refused", context.Background, dialRefused, gwerrors.SourceUpstream, gwerrors.TypeConnectError},
		{"connect timeout", context.Background, dialTimeout, gwerrors.SourceUpstream, gwerrors.TypeConnectTimeout},
		{"read", context.Background, io.ErrUnexpectedEOF, gwerrors.SourceUpstream, gwerrors.TypeReadError},
		{"client gone", func() context.Context {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx
		}, io.ErrUnexpectedEOF, gwerrors.SourceDownstream, gwerrors.TypeConnectionClosed},
		{"already classified", context.Background, gwerrors.Downstream(gwerrors.TypeInvalidRequest, "x", nil), gwerrors.SourceDownstream, gwerrors.TypeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := gwerrors.AsProxyError(classify(tt.ctx(), tt.err))
			if pe.Source != tt.source || pe.Type != tt.typ {
				t.Errorf("got %s/%s, want %s/%s", pe.Source, pe.Type, tt.source, tt.typ)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransportDefaults(t *testing.T) {
	off := false
	c := transportDefaults(config.TransportConfig{MaxIdleConnsPerHost: 7, ForceHTTP2: &off, DialTimeout: -1})
	if c.MaxIdleConnsPerHost != 7 || *c.ForceHTTP2 {
		t.Errorf("configured values overridden: %+v", c)
	}
	if c.MaxIdleConns != 512 || c.DialTimeout != 10*time.Second || c.IdleConnTimeout != 90*time.Second {
		t.Errorf("defaults not applied: %+v", c)
	}
	if c.ResponseHeaderTimeout != 0 || c.MaxConnsPerHost != 0 {
		t.Errorf("unlimited settings should stay zero: %+v", c)
	}

	tr, err := NewTransport(config.TransportConfig{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if !tr.ForceAttemptHTTP2 || tr.MaxIdleConnsPerHost != 64 {
		t.Errorf("transport = %+v", tr)
	}

	if _, err := NewTransport(config.TransportConfig{CAFile: "/does/not/exist"}); err == nil {
		t.Error("expected error for missing CA file")
	}
}
