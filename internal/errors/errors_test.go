package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func TestStatusPageBody(t *testing.T) {
	pages := []*GatewayError{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound, ErrMethodNotAllowed,
		ErrInternalServer, ErrBadGateway, ErrServiceUnavailable, ErrGatewayTimeout,
	}
	for _, e := range pages {
		t.Run(strconv.Itoa(e.Code), func(t *testing.T) {
			if e.Message != http.StatusText(e.Code) {
				t.Errorf("message %q, want %q", e.Message, http.StatusText(e.Code))
			}
			body := e.Body()
			if body[len(body)-1] != '\n' {
				t.Errorf("body should end with a newline: %q", body)
			}
			var decoded struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(body, &decoded); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if decoded.Code != e.Code || decoded.Message != e.Message {
				t.Errorf("decoded %+v from %q", decoded, body)
			}
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrBadGateway.WriteJSON(rec)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cl := rec.Header().Get("Content-Length"); cl != strconv.Itoa(len(ErrBadGateway.Body())) {
		t.Errorf("Content-Length = %q", cl)
	}
	if got := rec.Body.String(); got != "{\"code\":502,\"message\":\"Bad Gateway\"}\n" {
		t.Errorf("body = %q", got)
	}
}

func TestGatewayErrorMessage(t *testing.T) {
	var err error = ErrNotFound
	if err.Error() != "404 Not Found" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestForStatus(t *testing.T) {
	if ForStatus(http.StatusNotFound) != ErrNotFound {
		t.Error("known status should return the shared page")
	}

	teapot := ForStatus(http.StatusTeapot)
	if teapot.Code != http.StatusTeapot || teapot.Message != "I'm a teapot" {
		t.Errorf("teapot page = %+v", teapot)
	}
	if ForStatus(http.StatusTeapot) != teapot {
		t.Error("generated pages should be cached")
	}

	if got := ForStatus(299); got.Message != "Status 299" {
		t.Errorf("unnamed status message = %q", got.Message)
	}
	for _, code := range []int{0, -1, 99, 600} {
		if ForStatus(code) != ErrInternalServer {
			t.Errorf("ForStatus(%d) should fall back to 500", code)
		}
	}
}

func BenchmarkWriteJSON(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ErrNotFound.WriteJSON(httptest.NewRecorder())
	}
}

func BenchmarkAPIErrorBody(b *testing.B) {
	e := NewAPIError(NotFound, "")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = e.Body()
	}
}
