package errors

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
)

func TestAPIErrorBodyMinimal(t *testing.T) {
	body, err := NewAPIError(NotFound, "").Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if string(body) != `{"code":"not_found"}` {
		t.Errorf("body = %s", body)
	}
}

func TestAPIErrorBodyWithMessageAndDetails(t *testing.T) {
	e := NewAPIError(InvalidArgument, "bad field").WithDetails(json.RawMessage(`{"field":"name"}`))
	body, err := e.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	want := `{"code":"invalid_argument","message":"bad field","details":{"field":"name"}}`
	if string(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestAPIErrorStatusCodes(t *testing.T) {
	tests := []struct {
		code ErrCode
		want int
	}{
		{NotFound, http.StatusNotFound},
		{InvalidArgument, http.StatusBadRequest},
		{Unauthenticated, http.StatusUnauthorized},
		{PermissionDenied, http.StatusForbidden},
		{Unavailable, http.StatusServiceUnavailable},
		{DeadlineExceeded, http.StatusGatewayTimeout},
		{ResourceExhausted, http.StatusTooManyRequests},
		{Internal, http.StatusInternalServerError},
		{ErrCode("made_up"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := NewAPIError(tt.code, "").StatusCode(); got != tt.want {
				t.Errorf("StatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWrapAPIErrorHidesCause(t *testing.T) {
	e := WrapAPIError(io.EOF, Unauthenticated, "invalid token")
	if !errors.Is(e, io.EOF) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	body, _ := e.Body()
	if string(body) != `{"code":"unauthenticated","message":"invalid token"}` {
		t.Errorf("cause leaked into body: %s", body)
	}
	if e.Error() != "unauthenticated: invalid token: EOF" {
		t.Errorf("Error() = %q", e.Error())
	}
}
