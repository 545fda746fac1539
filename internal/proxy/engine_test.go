package proxy

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/wudi/svcgate/internal/callmeta"
	"github.com/wudi/svcgate/internal/config"
	gwerrors "github.com/wudi/svcgate/internal/errors"
	"github.com/wudi/svcgate/internal/gateway"
	"github.com/wudi/svcgate/internal/metrics"
	"github.com/wudi/svcgate/internal/middleware/cors"
	"github.com/wudi/svcgate/internal/registry"
	"github.com/wudi/svcgate/internal/router"
	smuggle "github.com/wudi/svcgate/internal/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	engine  *Engine
	front   *httptest.Server
	metrics *metrics.Collector
	logs    *observer.ObservedLogs
}

func newGateway(t *testing.T, baseURL string, m *metrics.Collector, mutate func(*gateway.Options)) *gateway.Gateway {
	t.Helper()
	reg, err := registry.NewStatic("edge", map[string]config.ServiceConfig{
		"users": {BaseURL: baseURL},
	})
	if err != nil {
		t.Fatal(err)
	}
	policy, err := cors.New(config.CORSConfig{AllowOrigins: []string{"https://app.example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	opts := gateway.Options{
		Name: "edge",
		Services: map[string][]router.Route{
			"users": {
				{Method: router.GET, Path: "/users/:id"},
				{Method: router.POST, Path: "/users"},
				{Method: router.GET, Path: "/ws"},
				{Method: router.GET, Path: "/stream"},
			},
		},
		Registry: reg,
		CORS:     policy,
		Logger:   zap.NewNop(),
		Metrics:  m,
	}
	if mutate != nil {
		mutate(&opts)
	}
	gw, err := gateway.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return gw
}

func newHarness(t *testing.T, baseURL string, mutate func(*gateway.Options)) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	m := metrics.NewCollector()
	gw := newGateway(t, baseURL, m, mutate)
	e, err := New(gw, Options{Metrics: m, Logger: zap.New(core)})
	if err != nil {
		t.Fatal(err)
	}
	front := httptest.NewServer(e)
	t.Cleanup(func() {
		front.Close()
		e.Close()
	})
	return &harness{engine: e, front: front, metrics: m, logs: logs}
}

// waitForAccessLog waits for the engine to finish n exchanges. The client
// can read a complete response before the access log and metrics are
// recorded.
func (h *harness) waitForAccessLog(t *testing.T, n int) []observer.LoggedEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.logs.FilterMessage("HTTP request").All()) < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return h.logs.FilterMessage("HTTP request").All()
}

func TestEngineProxiesRoutedRequest(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"42"}`))
	}))
	defer backend.Close()

	h := newHarness(t, backend.URL+"/api/", nil)

	req, _ := http.NewRequest("GET", h.front.URL+"/users/42?expand=1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("X-Meta-Auth-Uid", "forged")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != `{"id":"42"}` {
		t.Fatalf("response = %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Error("CORS headers missing on proxied response")
	}

	if got.URL.Path != "/api/users/42" || got.URL.RawQuery != "expand=1" {
		t.Errorf("backend saw %s", got.URL)
	}
	if got.Host != strings.TrimPrefix(backend.URL, "http://") {
		t.Errorf("backend Host = %q", got.Host)
	}
	if got.Header.Get("X-Meta-Auth-Uid") != "" {
		t.Error("forged identity reached the backend")
	}
	d, err := callmeta.ParseDescriptor(got.Header)
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if d.Caller.String() != "gateway:edge" {
		t.Errorf("caller = %s", d.Caller)
	}
	if got.Header.Get("X-Forwarded-For") == "" {
		t.Error("X-Forwarded-For not set")
	}

	entries := h.waitForAccessLog(t, 1)
	expected := `
# HELP gateway_requests_total Total number of requests by service, method and status
# TYPE gateway_requests_total counter
gateway_requests_total{method="GET",service="users",status="200"} 1
`
	if err := testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "gateway_requests_total"); err != nil {
		t.Error(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["service"] != "users" || fields["status"] != int64(200) {
		t.Errorf("access log fields = %v", fields)
	}
}

func TestEngineAnswersHealthAndPreflight(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("backend must not be called, got %s %s", r.Method, r.URL)
	}))
	defer backend.Close()
	h := newHarness(t, backend.URL, nil)

	resp, err := http.Post(h.front.URL+gateway.HealthPath, "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"code":"ok"`) {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}

	req, _ := http.NewRequest("OPTIONS", h.front.URL+"/users", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength != 0 {
		t.Errorf("preflight = %d (length %d)", resp.StatusCode, resp.ContentLength)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight missing allow methods")
	}
}

func TestEngineRoutingFailures(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", nil)

	tests := []struct {
		method, path string
		status       int
		code         string
	}{
		{"GET", "/nope", http.StatusNotFound, "not_found"},
		{"DELETE", "/users/1", http.StatusBadRequest, "invalid_argument"},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, h.front.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != tt.status || body["code"] != tt.code {
			t.Errorf("%s %s = %d %v", tt.method, tt.path, resp.StatusCode, body)
		}
		if !resp.Close {
			t.Errorf("%s %s: expected Connection: close", tt.method, tt.path)
		}
	}
}

func TestEngineUpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	h := newHarness(t, "http://"+addr, nil)
	resp, err := http.Get(h.front.URL + "/users/1")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if string(body) != string(gwerrors.ErrBadGateway.Body()) {
		t.Errorf("body = %q", body)
	}
	h.waitForAccessLog(t, 1)
	if n, err := testutil.GatherAndCount(h.metrics.Registry(), "gateway_proxy_failures_total"); err != nil || n != 1 {
		t.Errorf("failure series = %d (%v)", n, err)
	}
}

func TestEngineAbortsOnTruncatedBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		conn, _, err := http.NewResponseController(w).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer backend.Close()

	h := newHarness(t, backend.URL, nil)
	// Depending on buffering the client sees either a broken response or a
	// truncated body; it must never see a complete one.
	resp, err := http.Get(h.front.URL + "/users/1")
	if err == nil {
		_, err = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if err == nil {
		t.Fatal("expected the aborted exchange to surface as an error")
	}

	entries := h.waitForAccessLog(t, 1)
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	if _, ok := entries[0].ContextMap()["error"]; !ok {
		t.Error("aborted exchange must log its error")
	}
}

func TestEngineSwap(t *testing.T) {
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("a")) }))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("b")) }))
	defer b.Close()

	h := newHarness(t, a.URL, nil)
	first := h.engine.Gateway()

	get := func() string {
		resp, err := http.Get(h.front.URL + "/users/1")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if got := get(); got != "a" {
		t.Fatalf("before swap got %q", got)
	}
	prev, drained := h.engine.Swap(newGateway(t, b.URL, h.metrics, nil))
	if prev != first {
		t.Error("Swap must return the previous gateway")
	}
	select {
	case <-drained:
	default:
		t.Error("idle generation not reported drained")
	}
	if got := get(); got != "b" {
		t.Errorf("after swap got %q", got)
	}
}

func TestEngineSwapWaitsForInflight(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		w.Write([]byte("slow"))
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("fast")) }))
	defer fast.Close()

	h := newHarness(t, slow.URL, nil)
	body := make(chan string, 1)
	go func() {
		resp, err := http.Get(h.front.URL + "/users/1")
		if err != nil {
			body <- err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body <- string(b)
	}()
	<-arrived

	_, drained := h.engine.Swap(newGateway(t, fast.URL, h.metrics, nil))
	select {
	case <-drained:
		t.Fatal("generation drained while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if got := <-body; got != "slow" {
		t.Errorf("in-flight request got %q", got)
	}
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("generation not drained after the request finished")
	}
}

func TestEngineWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"chat"}}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Foo") != "bar" {
			http.Error(w, "missing smuggled header", http.StatusBadRequest)
			return
		}
		if r.Header.Get(callmeta.HeaderCaller) != "gateway:edge" {
			http.Error(w, "missing caller", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	smuggler, err := smuggle.NewSmuggler([]string{"X-Foo"})
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, backend.URL, func(o *gateway.Options) { o.Smuggler = smuggler })

	token, err := smuggle.EncodeProtocol(map[string]string{"X-Foo": "bar"})
	if err != nil {
		t.Fatal(err)
	}
	dialer := websocket.Dialer{Subprotocols: []string{token, "chat"}}
	conn, resp, err := dialer.Dial("ws"+strings.TrimPrefix(h.front.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v (response %v)", err, resp)
	}
	defer conn.Close()
	if conn.Subprotocol() != "chat" {
		t.Errorf("subprotocol = %q", conn.Subprotocol())
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != "echo:hello" {
		t.Errorf("message = %q", msg)
	}
}

func TestEngineWebSocketMalformedProtocol(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be reached")
	}))
	defer backend.Close()
	h := newHarness(t, backend.URL, nil)

	dialer := websocket.Dialer{Subprotocols: []string{smuggle.AuthDataPrefix + "%%%"}}
	_, resp, err := dialer.Dial("ws"+strings.TrimPrefix(h.front.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("response = %v", resp)
	}
}
