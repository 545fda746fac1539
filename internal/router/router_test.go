package router

import (
	"errors"
	"testing"
)

func buildRouter(t *testing.T, services map[string][]Route) *Router {
	t.Helper()
	b := NewBuilder()
	// Deterministic order for tests that rely on registration order.
	for _, name := range []string{"users", "orders", "static", "admin"} {
		if routes, ok := services[name]; ok {
			if err := b.AddRoutes(name, routes); err != nil {
				t.Fatalf("AddRoutes(%s): %v", name, err)
			}
		}
	}
	return b.Build()
}

func TestRouteLiteralPaths(t *testing.T) {
	rt := buildRouter(t, map[string][]Route{
		"users": {
			{Method: GET, Path: "/users"},
			{Method: POST, Path: "/users"},
			{Method: GET, Path: "/users/me"},
		},
		"orders": {
			{Method: GET, Path: "/orders"},
			{Method: DELETE, Path: "/orders/archive"},
		},
	})

	tests := []struct {
		method Method
		path   string
		want   string
	}{
		{GET, "/users", "users"},
		{POST, "/users", "users"},
		{GET, "/users/me", "users"},
		{GET, "/users/", "users"},
		{GET, "/orders", "orders"},
		{DELETE, "/orders/archive", "orders"},
	}

	for _, tt := range tests {
		t.Run(tt.method.String()+" "+tt.path, func(t *testing.T) {
			got, err := rt.Route(tt.method, tt.path)
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if got != tt.want {
				t.Errorf("Route = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouteUnregistered(t *testing.T) {
	rt := buildRouter(t, map[string][]Route{
		"users": {{Method: GET, Path: "/users/:id"}},
	})

	for _, path := range []string{"/", "/orders", "/users", "/users/1/extra", "/userss/1"} {
		_, err := rt.Route(GET, path)
		var re *RouteError
		if !errors.As(err, &re) {
			t.Fatalf("Route(%q): expected RouteError, got %v", path, err)
		}
		if re.Kind != NotFound {
			t.Errorf("Route(%q): kind = %v, want NotFound", path, re.Kind)
		}
	}
}

func TestRouteMethodNotAllowed(t *testing.T) {
	rt := buildRouter(t, map[string][]Route{
		"users": {
			{Method: GET, Path: "/users/:id"},
			{Method: PUT, Path: "/users/:id"},
		},
	})

	_, err := rt.Route(DELETE, "/users/7")
	var re *RouteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RouteError, got %v", err)
	}
	if re.Kind != MethodNotAllowed {
		t.Fatalf("kind = %v, want MethodNotAllowed", re.Kind)
	}
	if len(re.Allowed) != 2 || re.Allowed[0] != GET || re.Allowed[1] != PUT {
		t.Errorf("Allowed = %v", re.Allowed)
	}
}

func TestRouteLiteralBeatsParam(t *testing.T) {
	rt := buildRouter(t, map[string][]Route{
		"users":  {{Method: GET, Path: "/accounts/:id"}},
		"orders": {{Method: GET, Path: "/accounts/orders"}},
	})

	if got, _ := rt.Route(GET, "/accounts/orders"); got != "orders" {
		t.Errorf("literal should win, got %q", got)
	}
	if got, _ := rt.Route(GET, "/accounts/42"); got != "users" {
		t.Errorf("param should match other values, got %q", got)
	}
}

func TestRouteBacktracksToParam(t *testing.T) {
	rt := buildRouter(t, map[string][]Route{
		"users":  {{Method: POST, Path: "/accounts/:id"}},
		"orders": {{Method: GET, Path: "/accounts/orders"}},
	})

	// The literal branch exists but has no POST owner.
	got, err := rt.Route(POST, "/accounts/orders")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got != "users" {
		t.Errorf("Route = %q, want users", got)
	}
}

func TestRouteWildcard(t *testing.T) {
	rt := buildRouter(t, map[string][]Route{
		"users":  {{Method: GET, Path: "/assets/logo.png"}},
		"static": {{Method: GET, Path: "/assets/*path"}},
		"admin":  {{Method: GET, Path: "/assets/:file"}},
	})

	tests := []struct {
		path string
		want string
	}{
		{"/assets/logo.png", "users"},
		{"/assets/app.js", "admin"},
		{"/assets/css/site.css", "static"},
		{"/assets", "static"},
	}
	for _, tt := range tests {
		got, err := rt.Route(GET, tt.path)
		if err != nil {
			t.Fatalf("Route(%q): %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("Route(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestAddRoutesConflict(t *testing.T) {
	b := NewBuilder()
	if err := b.AddRoutes("users", []Route{{Method: GET, Path: "/users/:id"}}); err != nil {
		t.Fatal(err)
	}

	err := b.AddRoutes("orders", []Route{{Method: GET, Path: "/users/{key}"}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Same pattern, different method is fine.
	if err := b.AddRoutes("orders", []Route{{Method: POST, Path: "/users/:id"}}); err != nil {
		t.Errorf("different method should not conflict: %v", err)
	}

	// Duplicate inside one batch.
	err = b.AddRoutes("admin", []Route{
		{Method: GET, Path: "/admin"},
		{Method: GET, Path: "/admin/"},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate in batch, got %v", err)
	}
}

func TestAddRoutesBatchIsAtomic(t *testing.T) {
	b := NewBuilder()
	if err := b.AddRoutes("users", []Route{{Method: GET, Path: "/taken"}}); err != nil {
		t.Fatal(err)
	}
	err := b.AddRoutes("orders", []Route{
		{Method: GET, Path: "/fresh"},
		{Method: GET, Path: "/taken"},
	})
	if err == nil {
		t.Fatal("expected conflict")
	}

	rt := b.Build()
	if _, err := rt.Route(GET, "/fresh"); err == nil {
		t.Error("routes from a failed batch must not be registered")
	}
	if len(rt.Routes()) != 1 {
		t.Errorf("Routes() = %v", rt.Routes())
	}
}

func TestAddRoutesInvalid(t *testing.T) {
	tests := []struct {
		name string
		path string
		want error
	}{
		{"no leading slash", "users", ErrInvalidPattern},
		{"empty segment", "/users//x", ErrInvalidPattern},
		{"unnamed param", "/users/:", ErrInvalidPattern},
		{"unnamed brace param", "/users/{}", ErrInvalidPattern},
		{"wildcard not last", "/files/*rest/x", ErrInvalidPattern},
		{"reserved", "/__gateway/healthz", ErrReservedPath},
		{"reserved root", "/__gateway", ErrReservedPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewBuilder().AddRoutes("svc", []Route{{Method: GET, Path: tt.path}})
			if !errors.Is(err, tt.want) {
				t.Errorf("AddRoutes(%q) = %v, want %v", tt.path, err, tt.want)
			}
		})
	}
}

func TestReservedPrefixNeverRouted(t *testing.T) {
	rt := buildRouter(t, map[string][]Route{
		"static": {{Method: GET, Path: "/*rest"}},
		"users":  {{Method: GET, Path: "/:ns/routes"}},
	})
	for _, path := range []string{"/__gateway/healthz", "/__gateway/routes", "/__gateway", "//__gateway/routes"} {
		got, err := rt.Route(GET, path)
		var re *RouteError
		if !errors.As(err, &re) || re.Kind != NotFound {
			t.Errorf("Route(%q) = %q, %v; want NotFound", path, got, err)
		}
	}
	if got, _ := rt.Route(GET, "/api/routes"); got != "users" {
		t.Errorf("Route(/api/routes) = %q", got)
	}
	if got, _ := rt.Route(GET, "/__gatewayx/routes"); got != "static" {
		t.Errorf("Route(/__gatewayx/routes) = %q", got)
	}
}

func TestRoutesListing(t *testing.T) {
	rt := buildRouter(t, map[string][]Route{
		"users":  {{Method: POST, Path: "/users"}, {Method: GET, Path: "/users"}},
		"orders": {{Method: GET, Path: "/orders"}},
	})

	entries := rt.Routes()
	want := []Entry{
		{Service: "orders", Method: "GET", Path: "/orders"},
		{Service: "users", Method: "GET", Path: "/users"},
		{Service: "users", Method: "POST", Path: "/users"},
	}
	if len(entries) != len(want) {
		t.Fatalf("Routes() = %v", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestParseMethod(t *testing.T) {
	for _, name := range []string{"GET", "HEAD", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "TRACE", "CONNECT"} {
		m, err := ParseMethod(name)
		if err != nil {
			t.Fatalf("ParseMethod(%q): %v", name, err)
		}
		if m.String() != name {
			t.Errorf("round trip %q -> %q", name, m.String())
		}
	}
	for _, bad := range []string{"", "get", "PROPFIND"} {
		if _, err := ParseMethod(bad); !errors.Is(err, ErrUnknownMethod) {
			t.Errorf("ParseMethod(%q) = %v, want ErrUnknownMethod", bad, err)
		}
	}
}

func TestParseMethods(t *testing.T) {
	ms, err := ParseMethods([]string{"get", "Post"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 || ms[0] != GET || ms[1] != POST {
		t.Errorf("ParseMethods = %v", ms)
	}
	all, err := ParseMethods([]string{"*"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != int(numMethods) {
		t.Errorf("wildcard expanded to %d methods", len(all))
	}
}

func BenchmarkRoute(b *testing.B) {
	bld := NewBuilder()
	_ = bld.AddRoutes("users", []Route{
		{Method: GET, Path: "/v1/users/:id"},
		{Method: GET, Path: "/v1/users/:id/orders/:order"},
	})
	_ = bld.AddRoutes("orders", []Route{{Method: GET, Path: "/v1/orders/*rest"}})
	rt := bld.Build()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = rt.Route(GET, "/v1/users/42/orders/7")
	}
}
