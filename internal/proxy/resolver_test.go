package proxy

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestNewResolver(t *testing.T) {
	if r := NewResolver(nil, 0); r != net.DefaultResolver {
		t.Error("expected the default resolver without nameservers")
	}
	r := NewResolver([]string{"10.0.0.53"}, 0)
	if r == net.DefaultResolver || !r.PreferGo || r.Dial == nil {
		t.Error("expected a custom resolver")
	}
}

func TestNameserverAddr(t *testing.T) {
	tests := map[string]string{
		"10.0.0.53":      "10.0.0.53:53",
		"10.0.0.53:5353": "10.0.0.53:5353",
		"::1":            "[::1]:53",
		"[::1]":          "[::1]:53",
		"[::1]:5353":     "[::1]:5353",
		"dns.internal":   "dns.internal:53",
	}
	for in, want := range tests {
		if got := nameserverAddr(in); got != want {
			t.Errorf("nameserverAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNameserversRotateAndFailOver(t *testing.T) {
	var tried []string
	down := map[string]bool{"10.0.0.2:53": true}
	ns := newNameservers([]string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, func(_ context.Context, _, addr string) (net.Conn, error) {
		tried = append(tried, addr)
		if down[addr] {
			return nil, errors.New("unreachable")
		}
		c, _ := net.Pipe()
		return c, nil
	})

	for i := 0; i < 3; i++ {
		conn, err := ns.dial(context.Background(), "udp", "127.0.0.53:53")
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Close()
	}

	want := "10.0.0.1:53 10.0.0.2:53 10.0.0.3:53 10.0.0.3:53"
	if got := strings.Join(tried, " "); got != want {
		t.Errorf("dial order = %q, want %q", got, want)
	}
}

func TestNameserversAllDown(t *testing.T) {
	ns := newNameservers([]string{"10.0.0.1", "10.0.0.2"}, func(_ context.Context, _, addr string) (net.Conn, error) {
		return nil, errors.New(addr + " unreachable")
	})
	_, err := ns.dial(context.Background(), "udp", "")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, addr := range []string{"10.0.0.1:53", "10.0.0.2:53"} {
		if !strings.Contains(err.Error(), addr) {
			t.Errorf("error %q does not mention %s", err, addr)
		}
	}
}
