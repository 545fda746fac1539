package proxy

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// NewResolver returns the resolver used for service hosts. Without
// nameservers it is net.DefaultResolver. Otherwise queries rotate across
// the nameservers and fail over to the next one when a dial fails.
// Nameservers given without a port use 53.
func NewResolver(nameservers []string, timeout time.Duration) *net.Resolver {
	if len(nameservers) == 0 {
		return net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &net.Dialer{Timeout: timeout}
	ns := newNameservers(nameservers, d.DialContext)
	return &net.Resolver{PreferGo: true, Dial: ns.dial}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type nameservers struct {
	addrs []string
	next  atomic.Uint64
	dial0 dialFunc
}

func newNameservers(addrs []string, dial dialFunc) *nameservers {
	ns := &nameservers{dial0: dial}
	for _, a := range addrs {
		ns.addrs = append(ns.addrs, nameserverAddr(a))
	}
	return ns
}

// dial ignores the system nameserver address the resolver asks for.
func (ns *nameservers) dial(ctx context.Context, network, _ string) (net.Conn, error) {
	n := uint64(len(ns.addrs))
	start := ns.next.Add(1) - 1
	var errs []error
	for i := uint64(0); i < n; i++ {
		conn, err := ns.dial0(ctx, network, ns.addrs[(start+i)%n])
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func nameserverAddr(s string) string {
	if _, _, err := net.SplitHostPort(s); err == nil {
		return s
	}
	return net.JoinHostPort(strings.Trim(s, "[]"), "53")
}
