package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/gateway"
)

// transportDefaults fills every unset field of c. ResponseHeaderTimeout
// and MaxConnsPerHost stay unlimited unless configured.
func transportDefaults(c config.TransportConfig) config.TransportConfig {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 512
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 64
	}
	def(&c.IdleConnTimeout, 90*time.Second)
	def(&c.DialTimeout, 10*time.Second)
	def(&c.TLSHandshakeTimeout, 10*time.Second)
	def(&c.ExpectContinueTimeout, time.Second)
	if c.ForceHTTP2 == nil {
		on := true
		c.ForceHTTP2 = &on
	}
	return c
}

// upstreamTLS builds the client TLS config, trusting CAFile when set.
func upstreamTLS(c config.TransportConfig) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify}
	if c.CAFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	tc.RootCAs = x509.NewCertPool()
	if !tc.RootCAs.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
	}
	return tc, nil
}

// NewTransport creates the upstream transport. Connections go to the peer
// the gateway chose for the request rather than the URL host; the URL
// host only selects the TLS server name and the connection pool.
func NewTransport(c config.TransportConfig) (*http.Transport, error) {
	c = transportDefaults(c)
	tc, err := upstreamTLS(c)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: c.DialTimeout, KeepAlive: 30 * time.Second}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if ex := exchangeFrom(ctx); ex != nil {
				if peer, ok := gateway.PeerOf(ex.state); ok {
					addr = peer.Addr
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig:       tc,
		ForceAttemptHTTP2:     *c.ForceHTTP2,
		MaxIdleConns:          c.MaxIdleConns,
		MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
		MaxConnsPerHost:       c.MaxConnsPerHost,
		IdleConnTimeout:       c.IdleConnTimeout,
		TLSHandshakeTimeout:   c.TLSHandshakeTimeout,
		ResponseHeaderTimeout: c.ResponseHeaderTimeout,
		ExpectContinueTimeout: c.ExpectContinueTimeout,
	}, nil
}
