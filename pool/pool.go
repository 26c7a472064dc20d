// Package pool provides the default connection-pool implementation the
// HTTP engine issues requests through. The pool is an external
// collaborator named only by its interface; this package supplies both
// the interface and reverseit's own default adapter around
// *http.Transport.
package pool

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"reverseit/config"
)

// IssueOptions bounds a single call to Issue.
type IssueOptions struct {
	ReceiveTimeout time.Duration
}

// Pool is the contract the HTTP engine consumes to execute buffered
// requests against the backend. A pool_ref supplied at mount time must
// satisfy this interface; config.Options.PoolRef may hold one directly, or
// the mount may ask pool.New to build the module's own default.
type Pool interface {
	// Issue sends req and returns the backend's response, or an error if
	// the request could not be completed within opts.ReceiveTimeout.
	Issue(ctx context.Context, req *http.Request, opts IssueOptions) (*http.Response, error)
	// Close releases any resources (idle connections) held by the pool.
	Close()
}

// httpPool is reverseit's default Pool, a thin wrapper around a
// *http.Client backed by a tuned *http.Transport. It keeps connections
// alive across requests and multiplexes HTTP/2 streams per the standard
// library's own pooling, exposing exactly the "issue one request, stream
// the response" contract pool_ref callers expect.
type httpPool struct {
	client    *http.Client
	transport *http.Transport
}

// New builds reverseit's default Pool from cfg: keep-alive HTTP/1.1
// always, HTTP/2 negotiated via golang.org/x/net/http2 when cfg enables it,
// and cfg.VerifyTLS controlling certificate verification for https/wss
// backends.
func New(cfg *config.Config) Pool {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout(),
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifyTLS,
		},
	}

	if cfg.SupportsHTTP2() {
		// Best-effort: a backend that never speaks h2c/ALPN simply falls
		// back to HTTP/1.1 over the same transport.
		_ = http2.ConfigureTransport(transport)
	}

	return &httpPool{
		client:    &http.Client{Transport: transport},
		transport: transport,
	}
}

func (p *httpPool) Issue(ctx context.Context, req *http.Request, opts IssueOptions) (*http.Response, error) {
	client := p.client
	if opts.ReceiveTimeout > 0 {
		// Client.Timeout keeps running while the caller reads resp.Body,
		// unlike a context cancelled when Issue returns.
		c := *p.client
		c.Timeout = opts.ReceiveTimeout
		client = &c
	}
	return client.Do(req.WithContext(ctx))
}

func (p *httpPool) Close() {
	p.transport.CloseIdleConnections()
}

// DialBackend opens a raw TCP/TLS connection to host:port honoring
// connectTimeout, used by the streaming HTTP path and the WebSocket
// tunnel, both of which need a connection they own outright rather than
// one borrowed from the pool.
func DialBackend(ctx context.Context, scheme, host string, port int, connectTimeout time.Duration, verifyTLS bool) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	switch scheme {
	case "http", "ws":
		return dialer.DialContext(ctx, "tcp", addr)
	case "https", "wss":
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{InsecureSkipVerify: !verifyTLS, ServerName: host},
		}
		return tlsDialer.DialContext(ctx, "tcp", addr)
	default:
		return nil, &net.AddrError{Err: "unsupported scheme", Addr: scheme}
	}
}
