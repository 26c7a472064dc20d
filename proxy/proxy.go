// Package proxy implements the dispatcher: classifies each inbound
// request as a WebSocket upgrade or a plain HTTP request, routes it to
// the tunnel or the HTTP engine accordingly, and exposes the whole thing
// as a single mountable http.Handler.
package proxy

import (
	"log/slog"
	"net/http"
	"strings"

	"reverseit/config"
	"reverseit/engine"
	"reverseit/internal/metrics"
	"reverseit/internal/ratelimit"
	"reverseit/pool"
	"reverseit/tunnel"
)

// Proxy is a single mount: one immutable Config plus the collaborators it
// was built with. It implements http.Handler, so a host embeds it with
// mux.Handle(prefix, proxy) or http.StripPrefix(prefix, proxy).
type Proxy struct {
	cfg     *config.Config
	pool    pool.Pool
	metrics *metrics.Registry
	logger  *slog.Logger
	limiter *ratelimit.Limiter
}

// Option configures a Proxy at construction time.
type Option func(*Proxy)

// WithMetrics attaches a metrics registry. Without it, metrics are a
// no-op.
func WithMetrics(reg *metrics.Registry) Option {
	return func(p *Proxy) { p.metrics = reg }
}

// WithLogger attaches a structured logger. Without it, logging is a
// no-op.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

// WithPool overrides the connection pool. Without it, New uses cfg.PoolRef
// when that holds a pool.Pool, and otherwise builds reverseit's own default
// pool.Pool from cfg.
func WithPool(p pool.Pool) Option {
	return func(px *Proxy) { px.pool = p }
}

// New builds a mount from cfg, wiring reverseit's default pool unless
// WithPool or cfg.PoolRef supplies one (e.g. a pool_ref shared across
// mounts).
func New(cfg *config.Config, opts ...Option) *Proxy {
	p := &Proxy{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.pool == nil {
		if ref, ok := cfg.PoolRef.(pool.Pool); ok {
			p.pool = ref
		} else {
			p.pool = pool.New(cfg)
		}
	}
	if cfg.RateLimit.Enabled {
		p.limiter = ratelimit.New(cfg.RateLimit)
	}
	return p
}

// ServeHTTP classifies r and routes it to the WebSocket tunnel or the
// HTTP engine, guaranteeing exactly one of the two runs per request and
// that the response is sealed (fully written, one way or another) before
// returning.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.limiter != nil && !p.limiter.Allow(r) {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	if IsUpgradeRequest(r) {
		err := tunnel.Upgrade(p.cfg, tunnel.Deps{Metrics: p.metrics, Logger: p.logger}, w, r)
		if err != nil {
			if p.logger != nil {
				p.logger.Error("websocket upgrade failed", slog.String("error", err.Error()), slog.String("path", r.URL.Path))
			}
			http.Error(w, "Bad Gateway: WebSocket upgrade failed", http.StatusBadGateway)
		}
		return
	}

	engine.Proxy(r.Context(), p.cfg, engine.Deps{Pool: p.pool, Metrics: p.metrics, Logger: p.logger}, w, r)
}

// Close releases the pool's idle connections and stops the rate limiter's
// reaper goroutine, if one is running. Call it when unmounting.
func (p *Proxy) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
	p.limiter.Close()
}

// IsUpgradeRequest detects a WebSocket upgrade: some value of
// the Connection header, case-insensitive, contains the token "upgrade",
// AND some value of the Upgrade header, case-insensitive, equals
// "websocket".
func IsUpgradeRequest(r *http.Request) bool {
	hasUpgradeToken := false
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				hasUpgradeToken = true
			}
		}
	}
	if !hasUpgradeToken {
		return false
	}
	for _, v := range r.Header.Values("Upgrade") {
		if strings.EqualFold(strings.TrimSpace(v), "websocket") {
			return true
		}
	}
	return false
}
