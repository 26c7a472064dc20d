// Package ratelimit implements the optional per-remote-address token
// bucket guard that may sit in front of the dispatcher (see
// config.RateLimit). Off by default; a supplemental feature layered on
// top of the dispatcher/engine/tunnel core.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reverseit/config"
)

// Limiter guards requests by remote IP using a token bucket per IP.
type Limiter struct {
	cfg config.RateLimit

	mu      sync.Mutex
	clients map[string]*client

	done chan struct{}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter from cfg and starts its background reaper. Callers
// should check cfg.Enabled before wiring it in; New itself performs no
// validation. Callers must call Close when the Limiter is no longer
// needed, or the reaper goroutine runs forever.
func New(cfg config.RateLimit) *Limiter {
	l := &Limiter{cfg: cfg, clients: make(map[string]*client), done: make(chan struct{})}
	go l.reapLoop()
	return l
}

// Close stops the reaper goroutine. Safe to call once; a nil Limiter is a
// no-op so callers can guard with a plain nil check.
func (l *Limiter) Close() {
	if l == nil {
		return
	}
	close(l.done)
}

// Allow reports whether a request from r's remote address is within the
// configured rate, creating a new per-IP bucket on first sight.
func (l *Limiter) Allow(r *http.Request) bool {
	ip := clientIP(r)

	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

// reapLoop evicts IP buckets idle for more than three minutes so the map
// doesn't grow unbounded under a long-lived proxy process.
func (l *Limiter) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * time.Minute)
			l.mu.Lock()
			for ip, c := range l.clients {
				if c.lastSeen.Before(cutoff) {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
