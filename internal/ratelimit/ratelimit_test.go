package ratelimit_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"reverseit/config"
	"reverseit/internal/ratelimit"
)

func TestLimiterAllowsWithinBurst(t *testing.T) {
	l := ratelimit.New(config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 2})
	defer l.Close()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"

	assert.True(t, l.Allow(r))
	assert.True(t, l.Allow(r))
	assert.False(t, l.Allow(r))
}

func TestLimiterPerIPIsolation(t *testing.T) {
	l := ratelimit.New(config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 1})
	defer l.Close()

	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	r1.RemoteAddr = "10.0.0.1:1234"
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "10.0.0.2:1234"

	assert.True(t, l.Allow(r1))
	assert.False(t, l.Allow(r1))
	assert.True(t, l.Allow(r2))
}

func TestLimiterUsesForwardedFor(t *testing.T) {
	l := ratelimit.New(config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 1})
	defer l.Close()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "proxy:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, proxy")

	assert.True(t, l.Allow(r))
	assert.False(t, l.Allow(r))
}

func TestLimiterCloseStopsReaper(t *testing.T) {
	l := ratelimit.New(config.RateLimit{Enabled: true, RequestsPerSecond: 1, Burst: 1})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	l.Allow(r)

	l.Close()
	assert.Panics(t, func() { l.Close() })
}

func TestLimiterCloseOnNilIsNoOp(t *testing.T) {
	var l *ratelimit.Limiter
	assert.NotPanics(t, func() { l.Close() })
}
