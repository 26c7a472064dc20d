package engine_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reverseit/config"
	"reverseit/engine"
	"reverseit/pool"
)

func buildConfig(t *testing.T, backendURL string, opts config.Options) *config.Config {
	t.Helper()
	opts.Backend = backendURL
	cfg, err := config.Build(opts)
	require.NoError(t, err)
	return cfg
}

func TestProxyBufferedGetHello(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Host)
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Hello from backend!"))
	}))
	defer backend.Close()

	cfg := buildConfig(t, backend.URL, config.Options{})
	p := pool.New(cfg)
	defer p.Close()

	r := httptest.NewRequest(http.MethodGet, "/hello", nil)
	r.RemoteAddr = "192.0.2.10:54321"
	r.Host = "client.example"
	w := httptest.NewRecorder()

	engine.Proxy(r.Context(), cfg, engine.Deps{Pool: p}, w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello from backend!", w.Body.String())
}

func TestProxyBufferedPostEcho(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "test data", string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"echo":"test data"}`))
	}))
	defer backend.Close()

	cfg := buildConfig(t, backend.URL, config.Options{})
	p := pool.New(cfg)
	defer p.Close()

	r := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("test data"))
	w := httptest.NewRecorder()

	engine.Proxy(r.Context(), cfg, engine.Deps{Pool: p}, w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"echo":"test data"}`, w.Body.String())
}

func TestProxyStatusPassthrough404(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	cfg := buildConfig(t, backend.URL, config.Options{})
	p := pool.New(cfg)
	defer p.Close()

	r := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()

	engine.Proxy(r.Context(), cfg, engine.Deps{Pool: p}, w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProxyBackendDownEmitsErrorResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // force connection refused

	cfg := buildConfig(t, backend.URL, config.Options{})
	p := pool.New(cfg)
	defer p.Close()

	r := httptest.NewRequest(http.MethodGet, "/hello", nil)
	w := httptest.NewRecorder()

	engine.Proxy(r.Context(), cfg, engine.Deps{Pool: p}, w, r)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "Bad Gateway", w.Body.String())
}

func TestProxyStreamingPathForOversizedBody(t *testing.T) {
	var received []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = body
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	limit := int64(16)
	cfg := buildConfig(t, backend.URL, config.Options{MaxBodySize: &limit})
	p := pool.New(cfg)
	defer p.Close()

	payload := bytes.Repeat([]byte("x"), 1024)
	r := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(payload))
	w := httptest.NewRecorder()

	engine.Proxy(r.Context(), cfg, engine.Deps{Pool: p}, w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, received)
}

func TestProxyHostRewriteKeepsNonDefaultPort(t *testing.T) {
	var sawHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHost = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := buildConfig(t, backend.URL, config.Options{})
	p := pool.New(cfg)
	defer p.Close()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	engine.Proxy(r.Context(), cfg, engine.Deps{Pool: p}, w, r)

	assert.Equal(t, cfg.Host+":"+portOf(t, backend.URL), sawHost)
}

func portOf(t *testing.T, rawURL string) string {
	t.Helper()
	idx := strings.LastIndex(rawURL, ":")
	require.Greater(t, idx, -1)
	return rawURL[idx+1:]
}
